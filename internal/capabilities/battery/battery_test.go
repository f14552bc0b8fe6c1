package battery

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/opentalon/relay/internal/capability"
)

func file(s string) *fstest.MapFile { return &fstest.MapFile{Data: []byte(s)} }

func TestBatteryStatus(t *testing.T) {
	fsys := fstest.MapFS{
		"AC/type":       file("Mains\n"),
		"AC/online":     file("1\n"),
		"BAT0/type":     file("Battery\n"),
		"BAT0/capacity": file("76\n"),
		"BAT0/status":   file("Charging\n"),
		"BAT1/type":     file("Battery\n"),
		"BAT1/capacity": file("10\n"),
	}
	res := New(fsys, "/sys/class/power_supply").Execute(context.Background(), nil)
	if !res.OK() {
		t.Fatal(res.Failure)
	}
	if res.Payload["level"] != 76 || res.Payload["status"] != "charging" {
		t.Errorf("payload = %v", res.Payload)
	}
	if res.Payload["source"] != "/sys/class/power_supply/BAT0" {
		t.Errorf("source = %v", res.Payload["source"])
	}
	if res.Summary != "The battery is at 76% and charging." {
		t.Errorf("summary = %q", res.Summary)
	}
}

func TestBatteryUnavailable(t *testing.T) {
	tests := []struct {
		name string
		fsys fstest.MapFS
	}{
		{"no supplies", fstest.MapFS{}},
		{"mains only", fstest.MapFS{"AC/type": file("Mains")}},
		{"garbled capacity", fstest.MapFS{"BAT0/type": file("Battery"), "BAT0/capacity": file("lots")}},
		{"out of range", fstest.MapFS{"BAT0/type": file("Battery"), "BAT0/capacity": file("140")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := New(tt.fsys, "test").Execute(context.Background(), nil)
			if res.OK() || res.Failure.Kind != capability.SourceUnavailable {
				t.Errorf("res = %+v, want SourceUnavailable", res)
			}
		})
	}
}

func TestBatteryMissingRoot(t *testing.T) {
	res := NewFromRoot(t.TempDir() + "/missing").Execute(context.Background(), nil)
	if res.OK() || res.Failure.Kind != capability.SourceUnavailable {
		t.Errorf("res = %+v", res)
	}
}

func TestBatteryDescriptorValid(t *testing.T) {
	if err := New(fstest.MapFS{}, "").Descriptor().Validate(); err != nil {
		t.Fatal(err)
	}
}
