// Package battery reports the device battery level from the Linux
// power_supply class.
package battery

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/opentalon/relay/internal/capability"
)

const (
	Name        = "get_battery_status"
	DefaultRoot = "/sys/class/power_supply"
)

type Capability struct {
	fsys   fs.FS
	source string
}

// New reads from fsys, whose root is a power_supply class directory.
// source names the origin in payloads.
func New(fsys fs.FS, source string) *Capability {
	return &Capability{fsys: fsys, source: source}
}

// NewFromRoot reads the power_supply directory at root, DefaultRoot when
// empty.
func NewFromRoot(root string) *Capability {
	if root == "" {
		root = DefaultRoot
	}
	return New(os.DirFS(root), root)
}

func (c *Capability) Descriptor() capability.Descriptor {
	return capability.Descriptor{
		Name:            Name,
		Description:     "Current battery charge level and charging status of this device.",
		TriggerKeywords: []string{"battery", "charge", "power"},
	}
}

func (c *Capability) Execute(_ context.Context, _ capability.Params) capability.Result {
	entries, err := fs.ReadDir(c.fsys, ".")
	if err != nil {
		return capability.Fail(capability.SourceUnavailable, "read power supplies: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if read(c.fsys, name, "type") != "Battery" {
			continue
		}
		raw := read(c.fsys, name, "capacity")
		level, err := strconv.Atoi(raw)
		if err != nil || level < 0 || level > 100 {
			return capability.Fail(capability.SourceUnavailable, "battery %s: unreadable capacity %q", name, raw)
		}
		status := strings.ToLower(read(c.fsys, name, "status"))
		if status == "" {
			status = "unknown"
		}
		return capability.Success(map[string]any{
			"level":  level,
			"status": status,
			"source": c.source + "/" + name,
		}, summary(level, status))
	}
	return capability.Fail(capability.SourceUnavailable, "no battery found")
}

func read(fsys fs.FS, dir, file string) string {
	b, err := fs.ReadFile(fsys, dir+"/"+file)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func summary(level int, status string) string {
	switch status {
	case "charging":
		return fmt.Sprintf("The battery is at %d%% and charging.", level)
	case "full":
		return fmt.Sprintf("The battery is full (%d%%).", level)
	case "discharging":
		return fmt.Sprintf("The battery is at %d%% and discharging.", level)
	default:
		return fmt.Sprintf("The battery is at %d%%.", level)
	}
}
