package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/opentalon/relay/internal/provider"
)

type fakeProvider struct {
	mu     sync.Mutex
	probes []error
	calls  int
}

func (f *fakeProvider) ID() string { return "fake" }

func (f *fakeProvider) Complete(context.Context, *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	return &provider.CompletionResponse{}, nil
}

func (f *fakeProvider) Stream(context.Context, *provider.CompletionRequest) (provider.ResponseStream, error) {
	return nil, errors.New("not used")
}

// Probe pops the next scripted result; the last one repeats.
func (f *fakeProvider) Probe(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.probes) == 0 {
		return nil
	}
	err := f.probes[0]
	if len(f.probes) > 1 {
		f.probes = f.probes[1:]
	}
	return err
}

type fakePuller struct {
	steps      []float64
	err        error
	onProgress func()
}

func (f *fakePuller) Pull(_ context.Context, _ string, progress func(float64)) error {
	for _, s := range f.steps {
		progress(s)
		if f.onProgress != nil {
			f.onProgress()
		}
	}
	return f.err
}

func notFound() error { return fmt.Errorf("probe: %w", provider.ErrModelNotFound) }

func TestInitializeReady(t *testing.T) {
	r := New(&fakeProvider{}, "llama3.2")
	if r.Status().State != Checking {
		t.Errorf("initial state = %s", r.Status().State)
	}
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.Status().State != Ready {
		t.Errorf("state = %s", r.Status())
	}
}

func TestInitializeMissingModelWithoutPuller(t *testing.T) {
	r := New(&fakeProvider{probes: []error{notFound()}}, "llama3.2")
	err := r.Initialize(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
	st := r.Status()
	if st.State != Unavailable || st.Message == "" {
		t.Errorf("status = %+v", st)
	}
}

func TestInitializePullsMissingModel(t *testing.T) {
	fp := &fakeProvider{probes: []error{notFound(), nil}}
	puller := &fakePuller{steps: []float64{0.25, 0.5}}
	r := New(fp, "llama3.2", WithPuller(puller))

	var seen []Status
	puller.onProgress = func() { seen = append(seen, r.Status()) }

	if err := r.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || seen[0] != downloading(0.25) || seen[1] != downloading(0.5) {
		t.Errorf("progress = %+v", seen)
	}
	if r.Status().State != Ready {
		t.Errorf("state = %s", r.Status())
	}
}

func TestInitializePullFailure(t *testing.T) {
	r := New(&fakeProvider{probes: []error{notFound()}}, "m", WithPuller(&fakePuller{err: errors.New("disk full")}))
	if err := r.Initialize(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if st := r.Status(); st.State != Failed {
		t.Errorf("status = %+v", st)
	}
}

func TestInitializeClassifiesProbeErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want State
	}{
		{"endpoint error", &provider.Error{StatusCode: 401, Message: "bad key"}, Failed},
		{"unreachable", errors.New("dial tcp: connection refused"), Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(&fakeProvider{probes: []error{tt.err}}, "m")
			_ = r.Initialize(context.Background())
			if got := r.Status().State; got != tt.want {
				t.Errorf("state = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestProviderInitializesLazily(t *testing.T) {
	fp := &fakeProvider{}
	r := New(fp, "m")
	p, err := r.Provider(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if p != provider.Provider(fp) {
		t.Error("Provider should return the wrapped provider")
	}
	if _, err := r.Provider(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fp.calls != 1 {
		t.Errorf("probe calls = %d, want 1", fp.calls)
	}
}

func TestProviderUnavailable(t *testing.T) {
	r := New(&fakeProvider{probes: []error{errors.New("refused")}}, "m")
	if _, err := r.Provider(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("first call err = %v", err)
	}
	if _, err := r.Provider(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("second call err = %v", err)
	}
}

func TestProviderRecoversAfterFailedInitialize(t *testing.T) {
	fp := &fakeProvider{probes: []error{errors.New("connection refused"), nil}}
	r := New(fp, "m", WithReprobeInterval(0))

	if _, err := r.Provider(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("first call err = %v", err)
	}
	p, err := r.Provider(context.Background())
	if err != nil {
		t.Fatalf("second call err = %v", err)
	}
	if p != provider.Provider(fp) {
		t.Error("Provider should return the wrapped provider")
	}
	if r.Status().State != Ready {
		t.Errorf("state = %s", r.Status())
	}
}

func TestProviderReprobeIsRateLimited(t *testing.T) {
	fp := &fakeProvider{probes: []error{errors.New("connection refused")}}
	r := New(fp, "m", WithReprobeInterval(time.Hour))

	for range 5 {
		if _, err := r.Provider(context.Background()); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("err = %v", err)
		}
	}
	// the initial probe plus one immediate reprobe from the limiter's burst
	if fp.calls != 2 {
		t.Errorf("probe calls = %d, want 2", fp.calls)
	}
}

func TestRefreshTransitions(t *testing.T) {
	fp := &fakeProvider{probes: []error{nil, errors.New("refused"), nil}}
	r := New(fp, "m")
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.Refresh(context.Background()); err == nil {
		t.Error("expected refresh failure")
	}
	if r.Status().State != Unavailable {
		t.Errorf("state = %s", r.Status())
	}
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.Status().State != Ready {
		t.Errorf("state = %s", r.Status())
	}
}

func TestWatchDeliversLatestAndClosesOnCleanup(t *testing.T) {
	r := New(&fakeProvider{}, "m")
	ch := r.Watch(context.Background())
	if st := <-ch; st.State != Checking {
		t.Errorf("first status = %s", st)
	}

	if err := r.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := <-ch; st.State != Ready {
		t.Errorf("latest status = %s", st)
	}

	r.Cleanup()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("channel should be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed by Cleanup")
	}
	if _, err := r.Provider(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Provider after Cleanup = %v", err)
	}
	if _, ok := <-r.Watch(context.Background()); ok {
		t.Error("Watch after Cleanup should return a closed channel")
	}
}

func TestWatchClosesWithContext(t *testing.T) {
	r := New(&fakeProvider{}, "m")
	ctx, cancel := context.WithCancel(context.Background())
	ch := r.Watch(ctx)
	<-ch
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("channel should be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func TestOllamaPuller(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"status":"pulling manifest"}
{"status":"downloading","total":200,"completed":50}
{"status":"downloading","total":200,"completed":200}
{"status":"success"}
`)
	}))
	defer server.Close()

	var got []float64
	p := NewOllamaPuller(server.URL+"/v1/", server.Client())
	if err := p.Pull(context.Background(), "llama3.2", func(f float64) { got = append(got, f) }); err != nil {
		t.Fatal(err)
	}
	want := []float64{0.25, 1, 1}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("progress = %v, want %v", got, want)
	}
}

func TestOllamaPullerReportsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"error":"pull model manifest: file does not exist"}`+"\n")
	}))
	defer server.Close()

	p := NewOllamaPuller(server.URL, nil)
	if err := p.Pull(context.Background(), "nope", nil); err == nil {
		t.Fatal("expected error")
	}
}
