package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/opentalon/relay/internal/capabilities/battery"
	"github.com/opentalon/relay/internal/capabilities/searchquery"
	"github.com/opentalon/relay/internal/capability"
	"github.com/opentalon/relay/internal/dispatch"
	"github.com/opentalon/relay/internal/provider"
	"github.com/opentalon/relay/internal/synth"
)

// script is one scripted first-pass stream. After its chunks it either
// returns err, blocks until canceled (hang), panics, or ends.
type script struct {
	chunks []string
	err    error
	hang   bool
	panics bool
}

type fakeProvider struct {
	mu          sync.Mutex
	scripts     []script
	secondPass  string
	streams     []*provider.CompletionRequest
	completions []*provider.CompletionRequest
}

func (f *fakeProvider) ID() string { return "fake" }

func (f *fakeProvider) Stream(ctx context.Context, req *provider.CompletionRequest) (provider.ResponseStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, req)
	if len(f.scripts) == 0 {
		return nil, errors.New("no scripted reply")
	}
	s := f.scripts[0]
	f.scripts = f.scripts[1:]
	return &fakeStream{ctx: ctx, s: s}, nil
}

func (f *fakeProvider) Complete(_ context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, req)
	return &provider.CompletionResponse{Content: f.secondPass}, nil
}

func (f *fakeProvider) streamRequests() []*provider.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*provider.CompletionRequest(nil), f.streams...)
}

func (f *fakeProvider) completionRequests() []*provider.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*provider.CompletionRequest(nil), f.completions...)
}

type fakeStream struct {
	ctx context.Context
	s   script
	i   int
}

func (s *fakeStream) Recv() (provider.StreamChunk, error) {
	if err := s.ctx.Err(); err != nil {
		return provider.StreamChunk{}, err
	}
	if s.i < len(s.s.chunks) {
		c := s.s.chunks[s.i]
		s.i++
		return provider.StreamChunk{Content: c}, nil
	}
	switch {
	case s.s.panics:
		panic("decoder exploded")
	case s.s.err != nil:
		return provider.StreamChunk{}, s.s.err
	case s.s.hang:
		<-s.ctx.Done()
		return provider.StreamChunk{}, s.ctx.Err()
	}
	return provider.StreamChunk{}, io.EOF
}

func (s *fakeStream) Close() error { return nil }

type fakeBackend struct {
	p   provider.Provider
	err error
}

func (b fakeBackend) Provider(context.Context) (provider.Provider, error) { return b.p, b.err }

type memorySink struct {
	mu    sync.Mutex
	turns []Turn
	ids   []string
}

func (m *memorySink) AppendTurn(_ context.Context, id string, t Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, t)
	m.ids = append(m.ids, id)
	return nil
}

type stateLog struct {
	mu     sync.Mutex
	states []UIState
	notify chan UIState
}

func newStateLog() *stateLog { return &stateLog{notify: make(chan UIState, 64)} }

func (l *stateLog) record(st UIState) {
	l.mu.Lock()
	l.states = append(l.states, st)
	l.mu.Unlock()
	select {
	case l.notify <- st:
	default:
	}
}

func (l *stateLog) all() []UIState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]UIState(nil), l.states...)
}

// waitFor blocks until a published state satisfies ok.
func (l *stateLog) waitFor(t *testing.T, ok func(UIState) bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case st := <-l.notify:
			if ok(st) {
				return
			}
		case <-deadline:
			t.Fatal("state not published")
		}
	}
}

func testRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	reg := capability.NewRegistry()
	reg.MustRegister(
		searchquery.New(nil),
		battery.New(fstest.MapFS{
			"BAT0/type":     &fstest.MapFile{Data: []byte("Battery\n")},
			"BAT0/capacity": &fstest.MapFile{Data: []byte("64\n")},
			"BAT0/status":   &fstest.MapFile{Data: []byte("Discharging\n")},
		}, "test"),
	)
	return reg
}

func newTestOrchestrator(t *testing.T, fp *fakeProvider, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	reg := testRegistry(t)
	backend := fakeBackend{p: fp}
	o := New("conv-1", backend, reg, dispatch.New(reg), synth.New(backend, synth.Config{}), cfg, opts...)
	t.Cleanup(o.Close)
	return o
}
