package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/opentalon/relay/internal/logging"
	"github.com/opentalon/relay/internal/provider"
)

// DefaultReprobeInterval spaces the on-demand probes Provider makes while
// the model is not Ready.
const DefaultReprobeInterval = 5 * time.Second

// Puller fetches a model that the endpoint does not have yet, reporting
// progress in the range 0..1.
type Puller interface {
	Pull(ctx context.Context, model string, progress func(float64)) error
}

// Resource wraps a provider with an explicit lifecycle. It is safe for
// concurrent use; Initialize and Refresh are serialised.
type Resource struct {
	provider provider.Provider
	model    string
	puller   Puller
	logger   *zap.Logger
	reprobe  *rate.Limiter

	initMu sync.Mutex

	mu          sync.Mutex
	status      Status
	initialized bool
	closed      bool
	watchers    map[chan Status]chan struct{}
}

type Option func(*Resource)

func WithPuller(p Puller) Option {
	return func(r *Resource) { r.puller = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Resource) { r.logger = logging.OrNop(l) }
}

// WithReprobeInterval sets how often Provider may re-probe an endpoint that
// is not Ready. Zero or less re-probes on every call.
func WithReprobeInterval(d time.Duration) Option {
	return func(r *Resource) {
		if d <= 0 {
			r.reprobe = rate.NewLimiter(rate.Inf, 1)
			return
		}
		r.reprobe = rate.NewLimiter(rate.Every(d), 1)
	}
}

func New(p provider.Provider, model string, opts ...Option) *Resource {
	r := &Resource{
		provider: p,
		model:    model,
		logger:   zap.NewNop(),
		reprobe:  rate.NewLimiter(rate.Every(DefaultReprobeInterval), 1),
		status:   checking(),
		watchers: make(map[chan Status]chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Resource) Model() string { return r.model }

// Initialize probes the endpoint, pulling the model first when it is
// missing and a Puller is configured. The resulting status is published to
// watchers; the returned error mirrors a non-Ready outcome.
func (r *Resource) Initialize(ctx context.Context) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	r.mu.Lock()
	r.closed = false
	r.mu.Unlock()

	r.publish(checking())
	st := r.probe(ctx)
	r.mu.Lock()
	r.initialized = true
	r.mu.Unlock()
	r.publish(st)

	if st.State != Ready {
		r.logger.Warn("model not ready", zap.String("model", r.model), zap.Stringer("status", st))
		return fmt.Errorf("%w: %s", ErrUnavailable, st)
	}
	r.logger.Info("model ready", zap.String("model", r.model), zap.String("provider", r.provider.ID()))
	return nil
}

// Refresh re-probes a resource that has been initialised. The status only
// leaves Ready when the probe fails, so watchers do not see a transient
// Checking state on every periodic refresh.
func (r *Resource) Refresh(ctx context.Context) error {
	r.mu.Lock()
	initialized, closed := r.initialized, r.closed
	r.mu.Unlock()
	if closed {
		return ErrUnavailable
	}
	if !initialized {
		return r.Initialize(ctx)
	}

	r.initMu.Lock()
	defer r.initMu.Unlock()
	return r.refreshLocked(ctx)
}

func (r *Resource) refreshLocked(ctx context.Context) error {
	st := r.probe(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	prev := r.Status()
	r.publish(st)
	if st.State != Ready {
		if prev.State == Ready {
			r.logger.Warn("model became unavailable", zap.String("model", r.model), zap.Stringer("status", st))
		}
		return fmt.Errorf("%w: %s", ErrUnavailable, st)
	}
	if prev.State != Ready {
		r.logger.Info("model recovered", zap.String("model", r.model))
	}
	return nil
}

func (r *Resource) probe(ctx context.Context) Status {
	prober, ok := r.provider.(provider.Prober)
	if !ok {
		return ready()
	}

	err := prober.Probe(ctx, r.model)
	if err == nil {
		return ready()
	}
	if errors.Is(err, provider.ErrModelNotFound) {
		if r.puller == nil {
			return unavailable(fmt.Sprintf("model %q is not installed", r.model))
		}
		r.publish(downloading(0))
		if err := r.puller.Pull(ctx, r.model, func(p float64) { r.publish(downloading(p)) }); err != nil {
			return failed(fmt.Sprintf("pull %s: %v", r.model, err))
		}
		if err := prober.Probe(ctx, r.model); err != nil {
			return failed(err.Error())
		}
		return ready()
	}

	var pe *provider.Error
	if errors.As(err, &pe) {
		return failed(err.Error())
	}
	return unavailable(err.Error())
}

// Provider returns the underlying provider once the model is Ready,
// initialising it on first use. While the model is not Ready it re-probes,
// at most once per reprobe interval and never while another probe or pull
// is running.
func (r *Resource) Provider(ctx context.Context) (provider.Provider, error) {
	r.mu.Lock()
	initialized, closed, st := r.initialized, r.closed, r.status
	r.mu.Unlock()

	if closed {
		return nil, fmt.Errorf("%w: closed", ErrUnavailable)
	}
	if !initialized {
		if err := r.Initialize(ctx); err != nil {
			return nil, err
		}
		return r.provider, nil
	}
	if st.State != Ready {
		if !r.reprobe.Allow() || !r.initMu.TryLock() {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, st)
		}
		defer r.initMu.Unlock()
		if err := r.refreshLocked(ctx); err != nil {
			return nil, err
		}
	}
	return r.provider, nil
}

func (r *Resource) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Watch delivers the current status and every later change. Slow readers
// only see the latest status. The channel is closed when ctx is done or the
// resource is cleaned up.
func (r *Resource) Watch(ctx context.Context) <-chan Status {
	ch := make(chan Status, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(ch)
		return ch
	}
	ch <- r.status
	stop := make(chan struct{})
	r.watchers[ch] = stop
	r.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.watchers[ch]; ok {
			delete(r.watchers, ch)
			close(ch)
		}
	}()
	return ch
}

// Cleanup marks the resource unavailable and closes all watchers. A later
// Initialize reopens it.
func (r *Resource) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.initialized = false
	r.status = unavailable("closed")
	for ch, stop := range r.watchers {
		delete(r.watchers, ch)
		close(stop)
		close(ch)
	}
}

func (r *Resource) publish(st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.status == st {
		return
	}
	r.status = st
	for ch := range r.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}
