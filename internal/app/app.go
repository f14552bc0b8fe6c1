// Package app assembles the relay components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/opentalon/relay/internal/capabilities/battery"
	"github.com/opentalon/relay/internal/capabilities/cache"
	"github.com/opentalon/relay/internal/capabilities/luascript"
	"github.com/opentalon/relay/internal/capabilities/searchquery"
	"github.com/opentalon/relay/internal/capabilities/weather"
	"github.com/opentalon/relay/internal/capability"
	"github.com/opentalon/relay/internal/config"
	"github.com/opentalon/relay/internal/dispatch"
	"github.com/opentalon/relay/internal/logging"
	"github.com/opentalon/relay/internal/metrics"
	"github.com/opentalon/relay/internal/model"
	"github.com/opentalon/relay/internal/orchestrator"
	"github.com/opentalon/relay/internal/prompt"
	"github.com/opentalon/relay/internal/provider"
	"github.com/opentalon/relay/internal/store"
	"github.com/opentalon/relay/internal/synth"
)

type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	metrics    *metrics.Recorder
	model      *model.Resource
	registry   *capability.Registry
	search     *searchquery.Builder
	dispatcher *dispatch.Dispatcher
	synth      *synth.Synthesizer
	rules      *prompt.Rules
	transcript *store.Transcript

	closers []func() error
}

type options struct {
	logger     *zap.Logger
	metrics    *metrics.Recorder
	provider   provider.Provider
	redis      redis.Cmdable
	httpClient *http.Client
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(o *options) { o.metrics = m }
}

// WithProvider replaces the provider built from the model config.
func WithProvider(p provider.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithRedis replaces the client built from cache.redis_addr.
func WithRedis(c redis.Cmdable) Option {
	return func(o *options) { o.redis = c }
}

// WithHTTPClient is used by capabilities and the model puller.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// New builds every component. The model is not probed until Start or the
// first conversation needs it.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{}
	}

	a := &App{
		cfg:     cfg,
		logger:  logging.OrNop(o.logger),
		metrics: o.metrics,
		rules:   prompt.NewRules(cfg.Conversation.Rules),
	}

	p := o.provider
	if p == nil {
		built, err := provider.FromConfig(cfg.Model.Provider())
		if err != nil {
			return nil, err
		}
		p = built
	}
	modelOpts := []model.Option{model.WithLogger(a.logger.Named("model"))}
	if cfg.Model.Pull {
		base := cfg.Model.BaseURL
		if base == "" {
			base = provider.OllamaDefaultBaseURL
		}
		modelOpts = append(modelOpts, model.WithPuller(model.NewOllamaPuller(base, o.httpClient)))
	}
	a.model = model.New(p, cfg.Model.Model, modelOpts...)
	a.closers = append(a.closers, func() error { a.model.Cleanup(); return nil })

	if err := a.buildRegistry(ctx, o); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.dispatcher = dispatch.New(a.registry,
		dispatch.WithTimeout(cfg.Dispatch.Timeout),
		dispatch.WithLogger(a.logger.Named("dispatch")),
		dispatch.WithMetrics(a.metrics))
	a.synth = synth.New(a.model, synth.Config{
		Settings:    cfg.Model.Settings(),
		Timeout:     cfg.Conversation.SecondPassTimeout,
		Diagnostics: cfg.Conversation.Diagnostics,
		Rules:       a.rules,
	}, synth.WithLogger(a.logger.Named("synth")), synth.WithMetrics(a.metrics))

	if cfg.Store.Driver != "" {
		db, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, cfg.Store.DataDir)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.transcript = store.NewTranscript(db)
	}

	a.logger.Info("relay assembled",
		zap.String("model", cfg.Model.Model),
		zap.String("api", cfg.Model.API),
		zap.Int("capabilities", a.registry.Len()),
		zap.Bool("transcript", a.transcript != nil))
	return a, nil
}

func (a *App) buildRegistry(ctx context.Context, o options) error {
	caps := a.cfg.Capabilities
	var list []capability.Capability

	if caps.Battery.Enabled {
		list = append(list, battery.NewFromRoot(caps.Battery.Root))
	}
	if caps.Search.Enabled {
		a.search = searchquery.New(caps.Search.Kinds)
		if caps.Search.Location != "" {
			a.search.UpdateContext(caps.Search.Location)
		}
		list = append(list, a.search)
	}
	if caps.Weather.Enabled {
		list = append(list, weather.New(weather.Config{
			BaseURL:       caps.Weather.BaseURL,
			Timeout:       caps.Weather.Timeout,
			RatePerSecond: caps.Weather.RatePerSecond,
		}, o.httpClient))
	}
	for _, sc := range caps.Scripts {
		c, err := luascript.Load(sc)
		if err != nil {
			return fmt.Errorf("script capability %s: %w", sc.Name, err)
		}
		list = append(list, c)
	}

	if a.cfg.Cache.Enabled {
		rc := o.redis
		if rc == nil {
			client := redis.NewClient(&redis.Options{Addr: a.cfg.Cache.RedisAddr})
			a.closers = append(a.closers, client.Close)
			if err := client.Ping(ctx).Err(); err != nil {
				a.logger.Warn("redis unreachable; cache lookups will fall through",
					zap.String("addr", a.cfg.Cache.RedisAddr), zap.Error(err))
			}
			rc = client
		}
		c := cache.New(rc, a.cfg.Cache.TTL,
			cache.WithLogger(a.logger.Named("cache")),
			cache.WithMetrics(a.metrics))
		for i, capb := range list {
			if slices.Contains(a.cfg.Cache.Capabilities, capb.Descriptor().Name) {
				list[i] = c.Wrap(capb)
			}
		}
	}

	a.registry = capability.NewRegistry()
	for _, c := range list {
		if err := a.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Start probes the model once, pulling it if configured. A model that is
// not ready is logged, not fatal: conversations retry lazily.
func (a *App) Start(ctx context.Context) {
	if err := a.model.Initialize(ctx); err != nil {
		a.logger.Warn("model not ready at startup", zap.Error(err))
	}
}

// NewConversation returns an orchestrator for id, restoring its stored
// turns when a transcript store is configured.
func (a *App) NewConversation(ctx context.Context, id string, opts ...orchestrator.Option) (*orchestrator.Orchestrator, error) {
	conv := a.cfg.Conversation
	base := []orchestrator.Option{
		orchestrator.WithLogger(a.logger.Named("conversation")),
		orchestrator.WithMetrics(a.metrics),
	}
	if a.transcript != nil && id != "" {
		turns, err := a.transcript.LoadTurns(ctx, id, conv.HistoryTurns)
		if err != nil {
			return nil, err
		}
		base = append(base, orchestrator.WithTranscript(a.transcript), orchestrator.WithHistory(turns))
	}
	return orchestrator.New(id, a.model, a.registry, a.dispatcher, a.synth, orchestrator.Config{
		Settings:         a.cfg.Model.Settings(),
		FirstPassTimeout: conv.FirstPassTimeout,
		HistoryTurns:     conv.HistoryTurns,
		UpdateEvery:      conv.UpdateEvery,
		ErrorClearAfter:  conv.ErrorClearAfter,
		Rules:            a.rules,
	}, append(base, opts...)...), nil
}

// SetLocation updates the folder relative search locations resolve
// against. It is a no-op when the search capability is disabled.
func (a *App) SetLocation(loc string) {
	if a.search != nil {
		a.search.UpdateContext(loc)
	}
}

func (a *App) Model() *model.Resource         { return a.model }
func (a *App) Registry() *capability.Registry { return a.registry }
func (a *App) Metrics() *metrics.Recorder     { return a.metrics }

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
