package health

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/opentalon/relay/internal/logging"
)

// Refresher re-probes a resource.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Prober refreshes the model on a fixed interval. Runs never overlap.
type Prober struct {
	cron    *cron.Cron
	target  Refresher
	timeout time.Duration
	logger  *zap.Logger
}

func NewProber(target Refresher, interval time.Duration, logger *zap.Logger) (*Prober, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("probe interval must be positive, got %s", interval)
	}
	logger = logging.OrNop(logger)
	cl := cronLogger{logger.Sugar()}
	p := &Prober{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		target:  target,
		timeout: interval,
		logger:  logger,
	}
	if _, err := p.cron.AddFunc(fmt.Sprintf("@every %s", interval), p.run); err != nil {
		return nil, fmt.Errorf("schedule probe: %w", err)
	}
	return p, nil
}

func (p *Prober) run() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.target.Refresh(ctx); err != nil {
		p.logger.Debug("model probe failed", zap.Error(err))
	}
}

func (p *Prober) Start() { p.cron.Start() }

// Stop halts scheduling and waits for a running probe to finish.
func (p *Prober) Stop() {
	<-p.cron.Stop().Done()
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
