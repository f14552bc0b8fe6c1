// Package orchestrator runs one conversation: it streams the first model
// pass, detects capability invocations in the reply, dispatches them and
// has the result phrased by a second pass.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opentalon/relay/internal/capability"
	"github.com/opentalon/relay/internal/invocation"
	"github.com/opentalon/relay/internal/logging"
	"github.com/opentalon/relay/internal/metrics"
	"github.com/opentalon/relay/internal/prompt"
	"github.com/opentalon/relay/internal/provider"
	"github.com/opentalon/relay/internal/synth"
)

const (
	DefaultFirstPassTimeout = 60 * time.Second
	DefaultHistoryTurns     = 20
	DefaultUpdateEvery      = 4
	DefaultErrorClearAfter  = 3 * time.Second
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrClosed       = errors.New("conversation closed")
)

// Backend yields the provider for the first pass.
type Backend interface {
	Provider(ctx context.Context) (provider.Provider, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req invocation.Request) capability.Result
}

type Synthesizer interface {
	Compose(ctx context.Context, name string, res capability.Result, query string) (string, synth.Mode)
}

// TranscriptSink receives every finalized turn.
type TranscriptSink interface {
	AppendTurn(ctx context.Context, conversationID string, t Turn) error
}

type Config struct {
	Settings         provider.Settings
	FirstPassTimeout time.Duration
	// HistoryTurns bounds the turns sent to the model, including the
	// current user turn.
	HistoryTurns int
	// UpdateEvery coalesces UI updates to one per N streamed chunks.
	UpdateEvery     int
	ErrorClearAfter time.Duration
	Rules           *prompt.Rules
}

func (c *Config) defaults() {
	if c.FirstPassTimeout <= 0 {
		c.FirstPassTimeout = DefaultFirstPassTimeout
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = DefaultHistoryTurns
	}
	if c.UpdateEvery <= 0 {
		c.UpdateEvery = DefaultUpdateEvery
	}
	if c.ErrorClearAfter <= 0 {
		c.ErrorClearAfter = DefaultErrorClearAfter
	}
	if c.Rules == nil {
		c.Rules = prompt.DefaultRules()
	}
}

type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithStateListener registers fn for UI state changes. Calls are
// serialised; fn must not call SendMessage.
func WithStateListener(fn func(UIState)) Option {
	return func(o *Orchestrator) { o.listener = fn }
}

func WithTranscript(sink TranscriptSink) Option {
	return func(o *Orchestrator) { o.transcript = sink }
}

// WithHistory seeds the conversation with previously finalized turns.
func WithHistory(turns []Turn) Option {
	return func(o *Orchestrator) { o.history = append([]Turn(nil), turns...) }
}

type TurnOption func(*turnOptions)

type turnOptions struct {
	requireCapability bool
}

// WithRequiredCapability enables the keyword fallback for this turn: when
// no invocation can be extracted from the reply, the first capability
// whose trigger keyword appears in the user's message runs with no
// parameters.
func WithRequiredCapability() TurnOption {
	return func(t *turnOptions) { t.requireCapability = true }
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Orchestrator struct {
	id          string
	backend     Backend
	registry    *capability.Registry
	dispatcher  Dispatcher
	synthesizer Synthesizer
	cfg         Config
	logger      *zap.Logger
	metrics     *metrics.Recorder
	listener    func(UIState)
	transcript  TranscriptSink

	notifyMu sync.Mutex

	mu         sync.Mutex
	history    []Turn
	phase      Phase
	ui         UIState
	uiSeq      uint64
	active     *run
	clearTimer *time.Timer
	closed     bool
}

func New(
	id string,
	backend Backend,
	registry *capability.Registry,
	dispatcher Dispatcher,
	synthesizer Synthesizer,
	cfg Config,
	opts ...Option,
) *Orchestrator {
	cfg.defaults()
	if id == "" {
		id = uuid.NewString()
	}
	o := &Orchestrator{
		id:          id,
		backend:     backend,
		registry:    registry,
		dispatcher:  dispatcher,
		synthesizer: synthesizer,
		cfg:         cfg,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("conversation", id))
	return o
}

func (o *Orchestrator) ID() string { return o.id }

func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) UIState() UIState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ui
}

// History returns a copy of the finalized turns, oldest first.
func (o *Orchestrator) History() []Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Turn(nil), o.history...)
}

// Close cancels any in-flight turn and waits for it to finalize.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	active := o.active
	if o.clearTimer != nil {
		o.clearTimer.Stop()
	}
	o.mu.Unlock()
	if active != nil {
		active.cancel()
		<-active.done
	}
}

// SendMessage runs one turn to completion. An in-flight turn is canceled
// and finalized first. Every accepted message ends with a user turn and an
// assistant turn in the history and the conversation back in PhaseIdle,
// even when it was superseded before generation began. The only errors are
// ErrEmptyMessage and ErrClosed.
func (o *Orchestrator) SendMessage(ctx context.Context, text string, opts ...TurnOption) (Reply, error) {
	if strings.TrimSpace(text) == "" {
		return Reply{}, ErrEmptyMessage
	}
	var topts turnOptions
	for _, opt := range opts {
		opt(&topts)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return Reply{}, ErrClosed
	}
	prev := o.active
	o.active = r
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		if o.active == r {
			o.active = nil
		}
		o.mu.Unlock()
		cancel()
		close(r.done)
	}()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}
	var reply Reply
	if runCtx.Err() != nil {
		// superseded or canceled while waiting for the previous turn
		o.appendTurn(runCtx, RoleUser, text)
		reply = o.finishCanceled(runCtx, "")
	} else {
		reply = o.runTurn(runCtx, text, topts)
	}
	o.metrics.Turn(string(reply.Outcome))
	return reply, nil
}

func (o *Orchestrator) runTurn(ctx context.Context, text string, topts turnOptions) (reply Reply) {
	o.appendTurn(ctx, RoleUser, text)

	var partial string
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("turn panicked", zap.Any("panic", rec), zap.Stack("stack"))
			reply = o.finishFault(ctx, partial, fmt.Errorf("panic: %v", rec))
		}
	}()

	o.setPhase(PhaseAwaitingFirstPass)
	o.publish(UIState{Kind: UIGenerating})

	full, err := o.firstPass(ctx, func(p string) { partial = p })
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return o.finishCanceled(ctx, partial)
		case errors.Is(err, context.DeadlineExceeded):
			return o.finishTimeout(ctx, partial)
		default:
			return o.finishFault(ctx, partial, err)
		}
	}

	o.setPhase(PhaseExtracting)
	req, ok := o.extract(full)
	if !ok && topts.requireCapability {
		if c, found := o.registry.DetectByKeyword(text); found {
			req, ok = invocation.Request{Name: c.Descriptor().Name}, true
			o.logger.Debug("keyword fallback", zap.String("capability", req.Name))
		}
	}
	if !ok {
		content := full
		if strings.TrimSpace(content) == "" {
			content = NoResponseText
		}
		return o.finish(ctx, Reply{Outcome: OutcomeAnswer}, content)
	}

	o.setPhase(PhaseAwaitingSecondPass)
	o.publish(UIState{Kind: UIGenerating})
	res := o.dispatcher.Dispatch(ctx, req)
	answer, mode := o.synthesizer.Compose(ctx, req.Name, res, text)
	if ctx.Err() != nil {
		return o.finishCanceled(ctx, "")
	}
	return o.finish(ctx, Reply{
		Outcome:    OutcomeCapability,
		Capability: req.Name,
		Failure:    res.Failure,
		Synthesis:  mode,
	}, answer)
}

func (o *Orchestrator) extract(text string) (invocation.Request, bool) {
	if !invocation.LooksLikeInvocation(text) {
		o.metrics.Extraction("none")
		return invocation.Request{}, false
	}
	req, ok := invocation.Extract(text)
	if !ok {
		// ambiguous: the text passes through as a normal reply
		o.metrics.Extraction("ambiguous")
		o.logger.Debug("invocation-like reply did not parse")
		return invocation.Request{}, false
	}
	o.metrics.Extraction("found")
	return req, true
}

type chunk struct {
	text string
	err  error
}

// firstPass streams the model reply, reporting the accumulated text
// through onPartial after every chunk.
func (o *Orchestrator) firstPass(ctx context.Context, onPartial func(string)) (string, error) {
	passCtx, cancel := context.WithTimeout(ctx, o.cfg.FirstPassTimeout)
	defer cancel()

	// a lazy probe or pull counts against the pass deadline
	p, err := o.backend.Provider(passCtx)
	if err != nil {
		if passCtx.Err() != nil {
			return "", passCtx.Err()
		}
		return "", err
	}

	start := time.Now()
	result := "ok"
	defer func() { o.metrics.ModelCall("first", result, time.Since(start)) }()

	stream, err := p.Stream(passCtx, o.cfg.Settings.Request(o.messages()))
	if err != nil {
		result = "error"
		if passCtx.Err() != nil {
			result = "canceled"
			return "", passCtx.Err()
		}
		return "", err
	}
	defer func() { _ = stream.Close() }()

	chunks := make(chan chunk)
	go func() {
		defer close(chunks)
		for {
			c, err := recvSafe(stream)
			select {
			case chunks <- chunk{text: c.Content, err: err}:
			case <-passCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var sb strings.Builder
	n := 0
	for {
		select {
		case <-passCtx.Done():
			result = "canceled"
			if ctx.Err() == nil {
				result = "timeout"
			}
			return sb.String(), passCtx.Err()
		case c, ok := <-chunks:
			if !ok {
				result = "canceled"
				return sb.String(), passCtx.Err()
			}
			if errors.Is(c.err, io.EOF) {
				return sb.String(), nil
			}
			if c.err != nil {
				result = "error"
				if passCtx.Err() != nil {
					result = "canceled"
					return sb.String(), passCtx.Err()
				}
				return sb.String(), c.err
			}
			sb.WriteString(c.text)
			onPartial(sb.String())
			n++
			if n%o.cfg.UpdateEvery == 0 {
				o.publish(UIState{Kind: UIGenerating, Partial: sb.String()})
			}
		}
	}
}

func recvSafe(s provider.ResponseStream) (c provider.StreamChunk, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("stream panicked: %v", rec)
		}
	}()
	return s.Recv()
}

// messages is the system prompt followed by the bounded history window.
func (o *Orchestrator) messages() []provider.Message {
	o.mu.Lock()
	window := o.history
	if len(window) > o.cfg.HistoryTurns {
		window = window[len(window)-o.cfg.HistoryTurns:]
	}
	msgs := make([]provider.Message, 0, len(window)+1)
	msgs = append(msgs, provider.Message{
		Role:    provider.RoleSystem,
		Content: prompt.System(o.registry.All(), o.cfg.Rules),
	})
	for _, t := range window {
		role := provider.RoleUser
		if t.Role == RoleAssistant {
			role = provider.RoleAssistant
		}
		msgs = append(msgs, provider.Message{Role: role, Content: t.Content})
	}
	o.mu.Unlock()
	return msgs
}

func withMarker(partial, marker string) string {
	if partial == "" {
		return marker
	}
	return partial + "\n\n" + marker
}

func (o *Orchestrator) finishTimeout(ctx context.Context, partial string) Reply {
	o.setPhase(PhaseTimedOut)
	o.logger.Warn("first pass timed out", zap.Duration("timeout", o.cfg.FirstPassTimeout), zap.Int("partial_bytes", len(partial)))
	return o.finish(ctx, Reply{Outcome: OutcomeModelTimeout}, withMarker(partial, TimeoutMarker))
}

func (o *Orchestrator) finishCanceled(ctx context.Context, partial string) Reply {
	o.logger.Debug("turn canceled", zap.Int("partial_bytes", len(partial)))
	return o.finish(ctx, Reply{Outcome: OutcomeCanceled}, withMarker(partial, CanceledMarker))
}

func (o *Orchestrator) finishFault(ctx context.Context, partial string, err error) Reply {
	o.setPhase(PhaseError)
	o.logger.Error("generation failed", zap.Error(err))
	reply := o.finish(ctx, Reply{Outcome: OutcomeModelFault}, withMarker(partial, InterruptedMarker))
	o.publishError("The response was interrupted.")
	return reply
}

func (o *Orchestrator) finish(ctx context.Context, reply Reply, content string) Reply {
	reply.Turn = o.appendTurn(ctx, RoleAssistant, content)
	o.setPhase(PhaseIdle)
	o.publish(UIState{Kind: UIIdle})
	return reply
}

func (o *Orchestrator) appendTurn(ctx context.Context, role Role, content string) Turn {
	t := Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	o.mu.Lock()
	o.history = append(o.history, t)
	o.mu.Unlock()

	if o.transcript != nil {
		if err := o.transcript.AppendTurn(context.WithoutCancel(ctx), o.id, t); err != nil {
			o.logger.Warn("transcript append failed", zap.String("turn", t.ID), zap.Error(err))
		}
	}
	return t
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	prev := o.phase
	o.phase = p
	o.mu.Unlock()
	if prev != p {
		o.logger.Debug("phase", zap.Stringer("from", prev), zap.Stringer("to", p))
	}
}

func (o *Orchestrator) publish(st UIState) {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()
	o.mu.Lock()
	if o.ui == st {
		o.mu.Unlock()
		return
	}
	o.ui = st
	o.uiSeq++
	o.mu.Unlock()
	if o.listener != nil {
		o.listener(st)
	}
}

// publishError shows an error state that clears itself unless another
// state replaces it first.
func (o *Orchestrator) publishError(msg string) {
	o.publish(UIState{Kind: UIError, Message: msg})

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	seq := o.uiSeq
	if o.clearTimer != nil {
		o.clearTimer.Stop()
	}
	o.clearTimer = time.AfterFunc(o.cfg.ErrorClearAfter, func() {
		o.mu.Lock()
		stale := o.uiSeq != seq || o.closed
		o.mu.Unlock()
		if !stale {
			o.publish(UIState{Kind: UIIdle})
		}
	})
}
