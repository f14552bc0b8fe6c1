// Package synth turns capability results into user-facing text, through a
// second model pass on success and canned phrasing on failure.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opentalon/relay/internal/capability"
	"github.com/opentalon/relay/internal/invocation"
	"github.com/opentalon/relay/internal/logging"
	"github.com/opentalon/relay/internal/metrics"
	"github.com/opentalon/relay/internal/prompt"
	"github.com/opentalon/relay/internal/provider"
)

const DefaultTimeout = 30 * time.Second

// ErrSynthesisFailed marks a second pass whose text could not be used.
var ErrSynthesisFailed = errors.New("synthesis failed")

// Mode records how the final text was produced.
type Mode string

const (
	ModeModel    Mode = "model"
	ModeFallback Mode = "fallback"
	ModeCanned   Mode = "canned"
)

// Backend yields the provider for the second pass.
type Backend interface {
	Provider(ctx context.Context) (provider.Provider, error)
}

type Config struct {
	Settings provider.Settings
	// Timeout bounds the second pass. Zero means DefaultTimeout.
	Timeout time.Duration
	// Diagnostics appends the technical failure message to canned text.
	Diagnostics bool
	Rules       *prompt.Rules
}

type Synthesizer struct {
	backend Backend
	cfg     Config
	guard   *Guard
	logger  *zap.Logger
	metrics *metrics.Recorder
}

type Option func(*Synthesizer)

func WithLogger(l *zap.Logger) Option {
	return func(s *Synthesizer) { s.logger = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Synthesizer) { s.metrics = m }
}

func WithGuard(g *Guard) Option {
	return func(s *Synthesizer) { s.guard = g }
}

func New(backend Backend, cfg Config, opts ...Option) *Synthesizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Rules == nil {
		cfg.Rules = prompt.DefaultRules()
	}
	s := &Synthesizer{
		backend: backend,
		cfg:     cfg,
		guard:   NewGuard(),
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Synthesize returns the final answer for a dispatched capability. It
// never returns an empty string.
func (s *Synthesizer) Synthesize(ctx context.Context, name string, res capability.Result, query string) string {
	text, _ := s.Compose(ctx, name, res, query)
	return text
}

// Compose is Synthesize that also reports how the text was produced.
func (s *Synthesizer) Compose(ctx context.Context, name string, res capability.Result, query string) (string, Mode) {
	if !res.OK() {
		s.metrics.Synthesis(string(ModeCanned))
		return s.canned(res.Failure), ModeCanned
	}

	text, err := s.secondPass(ctx, name, res, query)
	if err != nil {
		s.logger.Warn("falling back to template",
			zap.String("capability", name),
			zap.Error(err))
		s.metrics.Synthesis(string(ModeFallback))
		return Fallback(name, res), ModeFallback
	}
	s.metrics.Synthesis(string(ModeModel))
	return text, ModeModel
}

func (s *Synthesizer) secondPass(ctx context.Context, name string, res capability.Result, query string) (string, error) {
	payload, err := canonicalJSON(s.guard.SanitizeValue(res.Payload))
	if err != nil {
		return "", fmt.Errorf("%w: encode payload: %v", ErrSynthesisFailed, err)
	}
	block := s.guard.Wrap(s.guard.Truncate(payload))

	p, err := s.backend.Provider(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.Complete(callCtx, s.cfg.Settings.Request([]provider.Message{
		{Role: provider.RoleSystem, Content: prompt.SecondPass(s.cfg.Rules)},
		{Role: provider.RoleUser, Content: prompt.SecondPassUser(query, name, block)},
	}))
	if err != nil {
		result := "error"
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			result = "timeout"
		}
		s.metrics.ModelCall("second", result, time.Since(start))
		return "", fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}
	s.metrics.ModelCall("second", "ok", time.Since(start))

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", fmt.Errorf("%w: empty second pass", ErrSynthesisFailed)
	}
	if _, ok := invocation.Extract(text); ok {
		return "", fmt.Errorf("%w: second pass emitted another invocation", ErrSynthesisFailed)
	}
	return text, nil
}

func (s *Synthesizer) canned(f *capability.Failure) string {
	text := Canned(f)
	if s.cfg.Diagnostics {
		text += fmt.Sprintf("\n\n[diagnostic] %s: %s", f.Kind, f.Message)
	}
	return text
}

// Canned maps a failure kind to user-safe text. Only the schema parameter
// name is ever echoed, never the failure message.
func Canned(f *capability.Failure) string {
	switch f.Kind {
	case capability.UnknownCapability:
		return "I tried to use a capability that isn't available. Could you rephrase your request?"
	case capability.MissingParameter:
		if f.Param != "" {
			return fmt.Sprintf("I need a bit more information to do that. What should I use for %s?", f.Param)
		}
		return "I need a bit more information to do that."
	case capability.InvalidParameter:
		if f.Param != "" {
			return fmt.Sprintf("The value for %s wasn't valid. Could you clarify it?", f.Param)
		}
		return "One of the values wasn't valid. Could you clarify your request?"
	case capability.SourceUnavailable:
		return "That information isn't available on this device right now."
	case capability.Timeout:
		return "That took too long to complete. Please try again."
	case capability.ExecutionError:
		return "Something went wrong while carrying out that request. Please try again."
	default:
		return "Something went wrong while carrying out that request. Please try again."
	}
}

// Fallback is the deterministic answer used when the second pass cannot
// be used: the capability's own summary, or its payload fields in key
// order.
func Fallback(name string, res capability.Result) string {
	if strings.TrimSpace(res.Summary) != "" {
		return res.Summary
	}
	if len(res.Payload) == 0 {
		return fmt.Sprintf("%s completed.", name)
	}

	keys := make([]string, 0, len(res.Payload))
	for k := range res.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %s", k, fieldText(res.Payload[k]))
	}
	return fmt.Sprintf("%s result: %s", name, strings.Join(parts, "; "))
}

func fieldText(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case nil:
		return "none"
	case map[string]any, []any:
		b, err := canonicalJSON(tv)
		if err != nil {
			return fmt.Sprint(tv)
		}
		return b
	default:
		return fmt.Sprint(tv)
	}
}

// canonicalJSON encodes v with sorted map keys and no HTML escaping.
func canonicalJSON(v any) (string, error) {
	if m, ok := v.(map[string]any); ok && m == nil {
		return "{}", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
