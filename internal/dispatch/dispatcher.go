// Package dispatch resolves extracted invocations against the capability
// registry, validates their parameters and runs them.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opentalon/relay/internal/capability"
	"github.com/opentalon/relay/internal/invocation"
	"github.com/opentalon/relay/internal/logging"
	"github.com/opentalon/relay/internal/metrics"
)

const DefaultTimeout = 20 * time.Second

// ValidatedCall is a request whose parameters have been resolved against
// the capability schema: required values present, defaults applied,
// values typed and unknown keys dropped.
type ValidatedCall struct {
	Capability capability.Capability
	Params     capability.Params
}

func (c ValidatedCall) Name() string { return c.Capability.Descriptor().Name }

// Wire renders the typed parameters back to their wire strings.
func (c ValidatedCall) Wire() map[string]string {
	out := make(map[string]string, len(c.Params))
	for k, v := range c.Params {
		switch tv := v.(type) {
		case string:
			out[k] = tv
		case float64:
			out[k] = strconv.FormatFloat(tv, 'f', -1, 64)
		case int64:
			out[k] = strconv.FormatInt(tv, 10)
		case bool:
			out[k] = strconv.FormatBool(tv)
		default:
			out[k] = fmt.Sprint(tv)
		}
	}
	return out
}

type Dispatcher struct {
	registry *capability.Registry
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Recorder
}

type Option func(*Dispatcher)

// WithTimeout bounds a single capability execution. Capabilities that do
// I/O should enforce a tighter limit themselves.
func WithTimeout(d time.Duration) Option {
	return func(ds *Dispatcher) { ds.timeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(ds *Dispatcher) { ds.logger = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(ds *Dispatcher) { ds.metrics = m }
}

func New(registry *capability.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		timeout:  DefaultTimeout,
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch resolves, validates and executes req. It never panics and never
// returns an error: every failure is a Failure result.
func (d *Dispatcher) Dispatch(ctx context.Context, req invocation.Request) capability.Result {
	call, failure := d.Validate(req)
	if failure != nil {
		res := capability.Result{Failure: failure}
		d.record(req.Name, res, 0)
		return res
	}

	start := time.Now()
	res := d.execute(ctx, call)
	d.record(call.Name(), res, time.Since(start))
	return res
}

// Validate resolves the capability and coerces raw parameters per schema.
func (d *Dispatcher) Validate(req invocation.Request) (ValidatedCall, *capability.Failure) {
	c, ok := d.registry.FindByName(req.Name)
	if !ok {
		return ValidatedCall{}, &capability.Failure{
			Kind:    capability.UnknownCapability,
			Message: fmt.Sprintf("capability %q is not registered", req.Name),
		}
	}

	desc := c.Descriptor()
	params := make(capability.Params, len(desc.Parameters))
	for _, p := range desc.Parameters {
		raw, present := req.Params[p.Name]
		if present && strings.TrimSpace(raw) == "" {
			present = false
		}
		if !present {
			if p.Required {
				return ValidatedCall{}, &capability.Failure{
					Kind:    capability.MissingParameter,
					Param:   p.Name,
					Message: fmt.Sprintf("required parameter %q is missing", p.Name),
				}
			}
			if p.Default == "" {
				continue
			}
			raw = p.Default
		}
		v, err := coerce(p, raw)
		if err != nil {
			return ValidatedCall{}, &capability.Failure{
				Kind:    capability.InvalidParameter,
				Param:   p.Name,
				Message: err.Error(),
			}
		}
		params[p.Name] = v
	}
	return ValidatedCall{Capability: c, Params: params}, nil
}

func coerce(p capability.Parameter, raw string) (any, error) {
	if len(p.AllowedValues) > 0 {
		canonical, ok := allowed(p.AllowedValues, raw)
		if !ok {
			return nil, fmt.Errorf("parameter %q: %q is not one of %s", p.Name, raw, strings.Join(p.AllowedValues, ", "))
		}
		raw = canonical
	}

	switch p.Type {
	case capability.TypeString, "":
		return raw, nil
	case capability.TypeNumber:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %q is not a number", p.Name, raw)
		}
		return f, nil
	case capability.TypeInteger:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %q is not an integer", p.Name, raw)
		}
		return n, nil
	case capability.TypeBoolean:
		b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(raw)))
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %q is not a boolean", p.Name, raw)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("parameter %q: unsupported type %q", p.Name, p.Type)
	}
}

func allowed(values []string, raw string) (string, bool) {
	v := strings.TrimSpace(raw)
	for _, a := range values {
		if strings.EqualFold(a, v) {
			return a, true
		}
	}
	return "", false
}

// execute runs the capability under the dispatch timeout and converts
// panics into ExecutionError failures.
func (d *Dispatcher) execute(ctx context.Context, call ValidatedCall) capability.Result {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan capability.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- capability.Fail(capability.ExecutionError, "capability %q panicked: %v", call.Name(), r)
			}
		}()
		done <- call.Capability.Execute(callCtx, call.Params)
	}()

	select {
	case res := <-done:
		return res
	case <-callCtx.Done():
		return capability.Fail(capability.Timeout, "capability %q did not finish within %s", call.Name(), d.timeout)
	}
}

func (d *Dispatcher) record(name string, res capability.Result, elapsed time.Duration) {
	label := name
	if !res.OK() && res.Failure.Kind == capability.UnknownCapability {
		// model-invented names must not become label values
		label = "unregistered"
	}
	d.metrics.Dispatch(label, res.Outcome(), elapsed)
	if res.OK() {
		d.logger.Debug("capability dispatched",
			zap.String("capability", name),
			zap.Duration("elapsed", elapsed))
		return
	}
	d.logger.Info("capability dispatch failed",
		zap.String("capability", name),
		zap.String("kind", string(res.Failure.Kind)),
		zap.String("param", res.Failure.Param),
		zap.String("message", res.Failure.Message))
}
