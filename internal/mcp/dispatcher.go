package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/driftsec/dshield-mcp/internal/auth"
	"github.com/driftsec/dshield-mcp/internal/errs"
)

// DefaultToolTimeout bounds handlers whose definition carries no override.
const DefaultToolTimeout = 120 * time.Second

// schemaMessages renders jsonschema error kinds into stable English text.
var schemaMessages = message.NewPrinter(language.English)

// ToolUsage is one row of the dshield://tools/usage resource.
type ToolUsage struct {
	Calls      int64     `json:"calls"`
	Errors     int64     `json:"errors"`
	LastCalled time.Time `json:"last_called"`
}

// CallObserver receives per-call outcomes. The ops listener feeds its
// prometheus collectors from this; code zero means success.
type CallObserver interface {
	ObserveCall(tool string, code int, elapsed time.Duration)
}

// Dispatcher orchestrates tools/call: resolve, authorize, gate on features,
// validate arguments, bound the handler with a deadline, translate failures
// into the error taxonomy. It keeps per-tool call counters and nothing else.
type Dispatcher struct {
	registry  *Registry
	features  FeatureChecker
	analytics *errs.Analytics
	observer  CallObserver
	timeout   time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	mu    sync.Mutex
	usage map[string]*ToolUsage
}

// NewDispatcher builds a dispatcher over a frozen registry. A non-positive
// defaultTimeout selects DefaultToolTimeout.
func NewDispatcher(reg *Registry, features FeatureChecker, analytics *errs.Analytics, defaultTimeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultToolTimeout
	}
	return &Dispatcher{
		registry:  reg,
		features:  features,
		analytics: analytics,
		timeout:   defaultTimeout,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		now:       time.Now,
		usage:     make(map[string]*ToolUsage),
	}
}

// SetObserver attaches a call observer. Nil disables instrumentation.
func (d *Dispatcher) SetObserver(obs CallObserver) {
	d.observer = obs
}

// DefaultTimeout reports the effective default tool deadline.
func (d *Dispatcher) DefaultTimeout() time.Duration {
	return d.timeout
}

// ListTools renders the tools/list result for a session (nil when the
// connection has not authenticated).
func (d *Dispatcher) ListTools(sess *auth.Session) ToolsListResult {
	return d.registry.List(sess, d.features, d.timeout)
}

// Dispatch runs one tools/call request. requestID is the JSON-RPC id in
// string form, used only for error correlation. The returned error is
// always typed; callers decide whether a response frame goes out.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *auth.Session, call ToolCallParams, requestID string) (interface{}, *errs.Error) {
	started := d.now()

	def := d.registry.Lookup(call.Name)
	if def == nil {
		return nil, d.fail(nil, call.Name, requestID, started, errs.MethodNotFound(call.Name))
	}
	if sess == nil {
		return nil, d.fail(def, call.Name, requestID, started, errs.AuthRequired(""))
	}
	if !sess.Permissions.Has(def.RequiredPermission) {
		return nil, d.fail(def, call.Name, requestID, started, errs.AccessDenied(def.RequiredPermission))
	}
	for _, feature := range def.RequiredFeatures {
		if err := d.features.Guard(feature); err != nil {
			return nil, d.fail(def, call.Name, requestID, started, errs.Classify(feature, err))
		}
	}
	if verr := d.validate(def, call.Arguments); verr != nil {
		return nil, d.fail(def, call.Name, requestID, started, verr)
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := def.Handler(callCtx, sess, call.Arguments)
	if err != nil {
		typed := errs.Classify("", err)
		switch {
		case typed.Kind == errs.KindTimeout && errors.Is(callCtx.Err(), context.DeadlineExceeded):
			typed = errs.Timeout(timeout).WithCause(err)
		case typed.Kind == errs.KindCanceled && sess.Context().Err() != nil:
			// The session died under the request: key revocation or a
			// dropped connection. Either way the caller sees revocation.
			typed = errs.AuthRevoked().WithCause(err)
		}
		return nil, d.fail(def, call.Name, requestID, started, typed)
	}

	d.succeed(def.Name, started)
	return result, nil
}

// validate checks arguments against the tool's compiled schema and folds
// every leaf cause into per-field detail.
func (d *Dispatcher) validate(def *ToolDefinition, args json.RawMessage) *errs.Error {
	if def.compiled == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return errs.InvalidParams("arguments must be valid JSON").WithCause(err)
	}
	if err := def.compiled.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return errs.Validation("arguments failed schema validation", fieldErrors(ve))
		}
		return errs.Validation("arguments failed schema validation", nil).WithCause(err)
	}
	return nil
}

// fieldErrors flattens a validation error tree into instance-path keyed
// messages. Leaves carry the actionable detail; interior nodes only repeat
// the keyword that grouped them.
func fieldErrors(ve *jsonschema.ValidationError) map[string]string {
	fields := make(map[string]string)
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			key := "/" + strings.Join(e.InstanceLocation, "/")
			msg := e.ErrorKind.LocalizedString(schemaMessages)
			if prev, ok := fields[key]; ok && prev != msg {
				fields[key] = prev + "; " + msg
			} else {
				fields[key] = msg
			}
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return fields
}

// UsageSnapshot copies the per-tool counters for the usage resource.
func (d *Dispatcher) UsageSnapshot() map[string]ToolUsage {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]ToolUsage, len(d.usage))
	for name, u := range d.usage {
		out[name] = *u
	}
	return out
}

func (d *Dispatcher) record(def *ToolDefinition, failed bool) {
	if def == nil {
		// Unknown names never allocate counters; the registry bounds the map.
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.usage[def.Name]
	if !ok {
		u = &ToolUsage{}
		d.usage[def.Name] = u
	}
	u.Calls++
	if failed {
		u.Errors++
	}
	u.LastCalled = d.now()
}

func (d *Dispatcher) succeed(tool string, started time.Time) {
	elapsed := d.now().Sub(started)
	d.record(d.registry.Lookup(tool), false)
	if d.observer != nil {
		d.observer.ObserveCall(tool, 0, elapsed)
	}
	d.logger.Debug().
		Str("tool", tool).
		Dur("elapsed", elapsed).
		Msg("Tool call completed")
}

func (d *Dispatcher) fail(def *ToolDefinition, tool, requestID string, started time.Time, e *errs.Error) *errs.Error {
	elapsed := d.now().Sub(started)
	d.record(def, true)
	if d.analytics != nil {
		d.analytics.Observe(e, tool, requestID)
	}
	if d.observer != nil {
		d.observer.ObserveCall(tool, e.Code, elapsed)
	}
	if !errs.IsCanceled(e) {
		d.logger.Warn().
			Str("tool", tool).
			Str("request_id", requestID).
			Int("code", e.Code).
			Str("kind", string(e.Kind)).
			Dur("elapsed", elapsed).
			Msg("Tool call failed")
	}
	return e
}
