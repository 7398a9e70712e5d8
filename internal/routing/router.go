// Package routing turns a switch lookup into a call-control document.
//
// Rules are read from the store on every lookup; nothing is cached between
// calls. Every outcome, including failures, is a valid document.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"voip-router/internal/callcontrol"
	"voip-router/internal/metrics"
	"voip-router/internal/models"
	"voip-router/internal/registry"
	"voip-router/internal/ringgroup"
	"voip-router/internal/store"
)

var (
	// ErrNoMatchingRule is returned when no enabled rule matched the call.
	ErrNoMatchingRule = errors.New("no matching rule")
	// ErrUnresolvedDestination is returned when rules matched but none of
	// their destinations (or failovers) could be resolved.
	ErrUnresolvedDestination = errors.New("unresolved destination")
)

const defaultRetryTimeout = 500 * time.Millisecond

// GatewayReader reports trunk gateway health.
type GatewayReader interface {
	Gateway(name string) (registry.GatewayStatus, bool)
}

type Options struct {
	Store      store.Store
	RingGroups *ringgroup.Engine
	Gateways   GatewayReader
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// LookupTimeout bounds a whole lookup. Zero relies on the caller's context.
	LookupTimeout time.Duration
	// RetryTimeout bounds the single retry of a failed store read.
	RetryTimeout time.Duration
	// RecordingPath is the target of record_session for rules that record.
	RecordingPath string
}

type Router struct {
	store         store.Store
	ringGroups    *ringgroup.Engine
	gateways      GatewayReader
	metrics       *metrics.Metrics
	logger        *slog.Logger
	lookupTimeout time.Duration
	retryTimeout  time.Duration
	recordingPath string
	now           func() time.Time
}

func New(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rg := opts.RingGroups
	if rg == nil {
		rg = ringgroup.New(nil, logger)
	}
	retry := opts.RetryTimeout
	if retry <= 0 {
		retry = defaultRetryTimeout
	}
	recPath := opts.RecordingPath
	if recPath == "" {
		recPath = "$${recordings_dir}/${domain_name}/${strftime(%Y-%m-%d)}/${uuid}.wav"
	}
	return &Router{
		store:         opts.Store,
		ringGroups:    rg,
		gateways:      opts.Gateways,
		metrics:       opts.Metrics,
		logger:        logger.With("component", "router"),
		lookupTimeout: opts.LookupTimeout,
		retryTimeout:  retry,
		recordingPath: recPath,
		now:           time.Now,
	}
}

// Route always returns a document. Failures become a terminal hangup with
// a cause code and a routing_error variable.
func (r *Router) Route(ctx context.Context, call models.CallContext) *callcontrol.Document {
	start := time.Now()
	if call.CallID == "" {
		call.CallID = uuid.NewString()
	}
	if call.At.IsZero() {
		call.At = r.now()
	}
	if r.lookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.lookupTimeout)
		defer cancel()
	}

	doc, err := r.Match(ctx, call)
	result := metrics.ResultRouted
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		result = metrics.ResultTimeout
		doc = callcontrol.HangupDocument(call, callcontrol.CauseTimerExpired, "lookup deadline exceeded")
	case errors.Is(err, ErrUnresolvedDestination):
		result = metrics.ResultUnresolved
		doc = callcontrol.HangupDocument(call, callcontrol.CauseNoRoute, "unresolved destination")
	case errors.Is(err, ErrNoMatchingRule):
		result = metrics.ResultNoRoute
		doc = callcontrol.HangupDocument(call, callcontrol.CauseNoRoute, "no route found")
	default:
		result = metrics.ResultError
		doc = callcontrol.HangupDocument(call, callcontrol.CauseNoRoute, "lookup failed")
	}
	if doc.Context == "" {
		doc.Context = contextFor(call)
	}

	elapsed := time.Since(start)
	r.metrics.ObserveLookup(string(call.Direction), result, elapsed)

	attrs := []any{
		"call_id", call.CallID,
		"domain", call.Domain,
		"direction", call.Direction,
		"caller", call.CallerID,
		"destination", call.Destination,
		"route", doc.Route,
		"result", result,
		"elapsed", elapsed,
	}
	if err != nil {
		r.logger.Info("lookup ended without route", append(attrs, "cause", doc.Cause, "error", err)...)
	} else {
		r.logger.Info("lookup routed", attrs...)
	}
	return doc
}

// Match evaluates the tenant's rules for the call direction. The returned
// error wraps ErrNoMatchingRule, ErrUnresolvedDestination or the context
// error when the deadline passed.
func (r *Router) Match(ctx context.Context, call models.CallContext) (*callcontrol.Document, error) {
	if call.At.IsZero() {
		call.At = r.now()
	}

	tenant, err := fetch(ctx, r, "tenant", func(ctx context.Context) (*models.Tenant, error) {
		return r.store.TenantByDomain(ctx, call.Domain)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: tenant %q: %v", ErrNoMatchingRule, call.Domain, err)
	}
	if !tenant.Enabled {
		return nil, fmt.Errorf("%w: tenant %q disabled", ErrNoMatchingRule, call.Domain)
	}

	switch call.Direction {
	case models.DirectionInbound:
		return r.matchInbound(ctx, tenant, call)
	case models.DirectionOutbound:
		return r.matchOutbound(ctx, tenant, call)
	default:
		return nil, fmt.Errorf("%w: unknown direction %q", ErrNoMatchingRule, call.Direction)
	}
}

// fetch runs a store read and retries it once under a short timeout when it
// fails for a reason other than a missing row.
func fetch[T any](ctx context.Context, r *Router, what string, fn func(context.Context) (T, error)) (T, error) {
	v, err := fn(ctx)
	if err == nil || errors.Is(err, store.ErrNotFound) || ctx.Err() != nil {
		return v, err
	}
	r.logger.Warn("store read failed, retrying", "what", what, "error", err)

	rctx, cancel := context.WithTimeout(ctx, r.retryTimeout)
	defer cancel()
	v, err = fn(rctx)
	if err != nil {
		r.logger.Error("store read failed after retry", "what", what, "error", err)
	}
	return v, err
}

// scanResult tracks why the rule scan ended without a document.
type scanResult struct {
	unresolved bool
}

func (s scanResult) err(direction models.Direction) error {
	if s.unresolved {
		return fmt.Errorf("%w: %s", ErrUnresolvedDestination, direction)
	}
	return fmt.Errorf("%w: %s", ErrNoMatchingRule, direction)
}

func sortByPriority[T any](rules []T, key func(T) (int, time.Time)) {
	sort.SliceStable(rules, func(i, j int) bool {
		pi, ci := key(rules[i])
		pj, cj := key(rules[j])
		if pi != pj {
			return pi < pj
		}
		return ci.Before(cj)
	})
}

func contextFor(call models.CallContext) string {
	if call.Context != "" {
		return call.Context
	}
	if call.Direction == models.DirectionInbound {
		return "public"
	}
	return "default"
}

func routeName(direction models.Direction, name string) string {
	b := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
			b = append(b, c)
		case c >= 'A' && c <= 'Z':
			b = append(b, c+('a'-'A'))
		default:
			b = append(b, '_')
		}
	}
	return string(direction) + "_" + string(b)
}
