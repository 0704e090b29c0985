package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"postpipe/internal/model"
	"postpipe/pkg/logx"
)

const DefaultTimeout = 10 * time.Second

// Registry maps destination kinds to adapters. Every Send is bounded by the
// registry timeout and an optional per-kind rate limit.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	limiters map[string]*rate.Limiter
	timeout  time.Duration
	log      logx.Logger
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		adapters: map[string]Adapter{},
		limiters: map[string]*rate.Limiter{},
		timeout:  DefaultTimeout,
		log:      log,
	}
}

func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	r.adapters[a.Kind()] = a
	r.mu.Unlock()
}

// Unregister removes the adapter for kind. Later sends to it fail with
// ErrNotConfigured.
func (r *Registry) Unregister(kind string) {
	r.mu.Lock()
	delete(r.adapters, kind)
	r.mu.Unlock()
}

func (r *Registry) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// SetRate limits outbound calls for kind to perSec (burst 1). perSec <= 0
// removes the limit.
func (r *Registry) SetRate(kind string, perSec float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if perSec <= 0 {
		delete(r.limiters, kind)
		return
	}
	if l, ok := r.limiters[kind]; ok {
		l.SetLimit(rate.Limit(perSec))
		return
	}
	r.limiters[kind] = rate.NewLimiter(rate.Limit(perSec), 1)
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	return out
}

func (r *Registry) Resolve(kind string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[strings.TrimSpace(kind)]
	r.mu.RUnlock()
	if !ok {
		return nil, model.NotConfigured("no adapter for destination kind %q", kind)
	}
	return a, nil
}

// Validate resolves the adapter for t and runs its configuration check.
func (r *Registry) Validate(t Target) error {
	a, err := r.Resolve(t.Kind)
	if err != nil {
		return err
	}
	return a.Validate(t)
}

// Send performs one delivery attempt. Adapter failures are returned as *Error;
// configuration failures keep model.ErrNotConfigured in the chain.
func (r *Registry) Send(ctx context.Context, p model.Payload, t Target) (Receipt, error) {
	a, err := r.Resolve(t.Kind)
	if err != nil {
		return Receipt{}, err
	}
	if err := a.Validate(t); err != nil {
		return Receipt{}, err
	}

	r.mu.RLock()
	timeout := r.timeout
	lim := r.limiters[t.Kind]
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := otel.Tracer("postpipe/delivery").Start(ctx, "delivery.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("delivery.kind", t.Kind),
		attribute.Bool("delivery.scheduled", !t.ScheduledFor.IsZero()),
	)

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			err = &Error{Kind: t.Kind, Err: err}
			span.RecordError(err)
			span.SetStatus(codes.Error, "rate wait")
			return Receipt{}, err
		}
	}

	start := time.Now()
	rc, err := a.Send(ctx, p, t)
	if err != nil {
		var de *Error
		if !errors.As(err, &de) && !errors.Is(err, model.ErrNotConfigured) {
			err = &Error{Kind: t.Kind, Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		r.log.Debug("delivery failed",
			logx.String("kind", t.Kind),
			logx.Duration("took", time.Since(start)),
			logx.Err(err),
		)
		return Receipt{}, err
	}
	if rc.StatusCode != 0 {
		span.SetAttributes(attribute.Int("http.status_code", rc.StatusCode))
	}
	r.log.Debug("delivery ok",
		logx.String("kind", t.Kind),
		logx.String("external_id", rc.ExternalID),
		logx.Duration("took", time.Since(start)),
	)
	return rc, nil
}
