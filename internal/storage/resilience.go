package storage

import (
	"context"

	"github.com/oldnordic/ltmc/internal/circuitbreaker"
	"github.com/oldnordic/ltmc/internal/errors"
	"github.com/oldnordic/ltmc/internal/logging"
	"github.com/oldnordic/ltmc/internal/retry"
	"github.com/oldnordic/ltmc/pkg/types"
)

// Guard combines a retrier and a circuit breaker for one backend. The
// coordinator routes every adapter call through the backend's guard so
// transient faults are retried and persistent faults fail fast.
type Guard struct {
	kind    Kind
	retrier *retry.Retrier
	breaker *circuitbreaker.Breaker
	logger  logging.Logger
}

// NewGuard builds a guard with the given policies. Nil configs use the
// package defaults.
func NewGuard(kind Kind, retryCfg *retry.Config, breakerCfg *circuitbreaker.Config, logger logging.Logger) *Guard {
	if breakerCfg == nil {
		breakerCfg = circuitbreaker.DefaultConfig()
	}
	component := "guard." + string(kind)
	log := logger.WithComponent(component)
	prev := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(from, to circuitbreaker.State) {
		log.Warn("circuit state changed", "from", from.String(), "to", to.String())
		if prev != nil {
			prev(from, to)
		}
	}
	return &Guard{
		kind:    kind,
		retrier: retry.New(retryCfg),
		breaker: circuitbreaker.New(breakerCfg),
		logger:  log,
	}
}

// Do executes op with breaker admission and retry on transient errors.
// Each retry attempt counts separately against the breaker.
func (g *Guard) Do(ctx context.Context, op func(context.Context) error) error {
	return g.retrier.Do(ctx, func(ctx context.Context) error {
		err := g.breaker.Execute(ctx, op)
		if err == circuitbreaker.ErrOpen {
			return errors.Unavailable("%s backend circuit is open", g.kind).
				WithAdapter(string(g.kind))
		}
		return err
	})
}

// Breaker exposes the underlying breaker for health reporting.
func (g *Guard) Breaker() *circuitbreaker.Breaker { return g.breaker }

// GuardSet holds one guard per backend.
type GuardSet struct {
	Transactional *Guard
	Vector        *Guard
	Graph         *Guard
	Cache         *Guard
}

// NewGuardSet builds default guards for all four backends.
func NewGuardSet(logger logging.Logger) *GuardSet {
	return &GuardSet{
		Transactional: NewGuard(KindTransactional, nil, nil, logger),
		Vector:        NewGuard(KindVector, nil, nil, logger),
		Graph:         NewGuard(KindGraph, nil, nil, logger),
		Cache:         NewGuard(KindCache, nil, nil, logger),
	}
}

// ByKind returns the guard for a backend kind.
func (g *GuardSet) ByKind(k Kind) *Guard {
	switch k {
	case KindTransactional:
		return g.Transactional
	case KindVector:
		return g.Vector
	case KindGraph:
		return g.Graph
	case KindCache:
		return g.Cache
	}
	return nil
}

// GuardedAdapter decorates the uniform adapter surface with a guard.
type GuardedAdapter struct {
	inner Adapter
	guard *Guard
}

// WithGuard wraps an adapter so its document operations run under the
// backend's retry and breaker policies.
func WithGuard(inner Adapter, guard *Guard) *GuardedAdapter {
	return &GuardedAdapter{inner: inner, guard: guard}
}

func (a *GuardedAdapter) Kind() Kind { return a.inner.Kind() }

func (a *GuardedAdapter) Store(ctx context.Context, entityID string, payload *types.DocumentPayload) error {
	return a.guard.Do(ctx, func(ctx context.Context) error {
		return a.inner.Store(ctx, entityID, payload)
	})
}

func (a *GuardedAdapter) Retrieve(ctx context.Context, entityID string) (*types.DocumentPayload, error) {
	var out *types.DocumentPayload
	err := a.guard.Do(ctx, func(ctx context.Context) error {
		p, err := a.inner.Retrieve(ctx, entityID)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func (a *GuardedAdapter) Delete(ctx context.Context, entityID string) error {
	return a.guard.Do(ctx, func(ctx context.Context) error {
		return a.inner.Delete(ctx, entityID)
	})
}

func (a *GuardedAdapter) IsAvailable(ctx context.Context) bool {
	if !a.guard.breaker.Allow() {
		return false
	}
	return a.inner.IsAvailable(ctx)
}
