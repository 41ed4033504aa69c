package interceptors

import (
	"context"

	"github.com/glimte/mmate-dispatch/contracts"
)

// Middleware intercepts handler invocations
type Middleware interface {
	// Name returns the middleware name for logging and debugging
	Name() string

	// Before runs before the handler. The returned context is passed inward and to this
	// middleware's remaining hooks; a nil context keeps the incoming one.
	Before(ctx context.Context, env *contracts.Envelope) (context.Context, error)

	// After runs when everything inside this middleware succeeded
	After(ctx context.Context, env *contracts.Envelope, result any) error

	// OnError runs when something inside this middleware failed
	OnError(ctx context.Context, env *contracts.Envelope, err error) error

	// Finally always runs once Before was entered
	Finally(ctx context.Context, env *contracts.Envelope) error
}

// Base provides no-op hooks. Embed it and override what you need.
type Base struct{}

// Before implements Middleware
func (Base) Before(ctx context.Context, _ *contracts.Envelope) (context.Context, error) {
	return ctx, nil
}

// After implements Middleware
func (Base) After(context.Context, *contracts.Envelope, any) error { return nil }

// OnError implements Middleware
func (Base) OnError(context.Context, *contracts.Envelope, error) error { return nil }

// Finally implements Middleware
func (Base) Finally(context.Context, *contracts.Envelope) error { return nil }

// Hooks adapts plain functions to Middleware. Nil functions are no-ops.
type Hooks struct {
	Label     string
	OnBefore  func(ctx context.Context, env *contracts.Envelope) (context.Context, error)
	OnAfter   func(ctx context.Context, env *contracts.Envelope, result any) error
	OnFail    func(ctx context.Context, env *contracts.Envelope, err error) error
	OnFinally func(ctx context.Context, env *contracts.Envelope) error
}

// Name implements Middleware
func (h *Hooks) Name() string {
	if h.Label == "" {
		return "Hooks"
	}
	return h.Label
}

// Before implements Middleware
func (h *Hooks) Before(ctx context.Context, env *contracts.Envelope) (context.Context, error) {
	if h.OnBefore == nil {
		return ctx, nil
	}
	return h.OnBefore(ctx, env)
}

// After implements Middleware
func (h *Hooks) After(ctx context.Context, env *contracts.Envelope, result any) error {
	if h.OnAfter == nil {
		return nil
	}
	return h.OnAfter(ctx, env, result)
}

// OnError implements Middleware
func (h *Hooks) OnError(ctx context.Context, env *contracts.Envelope, err error) error {
	if h.OnFail == nil {
		return nil
	}
	return h.OnFail(ctx, env, err)
}

// Finally implements Middleware
func (h *Hooks) Finally(ctx context.Context, env *contracts.Envelope) error {
	if h.OnFinally == nil {
		return nil
	}
	return h.OnFinally(ctx, env)
}
