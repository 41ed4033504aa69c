package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-dispatch/contracts"
)

// HandlerFunc is the innermost step of a chain
type HandlerFunc func(ctx context.Context, env *contracts.Envelope) (any, error)

// Chain is an ordered, immutable list of middlewares
type Chain struct {
	middlewares []Middleware
	logger      *slog.Logger
}

// NewChain creates a chain. The first middleware is the outermost.
func NewChain(logger *slog.Logger, middlewares ...Middleware) *Chain {
	if logger == nil {
		logger = slog.Default()
	}

	return &Chain{
		middlewares: append([]Middleware(nil), middlewares...),
		logger:      logger,
	}
}

// Len returns the number of middlewares
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// Names returns the middleware names, outermost first
func (c *Chain) Names() []string {
	names := make([]string, len(c.middlewares))
	for i, mw := range c.middlewares {
		names[i] = mw.Name()
	}
	return names
}

// Execute runs handler inside the chain.
//
// Befores run outermost first. When every before succeeded the handler runs. The chain then unwinds
// innermost first, calling After while the call is still successful and OnError once it has failed.
// Finally runs last for every entered middleware, innermost first.
func (c *Chain) Execute(ctx context.Context, env *contracts.Envelope, handler HandlerFunc) (any, error) {
	// ctxs[i] is the context middleware i handed inward; it receives its own remaining hooks
	ctxs := make([]context.Context, 0, len(c.middlewares))

	var (
		result  any
		failure error
	)

	cur := ctx
	for _, mw := range c.middlewares {
		next, err := c.before(mw, cur, env)
		if next == nil {
			next = cur
		}
		ctxs = append(ctxs, next)
		if err != nil {
			failure = err
			break
		}
		cur = next
	}

	if failure == nil {
		result, failure = c.invoke(cur, env, handler)
	}

	for i := len(ctxs) - 1; i >= 0; i-- {
		mw := c.middlewares[i]
		if failure == nil {
			if err := c.after(mw, ctxs[i], env, result); err != nil {
				c.logger.Error("middleware after hook failed",
					"middleware", mw.Name(),
					"messageId", env.ID,
					"messageType", env.Type,
					"error", err,
				)
				failure = err
				result = nil
			}
			continue
		}
		if err := c.onError(mw, ctxs[i], env, failure); err != nil {
			c.logger.Error("middleware onError hook failed",
				"middleware", mw.Name(),
				"messageId", env.ID,
				"messageType", env.Type,
				"error", err,
				"cause", failure,
			)
		}
	}

	for i := len(ctxs) - 1; i >= 0; i-- {
		mw := c.middlewares[i]
		if err := c.finally(mw, ctxs[i], env); err != nil {
			c.logger.Warn("middleware finally hook failed",
				"middleware", mw.Name(),
				"messageId", env.ID,
				"messageType", env.Type,
				"error", err,
			)
		}
	}

	return result, failure
}

func (c *Chain) before(mw Middleware, ctx context.Context, env *contracts.Envelope) (next context.Context, err error) {
	defer recoverInto(&err, mw.Name()+".Before")
	return mw.Before(ctx, env)
}

func (c *Chain) after(mw Middleware, ctx context.Context, env *contracts.Envelope, result any) (err error) {
	defer recoverInto(&err, mw.Name()+".After")
	return mw.After(ctx, env, result)
}

func (c *Chain) onError(mw Middleware, ctx context.Context, env *contracts.Envelope, cause error) (err error) {
	defer recoverInto(&err, mw.Name()+".OnError")
	return mw.OnError(ctx, env, cause)
}

func (c *Chain) finally(mw Middleware, ctx context.Context, env *contracts.Envelope) (err error) {
	defer recoverInto(&err, mw.Name()+".Finally")
	return mw.Finally(ctx, env)
}

func (c *Chain) invoke(ctx context.Context, env *contracts.Envelope, handler HandlerFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked",
				"messageId", env.ID,
				"messageType", env.Type,
				"panic", r,
			)
			result = nil
			err = &contracts.HandlerError{MessageType: env.Type, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return handler(ctx, env)
}

func recoverInto(err *error, hook string) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%s panicked: %v", hook, r)
	}
}
