package schema

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/interceptors"
)

// Middleware validates the decoded message before the handler runs
type Middleware struct {
	interceptors.Base
	validator *Validator
}

// NewMiddleware creates a validation middleware
func NewMiddleware(validator *Validator) *Middleware {
	return &Middleware{validator: validator}
}

// Name implements interceptors.Middleware
func (m *Middleware) Name() string {
	return "Validation"
}

// Before implements interceptors.Middleware
func (m *Middleware) Before(ctx context.Context, env *contracts.Envelope) (context.Context, error) {
	if env.Message == nil {
		return ctx, fmt.Errorf("%w: envelope %s has no decoded message", contracts.ErrInvalidMessage, env.ID)
	}
	return ctx, m.validator.Validate(ctx, env.Message)
}
