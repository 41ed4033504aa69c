package interceptors

import (
	"log/slog"
	"sync"
)

type registration struct {
	policy     Policy
	middleware Middleware
}

// Pipeline is the middleware registration table. Registration order is chain order:
// the first registered middleware that applies to a type is its outermost.
type Pipeline struct {
	mu      sync.Mutex
	entries []registration
	logger  *slog.Logger
}

// NewPipeline creates an empty pipeline
func NewPipeline(logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{logger: logger}
}

// Use registers middlewares under a policy
func (p *Pipeline) Use(policy Policy, middlewares ...Middleware) *Pipeline {
	if policy == nil {
		policy = All()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, mw := range middlewares {
		p.entries = append(p.entries, registration{policy: policy, middleware: mw})
	}
	return p
}

// UseAll registers middlewares for every message type
func (p *Pipeline) UseAll(middlewares ...Middleware) *Pipeline {
	return p.Use(All(), middlewares...)
}

// ChainFor evaluates every policy against d and returns the resulting chain
func (p *Pipeline) ChainFor(d Descriptor) *Chain {
	p.mu.Lock()
	defer p.mu.Unlock()

	var selected []Middleware
	for _, e := range p.entries {
		if e.policy.Applies(d) {
			selected = append(selected, e.middleware)
		}
	}

	chain := NewChain(p.logger, selected...)
	p.logger.Debug("built middleware chain",
		"messageType", d.Type,
		"kind", d.Kind.String(),
		"middlewares", chain.Names(),
	)
	return chain
}

// Logger returns the pipeline logger
func (p *Pipeline) Logger() *slog.Logger {
	return p.logger
}
