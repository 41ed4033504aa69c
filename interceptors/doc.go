// Package interceptors provides the middleware chain that wraps every handler invocation.
//
// A Middleware has four hooks: Before, After, OnError and Finally. A Chain drives them in onion
// order: befores run in registration order, then the handler, then after (on success) or onError
// (on failure) in reverse order, and finally every Finally hook in reverse order. Finally hooks
// always run for every middleware whose Before was entered; their failures are logged and never
// returned.
//
// Middlewares are attached through a Pipeline, a registration table of (Policy, Middleware) pairs.
// Policies are evaluated once per message type when the dispatcher is built, never per call.
//
// Built-in middlewares:
//   - Logging: logs start, completion and failure with timing information
//   - Metrics: feeds a MetricsCollector
//   - Timeout: bounds the handler with a deadline
//   - Transaction: runs the handler inside a storage transaction, committed after success
//
// Example usage:
//
//	pipeline := interceptors.NewPipeline(logger).
//		Use(interceptors.All(), interceptors.NewLogging(logger)).
//		Use(interceptors.Commands(), interceptors.NewTransaction(store, logger))
package interceptors
