// Package schema validates message bodies before they reach a handler.
//
// Schemas are registered per message type tag, either written by hand or inferred from the
// message struct with Infer. Validation is opt-in: a message type without a schema passes
// unless the validator runs in strict mode.
//
// Basic usage:
//
//	validator := schema.NewValidator()
//	if err := schema.RegisterType[CreateOrder](validator); err != nil {
//	    log.Fatal(err)
//	}
//
//	pipeline.Use(interceptors.Commands(), schema.NewMiddleware(validator))
//
// Struct fields can carry constraints in a schema tag:
//
//	CustomerName string  `json:"customerName" schema:"minLength=1,rule=non-empty"`
//	Total        float64 `json:"total" schema:"minimum=0"`
//	Status       string  `json:"status" schema:"enum=created|shipped"`
//
// A failed validation returns a *ValidationError that wraps contracts.ErrInvalidMessage, so
// consumers reject the delivery rather than requeue it.
package schema
