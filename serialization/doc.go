// Package serialization encodes whole envelopes for transports and outbox payloads and decodes
// message bodies back into typed messages.
//
// Two codecs are provided: JSONCodec writes the envelope as plain JSON, CloudEventsCodec writes a
// structured-mode CloudEvent with the envelope metadata carried in extensions. Both preserve the
// envelope ID and attempt counter across a round-trip.
//
// Message bodies are decoded through a TypeRegistry of explicit per-type decoders:
//
//	registry := serialization.NewTypeRegistry()
//	serialization.Register[orders.CreateOrder](registry)
//
//	env, err := serialization.DecodeEnvelope(codec, registry, payload)
package serialization
