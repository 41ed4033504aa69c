// Package outbox makes "persist state + publish events" atomic.
//
// A Writer records outbound envelopes in the same storage transaction as the domain state change
// that produced them. A Relay later scans pending entries and hands them to a transport, marking
// each entry sent only once the transport acknowledged it. Failed entries stay pending and become
// eligible again after an exponential backoff; there is no retry ceiling.
//
// Entries for the same destination are relayed in creation order. An entry waiting for its backoff
// holds back the later entries of its destination.
package outbox
