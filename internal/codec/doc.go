// Package codec converts between wire frames and typed envelopes.
//
// A frame is the decrypted byte form of a message; an Envelope is its
// in-memory form carrying the tab id, kind, correlation id, and opaque
// payload. Decode validates structural fields so later pipeline stages can
// rely on their presence; Encode is the inverse.
//
// Malformed frames yield ErrMalformed and are never retried: the Router
// closes the offending connection with a protocol-error status.
package codec
