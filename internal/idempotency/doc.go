// Package idempotency replays the stored response of a mutating request
// that is retried with the same Idempotency-Key and payload.
//
// A first request claims its key with a short-lived in-flight marker,
// runs the handler behind a response capture, and replaces the marker with
// the finished record. Retries with the same payload get the record
// replayed without reaching the handler; a different payload under the
// same key is a conflict. The coordinator fails closed: if the store
// cannot be reached, the request is rejected rather than risk running twice.
package idempotency
