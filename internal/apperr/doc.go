// Package apperr defines the tagged error value every layer of the request
// pipeline returns.
//
// An [Error] carries its kind, HTTP status, stable error code and the
// client-facing title and detail. Callers never type-switch on concrete
// error structs; the problem package matches on [Kind] to decide status,
// masking, and which members of the problem document to emit.
//
// Kinds and their treatment:
//   - validation: 422 with a field map, never masked
//   - domain: declared status and message, never masked
//   - policy: client-correctable rejections (rate limit, idempotency,
//     negotiation), never masked
//   - unauthenticated / forbidden: 401 / 403 without sensitive detail
//   - infrastructure / internal: 5xx, detail masked in production
package apperr
