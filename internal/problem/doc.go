// Package problem renders every failed request as one RFC 7807 problem
// document.
//
// Errors reach the boundary either from an interceptor that short-circuits
// or from a handler written as a HandlerFunc. Both hand the error to
// Normalizer.Write, which classifies it into an apperr.Error, masks
// infrastructure detail in production, logs it once and writes the
// application/problem+json body.
package problem
