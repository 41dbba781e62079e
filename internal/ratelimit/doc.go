// Package ratelimit throttles requests in two layers.
//
// FloodGuard is a per-IP token bucket held in process memory. It runs
// early in the pipeline and protects the server itself from a single
// flooding client; it is not shared between instances.
//
// Limiter enforces the per-endpoint-class rules of the policy document
// with fixed-window counters in the shared kvstore, keyed
// rate_limit:{class}:{identifier}. It reports its state in X-RateLimit-*
// headers and fails open when the store is unreachable.
package ratelimit
