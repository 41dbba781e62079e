// Package httpmw holds the interceptors of the request pipeline.
//
// Each interceptor is a func(http.Handler) http.Handler composed with
// Chain; httpserver lists them in order. Interceptors that reject a
// request hand an error to the problem.Normalizer and stop the chain.
//
// User-supplied data (query params, user agent, host) is kept out of the
// bound log fields to prevent PII leaks and log injection.
package httpmw
