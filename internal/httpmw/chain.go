package httpmw

import "net/http"

// Middleware is one interceptor of the pipeline.
type Middleware = func(http.Handler) http.Handler

// Chain wraps h so that the first middleware in the list is the outermost
// and the last is innermost. Nil entries are skipped, which lets callers
// switch stages off in place.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}
