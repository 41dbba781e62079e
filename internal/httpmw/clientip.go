package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures client IP extraction.
type ClientIPOptions struct {
	// TrustedHops is the number of reverse proxies in front of the server.
	// 0 ignores X-Forwarded-For, 1 takes the rightmost entry (single load
	// balancer), 2 the second from the right, and so on.
	TrustedHops int
}

// ClientIP resolves the caller address once and stores it in the context.
// everything downstream (rate limiter, idempotency scope, audit, hsts) reads
// it from there instead of looking at headers again.
func ClientIP(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientAddr(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

func stripForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

// clientAddr only believes x-forwarded-for when the peer is one of our own
// private/loopback hops. the sg in front of the alb already limits who can
// reach us, this is a second check in case that ever drifts.
// with trustedHops > 0 we take the Nth entry counting from the right.
func clientAddr(r *http.Request, trustedHops int) string {
	// net/http always sets RemoteAddr for real connections, only tests hit this
	if r.RemoteAddr == "" {
		return "0.0.0.0"
	}
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// no port on it, use whatever we were given
		return r.RemoteAddr
	}
	ip := net.ParseIP(peer)
	if ip == nil {
		return "0.0.0.0"
	}

	// public peer or no proxies configured: drop the forwarded headers so
	// nothing further down (hsts scheme check, logging) picks them up
	if !ip.IsPrivate() && !ip.IsLoopback() || trustedHops <= 0 {
		stripForwarded(r)
		return peer
	}

	xf := r.Header.Get("X-Forwarded-For")
	if xf == "" {
		return peer
	}
	// 1 hop is the usual single alb, 2 would be cdn -> alb -> us
	parts := strings.Split(xf, ",")
	idx := len(parts) - trustedHops
	if idx < 0 {
		// fewer entries than hops we expect, someone is lying or the hop
		// count is wrong. strip and fall back to the peer
		stripForwarded(r)
		return peer
	}
	if candidate := strings.TrimSpace(parts[idx]); net.ParseIP(candidate) != nil {
		return candidate
	}
	return peer
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// IsHTTPS is used by the hsts header. x-forwarded-proto only counts if it
// survived ClientIP, untrusted peers have it stripped by then.
func IsHTTPS(r *http.Request) bool {
	return r.TLS != nil || schemeFromRequest(r) == "https"
}

var validSchemes = map[string]bool{"http": true, "https": true}

// schemeFromRequest checks x-forwarded-proto first since tls ends at the alb,
// then the url scheme, then r.TLS. anything not http/https is ignored.
func schemeFromRequest(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		if s := strings.ToLower(strings.TrimSpace(first)); validSchemes[s] {
			return s
		}
	}
	if r.URL != nil {
		if s := strings.ToLower(r.URL.Scheme); validSchemes[s] {
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
