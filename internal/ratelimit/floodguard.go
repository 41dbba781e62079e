package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-api/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-api/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-api/internal/problem"
)

// CodeTooManyRequests is the problem code of every throttling rejection.
const CodeTooManyRequests = "rate_limit_exceeded"

// visitor tracks a single IPs limiter and last activity
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged tracks whether the first-denial hook already ran; it resets
	// when the entry is evicted and re-created
	logged bool
}

// FloodGuard holds per-ip token buckets with background eviction. it lives in
// process memory and is not shared between instances, the shared limits are
// Limiter's job. this one is just here so one noisy ip can't eat the process
// before it ever reaches the store.
//
// What this protects against:
//   - a single ip flooding the process (connection/goroutine exhaustion)
//   - unbounded memory from many unique ips (maxVisitors)
//
// What this does NOT protect against:
//   - distributed attacks across many ips
//   - bandwidth-bill attacks, inbound data is already accepted by the time this runs
type FloodGuard struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	perSecond rate.Limit
	burst     int

	// ttl controls how long an idle IP stays in the map before cleanup evicts it
	ttl time.Duration

	// maxVisitors caps the map; new IPs are rejected while it is full.
	// 0 disables the cap.
	maxVisitors int
	capacityHit bool
	normalizer  *problem.Normalizer
	retryAfterS int
	onCapacity  func()
	onFirstDeny func(ip string)
	onEveryDeny func(ip string)
}

type Option func(*FloodGuard)

// WithRate sets the bucket size and the refill rate.
// WithRate(10, 50) allows 50 requests at once, then refills at 10 per second.
func WithRate(perSecond float64, burst int) Option {
	return func(g *FloodGuard) {
		g.perSecond = rate.Limit(perSecond)
		g.burst = burst
	}
}

// WithTTL controls how long an idle ip stays in the map before cleanup
func WithTTL(d time.Duration) Option {
	return func(g *FloodGuard) { g.ttl = d }
}

// WithMaxVisitors caps how many ips we track at once. once full, new ips get
// a 429 until cleanup makes room, known ips keep their buckets.
func WithMaxVisitors(n int) Option {
	return func(g *FloodGuard) { g.maxVisitors = n }
}

// WithOnCapacity is called once each time the visitor map fills up.
func WithOnCapacity(fn func()) Option {
	return func(g *FloodGuard) { g.onCapacity = fn }
}

// WithOnFirstDenied runs once per visitor on its first denial, we use it for
// logging. kept apart from WithOnDenied so one offender is one log line but
// every denial still hits the counter
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(g *FloodGuard) { g.onFirstDeny = fn }
}

// WithOnDenied runs on every denial, used for the prometheus counter
func WithOnDenied(fn func(ip string)) Option {
	return func(g *FloodGuard) { g.onEveryDeny = fn }
}

// WithNormalizer renders rejections as problem documents.
func WithNormalizer(n *problem.Normalizer) Option {
	return func(g *FloodGuard) { g.normalizer = n }
}

// NewFloodGuard creates a FloodGuard and starts the cleanup goroutine. pass the
// app context so it goes away on shutdown.
func NewFloodGuard(ctx context.Context, opts ...Option) *FloodGuard {
	g := &FloodGuard{
		visitors:    make(map[string]*visitor),
		perSecond:   10,
		burst:       30,
		ttl:         5 * time.Minute,
		maxVisitors: 100000,
		retryAfterS: 30,
	}
	for _, o := range opts {
		o(g)
	}
	go g.cleanup(ctx)
	return g
}

// allow reports whether ip is within its bucket, creating the visitor on
// first sight. hooks may log or touch metrics so they always run after the
// lock is dropped, otherwise every other request would wait on them.
func (g *FloodGuard) allow(ip string) bool {
	g.mu.Lock()
	v, exists := g.visitors[ip]
	if !exists {
		if g.maxVisitors > 0 && len(g.visitors) >= g.maxVisitors {
			fire := !g.capacityHit
			g.capacityHit = true
			g.mu.Unlock()
			if fire && g.onCapacity != nil {
				g.onCapacity()
			}
			if g.onEveryDeny != nil {
				g.onEveryDeny(ip)
			}
			return false
		}
		v = &visitor{limiter: rate.NewLimiter(g.perSecond, g.burst)}
		g.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	allowed := v.limiter.Allow()

	first := !allowed && !v.logged
	if first {
		v.logged = true
	}
	g.mu.Unlock()

	if first && g.onFirstDeny != nil {
		g.onFirstDeny(ip)
	}
	if !allowed && g.onEveryDeny != nil {
		g.onEveryDeny(ip)
	}
	return allowed
}

// cleanup evicts visitors idle for longer than the ttl. runs every ttl/2 so a
// stale entry never hangs around much past its ttl.
func (g *FloodGuard) cleanup(ctx context.Context) {
	ticker := time.NewTicker(g.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.mu.Lock()
			for ip, v := range g.visitors {
				if now.Sub(v.lastSeen) > g.ttl {
					delete(g.visitors, ip)
				}
			}
			if g.maxVisitors == 0 || len(g.visitors) < g.maxVisitors {
				g.capacityHit = false
			}
			g.mu.Unlock()
		}
	}
}

// Middleware rejects requests over the per-ip bucket with 429.
func (g *FloodGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// ip comes from httpmw.ClientIP, which already dealt with forwarded
		// headers from untrusted peers
		ip := httpmw.ClientIPFromContext(r.Context())

		if !g.allow(ip) {
			// no limits, remaining budget or refill timing in the body, no
			// reason to help anyone tune a flood
			w.Header().Set("Retry-After", "30")
			if g.normalizer == nil {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"too many requests"}`))
				return
			}
			g.normalizer.Write(w, r, apperr.Policy(http.StatusTooManyRequests, CodeTooManyRequests,
				"Too Many Requests", "Too many requests.").
				WithExtension("retry_after", g.retryAfterS))
			return
		}

		next.ServeHTTP(w, r)
	})
}
