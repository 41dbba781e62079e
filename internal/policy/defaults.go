package policy

import "time"

// Rate-limit classes referenced by the router.
const (
	ClassPublic  = "public"
	ClassAPI     = "api"
	ClassStrict  = "strict"
	ClassWebhook = "webhook"

	ClassPublicUnauthenticated    = "public_unauthenticated"
	ClassProtectedUnauthenticated = "protected_unauthenticated"
	ClassPublicAuthenticated      = "public_authenticated"
	ClassProtectedAuthenticated   = "protected_authenticated"
)

// Default returns the built-in document. Parse overlays YAML onto it.
func Default() *Document {
	return &Document{
		RateLimits: map[string]RateLimit{
			"default":    {MaxAttempts: 30, Window: time.Minute, Identifier: IdentifyIP},
			ClassPublic:  {MaxAttempts: 60, Window: time.Minute, Identifier: IdentifyIP},
			ClassAPI:     {MaxAttempts: 120, Window: time.Minute, Identifier: IdentifyUser},
			ClassStrict:  {MaxAttempts: 10, Window: time.Minute, Identifier: IdentifyUser},
			ClassWebhook: {MaxAttempts: 30, Window: time.Minute, Identifier: IdentifyIP},

			ClassPublicUnauthenticated:    {MaxAttempts: 60, Window: time.Minute, Identifier: IdentifyIP},
			ClassProtectedUnauthenticated: {MaxAttempts: 5, Window: 10 * time.Minute, Identifier: IdentifyIPEmail},
			ClassPublicAuthenticated:      {MaxAttempts: 120, Window: time.Minute, Identifier: IdentifyUser},
			ClassProtectedAuthenticated:   {MaxAttempts: 30, Window: time.Minute, Identifier: IdentifyUser},
		},
		Protected: []string{"*/login", "*/register", "*/password/*", "*/admin/*", "*/payment/*"},
		Degraded:  DegradedPolicy{Multiplier: 2},
		Idempotency: IdempotencyPolicy{
			TTL:          24 * time.Hour,
			LockTTL:      30 * time.Second,
			MaxKeyLength: 255,
			MaxBodyBytes: 1 << 20,
		},
		ETag: ETagPolicy{Enabled: true, MaxBytes: 1 << 20},
		Cache: CachePolicy{
			Enabled:    true,
			DefaultTTL: 300,
			TTLByPath:  map[string]int{},
		},
		Security: SecurityPolicy{
			FrameOptions:   "DENY",
			ReferrerPolicy: "strict-origin-when-cross-origin",
			CSP: CSPPolicy{
				Enabled: false,
				Mode:    CSPReportOnly,
				Directives: Directives{
					{Name: "default-src", Values: []string{"self"}},
					{Name: "object-src", Values: []string{"none"}},
					{Name: "frame-ancestors", Values: []string{"none"}},
					{Name: "script-src", Values: []string{"self"}},
					{Name: "style-src", Values: []string{"self", "unsafe-inline"}},
					{Name: "img-src", Values: []string{"self", "data:", "https:"}},
					{Name: "connect-src", Values: []string{"self"}},
					{Name: "font-src", Values: []string{"self", "data:"}},
				},
				ReportURI: "/api/csp/report",
			},
			HSTS: HSTSPolicy{
				Enabled:           false,
				MaxAge:            31536000,
				IncludeSubdomains: true,
				Preload:           true,
			},
		},
		Performance: PerformancePolicy{SlowThreshold: 200 * time.Millisecond},
		Locale:      LocalePolicy{Supported: []string{"ja", "en"}, Default: "ja"},
		APIVersion:  APIVersionPolicy{Supported: []string{"v1"}, Default: "v1"},
	}
}
