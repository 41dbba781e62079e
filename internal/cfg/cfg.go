package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-api/internal/log"
)

// Environments recognised by -environment.
const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
	EnvTesting     = "testing"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	// pipeline
	Environment      string
	BaseURL          string
	TrustedProxyHops int
	MaxBodyBytes     int64
	FloodRate        float64
	FloodBurst       int
	FloodMaxVisitors int
	ShutdownDrain    time.Duration

	// shared store
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	RedisPrefix         string
	StoreTimeout        time.Duration
	StoreHealthInterval time.Duration

	// auth
	JWTSecret string
	JWTIssuer string

	// observers
	ObserverWorkers int
	ObserverQueue   int
	NATSURL         string
	AuditSubject    string

	// policy document
	PolicyFile          string
	EnablePolicyUpdates bool
	PolicySSMParam      string
	PolicyS3Bucket      string
	PolicyS3Prefix      string
	PolicySigningKeyARN string
	PolicyPollInterval  time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.Environment, "environment", EnvProduction, "production|staging|development|testing")
	fs.StringVar(&c.BaseURL, "base-url", "https://api.linnemanlabs.com", "public base URL, used for problem type URIs")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 1, "number of reverse proxies in front of the server (0..10)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 1<<20, "maximum accepted request body size in bytes")
	fs.Float64Var(&c.FloodRate, "flood-rate", 10, "per-ip flood guard refill rate (requests per second)")
	fs.IntVar(&c.FloodBurst, "flood-burst", 30, "per-ip flood guard burst size")
	fs.IntVar(&c.FloodMaxVisitors, "flood-max-visitors", 100000, "max distinct ips tracked by the flood guard")
	fs.DurationVar(&c.ShutdownDrain, "shutdown-drain", 5*time.Second, "time between failing readiness and closing listeners")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis host:port for rate limits and idempotency (empty = in-process store)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", "lmlabs-api:", "prefix for every redis key")
	fs.DurationVar(&c.StoreTimeout, "store-timeout", 100*time.Millisecond, "per-call timeout for the shared store")
	fs.DurationVar(&c.StoreHealthInterval, "store-health-interval", 30*time.Second, "how often a failed-over store retries its primary")

	fs.StringVar(&c.JWTSecret, "jwt-secret", "", "HMAC secret for bearer token verification")
	fs.StringVar(&c.JWTIssuer, "jwt-issuer", "", "required token issuer (empty = any)")

	fs.IntVar(&c.ObserverWorkers, "observer-workers", 4, "post-response observer workers (1..64)")
	fs.IntVar(&c.ObserverQueue, "observer-queue", 1024, "post-response observer queue size")
	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS server URL for audit events (empty = log only)")
	fs.StringVar(&c.AuditSubject, "audit-subject", "lmlabs.api.audit", "NATS subject for audit events")

	fs.StringVar(&c.PolicyFile, "policy-file", "", "load the policy document from a local YAML file")
	fs.BoolVar(&c.EnablePolicyUpdates, "enable-policy-updates", false, "Enable refreshing the policy document from S3/SSM")
	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "/app/linnemanlabs-api/server/policy/stable/release/id", "ssm parameter name holding the active policy hash")
	fs.StringVar(&c.PolicyS3Bucket, "policy-s3-bucket", "phxi-build-prod-use2-deployment-artifacts", "s3 bucket holding policy documents")
	fs.StringVar(&c.PolicyS3Prefix, "policy-s3-prefix", "apps/linnemanlabs-api/server/policy", "s3 prefix (key) holding policy documents")
	fs.StringVar(&c.PolicySigningKeyARN, "policy-signing-key-arn", "", "KMS key ARN for policy signature verification")
	fs.DurationVar(&c.PolicyPollInterval, "policy-poll-interval", time.Minute, "how often to check SSM for a new policy")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s", f.Name, redacted(f), key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// secret flags never reach logs
var secretFlags = map[string]bool{
	"jwt-secret":     true,
	"redis-password": true,
}

func redacted(f *flag.Flag) string {
	if secretFlags[f.Name] {
		return "***MASKED***"
	}
	return f.Value.String()
}

// Production reports whether errors must be masked.
func (c App) Production() bool { return c.Environment == EnvProduction }

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	errs = append(errs, validatePipeline(c)...)
	errs = append(errs, validatePolicy(c)...)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validatePipeline(c App) []error {
	var errs []error

	switch c.Environment {
	case EnvProduction, EnvStaging, EnvDevelopment, EnvTesting:
	default:
		errs = append(errs, fmt.Errorf("invalid ENVIRONMENT %q", c.Environment))
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("BASE_URL must be a URL (got %q)", c.BaseURL))
	}
	if c.TrustedProxyHops < 0 || c.TrustedProxyHops > 10 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be 0..10 (got %d)", c.TrustedProxyHops))
	}
	if c.MaxBodyBytes < 1 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be positive (got %d)", c.MaxBodyBytes))
	}
	if c.FloodRate <= 0 || c.FloodBurst < 1 {
		errs = append(errs, fmt.Errorf("FLOOD_RATE and FLOOD_BURST must be positive (got %.2f, %d)", c.FloodRate, c.FloodBurst))
	}
	if c.FloodMaxVisitors < 1 {
		errs = append(errs, fmt.Errorf("FLOOD_MAX_VISITORS must be positive (got %d)", c.FloodMaxVisitors))
	}
	if c.ShutdownDrain < 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_DRAIN must not be negative"))
	}

	if c.RedisAddr != "" {
		if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err))
		}
	}
	if c.RedisDB < 0 || c.RedisDB > 15 {
		errs = append(errs, fmt.Errorf("REDIS_DB must be 0..15 (got %d)", c.RedisDB))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("STORE_TIMEOUT must be positive"))
	}
	if c.StoreHealthInterval <= 0 {
		errs = append(errs, fmt.Errorf("STORE_HEALTH_INTERVAL must be positive"))
	}

	// Tokens can only be verified with a secret; outside production the
	// pipeline runs with anonymous callers only.
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least 32 bytes"))
	}
	if c.JWTSecret == "" && c.Production() {
		errs = append(errs, fmt.Errorf("JWT_SECRET required when ENVIRONMENT=production"))
	}

	if c.ObserverWorkers < 1 || c.ObserverWorkers > 64 {
		errs = append(errs, fmt.Errorf("OBSERVER_WORKERS must be 1..64 (got %d)", c.ObserverWorkers))
	}
	if c.ObserverQueue < 1 {
		errs = append(errs, fmt.Errorf("OBSERVER_QUEUE must be positive (got %d)", c.ObserverQueue))
	}
	if c.NATSURL != "" {
		if u, err := url.Parse(c.NATSURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("NATS_URL must be a URL (got %q)", c.NATSURL))
		}
		if c.AuditSubject == "" {
			errs = append(errs, fmt.Errorf("AUDIT_SUBJECT required when NATS_URL is set"))
		}
	}
	return errs
}

func validatePolicy(c App) []error {
	var errs []error
	if c.PolicyFile != "" && c.EnablePolicyUpdates {
		errs = append(errs, fmt.Errorf("POLICY_FILE and ENABLE_POLICY_UPDATES are mutually exclusive"))
	}
	if !c.EnablePolicyUpdates {
		return errs
	}
	if c.PolicySSMParam == "" {
		errs = append(errs, fmt.Errorf("POLICY_SSM_PARAM is required"))
	}
	if c.PolicyS3Bucket == "" {
		errs = append(errs, fmt.Errorf("POLICY_S3_BUCKET is required"))
	}
	if c.PolicyS3Prefix == "" {
		errs = append(errs, fmt.Errorf("POLICY_S3_PREFIX is required"))
	}
	if c.PolicySigningKeyARN == "" && c.Production() {
		errs = append(errs, fmt.Errorf("POLICY_SIGNING_KEY_ARN is required when ENABLE_POLICY_UPDATES=true in production"))
	}
	if c.PolicyPollInterval < time.Second {
		errs = append(errs, fmt.Errorf("POLICY_POLL_INTERVAL must be at least 1s (got %s)", c.PolicyPollInterval))
	}
	return errs
}
