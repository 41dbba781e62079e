package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/nats-io/nats.go"

	"github.com/keithlinneman/linnemanlabs-api/internal/apihttp"
	"github.com/keithlinneman/linnemanlabs-api/internal/auth"
	"github.com/keithlinneman/linnemanlabs-api/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-api/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-api/internal/health"
	"github.com/keithlinneman/linnemanlabs-api/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-api/internal/idempotency"
	"github.com/keithlinneman/linnemanlabs-api/internal/kvstore"
	"github.com/keithlinneman/linnemanlabs-api/internal/observe"
	"github.com/keithlinneman/linnemanlabs-api/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-api/internal/policy"
	"github.com/keithlinneman/linnemanlabs-api/internal/problem"
	"github.com/keithlinneman/linnemanlabs-api/internal/ratelimit"

	"github.com/keithlinneman/linnemanlabs-api/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-api/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-api/internal/prof"
	v "github.com/keithlinneman/linnemanlabs-api/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix LMLABS_ and validate
	cfg.FillFromEnv(flag.CommandLine, "LMLABS_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Environment:       conf.Environment,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, kept so a buffered backend gets flushed on shutdown
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"environment", conf.Environment,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"enable_policy_updates", conf.EnablePolicyUpdates,
		"policy_file", conf.PolicyFile,
		"redis_addr", conf.RedisAddr,
		"nats_url", conf.NATSURL,
		"trusted_proxy_hops", conf.TrustedProxyHops,
		"observer_workers", conf.ObserverWorkers,
		"auth_enabled", conf.JWTSecret != "",
	)

	// Setup metrics first so profiling and store state can report into it
	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":         v.AppName,
			"component":   "server",
			"environment": conf.Environment,
			"version":     vi.Version,
			"commit":      vi.ShortCommit(),
			"build_id":    vi.BuildId,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Setup otel for tracing
	// Insecure is true because we only write to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:     conf.EnableTracing,
		Endpoint:    conf.OTLPEndpoint,
		Insecure:    true,
		Sample:      conf.TraceSample,
		Service:     v.AppName,
		Component:   "server",
		Version:     vi.Version,
		Environment: conf.Environment,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	n := problem.NewNormalizer(conf.BaseURL, conf.Production(), L)

	// policy document: built-in defaults, a local file, or signed documents from S3
	policies := policy.NewManager()
	if err := setupPolicy(ctx, L, conf, policies, m); err != nil {
		L.Error(ctx, err, "failed to load policy document")
		os.Exit(1)
	}
	if snap := policies.Snapshot(); snap != nil {
		m.SetPolicy(snap.Hash, string(snap.Origin), snap.LoadedAt)
	}

	// shared store for rate limits and idempotency records. without redis the
	// in-process store serves alone and limits are per instance.
	store, err := setupStore(ctx, L, conf, m)
	if err != nil {
		// systemd restarts us, a redis outage after startup fails over instead
		L.Error(ctx, err, "failed to connect shared store", "redis_addr", conf.RedisAddr)
		os.Exit(1)
	}
	go store.Run(ctx)

	// audit events go to the log and, when configured, to NATS
	sink := observe.MultiSink{observe.NewLogSink(L)}
	var nc *nats.Conn
	if conf.NATSURL != "" {
		nc, err = observe.ConnectNATS(ctx, observe.NATSConfig{
			URL:           conf.NATSURL,
			Name:          v.AppName,
			MaxReconnects: -1,
		}, L)
		if err != nil {
			// audit events still reach the log sink
			L.Error(ctx, err, "nats connect failed, audit events will only be logged", "nats_url", conf.NATSURL)
		} else {
			sink = append(sink, observe.NewNATSSink(nc, conf.AuditSubject))
		}
	}

	dispatcher := observe.NewDispatcher(conf.ObserverWorkers, conf.ObserverQueue, L, m)
	observers := []observe.Observer{
		observe.NewRequestLogger(L),
		observe.NewPerformanceMonitor(L, policies, m),
		observe.NewAuditRecorder(sink, L, m),
	}

	guard := auth.NewGuard(auth.NewVerifier([]byte(conf.JWTSecret), conf.JWTIssuer), n, L, m)

	// per-ip token bucket in front of everything, protects the store from floods
	flood := ratelimit.NewFloodGuard(ctx,
		ratelimit.WithRate(conf.FloodRate, conf.FloodBurst),
		ratelimit.WithMaxVisitors(conf.FloodMaxVisitors),
		ratelimit.WithNormalizer(n),
		// increment prometheus counter on each denied request
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only log the first time an ip is denied each time it is cleaned from the bucket
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "flood guard triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "flood guard capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	limiter := ratelimit.NewLimiter(ratelimit.Options{
		Store:      store,
		Policy:     policies,
		Normalizer: n,
		Logger:     L,
		Metrics:    m,
		Degraded:   store.Degraded,
	})

	// idempotency fails closed, it must never fall back to an empty
	// per-process store and replay a side effect
	idem := idempotency.New(idempotency.Options{
		Store:      store.Primary(),
		Policy:     policies,
		Normalizer: n,
		Logger:     L,
		Metrics:    m,
	})

	api := apihttp.NewAPI(apihttp.Options{
		Logger:     L,
		Normalizer: n,
		Policy:     policies,
		PolicyInfo: policies,
	})

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// readiness: not draining and the store answers. a failed-over store
	// still passes, the pipeline keeps serving on relaxed limits.
	readiness := health.All(
		gate.Probe(),
		health.StoreCheck("store", store, conf.StoreTimeout*5),
	)

	// start public http server
	appHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		Environment:  conf.Environment,
		Policy:       policies,
		PolicyInfo:   policies,
		Normalizer:   n,
		ClientIP:     httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
		MaxBodyBytes: conf.MaxBodyBytes,
		Guard:        guard,
		FloodGuard:   flood,
		Limiter:      limiter,
		Idempotency:  idem,
		Dispatcher:   dispatcher,
		Observers:    observers,
		MetricsMW:    m.Middleware,
		ETagMetrics:  m,
		Readiness:    readiness,
		ReportPaths:  []string{apihttp.CSPReportPath},
		Routes:       []httpserver.RouteRegistrar{api},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start app http listener")
		os.Exit(1)
	}
	defer func() { _ = appHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, pprof and policy state
	// sg restricts inbound to internal monitoring infrastructure
	// we also reject public peers in middleware in case the sg is ever misconfigured
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		Policy:       policies,
		Version:      &vi,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	if conf.ShutdownDrain > 0 {
		L.Info(context.Background(), "waiting for load balancer health checks to drain", "drain", conf.ShutdownDrain.String())
		forceCh := make(chan os.Signal, 1)
		signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-time.After(conf.ShutdownDrain):
			L.Info(context.Background(), "drain period complete")
		case <-forceCh:
			L.Warn(context.Background(), "second signal received, skipping drain")
		}
		signal.Stop(forceCh)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := appHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "app http server shutdown")
	}

	// observers run after the response, flush them once no request can enqueue more
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "observer dispatcher shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if nc != nil {
		if err := nc.Drain(); err != nil {
			L.Warn(context.Background(), "nats drain", "error", err)
		}
	}
	if err := store.Close(); err != nil {
		L.Warn(context.Background(), "store close", "error", err)
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

// setupPolicy activates the configured policy document. With updates
// enabled a watcher keeps polling SSM for newly published hashes.
func setupPolicy(ctx context.Context, L log.Logger, conf cfg.App, mgr *policy.Manager, m *metrics.ServerMetrics) error {
	if conf.PolicyFile != "" {
		snap, err := policy.LoadFile(conf.PolicyFile)
		if err != nil {
			return err
		}
		mgr.Set(*snap)
		L.Info(ctx, "loaded policy document from file", "path", conf.PolicyFile, "hash", snap.Hash)
		return nil
	}
	if !conf.EnablePolicyUpdates {
		L.Info(ctx, "using built-in policy defaults")
		return nil
	}

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return err
	}

	// signature verification is mandatory whenever a signing key is configured
	var verifier policy.SignatureVerifier
	if conf.PolicySigningKeyARN != "" {
		verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.PolicySigningKeyARN)
	}

	loader, err := policy.NewLoader(ctx, policy.LoaderOptions{
		Logger:    L,
		SSMParam:  conf.PolicySSMParam,
		S3Bucket:  conf.PolicyS3Bucket,
		S3Prefix:  conf.PolicyS3Prefix,
		Verifier:  verifier,
		AWSConfig: &awsCfg,
	})
	if err != nil {
		return err
	}

	// a failed first load keeps the defaults, the watcher retries
	if snap, err := loader.Load(ctx); err != nil {
		m.IncPolicyError("initial_load")
		L.Error(ctx, err, "failed to load policy document, serving built-in defaults")
	} else {
		mgr.Set(*snap)
		L.Info(ctx, "loaded policy document from S3", "hash", snap.Hash, "verified", snap.Verified)
	}

	watcher := policy.NewWatcher(policy.WatcherOptions{
		Logger:       L,
		Loader:       loader,
		Manager:      mgr,
		PollInterval: conf.PolicyPollInterval,
		Metrics:      m,
		OnSwap: func(hash string) {
			if snap := mgr.Snapshot(); snap != nil {
				m.SetPolicy(hash, string(snap.Origin), snap.LoadedAt)
			}
		},
	})
	// Run the watcher in a separate goroutine
	go func() { _ = watcher.Run(ctx) }()
	return nil
}

// setupStore wraps redis, when configured, in a failover to the in-process
// store. The failover reports its state to the store_degraded gauge.
func setupStore(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.ServerMetrics) (*kvstore.Failover, error) {
	// the in-process store is a healthy primary when there is no redis, so
	// limits are not relaxed as they are during an outage
	var primary kvstore.Store = kvstore.NewMemory()
	if conf.RedisAddr != "" {
		r, err := kvstore.NewRedis(ctx, kvstore.RedisConfig{
			Addr:      conf.RedisAddr,
			Password:  conf.RedisPassword,
			DB:        conf.RedisDB,
			Prefix:    conf.RedisPrefix,
			OpTimeout: conf.StoreTimeout,
		})
		if err != nil {
			return nil, err
		}
		primary = r
	} else {
		L.Warn(ctx, "no redis configured, rate limits and idempotency keys are per instance")
	}
	store := kvstore.NewFailover(primary, kvstore.NewMemory(), kvstore.FailoverOptions{
		Logger:         L,
		HealthInterval: conf.StoreHealthInterval,
		OnStateChange:  m.SetStoreDegraded,
	})
	m.SetStoreDegraded(store.Degraded())
	return store, nil
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
