package prof

import (
	"context"
	"fmt"
	"net/url"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	Tags          map[string]string

	// Basic auth for hosted pyroscope endpoints.
	BasicAuthUser     string
	BasicAuthPassword string

	// Mutex and block profiles are only pushed when their rate is set.
	ProfileMutexFraction int
	BlockProfileRate     int

	// OnActive reports whether the profiler is pushing, e.g. to a gauge.
	OnActive func(bool)
}

// Start pushes continuous profiles to a pyroscope server. The returned stop
// func is always non-nil and safe to call more than once.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	active := opts.OnActive
	if active == nil {
		active = func(bool) {}
	}
	active(false)

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return func() {}, nil
	}

	if u, err := url.Parse(opts.ServerAddress); opts.ServerAddress == "" || err != nil || u.Host == "" {
		err := xerrors.Newf("invalid server address (%q)", opts.ServerAddress)
		L.Error(ctx, err, "pyroscope options")
		return func() {}, err
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName:   opts.AppName,
		ServerAddress:     opts.ServerAddress,
		TenantID:          opts.TenantID,
		BasicAuthUser:     opts.BasicAuthUser,
		BasicAuthPassword: opts.BasicAuthPassword,
		Tags:              opts.Tags,
		Logger:            pyroLogger{L: L.With("component", "pyroscope")},
		ProfileTypes:      profileTypes(opts),
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed",
			"server_address", opts.ServerAddress,
			"app_name", opts.AppName,
		)
		return func() {}, err
	}

	active(true)
	L.Info(ctx, "pyroscope started",
		"server_address", opts.ServerAddress,
		"app_name", opts.AppName,
	)

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := profiler.Stop(); err != nil {
				L.Warn(context.Background(), "pyroscope stop", "error", err)
			}
			active(false)
			L.Info(context.Background(), "pyroscope stopped",
				"server_address", opts.ServerAddress,
				"app_name", opts.AppName,
			)
		})
	}, nil
}

func profileTypes(opts Options) []pyroscope.ProfileType {
	types := []pyroscope.ProfileType{
		pyroscope.ProfileCPU,
		pyroscope.ProfileAllocObjects,
		pyroscope.ProfileAllocSpace,
		pyroscope.ProfileInuseObjects,
		pyroscope.ProfileInuseSpace,
		pyroscope.ProfileGoroutines,
	}
	if opts.ProfileMutexFraction > 0 {
		types = append(types, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if opts.BlockProfileRate > 0 {
		types = append(types, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}
	return types
}

// pyroLogger routes agent messages into the service logger.
type pyroLogger struct{ L log.Logger }

func (p pyroLogger) Infof(format string, args ...any) {
	p.L.Debug(context.Background(), fmt.Sprintf(format, args...))
}

func (p pyroLogger) Debugf(format string, args ...any) {
	p.L.Debug(context.Background(), fmt.Sprintf(format, args...))
}

func (p pyroLogger) Errorf(format string, args ...any) {
	p.L.Warn(context.Background(), fmt.Sprintf(format, args...))
}
