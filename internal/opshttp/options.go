package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-api/internal/health"
	"github.com/keithlinneman/linnemanlabs-api/internal/policy"
	"github.com/keithlinneman/linnemanlabs-api/internal/version"
)

type Options struct {
	Port         int
	Metrics      http.Handler
	EnablePprof  bool
	Health       health.Probe
	Readiness    health.Probe
	UseRecoverMW bool
	OnPanic      func() // Optional callback for when panics are recovered, e.g. to increment prometheus counters

	// Policy exposes the active policy document on /-/policy when set.
	Policy *policy.Manager

	// Version is served on /-/version when set.
	Version *version.Info
}
