package policy

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	minAttempts = 1
	maxAttempts = 10000
	minWindow   = time.Second
	maxWindow   = time.Hour
)

// Parse overlays YAML onto the defaults and validates the result.
func Parse(data []byte) (*Document, error) {
	doc := Default()
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Validate returns every problem in the document joined together.
func (d *Document) Validate() error {
	var errs []error

	classes := make([]string, 0, len(d.RateLimits))
	for k := range d.RateLimits {
		classes = append(classes, k)
	}
	sort.Strings(classes)
	for _, class := range classes {
		r := d.RateLimits[class]
		if r.MaxAttempts < minAttempts || r.MaxAttempts > maxAttempts {
			errs = append(errs, fmt.Errorf("rate_limits.%s.max_attempts must be between %d and %d, got %d", class, minAttempts, maxAttempts, r.MaxAttempts))
		}
		if r.Window < minWindow || r.Window > maxWindow {
			errs = append(errs, fmt.Errorf("rate_limits.%s.window must be between %s and %s, got %s", class, minWindow, maxWindow, r.Window))
		}
		switch r.Identifier {
		case IdentifyUser, IdentifyIP, IdentifyIPEmail:
		case "":
			errs = append(errs, fmt.Errorf("rate_limits.%s.identifier is required", class))
		default:
			errs = append(errs, fmt.Errorf("rate_limits.%s.identifier %q is not one of user|ip|ip_email", class, r.Identifier))
		}
	}

	if d.Degraded.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("degraded.multiplier must be >= 1, got %d", d.Degraded.Multiplier))
	}

	if d.Idempotency.TTL <= 0 {
		errs = append(errs, errors.New("idempotency.ttl must be positive"))
	}
	if d.Idempotency.LockTTL <= 0 || d.Idempotency.LockTTL > d.Idempotency.TTL {
		errs = append(errs, errors.New("idempotency.lock_ttl must be positive and not exceed ttl"))
	}
	if d.Idempotency.MaxKeyLength < 1 {
		errs = append(errs, errors.New("idempotency.max_key_length must be positive"))
	}
	if d.Idempotency.MaxBodyBytes < 1 {
		errs = append(errs, errors.New("idempotency.max_response_bytes must be positive"))
	}
	if d.ETag.MaxBytes < 1 {
		errs = append(errs, errors.New("etag.max_bytes must be positive"))
	}

	if d.Cache.DefaultTTL < 0 {
		errs = append(errs, fmt.Errorf("cache.default_ttl must be >= 0, got %d", d.Cache.DefaultTTL))
	}
	for p, ttl := range d.Cache.TTLByPath {
		if ttl < 0 {
			errs = append(errs, fmt.Errorf("cache.ttl_by_path[%s] must be >= 0, got %d", p, ttl))
		}
	}

	sec := d.Security
	if sec.FrameOptions != "DENY" && sec.FrameOptions != "SAMEORIGIN" {
		errs = append(errs, fmt.Errorf("security.x_frame_options must be DENY or SAMEORIGIN, got %q", sec.FrameOptions))
	}
	if sec.CSP.Mode != CSPEnforce && sec.CSP.Mode != CSPReportOnly {
		errs = append(errs, fmt.Errorf("security.csp.mode must be enforce or report-only, got %q", sec.CSP.Mode))
	}
	if sec.HSTS.Enabled && sec.HSTS.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("security.hsts.max_age must be >= 0, got %d", sec.HSTS.MaxAge))
	}

	if d.Performance.SlowThreshold <= 0 {
		errs = append(errs, errors.New("performance.slow_threshold must be positive"))
	}

	if len(d.Locale.Supported) == 0 || !slices.Contains(d.Locale.Supported, d.Locale.Default) {
		errs = append(errs, fmt.Errorf("locale.default %q must be one of locale.supported", d.Locale.Default))
	}
	if len(d.APIVersion.Supported) == 0 || !slices.Contains(d.APIVersion.Supported, d.APIVersion.Default) {
		errs = append(errs, fmt.Errorf("api_version.default %q must be one of api_version.supported", d.APIVersion.Default))
	}

	return errors.Join(errs...)
}
