package policy

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Identifier strategies for rate-limit rules.
const (
	IdentifyUser    = "user"
	IdentifyIP      = "ip"
	IdentifyIPEmail = "ip_email"
)

// CSP modes.
const (
	CSPEnforce    = "enforce"
	CSPReportOnly = "report-only"
)

type Document struct {
	RateLimits  map[string]RateLimit `yaml:"rate_limits"`
	Protected   []string             `yaml:"protected_patterns"`
	Degraded    DegradedPolicy       `yaml:"degraded"`
	Idempotency IdempotencyPolicy    `yaml:"idempotency"`
	ETag        ETagPolicy           `yaml:"etag"`
	Cache       CachePolicy          `yaml:"cache"`
	Security    SecurityPolicy       `yaml:"security"`
	Performance PerformancePolicy    `yaml:"performance"`
	Locale      LocalePolicy         `yaml:"locale"`
	APIVersion  APIVersionPolicy     `yaml:"api_version"`
}

type RateLimit struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Window      time.Duration `yaml:"window"`
	Identifier  string        `yaml:"identifier"`
}

// DegradedPolicy applies while the rate-limit store serves from its
// in-process fallback.
type DegradedPolicy struct {
	Multiplier int `yaml:"multiplier"`
}

type IdempotencyPolicy struct {
	TTL          time.Duration `yaml:"ttl"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
	MaxKeyLength int           `yaml:"max_key_length"`
	MaxBodyBytes int64         `yaml:"max_response_bytes"`
}

type ETagPolicy struct {
	Enabled  bool  `yaml:"enabled"`
	MaxBytes int64 `yaml:"max_bytes"`
}

type CachePolicy struct {
	Enabled bool `yaml:"enabled"`

	// TTLs are in seconds. Paths are compared without leading and trailing
	// slashes.
	DefaultTTL int            `yaml:"default_ttl"`
	TTLByPath  map[string]int `yaml:"ttl_by_path"`
}

type SecurityPolicy struct {
	FrameOptions   string     `yaml:"x_frame_options"`
	ReferrerPolicy string     `yaml:"referrer_policy"`
	CSP            CSPPolicy  `yaml:"csp"`
	HSTS           HSTSPolicy `yaml:"hsts"`
}

type CSPPolicy struct {
	Enabled    bool       `yaml:"enabled"`
	Mode       string     `yaml:"mode"`
	Directives Directives `yaml:"directives"`
	ReportURI  string     `yaml:"report_uri"`
}

type HSTSPolicy struct {
	Enabled           bool `yaml:"enabled"`
	MaxAge            int  `yaml:"max_age"`
	IncludeSubdomains bool `yaml:"include_subdomains"`
	Preload           bool `yaml:"preload"`
}

type PerformancePolicy struct {
	SlowThreshold time.Duration `yaml:"slow_threshold"`
}

type LocalePolicy struct {
	Supported []string `yaml:"supported"`
	Default   string   `yaml:"default"`
}

type APIVersionPolicy struct {
	Supported []string `yaml:"supported"`
	Default   string   `yaml:"default"`
}

type Directive struct {
	Name   string
	Values []string
}

// Directives keeps the order in which CSP directives were written.
type Directives []Directive

// UnmarshalYAML reads a mapping of directive name to a value list (or a
// single scalar) in document order.
func (d *Directives) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: csp directives must be a mapping", node.Line)
	}
	out := make(Directives, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		valNode := node.Content[i+1]

		var values []string
		switch valNode.Kind {
		case yaml.ScalarNode:
			if valNode.Value != "" {
				values = []string{valNode.Value}
			}
		case yaml.SequenceNode:
			if err := valNode.Decode(&values); err != nil {
				return fmt.Errorf("directive %s: %w", name, err)
			}
		default:
			return fmt.Errorf("line %d: directive %s must be a list", valNode.Line, name)
		}
		out = append(out, Directive{Name: name, Values: values})
	}
	*d = out
	return nil
}

// MarshalYAML writes directives back as an ordered mapping.
func (d Directives) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, dir := range d {
		vals := &yaml.Node{Kind: yaml.SequenceNode}
		for _, v := range dir.Values {
			vals.Content = append(vals.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: v})
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: dir.Name}, vals)
	}
	return node, nil
}

// Rule returns the rate-limit rule for class, falling back to "default".
func (d *Document) Rule(class string) (RateLimit, bool) {
	if r, ok := d.RateLimits[class]; ok {
		return r, true
	}
	r, ok := d.RateLimits["default"]
	return r, ok
}

// CacheTTL returns the TTL in seconds for a request path.
func (c CachePolicy) CacheTTL(path string) int {
	if ttl, ok := c.TTLByPath[trimSlashes(path)]; ok {
		return ttl
	}
	return c.DefaultTTL
}

func trimSlashes(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	for len(p) > 0 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}
