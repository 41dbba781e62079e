package ratelimit

import (
	"regexp"
	"strings"
	"sync"

	"github.com/keithlinneman/linnemanlabs-api/internal/policy"
)

// Classify picks the dynamic endpoint class for a request path.
func Classify(path string, authenticated bool, protected []string) string {
	isProtected := false
	for _, p := range protected {
		if globMatch(p, path) {
			isProtected = true
			break
		}
	}
	switch {
	case isProtected && authenticated:
		return policy.ClassProtectedAuthenticated
	case isProtected:
		return policy.ClassProtectedUnauthenticated
	case authenticated:
		return policy.ClassPublicAuthenticated
	default:
		return policy.ClassPublicUnauthenticated
	}
}

var globCache sync.Map // pattern -> *regexp.Regexp

// globMatch matches path against pattern, where '*' spans any run of
// characters including '/'. Leading slashes are ignored on both sides.
func globMatch(pattern, path string) bool {
	pattern = strings.TrimLeft(pattern, "/")
	path = strings.TrimLeft(path, "/")
	if pattern == path {
		return true
	}

	if re, ok := globCache.Load(pattern); ok {
		return re.(*regexp.Regexp).MatchString(path)
	}
	expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return false
	}
	globCache.Store(pattern, re)
	return re.MatchString(path)
}
