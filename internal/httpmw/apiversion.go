package httpmw

import (
	"context"
	"net/http"
	"regexp"
	"slices"

	"github.com/keithlinneman/linnemanlabs-api/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-api/internal/policy"
	"github.com/keithlinneman/linnemanlabs-api/internal/problem"
)

const (
	HeaderAPIVersion = "X-API-Version"

	CodeVersionNotSupported = "version_not_supported"
)

var versionInPath = regexp.MustCompile(`^/api/(v\d+)(?:/|$)`)

type apiVersionKey struct{}

// APIVersion resolves the API version from the /api/v{n}/ path segment,
// then X-API-Version, then the policy default. Unsupported versions get a
// 404 problem listing the supported ones.
func APIVersion(src policy.Source, n *problem.Normalizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := src.Current().APIVersion
			v := RequestedVersion(r, p.Default)
			w.Header().Set(HeaderAPIVersion, v)

			if !slices.Contains(p.Supported, v) {
				n.Write(w, r, apperr.Policy(http.StatusNotFound, CodeVersionNotSupported, "Version not supported",
					"API version "+v+" is not supported.").
					WithExtension("supported_versions", p.Supported))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), apiVersionKey{}, v)))
		})
	}
}

// RequestedVersion returns the version the client asked for.
func RequestedVersion(r *http.Request, def string) string {
	if m := versionInPath.FindStringSubmatch(r.URL.Path); m != nil {
		return m[1]
	}
	if v := r.Header.Get(HeaderAPIVersion); v != "" {
		return v
	}
	return def
}

func APIVersionFromContext(ctx context.Context) string {
	v, _ := ctx.Value(apiVersionKey{}).(string)
	return v
}
