package httpmw

import (
	"context"
	"net/http"

	"golang.org/x/text/language"

	"github.com/keithlinneman/linnemanlabs-api/internal/policy"
)

type localeKey struct{}

// Locale matches Accept-Language against the supported locales, stores the
// result in the context and echoes it as Content-Language.
func Locale(src policy.Source) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loc := MatchLocale(src.Current().Locale, r.Header.Get("Accept-Language"))
			w.Header().Set("Content-Language", loc)
			next.ServeHTTP(w, r.WithContext(WithLocale(r.Context(), loc)))
		})
	}
}

// MatchLocale returns the supported locale that best matches header, or
// the default when nothing matches.
func MatchLocale(p policy.LocalePolicy, header string) string {
	if header == "" || len(p.Supported) == 0 {
		return p.Default
	}
	desired, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(desired) == 0 {
		return p.Default
	}
	supported := make([]language.Tag, 0, len(p.Supported))
	for _, s := range p.Supported {
		supported = append(supported, language.Make(s))
	}
	_, idx, conf := language.NewMatcher(supported).Match(desired...)
	if conf == language.No {
		return p.Default
	}
	return p.Supported[idx]
}

func WithLocale(ctx context.Context, loc string) context.Context {
	return context.WithValue(ctx, localeKey{}, loc)
}

func LocaleFromContext(ctx context.Context) string {
	loc, _ := ctx.Value(localeKey{}).(string)
	return loc
}
