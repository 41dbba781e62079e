package pathutil

import "strings"

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// Reasons returned by Ambiguous.
const (
	ReasonDotSegment   = "dot_segment"
	ReasonEmptySegment = "empty_segment"
	ReasonEncodedSep   = "encoded_separator"
	ReasonBackslash    = "backslash"
	ReasonControlChar  = "control_character"
	ReasonNotAbsolute  = "not_absolute"
)

// Ambiguous reports why escaped, a request path as sent on the wire, could
// be read differently by two components, or "" when it is unambiguous.
// Route classes and protected-path globs match on the literal path, so
// "/api/v1/./password/reset" must never reach them.
func Ambiguous(escaped string) string {
	if escaped == "" || escaped == "*" {
		return ""
	}
	if escaped[0] != '/' {
		return ReasonNotAbsolute
	}
	for i := 0; i < len(escaped); i++ {
		if c := escaped[i]; c < 0x20 || c == 0x7f {
			return ReasonControlChar
		}
	}
	if strings.Contains(escaped, `\`) {
		return ReasonBackslash
	}
	lower := strings.ToLower(escaped)
	for _, enc := range []string{"%2f", "%5c", "%2e", "%00"} {
		if strings.Contains(lower, enc) {
			return ReasonEncodedSep
		}
	}
	if HasDotSegments(escaped) {
		return ReasonDotSegment
	}
	if strings.Contains(escaped, "//") {
		return ReasonEmptySegment
	}
	return ""
}
