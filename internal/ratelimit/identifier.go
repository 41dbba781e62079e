package ratelimit

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/keithlinneman/linnemanlabs-api/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-api/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-api/internal/policy"
	"github.com/keithlinneman/linnemanlabs-api/internal/reqctx"
)

const unknownIdentifier = "unknown"

// Identify resolves who a request is counted against under strategy.
//
//	user      user_{id}, then token_{sha256(bearer)}, then ip_{ip}
//	ip        ip_{ip}
//	ip_email  ip_{ip}, plus _email_{sha256(email)} when the JSON body has one
//
// Anything unresolvable counts against "unknown".
func Identify(r *http.Request, strategy string) string {
	ctx := r.Context()
	ip := httpmw.ClientIPFromContext(ctx)
	if ip == "" {
		ip = reqctx.MustFrom(ctx).ClientIP
	}

	switch strategy {
	case policy.IdentifyIP:
		return ipIdentifier(ip)
	case policy.IdentifyIPEmail:
		id := ipIdentifier(ip)
		if email := bodyEmail(httpmw.RequestBody(ctx)); email != "" {
			id += "_email_" + cryptoutil.SHA256HexString(strings.ToLower(email))
		}
		return id
	}

	if p := reqctx.PrincipalFrom(ctx); p != nil && p.UserID != "" {
		return "user_" + p.UserID
	}
	if tok := bearerToken(r); tok != "" {
		return "token_" + cryptoutil.SHA256HexString(tok)
	}
	return ipIdentifier(ip)
}

func ipIdentifier(ip string) string {
	if ip == "" {
		return unknownIdentifier
	}
	return "ip_" + ip
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// bodyEmail pulls a top-level "email" string out of a JSON body. Bodies
// that are not JSON objects yield "".
func bodyEmail(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var v struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return ""
	}
	return strings.TrimSpace(v.Email)
}
