package apihttp

import (
	"net/http"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-api/internal/bind"
	"github.com/keithlinneman/linnemanlabs-api/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-api/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-api/internal/reqctx"
)

// SessionResponse tells the caller how the pipeline sees it.
type SessionResponse struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"user_id,omitempty"`
	RateLimit     string `json:"rate_limit_class"`
	Locale        string `json:"locale"`
	APIVersion    string `json:"api_version"`
	RequestID     string `json:"request_id"`
}

func (api *API) HandleSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := reqctx.MustFrom(ctx)
	p := reqctx.PrincipalFrom(ctx)

	resp := SessionResponse{
		Authenticated: p != nil,
		RateLimit:     ratelimit.Classify(r.URL.Path, p != nil, api.policy.Current().Protected),
		Locale:        httpmw.LocaleFromContext(ctx),
		APIVersion:    httpmw.APIVersionFromContext(ctx),
		RequestID:     rc.RequestID,
	}
	if p != nil {
		resp.UserID = p.UserID
	}
	w.Header().Set("Cache-Control", "no-store")
	api.writeJSON(ctx, w, http.StatusOK, resp)
}

type PasswordResetRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

// HandlePasswordReset acknowledges a reset request with 202 whether or not
// the address is known, so the response never reveals an account.
func (api *API) HandlePasswordReset(w http.ResponseWriter, r *http.Request) error {
	var req PasswordResetRequest
	if err := bind.JSON(r, &req); err != nil {
		return err
	}
	ctx := r.Context()

	domain := ""
	if _, d, ok := strings.Cut(req.Email, "@"); ok {
		domain = strings.ToLower(d)
	}
	api.security.Info(ctx, "password reset requested",
		"email_domain", domain,
		"ip_address", httpmw.ClientIPFromContext(ctx),
		"timestamp", api.now().UTC().Format(time.RFC3339),
	)

	api.writeJSON(ctx, w, http.StatusAccepted, map[string]string{
		"status": "If the address is registered, a reset link has been sent.",
	})
	return nil
}

// DashboardResponse is the admin overview.
type DashboardResponse struct {
	Items      int       `json:"items"`
	Owners     int       `json:"owners"`
	PolicyHash string    `json:"policy_hash,omitempty"`
	ServerTime time.Time `json:"server_time"`
}

func (api *API) HandleDashboard(w http.ResponseWriter, r *http.Request) error {
	items, owners := api.items.Stats(r.Context())
	resp := DashboardResponse{
		Items:      items,
		Owners:     owners,
		ServerTime: api.now().UTC().Truncate(time.Second),
	}
	if api.info != nil {
		resp.PolicyHash = api.info.Hash()
	}
	w.Header().Set("Cache-Control", "no-store")
	return bind.WriteJSON(w, http.StatusOK, resp)
}
