package apihttp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-api/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-api/internal/httpmw"
)

var providerName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

type WebhookAccepted struct {
	Received   bool   `json:"received"`
	Provider   string `json:"provider"`
	DeliveryID string `json:"delivery_id"`
}

// HandleWebhook accepts a JSON object delivery from a named provider and
// answers 202. Retried deliveries carrying the same Idempotency-Key are
// replayed by the webhook group and never reach this handler twice.
func (api *API) HandleWebhook(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	provider := chi.URLParam(r, "provider")
	if !providerName.MatchString(provider) {
		return apperr.NotFound("Unknown webhook provider.")
	}

	body := bytes.TrimSpace(httpmw.RequestBody(ctx))
	if len(body) == 0 || body[0] != '{' {
		return apperr.FieldError("body", "The delivery must be a JSON object.")
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return err
	}

	resp := WebhookAccepted{Received: true, Provider: provider, DeliveryID: uuid.NewString()}
	api.logger.Info(ctx, "webhook delivery accepted",
		"provider", provider,
		"delivery_id", resp.DeliveryID,
		"bytes", len(body),
	)
	api.writeJSON(ctx, w, http.StatusAccepted, resp)
	return nil
}
