package opshttp

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/policy"
)

// SnapshotProvider returns the active policy snapshot.
type SnapshotProvider interface {
	Snapshot() *policy.Snapshot
}

// PolicyAPI serves what policy the pipeline is enforcing right now.
type PolicyAPI struct {
	policies SnapshotProvider
	logger   log.Logger
}

func NewPolicyAPI(p SnapshotProvider, logger log.Logger) *PolicyAPI {
	if logger == nil {
		logger = log.Nop()
	}
	return &PolicyAPI{policies: p, logger: logger}
}

// PolicySummaryResponse is the provenance of the active document.
type PolicySummaryResponse struct {
	Hash       string    `json:"hash,omitempty"`
	Origin     string    `json:"origin"`
	Verified   bool      `json:"verified"`
	LoadedAt   time.Time `json:"loaded_at"`
	ServerTime time.Time `json:"server_time"`
	RateLimits []string  `json:"rate_limit_classes"`
	Error      string    `json:"error,omitempty"`
}

func (api *PolicyAPI) HandleSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC().Truncate(time.Second)

	snap := api.policies.Snapshot()
	if snap == nil || snap.Doc == nil {
		api.writeJSON(ctx, w, http.StatusServiceUnavailable, PolicySummaryResponse{
			ServerTime: now,
			Error:      "no policy loaded",
		})
		return
	}

	classes := make([]string, 0, len(snap.Doc.RateLimits))
	for c := range snap.Doc.RateLimits {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	api.writeJSON(ctx, w, http.StatusOK, PolicySummaryResponse{
		Hash:       snap.Hash,
		Origin:     string(snap.Origin),
		Verified:   snap.Verified,
		LoadedAt:   snap.LoadedAt.Truncate(time.Second),
		ServerTime: now,
		RateLimits: classes,
	})
}

// HandleDocument writes the active document back out as YAML.
func (api *PolicyAPI) HandleDocument(w http.ResponseWriter, r *http.Request) {
	snap := api.policies.Snapshot()
	if snap == nil || snap.Doc == nil {
		http.Error(w, "no policy loaded\n", http.StatusServiceUnavailable)
		return
	}
	out, err := yaml.Marshal(snap.Doc)
	if err != nil {
		api.logger.Error(r.Context(), err, "marshal policy document")
		http.Error(w, "internal error\n", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if snap.Hash != "" {
		w.Header().Set("X-Policy-Hash", snap.Hash)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (api *PolicyAPI) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
