package health

import (
	"net/http"
)

// HealthzHandler answers liveness: 200 "ok", or 503 with the failure.
func HealthzHandler(p Probe) http.HandlerFunc {
	return probeHandler(p, "ok\n")
}

// ReadyzHandler answers readiness: 200 "ready", or 503 listing every
// failing check.
func ReadyzHandler(p Probe) http.HandlerFunc {
	return probeHandler(p, "ready\n")
}

func probeHandler(p Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		status, body := http.StatusOK, okBody
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				status, body = http.StatusServiceUnavailable, err.Error()+"\n"
			}
		}
		w.WriteHeader(status)
		if r.Method != http.MethodHead {
			_, _ = w.Write([]byte(body))
		}
	}
}
