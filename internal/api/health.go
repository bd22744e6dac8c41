package api

import (
	"context"
	"net/http"
	"time"
)

// Pinger is the database health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health reports service liveness and database reachability.
func Health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok", "database": "ok"}
		code := http.StatusOK
		if err := db.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["database"] = "unreachable"
			code = http.StatusServiceUnavailable
		}
		JSON(w, code, status)
	}
}
