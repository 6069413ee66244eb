package server

import (
	"net/http"
	"time"

	"github.com/cuemby/miru-agent/internal/activity"
	"github.com/cuemby/miru-agent/internal/log"
)

// withActivity stamps the shared activity tracker on every request, ahead
// of routing so even malformed requests count as activity.
func withActivity(next http.Handler, tracker *activity.Tracker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracker.Touch()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// withTracing logs request and response at INFO, mirroring the reference
// agent's TraceLayer configuration.
func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		log.Logger.Info().Str("method", r.Method).Str("path", r.URL.Path).Msg("request received")
		next.ServeHTTP(rec, r)
		log.Logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("latency", time.Since(start)).
			Msg("request completed")
	})
}
