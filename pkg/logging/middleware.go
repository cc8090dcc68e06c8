package logging

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLogger logs one structured line per HTTP request. It is a gorilla/mux middleware.
// Upgraded websocket connections bypass the recorder since they need the raw hijacker.
func RequestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := uuid.NewString()
			w.Header().Set("X-Request-ID", requestID)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			var out http.ResponseWriter = rec
			if r.Header.Get("Upgrade") != "" {
				out = w
			}
			next.ServeHTTP(out, r)

			entry := log.WithFields(logrus.Fields{
				"request_id":  requestID,
				"http_method": r.Method,
				"uri":         r.RequestURI,
				"status_code": rec.status,
				"latency_ms":  time.Since(start).Milliseconds(),
				"client_ip":   r.RemoteAddr,
			})
			switch {
			case rec.status >= 500:
				entry.Error("request completed with server error")
			case rec.status >= 400:
				entry.Warn("request completed with client error")
			default:
				entry.Info("request completed")
			}
		})
	}
}
