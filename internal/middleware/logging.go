// internal/middleware/logging.go

package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// LogMiddleware logs the method, path, status and duration of each request,
// tagged with chi's request id when one was assigned.
func LogMiddleware(logger logrus.FieldLogger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			fields := logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   ww.Status(),
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}
			if id := chimw.GetReqID(r.Context()); id != "" {
				fields["request"] = id
			}
			logger.WithFields(fields).Info("HTTP Request")
		})
	}
}

// LogWebSocketConnect logs a client attaching to a battle relay.
func LogWebSocketConnect(logger logrus.FieldLogger, remoteAddr, session, user string) {
	logger.WithFields(logrus.Fields{
		"remote":  remoteAddr,
		"session": session,
		"user":    user,
	}).Info("WebSocket connected")
}

// LogWebSocketDisconnect logs a client leaving a battle relay.
func LogWebSocketDisconnect(logger logrus.FieldLogger, remoteAddr, session, user string, err error) {
	fields := logrus.Fields{
		"remote":  remoteAddr,
		"session": session,
		"user":    user,
	}
	if err != nil {
		fields["error"] = err
	}
	logger.WithFields(fields).Info("WebSocket disconnected")
}
