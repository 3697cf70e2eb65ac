package middleware

import (
	"net/http"

	"github.com/jason-s-yu/skirmish/internal/auth"
	"github.com/sirupsen/logrus"
)

// RequireUser rejects requests without a valid token and stores the caller's
// user id in the request context.
func RequireUser(iss *auth.Issuer, logger logrus.FieldLogger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.TokenFromRequest(r)
			if err != nil {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			userID, err := iss.Verify(token)
			if err != nil {
				logger.WithField("remote", r.RemoteAddr).Debugf("rejected token: %v", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), userID)))
		})
	}
}
