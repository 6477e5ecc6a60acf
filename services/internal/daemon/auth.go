package daemon

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth guards admin handlers with a static bearer token.
type BearerAuth struct {
	token string
}

// NewBearerAuth returns nil when token is empty; a nil BearerAuth rejects
// every request.
func NewBearerAuth(token string) *BearerAuth {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return &BearerAuth{token: token}
}

// Middleware enforces authentication for admin handlers.
func (a *BearerAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		provided := strings.TrimSpace(header[7:])
		if subtle.ConstantTimeCompare([]byte(provided), []byte(a.token)) != 1 {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
