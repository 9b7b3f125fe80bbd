package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/CrowderSoup/taskboard/logging"
	"github.com/CrowderSoup/taskboard/services"
)

type contextKey string

const principalContextKey contextKey = "principal"

// AuthMiddleware verifies the bearer token of every request and makes sure
// the caller has a user record.
type AuthMiddleware struct {
	authService *services.AuthService
	boards      *services.BoardService
	log         logging.Logger
}

func NewAuthMiddleware(authService *services.AuthService, boards *services.BoardService, log logging.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		authService: authService,
		boards:      boards,
		log:         log,
	}
}

func (m *AuthMiddleware) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid authorization format", nil)
			return
		}
		// Browsers cannot set headers on a websocket handshake.
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing authorization token", nil)
			return
		}

		principal, err := m.authService.VerifyJWT(tokenString)
		if err != nil {
			m.log.Debug(r.Context(), "rejected token", "error", err)
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token", nil)
			return
		}
		if _, err := m.boards.EnsureUser(r.Context(), principal); err != nil {
			respondError(w, r, m.log, err)
			return
		}

		ctx := context.WithValue(r.Context(), principalContextKey, principal)
		ctx = services.WithOrigin(ctx, r.Header.Get("X-Session-ID"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken returns the token of a "Bearer" Authorization header. It
// reports false when the header is present but malformed.
func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", true
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// PrincipalFrom returns the caller set by AuthMiddleware.
func PrincipalFrom(ctx context.Context) (services.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(services.Principal)
	return p, ok
}
