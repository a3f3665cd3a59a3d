package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/omnistudio/backend/internal/auth"
	"github.com/omnistudio/backend/internal/logging"
)

type identityKey struct{}

// TokenVerifier validates access tokens.
type TokenVerifier interface {
	Verify(accessToken string) (auth.Identity, error)
}

// WithIdentity stores the authenticated identity on the context.
func WithIdentity(ctx context.Context, id auth.Identity) context.Context {
	ctx = logging.WithUserID(ctx, id.UserID)
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by Authenticate.
func IdentityFromContext(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(auth.Identity)
	return id, ok && id.UserID != ""
}

// Authenticate requires a valid bearer access token. Browsers cannot set headers on a
// websocket handshake, so the token is also accepted as the access_token query parameter.
func Authenticate(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				unauthorized(w, "missing access token")
				return
			}
			id, err := verifier.Verify(token)
			if err != nil {
				logging.FromContext(r.Context()).Warn("access token rejected", "error", err)
				unauthorized(w, "invalid access token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="omnistudio"`)
	writeError(w, http.StatusUnauthorized, msg)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
