package middleware

import (
	"crypto/sha256"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/MacMoment/licensing/internal/errors"
)

// AdminAuth guards the admin API with a bearer token checked against a
// bcrypt hash. An empty hash leaves the API open.
type AdminAuth struct {
	hash   []byte
	logger *slog.Logger

	// digest of the last token that matched, so bcrypt runs once per token
	mu       sync.RWMutex
	accepted [sha256.Size]byte
	primed   bool
}

// NewAdminAuth creates the guard for hash
func NewAdminAuth(hash string, logger *slog.Logger) *AdminAuth {
	return &AdminAuth{
		hash:   []byte(strings.TrimSpace(hash)),
		logger: logger.With(slog.String("component", "admin_auth")),
	}
}

// Enabled reports whether a token is required
func (a *AdminAuth) Enabled() bool {
	return len(a.hash) > 0
}

// HashToken returns the bcrypt hash to configure for token
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	return string(h), err
}

func (a *AdminAuth) verify(token string) bool {
	digest := sha256.Sum256([]byte(token))

	a.mu.RLock()
	hit := a.primed && digest == a.accepted
	a.mu.RUnlock()
	if hit {
		return true
	}

	if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
		return false
	}

	a.mu.Lock()
	a.accepted, a.primed = digest, true
	a.mu.Unlock()
	return true
}

// Handler rejects requests without a valid Authorization: Bearer token
func (a *AdminAuth) Handler(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
			a.reject(w, r, "Missing bearer token")
			return
		}
		if !a.verify(strings.TrimSpace(token)) {
			a.reject(w, r, "Invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *AdminAuth) reject(w http.ResponseWriter, r *http.Request, detail string) {
	a.logger.WarnContext(r.Context(), "admin authentication failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("remote_addr", ClientIP(r)),
		slog.String("reason", detail))

	w.Header().Set("WWW-Authenticate", `Bearer realm="licensing"`)
	apperrors.WriteProblem(w, apperrors.RequestProblem(r, http.StatusUnauthorized,
		apperrors.TypeUnauthorized, "Unauthorized", detail))
}
