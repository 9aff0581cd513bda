package guard

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/oficio-cli/internal/metrics"
)

// DefaultKeyHeader is the header carrying the API key.
const DefaultKeyHeader = "x-api-key"

// KeyAuthConfig configures API key authentication.
type KeyAuthConfig struct {
	Header string
	Secret string
}

// KeyAuth rejects requests without the configured API key. A missing key is
// 401 with a WWW-Authenticate challenge, a wrong key 403, and an unset
// secret 500. The key itself is never logged.
func KeyAuth(cfg KeyAuthConfig) func(http.Handler) http.Handler {
	header := cfg.Header
	if header == "" {
		header = DefaultKeyHeader
	}
	secret := []byte(cfg.Secret)
	m := metrics.Get()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := zap.L().With(zap.String("ip", ClientIP(r)), zap.String("path", r.URL.Path))

			if len(secret) == 0 {
				log.Error("guard: api key secret is not configured")
				m.RecordGuardRejection("misconfigured")
				WriteError(w, http.StatusInternalServerError, "server authentication is not configured", ActionCheckConfig, nil)
				return
			}

			provided := strings.TrimSpace(r.Header.Get(header))
			if provided == "" {
				log.Warn("guard: missing api key")
				m.RecordGuardRejection("missing_key")
				w.Header().Set("WWW-Authenticate", fmt.Sprintf("ApiKey header=%q", header))
				WriteError(w, http.StatusUnauthorized, "missing API key in header "+header, ActionCheckConfig, nil)
				return
			}

			if !keysMatch([]byte(provided), secret) {
				log.Warn("guard: invalid api key")
				m.RecordGuardRejection("invalid_key")
				WriteError(w, http.StatusForbidden, "invalid API key", ActionCheckConfig, nil)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// keysMatch compares in constant time. On a length mismatch a comparison of
// the secret's length still runs so timing does not reveal the length.
func keysMatch(provided, secret []byte) bool {
	if len(provided) != len(secret) {
		subtle.ConstantTimeCompare(secret, secret)
		return false
	}
	return subtle.ConstantTimeCompare(provided, secret) == 1
}
