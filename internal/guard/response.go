// Package guard is the access guard in front of the ingestion trigger:
// input validation, then a fixed-window rate limit, then API key auth.
package guard

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/oficio-cli/internal/model"
)

// Suggested next steps carried in every error body.
const (
	ActionRetry          = "retry"
	ActionCheckConfig    = "check configuration"
	ActionContactSupport = "contact support"
	ActionFixFields      = "fix fields"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error  string            `json:"error"`
	Action string            `json:"action"`
	Fields model.FieldErrors `json:"fields,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("guard: write response", zap.Error(err))
	}
}

// WriteError writes the error envelope.
func WriteError(w http.ResponseWriter, status int, msg, action string, fields model.FieldErrors) {
	WriteJSON(w, status, ErrorBody{Error: msg, Action: action, Fields: fields})
}

// ClientIP returns the connection's source address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ProxiedClientIP builds a caller key func that honors X-Forwarded-For and
// X-Real-IP only when the connection comes from one of the trusted proxy
// addresses. Any other caller is keyed by ClientIP.
func ProxiedClientIP(trusted []string) func(r *http.Request) string {
	set := make(map[string]struct{}, len(trusted))
	for _, t := range trusted {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	return func(r *http.Request) string {
		remote := ClientIP(r)
		if _, ok := set[remote]; !ok {
			return remote
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
			return xr
		}
		return remote
	}
}
