package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/mail"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/oficio-cli/internal/metrics"
	"github.com/sells-group/oficio-cli/internal/model"
)

const (
	maxEmailLen   = 255
	maxLabelLen   = 50
	maxTriggerLen = 64 << 10
)

var labelRe = regexp.MustCompile(`^[A-Z_]+$`)

// TriggerRequest is the body accepted by the ingestion trigger.
type TriggerRequest struct {
	Email string `json:"email"`
	Label string `json:"label"`
	OrgID string `json:"org_id,omitempty"`
}

type triggerKey struct{}

// TriggerFromContext returns the request validated by ValidateTrigger.
func TriggerFromContext(ctx context.Context) (TriggerRequest, bool) {
	t, ok := ctx.Value(triggerKey{}).(TriggerRequest)
	return t, ok
}

// Validate checks the trigger shape and reports every problem.
func (t TriggerRequest) Validate() model.FieldErrors {
	var errs model.FieldErrors

	switch {
	case t.Email == "":
		errs = append(errs, model.FieldError{Field: "email", Message: "is required"})
	case len(t.Email) > maxEmailLen:
		errs = append(errs, model.FieldError{Field: "email", Message: "must be at most 255 characters"})
	default:
		addr, err := mail.ParseAddress(t.Email)
		if err != nil || addr.Address != t.Email {
			errs = append(errs, model.FieldError{Field: "email", Message: "must be a valid email address"})
		}
	}

	switch {
	case t.Label == "":
		errs = append(errs, model.FieldError{Field: "label", Message: "is required"})
	case len(t.Label) > maxLabelLen:
		errs = append(errs, model.FieldError{Field: "label", Message: "must be at most 50 characters"})
	case !labelRe.MatchString(t.Label):
		errs = append(errs, model.FieldError{Field: "label", Message: "must contain only A-Z and _"})
	}
	return errs
}

// ValidateTrigger rejects malformed trigger bodies with 400 and an itemized
// field list. The parsed request is stored on the context and the body is
// restored for the next handler.
func ValidateTrigger(next http.Handler) http.Handler {
	m := metrics.Get()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxTriggerLen+1))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "could not read request body", ActionRetry, nil)
			return
		}
		if len(body) > maxTriggerLen {
			m.RecordGuardRejection("validation")
			WriteError(w, http.StatusRequestEntityTooLarge, "request body too large", ActionFixFields, nil)
			return
		}

		var req TriggerRequest
		if err := json.Unmarshal(body, &req); err != nil {
			m.RecordGuardRejection("validation")
			WriteError(w, http.StatusBadRequest, "request body must be a JSON object", ActionFixFields, nil)
			return
		}
		req.Email = strings.TrimSpace(req.Email)
		req.Label = strings.TrimSpace(req.Label)
		req.OrgID = strings.TrimSpace(req.OrgID)

		if errs := req.Validate(); len(errs) > 0 {
			zap.L().Info("guard: invalid trigger request",
				zap.String("ip", ClientIP(r)),
				zap.Int("problems", len(errs)),
			)
			m.RecordGuardRejection("validation")
			WriteError(w, http.StatusBadRequest, errs.Error(), ActionFixFields, errs)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), triggerKey{}, req)))
	})
}

// Trigger chains the guard in its fixed order: validation, rate limit, key
// auth, then the handler.
func Trigger(rl func(http.Handler) http.Handler, auth func(http.Handler) http.Handler, h http.Handler) http.Handler {
	return ValidateTrigger(rl(auth(h)))
}
