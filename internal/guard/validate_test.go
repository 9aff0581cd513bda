package guard

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerRequest_Validate(t *testing.T) {
	tests := []struct {
		name   string
		req    TriggerRequest
		fields []string
	}{
		{name: "valid", req: TriggerRequest{Email: "juridico@empresa.com.br", Label: "OFICIOS_NOVOS"}},
		{name: "missing both", req: TriggerRequest{}, fields: []string{"email", "label"}},
		{name: "bad email", req: TriggerRequest{Email: "not-an-email", Label: "A"}, fields: []string{"email"}},
		{name: "display name not allowed", req: TriggerRequest{Email: "Ana <ana@x.com>", Label: "A"}, fields: []string{"email"}},
		{name: "email too long", req: TriggerRequest{Email: strings.Repeat("a", 250) + "@x.com", Label: "A"}, fields: []string{"email"}},
		{name: "lowercase label", req: TriggerRequest{Email: "a@x.com", Label: "oficios"}, fields: []string{"label"}},
		{name: "label with digits", req: TriggerRequest{Email: "a@x.com", Label: "OFICIOS2"}, fields: []string{"label"}},
		{name: "label too long", req: TriggerRequest{Email: "a@x.com", Label: strings.Repeat("A", 51)}, fields: []string{"label"}},
		{name: "label at limit", req: TriggerRequest{Email: "a@x.com", Label: strings.Repeat("A", 50)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.req.Validate()
			var got []string
			for _, e := range errs {
				got = append(got, e.Field)
			}
			assert.Equal(t, tt.fields, got)
		})
	}
}

func TestValidateTrigger(t *testing.T) {
	var seen TriggerRequest
	var body string
	h := ValidateTrigger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ok bool
		seen, ok = TriggerFromContext(r.Context())
		require.True(t, ok)
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusOK)
	}))

	payload := `{"email":" a@x.com ","label":"OFICIOS","org_id":"org-1"}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ingest/trigger", strings.NewReader(payload)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, TriggerRequest{Email: "a@x.com", Label: "OFICIOS", OrgID: "org-1"}, seen)
	assert.Equal(t, payload, body, "body is restored")
}

func TestValidateTrigger_Rejections(t *testing.T) {
	called := false
	h := ValidateTrigger(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"bad","label":"x"}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var eb ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eb))
	assert.Equal(t, ActionFixFields, eb.Action)
	require.Len(t, eb.Fields, 2)
	assert.Equal(t, "email", eb.Fields[0].Field)
	assert.Equal(t, "label", eb.Fields[1].Field)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	big := `{"email":"a@x.com","label":"A","org_id":"` + strings.Repeat("x", maxTriggerLen) + `"}`
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	assert.False(t, called)
}

func TestTrigger_Order(t *testing.T) {
	rl := RateLimit(RateLimitConfig{Max: 1})
	auth := KeyAuth(KeyAuthConfig{Secret: "s3cret"})
	h := Trigger(rl, auth, okHandler())

	send := func(body, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/ingest/trigger", strings.NewReader(body))
		req.RemoteAddr = "10.0.0.9:1"
		if key != "" {
			req.Header.Set(DefaultKeyHeader, key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	// Invalid input is refused before it counts against the limit.
	rec := send(`{}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))

	valid := `{"email":"a@x.com","label":"OFICIOS"}`
	rec = send(valid, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	// Rate limit runs before auth, so even a valid key is now refused.
	rec = send(valid, "s3cret")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
