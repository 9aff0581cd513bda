package decisionapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/oficio-cli/internal/model"
)

func TestSubmitDecision_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/oficios/decisions", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "decision:abc", r.Header.Get("Idempotency-Key"))

		raw, _ := io.ReadAll(r.Body)
		var got map[string]any
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, "approve_compliance", got["action"])
		assert.Equal(t, "of-1", got["oficio_id"])
		assert.NotContains(t, got, "motivo")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	res, err := client.SubmitDecision(context.Background(), model.DecisionRequest{
		OrgID: "org-1", OficioID: "of-1", Action: "approve_compliance",
	}, "decision:abc")

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Code)
	assert.JSONEq(t, `{"status":"ok"}`, string(res.Body))
}

func TestSubmitDecision_ClientErrorVerbatim(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"already decided"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "tok").SubmitDecision(context.Background(), model.DecisionRequest{}, "")
	require.Error(t, err)

	se, ok := AsStatusError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusConflict, se.Code)
	assert.Equal(t, `{"error":"already decided"}`, string(se.Body))
	assert.Equal(t, "application/json", se.ContentType)
}

func TestSubmitDecision_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "tok").SubmitDecision(context.Background(), model.DecisionRequest{}, "")
	se, ok := AsStatusError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Contains(t, err.Error(), "503")
}

func TestSubmitDecision_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "tok").SubmitDecision(context.Background(), model.DecisionRequest{}, "")
	require.Error(t, err)
	_, ok := AsStatusError(err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "decisionapi: submit decision")
}
