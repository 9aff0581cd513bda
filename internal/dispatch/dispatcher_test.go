package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/oficio-cli/internal/config"
	"github.com/sells-group/oficio-cli/internal/model"
	"github.com/sells-group/oficio-cli/internal/resilience"
	"github.com/sells-group/oficio-cli/internal/store"
	"github.com/sells-group/oficio-cli/internal/store/storetest"
	"github.com/sells-group/oficio-cli/pkg/decisionapi"
)

func testPrimaryConfig() config.PrimaryConfig {
	return config.PrimaryConfig{
		RetryAttempts:    1,
		RetryBackoffMs:   1,
		BreakerThreshold: 5,
		BreakerResetSecs: 30,
	}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "dispatch.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.ImportOficio(context.Background(), &model.Oficio{
		ID:     "of-1",
		OrgID:  "org-1",
		Status: model.StatusPendingReview,
		Candidate: model.CandidateRecord{
			Numero:   "12345",
			Processo: "1234567-89.2024.1.00.0000",
			Prazo:    "2024-10-19T23:59:59Z",
		},
	}))
	return st
}

// primaryServer answers every decision with the current status code.
type primaryServer struct {
	*httptest.Server
	status  atomic.Int32
	hits    atomic.Int32
	lastKey atomic.Value
}

func newPrimaryServer(t *testing.T, status int) *primaryServer {
	t.Helper()
	ps := &primaryServer{}
	ps.status.Store(int32(status))
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.hits.Add(1)
		ps.lastKey.Store(r.Header.Get("Idempotency-Key"))
		code := int(ps.status.Load())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if code == http.StatusConflict {
			w.Write([]byte(`{"error":"oficio already decided"}`)) //nolint:errcheck
			return
		}
		w.Write([]byte(`{"ok":true}`)) //nolint:errcheck
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *primaryServer) client() decisionapi.Client {
	return decisionapi.NewClient(ps.URL, "tok")
}

func approve() model.Decision {
	return model.Decision{
		OficioID: "of-1",
		OrgID:    "org-1",
		UserID:   "u-1",
		Action: model.ApproveCompliance{
			DadosDeApoio:      "contrato 2024/17",
			ReferenciasLegais: []string{"Lei 9.613/98"},
		},
	}
}

func TestDispatch_PrimarySuccessMirrors(t *testing.T) {
	ps := newPrimaryServer(t, http.StatusOK)
	st := newTestStore(t)
	d := New(ps.client(), st, testPrimaryConfig())

	res, err := d.Dispatch(context.Background(), approve())
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	assert.True(t, res.Mirrored)
	assert.Equal(t, http.StatusOK, res.PrimaryStatus)
	assert.Equal(t, approve().IdempotencyKey(), res.IdempotencyKey)
	assert.Equal(t, res.IdempotencyKey, ps.lastKey.Load())

	got, err := st.GetOficio(context.Background(), "org-1", "of-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, got.Status)
	assert.Equal(t, "contrato 2024/17", got.DadosDeApoio)
	assert.Equal(t, []string{"Lei 9.613/98"}, got.ReferenciasLegais)
	assert.False(t, got.SyncPending)
}

func TestDispatch_Primary503FallsBack(t *testing.T) {
	ps := newPrimaryServer(t, http.StatusServiceUnavailable)
	st := newTestStore(t)
	d := New(ps.client(), st, testPrimaryConfig())

	res, err := d.Dispatch(context.Background(), approve())
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.False(t, res.Mirrored)
	assert.Equal(t, int32(2), ps.hits.Load(), "one retry before falling back")

	got, err := st.GetOficio(context.Background(), "org-1", "of-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, got.Status)
	assert.True(t, got.SyncPending)

	pending, err := st.ListPendingOutbox(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "approve_compliance", pending[0].Request.Action)
	assert.Equal(t, res.IdempotencyKey, pending[0].IdempotencyKey)
}

func TestDispatch_PrimaryUnreachableFallsBack(t *testing.T) {
	ps := newPrimaryServer(t, http.StatusOK)
	client := ps.client()
	ps.Close()

	st := newTestStore(t)
	d := New(client, st, testPrimaryConfig())

	res, err := d.Dispatch(context.Background(), approve())
	require.NoError(t, err)
	assert.True(t, res.Fallback)
}

func TestDispatch_NoPrimaryFallsBack(t *testing.T) {
	st := newTestStore(t)
	d := New(nil, st, testPrimaryConfig())

	res, err := d.Dispatch(context.Background(), approve())
	require.NoError(t, err)
	assert.True(t, res.Fallback)
}

func TestDispatch_Primary4xxIsProxied(t *testing.T) {
	ps := newPrimaryServer(t, http.StatusConflict)
	st := newTestStore(t)
	d := New(ps.client(), st, testPrimaryConfig())

	_, err := d.Dispatch(context.Background(), approve())
	require.Error(t, err)
	se, ok := decisionapi.AsStatusError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusConflict, se.Code)
	assert.JSONEq(t, `{"error":"oficio already decided"}`, string(se.Body))
	assert.Equal(t, int32(1), ps.hits.Load(), "4xx is not retried")

	got, err := st.GetOficio(context.Background(), "org-1", "of-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPendingReview, got.Status)
	assert.False(t, got.SyncPending)

	// The key was released, so the same decision can be retried.
	ps.status.Store(http.StatusOK)
	res, err := d.Dispatch(context.Background(), approve())
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int32(2), ps.hits.Load())
}

func TestDispatch_DuplicateHasNoEffect(t *testing.T) {
	ps := newPrimaryServer(t, http.StatusOK)
	st := newTestStore(t)
	d := New(ps.client(), st, testPrimaryConfig())

	_, err := d.Dispatch(context.Background(), approve())
	require.NoError(t, err)

	res, err := d.Dispatch(context.Background(), approve())
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int32(1), ps.hits.Load())
}

func TestDispatch_OpenCircuitSkipsPrimary(t *testing.T) {
	ps := newPrimaryServer(t, http.StatusBadGateway)
	st := newTestStore(t)
	cfg := testPrimaryConfig()
	cfg.RetryAttempts = 0
	cfg.BreakerThreshold = 1
	d := New(ps.client(), st, cfg)

	res, err := d.Dispatch(context.Background(), approve())
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, resilience.CircuitOpen, d.BreakerState())

	reject := model.Decision{
		OficioID: "of-1",
		OrgID:    "org-1",
		Action:   model.RejectCompliance{Motivo: "fora do escopo"},
	}
	res, err = d.Dispatch(context.Background(), reject)
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, int32(1), ps.hits.Load())

	got, err := st.GetOficio(context.Background(), "org-1", "of-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, got.Status)
	assert.Equal(t, "fora do escopo", got.Motivo)
}

func TestDispatch_FallbackFailureReleasesKey(t *testing.T) {
	st := &storetest.MockStore{}
	dec := approve()
	key := dec.IdempotencyKey()
	st.On("ClaimKey", mock.Anything, key).Return(true, nil)
	st.On("ApplyFallback", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("disk full"))
	st.On("ReleaseKey", mock.Anything, key).Return(nil)

	d := New(nil, st, testPrimaryConfig())
	_, err := d.Dispatch(context.Background(), dec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	st.AssertExpectations(t)
}

func TestDispatch_FallbackCarriesSyncPendingAndKey(t *testing.T) {
	st := &storetest.MockStore{}
	dec := approve()
	key := dec.IdempotencyKey()
	st.On("ClaimKey", mock.Anything, key).Return(true, nil)
	st.On("ApplyFallback", mock.Anything,
		mock.MatchedBy(func(tr model.Transition) bool {
			return tr.SyncPending != nil && *tr.SyncPending &&
				tr.Status != nil && *tr.Status == model.StatusApproved
		}),
		mock.MatchedBy(func(e store.OutboxEntry) bool {
			return e.IdempotencyKey == key && e.OficioID == "of-1" && e.Request.Action == "approve_compliance"
		}),
	).Return(nil)

	d := New(nil, st, testPrimaryConfig())
	res, err := d.Dispatch(context.Background(), dec)
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	st.AssertExpectations(t)
}

func TestDispatch_MirrorFailureIsNotAnError(t *testing.T) {
	ps := newPrimaryServer(t, http.StatusOK)
	st := &storetest.MockStore{}
	st.On("ClaimKey", mock.Anything, mock.Anything).Return(true, nil)
	st.On("ApplyTransition", mock.Anything, mock.Anything).Return(store.ErrNotFound)

	d := New(ps.client(), st, testPrimaryConfig())
	res, err := d.Dispatch(context.Background(), approve())
	require.NoError(t, err)
	assert.False(t, res.Mirrored)
	assert.False(t, res.Fallback)
	st.AssertNotCalled(t, "ReleaseKey", mock.Anything, mock.Anything)
}

func TestDispatch_ClaimError(t *testing.T) {
	st := &storetest.MockStore{}
	st.On("ClaimKey", mock.Anything, mock.Anything).Return(false, errors.New("db down"))

	d := New(nil, st, testPrimaryConfig())
	_, err := d.Dispatch(context.Background(), approve())
	require.Error(t, err)
	st.AssertNotCalled(t, "ApplyFallback", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatch_NoAction(t *testing.T) {
	d := New(nil, &storetest.MockStore{}, testPrimaryConfig())
	_, err := d.Dispatch(context.Background(), model.Decision{OficioID: "of-1", OrgID: "org-1"})
	assert.Error(t, err)
}

func TestTransitionFor(t *testing.T) {
	approved, rejected := model.StatusApproved, model.StatusRejected

	tests := []struct {
		name   string
		action model.Action
		check  func(t *testing.T, tr model.Transition)
	}{
		{
			name:   "approve sets status and enrichment",
			action: model.ApproveCompliance{DadosDeApoio: "d", AssignedUserID: "u-2", ReferenciasLegais: []string{"r"}},
			check: func(t *testing.T, tr model.Transition) {
				assert.Equal(t, &approved, tr.Status)
				assert.Equal(t, "d", *tr.DadosDeApoio)
				assert.Equal(t, "u-2", *tr.AssignedUserID)
				assert.True(t, tr.SetReferencias)
				assert.Nil(t, tr.NotasInternas)
			},
		},
		{
			name:   "reject sets status and motivo",
			action: model.RejectCompliance{Motivo: "m"},
			check: func(t *testing.T, tr model.Transition) {
				assert.Equal(t, &rejected, tr.Status)
				assert.Equal(t, "m", *tr.Motivo)
			},
		},
		{
			name:   "add_context leaves status",
			action: model.AddContext{NotasInternas: "n"},
			check: func(t *testing.T, tr model.Transition) {
				assert.Nil(t, tr.Status)
				assert.Equal(t, "n", *tr.NotasInternas)
				assert.False(t, tr.SetReferencias)
			},
		},
		{
			name:   "assign_user leaves status",
			action: model.AssignUser{AssignedUserID: "u-3"},
			check: func(t *testing.T, tr model.Transition) {
				assert.Nil(t, tr.Status)
				assert.Equal(t, "u-3", *tr.AssignedUserID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := TransitionFor(model.Decision{OficioID: "of-1", OrgID: "org-1", UserID: "u-1", Action: tt.action})
			assert.Equal(t, "of-1", tr.OficioID)
			assert.Equal(t, "org-1", tr.OrgID)
			assert.Equal(t, "u-1", tr.UserID)
			assert.Nil(t, tr.SyncPending)
			tt.check(t, tr)
		})
	}
}

func TestResult_JSON(t *testing.T) {
	data, err := json.Marshal(Result{Status: "ok", Fallback: true, IdempotencyKey: "decision:x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","fallback":true,"mirrored":false,"duplicate":false,"idempotency_key":"decision:x"}`, string(data))
}
