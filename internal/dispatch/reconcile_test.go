package dispatch

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/oficio-cli/internal/model"
	"github.com/sells-group/oficio-cli/internal/store"
	"github.com/sells-group/oficio-cli/internal/store/storetest"
)

func TestReconcile_ReplaysFallbackDecisions(t *testing.T) {
	ps := newPrimaryServer(t, http.StatusServiceUnavailable)
	st := newTestStore(t)
	d := New(ps.client(), st, testPrimaryConfig())
	ctx := context.Background()

	res, err := d.Dispatch(ctx, approve())
	require.NoError(t, err)
	require.True(t, res.Fallback)

	ps.status.Store(http.StatusOK)
	rr, err := d.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, &ReconcileResult{Scanned: 1, Synced: 1}, rr)
	assert.Equal(t, res.IdempotencyKey, ps.lastKey.Load())

	pending, err := st.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err := st.GetOficio(ctx, "org-1", "of-1")
	require.NoError(t, err)
	assert.False(t, got.SyncPending)
	assert.Equal(t, model.StatusApproved, got.Status)
}

func TestReconcile_FailureKeepsEntry(t *testing.T) {
	ps := newPrimaryServer(t, http.StatusServiceUnavailable)
	st := newTestStore(t)
	d := New(ps.client(), st, testPrimaryConfig())
	ctx := context.Background()

	_, err := d.Dispatch(ctx, approve())
	require.NoError(t, err)

	rr, err := d.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, rr.Failed)
	assert.Zero(t, rr.Synced)

	pending, err := st.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "503")

	got, err := st.GetOficio(ctx, "org-1", "of-1")
	require.NoError(t, err)
	assert.True(t, got.SyncPending)
}

func TestReconcile_RejectedReplayIsRecorded(t *testing.T) {
	ps := newPrimaryServer(t, http.StatusConflict)
	st := &storetest.MockStore{}
	st.On("ListPendingOutbox", mock.Anything, 50).Return([]store.OutboxEntry{
		{ID: "ob-1", OficioID: "of-1", IdempotencyKey: "decision:a", Request: approve().Wire()},
	}, nil)
	st.On("MarkOutboxFailed", mock.Anything, "ob-1", mock.MatchedBy(func(reason string) bool {
		return strings.Contains(reason, "409")
	})).Return(nil)

	d := New(ps.client(), st, testPrimaryConfig())
	rr, err := d.Reconcile(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, rr.Failed)
	st.AssertNotCalled(t, "MarkOutboxSynced", mock.Anything, mock.Anything)
	st.AssertExpectations(t)
}

func TestReconcile_OpenCircuitStops(t *testing.T) {
	ps := newPrimaryServer(t, http.StatusBadGateway)
	cfg := testPrimaryConfig()
	cfg.RetryAttempts = 0
	cfg.BreakerThreshold = 1

	st := &storetest.MockStore{}
	st.On("ListPendingOutbox", mock.Anything, 10).Return([]store.OutboxEntry{
		{ID: "ob-1", IdempotencyKey: "decision:a", Request: approve().Wire()},
		{ID: "ob-2", IdempotencyKey: "decision:b", Request: approve().Wire()},
		{ID: "ob-3", IdempotencyKey: "decision:c", Request: approve().Wire()},
	}, nil)
	st.On("MarkOutboxFailed", mock.Anything, "ob-1", mock.Anything).Return(nil)

	d := New(ps.client(), st, cfg)
	rr, err := d.Reconcile(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 3, rr.Scanned)
	assert.Equal(t, 1, rr.Failed)
	assert.Equal(t, int32(1), ps.hits.Load())
	st.AssertExpectations(t)
}

func TestReconcile_ListError(t *testing.T) {
	ps := newPrimaryServer(t, http.StatusOK)
	st := &storetest.MockStore{}
	st.On("ListPendingOutbox", mock.Anything, 10).Return(nil, errors.New("db down"))

	d := New(ps.client(), st, testPrimaryConfig())
	_, err := d.Reconcile(context.Background(), 10)
	assert.Error(t, err)
}

func TestReconcile_RequiresPrimary(t *testing.T) {
	d := New(nil, &storetest.MockStore{}, testPrimaryConfig())
	_, err := d.Reconcile(context.Background(), 10)
	assert.ErrorIs(t, err, errPrimaryUnconfigured)
}
