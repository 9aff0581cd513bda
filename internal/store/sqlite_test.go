package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/oficio-cli/internal/model"
	"github.com/sells-group/oficio-cli/internal/resilience"
)

func newTestSQLiteStore(t *testing.T, opts Options) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath, opts)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func sampleOficio(orgID, owner string) *model.Oficio {
	return &model.Oficio{
		OrgID:       orgID,
		OwnerUserID: owner,
		MessageID:   "msg-1",
		Subject:     "Ofício nº 12345",
		Sender:      "Tribunal <protocolo@tjsp.jus.br>",
		Candidate: model.CandidateRecord{
			Numero:      "12345",
			Processo:    "1234567-89.2024.1.00.0000",
			Prazo:       "2024-10-19T23:59:59-03:00",
			Confidence:  60,
			NeedsReview: true,
		},
		FieldConfidence:   model.FieldConfidence{"numero": 0.9},
		ValidationReasons: []string{"autoridade ausente"},
		Status:            model.StatusPendingReview,
	}
}

func TestSQLite_ImportAndGet(t *testing.T) {
	st := newTestSQLiteStore(t, Options{})
	ctx := context.Background()

	o := sampleOficio("org-1", "u-1")
	require.NoError(t, st.ImportOficio(ctx, o))
	require.NotEmpty(t, o.ID)

	got, err := st.GetOficio(ctx, "org-1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, "12345", got.Candidate.Numero)
	assert.Equal(t, 60, got.Candidate.Confidence)
	assert.True(t, got.Candidate.NeedsReview)
	assert.Equal(t, model.StatusPendingReview, got.Status)
	assert.InDelta(t, 0.9, got.FieldConfidence["numero"], 0.0001)
	assert.Equal(t, []string{"autoridade ausente"}, got.ValidationReasons)
	assert.Empty(t, got.ReferenciasLegais)

	_, err = st.GetOficio(ctx, "org-2", o.ID)
	assert.True(t, IsNotFound(err), "other org must not see the row")
}

func TestSQLite_ApplyTransition(t *testing.T) {
	st := newTestSQLiteStore(t, Options{})
	ctx := context.Background()
	o := sampleOficio("org-1", "u-1")
	require.NoError(t, st.ImportOficio(ctx, o))

	status := model.StatusApproved
	notas := "interno"
	require.NoError(t, st.ApplyTransition(ctx, model.Transition{
		OficioID:          o.ID,
		OrgID:             "org-1",
		Status:            &status,
		NotasInternas:     &notas,
		ReferenciasLegais: []string{"Lei 9.613/98"},
		SetReferencias:    true,
	}))

	got, err := st.GetOficio(ctx, "org-1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, got.Status)
	assert.Equal(t, "interno", got.NotasInternas)
	assert.Equal(t, []string{"Lei 9.613/98"}, got.ReferenciasLegais)

	err = st.ApplyTransition(ctx, model.Transition{OficioID: o.ID, OrgID: "org-x", Status: &status})
	assert.True(t, IsNotFound(err))

	err = st.ApplyTransition(ctx, model.Transition{OficioID: o.ID, OrgID: "org-1"})
	assert.ErrorContains(t, err, "empty transition")
}

func TestSQLite_OwnershipEnforced(t *testing.T) {
	st := newTestSQLiteStore(t, Options{EnforceOwnership: true})
	ctx := context.Background()
	o := sampleOficio("org-1", "owner")
	require.NoError(t, st.ImportOficio(ctx, o))

	status := model.StatusRejected
	err := st.ApplyTransition(ctx, model.Transition{OficioID: o.ID, OrgID: "org-1", UserID: "intruder", Status: &status})
	assert.True(t, IsNotFound(err))

	require.NoError(t, st.ApplyTransition(ctx, model.Transition{OficioID: o.ID, OrgID: "org-1", UserID: "owner", Status: &status}))
}

func TestSQLite_FallbackAndOutbox(t *testing.T) {
	st := newTestSQLiteStore(t, Options{})
	ctx := context.Background()
	o := sampleOficio("org-1", "")
	require.NoError(t, st.ImportOficio(ctx, o))

	status := model.StatusApproved
	pending := true
	req := model.DecisionRequest{OrgID: "org-1", OficioID: o.ID, Action: "approve_compliance"}
	require.NoError(t, st.ApplyFallback(ctx,
		model.Transition{OficioID: o.ID, OrgID: "org-1", Status: &status, SyncPending: &pending},
		OutboxEntry{IdempotencyKey: "decision:abc", Request: req},
	))

	got, err := st.GetOficio(ctx, "org-1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, got.Status)
	assert.True(t, got.SyncPending)

	entries, err := st.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "approve_compliance", entries[0].Request.Action)
	assert.Equal(t, "decision:abc", entries[0].IdempotencyKey)

	require.NoError(t, st.MarkOutboxFailed(ctx, entries[0].ID, "503"))
	entries, err = st.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, "503", entries[0].LastError)

	require.NoError(t, st.MarkOutboxSynced(ctx, entries[0].ID))
	entries, err = st.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	got, err = st.GetOficio(ctx, "org-1", o.ID)
	require.NoError(t, err)
	assert.False(t, got.SyncPending)
	assert.True(t, IsNotFound(st.MarkOutboxSynced(ctx, "missing")))
}

func TestSQLite_FallbackRollsBackOnMissingOficio(t *testing.T) {
	st := newTestSQLiteStore(t, Options{})
	ctx := context.Background()

	status := model.StatusApproved
	err := st.ApplyFallback(ctx,
		model.Transition{OficioID: "missing", OrgID: "org-1", Status: &status},
		OutboxEntry{Request: model.DecisionRequest{Action: "approve_compliance"}},
	)
	assert.True(t, IsNotFound(err))

	entries, err := st.ListPendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLite_SaveDraft(t *testing.T) {
	st := newTestSQLiteStore(t, Options{})
	ctx := context.Background()
	o := sampleOficio("org-1", "")
	require.NoError(t, st.ImportOficio(ctx, o))

	cand := o.Candidate
	cand.Autoridade = "Tribunal de Justiça de São Paulo"
	require.NoError(t, st.SaveDraft(ctx, model.Draft{
		OficioID:          o.ID,
		OrgID:             "org-1",
		Candidate:         cand,
		DadosDeApoio:      "contexto",
		ReferenciasLegais: []string{"CPC art. 380"},
		AssignedUserID:    "u-9",
	}))

	got, err := st.GetOficio(ctx, "org-1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, "Tribunal de Justiça de São Paulo", got.Candidate.Autoridade)
	assert.Equal(t, "contexto", got.DadosDeApoio)
	assert.Equal(t, "u-9", got.AssignedUserID)
	assert.Equal(t, model.StatusPendingReview, got.Status, "drafts never change status")
}

func TestSQLite_IdempotencyKeys(t *testing.T) {
	st := newTestSQLiteStore(t, Options{})
	ctx := context.Background()

	ok, err := st.ClaimKey(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.ClaimKey(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.ReleaseKey(ctx, "k1"))
	ok, err = st.ClaimKey(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLite_ListOficiosAndStats(t *testing.T) {
	st := newTestSQLiteStore(t, Options{})
	ctx := context.Background()

	a := sampleOficio("org-1", "")
	b := sampleOficio("org-1", "")
	b.Status = model.StatusImported
	c := sampleOficio("org-2", "")
	for _, o := range []*model.Oficio{a, b, c} {
		require.NoError(t, st.ImportOficio(ctx, o))
	}

	list, err := st.ListOficios(ctx, OficioFilter{OrgID: "org-1"})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = st.ListOficios(ctx, OficioFilter{OrgID: "org-1", Status: model.StatusImported})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)

	list, err = st.ListOficios(ctx, OficioFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, st.EnqueueDLQ(ctx, resilience.DLQEntry{OrgID: "org-1", MessageID: "m-9", Stage: "import", Error: "boom", ErrorType: "permanent"}))

	stats, err := st.Stats(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByStatus[model.StatusPendingReview])
	assert.Equal(t, 1, stats.ByStatus[model.StatusImported])
	assert.Equal(t, 1, stats.DLQDepth)
	assert.Equal(t, 0, stats.SyncPending)

	all, err := st.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, all.ByStatus[model.StatusPendingReview])
}

func TestSQLite_Users(t *testing.T) {
	st := newTestSQLiteStore(t, Options{})
	ctx := context.Background()

	n, err := st.UpsertUsers(ctx, []model.User{
		{ID: "u-1", OrgID: "org-1", Name: "Bruna", Email: "bruna@example.com"},
		{ID: "u-2", OrgID: "org-1", Name: "Ana", Email: "ana@example.com"},
		{ID: "u-3", OrgID: "org-2", Name: "Caio", Email: "caio@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	users, err := st.ListUsers(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "Ana", users[0].Name)

	_, err = st.UpsertUsers(ctx, []model.User{{ID: "u-2", OrgID: "org-1", Name: "Ana Paula", Email: "ana@example.com"}})
	require.NoError(t, err)
	u, err := st.GetUser(ctx, "org-1", "u-2")
	require.NoError(t, err)
	assert.Equal(t, "Ana Paula", u.Name)

	_, err = st.GetUser(ctx, "org-2", "u-2")
	assert.True(t, IsNotFound(err))
}

func TestSQLite_DLQ(t *testing.T) {
	st := newTestSQLiteStore(t, Options{})
	ctx := context.Background()

	require.NoError(t, st.EnqueueDLQ(ctx, resilience.DLQEntry{OrgID: "org-1", MessageID: "m-1", Stage: "enhance", Error: "timeout", ErrorType: "transient"}))
	require.NoError(t, st.EnqueueDLQ(ctx, resilience.DLQEntry{OrgID: "org-1", MessageID: "m-2", Stage: "import", Error: "constraint", ErrorType: "permanent"}))

	all, err := st.ListDLQ(ctx, resilience.DLQFilter{OrgID: "org-1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	transient, err := st.ListDLQ(ctx, resilience.DLQFilter{ErrorType: "transient"})
	require.NoError(t, err)
	require.Len(t, transient, 1)
	assert.Equal(t, "m-1", transient[0].MessageID)
	assert.NotEmpty(t, transient[0].ID)
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t, Options{})
	assert.NoError(t, st.Ping(context.Background()))
}
