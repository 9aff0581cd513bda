// Package store is the secondary datastore: the system of record for case
// listings and the fallback target for decisions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/oficio-cli/internal/model"
	"github.com/sells-group/oficio-cli/internal/resilience"
)

// ErrNotFound is returned when a scoped lookup or write matches no row.
var ErrNotFound = eris.New("store: not found")

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Options configures either backend.
type Options struct {
	MaxConns int32
	MinConns int32
	// EnforceOwnership adds owner_user_id to the scope of every write that
	// carries an acting user.
	EnforceOwnership bool
}

// OficioFilter specifies criteria for listing oficios.
type OficioFilter struct {
	OrgID          string       `json:"org_id,omitempty"`
	Status         model.Status `json:"status,omitempty"`
	AssignedUserID string       `json:"assigned_user_id,omitempty"`
	SyncPending    *bool        `json:"sync_pending,omitempty"`
	Limit          int          `json:"limit,omitempty"`
	Offset         int          `json:"offset,omitempty"`
}

// OutboxEntry is a decision applied to the secondary datastore on the
// fallback path that still has to reach the primary service.
type OutboxEntry struct {
	ID             string                `json:"id"`
	OficioID       string                `json:"oficio_id"`
	OrgID          string                `json:"org_id"`
	IdempotencyKey string                `json:"idempotency_key"`
	Request        model.DecisionRequest `json:"request"`
	Attempts       int                   `json:"attempts"`
	LastError      string                `json:"last_error,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}

// Stats is a point-in-time summary of the datastore.
type Stats struct {
	ByStatus      map[model.Status]int `json:"by_status"`
	SyncPending   int                  `json:"sync_pending"`
	OutboxPending int                  `json:"outbox_pending"`
	DLQDepth      int                  `json:"dlq_depth"`
}

// Store defines the persistence interface for the intake-to-decision pipeline.
type Store interface {
	// Oficios
	ImportOficio(ctx context.Context, o *model.Oficio) error
	GetOficio(ctx context.Context, orgID, id string) (*model.Oficio, error)
	ListOficios(ctx context.Context, filter OficioFilter) ([]model.Oficio, error)
	ApplyTransition(ctx context.Context, t model.Transition) error
	ApplyFallback(ctx context.Context, t model.Transition, entry OutboxEntry) error
	SaveDraft(ctx context.Context, d model.Draft) error
	Stats(ctx context.Context, orgID string) (*Stats, error)

	// Idempotency
	ClaimKey(ctx context.Context, key string) (bool, error)
	ReleaseKey(ctx context.Context, key string) error

	// Outbox
	ListPendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkOutboxSynced(ctx context.Context, id string) error
	MarkOutboxFailed(ctx context.Context, id string, reason string) error

	// Users
	ListUsers(ctx context.Context, orgID string) ([]model.User, error)
	GetUser(ctx context.Context, orgID, id string) (*model.User, error)
	UpsertUsers(ctx context.Context, users []model.User) (int64, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const oficioColumns = `id, org_id, owner_user_id, message_id, subject, sender, source_text,
	numero, processo, autoridade, prazo, descricao, confidence, needs_review,
	field_confidence, validation_reasons, status, dados_de_apoio_compliance,
	notas_internas, referencias_legais, assigned_user_id, motivo, sync_pending,
	created_at, updated_at`

// oficioArgs returns the insert arguments in oficioColumns order.
func oficioArgs(o *model.Oficio) ([]any, error) {
	fc, err := json.Marshal(nonNilConfidence(o.FieldConfidence))
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal field confidence")
	}
	reasons, err := json.Marshal(nonNilStrings(o.ValidationReasons))
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal validation reasons")
	}
	refs, err := json.Marshal(nonNilStrings(o.ReferenciasLegais))
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal referencias")
	}
	c := o.Candidate
	return []any{
		o.ID, o.OrgID, o.OwnerUserID, o.MessageID, o.Subject, o.Sender, o.SourceText,
		c.Numero, c.Processo, c.Autoridade, c.Prazo, c.Descricao, c.Confidence, c.NeedsReview,
		string(fc), string(reasons), string(o.Status), o.DadosDeApoio,
		o.NotasInternas, string(refs), o.AssignedUserID, o.Motivo, o.SyncPending,
		o.CreatedAt, o.UpdatedAt,
	}, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanOficio(row scannable) (*model.Oficio, error) {
	var o model.Oficio
	var fc, reasons, refs []byte
	c := &o.Candidate
	err := row.Scan(
		&o.ID, &o.OrgID, &o.OwnerUserID, &o.MessageID, &o.Subject, &o.Sender, &o.SourceText,
		&c.Numero, &c.Processo, &c.Autoridade, &c.Prazo, &c.Descricao, &c.Confidence, &c.NeedsReview,
		&fc, &reasons, &o.Status, &o.DadosDeApoio,
		&o.NotasInternas, &refs, &o.AssignedUserID, &o.Motivo, &o.SyncPending,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalIfSet(fc, &o.FieldConfidence); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal field confidence")
	}
	if err := unmarshalIfSet(reasons, &o.ValidationReasons); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal validation reasons")
	}
	if err := unmarshalIfSet(refs, &o.ReferenciasLegais); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal referencias")
	}
	return &o, nil
}

func unmarshalIfSet(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilConfidence(fc model.FieldConfidence) model.FieldConfidence {
	if fc == nil {
		return model.FieldConfidence{}
	}
	return fc
}

// placeholder renders the n-th (1-based) bind parameter for a backend.
type placeholder func(n int) string

func dollar(n int) string { return fmt.Sprintf("$%d", n) }
func question(int) string { return "?" }

// transitionUpdate builds the scoped UPDATE for a transition. The scope is
// always (id, org_id), plus owner_user_id when ownership is enforced.
func transitionUpdate(t model.Transition, enforceOwnership bool, ph placeholder, now time.Time) (string, []any, error) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = "+ph(len(args)))
	}

	if t.Status != nil {
		add("status", string(*t.Status))
	}
	if t.DadosDeApoio != nil {
		add("dados_de_apoio_compliance", *t.DadosDeApoio)
	}
	if t.NotasInternas != nil {
		add("notas_internas", *t.NotasInternas)
	}
	if t.SetReferencias {
		refs, err := json.Marshal(nonNilStrings(t.ReferenciasLegais))
		if err != nil {
			return "", nil, eris.Wrap(err, "store: marshal referencias")
		}
		add("referencias_legais", string(refs))
	}
	if t.AssignedUserID != nil {
		add("assigned_user_id", *t.AssignedUserID)
	}
	if t.Motivo != nil {
		add("motivo", *t.Motivo)
	}
	if t.SyncPending != nil {
		add("sync_pending", *t.SyncPending)
	}
	if len(sets) == 0 {
		return "", nil, eris.New("store: empty transition")
	}
	add("updated_at", now)

	query := "UPDATE oficios SET " + strings.Join(sets, ", ")
	args = append(args, t.OficioID)
	query += " WHERE id = " + ph(len(args))
	args = append(args, t.OrgID)
	query += " AND org_id = " + ph(len(args))
	if enforceOwnership && t.UserID != "" {
		args = append(args, t.UserID)
		query += " AND owner_user_id = " + ph(len(args))
	}
	return query, args, nil
}

// draftUpdate builds the scoped UPDATE that persists a review draft.
func draftUpdate(d model.Draft, enforceOwnership bool, ph placeholder, now time.Time) (string, []any, error) {
	refs, err := json.Marshal(nonNilStrings(d.ReferenciasLegais))
	if err != nil {
		return "", nil, eris.Wrap(err, "store: marshal referencias")
	}
	c := d.Candidate
	args := []any{
		c.Numero, c.Processo, c.Autoridade, c.Prazo, c.Descricao,
		d.DadosDeApoio, d.NotasInternas, string(refs), d.AssignedUserID, now,
		d.OficioID, d.OrgID,
	}
	cols := []string{
		"numero", "processo", "autoridade", "prazo", "descricao",
		"dados_de_apoio_compliance", "notas_internas", "referencias_legais", "assigned_user_id", "updated_at",
	}
	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = col + " = " + ph(i+1)
	}
	query := "UPDATE oficios SET " + strings.Join(sets, ", ") +
		" WHERE id = " + ph(len(cols)+1) + " AND org_id = " + ph(len(cols)+2)
	if enforceOwnership && d.UserID != "" {
		args = append(args, d.UserID)
		query += " AND owner_user_id = " + ph(len(args))
	}
	return query, args, nil
}

// oficioListQuery builds the listing query for a filter.
func oficioListQuery(filter OficioFilter, ph placeholder) (string, []any) {
	query := "SELECT " + oficioColumns + " FROM oficios WHERE 1=1"
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		query += " AND " + cond + " " + ph(len(args))
	}
	if filter.OrgID != "" {
		add("org_id =", filter.OrgID)
	}
	if filter.Status != "" {
		add("status =", string(filter.Status))
	}
	if filter.AssignedUserID != "" {
		add("assigned_user_id =", filter.AssignedUserID)
	}
	if filter.SyncPending != nil {
		add("sync_pending =", *filter.SyncPending)
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += " LIMIT " + ph(len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += " OFFSET " + ph(len(args))
	}
	return query, args
}

func dlqLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
