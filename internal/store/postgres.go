package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/oficio-cli/internal/db"
	"github.com/sells-group/oficio-cli/internal/model"
	"github.com/sells-group/oficio-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool             db.Pool
	closeFn          func()
	enforceOwnership bool
	nowFunc          func() time.Time
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, opts Options) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	if opts.MaxConns > 0 {
		pgxCfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		pgxCfg.MinConns = opts.MinConns
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{
		pool:             pool,
		closeFn:          pool.Close,
		enforceOwnership: opts.EnforceOwnership,
		nowFunc:          time.Now,
	}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS oficios (
	id                        TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	org_id                    TEXT NOT NULL,
	owner_user_id             TEXT NOT NULL DEFAULT '',
	message_id                TEXT NOT NULL DEFAULT '',
	subject                   TEXT NOT NULL DEFAULT '',
	sender                    TEXT NOT NULL DEFAULT '',
	source_text               TEXT NOT NULL DEFAULT '',
	numero                    TEXT NOT NULL DEFAULT '',
	processo                  TEXT NOT NULL DEFAULT '',
	autoridade                TEXT NOT NULL DEFAULT '',
	prazo                     TEXT NOT NULL DEFAULT '',
	descricao                 TEXT NOT NULL DEFAULT '',
	confidence                INTEGER NOT NULL DEFAULT 0 CHECK (confidence BETWEEN 0 AND 100),
	needs_review              BOOLEAN NOT NULL DEFAULT true,
	field_confidence          JSONB NOT NULL DEFAULT '{}',
	validation_reasons        JSONB NOT NULL DEFAULT '[]',
	status                    TEXT NOT NULL,
	dados_de_apoio_compliance TEXT NOT NULL DEFAULT '',
	notas_internas            TEXT NOT NULL DEFAULT '',
	referencias_legais        JSONB NOT NULL DEFAULT '[]',
	assigned_user_id          TEXT NOT NULL DEFAULT '',
	motivo                    TEXT NOT NULL DEFAULT '',
	sync_pending              BOOLEAN NOT NULL DEFAULT false,
	created_at                TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_oficios_org_status ON oficios(org_id, status);
CREATE INDEX IF NOT EXISTS idx_oficios_sync_pending ON oficios(sync_pending) WHERE sync_pending;
CREATE INDEX IF NOT EXISTS idx_oficios_message_id ON oficios(message_id);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key        TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS decision_outbox (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	oficio_id       TEXT NOT NULL,
	org_id          TEXT NOT NULL,
	idempotency_key TEXT NOT NULL DEFAULT '',
	payload         JSONB NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	synced_at       TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON decision_outbox(created_at) WHERE synced_at IS NULL;

CREATE TABLE IF NOT EXISTS users (
	id     TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	name   TEXT NOT NULL,
	email  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_users_org ON users(org_id);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	org_id     TEXT NOT NULL DEFAULT '',
	message_id TEXT NOT NULL,
	subject    TEXT NOT NULL DEFAULT '',
	stage      TEXT NOT NULL,
	error      TEXT NOT NULL,
	error_type TEXT NOT NULL DEFAULT 'transient',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
`

func (s *PostgresStore) now() time.Time {
	if s.nowFunc == nil {
		return time.Now().UTC()
	}
	return s.nowFunc().UTC()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) ImportOficio(ctx context.Context, o *model.Oficio) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	now := s.now()
	o.CreatedAt, o.UpdatedAt = now, now

	args, err := oficioArgs(o)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO oficios (`+oficioColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		 $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		args...,
	)
	return eris.Wrapf(err, "postgres: insert oficio for message %s", o.MessageID)
}

func (s *PostgresStore) GetOficio(ctx context.Context, orgID, id string) (*model.Oficio, error) {
	o, err := scanOficio(s.pool.QueryRow(ctx,
		`SELECT `+oficioColumns+` FROM oficios WHERE id = $1 AND org_id = $2`,
		id, orgID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: oficio %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get oficio %s", id)
	}
	return o, nil
}

func (s *PostgresStore) ListOficios(ctx context.Context, filter OficioFilter) ([]model.Oficio, error) {
	query, args := oficioListQuery(filter, dollar)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list oficios")
	}
	defer rows.Close()

	var out []model.Oficio
	for rows.Next() {
		o, err := scanOficio(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan oficio")
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list oficios iterate")
}

func (s *PostgresStore) ApplyTransition(ctx context.Context, t model.Transition) error {
	query, args, err := transitionUpdate(t, s.enforceOwnership, dollar, s.now())
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: apply transition %s", t.OficioID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: oficio %s in org %s", t.OficioID, t.OrgID)
	}
	return nil
}

// ApplyFallback writes the transition and queues the decision for
// reconciliation in one transaction.
func (s *PostgresStore) ApplyFallback(ctx context.Context, t model.Transition, entry OutboxEntry) error {
	query, args, err := transitionUpdate(t, s.enforceOwnership, dollar, s.now())
	if err != nil {
		return err
	}
	payload, err := json.Marshal(entry.Request)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal outbox payload")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: fallback: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: fallback: transition %s", t.OficioID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: oficio %s in org %s", t.OficioID, t.OrgID)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO decision_outbox (id, oficio_id, org_id, idempotency_key, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, t.OficioID, t.OrgID, entry.IdempotencyKey, string(payload), s.now(),
	); err != nil {
		return eris.Wrap(err, "postgres: fallback: insert outbox")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: fallback: commit tx")
}

func (s *PostgresStore) SaveDraft(ctx context.Context, d model.Draft) error {
	query, args, err := draftUpdate(d, s.enforceOwnership, dollar, s.now())
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: save draft %s", d.OficioID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: oficio %s in org %s", d.OficioID, d.OrgID)
	}
	return nil
}

func (s *PostgresStore) Stats(ctx context.Context, orgID string) (*Stats, error) {
	st := &Stats{ByStatus: make(map[model.Status]int)}

	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM oficios WHERE ($1 = '' OR org_id = $1) GROUP BY status`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats by status")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		st.ByStatus[model.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: stats iterate")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM oficios WHERE sync_pending AND ($1 = '' OR org_id = $1)),
			(SELECT COUNT(*) FROM decision_outbox WHERE synced_at IS NULL AND ($1 = '' OR org_id = $1)),
			(SELECT COUNT(*) FROM dead_letter_queue WHERE ($1 = '' OR org_id = $1))`,
		orgID,
	).Scan(&st.SyncPending, &st.OutboxPending, &st.DLQDepth)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats counters")
	}
	return st, nil
}

func (s *PostgresStore) ClaimKey(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key, created_at) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		key, s.now(),
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: claim idempotency key")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseKey(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key)
	return eris.Wrap(err, "postgres: release idempotency key")
}

func (s *PostgresStore) ListPendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, oficio_id, org_id, idempotency_key, payload, attempts, last_error, created_at
		 FROM decision_outbox WHERE synced_at IS NULL ORDER BY created_at LIMIT $1`,
		dlqLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list outbox")
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.OficioID, &e.OrgID, &e.IdempotencyKey, &payload, &e.Attempts, &e.LastError, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan outbox")
		}
		if err := json.Unmarshal(payload, &e.Request); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal outbox %s", e.ID)
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list outbox iterate")
}

func (s *PostgresStore) MarkOutboxSynced(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: mark outbox synced: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := s.now()
	tag, err := tx.Exec(ctx,
		`UPDATE decision_outbox SET synced_at = $1 WHERE id = $2 AND synced_at IS NULL`,
		now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark outbox synced %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: outbox %s", id)
	}

	// Clear the flag once nothing for the oficio is left to replay.
	if _, err := tx.Exec(ctx,
		`UPDATE oficios SET sync_pending = FALSE, updated_at = $1
		 WHERE id = (SELECT oficio_id FROM decision_outbox WHERE id = $2)
		   AND NOT EXISTS (SELECT 1 FROM decision_outbox o WHERE o.oficio_id = oficios.id AND o.synced_at IS NULL)`,
		now, id,
	); err != nil {
		return eris.Wrapf(err, "postgres: clear sync pending for outbox %s", id)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: mark outbox synced: commit tx")
}

func (s *PostgresStore) MarkOutboxFailed(ctx context.Context, id string, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE decision_outbox SET attempts = attempts + 1, last_error = $1 WHERE id = $2`,
		reason, id,
	)
	return eris.Wrapf(err, "postgres: mark outbox failed %s", id)
}

func (s *PostgresStore) ListUsers(ctx context.Context, orgID string) ([]model.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, org_id, name, email FROM users WHERE org_id = $1 ORDER BY name`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list users")
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.OrgID, &u.Name, &u.Email); err != nil {
			return nil, eris.Wrap(err, "postgres: scan user")
		}
		out = append(out, u)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list users iterate")
}

func (s *PostgresStore) GetUser(ctx context.Context, orgID, id string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, org_id, name, email FROM users WHERE id = $1 AND org_id = $2`,
		id, orgID,
	).Scan(&u.ID, &u.OrgID, &u.Name, &u.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: user %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get user %s", id)
	}
	return &u, nil
}

// UpsertUsers bulk-loads the user directory through COPY and ON CONFLICT.
func (s *PostgresStore) UpsertUsers(ctx context.Context, users []model.User) (int64, error) {
	n, err := db.UpsertUsers(ctx, s.pool, users)
	return n, eris.Wrap(err, "postgres: upsert users")
}

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue (id, org_id, message_id, subject, stage, error, error_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.OrgID, e.MessageID, e.Subject, e.Stage, e.Error, e.ErrorType, e.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: enqueue dlq for message %s", e.MessageID)
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, org_id, message_id, subject, stage, error, error_type, created_at
		 FROM dead_letter_queue
		 WHERE ($1 = '' OR org_id = $1) AND ($2 = '' OR error_type = $2)
		 ORDER BY created_at DESC LIMIT $3`,
		filter.OrgID, filter.ErrorType, dlqLimit(filter.Limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.OrgID, &e.MessageID, &e.Subject, &e.Stage, &e.Error, &e.ErrorType, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}
