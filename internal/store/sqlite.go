package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/oficio-cli/internal/model"
	"github.com/sells-group/oficio-cli/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db               *sql.DB
	enforceOwnership bool
	nowFunc          func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string, opts Options) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer at a time; pragmas then hold for every statement.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, enforceOwnership: opts.EnforceOwnership, nowFunc: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS oficios (
	id                        TEXT PRIMARY KEY,
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
	needs_review              BOOLEAN NOT NULL DEFAULT 1,
	field_confidence          TEXT NOT NULL DEFAULT '{}',
	validation_reasons        TEXT NOT NULL DEFAULT '[]',
	status                    TEXT NOT NULL,
	dados_de_apoio_compliance TEXT NOT NULL DEFAULT '',
	notas_internas            TEXT NOT NULL DEFAULT '',
	referencias_legais        TEXT NOT NULL DEFAULT '[]',
	assigned_user_id          TEXT NOT NULL DEFAULT '',
	motivo                    TEXT NOT NULL DEFAULT '',
	sync_pending              BOOLEAN NOT NULL DEFAULT 0,
	created_at                DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at                DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_oficios_org_status ON oficios(org_id, status);
CREATE INDEX IF NOT EXISTS idx_oficios_message_id ON oficios(message_id);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key        TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS decision_outbox (
	id              TEXT PRIMARY KEY,
	oficio_id       TEXT NOT NULL,
	org_id          TEXT NOT NULL,
	idempotency_key TEXT NOT NULL DEFAULT '',
	payload         TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	synced_at       DATETIME,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_outbox_synced ON decision_outbox(synced_at);

CREATE TABLE IF NOT EXISTS users (
	id     TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	name   TEXT NOT NULL,
	email  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_users_org ON users(org_id);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id         TEXT PRIMARY KEY,
	org_id     TEXT NOT NULL DEFAULT '',
	message_id TEXT NOT NULL,
	subject    TEXT NOT NULL DEFAULT '',
	stage      TEXT NOT NULL,
	error      TEXT NOT NULL,
	error_type TEXT NOT NULL DEFAULT 'transient',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
`

func (s *SQLiteStore) now() time.Time {
	return s.nowFunc().UTC()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ImportOficio(ctx context.Context, o *model.Oficio) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	now := s.now()
	o.CreatedAt, o.UpdatedAt = now, now

	args, err := oficioArgs(o)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO oficios (`+oficioColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		 ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	return eris.Wrapf(err, "sqlite: insert oficio for message %s", o.MessageID)
}

func (s *SQLiteStore) GetOficio(ctx context.Context, orgID, id string) (*model.Oficio, error) {
	o, err := scanOficio(s.db.QueryRowContext(ctx,
		`SELECT `+oficioColumns+` FROM oficios WHERE id = ? AND org_id = ?`,
		id, orgID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: oficio %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get oficio %s", id)
	}
	return o, nil
}

func (s *SQLiteStore) ListOficios(ctx context.Context, filter OficioFilter) ([]model.Oficio, error) {
	query, args := oficioListQuery(filter, question)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list oficios")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Oficio
	for rows.Next() {
		o, err := scanOficio(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan oficio")
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list oficios iterate")
}

func (s *SQLiteStore) ApplyTransition(ctx context.Context, t model.Transition) error {
	query, args, err := transitionUpdate(t, s.enforceOwnership, question, s.now())
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: apply transition %s", t.OficioID)
	}
	return checkRowsAffected(res, "oficio", t.OficioID)
}

// ApplyFallback writes the transition and queues the decision for
// reconciliation in one transaction.
func (s *SQLiteStore) ApplyFallback(ctx context.Context, t model.Transition, entry OutboxEntry) error {
	query, args, err := transitionUpdate(t, s.enforceOwnership, question, s.now())
	if err != nil {
		return err
	}
	payload, err := json.Marshal(entry.Request)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal outbox payload")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: fallback: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fallback: transition %s", t.OficioID)
	}
	if err := checkRowsAffected(res, "oficio", t.OficioID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO decision_outbox (id, oficio_id, org_id, idempotency_key, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, t.OficioID, t.OrgID, entry.IdempotencyKey, string(payload), s.now(),
	); err != nil {
		return eris.Wrap(err, "sqlite: fallback: insert outbox")
	}

	return eris.Wrap(tx.Commit(), "sqlite: fallback: commit tx")
}

func (s *SQLiteStore) SaveDraft(ctx context.Context, d model.Draft) error {
	query, args, err := draftUpdate(d, s.enforceOwnership, question, s.now())
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save draft %s", d.OficioID)
	}
	return checkRowsAffected(res, "oficio", d.OficioID)
}

func (s *SQLiteStore) Stats(ctx context.Context, orgID string) (*Stats, error) {
	st := &Stats{ByStatus: make(map[model.Status]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM oficios WHERE (? = '' OR org_id = ?) GROUP BY status`,
		orgID, orgID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats by status")
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		st.ByStatus[model.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: stats iterate")
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM oficios WHERE sync_pending = 1 AND (? = '' OR org_id = ?)),
			(SELECT COUNT(*) FROM decision_outbox WHERE synced_at IS NULL AND (? = '' OR org_id = ?)),
			(SELECT COUNT(*) FROM dead_letter_queue WHERE (? = '' OR org_id = ?))`,
		orgID, orgID, orgID, orgID, orgID, orgID,
	).Scan(&st.SyncPending, &st.OutboxPending, &st.DLQDepth)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats counters")
	}
	return st, nil
}

func (s *SQLiteStore) ClaimKey(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO idempotency_keys (key, created_at) VALUES (?, ?)`,
		key, s.now(),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: claim idempotency key")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) ReleaseKey(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = ?`, key)
	return eris.Wrap(err, "sqlite: release idempotency key")
}

func (s *SQLiteStore) ListPendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, oficio_id, org_id, idempotency_key, payload, attempts, last_error, created_at
		 FROM decision_outbox WHERE synced_at IS NULL ORDER BY created_at LIMIT ?`,
		dlqLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list outbox")
	}
	defer rows.Close() //nolint:errcheck

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var payload string
		if err := rows.Scan(&e.ID, &e.OficioID, &e.OrgID, &e.IdempotencyKey, &payload, &e.Attempts, &e.LastError, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan outbox")
		}
		if err := json.Unmarshal([]byte(payload), &e.Request); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal outbox %s", e.ID)
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list outbox iterate")
}

func (s *SQLiteStore) MarkOutboxSynced(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: mark outbox synced: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.now()
	res, err := tx.ExecContext(ctx,
		`UPDATE decision_outbox SET synced_at = ? WHERE id = ? AND synced_at IS NULL`,
		now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark outbox synced %s", id)
	}
	if err := checkRowsAffected(res, "outbox entry", id); err != nil {
		return err
	}

	// Clear the flag once nothing for the oficio is left to replay.
	if _, err := tx.ExecContext(ctx,
		`UPDATE oficios SET sync_pending = 0, updated_at = ?
		 WHERE id = (SELECT oficio_id FROM decision_outbox WHERE id = ?)
		   AND NOT EXISTS (SELECT 1 FROM decision_outbox o WHERE o.oficio_id = oficios.id AND o.synced_at IS NULL)`,
		now, id,
	); err != nil {
		return eris.Wrapf(err, "sqlite: clear sync pending for outbox %s", id)
	}

	return eris.Wrap(tx.Commit(), "sqlite: mark outbox synced: commit tx")
}

func (s *SQLiteStore) MarkOutboxFailed(ctx context.Context, id string, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE decision_outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		reason, id,
	)
	return eris.Wrapf(err, "sqlite: mark outbox failed %s", id)
}

func (s *SQLiteStore) ListUsers(ctx context.Context, orgID string) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, name, email FROM users WHERE org_id = ? ORDER BY name`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list users")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.OrgID, &u.Name, &u.Email); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan user")
		}
		out = append(out, u)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list users iterate")
}

func (s *SQLiteStore) GetUser(ctx context.Context, orgID, id string) (*model.User, error) {
	var u model.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, email FROM users WHERE id = ? AND org_id = ?`,
		id, orgID,
	).Scan(&u.ID, &u.OrgID, &u.Name, &u.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: user %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get user %s", id)
	}
	return &u, nil
}

func (s *SQLiteStore) UpsertUsers(ctx context.Context, users []model.User) (int64, error) {
	if len(users) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert users: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var total int64
	for _, u := range users {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, org_id, name, email) VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET org_id = excluded.org_id, name = excluded.name, email = excluded.email`,
			u.ID, u.OrgID, u.Name, u.Email,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert user %s", u.ID)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, eris.Wrap(tx.Commit(), "sqlite: upsert users: commit tx")
}

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue (id, org_id, message_id, subject, stage, error, error_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrgID, e.MessageID, e.Subject, e.Stage, e.Error, e.ErrorType, e.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: enqueue dlq for message %s", e.MessageID)
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, message_id, subject, stage, error, error_type, created_at
		 FROM dead_letter_queue
		 WHERE (? = '' OR org_id = ?) AND (? = '' OR error_type = ?)
		 ORDER BY created_at DESC LIMIT ?`,
		filter.OrgID, filter.OrgID, filter.ErrorType, filter.ErrorType, dlqLimit(filter.Limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close() //nolint:errcheck

	var out []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.OrgID, &e.MessageID, &e.Subject, &e.Stage, &e.Error, &e.ErrorType, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", entity, id)
	}
	return nil
}
