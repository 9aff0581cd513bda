package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/oficio-cli/internal/model"
)

// userColumns is the COPY order for the users staging table.
var userColumns = []string{"id", "org_id", "name", "email"}

const (
	usersStaging = "_tmp_users"

	createUsersStagingSQL = `CREATE TEMP TABLE _tmp_users (LIKE users INCLUDING DEFAULTS) ON COMMIT DROP`

	mergeUsersSQL = `INSERT INTO users (id, org_id, name, email) ` +
		`SELECT id, org_id, name, email FROM _tmp_users ` +
		`ON CONFLICT (id) DO UPDATE SET org_id = EXCLUDED.org_id, name = EXCLUDED.name, email = EXCLUDED.email`
)

// UpsertUsers writes a user directory batch in one transaction: COPY into a
// staging table, then merge into users keyed by id. Rows without an id are
// dropped and a repeated id keeps its last occurrence, since one INSERT ...
// ON CONFLICT cannot touch the same row twice.
func UpsertUsers(ctx context.Context, pool Pool, users []model.User) (int64, error) {
	rows := userRows(users)
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert users: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, createUsersStagingSQL); err != nil {
		return 0, eris.Wrap(err, "db: upsert users: create staging table")
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{usersStaging}, userColumns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert users: copy %d rows", len(rows))
	}
	tag, err := tx.Exec(ctx, mergeUsersSQL)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert users: merge")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert users: commit tx")
	}
	return tag.RowsAffected(), nil
}

// userRows converts users to COPY rows in first-seen id order.
func userRows(users []model.User) [][]any {
	index := make(map[string]int, len(users))
	var rows [][]any
	for _, u := range users {
		id := strings.TrimSpace(u.ID)
		if id == "" {
			continue
		}
		row := []any{id, u.OrgID, u.Name, u.Email}
		if i, ok := index[id]; ok {
			rows[i] = row
			continue
		}
		index[id] = len(rows)
		rows = append(rows, row)
	}
	return rows
}
