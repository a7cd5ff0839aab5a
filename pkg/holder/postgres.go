package holder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS holders (
	id TEXT PRIMARY KEY,
	revision BIGINT NOT NULL,
	document JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore is a durable SQL-based implementation of Store.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the holders table if it does not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Holder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT revision, document FROM holders WHERE id = $1`, id)

	var revision int64
	var doc []byte
	if err := row.Scan(&revision, &doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrHolderNotFound, id)
		}
		return nil, fmt.Errorf("failed to get holder %s: %w", id, err)
	}
	h, err := decode(doc)
	if err != nil {
		return nil, err
	}
	h.Revision = revision
	return h, nil
}

func (s *PostgresStore) Save(ctx context.Context, h *Holder) error {
	next, doc, err := nextRevision(h)
	if err != nil {
		return err
	}

	var res sql.Result
	if h.Revision == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO holders (id, revision, document, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING
		`, h.ID, next.Revision, doc, next.UpdatedAt)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE holders SET revision = $1, document = $2, updated_at = $3
			WHERE id = $4 AND revision = $5
		`, next.Revision, doc, next.UpdatedAt, h.ID, h.Revision)
	}
	if err != nil {
		return fmt.Errorf("failed to save holder %s: %w", h.ID, err)
	}
	return applySave(h, next, res)
}

func (s *PostgresStore) ListIDs(ctx context.Context) ([]string, error) {
	return queryIDs(ctx, s.db, `SELECT id FROM holders ORDER BY id`)
}

// nextRevision returns the holder as it will be stored and its encoding.
func nextRevision(h *Holder) (Holder, []byte, error) {
	next := *h
	next.Revision = h.Revision + 1
	next.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(&next)
	if err != nil {
		return Holder{}, nil, fmt.Errorf("failed to encode holder %s: %w", h.ID, err)
	}
	return next, doc, nil
}

// applySave checks the write landed and advances the caller's copy.
func applySave(h *Holder, next Holder, res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s at revision %d", ErrConflict, h.ID, h.Revision)
	}
	h.Revision = next.Revision
	h.UpdatedAt = next.UpdatedAt
	return nil
}

func queryIDs(ctx context.Context, db *sql.DB, query string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	//nolint:prealloc // result count unknown from SQL query
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
