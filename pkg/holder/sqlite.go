package holder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS holders (
        id TEXT PRIMARY KEY,
        revision INTEGER NOT NULL,
        document TEXT NOT NULL,
        updated_at DATETIME NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Holder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT revision, document FROM holders WHERE id = ?`, id)

	var revision int64
	var doc string
	if err := row.Scan(&revision, &doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrHolderNotFound, id)
		}
		return nil, fmt.Errorf("failed to get holder %s: %w", id, err)
	}
	h, err := decode([]byte(doc))
	if err != nil {
		return nil, err
	}
	h.Revision = revision
	return h, nil
}

func (s *SQLiteStore) Save(ctx context.Context, h *Holder) error {
	next, doc, err := nextRevision(h)
	if err != nil {
		return err
	}

	var res sql.Result
	if h.Revision == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO holders (id, revision, document, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
			h.ID, next.Revision, string(doc), next.UpdatedAt)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE holders SET revision = ?, document = ?, updated_at = ? WHERE id = ? AND revision = ?`,
			next.Revision, string(doc), next.UpdatedAt, h.ID, h.Revision)
	}
	if err != nil {
		return fmt.Errorf("failed to save holder %s: %w", h.ID, err)
	}
	return applySave(h, next, res)
}

func (s *SQLiteStore) ListIDs(ctx context.Context) ([]string, error) {
	return queryIDs(ctx, s.db, `SELECT id FROM holders ORDER BY id`)
}
