package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var ErrNotFound = errors.New("persist: not found")

type DocumentRow struct {
	ID         int64
	Name       string
	Format     string
	Data       []byte
	Revision   int64
	RevisionID uuid.UUID
	SavedAt    time.Time
}

// DocumentRepo stores serialized configurations. Every save is a new row so
// older revisions stay retrievable.
type DocumentRepo struct {
	db *DB
}

func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

func (r *DocumentRepo) Save(ctx context.Context, name, format string, data []byte, revision uint64, revisionID uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO documents (name, format, data, revision, revision_id, saved_at)
		 VALUES ($1, $2, $3, $4, $5, now())`,
		name, format, data, int64(revision), revisionID,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// LoadLatest returns the most recently saved serialization of the named
// configuration in the given format.
func (r *DocumentRepo) LoadLatest(ctx context.Context, name, format string) ([]byte, error) {
	var data []byte
	err := r.db.Pool.QueryRow(ctx,
		`SELECT data FROM documents
		 WHERE name = $1 AND format = $2
		 ORDER BY saved_at DESC, id DESC
		 LIMIT 1`,
		name, format,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	return data, nil
}

func (r *DocumentRepo) List(ctx context.Context) ([]DocumentRow, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT DISTINCT ON (name, format)
		        id, name, format, data, revision, revision_id, saved_at
		 FROM documents
		 ORDER BY name, format, saved_at DESC, id DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []DocumentRow
	for rows.Next() {
		var row DocumentRow
		if err := rows.Scan(&row.ID, &row.Name, &row.Format, &row.Data,
			&row.Revision, &row.RevisionID, &row.SavedAt); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
