package persist

import (
	"context"
	"fmt"
	"time"
)

type ResultsRow struct {
	ID      int64
	DocName string
	Tick    int32
	Payload []byte
	SavedAt time.Time
}

// ResultsRepo stores extracted metric series keyed by configuration name and
// the tick they were captured at.
type ResultsRepo struct {
	db *DB
}

func NewResultsRepo(db *DB) *ResultsRepo {
	return &ResultsRepo{db: db}
}

func (r *ResultsRepo) Insert(ctx context.Context, docName string, tick int, payload []byte) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO results (doc_name, tick, payload, saved_at)
		 VALUES ($1, $2, $3, now())`,
		docName, int32(tick), payload,
	)
	if err != nil {
		return fmt.Errorf("insert results: %w", err)
	}
	return nil
}

func (r *ResultsRepo) LoadByDocument(ctx context.Context, docName string) ([]ResultsRow, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, doc_name, tick, payload, saved_at
		 FROM results
		 WHERE doc_name = $1
		 ORDER BY saved_at`,
		docName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ResultsRow
	for rows.Next() {
		var row ResultsRow
		if err := rows.Scan(&row.ID, &row.DocName, &row.Tick, &row.Payload, &row.SavedAt); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
