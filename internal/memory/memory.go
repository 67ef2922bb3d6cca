// Package memory is the boundary to the long-term memory store. The core
// only writes importance-scored records toward it; retrieval and embedding
// live on the other side of the boundary.
package memory

import (
	"context"
	"database/sql"
)

type Record struct {
	Kind       string  `json:"kind"`
	Content    string  `json:"content"`
	Importance float64 `json:"importance"`
	Source     string  `json:"source"`
	CreatedAt  string  `json:"created_at"`
}

type Writer interface {
	Write(ctx context.Context, rec Record) error
}

// Sink stores records in the shared database until an external store drains
// them.
type Sink struct {
	DB *sql.DB
}

func (s Sink) Write(ctx context.Context, rec Record) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO memory_records(kind,content,importance,source,created_at) VALUES (?,?,?,?,?)`,
		rec.Kind, rec.Content, rec.Importance, rec.Source, rec.CreatedAt)
	return err
}

// Pending returns undrained records, oldest first.
func (s Sink) Pending(ctx context.Context, limit int) ([]Record, error) {
	query := `SELECT kind,content,importance,source,created_at FROM memory_records ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
	}
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.DB.QueryContext(ctx, query, limit)
	} else {
		rows, err = s.DB.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Kind, &rec.Content, &rec.Importance, &rec.Source, &rec.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
