package repo

import (
	"context"
	"database/sql"

	"bullpen/internal/domain"
)

// UpsertWorkerTx registers a worker or refreshes its role and last-seen stamp.
func (r Repo) UpsertWorkerTx(ctx context.Context, tx *sql.Tx, w domain.Worker) (domain.Worker, error) {
	_, err := tx.ExecContext(ctx, `INSERT INTO workers(id,role,registered_at,last_seen_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET role=CASE WHEN excluded.role='' THEN workers.role ELSE excluded.role END, last_seen_at=excluded.last_seen_at`,
		w.ID, w.Role, w.RegisteredAt, w.LastSeenAt)
	if err != nil {
		return domain.Worker{}, err
	}
	return r.GetWorkerTx(ctx, tx, w.ID)
}

// TouchWorkerTx refreshes last_seen_at, registering the worker on first sight.
func (r Repo) TouchWorkerTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workers(id,role,registered_at,last_seen_at) VALUES (?,'',?,?)
ON CONFLICT(id) DO UPDATE SET last_seen_at=excluded.last_seen_at`, id, now, now)
	return err
}

// TouchWorker is the out-of-transaction variant for read paths.
func (r Repo) TouchWorker(ctx context.Context, id, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO workers(id,role,registered_at,last_seen_at) VALUES (?,'',?,?)
ON CONFLICT(id) DO UPDATE SET last_seen_at=excluded.last_seen_at`, id, now, now)
	return err
}

func (r Repo) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	var w domain.Worker
	err := r.DB.QueryRowContext(ctx, `SELECT id,role,registered_at,last_seen_at FROM workers WHERE id=?`, id).
		Scan(&w.ID, &w.Role, &w.RegisteredAt, &w.LastSeenAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) GetWorkerTx(ctx context.Context, tx *sql.Tx, id string) (domain.Worker, error) {
	var w domain.Worker
	err := tx.QueryRowContext(ctx, `SELECT id,role,registered_at,last_seen_at FROM workers WHERE id=?`, id).
		Scan(&w.ID, &w.Role, &w.RegisteredAt, &w.LastSeenAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,role,registered_at,last_seen_at FROM workers ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		var w domain.Worker
		if err := rows.Scan(&w.ID, &w.Role, &w.RegisteredAt, &w.LastSeenAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) DeleteWorker(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM workers WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
