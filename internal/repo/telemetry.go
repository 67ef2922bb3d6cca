package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"bullpen/internal/domain"
)

// UpsertProviderHealth is last-writer-wins: one row per provider.
func (r Repo) UpsertProviderHealth(ctx context.Context, tx *sql.Tx, ph domain.ProviderHealth) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO provider_health(provider,limited,reset_at,set_by,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(provider) DO UPDATE SET limited=excluded.limited, reset_at=excluded.reset_at, set_by=excluded.set_by, updated_at=excluded.updated_at`,
		ph.Provider, boolInt(ph.Limited), ph.ResetAt, ph.SetBy, ph.UpdatedAt)
	return err
}

func (r Repo) GetProviderHealth(ctx context.Context, provider string) (domain.ProviderHealth, error) {
	return scanProviderHealth(r.DB.QueryRowContext(ctx, `SELECT provider,limited,reset_at,set_by,updated_at FROM provider_health WHERE provider=?`, provider))
}

func (r Repo) ListProviderHealth(ctx context.Context) ([]domain.ProviderHealth, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT provider,limited,reset_at,set_by,updated_at FROM provider_health ORDER BY provider ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProviderHealth
	for rows.Next() {
		ph, err := scanProviderHealth(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ph)
	}
	return res, rows.Err()
}

func scanProviderHealth(s scanner) (domain.ProviderHealth, error) {
	var ph domain.ProviderHealth
	var limited int
	err := s.Scan(&ph.Provider, &limited, &ph.ResetAt, &ph.SetBy, &ph.UpdatedAt)
	if err == sql.ErrNoRows {
		return ph, ErrNotFound
	}
	if err != nil {
		return ph, err
	}
	ph.Limited = limited != 0
	return ph, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const outcomeColumns = `id,task_id,worker_id,task_type,outcome,duration_ms,error_summary,created_at`

func (r Repo) InsertOutcome(ctx context.Context, tx *sql.Tx, o domain.OutcomeRecord) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO outcomes(task_id,worker_id,task_type,outcome,duration_ms,error_summary,created_at) VALUES (?,?,?,?,?,?,?)`,
		o.TaskID, o.WorkerID, o.TaskType, o.Outcome, o.DurationMS, nullableStringPtr(o.ErrorSummary), o.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type OutcomeFilters struct {
	WorkerID string
	TaskType string
	Since    string
	Limit    int
}

func (r Repo) ListOutcomes(ctx context.Context, f OutcomeFilters) ([]domain.OutcomeRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.WorkerID != "" {
		clauses = append(clauses, "worker_id=?")
		args = append(args, f.WorkerID)
	}
	if f.TaskType != "" {
		clauses = append(clauses, "task_type=?")
		args = append(args, f.TaskType)
	}
	if f.Since != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since)
	}
	query := `SELECT ` + outcomeColumns + ` FROM outcomes WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutcomeRecord
	for rows.Next() {
		var o domain.OutcomeRecord
		var errSummary sql.NullString
		if err := rows.Scan(&o.ID, &o.TaskID, &o.WorkerID, &o.TaskType, &o.Outcome, &o.DurationMS, &errSummary, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.ErrorSummary = strPtr(errSummary)
		res = append(res, o)
	}
	return res, rows.Err()
}

const learningColumns = `id,worker_id,category,content,confidence,validation_count,created_at`

func scanLearning(s scanner) (domain.Learning, error) {
	var l domain.Learning
	err := s.Scan(&l.ID, &l.WorkerID, &l.Category, &l.Content, &l.Confidence, &l.ValidationCount, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) InsertLearning(ctx context.Context, tx *sql.Tx, l domain.Learning) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO learnings(`+learningColumns+`) VALUES (?,?,?,?,?,?,?)`,
		l.ID, l.WorkerID, l.Category, l.Content, l.Confidence, l.ValidationCount, l.CreatedAt)
	return err
}

func (r Repo) GetLearning(ctx context.Context, id string) (domain.Learning, error) {
	return scanLearning(r.DB.QueryRowContext(ctx, `SELECT `+learningColumns+` FROM learnings WHERE id=?`, id))
}

// ReinforceLearning bumps the validation counter; content never changes.
func (r Repo) ReinforceLearning(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE learnings SET validation_count=validation_count+1 WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

type LearningFilters struct {
	WorkerID string
	Category string
	Limit    int
}

func (r Repo) ListLearnings(ctx context.Context, f LearningFilters) ([]domain.Learning, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.WorkerID != "" {
		clauses = append(clauses, "worker_id=?")
		args = append(args, f.WorkerID)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	query := `SELECT ` + learningColumns + ` FROM learnings WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY validation_count DESC, created_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Learning
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
