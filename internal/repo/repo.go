package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"bullpen/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

const taskColumns = `id,type,priority,payload_json,status,assigned_to,repo_ref,parent_id,result_json,retries,not_before,created_at,claimed_at,heartbeat_at,completed_at`

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var assignedTo, repoRef, parentID, resultJSON, notBefore, claimedAt, heartbeatAt, completedAt sql.NullString
	err := s.Scan(&t.ID, &t.Type, &t.Priority, &t.PayloadJSON, &t.Status, &assignedTo, &repoRef, &parentID,
		&resultJSON, &t.Retries, &notBefore, &t.CreatedAt, &claimedAt, &heartbeatAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.AssignedTo = strPtr(assignedTo)
	t.RepoRef = strPtr(repoRef)
	t.ParentID = strPtr(parentID)
	t.ResultJSON = strPtr(resultJSON)
	t.NotBefore = strPtr(notBefore)
	t.ClaimedAt = strPtr(claimedAt)
	t.HeartbeatAt = strPtr(heartbeatAt)
	t.CompletedAt = strPtr(completedAt)
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Type, t.Priority, t.PayloadJSON, t.Status,
		nullableStringPtr(t.AssignedTo), nullableStringPtr(t.RepoRef), nullableStringPtr(t.ParentID),
		nullableStringPtr(t.ResultJSON), t.Retries, nullableStringPtr(t.NotBefore),
		t.CreatedAt, nullableStringPtr(t.ClaimedAt), nullableStringPtr(t.HeartbeatAt), nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) TaskExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id=?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

type TaskFilters struct {
	Status     string
	Type       string
	AssignedTo string
	ParentID   string
	Limit      int

	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		// Cursor names the first row of the wanted page, so the tie-break
		// on id is inclusive.
		clauses = append(clauses, "(created_at > ? OR (created_at = ? AND id >= ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// NextPendingTasks returns claimable candidates in claim order: highest
// priority first, ties broken by oldest created_at.
func (r Repo) NextPendingTasks(ctx context.Context, types []string, now string, limit int) ([]domain.Task, error) {
	clauses := []string{"status=?", "(not_before IS NULL OR not_before<=?)"}
	args := []any{domain.TaskPending, now}
	if len(types) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(types)), ",")
		clauses = append(clauses, "type IN ("+placeholders+")")
		for _, t := range types {
			args = append(args, t)
		}
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY priority DESC, created_at ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// MarkClaimed performs the pending->claimed transition as one conditional
// update. A false return means another caller won the race.
func (r Repo) MarkClaimed(ctx context.Context, tx *sql.Tx, id, workerID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, assigned_to=?, claimed_at=?, heartbeat_at=? WHERE id=? AND status=?`,
		domain.TaskClaimed, workerID, now, now, id, domain.TaskPending)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) MarkCompleted(ctx context.Context, tx *sql.Tx, id, workerID string, result *string, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, result_json=?, completed_at=? WHERE id=? AND status=? AND assigned_to=?`,
		domain.TaskCompleted, nullableStringPtr(result), now, id, domain.TaskClaimed, workerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) MarkFailed(ctx context.Context, tx *sql.Tx, id, workerID string, result *string, retries int, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, result_json=?, retries=?, completed_at=? WHERE id=? AND status=? AND assigned_to=?`,
		domain.TaskFailed, nullableStringPtr(result), retries, now, id, domain.TaskClaimed, workerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RequeueTask puts a claimed task back on the backlog, clearing ownership.
func (r Repo) RequeueTask(ctx context.Context, tx *sql.Tx, id, workerID string, retries int, notBefore *string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, assigned_to=NULL, claimed_at=NULL, heartbeat_at=NULL, retries=?, not_before=? WHERE id=? AND status=? AND assigned_to=?`,
		domain.TaskPending, retries, nullableStringPtr(notBefore), id, domain.TaskClaimed, workerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ListStaleClaimed returns claimed tasks whose last liveness signal is older
// than cutoff.
func (r Repo) ListStaleClaimed(ctx context.Context, cutoff string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status=? AND COALESCE(heartbeat_at, claimed_at) < ?`,
		domain.TaskClaimed, cutoff)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// ReclaimTask requeues a stale claimed task. The cutoff guard keeps the
// update conditional: a heartbeat arriving after the stale scan wins.
func (r Repo) ReclaimTask(ctx context.Context, tx *sql.Tx, id, cutoff string, retries int) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, assigned_to=NULL, claimed_at=NULL, heartbeat_at=NULL, retries=? WHERE id=? AND status=? AND COALESCE(heartbeat_at, claimed_at) < ?`,
		domain.TaskPending, retries, id, domain.TaskClaimed, cutoff)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ForceFailTask terminates a stale claimed task that is out of retries.
func (r Repo) ForceFailTask(ctx context.Context, tx *sql.Tx, id, cutoff string, retries int, result *string, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, result_json=?, retries=?, completed_at=? WHERE id=? AND status=? AND COALESCE(heartbeat_at, claimed_at) < ?`,
		domain.TaskFailed, nullableStringPtr(result), retries, now, id, domain.TaskClaimed, cutoff)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) CancelTask(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, completed_at=? WHERE id=? AND status IN (?,?)`,
		domain.TaskCancelled, now, id, domain.TaskPending, domain.TaskClaimed)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) TouchHeartbeat(ctx context.Context, id, workerID, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET heartbeat_at=? WHERE id=? AND status=? AND assigned_to=?`,
		now, id, domain.TaskClaimed, workerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func scanLock(s scanner) (domain.ResourceLock, error) {
	var l domain.ResourceLock
	err := s.Scan(&l.ResourceKey, &l.Holder, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

// AcquireLock takes or refreshes a lease in a single statement. The upsert
// only fires when the existing row is expired or already held by the caller;
// a false return means a live lock belongs to someone else.
func (r Repo) AcquireLock(ctx context.Context, tx *sql.Tx, lock domain.ResourceLock, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO resource_locks(resource_key,holder,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(resource_key) DO UPDATE SET holder=excluded.holder, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE resource_locks.expires_at <= ? OR resource_locks.holder = excluded.holder`,
		lock.ResourceKey, lock.Holder, lock.AcquiredAt, lock.ExpiresAt, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) GetLock(ctx context.Context, key string) (domain.ResourceLock, error) {
	return scanLock(r.DB.QueryRowContext(ctx, `SELECT resource_key,holder,acquired_at,expires_at FROM resource_locks WHERE resource_key=?`, key))
}

func (r Repo) GetLockTx(ctx context.Context, tx *sql.Tx, key string) (domain.ResourceLock, error) {
	return scanLock(tx.QueryRowContext(ctx, `SELECT resource_key,holder,acquired_at,expires_at FROM resource_locks WHERE resource_key=?`, key))
}

func (r Repo) ListLocks(ctx context.Context, now string, includeExpired bool) ([]domain.ResourceLock, error) {
	query := `SELECT resource_key,holder,acquired_at,expires_at FROM resource_locks`
	var args []any
	if !includeExpired {
		query += ` WHERE expires_at > ?`
		args = append(args, now)
	}
	query += ` ORDER BY resource_key ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ResourceLock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) ReleaseLock(ctx context.Context, tx *sql.Tx, key, holder string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM resource_locks WHERE resource_key=? AND holder=?`, key, holder)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) RenewLock(ctx context.Context, tx *sql.Tx, key, holder, expiresAt, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE resource_locks SET expires_at=? WHERE resource_key=? AND holder=? AND expires_at > ?`,
		expiresAt, key, holder, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) PurgeExpiredLocks(ctx context.Context, tx *sql.Tx, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM resource_locks WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const eventColumns = `id,ts,type,entity_kind,entity_id,actor_id,payload_json`

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventsFrom pages newest-first from the cursor id. The cursor is the
// first id of the wanted page, so the comparison is inclusive.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if cursor > 0 {
		clauses = append(clauses, "id <= ?")
		args = append(args, cursor)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// EventsAfter pages oldest-first above the cursor id, for dispatch loops.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id > ? ORDER BY id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, cursor)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}
