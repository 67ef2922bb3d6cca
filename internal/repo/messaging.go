package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"bullpen/internal/domain"
)

const messageColumns = `id,from_worker,to_worker,type,payload_json,created_at,read_at`

func scanMessage(s scanner) (domain.Message, error) {
	var m domain.Message
	var to, readAt sql.NullString
	err := s.Scan(&m.ID, &m.From, &to, &m.Type, &m.PayloadJSON, &m.CreatedAt, &readAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.To = strPtr(to)
	m.ReadAt = strPtr(readAt)
	return m, nil
}

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO messages(`+messageColumns+`) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.From, nullableStringPtr(m.To), m.Type, m.PayloadJSON, m.CreatedAt, nullableStringPtr(m.ReadAt))
	return err
}

func (r Repo) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	return scanMessage(r.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=?`, id))
}

// PollMessages returns unread messages addressed to the worker or broadcast,
// plus anything newer than since regardless of read state. Oldest first.
func (r Repo) PollMessages(ctx context.Context, workerID, since string, limit int) ([]domain.Message, error) {
	clauses := []string{"(to_worker=? OR to_worker IS NULL)"}
	args := []any{workerID}
	if since != "" {
		clauses = append(clauses, "(read_at IS NULL OR created_at > ?)")
		args = append(args, since)
	} else {
		clauses = append(clauses, "read_at IS NULL")
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MarkMessageRead stamps read_at once; later calls leave the first stamp.
func (r Repo) MarkMessageRead(ctx context.Context, id, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE messages SET read_at=? WHERE id=? AND read_at IS NULL`, now, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) InsertDiscussionPost(ctx context.Context, tx *sql.Tx, p domain.DiscussionPost) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO discussion_posts(topic,author,content,created_at) VALUES (?,?,?,?)`,
		p.Topic, p.Author, p.Content, p.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetDiscussionPost(ctx context.Context, id int64) (domain.DiscussionPost, error) {
	var p domain.DiscussionPost
	err := r.DB.QueryRowContext(ctx, `SELECT id,topic,author,content,created_at FROM discussion_posts WHERE id=?`, id).
		Scan(&p.ID, &p.Topic, &p.Author, &p.Content, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

type DiscussionFilters struct {
	Topic string
	Since string
	Limit int
}

func (r Repo) ListDiscussionPosts(ctx context.Context, f DiscussionFilters) ([]domain.DiscussionPost, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Topic != "" {
		clauses = append(clauses, "topic=?")
		args = append(args, f.Topic)
	}
	if f.Since != "" {
		clauses = append(clauses, "created_at > ?")
		args = append(args, f.Since)
	}
	query := `SELECT id,topic,author,content,created_at FROM discussion_posts WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DiscussionPost
	for rows.Next() {
		var p domain.DiscussionPost
		if err := rows.Scan(&p.ID, &p.Topic, &p.Author, &p.Content, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListDiscussionTopics returns topic names, most recently active first.
func (r Repo) ListDiscussionTopics(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT topic FROM discussion_posts GROUP BY topic ORDER BY MAX(created_at) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, err
		}
		res = append(res, topic)
	}
	return res, rows.Err()
}
