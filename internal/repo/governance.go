package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"bullpen/internal/domain"
)

const proposalColumns = `id,author,kind,title,rationale,payload_json,status,created_at,resolved_at`

func scanProposal(s scanner) (domain.Proposal, error) {
	var p domain.Proposal
	var resolvedAt sql.NullString
	err := s.Scan(&p.ID, &p.Author, &p.Kind, &p.Title, &p.Rationale, &p.PayloadJSON, &p.Status, &p.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.ResolvedAt = strPtr(resolvedAt)
	return p, nil
}

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proposals(`+proposalColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Author, p.Kind, p.Title, p.Rationale, p.PayloadJSON, p.Status, p.CreatedAt, nullableStringPtr(p.ResolvedAt))
	return err
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	return scanProposal(r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id))
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	return scanProposal(tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id))
}

type ProposalFilters struct {
	Status string
	Kind   string
	Limit  int
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// InsertVoteIgnore records a vote unless the voter already voted on the
// proposal. A false return means the vote was a duplicate.
func (r Repo) InsertVoteIgnore(ctx context.Context, tx *sql.Tx, v domain.Vote) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO votes(proposal_id,voter,stance,reason,created_at) VALUES (?,?,?,?,?)`,
		v.ProposalID, v.Voter, v.Stance, v.Reason, v.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) ListVotes(ctx context.Context, proposalID string) ([]domain.Vote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT proposal_id,voter,stance,reason,created_at FROM votes WHERE proposal_id=? ORDER BY created_at ASC, voter ASC`, proposalID)
	if err != nil {
		return nil, err
	}
	return collectVotes(rows)
}

func (r Repo) ListVotesTx(ctx context.Context, tx *sql.Tx, proposalID string) ([]domain.Vote, error) {
	rows, err := tx.QueryContext(ctx, `SELECT proposal_id,voter,stance,reason,created_at FROM votes WHERE proposal_id=? ORDER BY created_at ASC, voter ASC`, proposalID)
	if err != nil {
		return nil, err
	}
	return collectVotes(rows)
}

func collectVotes(rows *sql.Rows) ([]domain.Vote, error) {
	defer rows.Close()
	var res []domain.Vote
	for rows.Next() {
		var v domain.Vote
		if err := rows.Scan(&v.ProposalID, &v.Voter, &v.Stance, &v.Reason, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// ResolveProposal persists a resolution only while the proposal is still
// open, so the first resolution wins and repeats are no-ops.
func (r Repo) ResolveProposal(ctx context.Context, tx *sql.Tx, id, status, resolvedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET status=?, resolved_at=? WHERE id=? AND status=?`,
		status, resolvedAt, id, domain.ProposalOpen)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

const approvalColumns = `id,item_type,reference,submitted_by,status,reviewer_notes,decided_by,created_at,resolved_at`

func scanApproval(s scanner) (domain.ApprovalItem, error) {
	var a domain.ApprovalItem
	var notes, decidedBy, resolvedAt sql.NullString
	err := s.Scan(&a.ID, &a.ItemType, &a.Reference, &a.SubmittedBy, &a.Status, &notes, &decidedBy, &a.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.ReviewerNotes = strPtr(notes)
	a.DecidedBy = strPtr(decidedBy)
	a.ResolvedAt = strPtr(resolvedAt)
	return a, nil
}

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.ApprovalItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approvals(`+approvalColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ItemType, a.Reference, a.SubmittedBy, a.Status,
		nullableStringPtr(a.ReviewerNotes), nullableStringPtr(a.DecidedBy), a.CreatedAt, nullableStringPtr(a.ResolvedAt))
	return err
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.ApprovalItem, error) {
	return scanApproval(r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
}

func (r Repo) GetApprovalTx(ctx context.Context, tx *sql.Tx, id string) (domain.ApprovalItem, error) {
	return scanApproval(tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
}

type ApprovalFilters struct {
	Status   string
	ItemType string
	Limit    int
}

func (r Repo) ListApprovals(ctx context.Context, f ApprovalFilters) ([]domain.ApprovalItem, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ItemType != "" {
		clauses = append(clauses, "item_type=?")
		args = append(args, f.ItemType)
	}
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalItem
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// DecideApproval resolves a pending item. A false return means the item was
// already decided.
func (r Repo) DecideApproval(ctx context.Context, tx *sql.Tx, id, status, reviewer string, notes *string, resolvedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE approvals SET status=?, decided_by=?, reviewer_notes=?, resolved_at=? WHERE id=? AND status=?`,
		status, reviewer, nullableStringPtr(notes), resolvedAt, id, domain.ApprovalPending)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
