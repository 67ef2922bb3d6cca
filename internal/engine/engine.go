package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bullpen/internal/config"
	"bullpen/internal/domain"
	"bullpen/internal/events"
	"bullpen/internal/memory"
	"bullpen/internal/repo"
)

// claimScanLimit bounds how many pending candidates one claim call races
// for before reporting an empty backlog.
const claimScanLimit = 16

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Memory memory.Writer
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Memory: memory.Sink{DB: db},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// TaskCreateOptions are parameters for enqueuing a task.
type TaskCreateOptions struct {
	ID          string
	Type        string
	Priority    int
	PayloadJSON string
	RepoRef     string
	ParentID    string
	NotBefore   string
	ActorID     string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Type == "" {
		return domain.Task{}, errors.New("type is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if opts.ParentID != "" {
		if _, err := e.Repo.GetTaskTx(ctx, tx, opts.ParentID); err != nil {
			if err == repo.ErrNotFound {
				return domain.Task{}, fmt.Errorf("parent task %s: %w", opts.ParentID, err)
			}
			return domain.Task{}, err
		}
	}
	t := domain.Task{
		ID:          id,
		Type:        opts.Type,
		Priority:    opts.Priority,
		PayloadJSON: opts.PayloadJSON,
		Status:      domain.TaskPending,
		RepoRef:     optionalString(opts.RepoRef),
		ParentID:    optionalString(opts.ParentID),
		NotBefore:   optionalString(opts.NotBefore),
		CreatedAt:   e.nowString(),
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "task.created", "task", t.ID, opts.ActorID, events.EventPayload{
		"type":     t.Type,
		"priority": t.Priority,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ClaimTask hands the best claimable task to the worker: highest priority
// first, oldest created_at on ties. The pending->claimed transition is one
// conditional update, so exactly one of any number of racing claimers wins a
// given task. An empty backlog or a lost race yields (nil, nil), not an
// error.
func (e Engine) ClaimTask(ctx context.Context, workerID string, acceptedTypes []string) (*domain.Task, error) {
	if workerID == "" {
		return nil, errors.New("worker_id is required")
	}
	if e.Config != nil && e.Config.RosterEnforced() {
		entry, ok := e.Config.RosterWorker(workerID)
		if !ok {
			return nil, fmt.Errorf("worker %s is not on the roster", workerID)
		}
		if len(acceptedTypes) == 0 {
			acceptedTypes = entry.AcceptedTypes
		}
	}
	nowS := e.nowString()
	candidates, err := e.Repo.NextPendingTasks(ctx, acceptedTypes, nowS, claimScanLimit)
	if err != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		claimed, err := e.claimOne(ctx, candidate.ID, workerID, nowS)
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}
	}
	return nil, nil
}

func (e Engine) claimOne(ctx context.Context, taskID, workerID, nowS string) (*domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	won, err := e.Repo.MarkClaimed(ctx, tx, taskID, workerID, nowS)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, nil
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if err := e.Repo.TouchWorkerTx(ctx, tx, workerID, nowS); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "task.claimed", "task", t.ID, workerID, events.EventPayload{
		"type":     t.Type,
		"priority": t.Priority,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (e Engine) CompleteTask(ctx context.Context, taskID, workerID string, resultJSON *string) (domain.Task, error) {
	if workerID == "" {
		return domain.Task{}, errors.New("worker_id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	nowS := e.nowString()
	ok, err := e.Repo.MarkCompleted(ctx, tx, taskID, workerID, resultJSON, nowS)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, e.explainOwnershipMiss(ctx, tx, taskID, workerID, domain.TaskCompleted)
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.TouchWorkerTx(ctx, tx, workerID, nowS); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.completed", "task", t.ID, workerID, events.EventPayload{
		"type":    t.Type,
		"retries": t.Retries,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// FailTask reports a failed attempt. The task goes back to pending with a
// linear back-off until retries run out, then fails for good.
func (e Engine) FailTask(ctx context.Context, taskID, workerID, reason string) (domain.Task, error) {
	if workerID == "" {
		return domain.Task{}, errors.New("worker_id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	newRetries := t.Retries + 1
	nowS := e.nowString()
	if newRetries > e.maxRetries() {
		result := errorResult(reason)
		ok, err := e.Repo.MarkFailed(ctx, tx, taskID, workerID, result, newRetries, nowS)
		if err != nil {
			return domain.Task{}, err
		}
		if !ok {
			return domain.Task{}, e.explainOwnershipMiss(ctx, tx, taskID, workerID, domain.TaskFailed)
		}
		if err := e.Events.Append(ctx, tx, "task.failed", "task", taskID, workerID, events.EventPayload{
			"reason":  reason,
			"retries": newRetries,
		}); err != nil {
			return domain.Task{}, err
		}
	} else {
		delay := time.Duration(e.retryDelaySeconds()*newRetries) * time.Second
		notBefore := e.now().Add(delay).UTC().Format(time.RFC3339)
		ok, err := e.Repo.RequeueTask(ctx, tx, taskID, workerID, newRetries, &notBefore)
		if err != nil {
			return domain.Task{}, err
		}
		if !ok {
			return domain.Task{}, e.explainOwnershipMiss(ctx, tx, taskID, workerID, domain.TaskPending)
		}
		if err := e.Events.Append(ctx, tx, "task.requeued", "task", taskID, workerID, events.EventPayload{
			"reason":     reason,
			"retries":    newRetries,
			"not_before": notBefore,
		}); err != nil {
			return domain.Task{}, err
		}
	}
	updated, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.TouchWorkerTx(ctx, tx, workerID, nowS); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return updated, nil
}

// explainOwnershipMiss turns a missed conditional update into the precise
// refusal: unknown task, wrong holder, or wrong state.
func (e Engine) explainOwnershipMiss(ctx context.Context, tx *sql.Tx, taskID, workerID, wanted string) error {
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if t.Status == domain.TaskClaimed && t.AssignedTo != nil && *t.AssignedTo != workerID {
		return NotOwnerError{TaskID: taskID, WorkerID: workerID, Holder: *t.AssignedTo}
	}
	return TransitionError{TaskID: taskID, From: t.Status, To: wanted}
}

func (e Engine) CancelTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.CancelTask(ctx, tx, taskID, e.nowString())
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return domain.Task{}, err
		}
		return domain.Task{}, TransitionError{TaskID: taskID, From: t.Status, To: domain.TaskCancelled}
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.cancelled", "task", taskID, actorID, events.EventPayload{
		"was_assigned_to": strValue(t.AssignedTo),
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// Heartbeat refreshes the liveness stamp on a claimed task. A cancelled task
// comes back without error so the holder can notice and stop; cancellation
// is cooperative, nothing is killed.
func (e Engine) Heartbeat(ctx context.Context, taskID, workerID string) (domain.Task, error) {
	if workerID == "" {
		return domain.Task{}, errors.New("worker_id is required")
	}
	nowS := e.nowString()
	ok, err := e.Repo.TouchHeartbeat(ctx, taskID, workerID, nowS)
	if err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if ok {
		if err := e.Repo.TouchWorker(ctx, workerID, nowS); err != nil {
			return domain.Task{}, err
		}
		return t, nil
	}
	if t.Status == domain.TaskCancelled {
		return t, nil
	}
	if t.Status == domain.TaskClaimed && t.AssignedTo != nil && *t.AssignedTo != workerID {
		return domain.Task{}, NotOwnerError{TaskID: taskID, WorkerID: workerID, Holder: *t.AssignedTo}
	}
	return domain.Task{}, TransitionError{TaskID: taskID, From: t.Status, To: domain.TaskClaimed}
}

// ReclaimStale requeues claimed tasks whose holder stopped heartbeating,
// immediately and without back-off. A task out of retries is failed for good
// instead, so one poison task cannot circulate forever. The zombie holder's
// later complete or fail lands on NotOwner.
func (e Engine) ReclaimStale(ctx context.Context, timeout time.Duration, actorID string) ([]domain.Task, error) {
	if timeout <= 0 {
		timeout = time.Duration(e.staleAfterSeconds()) * time.Second
	}
	cutoff := e.now().Add(-timeout).UTC().Format(time.RFC3339)
	stale, err := e.Repo.ListStaleClaimed(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	var reclaimed []domain.Task
	for _, t := range stale {
		updated, err := e.reclaimOne(ctx, t, cutoff, actorID)
		if err != nil {
			return reclaimed, err
		}
		if updated != nil {
			reclaimed = append(reclaimed, *updated)
		}
	}
	return reclaimed, nil
}

func (e Engine) reclaimOne(ctx context.Context, t domain.Task, cutoff, actorID string) (*domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	newRetries := t.Retries + 1
	var ok bool
	if newRetries > e.maxRetries() {
		result := errorResult("reclaimed after heartbeat timeout with retries exhausted")
		ok, err = e.Repo.ForceFailTask(ctx, tx, t.ID, cutoff, newRetries, result, e.nowString())
		if err != nil {
			return nil, err
		}
		if ok {
			if err := e.Events.Append(ctx, tx, "task.force_failed", "task", t.ID, actorID, events.EventPayload{
				"was_assigned_to": strValue(t.AssignedTo),
				"retries":         newRetries,
			}); err != nil {
				return nil, err
			}
		}
	} else {
		ok, err = e.Repo.ReclaimTask(ctx, tx, t.ID, cutoff, newRetries)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := e.Events.Append(ctx, tx, "task.reclaimed", "task", t.ID, actorID, events.EventPayload{
				"was_assigned_to": strValue(t.AssignedTo),
				"retries":         newRetries,
			}); err != nil {
				return nil, err
			}
		}
	}
	if !ok {
		// A heartbeat beat the reclaim; the claim stays live.
		return nil, nil
	}
	updated, err := e.Repo.GetTaskTx(ctx, tx, t.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &updated, nil
}

// AcquireLock takes a lease on a resource key. Conflicts report the current
// holder and expiry; an expired lease is free for the taking. Leases are not
// mutexes: nobody blocks, callers poll and retry.
func (e Engine) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (domain.ResourceLock, error) {
	if key == "" {
		return domain.ResourceLock{}, errors.New("resource_key is required")
	}
	if holder == "" {
		return domain.ResourceLock{}, errors.New("holder is required")
	}
	if ttl <= 0 {
		ttl = time.Duration(e.lockTTLSeconds()) * time.Second
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ResourceLock{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC()
	lock := domain.ResourceLock{
		ResourceKey: key,
		Holder:      holder,
		AcquiredAt:  now.Format(time.RFC3339),
		ExpiresAt:   now.Add(ttl).Format(time.RFC3339),
	}
	ok, err := e.Repo.AcquireLock(ctx, tx, lock, lock.AcquiredAt)
	if err != nil {
		return domain.ResourceLock{}, err
	}
	if !ok {
		existing, err := e.Repo.GetLockTx(ctx, tx, key)
		if err != nil {
			return domain.ResourceLock{}, err
		}
		return domain.ResourceLock{}, LockHeldError{ResourceKey: key, Holder: existing.Holder, ExpiresAt: existing.ExpiresAt}
	}
	if err := e.Events.Append(ctx, tx, "lock.acquired", "lock", key, holder, events.EventPayload{
		"expires_at": lock.ExpiresAt,
	}); err != nil {
		return domain.ResourceLock{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ResourceLock{}, err
	}
	return lock, nil
}

// ReleaseLock drops the lease if the caller holds it. Releasing a lock held
// by someone else, or no lock at all, is a no-op.
func (e Engine) ReleaseLock(ctx context.Context, key, holder string) error {
	if key == "" || holder == "" {
		return errors.New("resource_key and holder are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ok, err := e.Repo.ReleaseLock(ctx, tx, key, holder)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := e.Events.Append(ctx, tx, "lock.released", "lock", key, holder, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// RenewLock extends a lease the caller still holds. A lapsed lease reports
// not found; a lease someone else holds reports the conflict.
func (e Engine) RenewLock(ctx context.Context, key, holder string, ttl time.Duration) (domain.ResourceLock, error) {
	if key == "" || holder == "" {
		return domain.ResourceLock{}, errors.New("resource_key and holder are required")
	}
	if ttl <= 0 {
		ttl = time.Duration(e.lockTTLSeconds()) * time.Second
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ResourceLock{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC()
	nowS := now.Format(time.RFC3339)
	expiresAt := now.Add(ttl).Format(time.RFC3339)
	ok, err := e.Repo.RenewLock(ctx, tx, key, holder, expiresAt, nowS)
	if err != nil {
		return domain.ResourceLock{}, err
	}
	if !ok {
		existing, err := e.Repo.GetLockTx(ctx, tx, key)
		if err != nil {
			return domain.ResourceLock{}, err
		}
		if existing.Holder != holder {
			return domain.ResourceLock{}, LockHeldError{ResourceKey: key, Holder: existing.Holder, ExpiresAt: existing.ExpiresAt}
		}
		return domain.ResourceLock{}, repo.ErrNotFound
	}
	lock, err := e.Repo.GetLockTx(ctx, tx, key)
	if err != nil {
		return domain.ResourceLock{}, err
	}
	if err := e.Events.Append(ctx, tx, "lock.renewed", "lock", key, holder, events.EventPayload{
		"expires_at": lock.ExpiresAt,
	}); err != nil {
		return domain.ResourceLock{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ResourceLock{}, err
	}
	return lock, nil
}

// PurgeExpiredLocks removes lapsed leases. Any caller may purge.
func (e Engine) PurgeExpiredLocks(ctx context.Context, actorID string) (int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	n, err := e.Repo.PurgeExpiredLocks(ctx, tx, e.nowString())
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := e.Events.Append(ctx, tx, "lock.purged", "lock", "", actorID, events.EventPayload{
		"count": n,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// SendMessageOptions carry a direct or broadcast message. An empty To means
// broadcast.
type SendMessageOptions struct {
	From        string
	To          string
	Type        string
	PayloadJSON string
}

func (e Engine) SendMessage(ctx context.Context, opts SendMessageOptions) (domain.Message, error) {
	if opts.From == "" {
		return domain.Message{}, errors.New("from is required")
	}
	if opts.Type == "" {
		return domain.Message{}, errors.New("type is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()

	m := domain.Message{
		ID:          uuid.New().String(),
		From:        opts.From,
		To:          optionalString(opts.To),
		Type:        opts.Type,
		PayloadJSON: opts.PayloadJSON,
		CreatedAt:   e.nowString(),
	}
	if err := e.Repo.InsertMessage(ctx, tx, m); err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "message.sent", "message", m.ID, m.From, events.EventPayload{
		"to":   strValue(m.To),
		"type": m.Type,
	}); err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

// PollMessages returns what the worker has not read yet, plus anything that
// arrived after since. Delivery is at-least-once: callers mark read
// themselves.
func (e Engine) PollMessages(ctx context.Context, workerID, since string, limit int) ([]domain.Message, error) {
	if workerID == "" {
		return nil, errors.New("worker_id is required")
	}
	msgs, err := e.Repo.PollMessages(ctx, workerID, since, limit)
	if err != nil {
		return nil, err
	}
	if err := e.Repo.TouchWorker(ctx, workerID, e.nowString()); err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkMessageRead stamps read_at once; marking again returns the message
// unchanged.
func (e Engine) MarkMessageRead(ctx context.Context, id string) (domain.Message, error) {
	if _, err := e.Repo.MarkMessageRead(ctx, id, e.nowString()); err != nil {
		return domain.Message{}, err
	}
	return e.Repo.GetMessage(ctx, id)
}

func (e Engine) PostDiscussion(ctx context.Context, author, topic, content string) (domain.DiscussionPost, error) {
	if author == "" || topic == "" || content == "" {
		return domain.DiscussionPost{}, errors.New("author, topic and content are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DiscussionPost{}, err
	}
	defer tx.Rollback()

	p := domain.DiscussionPost{
		Topic:     topic,
		Author:    author,
		Content:   content,
		CreatedAt: e.nowString(),
	}
	id, err := e.Repo.InsertDiscussionPost(ctx, tx, p)
	if err != nil {
		return domain.DiscussionPost{}, fmt.Errorf("insert post: %w", err)
	}
	p.ID = id
	if err := e.Events.Append(ctx, tx, "discussion.posted", "discussion", fmt.Sprintf("%d", id), author, events.EventPayload{
		"topic": topic,
	}); err != nil {
		return domain.DiscussionPost{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DiscussionPost{}, err
	}
	return p, nil
}

func (e Engine) ListDiscussion(ctx context.Context, f repo.DiscussionFilters) ([]domain.DiscussionPost, error) {
	return e.Repo.ListDiscussionPosts(ctx, f)
}

// ProposalCreateOptions open a governance proposal for the crew to vote on.
type ProposalCreateOptions struct {
	ID          string
	Author      string
	Kind        string
	Title       string
	Rationale   string
	PayloadJSON string
}

func (e Engine) CreateProposal(ctx context.Context, opts ProposalCreateOptions) (domain.Proposal, error) {
	if opts.Author == "" {
		return domain.Proposal{}, errors.New("author is required")
	}
	if !domain.ValidProposalKind(opts.Kind) {
		return domain.Proposal{}, fmt.Errorf("unknown proposal kind %s", opts.Kind)
	}
	if opts.Title == "" {
		return domain.Proposal{}, errors.New("title is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	p := domain.Proposal{
		ID:          id,
		Author:      opts.Author,
		Kind:        opts.Kind,
		Title:       opts.Title,
		Rationale:   opts.Rationale,
		PayloadJSON: opts.PayloadJSON,
		Status:      domain.ProposalOpen,
		CreatedAt:   e.nowString(),
	}
	if err := e.Repo.InsertProposal(ctx, tx, p); err != nil {
		return domain.Proposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "proposal.created", "proposal", p.ID, p.Author, events.EventPayload{
		"kind":  p.Kind,
		"title": p.Title,
	}); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	return p, nil
}

// CastVote records one vote per voter per proposal. A second vote by the
// same voter is refused, not replaced.
func (e Engine) CastVote(ctx context.Context, proposalID, voter, stance, reason string) (domain.Vote, error) {
	if voter == "" {
		return domain.Vote{}, errors.New("voter is required")
	}
	if stance != domain.StanceFor && stance != domain.StanceAgainst {
		return domain.Vote{}, fmt.Errorf("stance must be %s or %s", domain.StanceFor, domain.StanceAgainst)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Vote{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return domain.Vote{}, err
	}
	if p.Status != domain.ProposalOpen {
		return domain.Vote{}, AlreadyResolvedError{ID: p.ID, Status: p.Status}
	}
	v := domain.Vote{
		ProposalID: proposalID,
		Voter:      voter,
		Stance:     stance,
		Reason:     reason,
		CreatedAt:  e.nowString(),
	}
	ok, err := e.Repo.InsertVoteIgnore(ctx, tx, v)
	if err != nil {
		return domain.Vote{}, err
	}
	if !ok {
		return domain.Vote{}, DuplicateVoteError{ProposalID: proposalID, Voter: voter}
	}
	if err := e.Events.Append(ctx, tx, "proposal.voted", "proposal", proposalID, voter, events.EventPayload{
		"stance": stance,
	}); err != nil {
		return domain.Vote{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Vote{}, err
	}
	return v, nil
}

// Tally is a vote count for one proposal.
type Tally struct {
	For     int `json:"for"`
	Against int `json:"against"`
}

// TallyVotes folds a vote set into a Tally.
func TallyVotes(votes []domain.Vote) Tally {
	var t Tally
	for _, v := range votes {
		switch v.Stance {
		case domain.StanceFor:
			t.For++
		case domain.StanceAgainst:
			t.Against++
		}
	}
	return t
}

// ResolveOutcome is the pure resolution rule: below quorum nothing is
// decided; at or above it, the proposal passes when for-votes reach the
// threshold share of all votes.
func ResolveOutcome(t Tally, quorum int, threshold float64) (string, bool) {
	total := t.For + t.Against
	if total < quorum {
		return "", false
	}
	if float64(t.For) >= threshold*float64(total) {
		return domain.ProposalApproved, true
	}
	return domain.ProposalRejected, true
}

// ResolveProposal applies ResolveOutcome over the persisted votes. Below
// quorum the proposal stays open. Resolution is idempotent: only the first
// decisive call writes status and resolved_at, later calls return the
// persisted outcome untouched.
func (e Engine) ResolveProposal(ctx context.Context, proposalID string, quorum int, threshold float64, actorID string) (domain.Proposal, Tally, error) {
	if quorum <= 0 {
		quorum = e.votingQuorum()
	}
	if threshold <= 0 {
		threshold = e.votingThreshold()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, Tally{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return domain.Proposal{}, Tally{}, err
	}
	votes, err := e.Repo.ListVotesTx(ctx, tx, proposalID)
	if err != nil {
		return domain.Proposal{}, Tally{}, err
	}
	tally := TallyVotes(votes)
	if p.Status != domain.ProposalOpen {
		return p, tally, nil
	}
	outcome, decided := ResolveOutcome(tally, quorum, threshold)
	if !decided {
		return p, tally, nil
	}
	ok, err := e.Repo.ResolveProposal(ctx, tx, proposalID, outcome, e.nowString())
	if err != nil {
		return domain.Proposal{}, Tally{}, err
	}
	if !ok {
		p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
		return p, tally, err
	}
	if err := e.Events.Append(ctx, tx, "proposal.resolved", "proposal", proposalID, actorID, events.EventPayload{
		"outcome": outcome,
		"for":     tally.For,
		"against": tally.Against,
	}); err != nil {
		return domain.Proposal{}, Tally{}, err
	}
	p, err = e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return domain.Proposal{}, Tally{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, Tally{}, err
	}
	return p, tally, nil
}

// ApprovalSubmitOptions put an item behind the human gate.
type ApprovalSubmitOptions struct {
	ID          string
	ItemType    string
	Reference   string
	SubmittedBy string
}

func (e Engine) SubmitApproval(ctx context.Context, opts ApprovalSubmitOptions) (domain.ApprovalItem, error) {
	if !domain.ValidApprovalType(opts.ItemType) {
		return domain.ApprovalItem{}, fmt.Errorf("unknown approval item type %s", opts.ItemType)
	}
	if opts.Reference == "" {
		return domain.ApprovalItem{}, errors.New("reference is required")
	}
	if opts.SubmittedBy == "" {
		return domain.ApprovalItem{}, errors.New("submitted_by is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalItem{}, err
	}
	defer tx.Rollback()

	a := domain.ApprovalItem{
		ID:          id,
		ItemType:    opts.ItemType,
		Reference:   opts.Reference,
		SubmittedBy: opts.SubmittedBy,
		Status:      domain.ApprovalPending,
		CreatedAt:   e.nowString(),
	}
	if err := e.Repo.InsertApproval(ctx, tx, a); err != nil {
		return domain.ApprovalItem{}, fmt.Errorf("insert approval: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "approval.submitted", "approval", a.ID, a.SubmittedBy, events.EventPayload{
		"item_type": a.ItemType,
		"reference": a.Reference,
	}); err != nil {
		return domain.ApprovalItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalItem{}, err
	}
	return a, nil
}

// DecideApproval resolves the human gate. Approving an item whose type maps
// to a follow-on task type enqueues that task in the same transaction;
// rejecting delivers the reviewer notes to the submitter as a message. A
// second decision lands on AlreadyResolved.
func (e Engine) DecideApproval(ctx context.Context, id, decision, reviewer, notes string) (domain.ApprovalItem, error) {
	if decision != domain.ApprovalApproved && decision != domain.ApprovalRejected {
		return domain.ApprovalItem{}, fmt.Errorf("decision must be %s or %s", domain.ApprovalApproved, domain.ApprovalRejected)
	}
	if reviewer == "" {
		return domain.ApprovalItem{}, errors.New("reviewer is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalItem{}, err
	}
	defer tx.Rollback()

	nowS := e.nowString()
	ok, err := e.Repo.DecideApproval(ctx, tx, id, decision, reviewer, optionalString(notes), nowS)
	if err != nil {
		return domain.ApprovalItem{}, err
	}
	if !ok {
		a, err := e.Repo.GetApprovalTx(ctx, tx, id)
		if err != nil {
			return domain.ApprovalItem{}, err
		}
		return domain.ApprovalItem{}, AlreadyResolvedError{ID: a.ID, Status: a.Status}
	}
	a, err := e.Repo.GetApprovalTx(ctx, tx, id)
	if err != nil {
		return domain.ApprovalItem{}, err
	}
	if decision == domain.ApprovalApproved {
		if err := e.enqueueFollowup(ctx, tx, a, reviewer, notes); err != nil {
			return domain.ApprovalItem{}, err
		}
	} else {
		if err := e.notifyRejection(ctx, tx, a, reviewer, notes); err != nil {
			return domain.ApprovalItem{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "approval.decided", "approval", a.ID, reviewer, events.EventPayload{
		"decision":  decision,
		"item_type": a.ItemType,
		"reference": a.Reference,
	}); err != nil {
		return domain.ApprovalItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalItem{}, err
	}
	return a, nil
}

func (e Engine) enqueueFollowup(ctx context.Context, tx *sql.Tx, a domain.ApprovalItem, reviewer, notes string) error {
	if e.Config == nil {
		return nil
	}
	followType := e.Config.Approvals.Followups[a.ItemType]
	if followType == "" {
		return nil
	}
	payload, err := json.Marshal(map[string]any{
		"approval_id": a.ID,
		"reference":   a.Reference,
		"notes":       notes,
	})
	if err != nil {
		return err
	}
	t := domain.Task{
		ID:          uuid.New().String(),
		Type:        followType,
		PayloadJSON: string(payload),
		Status:      domain.TaskPending,
		CreatedAt:   e.nowString(),
	}
	if _, err := e.Repo.GetTaskTx(ctx, tx, a.Reference); err == nil {
		t.ParentID = &a.Reference
	} else if err != repo.ErrNotFound {
		return err
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return fmt.Errorf("insert follow-on task: %w", err)
	}
	return e.Events.Append(ctx, tx, "task.created", "task", t.ID, reviewer, events.EventPayload{
		"type":        t.Type,
		"priority":    t.Priority,
		"approval_id": a.ID,
	})
}

func (e Engine) notifyRejection(ctx context.Context, tx *sql.Tx, a domain.ApprovalItem, reviewer, notes string) error {
	payload, err := json.Marshal(map[string]any{
		"approval_id": a.ID,
		"item_type":   a.ItemType,
		"reference":   a.Reference,
		"notes":       notes,
	})
	if err != nil {
		return err
	}
	m := domain.Message{
		ID:          uuid.New().String(),
		From:        reviewer,
		To:          &a.SubmittedBy,
		Type:        "approval.rejected",
		PayloadJSON: string(payload),
		CreatedAt:   e.nowString(),
	}
	if err := e.Repo.InsertMessage(ctx, tx, m); err != nil {
		return fmt.Errorf("insert rejection message: %w", err)
	}
	return e.Events.Append(ctx, tx, "message.sent", "message", m.ID, reviewer, events.EventPayload{
		"to":   a.SubmittedBy,
		"type": m.Type,
	})
}

// ReportProviderLimited marks a provider rate limited until resetAt.
// Last writer wins; there is one record per provider.
func (e Engine) ReportProviderLimited(ctx context.Context, provider string, resetAt time.Time, setBy string) (domain.ProviderHealth, error) {
	if provider == "" {
		return domain.ProviderHealth{}, errors.New("provider is required")
	}
	ph := domain.ProviderHealth{
		Provider:  provider,
		Limited:   true,
		SetBy:     setBy,
		UpdatedAt: e.nowString(),
	}
	if !resetAt.IsZero() {
		ph.ResetAt = resetAt.UTC().Format(time.RFC3339)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProviderHealth{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertProviderHealth(ctx, tx, ph); err != nil {
		return domain.ProviderHealth{}, err
	}
	if err := e.Events.Append(ctx, tx, "provider.limited", "provider", provider, setBy, events.EventPayload{
		"reset_at": ph.ResetAt,
	}); err != nil {
		return domain.ProviderHealth{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProviderHealth{}, err
	}
	return ph, nil
}

func (e Engine) ClearProviderLimit(ctx context.Context, provider, setBy string) (domain.ProviderHealth, error) {
	if provider == "" {
		return domain.ProviderHealth{}, errors.New("provider is required")
	}
	ph := domain.ProviderHealth{
		Provider:  provider,
		Limited:   false,
		SetBy:     setBy,
		UpdatedAt: e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProviderHealth{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertProviderHealth(ctx, tx, ph); err != nil {
		return domain.ProviderHealth{}, err
	}
	if err := e.Events.Append(ctx, tx, "provider.cleared", "provider", provider, setBy, nil); err != nil {
		return domain.ProviderHealth{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProviderHealth{}, err
	}
	return ph, nil
}

// ProviderLimited decides from timestamps, never from the stored flag alone:
// a limit whose reset time has passed no longer counts.
func (e Engine) ProviderLimited(ph domain.ProviderHealth) bool {
	if !ph.Limited {
		return false
	}
	if ph.ResetAt == "" {
		return true
	}
	resetAt, err := time.Parse(time.RFC3339, ph.ResetAt)
	if err != nil {
		return true
	}
	return e.now().UTC().Before(resetAt)
}

// SelectProvider returns the first candidate that is not currently limited.
// With no explicit candidates the configured provider order is used.
func (e Engine) SelectProvider(ctx context.Context, preferred ...string) (string, error) {
	candidates := preferred
	if len(candidates) == 0 && e.Config != nil {
		candidates = e.Config.Providers.Order
	}
	if len(candidates) == 0 {
		return "", errors.New("no providers configured")
	}
	for _, p := range candidates {
		ph, err := e.Repo.GetProviderHealth(ctx, p)
		if err == repo.ErrNotFound {
			return p, nil
		}
		if err != nil {
			return "", err
		}
		if !e.ProviderLimited(ph) {
			return p, nil
		}
	}
	return "", NoProviderError{Tried: candidates}
}

// OutcomeRecordOptions describe one finished task execution.
type OutcomeRecordOptions struct {
	TaskID       string
	WorkerID     string
	TaskType     string
	Outcome      string
	Duration     time.Duration
	ErrorSummary string
}

// RecordOutcome appends to the immutable outcome ledger.
func (e Engine) RecordOutcome(ctx context.Context, opts OutcomeRecordOptions) (domain.OutcomeRecord, error) {
	if opts.TaskID == "" || opts.WorkerID == "" {
		return domain.OutcomeRecord{}, errors.New("task_id and worker_id are required")
	}
	if !domain.ValidOutcome(opts.Outcome) {
		return domain.OutcomeRecord{}, fmt.Errorf("unknown outcome %s", opts.Outcome)
	}
	if opts.TaskType == "" {
		if t, err := e.Repo.GetTask(ctx, opts.TaskID); err == nil {
			opts.TaskType = t.Type
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.OutcomeRecord{}, err
	}
	defer tx.Rollback()

	rec := domain.OutcomeRecord{
		TaskID:       opts.TaskID,
		WorkerID:     opts.WorkerID,
		TaskType:     opts.TaskType,
		Outcome:      opts.Outcome,
		DurationMS:   opts.Duration.Milliseconds(),
		ErrorSummary: optionalString(opts.ErrorSummary),
		CreatedAt:    e.nowString(),
	}
	id, err := e.Repo.InsertOutcome(ctx, tx, rec)
	if err != nil {
		return domain.OutcomeRecord{}, fmt.Errorf("insert outcome: %w", err)
	}
	rec.ID = id
	if err := e.Events.Append(ctx, tx, "outcome.recorded", "outcome", fmt.Sprintf("%d", id), opts.WorkerID, events.EventPayload{
		"task_id": opts.TaskID,
		"outcome": opts.Outcome,
	}); err != nil {
		return domain.OutcomeRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.OutcomeRecord{}, err
	}
	return rec, nil
}

// OutcomeStats are counts and rates over one outcome slice.
type OutcomeStats struct {
	Total         int     `json:"total"`
	Success       int     `json:"success"`
	Failure       int     `json:"failure"`
	Partial       int     `json:"partial"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMS int64   `json:"avg_duration_ms"`
}

// OutcomeSummary is the aggregate rollup: overall, per worker and per task
// type.
type OutcomeSummary struct {
	WindowStart string                  `json:"window_start,omitempty"`
	Overall     OutcomeStats            `json:"overall"`
	ByWorker    map[string]OutcomeStats `json:"by_worker"`
	ByType      map[string]OutcomeStats `json:"by_type"`
}

// AggregateOutcomes is a pure read rollup over the window; a zero window
// covers everything.
func (e Engine) AggregateOutcomes(ctx context.Context, window time.Duration) (OutcomeSummary, error) {
	var since string
	if window > 0 {
		since = e.now().Add(-window).UTC().Format(time.RFC3339)
	}
	records, err := e.Repo.ListOutcomes(ctx, repo.OutcomeFilters{Since: since})
	if err != nil {
		return OutcomeSummary{}, err
	}
	summary := summarizeOutcomes(records)
	summary.WindowStart = since
	return summary, nil
}

func summarizeOutcomes(records []domain.OutcomeRecord) OutcomeSummary {
	type acc struct {
		stats OutcomeStats
		dur   int64
	}
	overall := acc{}
	byWorker := map[string]*acc{}
	byType := map[string]*acc{}
	add := func(a *acc, rec domain.OutcomeRecord) {
		a.stats.Total++
		switch rec.Outcome {
		case domain.OutcomeSuccess:
			a.stats.Success++
		case domain.OutcomeFailure:
			a.stats.Failure++
		case domain.OutcomePartial:
			a.stats.Partial++
		}
		a.dur += rec.DurationMS
	}
	for _, rec := range records {
		add(&overall, rec)
		if byWorker[rec.WorkerID] == nil {
			byWorker[rec.WorkerID] = &acc{}
		}
		add(byWorker[rec.WorkerID], rec)
		if byType[rec.TaskType] == nil {
			byType[rec.TaskType] = &acc{}
		}
		add(byType[rec.TaskType], rec)
	}
	finalize := func(a *acc) OutcomeStats {
		s := a.stats
		if s.Total > 0 {
			s.SuccessRate = float64(s.Success) / float64(s.Total)
			s.AvgDurationMS = a.dur / int64(s.Total)
		}
		return s
	}
	summary := OutcomeSummary{
		Overall:  finalize(&overall),
		ByWorker: map[string]OutcomeStats{},
		ByType:   map[string]OutcomeStats{},
	}
	for worker, a := range byWorker {
		summary.ByWorker[worker] = finalize(a)
	}
	for taskType, a := range byType {
		summary.ByType[taskType] = finalize(a)
	}
	return summary
}

// LearningAddOptions record something a worker wants the crew to remember.
type LearningAddOptions struct {
	WorkerID   string
	Category   string
	Content    string
	Confidence float64
}

// AddLearning stores the learning and exports an importance-scored record
// across the memory boundary.
func (e Engine) AddLearning(ctx context.Context, opts LearningAddOptions) (domain.Learning, error) {
	if opts.WorkerID == "" || opts.Category == "" || opts.Content == "" {
		return domain.Learning{}, errors.New("worker_id, category and content are required")
	}
	if opts.Confidence < 0 || opts.Confidence > 1 {
		return domain.Learning{}, errors.New("confidence must be between 0 and 1")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Learning{}, err
	}
	defer tx.Rollback()

	l := domain.Learning{
		ID:         uuid.New().String(),
		WorkerID:   opts.WorkerID,
		Category:   opts.Category,
		Content:    opts.Content,
		Confidence: opts.Confidence,
		CreatedAt:  e.nowString(),
	}
	if err := e.Repo.InsertLearning(ctx, tx, l); err != nil {
		return domain.Learning{}, fmt.Errorf("insert learning: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "learning.added", "learning", l.ID, l.WorkerID, events.EventPayload{
		"category":   l.Category,
		"confidence": l.Confidence,
	}); err != nil {
		return domain.Learning{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Learning{}, err
	}
	if e.Memory != nil {
		rec := memory.Record{
			Kind:       "learning",
			Content:    l.Content,
			Importance: l.Confidence,
			Source:     l.WorkerID,
			CreatedAt:  l.CreatedAt,
		}
		if err := e.Memory.Write(ctx, rec); err != nil {
			return l, fmt.Errorf("memory export: %w", err)
		}
	}
	return l, nil
}

// ReinforceLearning bumps the validation counter. Content is immutable.
func (e Engine) ReinforceLearning(ctx context.Context, id, actorID string) (domain.Learning, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Learning{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.ReinforceLearning(ctx, tx, id)
	if err != nil {
		return domain.Learning{}, err
	}
	if !ok {
		return domain.Learning{}, repo.ErrNotFound
	}
	if err := e.Events.Append(ctx, tx, "learning.reinforced", "learning", id, actorID, nil); err != nil {
		return domain.Learning{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Learning{}, err
	}
	return e.Repo.GetLearning(ctx, id)
}

func (e Engine) RegisterWorker(ctx context.Context, id, role string) (domain.Worker, error) {
	if id == "" {
		return domain.Worker{}, errors.New("worker id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Worker{}, err
	}
	defer tx.Rollback()

	nowS := e.nowString()
	w, err := e.Repo.UpsertWorkerTx(ctx, tx, domain.Worker{
		ID:           id,
		Role:         role,
		RegisteredAt: nowS,
		LastSeenAt:   nowS,
	})
	if err != nil {
		return domain.Worker{}, err
	}
	if err := e.Events.Append(ctx, tx, "worker.registered", "worker", id, id, events.EventPayload{
		"role": w.Role,
	}); err != nil {
		return domain.Worker{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Worker{}, err
	}
	return w, nil
}

// MintAPIKey creates a worker credential and returns the secret once; only
// its hash is stored.
func (e Engine) MintAPIKey(ctx context.Context, workerID, name string) (domain.APIKey, string, error) {
	if workerID == "" {
		return domain.APIKey{}, "", errors.New("worker_id is required")
	}
	secret := uuid.New().String()
	key := domain.APIKey{
		ID:        uuid.New().String(),
		WorkerID:  workerID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.nowString(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, "apikey.created", "apikey", key.ID, workerID, events.EventPayload{
		"name": name,
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// StatusReport is the one-screen view of the crew.
type StatusReport struct {
	Crew             string         `json:"crew"`
	Tasks            map[string]int `json:"tasks"`
	OpenProposals    int            `json:"open_proposals"`
	PendingApprovals int            `json:"pending_approvals"`
	LimitedProviders []string       `json:"limited_providers"`
	LiveLocks        int            `json:"live_locks"`
	Workers          int            `json:"workers"`
}

func (e Engine) Status(ctx context.Context) (StatusReport, error) {
	report := StatusReport{Tasks: map[string]int{}, LimitedProviders: []string{}}
	if e.Config != nil {
		report.Crew = e.Config.Crew.Name
	}
	counts, err := e.Repo.CountTasksByStatus(ctx)
	if err != nil {
		return report, err
	}
	report.Tasks = counts
	proposals, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{Status: domain.ProposalOpen})
	if err != nil {
		return report, err
	}
	report.OpenProposals = len(proposals)
	approvals, err := e.Repo.ListApprovals(ctx, repo.ApprovalFilters{Status: domain.ApprovalPending})
	if err != nil {
		return report, err
	}
	report.PendingApprovals = len(approvals)
	providers, err := e.Repo.ListProviderHealth(ctx)
	if err != nil {
		return report, err
	}
	for _, ph := range providers {
		if e.ProviderLimited(ph) {
			report.LimitedProviders = append(report.LimitedProviders, ph.Provider)
		}
	}
	locks, err := e.Repo.ListLocks(ctx, e.nowString(), false)
	if err != nil {
		return report, err
	}
	report.LiveLocks = len(locks)
	workers, err := e.Repo.ListWorkers(ctx)
	if err != nil {
		return report, err
	}
	report.Workers = len(workers)
	return report, nil
}

func (e Engine) maxRetries() int {
	if e.Config != nil && e.Config.Policies.Tasks.MaxRetries > 0 {
		return e.Config.Policies.Tasks.MaxRetries
	}
	return 3
}

func (e Engine) retryDelaySeconds() int {
	if e.Config != nil && e.Config.Policies.Tasks.RetryDelaySeconds > 0 {
		return e.Config.Policies.Tasks.RetryDelaySeconds
	}
	return 30
}

func (e Engine) staleAfterSeconds() int {
	if e.Config != nil && e.Config.Policies.Tasks.StaleAfterSeconds > 0 {
		return e.Config.Policies.Tasks.StaleAfterSeconds
	}
	return 300
}

func (e Engine) lockTTLSeconds() int {
	if e.Config != nil && e.Config.Policies.Locks.DefaultTTLSeconds > 0 {
		return e.Config.Policies.Locks.DefaultTTLSeconds
	}
	return 120
}

func (e Engine) votingQuorum() int {
	if e.Config != nil && e.Config.Policies.Voting.Quorum > 0 {
		return e.Config.Policies.Voting.Quorum
	}
	return 3
}

func (e Engine) votingThreshold() float64 {
	if e.Config != nil && e.Config.Policies.Voting.Threshold > 0 {
		return e.Config.Policies.Voting.Threshold
	}
	return 0.6
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func strValue(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func errorResult(reason string) *string {
	data, err := json.Marshal(map[string]string{"error": reason})
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}
