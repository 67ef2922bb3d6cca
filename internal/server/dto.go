package server

import (
	"encoding/json"

	"bullpen/internal/domain"
	"bullpen/internal/engine"
)

// Request payloads

type CreateTaskRequest struct {
	ID        *string        `json:"id,omitempty"`
	Type      string         `json:"type"`
	Priority  *int           `json:"priority,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	RepoRef   *string        `json:"repo_ref,omitempty"`
	ParentID  *string        `json:"parent_id,omitempty"`
	NotBefore *string        `json:"not_before,omitempty" format:"date-time"`
}

type ClaimTaskRequest struct {
	Types []string `json:"types,omitempty"`
}

type CompleteTaskRequest struct {
	Result map[string]any `json:"result,omitempty"`
}

type FailTaskRequest struct {
	Reason string `json:"reason"`
}

type ReclaimRequest struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

type AcquireLockRequest struct {
	ResourceKey string `json:"resource_key"`
	TTLSeconds  int    `json:"ttl_seconds,omitempty"`
}

type RenewLockRequest struct {
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

type SendMessageRequest struct {
	To      *string        `json:"to,omitempty"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type PostDiscussionRequest struct {
	Topic   string `json:"topic"`
	Content string `json:"content"`
}

type CreateProposalRequest struct {
	ID        *string        `json:"id,omitempty"`
	Kind      string         `json:"kind" enum:"add-worker,remove-worker,rule-change"`
	Title     string         `json:"title"`
	Rationale string         `json:"rationale,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type CastVoteRequest struct {
	Stance string `json:"stance" enum:"for,against"`
	Reason string `json:"reason,omitempty"`
}

type ResolveProposalRequest struct {
	Quorum    *int     `json:"quorum,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
}

type SubmitApprovalRequest struct {
	ID        *string `json:"id,omitempty"`
	ItemType  string  `json:"item_type" enum:"spec,merge,deploy,generic-task"`
	Reference string  `json:"reference"`
}

type DecideApprovalRequest struct {
	Decision string `json:"decision" enum:"approved,rejected"`
	Notes    string `json:"notes,omitempty"`
}

type ReportProviderRequest struct {
	ResetAt *string `json:"reset_at,omitempty" format:"date-time"`
}

type RecordOutcomeRequest struct {
	TaskID       string `json:"task_id"`
	TaskType     string `json:"task_type,omitempty"`
	Outcome      string `json:"outcome" enum:"success,failure,partial"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
	ErrorSummary string `json:"error_summary,omitempty"`
}

type AddLearningRequest struct {
	Category   string  `json:"category"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

type RegisterWorkerRequest struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

type MintAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	WorkerID string   `json:"worker_id"`
	Roles    []string `json:"roles,omitempty"`
}

// Response payloads

type TaskResponse struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Priority    int            `json:"priority"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      string         `json:"status" enum:"pending,claimed,completed,failed,cancelled"`
	AssignedTo  *string        `json:"assigned_to,omitempty"`
	RepoRef     *string        `json:"repo_ref,omitempty"`
	ParentID    *string        `json:"parent_id,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Retries     int            `json:"retries"`
	NotBefore   *string        `json:"not_before,omitempty" format:"date-time"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	ClaimedAt   *string        `json:"claimed_at,omitempty" format:"date-time"`
	HeartbeatAt *string        `json:"heartbeat_at,omitempty" format:"date-time"`
	CompletedAt *string        `json:"completed_at,omitempty" format:"date-time"`
}

// ClaimResponse carries the claimed task, or a null task when the backlog
// has nothing claimable.
type ClaimResponse struct {
	Task *TaskResponse `json:"task"`
}

type ReclaimResponse struct {
	Reclaimed []TaskResponse `json:"reclaimed"`
}

type LockResponse struct {
	ResourceKey string `json:"resource_key"`
	Holder      string `json:"holder"`
	AcquiredAt  string `json:"acquired_at" format:"date-time"`
	ExpiresAt   string `json:"expires_at" format:"date-time"`
}

type PurgeLocksResponse struct {
	Purged int64 `json:"purged"`
}

type MessageResponse struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	To        *string        `json:"to,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	ReadAt    *string        `json:"read_at,omitempty" format:"date-time"`
}

type DiscussionPostResponse struct {
	ID        int64  `json:"id"`
	Topic     string `json:"topic"`
	Author    string `json:"author"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ProposalResponse struct {
	ID         string         `json:"id"`
	Author     string         `json:"author"`
	Kind       string         `json:"kind" enum:"add-worker,remove-worker,rule-change"`
	Title      string         `json:"title"`
	Rationale  string         `json:"rationale,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Status     string         `json:"status" enum:"open,approved,rejected"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	ResolvedAt *string        `json:"resolved_at,omitempty" format:"date-time"`
}

type VoteResponse struct {
	ProposalID string `json:"proposal_id"`
	Voter      string `json:"voter"`
	Stance     string `json:"stance" enum:"for,against"`
	Reason     string `json:"reason,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type ProposalDetailResponse struct {
	Proposal ProposalResponse `json:"proposal"`
	Votes    []VoteResponse   `json:"votes"`
	Tally    engine.Tally     `json:"tally"`
}

type ApprovalResponse struct {
	ID            string  `json:"id"`
	ItemType      string  `json:"item_type" enum:"spec,merge,deploy,generic-task"`
	Reference     string  `json:"reference"`
	SubmittedBy   string  `json:"submitted_by"`
	Status        string  `json:"status" enum:"pending,approved,rejected"`
	ReviewerNotes *string `json:"reviewer_notes,omitempty"`
	DecidedBy     *string `json:"decided_by,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	ResolvedAt    *string `json:"resolved_at,omitempty" format:"date-time"`
}

type ProviderHealthResponse struct {
	Provider  string `json:"provider"`
	Limited   bool   `json:"limited"`
	ResetAt   string `json:"reset_at,omitempty" format:"date-time"`
	SetBy     string `json:"set_by,omitempty"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type SelectProviderResponse struct {
	Provider string `json:"provider"`
}

type OutcomeResponse struct {
	ID           int64   `json:"id"`
	TaskID       string  `json:"task_id"`
	WorkerID     string  `json:"worker_id"`
	TaskType     string  `json:"task_type"`
	Outcome      string  `json:"outcome" enum:"success,failure,partial"`
	DurationMS   int64   `json:"duration_ms"`
	ErrorSummary *string `json:"error_summary,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type LearningResponse struct {
	ID              string  `json:"id"`
	WorkerID        string  `json:"worker_id"`
	Category        string  `json:"category"`
	Content         string  `json:"content"`
	Confidence      float64 `json:"confidence"`
	ValidationCount int     `json:"validation_count"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type WorkerResponse struct {
	ID            string   `json:"id"`
	Role          string   `json:"role,omitempty"`
	AcceptedTypes []string `json:"accepted_types,omitempty"`
	RegisteredAt  string   `json:"registered_at" format:"date-time"`
	LastSeenAt    string   `json:"last_seen_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	WorkerID  string `json:"worker_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// MintAPIKeyResponse returns the secret exactly once; it is never readable
// again.
type MintAPIKeyResponse struct {
	Key    APIKeyResponse `json:"key"`
	Secret string         `json:"secret"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	WorkerID string   `json:"worker_id"`
	Roles    []string `json:"roles"`
	Source   string   `json:"source"`
	OnRoster bool     `json:"on_roster"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		Type:        t.Type,
		Priority:    t.Priority,
		Payload:     decodeJSONMap(strPtr(t.PayloadJSON)),
		Status:      t.Status,
		AssignedTo:  t.AssignedTo,
		RepoRef:     t.RepoRef,
		ParentID:    t.ParentID,
		Result:      decodeJSONMap(t.ResultJSON),
		Retries:     t.Retries,
		NotBefore:   t.NotBefore,
		CreatedAt:   t.CreatedAt,
		ClaimedAt:   t.ClaimedAt,
		HeartbeatAt: t.HeartbeatAt,
		CompletedAt: t.CompletedAt,
	}
}

func lockResponse(l domain.ResourceLock) LockResponse {
	return LockResponse(l)
}

func messageResponse(m domain.Message) MessageResponse {
	return MessageResponse{
		ID:        m.ID,
		From:      m.From,
		To:        m.To,
		Type:      m.Type,
		Payload:   decodeJSONMap(strPtr(m.PayloadJSON)),
		CreatedAt: m.CreatedAt,
		ReadAt:    m.ReadAt,
	}
}

func discussionPostResponse(p domain.DiscussionPost) DiscussionPostResponse {
	return DiscussionPostResponse(p)
}

func proposalResponse(p domain.Proposal) ProposalResponse {
	return ProposalResponse{
		ID:         p.ID,
		Author:     p.Author,
		Kind:       p.Kind,
		Title:      p.Title,
		Rationale:  p.Rationale,
		Payload:    decodeJSONMap(strPtr(p.PayloadJSON)),
		Status:     p.Status,
		CreatedAt:  p.CreatedAt,
		ResolvedAt: p.ResolvedAt,
	}
}

func voteResponse(v domain.Vote) VoteResponse {
	return VoteResponse(v)
}

func approvalResponse(a domain.ApprovalItem) ApprovalResponse {
	return ApprovalResponse(a)
}

func providerHealthResponse(ph domain.ProviderHealth) ProviderHealthResponse {
	return ProviderHealthResponse(ph)
}

func outcomeResponse(o domain.OutcomeRecord) OutcomeResponse {
	return OutcomeResponse(o)
}

func learningResponse(l domain.Learning) LearningResponse {
	return LearningResponse(l)
}

func workerResponse(w domain.Worker) WorkerResponse {
	return WorkerResponse{
		ID:           w.ID,
		Role:         w.Role,
		RegisteredAt: w.RegisteredAt,
		LastSeenAt:   w.LastSeenAt,
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		WorkerID:  k.WorkerID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapMessages(items []domain.Message) []MessageResponse {
	res := make([]MessageResponse, 0, len(items))
	for _, m := range items {
		res = append(res, messageResponse(m))
	}
	return res
}

func mapDiscussionPosts(items []domain.DiscussionPost) []DiscussionPostResponse {
	res := make([]DiscussionPostResponse, 0, len(items))
	for _, p := range items {
		res = append(res, discussionPostResponse(p))
	}
	return res
}

func mapProposals(items []domain.Proposal) []ProposalResponse {
	res := make([]ProposalResponse, 0, len(items))
	for _, p := range items {
		res = append(res, proposalResponse(p))
	}
	return res
}

func mapVotes(items []domain.Vote) []VoteResponse {
	res := make([]VoteResponse, 0, len(items))
	for _, v := range items {
		res = append(res, voteResponse(v))
	}
	return res
}

func mapApprovals(items []domain.ApprovalItem) []ApprovalResponse {
	res := make([]ApprovalResponse, 0, len(items))
	for _, a := range items {
		res = append(res, approvalResponse(a))
	}
	return res
}

func mapProviderHealth(items []domain.ProviderHealth) []ProviderHealthResponse {
	res := make([]ProviderHealthResponse, 0, len(items))
	for _, ph := range items {
		res = append(res, providerHealthResponse(ph))
	}
	return res
}

func mapOutcomes(items []domain.OutcomeRecord) []OutcomeResponse {
	res := make([]OutcomeResponse, 0, len(items))
	for _, o := range items {
		res = append(res, outcomeResponse(o))
	}
	return res
}

func mapLearnings(items []domain.Learning) []LearningResponse {
	res := make([]LearningResponse, 0, len(items))
	for _, l := range items {
		res = append(res, learningResponse(l))
	}
	return res
}

func mapWorkers(items []domain.Worker) []WorkerResponse {
	res := make([]WorkerResponse, 0, len(items))
	for _, w := range items {
		res = append(res, workerResponse(w))
	}
	return res
}

func mapAPIKeys(items []domain.APIKey) []APIKeyResponse {
	res := make([]APIKeyResponse, 0, len(items))
	for _, k := range items {
		res = append(res, apiKeyResponse(k))
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func encodeJSONMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func strPtr(in string) *string {
	return &in
}
