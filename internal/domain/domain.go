package domain

// Task statuses.
const (
	TaskPending   = "pending"
	TaskClaimed   = "claimed"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

var terminalTaskStatuses = map[string]bool{
	TaskCompleted: true,
	TaskFailed:    true,
	TaskCancelled: true,
}

// TerminalTaskStatus reports whether s is a terminal task status.
func TerminalTaskStatus(s string) bool { return terminalTaskStatuses[s] }

// Proposal kinds and statuses.
const (
	ProposalAddWorker    = "add-worker"
	ProposalRemoveWorker = "remove-worker"
	ProposalRuleChange   = "rule-change"

	ProposalOpen     = "open"
	ProposalApproved = "approved"
	ProposalRejected = "rejected"
)

var validProposalKinds = map[string]bool{
	ProposalAddWorker:    true,
	ProposalRemoveWorker: true,
	ProposalRuleChange:   true,
}

// ValidProposalKind reports whether s is an allowed proposal kind.
func ValidProposalKind(s string) bool { return validProposalKinds[s] }

// Vote stances.
const (
	StanceFor     = "for"
	StanceAgainst = "against"
)

// Approval item types and statuses.
const (
	ApprovalSpec        = "spec"
	ApprovalMerge       = "merge"
	ApprovalDeploy      = "deploy"
	ApprovalGenericTask = "generic-task"

	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

var validApprovalTypes = map[string]bool{
	ApprovalSpec:        true,
	ApprovalMerge:       true,
	ApprovalDeploy:      true,
	ApprovalGenericTask: true,
}

// ValidApprovalType reports whether s is an allowed approval item type.
func ValidApprovalType(s string) bool { return validApprovalTypes[s] }

// Outcome verdicts.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)

var validOutcomes = map[string]bool{
	OutcomeSuccess: true,
	OutcomeFailure: true,
	OutcomePartial: true,
}

// ValidOutcome reports whether s is an allowed outcome verdict.
func ValidOutcome(s string) bool { return validOutcomes[s] }

type Task struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Priority    int     `json:"priority"`
	PayloadJSON string  `json:"payload_json,omitempty"`
	Status      string  `json:"status" enum:"pending,claimed,completed,failed,cancelled"`
	AssignedTo  *string `json:"assigned_to,omitempty"`
	RepoRef     *string `json:"repo_ref,omitempty"`
	ParentID    *string `json:"parent_id,omitempty"`
	ResultJSON  *string `json:"result_json,omitempty"`
	Retries     int     `json:"retries"`
	NotBefore   *string `json:"not_before,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ClaimedAt   *string `json:"claimed_at,omitempty" format:"date-time"`
	HeartbeatAt *string `json:"heartbeat_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type ResourceLock struct {
	ResourceKey string `json:"resource_key"`
	Holder      string `json:"holder"`
	AcquiredAt  string `json:"acquired_at" format:"date-time"`
	ExpiresAt   string `json:"expires_at" format:"date-time"`
}

type Message struct {
	ID          string  `json:"id"`
	From        string  `json:"from"`
	To          *string `json:"to,omitempty"`
	Type        string  `json:"type"`
	PayloadJSON string  `json:"payload_json,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ReadAt      *string `json:"read_at,omitempty" format:"date-time"`
}

type DiscussionPost struct {
	ID        int64  `json:"id"`
	Topic     string `json:"topic"`
	Author    string `json:"author"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Proposal struct {
	ID          string  `json:"id"`
	Author      string  `json:"author"`
	Kind        string  `json:"kind" enum:"add-worker,remove-worker,rule-change"`
	Title       string  `json:"title"`
	Rationale   string  `json:"rationale,omitempty"`
	PayloadJSON string  `json:"payload_json,omitempty"`
	Status      string  `json:"status" enum:"open,approved,rejected"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ResolvedAt  *string `json:"resolved_at,omitempty" format:"date-time"`
}

type Vote struct {
	ProposalID string `json:"proposal_id"`
	Voter      string `json:"voter"`
	Stance     string `json:"stance" enum:"for,against"`
	Reason     string `json:"reason,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type ApprovalItem struct {
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

type ProviderHealth struct {
	Provider  string `json:"provider"`
	Limited   bool   `json:"limited"`
	ResetAt   string `json:"reset_at,omitempty" format:"date-time"`
	SetBy     string `json:"set_by"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type OutcomeRecord struct {
	ID           int64   `json:"id"`
	TaskID       string  `json:"task_id"`
	WorkerID     string  `json:"worker_id"`
	TaskType     string  `json:"task_type"`
	Outcome      string  `json:"outcome" enum:"success,failure,partial"`
	DurationMS   int64   `json:"duration_ms"`
	ErrorSummary *string `json:"error_summary,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Learning struct {
	ID              string  `json:"id"`
	WorkerID        string  `json:"worker_id"`
	Category        string  `json:"category"`
	Content         string  `json:"content"`
	Confidence      float64 `json:"confidence"`
	ValidationCount int     `json:"validation_count"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type Worker struct {
	ID           string `json:"id"`
	Role         string `json:"role,omitempty"`
	RegisteredAt string `json:"registered_at" format:"date-time"`
	LastSeenAt   string `json:"last_seen_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	WorkerID  string `json:"worker_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
