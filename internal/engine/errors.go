package engine

import "fmt"

// NotOwnerError indicates the caller does not hold the claimed task.
type NotOwnerError struct {
	TaskID   string
	WorkerID string
	Holder   string
}

func (e NotOwnerError) Error() string {
	return fmt.Sprintf("task %s is held by %s, not %s", e.TaskID, e.Holder, e.WorkerID)
}

// TransitionError indicates a status change the task machine does not allow.
type TransitionError struct {
	TaskID string
	From   string
	To     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition %s -> %s", e.From, e.To)
}

// LockHeldError indicates a live lease held by someone else.
type LockHeldError struct {
	ResourceKey string
	Holder      string
	ExpiresAt   string
}

func (e LockHeldError) Error() string {
	return fmt.Sprintf("resource %s is locked by %s until %s", e.ResourceKey, e.Holder, e.ExpiresAt)
}

// DuplicateVoteError indicates the voter already voted on the proposal.
type DuplicateVoteError struct {
	ProposalID string
	Voter      string
}

func (e DuplicateVoteError) Error() string {
	return fmt.Sprintf("%s already voted on proposal %s", e.Voter, e.ProposalID)
}

// AlreadyResolvedError indicates an approval or proposal that is no longer
// open for the attempted action.
type AlreadyResolvedError struct {
	ID     string
	Status string
}

func (e AlreadyResolvedError) Error() string {
	return fmt.Sprintf("%s is already %s", e.ID, e.Status)
}

// NoProviderError indicates every candidate provider is rate limited.
type NoProviderError struct {
	Tried []string
}

func (e NoProviderError) Error() string {
	return fmt.Sprintf("no provider available, tried %v", e.Tried)
}
