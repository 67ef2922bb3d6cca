package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"bullpen/internal/config"
	"bullpen/internal/db"
	"bullpen/internal/domain"
	"bullpen/internal/engine"
	"bullpen/internal/memory"
	"bullpen/internal/migrate"
	"bullpen/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test-crew")
	cfg.Crew.Workers = nil // tests pick their own worker ids unless they opt into the roster
	env := &testEnv{Ctx: context.Background(), now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return env.now }
	env.Engine = eng
	return env
}

func (e *testEnv) advance(d time.Duration) { e.now = e.now.Add(d) }

func (e *testEnv) createTask(t *testing.T, taskType string, priority int) domain.Task {
	t.Helper()
	task, err := e.Engine.CreateTask(e.Ctx, engine.TaskCreateOptions{Type: taskType, Priority: priority, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestClaimOrdersByPriorityThenAge(t *testing.T) {
	env := newTestEnv(t)
	low := env.createTask(t, "implement", 1)
	first := env.createTask(t, "implement", 7)
	env.advance(time.Second)
	second := env.createTask(t, "implement", 7)

	got, err := env.Engine.ClaimTask(env.Ctx, "w1", nil)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got == nil || got.ID != first.ID {
		t.Fatalf("expected oldest high priority task first")
	}
	if got.Status != domain.TaskClaimed || got.AssignedTo == nil || *got.AssignedTo != "w1" {
		t.Fatalf("claim did not assign: %+v", got)
	}
	got, err = env.Engine.ClaimTask(env.Ctx, "w1", nil)
	if err != nil || got == nil || got.ID != second.ID {
		t.Fatalf("expected second high priority task, got %+v (%v)", got, err)
	}
	got, err = env.Engine.ClaimTask(env.Ctx, "w1", nil)
	if err != nil || got == nil || got.ID != low.ID {
		t.Fatalf("expected low priority task last, got %+v (%v)", got, err)
	}
	// empty backlog is not an error
	got, err = env.Engine.ClaimTask(env.Ctx, "w1", nil)
	if err != nil || got != nil {
		t.Fatalf("expected no task, got %+v (%v)", got, err)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "implement", 5)

	var wg sync.WaitGroup
	winners := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			got, err := env.Engine.ClaimTask(env.Ctx, worker, nil)
			if err != nil {
				t.Errorf("claim %s: %v", worker, err)
				return
			}
			if got != nil {
				winners <- worker
			}
		}(fmt.Sprintf("w%d", i))
	}
	wg.Wait()
	close(winners)
	count := 0
	for range winners {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one winner, got %d", count)
	}
}

func TestClaimHonorsNotBefore(t *testing.T) {
	env := newTestEnv(t)
	nb := env.now.Add(time.Hour).UTC().Format(time.RFC3339)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Type: "implement", NotBefore: nb, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := env.Engine.ClaimTask(env.Ctx, "w1", nil)
	if err != nil || got != nil {
		t.Fatalf("task should be invisible before not_before")
	}
	env.advance(61 * time.Minute)
	got, err = env.Engine.ClaimTask(env.Ctx, "w1", nil)
	if err != nil || got == nil {
		t.Fatalf("expected claim after not_before: %v", err)
	}
}

func TestClaimHonorsRoster(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config = config.Default("crew")

	_, err := env.Engine.ClaimTask(env.Ctx, "stranger", nil)
	if err == nil || !strings.Contains(err.Error(), "not on the roster") {
		t.Fatalf("expected roster rejection, got %v", err)
	}
	env.createTask(t, "implement", 0)
	got, err := env.Engine.ClaimTask(env.Ctx, "planner-1", nil)
	if err != nil || got != nil {
		t.Fatalf("planner should not claim implement work, got %+v (%v)", got, err)
	}
	env.createTask(t, "write_spec", 0)
	got, err = env.Engine.ClaimTask(env.Ctx, "planner-1", nil)
	if err != nil || got == nil || got.Type != "write_spec" {
		t.Fatalf("expected planner to claim write_spec, got %+v (%v)", got, err)
	}
}

func TestCompleteRequiresOwnership(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "implement", 0)
	claimed, err := env.Engine.ClaimTask(env.Ctx, "w1", nil)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}

	_, err = env.Engine.CompleteTask(env.Ctx, claimed.ID, "w2", nil)
	var notOwner engine.NotOwnerError
	if !errors.As(err, &notOwner) {
		t.Fatalf("expected NotOwnerError, got %v", err)
	}
	if notOwner.Holder != "w1" {
		t.Fatalf("unexpected holder %s", notOwner.Holder)
	}

	result := `{"pr":42}`
	done, err := env.Engine.CompleteTask(env.Ctx, claimed.ID, "w1", &result)
	if err != nil || done.Status != domain.TaskCompleted {
		t.Fatalf("complete: %v", err)
	}
	if done.ResultJSON == nil || *done.ResultJSON != result {
		t.Fatalf("result not stored: %+v", done.ResultJSON)
	}

	_, err = env.Engine.CompleteTask(env.Ctx, claimed.ID, "w1", nil)
	var transition engine.TransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected TransitionError on double complete, got %v", err)
	}
}

func TestFailBacksOffThenParks(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "implement", 0)

	// max_retries 3, retry_delay 30s per config defaults
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := env.Engine.ClaimTask(env.Ctx, "w1", nil)
		if err != nil || claimed == nil {
			t.Fatalf("claim attempt %d: %v", attempt, err)
		}
		failed, err := env.Engine.FailTask(env.Ctx, claimed.ID, "w1", "flaky")
		if err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
		if failed.Status != domain.TaskPending || failed.Retries != attempt {
			t.Fatalf("attempt %d: expected requeue with retries=%d, got %s/%d", attempt, attempt, failed.Status, failed.Retries)
		}
		wantNotBefore := env.now.Add(time.Duration(30*attempt) * time.Second).UTC().Format(time.RFC3339)
		if failed.NotBefore == nil || *failed.NotBefore != wantNotBefore {
			t.Fatalf("attempt %d: expected backoff until %s, got %v", attempt, wantNotBefore, failed.NotBefore)
		}
		if got, _ := env.Engine.ClaimTask(env.Ctx, "w1", nil); got != nil {
			t.Fatalf("attempt %d: claimed during backoff", attempt)
		}
		env.advance(time.Duration(30*attempt)*time.Second + time.Second)
	}

	claimed, err := env.Engine.ClaimTask(env.Ctx, "w1", nil)
	if err != nil || claimed == nil {
		t.Fatalf("final claim: %v", err)
	}
	failed, err := env.Engine.FailTask(env.Ctx, claimed.ID, "w1", "still broken")
	if err != nil {
		t.Fatalf("final fail: %v", err)
	}
	if failed.Status != domain.TaskFailed || failed.Retries != 4 {
		t.Fatalf("expected parked failure, got %s/%d", failed.Status, failed.Retries)
	}
	if failed.ResultJSON == nil || !strings.Contains(*failed.ResultJSON, "still broken") {
		t.Fatalf("expected failure reason in result, got %v", failed.ResultJSON)
	}
}

func TestReclaimStaleRequeues(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "implement", 0)
	if got, err := env.Engine.ClaimTask(env.Ctx, "w1", nil); err != nil || got == nil {
		t.Fatalf("claim: %v", err)
	}

	// fresh claims are left alone
	got, err := env.Engine.ReclaimStale(env.Ctx, 0, "janitor")
	if err != nil || len(got) != 0 {
		t.Fatalf("expected nothing stale, got %d (%v)", len(got), err)
	}

	env.advance(301 * time.Second)
	got, err = env.Engine.ReclaimStale(env.Ctx, 0, "janitor")
	if err != nil || len(got) != 1 {
		t.Fatalf("reclaim: %v (%d)", err, len(got))
	}
	if got[0].Status != domain.TaskPending || got[0].Retries != 1 || got[0].AssignedTo != nil {
		t.Fatalf("expected clean requeue, got %+v", got[0])
	}
}

func TestHeartbeatKeepsClaimAlive(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "implement", 0)
	claimed, err := env.Engine.ClaimTask(env.Ctx, "w1", nil)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}
	env.advance(200 * time.Second)
	if _, err := env.Engine.Heartbeat(env.Ctx, claimed.ID, "w1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	env.advance(200 * time.Second)
	// 400s since claim but only 200s since the heartbeat
	got, err := env.Engine.ReclaimStale(env.Ctx, 0, "janitor")
	if err != nil || len(got) != 0 {
		t.Fatalf("heartbeat should have kept the claim, got %d (%v)", len(got), err)
	}
}

func TestReclaimForceFailsPoisonTasks(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "implement", 0)

	for i := 1; i <= 3; i++ {
		if got, err := env.Engine.ClaimTask(env.Ctx, "w1", nil); err != nil || got == nil {
			t.Fatalf("claim round %d: %v", i, err)
		}
		env.advance(301 * time.Second)
		reclaimed, err := env.Engine.ReclaimStale(env.Ctx, 0, "janitor")
		if err != nil || len(reclaimed) != 1 || reclaimed[0].Retries != i {
			t.Fatalf("reclaim round %d: %v", i, err)
		}
	}

	if got, err := env.Engine.ClaimTask(env.Ctx, "w1", nil); err != nil || got == nil {
		t.Fatalf("final claim: %v", err)
	}
	env.advance(301 * time.Second)
	reclaimed, err := env.Engine.ReclaimStale(env.Ctx, 0, "janitor")
	if err != nil || len(reclaimed) != 1 {
		t.Fatalf("final reclaim: %v", err)
	}
	if reclaimed[0].Status != domain.TaskFailed {
		t.Fatalf("expected poison task parked as failed, got %s", reclaimed[0].Status)
	}
}

func TestZombieWorkerCannotComplete(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "implement", 0)
	if got, err := env.Engine.ClaimTask(env.Ctx, "w1", nil); err != nil || got == nil {
		t.Fatalf("claim: %v", err)
	}
	env.advance(301 * time.Second)
	if _, err := env.Engine.ReclaimStale(env.Ctx, 0, "janitor"); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if got, err := env.Engine.ClaimTask(env.Ctx, "w2", nil); err != nil || got == nil {
		t.Fatalf("reclaim+claim: %v", err)
	}

	// the original worker comes back from the dead
	_, err := env.Engine.CompleteTask(env.Ctx, task.ID, "w1", nil)
	var notOwner engine.NotOwnerError
	if !errors.As(err, &notOwner) {
		t.Fatalf("expected NotOwnerError for zombie, got %v", err)
	}
	if notOwner.Holder != "w2" {
		t.Fatalf("expected current holder w2, got %s", notOwner.Holder)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, "w2", nil); err != nil {
		t.Fatalf("live holder complete: %v", err)
	}
}

func TestCancelStopsWork(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "implement", 0)
	if got, err := env.Engine.ClaimTask(env.Ctx, "w1", nil); err != nil || got == nil {
		t.Fatalf("claim: %v", err)
	}
	cancelled, err := env.Engine.CancelTask(env.Ctx, task.ID, "boss")
	if err != nil || cancelled.Status != domain.TaskCancelled {
		t.Fatalf("cancel: %v", err)
	}
	// heartbeat reports the cancellation instead of erroring
	hb, err := env.Engine.Heartbeat(env.Ctx, task.ID, "w1")
	if err != nil || hb.Status != domain.TaskCancelled {
		t.Fatalf("expected cancel signal via heartbeat, got %+v (%v)", hb, err)
	}
	if _, err := env.Engine.CancelTask(env.Ctx, task.ID, "boss"); err == nil {
		t.Fatalf("expected error cancelling a finished task")
	}
}

func TestHeartbeatOwnership(t *testing.T) {
	env := newTestEnv(t)
	env.createTask(t, "implement", 0)
	claimed, err := env.Engine.ClaimTask(env.Ctx, "w1", nil)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}
	env.advance(time.Minute)
	hb, err := env.Engine.Heartbeat(env.Ctx, claimed.ID, "w1")
	if err != nil || hb.HeartbeatAt == nil {
		t.Fatalf("heartbeat: %v", err)
	}
	_, err = env.Engine.Heartbeat(env.Ctx, claimed.ID, "w2")
	var notOwner engine.NotOwnerError
	if !errors.As(err, &notOwner) {
		t.Fatalf("expected NotOwnerError, got %v", err)
	}

	pending := env.createTask(t, "implement", 0)
	_, err = env.Engine.Heartbeat(env.Ctx, pending.ID, "w1")
	var transition engine.TransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("expected TransitionError for unclaimed task, got %v", err)
	}
}

func TestCreateTaskValidatesParent(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Type: "implement", ParentID: "nope", ActorID: "tester"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for missing parent, got %v", err)
	}
	parent := env.createTask(t, "write_spec", 0)
	child, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Type: "implement", ParentID: parent.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	if child.ParentID == nil || *child.ParentID != parent.ID {
		t.Fatalf("parent link missing: %+v", child.ParentID)
	}
}

func TestLockLifecycle(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Engine.AcquireLock(env.Ctx, "repo:main", "w1", 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	wantExpiry := env.now.Add(120 * time.Second).UTC().Format(time.RFC3339)
	if l.Holder != "w1" || l.ExpiresAt != wantExpiry {
		t.Fatalf("unexpected lease %+v", l)
	}

	_, err = env.Engine.AcquireLock(env.Ctx, "repo:main", "w2", 0)
	var held engine.LockHeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected LockHeldError, got %v", err)
	}
	if held.Holder != "w1" || held.ExpiresAt != l.ExpiresAt {
		t.Fatalf("conflict should name holder and expiry: %+v", held)
	}

	// re-acquiring your own lease extends it
	env.advance(60 * time.Second)
	l2, err := env.Engine.AcquireLock(env.Ctx, "repo:main", "w1", 0)
	if err != nil || l2.ExpiresAt != env.now.Add(120*time.Second).UTC().Format(time.RFC3339) {
		t.Fatalf("re-acquire: %v %+v", err, l2)
	}

	// releasing someone else's lease is a quiet no-op
	if err := env.Engine.ReleaseLock(env.Ctx, "repo:main", "w2"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if _, err := env.Engine.AcquireLock(env.Ctx, "repo:main", "w2", 0); err == nil {
		t.Fatalf("lease should still be held after foreign release")
	}

	l3, err := env.Engine.RenewLock(env.Ctx, "repo:main", "w1", 30*time.Second)
	if err != nil || l3.ExpiresAt != env.now.Add(30*time.Second).UTC().Format(time.RFC3339) {
		t.Fatalf("renew: %v %+v", err, l3)
	}

	// expired leases cannot be renewed, only re-acquired
	env.advance(31 * time.Second)
	if _, err := env.Engine.RenewLock(env.Ctx, "repo:main", "w1", 0); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected renew to fail after expiry, got %v", err)
	}
	l4, err := env.Engine.AcquireLock(env.Ctx, "repo:main", "w2", 0)
	if err != nil || l4.Holder != "w2" {
		t.Fatalf("takeover after expiry: %v %+v", err, l4)
	}

	if err := env.Engine.ReleaseLock(env.Ctx, "repo:main", "w2"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := env.Engine.AcquireLock(env.Ctx, "repo:main", "w1", 0); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestPurgeExpiredLocks(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AcquireLock(env.Ctx, "a", "w1", 10*time.Second); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if _, err := env.Engine.AcquireLock(env.Ctx, "b", "w1", time.Hour); err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	env.advance(time.Minute)
	n, err := env.Engine.PurgeExpiredLocks(env.Ctx, "janitor")
	if err != nil || n != 1 {
		t.Fatalf("purge: %v (%d)", err, n)
	}
}

func TestResolveOutcomeTable(t *testing.T) {
	cases := []struct {
		name      string
		forVotes  int
		against   int
		quorum    int
		threshold float64
		outcome   string
		decided   bool
	}{
		{"supermajority", 2, 1, 3, 0.6, domain.ProposalApproved, true},
		{"exactly at threshold", 3, 2, 3, 0.6, domain.ProposalApproved, true},
		{"below threshold", 1, 2, 3, 0.6, domain.ProposalRejected, true},
		{"under quorum", 1, 1, 3, 0.6, "", false},
		{"unanimous against", 0, 3, 3, 0.6, domain.ProposalRejected, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outcome, decided := engine.ResolveOutcome(engine.Tally{For: tc.forVotes, Against: tc.against}, tc.quorum, tc.threshold)
			if outcome != tc.outcome || decided != tc.decided {
				t.Fatalf("got %q/%v, want %q/%v", outcome, decided, tc.outcome, tc.decided)
			}
		})
	}
}

func TestVoteOncePerVoter(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		Author: "w1",
		Kind:   domain.ProposalRuleChange,
		Title:  "Adopt trunk-based flow",
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	if _, err := env.Engine.CastVote(env.Ctx, p.ID, "w1", domain.StanceFor, "author votes too"); err != nil {
		t.Fatalf("vote w1: %v", err)
	}
	if _, err := env.Engine.CastVote(env.Ctx, p.ID, "w2", domain.StanceFor, ""); err != nil {
		t.Fatalf("vote w2: %v", err)
	}
	if _, err := env.Engine.CastVote(env.Ctx, p.ID, "w3", domain.StanceAgainst, "too risky"); err != nil {
		t.Fatalf("vote w3: %v", err)
	}

	// changing your mind is not allowed
	_, err = env.Engine.CastVote(env.Ctx, p.ID, "w1", domain.StanceAgainst, "")
	var dup engine.DuplicateVoteError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateVoteError, got %v", err)
	}

	resolved, tally, err := env.Engine.ResolveProposal(env.Ctx, p.ID, 0, 0, "w1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != domain.ProposalApproved || tally.For != 2 || tally.Against != 1 {
		t.Fatalf("expected approval at 2/1, got %s %+v", resolved.Status, tally)
	}
	if resolved.ResolvedAt == nil {
		t.Fatalf("resolved_at missing")
	}
	resolvedAt := *resolved.ResolvedAt

	// votes after the decision bounce
	_, err = env.Engine.CastVote(env.Ctx, p.ID, "w4", domain.StanceFor, "")
	var already engine.AlreadyResolvedError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyResolvedError, got %v", err)
	}

	// resolving twice reports the recorded outcome, unchanged
	env.advance(time.Hour)
	again, _, err := env.Engine.ResolveProposal(env.Ctx, p.ID, 0, 0, "w2")
	if err != nil || again.Status != domain.ProposalApproved {
		t.Fatalf("re-resolve: %v", err)
	}
	if again.ResolvedAt == nil || *again.ResolvedAt != resolvedAt {
		t.Fatalf("resolution timestamp changed on re-resolve")
	}
}

func TestResolveRequiresQuorum(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		Author: "w1",
		Kind:   domain.ProposalAddWorker,
		Title:  "Add a second reviewer",
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	_, _ = env.Engine.CastVote(env.Ctx, p.ID, "w1", domain.StanceFor, "")
	_, _ = env.Engine.CastVote(env.Ctx, p.ID, "w2", domain.StanceAgainst, "")

	resolved, _, err := env.Engine.ResolveProposal(env.Ctx, p.ID, 0, 0, "w1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != domain.ProposalOpen || resolved.ResolvedAt != nil {
		t.Fatalf("expected proposal to stay open under quorum, got %s", resolved.Status)
	}

	// the deciding vote tips it under the threshold
	_, _ = env.Engine.CastVote(env.Ctx, p.ID, "w3", domain.StanceAgainst, "")
	resolved, tally, err := env.Engine.ResolveProposal(env.Ctx, p.ID, 0, 0, "w1")
	if err != nil || resolved.Status != domain.ProposalRejected {
		t.Fatalf("expected rejection at %d/%d, got %s (%v)", tally.For, tally.Against, resolved.Status, err)
	}
}

func TestApprovalGateApprove(t *testing.T) {
	env := newTestEnv(t)
	specTask := env.createTask(t, "write_spec", 7)
	if got, err := env.Engine.ClaimTask(env.Ctx, "w1", nil); err != nil || got == nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, specTask.ID, "w1", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	appr, err := env.Engine.SubmitApproval(env.Ctx, engine.ApprovalSubmitOptions{
		ItemType:    domain.ApprovalSpec,
		Reference:   specTask.ID,
		SubmittedBy: "w1",
	})
	if err != nil || appr.Status != domain.ApprovalPending {
		t.Fatalf("submit: %v", err)
	}

	decided, err := env.Engine.DecideApproval(env.Ctx, appr.ID, domain.ApprovalApproved, "boss", "go ahead")
	if err != nil || decided.Status != domain.ApprovalApproved {
		t.Fatalf("decide: %v", err)
	}
	if decided.DecidedBy == nil || *decided.DecidedBy != "boss" {
		t.Fatalf("reviewer not recorded: %+v", decided.DecidedBy)
	}

	// approval fans out the configured follow-on task, parented to the spec
	followups, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{Type: "implement", ParentID: specTask.ID})
	if err != nil || len(followups) != 1 {
		t.Fatalf("expected one follow-on implement task, got %d (%v)", len(followups), err)
	}
	if !strings.Contains(followups[0].PayloadJSON, appr.ID) {
		t.Fatalf("follow-on payload should reference the approval")
	}

	_, err = env.Engine.DecideApproval(env.Ctx, appr.ID, domain.ApprovalRejected, "boss", "changed my mind")
	var already engine.AlreadyResolvedError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyResolvedError, got %v", err)
	}
}

func TestApprovalGateReject(t *testing.T) {
	env := newTestEnv(t)
	appr, err := env.Engine.SubmitApproval(env.Ctx, engine.ApprovalSubmitOptions{
		ItemType:    domain.ApprovalSpec,
		Reference:   "branch-7",
		SubmittedBy: "w1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	decided, err := env.Engine.DecideApproval(env.Ctx, appr.ID, domain.ApprovalRejected, "boss", "needs rework")
	if err != nil || decided.Status != domain.ApprovalRejected {
		t.Fatalf("decide: %v", err)
	}

	// rejection notifies the submitter with the notes
	msgs, err := env.Engine.PollMessages(env.Ctx, "w1", "", 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected rejection message, got %d (%v)", len(msgs), err)
	}
	if msgs[0].Type != "approval.rejected" || !strings.Contains(msgs[0].PayloadJSON, "needs rework") {
		t.Fatalf("unexpected message %+v", msgs[0])
	}

	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{Type: "implement"})
	if err != nil || len(tasks) != 0 {
		t.Fatalf("rejection must not enqueue follow-on work")
	}
}

func TestMessagingFlow(t *testing.T) {
	env := newTestEnv(t)
	direct, err := env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{From: "w1", To: "w2", Type: "status.request"})
	if err != nil {
		t.Fatalf("send direct: %v", err)
	}
	if _, err := env.Engine.SendMessage(env.Ctx, engine.SendMessageOptions{From: "w3", Type: "announce", PayloadJSON: `{"note":"standup"}`}); err != nil {
		t.Fatalf("send broadcast: %v", err)
	}

	// broadcasts reach everyone, directs only their recipient
	forW2, err := env.Engine.PollMessages(env.Ctx, "w2", "", 0)
	if err != nil || len(forW2) != 2 {
		t.Fatalf("w2 poll: %v (%d)", err, len(forW2))
	}
	forW1, err := env.Engine.PollMessages(env.Ctx, "w1", "", 0)
	if err != nil || len(forW1) != 1 || forW1[0].To != nil {
		t.Fatalf("w1 should only see the broadcast, got %d (%v)", len(forW1), err)
	}

	read, err := env.Engine.MarkMessageRead(env.Ctx, direct.ID)
	if err != nil || read.ReadAt == nil {
		t.Fatalf("mark read: %v", err)
	}
	forW2, err = env.Engine.PollMessages(env.Ctx, "w2", "", 0)
	if err != nil || len(forW2) != 1 {
		t.Fatalf("read message still delivered: %d (%v)", len(forW2), err)
	}

	// a since cursor re-includes read messages
	since := env.now.Add(-time.Hour).UTC().Format(time.RFC3339)
	forW2, err = env.Engine.PollMessages(env.Ctx, "w2", since, 0)
	if err != nil || len(forW2) != 2 {
		t.Fatalf("since poll: %d (%v)", len(forW2), err)
	}
}

func TestProviderFallback(t *testing.T) {
	env := newTestEnv(t)
	// config default order is [primary, secondary]
	p, err := env.Engine.SelectProvider(env.Ctx)
	if err != nil || p != "primary" {
		t.Fatalf("expected primary, got %q (%v)", p, err)
	}

	if _, err := env.Engine.ReportProviderLimited(env.Ctx, "primary", env.now.Add(time.Hour), "w1"); err != nil {
		t.Fatalf("limit primary: %v", err)
	}
	p, err = env.Engine.SelectProvider(env.Ctx)
	if err != nil || p != "secondary" {
		t.Fatalf("expected fallback to secondary, got %q (%v)", p, err)
	}

	// no reset time means limited until cleared by hand
	if _, err := env.Engine.ReportProviderLimited(env.Ctx, "secondary", time.Time{}, "w1"); err != nil {
		t.Fatalf("limit secondary: %v", err)
	}
	_, err = env.Engine.SelectProvider(env.Ctx)
	var none engine.NoProviderError
	if !errors.As(err, &none) {
		t.Fatalf("expected NoProviderError, got %v", err)
	}
	if len(none.Tried) != 2 {
		t.Fatalf("error should list tried providers, got %v", none.Tried)
	}

	// primary's window has passed; the stored flag must not be trusted
	env.advance(2 * time.Hour)
	p, err = env.Engine.SelectProvider(env.Ctx)
	if err != nil || p != "primary" {
		t.Fatalf("expected primary after reset window, got %q (%v)", p, err)
	}

	if _, err := env.Engine.ClearProviderLimit(env.Ctx, "secondary", "w1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	p, err = env.Engine.SelectProvider(env.Ctx, "secondary", "primary")
	if err != nil || p != "secondary" {
		t.Fatalf("expected preferred secondary, got %q (%v)", p, err)
	}
}

func TestOutcomeAggregation(t *testing.T) {
	env := newTestEnv(t)
	record := func(taskID, worker, taskType, outcome string, ms int64) {
		t.Helper()
		_, err := env.Engine.RecordOutcome(env.Ctx, engine.OutcomeRecordOptions{
			TaskID:   taskID,
			WorkerID: worker,
			TaskType: taskType,
			Outcome:  outcome,
			Duration: time.Duration(ms) * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("record %s: %v", taskID, err)
		}
	}
	record("t1", "w1", "write_spec", domain.OutcomeSuccess, 100)
	record("t2", "w1", "implement", domain.OutcomeFailure, 300)
	record("t3", "w2", "implement", domain.OutcomeSuccess, 200)
	record("t4", "w2", "implement", domain.OutcomePartial, 400)

	summary, err := env.Engine.AggregateOutcomes(env.Ctx, 0)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	o := summary.Overall
	if o.Total != 4 || o.Success != 2 || o.Failure != 1 || o.Partial != 1 {
		t.Fatalf("unexpected overall counts %+v", o)
	}
	if o.SuccessRate != 0.5 || o.AvgDurationMS != 250 {
		t.Fatalf("unexpected overall rates %+v", o)
	}
	if summary.ByWorker["w1"].Total != 2 || summary.ByWorker["w2"].Success != 1 {
		t.Fatalf("unexpected per-worker stats %+v", summary.ByWorker)
	}
	if summary.ByType["implement"].Total != 3 || summary.ByType["write_spec"].SuccessRate != 1.0 {
		t.Fatalf("unexpected per-type stats %+v", summary.ByType)
	}

	// the window excludes older records
	env.advance(time.Hour)
	record("t5", "w1", "write_spec", domain.OutcomeSuccess, 50)
	summary, err = env.Engine.AggregateOutcomes(env.Ctx, 30*time.Minute)
	if err != nil || summary.Overall.Total != 1 {
		t.Fatalf("windowed aggregate: %+v (%v)", summary.Overall, err)
	}

	if _, err := env.Engine.RecordOutcome(env.Ctx, engine.OutcomeRecordOptions{TaskID: "t6", WorkerID: "w1", Outcome: "meh"}); err == nil {
		t.Fatalf("expected unknown outcome to be rejected")
	}
}

func TestLearningReinforcement(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Engine.AddLearning(env.Ctx, engine.LearningAddOptions{
		WorkerID:   "w1",
		Category:   "sqlite",
		Content:    "wrap multi-row writes in one tx",
		Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if l.ValidationCount != 0 {
		t.Fatalf("fresh learning should be unvalidated")
	}

	// reinforcement bumps the counter, never the content
	l2, err := env.Engine.ReinforceLearning(env.Ctx, l.ID, "w2")
	if err != nil || l2.ValidationCount != 1 || l2.Content != l.Content {
		t.Fatalf("reinforce: %v %+v", err, l2)
	}

	if _, err := env.Engine.AddLearning(env.Ctx, engine.LearningAddOptions{WorkerID: "w1", Category: "x", Content: "y", Confidence: 1.5}); err == nil {
		t.Fatalf("expected confidence bounds check")
	}

	// the learning is exported across the memory boundary
	sink := memory.Sink{DB: env.Engine.DB}
	recs, err := sink.Pending(env.Ctx, 0)
	if err != nil || len(recs) != 1 {
		t.Fatalf("memory export: %v (%d)", err, len(recs))
	}
	if recs[0].Kind != "learning" || recs[0].Importance != 0.8 {
		t.Fatalf("unexpected export %+v", recs[0])
	}
}

func TestEndToEndSpecFlow(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config = config.Default("crew")

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Type: "write_spec", Priority: 7, ActorID: "human"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	claimed, err := env.Engine.ClaimTask(env.Ctx, "planner-1", nil)
	if err != nil || claimed == nil || claimed.ID != task.ID {
		t.Fatalf("planner claim: %v", err)
	}
	result := `{"spec_url":"specs/billing.md"}`
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, "planner-1", &result); err != nil {
		t.Fatalf("complete: %v", err)
	}
	appr, err := env.Engine.SubmitApproval(env.Ctx, engine.ApprovalSubmitOptions{
		ItemType:    domain.ApprovalSpec,
		Reference:   task.ID,
		SubmittedBy: "planner-1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.DecideApproval(env.Ctx, appr.ID, domain.ApprovalApproved, "human", "approved"); err != nil {
		t.Fatalf("decide: %v", err)
	}

	// the approved spec turns into implement work a builder can pick up
	got, err := env.Engine.ClaimTask(env.Ctx, "builder-1", nil)
	if err != nil || got == nil || got.Type != "implement" {
		t.Fatalf("builder claim: %+v (%v)", got, err)
	}
	if got.ParentID == nil || *got.ParentID != task.ID {
		t.Fatalf("follow-on should be parented to the spec task")
	}
}

func TestEventsAppendedOnTaskFlow(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "implement", 0)
	if got, err := env.Engine.ClaimTask(env.Ctx, "w1", nil); err != nil || got == nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, "w1", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, task.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if count < 3 {
		t.Fatalf("expected create/claim/complete events, got %d", count)
	}
}
