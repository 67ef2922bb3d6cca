package bullpensdk

import (
	"context"
	"time"
)

// Handler processes one claimed task. The returned result is reported with
// the completion; a non-nil error reports a failed attempt instead.
type Handler func(ctx context.Context, task Task) (result any, err error)

// Runner is the standard worker loop: claim, handle, report, repeat.
// It heartbeats while the handler runs and cancels the handler's context
// if the task is cancelled out from under it.
type Runner struct {
	Client            *Client
	Types             []string
	Handler           Handler
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Logf              func(format string, args ...any)
}

// Run claims and handles tasks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	poll := r.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		task, err := r.Client.Claim(ctx, r.Types...)
		if err != nil {
			r.logf("claim: %v", err)
			if !sleep(ctx, poll) {
				return ctx.Err()
			}
			continue
		}
		if task == nil {
			if !sleep(ctx, poll) {
				return ctx.Err()
			}
			continue
		}
		r.runOne(ctx, *task)
	}
}

func (r *Runner) runOne(ctx context.Context, task Task) {
	hbEvery := r.HeartbeatInterval
	if hbEvery <= 0 {
		hbEvery = 20 * time.Second
	}
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(hbEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-taskCtx.Done():
				return
			case <-ticker.C:
				t, err := r.Client.Heartbeat(taskCtx, task.ID)
				if err != nil {
					r.logf("heartbeat %s: %v", task.ID, err)
					continue
				}
				if t.Status == "cancelled" {
					r.logf("task %s cancelled; abandoning", task.ID)
					cancel()
					return
				}
			}
		}
	}()
	started := time.Now()
	result, err := r.Handler(taskCtx, task)
	close(done)
	if taskCtx.Err() != nil && ctx.Err() == nil {
		// Cancelled via heartbeat. The task already moved on without us.
		return
	}
	duration := time.Since(started)
	if err != nil {
		if _, ferr := r.Client.Fail(ctx, task.ID, err.Error()); ferr != nil {
			r.logf("fail %s: %v", task.ID, ferr)
			return
		}
		if oerr := r.Client.RecordOutcome(ctx, task.ID, "failure", duration.Milliseconds(), err.Error()); oerr != nil {
			r.logf("record outcome %s: %v", task.ID, oerr)
		}
		return
	}
	if _, cerr := r.Client.Complete(ctx, task.ID, result); cerr != nil {
		r.logf("complete %s: %v", task.ID, cerr)
		return
	}
	if oerr := r.Client.RecordOutcome(ctx, task.ID, "success", duration.Milliseconds(), ""); oerr != nil {
		r.logf("record outcome %s: %v", task.ID, oerr)
	}
}

func (r *Runner) logf(format string, args ...any) {
	if r.Logf != nil {
		r.Logf(format, args...)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
