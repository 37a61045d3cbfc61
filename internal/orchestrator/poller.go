package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/genforge/internal/generation"
	"github.com/kiranshivaraju/genforge/internal/metrics"
	"github.com/kiranshivaraju/genforge/pkg/models"
)

// ErrPollTimeout is returned when a task is still not terminal after the
// maximum number of poll attempts. It is retryable and distinct from a
// provider-reported failure.
var ErrPollTimeout = errors.New("video task did not finish in time")

// PollOutcome is the terminal state of one awaited task.
type PollOutcome struct {
	State   models.VideoPollState
	Outputs []string
}

// Poller drives one asynchronous provider task to a terminal state.
type Poller struct {
	client      models.GenerationClient
	interval    time.Duration
	maxAttempts int
	callTimeout time.Duration
}

func NewPoller(client models.GenerationClient, interval time.Duration, maxAttempts int, callTimeout time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 30
	}
	return &Poller{client: client, interval: interval, maxAttempts: maxAttempts, callTimeout: callTimeout}
}

// Await polls task until it completes, fails, or exhausts the attempt budget.
// The whole wait is bounded by maxAttempts*interval, however slowly the
// provider answers. Cancelling ctx stops the wait promptly and aborts an
// in-flight poll.
func (p *Poller) Await(ctx context.Context, task models.VideoTask) (outcome PollOutcome, err error) {
	outcome.State = models.VideoPollState{TaskID: task.TaskID, Status: models.PollStatusCreated}
	defer func() {
		metrics.ObservePollAttempts(outcome.State.Status, outcome.State.AttemptCount)
	}()

	switch {
	case task.Status == models.PollStatusCompleted && len(task.Outputs) > 0:
		return completed(outcome.State, task.Outputs), nil
	case task.Status == models.PollStatusFailed:
		outcome.State.Status = models.PollStatusFailed
		return outcome, fmt.Errorf("%w: video task failed on submission", generation.ErrPermanent)
	case task.TaskID == "":
		outcome.State.Status = models.PollStatusFailed
		return outcome, fmt.Errorf("%w: provider returned no task id", generation.ErrPermanent)
	}

	outcome.State.Status = models.PollStatusProcessing
	budget := time.Duration(p.maxAttempts) * p.interval
	pollCtx, cancel := context.WithTimeoutCause(ctx, budget, ErrPollTimeout)
	defer cancel()

	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for outcome.State.AttemptCount < p.maxAttempts {
		select {
		case <-pollCtx.Done():
			return p.stopped(ctx, outcome)
		case <-timer.C:
		}

		outcome.State.AttemptCount++
		res, err := p.poll(pollCtx, task.TaskID)
		switch {
		case err != nil && pollCtx.Err() != nil:
			return p.stopped(ctx, outcome)
		case err != nil && generation.Classify(err) == models.ClassTransient:
			slog.Warn("transient poll error", "task_id", task.TaskID, "attempt", outcome.State.AttemptCount, "error", err)
		case err != nil:
			outcome.State.Status = models.PollStatusFailed
			return outcome, err
		case res.Status == models.PollStatusCompleted && len(res.Outputs) > 0:
			return completed(outcome.State, res.Outputs), nil
		case res.Status == models.PollStatusCompleted:
			outcome.State.Status = models.PollStatusFailed
			return outcome, fmt.Errorf("%w: video task completed without outputs", generation.ErrPermanent)
		case res.Status == models.PollStatusFailed:
			outcome.State.Status = models.PollStatusFailed
			msg := res.Error
			if msg == "" {
				msg = "video task failed"
			}
			return outcome, fmt.Errorf("%w: %s", generation.ErrPermanent, msg)
		}

		timer.Reset(p.interval)
	}

	return p.timedOut(outcome)
}

// stopped reports why the poll context ended: the caller's cancellation, or
// the poll budget running out.
func (p *Poller) stopped(ctx context.Context, outcome PollOutcome) (PollOutcome, error) {
	if err := ctx.Err(); err != nil {
		return outcome, err
	}
	return p.timedOut(outcome)
}

func (p *Poller) timedOut(outcome PollOutcome) (PollOutcome, error) {
	outcome.State.Status = models.PollStatusTimedOut
	return outcome, fmt.Errorf("%w after %d attempts", ErrPollTimeout, outcome.State.AttemptCount)
}

func (p *Poller) poll(ctx context.Context, taskID string) (models.PollResult, error) {
	if p.callTimeout <= 0 {
		return p.client.PollResult(ctx, taskID)
	}
	pollCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	return p.client.PollResult(pollCtx, taskID)
}

func completed(state models.VideoPollState, outputs []string) PollOutcome {
	state.Status = models.PollStatusCompleted
	state.LastOutputRef = outputs[0]
	return PollOutcome{State: state, Outputs: outputs}
}
