package generation

import (
	"context"

	"github.com/kiranshivaraju/genforge/pkg/models"
	"golang.org/x/time/rate"
)

// Throttle paces calls to the wrapped client with a token bucket shared by
// every job in the process. It waits, it never retries.
type Throttle struct {
	next    models.GenerationClient
	limiter *rate.Limiter
}

// NewThrottle wraps next. A non-positive perSecond disables pacing.
func NewThrottle(next models.GenerationClient, perSecond float64, burst int) *Throttle {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (t *Throttle) Name() string { return t.next.Name() }

func (t *Throttle) Generate(ctx context.Context, p models.GenerateParams) ([]string, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.next.Generate(ctx, p)
}

func (t *Throttle) Edit(ctx context.Context, p models.EditParams) ([]string, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.next.Edit(ctx, p)
}

func (t *Throttle) SequentialEdit(ctx context.Context, p models.SequentialEditParams) ([]string, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.next.SequentialEdit(ctx, p)
}

func (t *Throttle) SubmitVideo(ctx context.Context, p models.VideoParams) (models.VideoTask, error) {
	if err := t.wait(ctx); err != nil {
		return models.VideoTask{}, err
	}
	return t.next.SubmitVideo(ctx, p)
}

// PollResult is not paced; result reads are cheap and the poller already
// spaces them by its own interval.
func (t *Throttle) PollResult(ctx context.Context, taskID string) (models.PollResult, error) {
	return t.next.PollResult(ctx, taskID)
}

func (t *Throttle) wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return TransportError(ctx.Err())
		}
		// The wait would outlast the deadline.
		return TransportError(context.DeadlineExceeded)
	}
	return nil
}

var _ models.GenerationClient = (*Throttle)(nil)
