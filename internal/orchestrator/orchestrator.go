// Package orchestrator drives generation jobs: it validates submissions,
// pre-checks credits, runs items strictly in order against the generation
// provider, charges only for produced work, and records progress after every
// item.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/genforge/internal/cache"
	"github.com/kiranshivaraju/genforge/internal/credit"
	"github.com/kiranshivaraju/genforge/internal/gallery"
	"github.com/kiranshivaraju/genforge/internal/generation"
	"github.com/kiranshivaraju/genforge/internal/metrics"
	"github.com/kiranshivaraju/genforge/internal/store"
	"github.com/kiranshivaraju/genforge/pkg/models"
)

// ErrShuttingDown is returned for submissions that arrive after Shutdown.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

var errJobCancelled = errors.New("job cancelled")

const (
	snapshotTTL        = 24 * time.Hour
	cancelFlagTTL      = 24 * time.Hour
	gallerySaveTimeout = 30 * time.Second
	defaultCallTimeout = 120 * time.Second
	interruptedMessage = "interrupted by shutdown"
)

// GalleryRecorder receives produced artifacts.
type GalleryRecorder interface {
	Save(ctx context.Context, in gallery.SaveInput) (*models.GalleryItem, error)
}

// Orchestrator owns every job it runs. One instance per process.
type Orchestrator struct {
	jobs        store.JobStore
	ledger      *credit.Ledger
	pricing     credit.Pricing
	client      models.GenerationClient
	poller      *Poller
	gallery     GalleryRecorder
	cache       cache.Cache
	callTimeout time.Duration

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	running map[uuid.UUID]context.CancelCauseFunc
}

// New creates an Orchestrator. recorder may be nil.
func New(jobs store.JobStore, ledger *credit.Ledger, pricing credit.Pricing, client models.GenerationClient,
	poller *Poller, recorder GalleryRecorder, c cache.Cache, callTimeout time.Duration) *Orchestrator {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		jobs:        jobs,
		ledger:      ledger,
		pricing:     pricing,
		client:      client,
		poller:      poller,
		gallery:     recorder,
		cache:       c,
		callTimeout: callTimeout,
		baseCtx:     baseCtx,
		stop:        stop,
		running:     make(map[uuid.UUID]context.CancelCauseFunc),
	}
}

// Prepare validates req, pre-checks the full cost and creates the job in
// status processing. On any error no job exists.
func (o *Orchestrator) Prepare(ctx context.Context, ownerID uuid.UUID, req SubmitRequest) (*models.Job, error) {
	if o.baseCtx.Err() != nil {
		return nil, ErrShuttingDown
	}
	genReq, err := Normalize(req)
	if err != nil {
		return nil, err
	}
	if err := o.precheck(ctx, ownerID, genReq); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		Kind:       genReq.Kind,
		Status:     models.JobStatusProcessing,
		TotalItems: len(genReq.Items),
		Request:    genReq,
		Results:    []models.ItemResult{},
		Errors:     []models.ItemError{},
		StartedAt:  &now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	metrics.RecordJobSubmitted(job.Kind)
	o.mirror(ctx, job)
	slog.Info("job created", "job_id", job.ID, "owner_id", ownerID, "kind", job.Kind, "total_items", job.TotalItems)
	return job, nil
}

// Submit creates the job and processes it in the background. The returned
// job reflects the state at creation.
func (o *Orchestrator) Submit(ctx context.Context, ownerID uuid.UUID, req SubmitRequest) (*models.Job, error) {
	job, err := o.Prepare(ctx, ownerID, req)
	if err != nil {
		return nil, err
	}
	if _, err := o.launch(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Execute creates the job and waits for it to finish. If ctx ends first the
// job keeps running and ctx's error is returned.
func (o *Orchestrator) Execute(ctx context.Context, ownerID uuid.UUID, req SubmitRequest) (*models.Job, error) {
	job, err := o.Prepare(ctx, ownerID, req)
	if err != nil {
		return nil, err
	}
	done, err := o.launch(job)
	if err != nil {
		return nil, err
	}
	select {
	case final := <-done:
		return final, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the persisted job.
func (o *Orchestrator) Get(ctx context.Context, ownerID, jobID uuid.UUID) (*models.Job, error) {
	return o.jobs.GetJob(ctx, jobID, ownerID)
}

// Progress returns the job's counters, from the cache when mirrored.
func (o *Orchestrator) Progress(ctx context.Context, ownerID, jobID uuid.UUID) (*cache.JobSnapshot, error) {
	snap, ok, err := o.cache.GetJobSnapshot(ctx, jobID)
	if err != nil {
		slog.Warn("job snapshot lookup failed", "job_id", jobID, "error", err)
	} else if ok {
		if snap.OwnerID != ownerID {
			return nil, store.ErrForbidden
		}
		return snap, nil
	}

	job, err := o.jobs.GetJob(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	s := snapshotOf(job)
	return &s, nil
}

// Cancel moves a pending or processing job to cancelled. The running loop
// stops before its next item; recorded items and charges are kept.
func (o *Orchestrator) Cancel(ctx context.Context, ownerID, jobID uuid.UUID) (*models.Job, error) {
	job, err := o.jobs.GetJob(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	if models.IsTerminalStatus(job.Status) {
		return nil, fmt.Errorf("job is already %s: %w", job.Status, store.ErrInvalidTransition)
	}
	if err := o.jobs.UpdateJobStatus(ctx, jobID, models.JobStatusCancelled); err != nil {
		return nil, err
	}
	if err := o.cache.RequestCancel(ctx, jobID, cancelFlagTTL); err != nil {
		slog.Warn("setting cancel flag failed", "job_id", jobID, "error", err)
	}

	o.mu.Lock()
	if cancel, ok := o.running[jobID]; ok {
		cancel(errJobCancelled)
	}
	o.mu.Unlock()

	slog.Info("job cancelled", "job_id", jobID, "owner_id", ownerID)
	job, err = o.jobs.GetJob(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	o.mirror(ctx, job)
	return job, nil
}

// Retry re-runs a terminal job from index 0 under the same id. The returned
// job is the reset state: pending with zeroed counters.
func (o *Orchestrator) Retry(ctx context.Context, ownerID, jobID uuid.UUID) (*models.Job, error) {
	if o.baseCtx.Err() != nil {
		return nil, ErrShuttingDown
	}
	job, err := o.jobs.GetJob(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	if !models.IsTerminalStatus(job.Status) || o.isRunning(jobID) {
		return nil, fmt.Errorf("job is still %s: %w", job.Status, store.ErrInvalidTransition)
	}
	if err := o.precheck(ctx, ownerID, job.Request); err != nil {
		return nil, err
	}
	if err := o.jobs.ResetJob(ctx, jobID); err != nil {
		return nil, err
	}
	if err := o.cache.ClearCancel(ctx, jobID); err != nil {
		slog.Warn("clearing cancel flag failed", "job_id", jobID, "error", err)
	}

	job, err = o.jobs.GetJob(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	slog.Info("job retried", "job_id", jobID, "owner_id", ownerID)
	o.mirror(ctx, job)
	if _, err := o.launch(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Shutdown stops every running loop before its next item and waits for job
// and gallery goroutines. Interrupted jobs are marked failed and can be
// retried.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

func (o *Orchestrator) precheck(ctx context.Context, ownerID uuid.UUID, req models.GenerationRequest) error {
	needed := o.pricing.PerItemCost(req) * len(req.Items)
	ok, balance, err := o.ledger.Precheck(ctx, ownerID, needed)
	if err != nil {
		return fmt.Errorf("checking credits: %w", err)
	}
	if !ok {
		return &credit.InsufficientCreditsError{
			Needed:    needed,
			Available: balance,
			Reason:    credit.Describe(req.Kind, unitCount(req)),
		}
	}
	return nil
}

func (o *Orchestrator) isRunning(jobID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[jobID]
	return ok
}

// launch runs a copy of job on a tracked goroutine. The channel receives the
// final state. After Shutdown the job is marked interrupted instead and
// ErrShuttingDown is returned.
func (o *Orchestrator) launch(job *models.Job) (<-chan *models.Job, error) {
	state := *job
	state.Results = append([]models.ItemResult{}, job.Results...)
	state.Errors = append([]models.ItemError{}, job.Errors...)

	jobCtx, cancel := context.WithCancelCause(o.baseCtx)
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel(nil)
		o.abandon(&state)
		return nil, ErrShuttingDown
	}
	o.running[job.ID] = cancel
	// Add happens under mu so it is ordered before Shutdown's Wait.
	o.wg.Add(1)
	o.mu.Unlock()

	done := make(chan *models.Job, 1)
	go func() {
		defer o.wg.Done()
		final := o.run(jobCtx, &state)

		o.mu.Lock()
		delete(o.running, job.ID)
		o.mu.Unlock()
		cancel(nil)
		done <- final
	}()
	return done, nil
}

// abandon marks a job that was created but never started as interrupted, so
// it can be retried.
func (o *Orchestrator) abandon(job *models.Job) {
	ctx := context.Background()
	if job.Status == models.JobStatusPending {
		if err := o.jobs.UpdateJobStatus(ctx, job.ID, models.JobStatusProcessing); err != nil {
			slog.Warn("abandoned job could not be marked", "job_id", job.ID, "error", err)
		}
	}
	o.finish(ctx, job, models.JobStatusFailed, interruptedMessage)
}

type stopReason int

const (
	keepGoing stopReason = iota
	stopCancelled
	stopShutdown
)

func (o *Orchestrator) run(ctx context.Context, job *models.Job) (final *models.Job) {
	final = job
	persistCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in job run", "error", r, "job_id", job.ID)
			o.finish(persistCtx, job, models.JobStatusFailed, fmt.Sprintf("panic: %v", r))
		}
	}()

	if job.Status == models.JobStatusPending {
		if err := o.jobs.UpdateJobStatus(persistCtx, job.ID, models.JobStatusProcessing); err != nil {
			slog.Warn("job could not start", "job_id", job.ID, "error", err)
			if errors.Is(err, store.ErrInvalidTransition) {
				// Cancelled between reset and start.
				o.settle(persistCtx, job, models.JobStatusCancelled)
			}
			return job
		}
		now := time.Now().UTC()
		job.Status = models.JobStatusProcessing
		job.StartedAt = &now
		metrics.RecordJobSubmitted(job.Kind)
		o.mirror(persistCtx, job)
	}

	for index, item := range job.Request.Items {
		if reason := o.stopRequested(ctx, job); reason != keepGoing {
			o.halt(persistCtx, job, reason)
			return job
		}

		outcome, err := o.processItem(ctx, job, index, item)
		if err != nil {
			// The item was interrupted; it is neither charged nor recorded.
			o.halt(persistCtx, job, o.stopRequested(ctx, job))
			return job
		}

		progress, err := o.jobs.RecordItem(persistCtx, job.ID, outcome)
		if err != nil {
			slog.Error("recording item failed", "job_id", job.ID, "index", index, "error", err)
			o.finish(persistCtx, job, models.JobStatusFailed, fmt.Sprintf("recording item %d: %v", index, err))
			return job
		}
		o.apply(job, outcome, progress)
		o.mirror(persistCtx, job)
	}

	status := models.JobStatusCompleted
	msg := ""
	if job.SucceededItems() == 0 {
		status = models.JobStatusFailed
		if n := len(job.Errors); n > 0 {
			msg = job.Errors[n-1].Message
		}
	}
	o.finish(persistCtx, job, status, msg)
	o.emitGallery(job)
	return job
}

// stopRequested is checked once before every item.
func (o *Orchestrator) stopRequested(ctx context.Context, job *models.Job) stopReason {
	if ctx.Err() != nil {
		if errors.Is(context.Cause(ctx), errJobCancelled) {
			return stopCancelled
		}
		return stopShutdown
	}

	requested, err := o.cache.CancelRequested(ctx, job.ID)
	if err == nil {
		if requested {
			return stopCancelled
		}
		return keepGoing
	}

	slog.Warn("cancel flag lookup failed, checking store", "job_id", job.ID, "error", err)
	current, err := o.jobs.GetJob(ctx, job.ID, job.OwnerID)
	if err == nil && current.Status == models.JobStatusCancelled {
		return stopCancelled
	}
	return keepGoing
}

func (o *Orchestrator) halt(ctx context.Context, job *models.Job, reason stopReason) {
	if reason == stopShutdown {
		o.finish(ctx, job, models.JobStatusFailed, interruptedMessage)
	} else {
		o.settle(ctx, job, models.JobStatusCancelled)
	}
	o.emitGallery(job)
}

// finish persists the terminal status. A job cancelled after its last item
// stays cancelled.
func (o *Orchestrator) finish(ctx context.Context, job *models.Job, status, msg string) {
	var opts []store.JobUpdateOption
	if msg != "" {
		opts = append(opts, store.WithErrorMessage(msg))
	}
	err := o.jobs.SetTerminal(ctx, job.ID, status, opts...)
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		status, msg = models.JobStatusCancelled, ""
	case err != nil:
		slog.Error("setting terminal status failed", "job_id", job.ID, "status", status, "error", err)
	}
	if msg != "" {
		job.ErrorMessage = &msg
	}
	o.settle(ctx, job, status)
}

func (o *Orchestrator) settle(ctx context.Context, job *models.Job, status string) {
	now := time.Now().UTC()
	job.Status = status
	job.CompletedAt = &now
	job.UpdatedAt = now

	if status == models.JobStatusCancelled {
		if err := o.cache.ClearCancel(ctx, job.ID); err != nil {
			slog.Warn("clearing cancel flag failed", "job_id", job.ID, "error", err)
		}
	}
	o.mirror(ctx, job)
	metrics.RecordJobFinished(job.Kind, status)
	slog.Info("job finished",
		"job_id", job.ID,
		"status", status,
		"processed_items", job.ProcessedItems,
		"failed_items", job.FailedItems,
		"credits_charged", job.CreditsCharged,
	)
}

// processItem runs one item. A non-nil error means the item was interrupted
// by cancellation or shutdown and must not be recorded.
func (o *Orchestrator) processItem(ctx context.Context, job *models.Job, index int, item models.ItemSpec) (models.ItemOutcome, error) {
	persistCtx := context.WithoutCancel(ctx)
	cost := o.pricing.PerItemCost(job.Request)
	units := credit.Describe(job.Kind, unitsPerItem(job.Request))

	ok, balance, err := o.ledger.Precheck(persistCtx, job.OwnerID, cost)
	if err != nil {
		return itemFailure(index, item, fmt.Sprintf("checking credits: %v", err), models.ClassTransient, 0), nil
	}
	if !ok {
		ice := &credit.InsufficientCreditsError{Needed: cost, Available: balance, Reason: units}
		return itemFailure(index, item, ice.Error(), models.ClassInsufficientCredits, 0), nil
	}

	start := time.Now()
	outputs, err := o.invoke(ctx, job.Request, item)
	if err == nil && len(outputs) == 0 {
		err = fmt.Errorf("%w: provider returned no outputs", generation.ErrPermanent)
	}
	metrics.ObserveProviderCall(job.Kind, time.Since(start), err)

	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return models.ItemOutcome{}, err
		}
		class := classify(err)
		charged := o.chargeFailure(persistCtx, job, units)
		slog.Warn("item failed", "job_id", job.ID, "index", index, "classification", class, "error", err)
		return itemFailure(index, item, err.Error(), class, charged), nil
	}

	if _, err := o.ledger.Debit(persistCtx, job.OwnerID, cost, &job.ID, units); err != nil {
		if credit.IsInsufficient(err) {
			return itemFailure(index, item, err.Error(), models.ClassInsufficientCredits, 0), nil
		}
		slog.Error("debit failed", "job_id", job.ID, "index", index, "error", err)
		return itemFailure(index, item, fmt.Sprintf("debiting credits: %v", err), models.ClassTransient, 0), nil
	}

	return models.ItemOutcome{
		Index: index,
		Result: &models.ItemResult{
			Index:          index,
			InputRef:       item.InputRef,
			OutputRef:      outputs[0],
			Outputs:        outputs,
			CreditsCharged: cost,
		},
	}, nil
}

// chargeFailure applies the failed-item charge, if configured. A balance too
// low for the charge is not an error; the item is then free.
func (o *Orchestrator) chargeFailure(ctx context.Context, job *models.Job, units string) int {
	charge := o.pricing.FailedItemCharge()
	if charge <= 0 {
		return 0
	}
	if _, err := o.ledger.Debit(ctx, job.OwnerID, charge, &job.ID, "failed "+units); err != nil {
		if !credit.IsInsufficient(err) {
			slog.Warn("failed-item charge not applied", "job_id", job.ID, "error", err)
		}
		return 0
	}
	return charge
}

// invoke calls the provider for one item. Synchronous calls are detached from
// job cancellation; video polling is not.
func (o *Orchestrator) invoke(ctx context.Context, req models.GenerationRequest, item models.ItemSpec) ([]string, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.callTimeout)
	defer cancel()

	switch req.Kind {
	case models.KindGenerate:
		return o.client.Generate(callCtx, models.GenerateParams{
			Prompt:      item.Prompt,
			Size:        req.Size,
			AspectRatio: req.AspectRatio,
		})
	case models.KindEdit, models.KindBatchEdit, models.KindStyleVariations:
		return o.client.Edit(callCtx, models.EditParams{
			InputRef:    item.InputRef,
			Prompt:      item.Prompt,
			Size:        req.Size,
			AspectRatio: req.AspectRatio,
		})
	case models.KindSequentialEdit:
		return o.client.SequentialEdit(callCtx, models.SequentialEditParams{
			References: item.References,
			Prompt:     item.Prompt,
			Size:       req.Size,
			MaxImages:  req.MaxImages,
		})
	case models.KindVideo:
		var spec models.VideoSpec
		if req.Video != nil {
			spec = *req.Video
		}
		task, err := o.client.SubmitVideo(callCtx, models.VideoParams{
			InputRef:       item.InputRef,
			Prompt:         item.Prompt,
			Duration:       spec.Duration,
			Resolution:     spec.Resolution,
			AspectRatio:    spec.AspectRatio,
			CameraMovement: spec.CameraMovement,
		})
		if err != nil {
			return nil, err
		}
		out, err := o.poller.Await(ctx, task)
		if err != nil {
			return nil, err
		}
		return out.Outputs, nil
	default:
		return nil, fmt.Errorf("%w: unsupported kind %q", generation.ErrPermanent, req.Kind)
	}
}

func (o *Orchestrator) apply(job *models.Job, outcome models.ItemOutcome, progress *models.JobProgress) {
	label := "succeeded"
	charged := 0
	if outcome.Result != nil {
		job.Results = append(job.Results, *outcome.Result)
		charged = outcome.Result.CreditsCharged
	} else {
		job.Errors = append(job.Errors, *outcome.Error)
		label = outcome.Error.Classification
		charged = outcome.Error.CreditsCharged
	}
	job.ProcessedItems = progress.ProcessedItems
	job.FailedItems = progress.FailedItems
	job.CreditsCharged = progress.CreditsCharged
	job.UpdatedAt = time.Now().UTC()
	metrics.RecordItem(job.Kind, label, charged)
}

func (o *Orchestrator) mirror(ctx context.Context, job *models.Job) {
	if err := o.cache.SetJobSnapshot(ctx, snapshotOf(job), snapshotTTL); err != nil {
		slog.Warn("mirroring job snapshot failed", "job_id", job.ID, "error", err)
	}
}

// emitGallery saves every produced output without blocking the job.
func (o *Orchestrator) emitGallery(job *models.Job) {
	if o.gallery == nil {
		return
	}
	mediaType := models.MediaTypeImage
	if job.Kind == models.KindVideo {
		mediaType = models.MediaTypeVideo
	}
	jobID := job.ID

	for _, res := range job.Results {
		meta := galleryMetadata(job, res.Index)
		for _, ref := range res.Outputs {
			in := gallery.SaveInput{
				OwnerID:     job.OwnerID,
				ArtifactRef: ref,
				MediaType:   mediaType,
				JobID:       &jobID,
				Metadata:    meta,
			}
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), gallerySaveTimeout)
				defer cancel()
				if _, err := o.gallery.Save(ctx, in); err != nil {
					if errors.Is(err, gallery.ErrDuplicateSave) {
						slog.Info("artifact already in gallery", "job_id", jobID, "artifact_ref", in.ArtifactRef)
						return
					}
					slog.Warn("gallery save failed", "job_id", jobID, "artifact_ref", in.ArtifactRef, "error", err)
				}
			}()
		}
	}
}

func galleryMetadata(job *models.Job, index int) json.RawMessage {
	meta := map[string]any{"kind": job.Kind, "index": index}
	if index < len(job.Request.Items) {
		meta["prompt"] = job.Request.Items[index].Prompt
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return data
}

func classify(err error) string {
	if errors.Is(err, ErrPollTimeout) {
		return models.ClassTimeout
	}
	return generation.Classify(err)
}

func unitsPerItem(req models.GenerationRequest) int {
	if req.Kind == models.KindSequentialEdit && req.MaxImages > 0 {
		return req.MaxImages
	}
	return 1
}

func itemFailure(index int, item models.ItemSpec, msg, class string, charged int) models.ItemOutcome {
	return models.ItemOutcome{
		Index: index,
		Error: &models.ItemError{
			Index:          index,
			InputRef:       item.InputRef,
			Message:        msg,
			Classification: class,
			CreditsCharged: charged,
		},
	}
}

func snapshotOf(job *models.Job) cache.JobSnapshot {
	return cache.JobSnapshot{
		JobID:          job.ID,
		OwnerID:        job.OwnerID,
		Status:         job.Status,
		TotalItems:     job.TotalItems,
		ProcessedItems: job.ProcessedItems,
		FailedItems:    job.FailedItems,
		CreditsCharged: job.CreditsCharged,
	}
}
