package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/studyforge-backend/internal/apperr"
	jobruntime "github.com/yungbote/studyforge-backend/internal/jobs/runtime"
	"github.com/yungbote/studyforge-backend/internal/logger"
	"github.com/yungbote/studyforge-backend/internal/repos"
	"github.com/yungbote/studyforge-backend/internal/retry"
	"github.com/yungbote/studyforge-backend/internal/services"
	"github.com/yungbote/studyforge-backend/internal/types"
)

// GateEvaluator decides what to enqueue after a job completes. Implemented
// by the pipeline package; injected here to keep the worker generic.
type GateEvaluator interface {
	OnCompleted(ctx context.Context, job *types.PipelineJob) error
}

type Config struct {
	Concurrency   int
	ClaimInterval time.Duration
	LeaseWindow   time.Duration
	SweepInterval time.Duration
	Ceilings      map[string]int
	RetryPolicy   retry.Policy
}

/*
Worker runs the claim loop. Each of Concurrency goroutines polls for an
eligible pending job, claims it with a conditional update, executes the
registered handler under panic recovery, and records the outcome. A
separate sweeper goroutine reclaims jobs whose lease expired.
*/
type Worker struct {
	db       *gorm.DB
	log      *logger.Logger
	jobs     repos.JobRepo
	units    repos.ContentUnitRepo
	registry *jobruntime.Registry
	notify   services.PipelineNotifier
	gates    GateEvaluator
	cfg      Config

	wg sync.WaitGroup
}

func New(db *gorm.DB, log *logger.Logger, jobs repos.JobRepo, units repos.ContentUnitRepo, registry *jobruntime.Registry, notify services.PipelineNotifier, gates GateEvaluator, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = time.Second
	}
	if cfg.LeaseWindow <= 0 {
		cfg.LeaseWindow = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Worker{
		db:       db,
		log:      log.With("component", "Worker"),
		jobs:     jobs,
		units:    units,
		registry: registry,
		notify:   notify,
		gates:    gates,
		cfg:      cfg,
	}
}

// Start launches the claim goroutines and the stale-job sweeper. It
// returns immediately; cancel ctx to drain, then Wait.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.claimLoop(ctx, workerID)
		}()
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.sweepLoop(ctx)
	}()
	w.log.Info("Worker started",
		"concurrency", w.cfg.Concurrency,
		"claim_interval", w.cfg.ClaimInterval.String(),
		"lease_window", w.cfg.LeaseWindow.String(),
	)
}

func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) claimLoop(ctx context.Context, workerID string) {
	log := w.log.With("worker_id", workerID)
	ticker := time.NewTicker(w.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain available work before sleeping again.
		for {
			job, err := w.jobs.ClaimNext(ctx, nil, workerID, w.cfg.Ceilings)
			if err != nil {
				if ctx.Err() == nil {
					log.Error("claim failed", "error", err.Error())
				}
				break
			}
			if job == nil {
				break
			}
			w.process(ctx, log, job)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, log *logger.Logger, job *types.PipelineJob) {
	log = log.With("job_id", job.ID.String(), "job_type", job.JobType, "unit_id", job.ContentUnitID.String())

	handler, ok := w.registry.Get(job.JobType)
	if !ok {
		w.killJob(ctx, log, job, fmt.Sprintf("no handler registered for job_type=%s", job.JobType))
		return
	}
	if len(job.Payload) == 0 {
		w.killJob(ctx, log, job, "job payload is empty")
		return
	}

	start := time.Now()
	result := w.runHandler(ctx, handler, job)

	if result.OK() {
		if result.FallbackJob != nil {
			// The replacement must exist before the original completes so
			// the fan-in gate for this stage stays closed.
			if _, _, err := w.jobs.Enqueue(ctx, nil, result.FallbackJob); err != nil {
				log.Error("enqueue fallback failed", "reason", result.Reason, "error", err.Error())
				w.failJob(ctx, log, job, fmt.Errorf("enqueue fallback: %w", err))
				return
			}
			log.Info("Handler requested fallback",
				"reason", result.Reason,
				"fallback_type", result.FallbackJob.JobType,
			)
		}
		// The gate runs while the job is still processing: if evaluation
		// fails, the job is retried with backoff instead of sitting
		// completed with no successor ever enqueued. The handler has
		// already persisted its output at this point, and dedupe keys make
		// a repeated evaluation enqueue nothing twice.
		if w.gates != nil {
			if err := w.gates.OnCompleted(ctx, job); err != nil {
				log.Error("gate evaluation failed", "error", err.Error())
				w.failJob(ctx, log, job, fmt.Errorf("gate evaluation: %w", err))
				return
			}
		}
		owned, err := w.jobs.Complete(ctx, nil, job.ID, job.LockedBy)
		if err != nil {
			log.Error("complete failed", "error", err.Error())
			return
		}
		if !owned {
			log.Warn("Lease lost before completion, result discarded")
			return
		}
		log.Info("Job completed", "duration", time.Since(start).String())
		if w.notify != nil {
			w.notify.JobCompleted(ctx, job.ContentUnitID, job.ID, job.JobType)
		}
		// Evaluated again once the completed status is visible: two
		// siblings finishing together can each see the other still
		// processing in the first pass, and the last one to complete must
		// observe none.
		if w.gates != nil {
			if err := w.gates.OnCompleted(ctx, job); err != nil {
				log.Error("gate re-evaluation failed", "error", err.Error())
			}
		}
		return
	}

	switch apperr.Classify(result.Err) {
	case apperr.KindPermanent, apperr.KindContentQuality:
		w.killJob(ctx, log, job, result.Err.Error())
	default:
		w.failJob(ctx, log, job, result.Err)
	}
}

// runHandler executes the handler and converts a panic into an error so
// one bad job cannot take down the claim goroutine.
func (w *Worker) runHandler(ctx context.Context, handler jobruntime.Handler, job *types.PipelineJob) (result jobruntime.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			w.log.Error("Handler panicked",
				"job_id", job.ID.String(),
				"job_type", job.JobType,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
			result = jobruntime.Fail(fmt.Errorf("handler panic: %v", rec))
		}
	}()
	rctx := jobruntime.NewContext(ctx, w.db, job, w.log, w.units, w.notify)
	return handler.Run(rctx)
}

// failJob consumes one attempt; the repo decides between backoff and dead.
func (w *Worker) failJob(ctx context.Context, log *logger.Logger, job *types.PipelineJob, cause error) {
	updated, err := w.jobs.Fail(ctx, nil, job.ID, job.LockedBy, cause.Error(), w.cfg.RetryPolicy)
	if err != nil {
		log.Error("record failure failed", "cause", cause.Error(), "error", err.Error())
		return
	}
	if updated == nil {
		log.Warn("Lease lost before failure was recorded", "cause", cause.Error())
		return
	}
	terminal := updated.Status == types.JobStatusDead
	if terminal {
		log.Error("Job dead, attempts exhausted", "attempts", updated.AttemptCount, "cause", cause.Error())
		w.markUnitFailed(ctx, log, job, cause.Error())
	} else {
		log.Warn("Job failed, will retry",
			"attempt", updated.AttemptCount,
			"next_retry_at", updated.NextRetryAt.Format(time.RFC3339),
			"cause", cause.Error(),
		)
	}
	if w.notify != nil {
		w.notify.JobFailed(ctx, job.ContentUnitID, job.ID, job.JobType, cause.Error(), terminal)
	}
}

// killJob terminates immediately: permanent errors never earn a retry.
func (w *Worker) killJob(ctx context.Context, log *logger.Logger, job *types.PipelineJob, msg string) {
	owned, err := w.jobs.MarkDead(ctx, nil, job.ID, job.LockedBy, msg)
	if err != nil {
		log.Error("mark dead failed", "cause", msg, "error", err.Error())
		return
	}
	if !owned {
		log.Warn("Lease lost before dead-letter was recorded", "cause", msg)
		return
	}
	log.Error("Job dead, permanent failure", "cause", msg)
	w.markUnitFailed(ctx, log, job, msg)
	if w.notify != nil {
		w.notify.JobFailed(ctx, job.ContentUnitID, job.ID, job.JobType, msg, true)
	}
}

func (w *Worker) markUnitFailed(ctx context.Context, log *logger.Logger, job *types.PipelineJob, msg string) {
	if err := w.units.MarkFailed(ctx, nil, job.ContentUnitID, fmt.Sprintf("%s job failed: %s", job.JobType, msg)); err != nil {
		log.Error("mark unit failed errored", "error", err.Error())
	}
	if w.notify != nil {
		w.notify.UnitStatusChanged(ctx, job.ContentUnitID, types.UnitStatusFailed, job.JobType)
	}
}

func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := w.jobs.ResetStale(ctx, nil, w.cfg.LeaseWindow)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Error("stale sweep failed", "error", err.Error())
			}
			continue
		}
		if n > 0 {
			w.log.Warn("Stale jobs reclaimed", "count", n)
		}
	}
}
