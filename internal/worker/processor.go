package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"coordination-core/internal/config"
	"coordination-core/internal/models"
	"coordination-core/internal/telemetry"
)

// ackTimeout bounds Complete/Fail after the job context is done.
const ackTimeout = 5 * time.Second

// JobQueue is the part of queue.Queue the worker needs. Acks carry the
// ClaimID returned by Dequeue.
type JobQueue interface {
	Dequeue(ctx context.Context) (*models.Job, error)
	Complete(ctx context.Context, id, claimID string, result any) error
	Fail(ctx context.Context, id, claimID, errMsg string) (models.JobStatus, error)
}

// Handler executes a job for a given type. The returned value is stored as
// the job result.
type Handler func(ctx context.Context, job models.Job) (any, error)

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    JobQueue
	handlers map[string]Handler
	log      zerolog.Logger
	workerID string
}

func NewProcessor(cfg config.Config, q JobQueue, log zerolog.Logger) *Processor {
	return NewProcessorWithID(cfg, q, log, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q JobQueue, log zerolog.Logger, workerID string) *Processor {
	if workerID != "" {
		log = log.With().Str("worker_id", workerID).Logger()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[string]Handler),
		log:      log,
		workerID: workerID,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run starts WorkerConcurrency consumers and blocks until ctx is cancelled
// and every in-flight job has been acknowledged.
func (p *Processor) Run(ctx context.Context) error {
	n := p.cfg.WorkerConcurrency
	if n < 1 {
		n = 1
	}
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(slot int) {
			defer wg.Done()
			p.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Processor) loop(ctx context.Context, slot int) {
	log := p.log.With().Int("slot", slot).Logger()
	for ctx.Err() == nil {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("dequeue failed")
			}
			p.sleep(ctx)
			continue
		}
		if job == nil {
			p.sleep(ctx)
			continue
		}
		p.process(ctx, *job)
	}
}

// process runs one claimed job and records its outcome. Acks use a context
// detached from ctx so a shutdown does not strand the job in processing.
func (p *Processor) process(ctx context.Context, job models.Job) {
	telemetry.InFlight.Inc()
	defer telemetry.InFlight.Dec()

	log := p.log.With().Str("job_id", job.ID).Str("job_type", job.Type).Int("attempt", job.Attempts+1).Logger()
	started := time.Now()
	result, runErr := p.runJob(ctx, job)

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()

	if runErr == nil {
		if err := p.queue.Complete(ackCtx, job.ID, job.ClaimID, result); err != nil {
			log.Error().Err(err).Msg("complete failed")
			return
		}
		log.Info().Dur("took", time.Since(started)).Msg("job completed")
		return
	}

	status, err := p.queue.Fail(ackCtx, job.ID, job.ClaimID, runErr.Error())
	if err != nil {
		log.Error().Err(err).AnErr("job_error", runErr).Msg("fail failed")
		return
	}
	if status == models.StatusFailed {
		log.Error().Err(runErr).Msg("job failed permanently")
		return
	}
	log.Warn().Err(runErr).Msg("job failed, retry scheduled")
}

// runJob applies the per-job timeout and turns handler panics into errors.
func (p *Processor) runJob(ctx context.Context, job models.Job) (result any, err error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return nil, fmt.Errorf("no handler registered for type %q", job.Type)
	}
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (p *Processor) sleep(ctx context.Context) {
	d := p.cfg.WorkerPollInterval
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
