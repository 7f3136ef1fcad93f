// Package worker runs the polling executor loops over the job store.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"taskd/internal/domain"
	"taskd/internal/jobstore"
	"taskd/internal/telemetry"
)

// Handler executes a job's payload and returns its result. A handler error is
// transient by default and retried up to the job's max_retries.
type Handler func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Pool holds N polling loops and the job type → handler registry. Handlers
// run on a bounded execution pool sized to the worker count, so a slow
// handler cannot starve the polling cadence.
type Pool struct {
	store     *jobstore.Store
	workers   int
	pollEvery time.Duration
	grace     time.Duration

	hmu      sync.Mutex
	handlers map[string]Handler

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	pollWG    sync.WaitGroup
	execWG    sync.WaitGroup
	sem       chan struct{}
}

func NewPool(store *jobstore.Store, workers int, pollEvery, grace time.Duration) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if pollEvery <= 0 {
		pollEvery = 250 * time.Millisecond
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Pool{
		store:     store,
		workers:   workers,
		pollEvery: pollEvery,
		grace:     grace,
		handlers:  make(map[string]Handler),
	}
}

// Register binds a handler to a job type, overwriting any prior handler.
func (p *Pool) Register(jobType string, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	p.hmu.Lock()
	p.handlers[jobType] = h
	p.hmu.Unlock()
}

func (p *Pool) handler(jobType string) (Handler, bool) {
	p.hmu.Lock()
	defer p.hmu.Unlock()
	h, ok := p.handlers[jobType]
	return h, ok
}

// Start restores the store snapshot (resetting interrupted running jobs to
// pending), re-queues anything still marked running as a defensive double
// check, then launches the worker loops.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	recovered, err := p.store.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}
	if recovered > 0 {
		log.Info().Int("recovered", recovered).Msg("re-queued interrupted jobs")
	}
	for _, j := range p.store.ByStatus(domain.StatusRunning) {
		p.store.Enqueue(*j)
		log.Warn().Str("job_id", j.ID).Msg("job still running after restore, re-queued")
	}

	p.stopCh = make(chan struct{})
	p.runCtx, p.runCancel = context.WithCancel(context.Background())
	p.sem = make(chan struct{}, p.workers)
	p.running = true

	p.pollWG.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.loop(i)
	}
	log.Info().Int("workers", p.workers).Dur("poll", p.pollEvery).Msg("worker pool started")
	return nil
}

// Stop signals the loops to exit after their current job and waits up to the
// grace period. If the grace period elapses with handlers still in flight,
// their context is cancelled and Stop returns; the jobs stay running in the
// store and are recovered as pending on the next restore.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	cancel := p.runCancel
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.pollWG.Wait()
		p.execWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("worker pool stopped")
	case <-time.After(p.grace):
		cancel()
		log.Warn().Dur("grace", p.grace).Msg("worker pool stop grace elapsed, abandoning in-flight jobs")
	case <-ctx.Done():
		cancel()
	}
}

func (p *Pool) loop(idx int) {
	defer p.pollWG.Done()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		job, err := p.store.Dequeue(true)
		if err != nil {
			// ErrEmpty is the only error Dequeue produces: idle-wait and retry.
			select {
			case <-p.stopCh:
				return
			case <-time.After(p.pollEvery):
			}
			continue
		}
		telemetry.QueueDepth.Set(float64(p.store.PendingDepth()))

		h, ok := p.handler(job.Type)
		if !ok {
			// Unregistered type is permanent, not transient: no retry.
			errText := fmt.Sprintf("no handler registered for job type %q", job.Type)
			_ = p.store.Apply(job.ID, jobstore.Update{Status: domain.StatusFailed, Error: &errText})
			telemetry.JobsFailed.Inc()
			log.Error().Str("job_id", job.ID).Str("type", job.Type).Msg("job failed: unregistered type")
			continue
		}

		// Dispatch to the bounded execution pool and keep polling.
		p.sem <- struct{}{}
		p.execWG.Add(1)
		go p.execute(job, h)
	}
}

func (p *Pool) execute(job *domain.Job, h Handler) {
	defer p.execWG.Done()
	defer func() { <-p.sem }()

	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()

	result, err := p.invoke(job, h)
	if err == nil {
		_ = p.store.Apply(job.ID, jobstore.Update{Status: domain.StatusCompleted, Result: result})
		telemetry.JobsCompleted.Inc()
		log.Debug().Str("job_id", job.ID).Str("type", job.Type).Msg("job completed")
		return
	}

	errText := err.Error()
	if job.RetryCount < job.MaxRetries {
		// Same id, original priority, no backoff: the job re-enters the
		// queue immediately and may run on another idle worker right away.
		job.RetryCount++
		job.Error = errText
		p.store.Enqueue(*job)
		telemetry.JobsRetried.Inc()
		log.Warn().Str("job_id", job.ID).Str("type", job.Type).
			Int("retry", job.RetryCount).Int("max_retries", job.MaxRetries).
			Str("error", errText).Msg("job failed, re-queued")
		return
	}

	_ = p.store.Apply(job.ID, jobstore.Update{Status: domain.StatusFailed, Error: &errText})
	telemetry.JobsFailed.Inc()
	log.Error().Str("job_id", job.ID).Str("type", job.Type).
		Int("retry_count", job.RetryCount).Str("error", errText).Msg("job failed permanently")
}

// invoke runs the handler with panic containment: a panicking handler counts
// as a failed attempt, not a crashed worker.
func (p *Pool) invoke(job *domain.Job, h Handler) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(p.runCtx, job.Payload)
}
