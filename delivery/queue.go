// Package delivery runs the outbound federation work: persisted jobs with
// per-type attempt budgets, concurrency ceilings and TTLs, retried with
// exponential backoff.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Chocobozzz/PeerTube-sub005/domain"
	"github.com/Chocobozzz/PeerTube-sub005/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	readyBatch   = 100
	purgeEvery   = time.Hour
	defaultKeep  = 48 * time.Hour
	defaultPoll  = time.Second
	defaultLimit = 1
)

type JobStore interface {
	InsertJob(ctx context.Context, j *domain.DeliveryJob) error
	ListReadyJobs(ctx context.Context, jobType domain.JobType, now time.Time, limit int) ([]*domain.DeliveryJob, error)
	ClaimJob(ctx context.Context, id uuid.UUID) (bool, error)
	UpdateJob(ctx context.Context, j *domain.DeliveryJob) error
	ResetActiveJobs(ctx context.Context) (int64, error)
	PurgeJobs(ctx context.Context, cutoff time.Time) (int64, error)
}

// Handler runs one attempt of a job. A handler may shrink job.Targets to the
// targets still to retry before returning an error.
type Handler interface {
	Handle(ctx context.Context, job *domain.DeliveryJob) error
}

type HandlerFunc func(ctx context.Context, job *domain.DeliveryJob) error

func (f HandlerFunc) Handle(ctx context.Context, job *domain.DeliveryJob) error {
	return f(ctx, job)
}

type JobOptions struct {
	Attempts    int
	Concurrency int
	TTL         time.Duration
}

type Options struct {
	Jobs         map[domain.JobType]JobOptions
	Backoff      time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration
	// finished jobs older than this are purged
	KeepFinished time.Duration
}

func OptionsFromConfig(conf util.FederationConfig) Options {
	opts := Options{
		Jobs:         map[domain.JobType]JobOptions{},
		Backoff:      conf.Backoff,
		MaxBackoff:   conf.MaxBackoff,
		PollInterval: conf.PollInterval,
		KeepFinished: defaultKeep,
	}
	for name, job := range conf.Jobs {
		opts.Jobs[domain.JobType(name)] = JobOptions{
			Attempts:    job.Attempts,
			Concurrency: job.Concurrency,
			TTL:         job.TTL,
		}
	}
	return opts
}

// Queue stores jobs and runs them. Jobs sharing a target never run at the
// same time, and ready jobs start in creation order.
type Queue struct {
	store    JobStore
	opts     Options
	handlers map[domain.JobType]Handler
	wake     map[domain.JobType]chan struct{}
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	reserved map[string]uuid.UUID

	running sync.WaitGroup
}

func NewQueue(store JobStore, opts Options, metrics *Metrics, logger *zap.Logger) *Queue {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPoll
	}
	if opts.KeepFinished <= 0 {
		opts.KeepFinished = defaultKeep
	}

	wake := map[domain.JobType]chan struct{}{}
	for _, t := range domain.JobTypes {
		wake[t] = make(chan struct{}, 1)
	}

	return &Queue{
		store:    store,
		opts:     opts,
		handlers: map[domain.JobType]Handler{},
		wake:     wake,
		metrics:  metrics,
		logger:   util.OrNop(logger),
		now:      time.Now,
		reserved: map[string]uuid.UUID{},
	}
}

// Register installs the handler for a job type. It must be called before Start.
func (q *Queue) Register(t domain.JobType, h Handler) {
	q.handlers[t] = h
}

func (q *Queue) jobOptions(t domain.JobType) (JobOptions, error) {
	o, ok := q.opts.Jobs[t]
	if !ok {
		return JobOptions{}, fmt.Errorf("%w: %s", ErrUnknownJobType, t)
	}
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultLimit
	}
	return o, nil
}

// Enqueue persists a job and returns at once; the job runs in the
// background.
func (q *Queue) Enqueue(ctx context.Context, t domain.JobType, payload domain.JobPayload, targets []string) (*domain.DeliveryJob, error) {
	o, err := q.jobOptions(t)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%s job without targets", t)
	}

	now := q.now()
	job := &domain.DeliveryJob{
		Id:            uuid.New(),
		Type:          t,
		State:         domain.JobEnqueued,
		Payload:       payload,
		Targets:       targets,
		MaxAttempts:   o.Attempts,
		TTL:           o.TTL,
		CreatedAt:     now,
		NextAttemptAt: now,
	}
	if err := q.store.InsertJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s job: %w", t, err)
	}

	q.metrics.Enqueued.WithLabelValues(string(t)).Inc()
	q.notify(t)
	return job, nil
}

func (q *Queue) notify(t domain.JobType) {
	select {
	case q.wake[t] <- struct{}{}:
	default:
	}
}

// Recover re-enqueues jobs a previous process left active. Their
// interrupted attempt stays counted.
func (q *Queue) Recover(ctx context.Context) error {
	n, err := q.store.ResetActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset active jobs: %w", err)
	}
	if n > 0 {
		q.logger.Info("Resumed interrupted delivery jobs", zap.Int64("count", n))
	}
	return nil
}

// Start recovers interrupted jobs and runs one dispatcher per registered
// job type until ctx is done. Wait blocks until they have stopped.
func (q *Queue) Start(ctx context.Context) error {
	if err := q.Recover(ctx); err != nil {
		return err
	}

	for t := range q.handlers {
		o, err := q.jobOptions(t)
		if err != nil {
			return err
		}
		q.running.Add(1)
		go q.dispatch(ctx, t, o)
	}

	q.running.Add(1)
	go q.purge(ctx)

	q.logger.Info("Delivery queue started", zap.Int("jobTypes", len(q.handlers)))
	return nil
}

func (q *Queue) Wait() {
	q.running.Wait()
}

func (q *Queue) dispatch(ctx context.Context, t domain.JobType, o JobOptions) {
	defer q.running.Done()

	sem := make(chan struct{}, o.Concurrency)
	var jobs sync.WaitGroup
	defer jobs.Wait()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := q.fill(ctx, t, sem, &jobs); err != nil && ctx.Err() == nil {
			q.logger.Error("Failed to read ready jobs", zap.String("type", string(t)), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-q.wake[t]:
		case <-ticker.C:
		}
	}
}

// ProcessReady runs every job of type t that is ready now, waits for them
// and reports how many were started.
func (q *Queue) ProcessReady(ctx context.Context, t domain.JobType) (int, error) {
	o, err := q.jobOptions(t)
	if err != nil {
		return 0, err
	}

	sem := make(chan struct{}, o.Concurrency)
	var jobs sync.WaitGroup
	started, err := q.fill(ctx, t, sem, &jobs)
	jobs.Wait()
	return started, err
}

// fill starts ready jobs of type t while sem has room.
func (q *Queue) fill(ctx context.Context, t domain.JobType, sem chan struct{}, jobs *sync.WaitGroup) (int, error) {
	if len(sem) == cap(sem) {
		return 0, nil
	}

	ready, err := q.store.ListReadyJobs(ctx, t, q.now(), readyBatch)
	if err != nil {
		return 0, err
	}

	started := 0
	// targets of older jobs that could not start; newer jobs wait behind them
	blocked := map[string]bool{}
	for _, job := range ready {
		if len(sem) == cap(sem) {
			break
		}
		if job.Expired(q.now()) {
			q.expire(ctx, job)
			continue
		}
		if !q.reserve(job, blocked) {
			continue
		}

		claimed, err := q.store.ClaimJob(ctx, job.Id)
		if err != nil || !claimed {
			q.release(job)
			if err != nil {
				q.logger.Error("Failed to claim job", zap.Stringer("job", job.Id), zap.Error(err))
			}
			continue
		}
		job.Attempts++
		job.State = domain.JobActive

		sem <- struct{}{}
		jobs.Add(1)
		started++
		go func(job *domain.DeliveryJob) {
			defer jobs.Done()
			defer func() {
				<-sem
				q.notify(job.Type)
			}()
			defer q.release(job)
			q.execute(ctx, job)
		}(job)
	}
	return started, nil
}

func (q *Queue) reserve(job *domain.DeliveryJob, blocked map[string]bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	free := true
	for _, target := range job.Targets {
		if _, busy := q.reserved[target]; busy || blocked[target] {
			free = false
			break
		}
	}
	if !free {
		for _, target := range job.Targets {
			blocked[target] = true
		}
		return false
	}

	for _, target := range job.Targets {
		q.reserved[target] = job.Id
	}
	return true
}

func (q *Queue) release(job *domain.DeliveryJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, target := range job.Targets {
		if q.reserved[target] == job.Id {
			delete(q.reserved, target)
		}
	}
}

func (q *Queue) expire(ctx context.Context, job *domain.DeliveryJob) {
	job.State = domain.JobFailed
	job.LastError = ErrJobExpired.Error()
	if err := q.store.UpdateJob(ctx, job); err != nil {
		q.logger.Error("Failed to expire job", zap.Stringer("job", job.Id), zap.Error(err))
		return
	}
	q.metrics.Finished.WithLabelValues(string(job.Type), string(domain.JobFailed)).Inc()
	q.logger.Warn("Delivery job expired",
		zap.Stringer("job", job.Id),
		zap.String("type", string(job.Type)),
		zap.Int("attempts", job.Attempts),
		zap.Duration("ttl", job.TTL))
}

func (q *Queue) execute(ctx context.Context, job *domain.DeliveryJob) {
	t := string(job.Type)
	q.metrics.Attempts.WithLabelValues(t).Inc()
	q.metrics.Active.WithLabelValues(t).Inc()
	started := time.Now()

	err := q.run(ctx, job)

	q.metrics.Active.WithLabelValues(t).Dec()
	q.metrics.AttemptDuration.WithLabelValues(t).Observe(time.Since(started).Seconds())

	now := q.now()
	switch {
	case err == nil:
		job.State = domain.JobCompleted
		job.LastError = ""
	case isPermanent(err):
		job.State = domain.JobFailed
	case job.Exhausted():
		job.State = domain.JobFailed
		err = fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, job.Attempts, err)
	case job.Expired(now):
		job.State = domain.JobFailed
		err = fmt.Errorf("%w: %v", ErrJobExpired, err)
	default:
		job.State = domain.JobEnqueued
		job.NextAttemptAt = now.Add(q.backoff(job.Attempts))
	}
	if err != nil {
		job.LastError = err.Error()
	}

	// the outcome is recorded even when shutting down
	if uerr := q.store.UpdateJob(context.WithoutCancel(ctx), job); uerr != nil {
		q.logger.Error("Failed to persist job state", zap.Stringer("job", job.Id), zap.Error(uerr))
		return
	}

	switch job.State {
	case domain.JobCompleted:
		q.metrics.Finished.WithLabelValues(t, string(job.State)).Inc()
		q.logger.Debug("Delivery job completed", zap.Stringer("job", job.Id), zap.String("type", t))
	case domain.JobFailed:
		q.metrics.Finished.WithLabelValues(t, string(job.State)).Inc()
		q.logger.Warn("Delivery job failed",
			zap.Stringer("job", job.Id), zap.String("type", t), zap.Int("attempts", job.Attempts), zap.Error(err))
	default:
		q.logger.Info("Delivery job will be retried",
			zap.Stringer("job", job.Id),
			zap.String("type", t),
			zap.Int("attempt", job.Attempts),
			zap.Time("next", job.NextAttemptAt),
			zap.Error(err))
	}
}

func (q *Queue) run(ctx context.Context, job *domain.DeliveryJob) (err error) {
	h, ok := q.handlers[job.Type]
	if !ok {
		return Permanent(fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type))
	}
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h.Handle(ctx, job)
}

// backoff doubles from the base delay with each attempt, up to the maximum.
func (q *Queue) backoff(attempts int) time.Duration {
	delay := q.opts.Backoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if q.opts.MaxBackoff > 0 && delay >= q.opts.MaxBackoff {
			return q.opts.MaxBackoff
		}
	}
	if q.opts.MaxBackoff > 0 && delay > q.opts.MaxBackoff {
		return q.opts.MaxBackoff
	}
	return delay
}

func (q *Queue) purge(ctx context.Context) {
	defer q.running.Done()

	ticker := time.NewTicker(purgeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.store.PurgeJobs(ctx, q.now().Add(-q.opts.KeepFinished))
			if err != nil {
				q.logger.Error("Failed to purge finished jobs", zap.Error(err))
				continue
			}
			if n > 0 {
				q.logger.Debug("Purged finished jobs", zap.Int64("count", n))
			}
		}
	}
}
