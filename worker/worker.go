// Package worker runs queued jobs on a fixed set of goroutines, retrying
// failures with exponential backoff and reporting each job's final outcome
// to the callbacks registered with its handler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go-crowdwork/metrics"
	"go-crowdwork/queue"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnknownJob is logged when a dequeued job has no registered handler.
// Such jobs are dropped.
var ErrUnknownJob = errors.New("no handler registered for job")

const maxBackoffShift = 16

type Handler interface {
	Handle(ctx context.Context, job *queue.Job) error
}

type HandlerFunc func(ctx context.Context, job *queue.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *queue.Job) error {
	return f(ctx, job)
}

// Callbacks observe a job's terminal outcome. OnFailed runs once, after the
// last attempt or a permanent error. Both get a context that outlives pool
// shutdown.
type Callbacks struct {
	OnCompleted func(ctx context.Context, job *queue.Job)
	OnFailed    func(ctx context.Context, job *queue.Job, err error)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Options struct {
	Workers         int
	JobTimeout      time.Duration
	RetryBackoff    time.Duration
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 5
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 30 * time.Second
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	return o
}

type registration struct {
	handler   Handler
	callbacks Callbacks
}

type Pool struct {
	queue  queue.Queue
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	mu       sync.RWMutex
	handlers map[string]registration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(q queue.Queue, opts Options, logger *slog.Logger) *Pool {
	return &Pool{
		queue:    q,
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "worker-pool"),
		tracer:   otel.Tracer("crowdwork-worker"),
		handlers: make(map[string]registration),
	}
}

// Register binds a job name to its handler and callbacks. Registering the
// same name again replaces the previous binding.
func (p *Pool) Register(name string, h Handler, cb Callbacks) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = registration{handler: h, callbacks: cb}
}

func (p *Pool) lookup(name string) (registration, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.handlers[name]
	return r, ok
}

func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.loop(workerCtx, id)
		}(i + 1)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sampleDepth(workerCtx)
	}()

	p.logger.Info("worker pool started", "workers", p.opts.Workers)
}

// Stop cancels the workers and waits for in-flight jobs up to the
// shutdown timeout.
func (p *Pool) Stop() error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(p.opts.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out", "timeout", p.opts.ShutdownTimeout)
		return fmt.Errorf("worker pool did not stop within %s", p.opts.ShutdownTimeout)
	}
}

func (p *Pool) loop(ctx context.Context, id int) {
	logger := p.logger.With("worker_id", id)
	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker shutting down")
			return
		default:
			job, err := p.queue.Dequeue(ctx, p.opts.PollInterval)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
					return
				}
				logger.Error("dequeue error", "error", err)
				sleep(ctx, p.opts.PollInterval)
				continue
			}
			if job == nil {
				continue
			}
			p.process(ctx, logger, job)
		}
	}
}

func (p *Pool) process(ctx context.Context, logger *slog.Logger, job *queue.Job) {
	logger = logger.With("job_id", job.ID, "job_name", job.Name)
	job.Attempts++

	reg, ok := p.lookup(job.Name)
	if !ok {
		logger.Error("dropping job", "error", ErrUnknownJob)
		metrics.JobExecutionsTotal.WithLabelValues(job.Name, "failed").Inc()
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, p.opts.JobTimeout)
	defer cancel()
	runCtx, span := p.tracer.Start(runCtx, "job "+job.Name, trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.name", job.Name),
		attribute.Int("job.attempt", job.Attempts),
	))
	defer span.End()

	start := time.Now()
	err := run(runCtx, reg.handler, job)
	metrics.JobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())

	// Callbacks run after shutdown starts too, so that a job's outcome is
	// always recorded.
	cbCtx := trace.ContextWithSpan(context.WithoutCancel(ctx), span)

	if err == nil {
		metrics.JobExecutionsTotal.WithLabelValues(job.Name, "completed").Inc()
		logger.Info("job completed", "attempt", job.Attempts)
		if reg.callbacks.OnCompleted != nil {
			reg.callbacks.OnCompleted(cbCtx, job)
		}
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "job failed")
	job.LastError = err.Error()

	if !IsPermanent(err) && !job.Exhausted() {
		delay := p.backoff(job.Attempts)
		rerr := p.queue.Retry(context.WithoutCancel(ctx), job, delay)
		if rerr == nil {
			metrics.JobExecutionsTotal.WithLabelValues(job.Name, "retried").Inc()
			logger.Warn("retrying job", "attempt", job.Attempts, "delay", delay, "error", err)
			return
		}
		logger.Error("failed to re-enqueue job", "error", rerr)
	}

	metrics.JobExecutionsTotal.WithLabelValues(job.Name, "failed").Inc()
	logger.Error("job failed", "attempts", job.Attempts, "error", err)
	if reg.callbacks.OnFailed != nil {
		reg.callbacks.OnFailed(cbCtx, job, err)
	}
}

// backoff doubles from RetryBackoff*2 on the first retry.
func (p *Pool) backoff(attempts int) time.Duration {
	shift := min(attempts, maxBackoffShift)
	return p.opts.RetryBackoff * time.Duration(1<<shift)
}

func run(ctx context.Context, h Handler, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h.Handle(ctx, job)
}

func (p *Pool) sampleDepth(ctx context.Context) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := p.queue.Depth(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Debug("failed to sample queue depth", "error", err)
				}
				continue
			}
			metrics.QueueDepth.Set(float64(depth))
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
