package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmoreras/punchcard/internal/model"
	"github.com/nmoreras/punchcard/internal/store"
)

// Defaults mirror the deployment contract the service is sized for: four
// worker slots, a 600-second hard deadline per job, and a 30-second drain
// window on shutdown.
const (
	DefaultWorkers         = 4
	DefaultBacklog         = 64
	DefaultJobTimeout      = 600 * time.Second
	DefaultGracefulTimeout = 30 * time.Second
)

// Spec describes one unit of work handed to the Runner. The payload is opaque
// to the core; it only carries the fields through.
type Spec struct {
	JobID      string
	SourcePath string
	OutputPath string
	Year       int
	Month      int
}

// Result carries the runner's output back to the core.
type Result struct {
	OutputPath string
	Rows       int
}

// ProgressFunc receives human-readable progress lines from the runner.
type ProgressFunc func(line string)

// Runner executes the actual conversion work. Implementations must honor ctx
// cancellation: the deadline timer and shutdown both cancel the context, but
// cancellation is a best-effort signal, not preemption. A runner that ignores
// it holds its worker slot until it returns on its own.
type Runner interface {
	Run(ctx context.Context, spec Spec, progress ProgressFunc) (Result, error)
}

// Options configures a Core. Zero fields take the package defaults.
type Options struct {
	Workers         int
	Backlog         int
	JobTimeout      time.Duration
	GracefulTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Backlog <= 0 {
		o.Backlog = DefaultBacklog
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = DefaultJobTimeout
	}
	if o.GracefulTimeout <= 0 {
		o.GracefulTimeout = DefaultGracefulTimeout
	}
	return o
}

// Core owns the worker pool, the FIFO backlog, and the drain state. It is
// created on process start and torn down once by Shutdown; callers hold a
// reference rather than reaching for package-level state.
type Core struct {
	store  store.Store
	runner Runner
	logger *slog.Logger
	broker *Broker

	opts Options

	queue chan *model.Job
	stop  chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelFunc

	draining atomic.Bool
	wg       sync.WaitGroup
}

// New creates a Core. Call Start to launch the worker pool.
func New(s store.Store, r Runner, logger *slog.Logger, opts Options) *Core {
	opts = opts.withDefaults()
	return &Core{
		store:   s,
		runner:  r,
		logger:  logger,
		broker:  NewBroker(),
		opts:    opts,
		queue:   make(chan *model.Job, opts.Backlog),
		stop:    make(chan struct{}),
		running: make(map[string]context.CancelFunc),
	}
}

// Broker returns the core's progress broker for SSE subscription.
func (c *Core) Broker() *Broker {
	return c.broker
}

// Start launches the fixed-size worker pool.
func (c *Core) Start() {
	for i := 0; i < c.opts.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	c.logger.Info("core started", "workers", c.opts.Workers, "backlog", c.opts.Backlog)
}

// Draining reports whether shutdown has begun.
func (c *Core) Draining() bool {
	return c.draining.Load()
}

// QueueDepth returns the number of jobs waiting for a worker slot.
func (c *Core) QueueDepth() int {
	return len(c.queue)
}

// RunningCount returns the number of jobs currently bound to a worker slot.
func (c *Core) RunningCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

// Submit admits a job: the record is created queued with its deadline fixed at
// admission time (now + job timeout), then placed on the FIFO backlog. It
// fails with ErrDraining once shutdown has begun and with ErrBacklogFull when
// the backlog is at capacity; neither failure is retried by the core. Submit
// never blocks on job execution.
func (c *Core) Submit(ctx context.Context, j *model.Job) error {
	if c.draining.Load() {
		return ErrDraining
	}
	if len(c.queue) == cap(c.queue) {
		return ErrBacklogFull
	}

	now := time.Now().UTC()
	j.Status = model.StatusQueued
	j.CreatedAt = now
	j.Deadline = now.Add(c.opts.JobTimeout)

	if err := c.store.CreateJob(ctx, j); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	// The worker operates on a copy of the job to avoid data races with the
	// caller.
	jc := *j
	select {
	case c.queue <- &jc:
		jobsQueued.Inc()
	default:
		// Lost a capacity race between the length check and the send. Keep the
		// record consistent, then surface the admission failure.
		if err := c.store.UpdateJobStatus(context.Background(), j.ID, model.StatusCancelled); err != nil {
			c.logger.Error("cancel overflowed job", "job_id", j.ID, "error", err)
		}
		return ErrBacklogFull
	}

	// Shutdown may have begun after the admission check above. Its drain loop
	// can have already emptied the backlog, so a job enqueued now would sit
	// there forever with no worker alive to pick it up. Cancel the record and
	// surface the rejection; the transition guard keeps this safe against a
	// worker or the drain loop having grabbed the job first.
	if c.draining.Load() {
		if err := c.store.UpdateJobStatus(context.Background(), j.ID, model.StatusCancelled); err != nil {
			if !errors.Is(err, store.ErrInvalidTransition) {
				c.logger.Error("cancel job admitted during drain", "job_id", j.ID, "error", err)
			}
		} else {
			jobsQueued.Dec()
			jobsFinished.WithLabelValues(model.StatusCancelled).Inc()
			c.broker.Close(j.ID)
		}
		return ErrDraining
	}
	return nil
}

// Cancel requests cancellation of a job. A running job receives a best-effort
// context cancellation; a queued job is transitioned directly to cancelled and
// skipped when a worker eventually dequeues it. Returns store.ErrNotFound for
// unknown jobs and store.ErrInvalidTransition for jobs already terminal.
func (c *Core) Cancel(ctx context.Context, id string) error {
	c.mu.Lock()
	cancel, ok := c.running[id]
	c.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	if err := c.store.UpdateJobStatus(ctx, id, model.StatusCancelled); err != nil {
		return err
	}
	jobsFinished.WithLabelValues(model.StatusCancelled).Inc()
	c.broker.Close(id)
	return nil
}

// Shutdown drains the core: no further submissions are admitted, jobs still
// waiting in the backlog are cancelled, and running jobs get up to the
// graceful window to reach a terminal status. Jobs still running after the
// window are force-cancelled and reported cancelled. The final wait for
// cancelled runners to unwind is bounded by ctx; the conversion runner kills
// its subprocess on cancellation, so in practice this returns promptly.
func (c *Core) Shutdown(ctx context.Context) error {
	if !c.draining.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Info("core draining", "queued", len(c.queue), "running", c.RunningCount())
	close(c.stop)

	// Cancel jobs still waiting in the backlog. A worker racing on the same
	// channel receive simply runs its job inside the grace window instead.
drain:
	for {
		select {
		case j := <-c.queue:
			jobsQueued.Dec()
			c.markCancelled(j.ID)
		default:
			break drain
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(c.opts.GracefulTimeout)
	defer timer.Stop()

	select {
	case <-done:
		c.logger.Info("core drained")
		return nil
	case <-ctx.Done():
		c.forceCancel()
		return ctx.Err()
	case <-timer.C:
		c.logger.Warn("graceful window elapsed, forcing cancellation")
		c.forceCancel()
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// forceCancel cancels the context of every running job and reports the job
// cancelled. A cooperative runner returns shortly after; its own terminal
// write is then rejected by the store's transition guard. An uncooperative
// runner leaks its slot until the work naturally ends, a documented limitation
// of best-effort cancellation.
func (c *Core) forceCancel() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.running))
	for id, cancel := range c.running {
		cancel()
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.logger.Warn("job cancelled by shutdown", "job_id", id)
		c.markCancelled(id)
	}
}

// markCancelled writes the cancelled terminal status, tolerating jobs that
// reached a terminal status on their own in the meantime.
func (c *Core) markCancelled(id string) {
	err := c.store.UpdateJobStatus(context.Background(), id, model.StatusCancelled)
	if err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) {
			c.logger.Error("cancel job", "job_id", id, "error", err)
		}
		return
	}
	jobsFinished.WithLabelValues(model.StatusCancelled).Inc()
	c.broker.Close(id)
}

func (c *Core) worker() {
	defer c.wg.Done()
	for {
		// Check stop first so a draining core stops pulling queued jobs even
		// while the backlog is non-empty.
		select {
		case <-c.stop:
			return
		default:
		}
		select {
		case <-c.stop:
			return
		case j := <-c.queue:
			jobsQueued.Dec()
			c.execute(j)
		}
	}
}

// execute runs one job on the calling worker's slot:
// queued->running->{succeeded,failed,timed_out,cancelled}.
func (c *Core) execute(j *model.Job) {
	defer c.broker.Close(j.ID)

	if err := c.store.UpdateJobStatus(context.Background(), j.ID, model.StatusRunning); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Cancelled while queued; nothing to run.
			return
		}
		// Bookkeeping failure. The record stays queued; log loudly rather than
		// run work the store cannot track.
		c.logger.Error("transition to running", "job_id", j.ID, "error", err)
		return
	}
	start := time.Now().UTC()

	ctx, cancel := context.WithDeadline(context.Background(), j.Deadline)
	defer cancel()

	c.mu.Lock()
	c.running[j.ID] = cancel
	c.mu.Unlock()
	jobsRunning.Inc()
	defer func() {
		c.mu.Lock()
		delete(c.running, j.ID)
		c.mu.Unlock()
		jobsRunning.Dec()
	}()

	var seq atomic.Int32
	progress := func(line string) {
		currentSeq := int(seq.Add(1) - 1)
		if err := c.store.InsertEvent(context.Background(), j.ID, currentSeq, line); err != nil {
			c.logger.Error("persist event", "job_id", j.ID, "seq", currentSeq, "error", err)
		}
		c.broker.Publish(j.ID, line)
	}

	result, err := c.runWork(ctx, j, progress)

	// Deadline expiry wins over a late success: work that finishes after its
	// deadline fired is still reported timed_out.
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		c.finish(j, model.StatusTimedOut, start, fmt.Sprintf("job timed out after %s", c.opts.JobTimeout))
	case ctx.Err() == context.Canceled:
		c.finish(j, model.StatusCancelled, start, "job cancelled")
	case err == nil:
		j.OutputPath = result.OutputPath
		rows := result.Rows
		j.Rows = &rows
		c.finish(j, model.StatusSucceeded, start, "")
	default:
		c.finish(j, model.StatusFailed, start, err.Error())
	}
}

// runWork invokes the runner, converting panics into errors so a broken
// conversion can never take down the process.
func (c *Core) runWork(ctx context.Context, j *model.Job, progress ProgressFunc) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	spec := Spec{
		JobID:      j.ID,
		SourcePath: j.SourcePath,
		OutputPath: j.OutputPath,
		Year:       j.Year,
		Month:      j.Month,
	}
	return c.runner.Run(ctx, spec, progress)
}

// finish writes a job's terminal state. A job that was force-cancelled during
// shutdown keeps its cancelled record; the store's transition guard rejects
// the late write and the rejection is deliberately ignored here.
func (c *Core) finish(j *model.Job, status string, start time.Time, errMsg string) {
	now := time.Now().UTC()
	durationMS := int(now.Sub(start).Milliseconds())
	j.Status = status
	j.Error = errMsg
	j.DurationMS = &durationMS
	j.StartedAt = &start
	j.FinishedAt = &now

	if err := c.store.FinishJob(context.Background(), j); err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) {
			c.logger.Error("finish job", "job_id", j.ID, "status", status, "error", err)
		}
		return
	}
	jobsFinished.WithLabelValues(status).Inc()
	c.logger.Info("job finished", "job_id", j.ID, "status", status, "duration_ms", durationMS)
}
