package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/codelia/codelia/pkg/agent"
	"github.com/codelia/codelia/pkg/agentpool"
	"github.com/codelia/codelia/pkg/models"
	"github.com/codelia/codelia/pkg/sessionstore"
)

const (
	// cancelCheckInterval is how often a running worker polls for a cancel
	// marker filed on another replica.
	cancelCheckInterval = 750 * time.Millisecond

	// minClaimPoll floors the claim loop interval.
	minClaimPoll = 200 * time.Millisecond

	defaultClaimPoll     = time.Second
	defaultLeaseDuration = 30 * time.Second
	defaultStickyTTL     = 10 * time.Minute
	defaultWorkerCount   = 2
)

// WorkerConfig sizes a WorkerPool. Zero values pick the defaults.
type WorkerConfig struct {
	// WorkerID identifies this process; per-worker ids derive from it.
	WorkerID string
	// WorkerCount is the number of claim loops.
	WorkerCount int
	// LeaseDuration is how long a claimed run stays owned without renewal.
	LeaseDuration time.Duration
	// StickyTTL is how long a session stays pinned to the worker that last
	// ran it.
	StickyTTL time.Duration
	// ClaimPoll is the base interval between claim attempts.
	ClaimPoll time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.WorkerID == "" {
		c.WorkerID = "local"
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = defaultWorkerCount
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = defaultLeaseDuration
	}
	if c.StickyTTL <= 0 {
		c.StickyTTL = defaultStickyTTL
	}
	if c.ClaimPoll < minClaimPoll {
		c.ClaimPoll = defaultClaimPoll
	}
	return c
}

func (c WorkerConfig) renewInterval() time.Duration {
	interval := c.LeaseDuration / 3
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// WorkerPool runs N claim loops against the runs table. Each loop claims the
// oldest eligible run with SKIP LOCKED, executes it through the shared agent
// pool, and keeps its leases renewed while it runs.
type WorkerPool struct {
	store  *pgStore
	exec   *executor
	cfg    WorkerConfig
	logger *slog.Logger

	baseCtx    context.Context
	cancelBase context.CancelCauseFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// WorkerOption configures a WorkerPool.
type WorkerOption func(*WorkerPool)

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(p *WorkerPool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewWorkerPool builds the execution half of the Postgres backend on the
// scheduler's store. Runs execute through pool and persist session state
// through saver.
func NewWorkerPool(sched *PostgresScheduler, pool *agentpool.Pool, saver *sessionstore.DebouncedSaver, cfg WorkerConfig, opts ...WorkerOption) *WorkerPool {
	p := &WorkerPool{
		store:  sched.store,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "worker_pool")
	p.exec = &executor{pool: pool, saver: saver, logger: p.logger}
	p.baseCtx, p.cancelBase = context.WithCancelCause(context.Background())
	return p
}

// Start requeues this process's orphaned runs and launches the claim loops.
func (p *WorkerPool) Start() {
	if p.started {
		p.logger.Warn("Worker pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true

	p.requeueOrphans()

	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.cfg.WorkerID, i)
		p.wg.Add(1)
		go p.runWorker(workerID)
	}
	p.logger.Info("Worker pool started",
		"worker_count", p.cfg.WorkerCount,
		"lease", p.cfg.LeaseDuration,
		"claim_poll", p.cfg.ClaimPoll)
}

// Stop drains the claim loops. In-flight runs get the grace period to finish
// on their own, then unwind as cancellations.
func (p *WorkerPool) Stop(grace time.Duration) {
	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if grace > 0 {
		select {
		case <-done:
			p.logger.Info("Worker pool stopped gracefully")
			return
		case <-time.After(grace):
			p.logger.Warn("Grace period elapsed, cancelling in-flight runs")
		}
	}

	p.cancelBase(errors.New("worker pool shutting down"))
	<-done
	p.logger.Info("Worker pool stopped")
}

func (p *WorkerPool) requeueOrphans() {
	ctx, cancel := context.WithTimeout(p.baseCtx, 10*time.Second)
	defer cancel()

	total := 0
	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.cfg.WorkerID, i)
		n, err := p.store.requeueOrphans(ctx, workerID)
		if err != nil {
			p.logger.Error("Failed to requeue orphaned runs", "worker_id", workerID, "error", err)
			continue
		}
		total += n
	}
	if total > 0 {
		p.logger.Info("Requeued orphaned runs from previous process", "count", total)
	}
}

func (p *WorkerPool) runWorker(workerID string) {
	defer p.wg.Done()

	log := p.logger.With("worker_id", workerID)
	log.Info("Worker started")

	for {
		select {
		case <-p.stopCh:
			log.Info("Worker shutting down")
			return
		default:
		}

		run, err := p.store.claimNext(p.baseCtx, workerID, p.cfg.LeaseDuration, p.cfg.StickyTTL)
		if err != nil {
			if errors.Is(err, ErrNoRunsAvailable) {
				p.sleep(p.pollInterval())
				continue
			}
			if p.baseCtx.Err() != nil {
				return
			}
			log.Error("Claim failed", "error", err)
			p.sleep(time.Second)
			continue
		}

		p.process(workerID, run, log)
	}
}

func (p *WorkerPool) process(workerID string, run *models.RunRecord, log *slog.Logger) {
	log.Info("Run claimed", "run_id", run.RunID, "session_id", run.SessionID)

	host := &pgHost{store: p.store, run: run, workerID: workerID}
	err := p.exec.execute(p.baseCtx, run, host, p.watchRun(workerID, run))
	switch {
	case errors.Is(err, ErrLeaseLost):
		log.Warn("Run reassigned to another worker", "run_id", run.RunID)
	case err != nil && p.baseCtx.Err() == nil:
		log.Error("Run processing error", "run_id", run.RunID, "error", err)
	default:
		log.Info("Run processing complete", "run_id", run.RunID)
	}
}

// watchRun attaches the two per-run watchers: the cancel poll, which turns a
// marker filed on any replica into a local abort, and lease renewal, which
// aborts with ErrLeaseLost the moment ownership is gone.
func (p *WorkerPool) watchRun(workerID string, run *models.RunRecord) WatchFunc {
	return func(turnCtx context.Context, abort context.CancelCauseFunc) func() {
		done := make(chan struct{})
		stopped := make(chan struct{})

		go func() {
			defer close(stopped)

			cancelCheck := time.NewTicker(cancelCheckInterval)
			defer cancelCheck.Stop()
			renew := time.NewTicker(p.cfg.renewInterval())
			defer renew.Stop()

			for {
				select {
				case <-done:
					return
				case <-turnCtx.Done():
					return

				case <-cancelCheck.C:
					requested, err := p.store.cancelRequested(turnCtx, run.RunID)
					if err != nil {
						if turnCtx.Err() != nil {
							return
						}
						p.logger.Warn("Cancel check failed",
							"run_id", run.RunID, "error", err)
						continue
					}
					if requested {
						abort(errors.New("cancel requested"))
						return
					}

				case <-renew.C:
					err := p.store.renewLeases(turnCtx, run, workerID, p.cfg.LeaseDuration, p.cfg.StickyTTL)
					if errors.Is(err, ErrLeaseLost) {
						abort(ErrLeaseLost)
						return
					}
					if err != nil {
						if turnCtx.Err() != nil {
							return
						}
						// Transient; the lease outlives several renew ticks.
						p.logger.Warn("Lease renewal failed",
							"run_id", run.RunID, "error", err)
					}
				}
			}
		}()

		return func() {
			close(done)
			<-stopped
		}
	}
}

// PoolHealth is a point-in-time snapshot of the worker pool for the health
// endpoint.
type PoolHealth struct {
	IsHealthy    bool   `json:"is_healthy"`
	DBReachable  bool   `json:"db_reachable"`
	DBError      string `json:"db_error,omitempty"`
	WorkerID     string `json:"worker_id"`
	TotalWorkers int    `json:"total_workers"`
	ActiveRuns   int    `json:"active_runs"`
	QueueDepth   int    `json:"queue_depth"`
}

// Health probes the runs table and reports pool status. A DB error marks the
// pool unhealthy since workers cannot claim or renew without it.
func (p *WorkerPool) Health(ctx context.Context) *PoolHealth {
	h := &PoolHealth{
		WorkerID:     p.cfg.WorkerID,
		TotalWorkers: p.cfg.WorkerCount,
		DBReachable:  true,
	}

	queued, active, err := p.store.queueCounts(ctx, p.cfg.WorkerID)
	if err != nil {
		h.DBReachable = false
		h.DBError = err.Error()
	} else {
		h.QueueDepth = queued
		h.ActiveRuns = active
	}

	h.IsHealthy = h.DBReachable && p.cfg.WorkerCount > 0
	return h
}

// pollInterval returns the claim poll duration with jitter so workers spread
// out instead of stampeding the queue table.
func (p *WorkerPool) pollInterval() time.Duration {
	base := p.cfg.ClaimPoll
	jitter := base / 4
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (p *WorkerPool) sleep(d time.Duration) {
	select {
	case <-p.stopCh:
	case <-time.After(d):
	}
}

// pgHost binds the executor's event and terminal writes to one claimed run.
type pgHost struct {
	store    *pgStore
	run      *models.RunRecord
	workerID string
}

func (h *pgHost) AppendEvent(ctx context.Context, eventType string, data map[string]any) error {
	_, err := h.store.appendEvent(ctx, h.run.RunID, eventType, data)
	return err
}

func (h *pgHost) FinishRun(ctx context.Context, status models.RunStatus, finalOutput, errMsg string, trailing []agent.Event) error {
	return h.store.finishRun(ctx, h.run, h.workerID, status, finalOutput, errMsg, trailing)
}
