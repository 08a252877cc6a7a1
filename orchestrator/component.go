// Package orchestrator discovers flagged landing requests on the bug
// tracker, validates their review and approval metadata, carves them
// into per-branch patchsets, dispatches apply jobs to the pushers and
// folds the results back into terminal request state and bug comments.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relengtools/autoland/bugzilla"
	"github.com/relengtools/autoland/bus"
	"github.com/relengtools/autoland/config"
	"github.com/relengtools/autoland/store"
)

// consumerName is the durable consumer identity on the result subject.
const consumerName = "autoland"

// dispatchBatch bounds how many queued patchsets one drain tick
// considers.
const dispatchBatch = 10

// Tracker is the bug tracker surface the orchestrator needs.
type Tracker interface {
	GetWaitingBugs(ctx context.Context) ([]bugzilla.WaitingBug, error)
	GetPatches(ctx context.Context, bugID int, patchIDs []int) ([]bugzilla.Patch, error)
	UpdateAutolandStatus(ctx context.Context, status string, patchIDs []int) error
	RemoveFromQueue(ctx context.Context, patchIDs []int) error
}

// Permissions resolves who may land where.
type Permissions interface {
	BranchPermissions(ctx context.Context, branch string) (string, error)
	InGroup(email, group string) (bool, error)
}

// Trees gates dispatch on branch tree status.
type Trees interface {
	IsClosed(ctx context.Context, branch string) (bool, error)
}

// Bus is the messaging surface, satisfied by *bus.Client.
type Bus interface {
	Publish(ctx context.Context, routingKey string, payload any) error
	Consume(ctx context.Context, routingKey, durable string, handler bus.Handler) error
}

// Commenter delivers bug comments durably, satisfied by *outbox.Outbox.
type Commenter interface {
	Post(ctx context.Context, bugID int, text string) error
	Sweep(ctx context.Context) error
}

// Store is the request and patchset persistence surface, satisfied by
// *store.Store.
type Store interface {
	BranchByName(ctx context.Context, name string) (*store.Branch, error)
	RequestProcessed(ctx context.Context, bugID int, statusWhen time.Time) (bool, error)
	InsertRequest(ctx context.Context, r *store.Request) (int64, error)
	UpdateRequestStatus(ctx context.Context, id int64, status string) error
	SetRequestTaskID(ctx context.Context, id int64, taskID string) error
	RequestForBug(ctx context.Context, bugID int, statusWhen time.Time) (*store.Request, error)
	PatchsetProcessed(ctx context.Context, bugID int, statusWhen time.Time, branch string) (bool, error)
	InsertPatchset(ctx context.Context, ps *store.Patchset) (int64, error)
	QueuedPatchsets(ctx context.Context, limit int) ([]store.Patchset, error)
	PatchsetByID(ctx context.Context, id int64) (*store.Patchset, error)
	PatchsetByRevision(ctx context.Context, revision string) (*store.Patchset, error)
	PatchsetsForRequest(ctx context.Context, bugID int, statusWhen time.Time) ([]store.Patchset, error)
	UpdatePatchsetStatus(ctx context.Context, id int64, status string) error
	MarkPatchsetDispatched(ctx context.Context, id int64) error
	MarkPatchsetPushed(ctx context.Context, id int64, revision string) error
	CompletePatchset(ctx context.Context, id int64, status string) error
	RunningJobs(ctx context.Context, branch string, countTry bool) (int, error)
}

// Component is the orchestrator process: a discovery poller, a dispatch
// drain and a durable consumer on the result subject.
type Component struct {
	config  config.OrchestratorConfig
	trees   config.TreeStatusConfig
	db      Store
	tracker Tracker
	groups  Permissions
	status  Trees
	bus     Bus
	outbox  Commenter
	logger  *slog.Logger

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	requestsDiscovered atomic.Int64
	jobsDispatched     atomic.Int64
	resultsHandled     atomic.Int64
}

// New creates an orchestrator component.
func New(cfg config.OrchestratorConfig, treeCfg config.TreeStatusConfig, db Store,
	tracker Tracker, groups Permissions, trees Trees, b Bus, comments Commenter,
	logger *slog.Logger) (*Component, error) {
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("invalid orchestrator config: poll interval must be positive")
	}
	if cfg.DrainInterval <= 0 {
		return nil, fmt.Errorf("invalid orchestrator config: drain interval must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{
		config:  cfg,
		trees:   treeCfg,
		db:      db,
		tracker: tracker,
		groups:  groups,
		status:  trees,
		bus:     b,
		outbox:  comments,
		logger:  logger,
	}, nil
}

// Start launches the discovery, dispatch and result loops.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("orchestrator already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.startTime = time.Now()

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.discoveryLoop(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.drainLoop(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		if err := c.bus.Consume(runCtx, bus.KeyDB, consumerName, c.handleResult); err != nil {
			c.logger.Error("Result consumer stopped", slog.String("error", err.Error()))
		}
	}()

	c.logger.Info("Orchestrator started",
		slog.Duration("poll_interval", c.config.PollInterval),
		slog.Duration("drain_interval", c.config.DrainInterval))
	return nil
}

// Stop halts all loops.
func (c *Component) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}

	c.cancel()
	c.wg.Wait()
	c.running = false

	c.logger.Info("Orchestrator stopped",
		slog.Int64("requests_discovered", c.requestsDiscovered.Load()),
		slog.Int64("jobs_dispatched", c.jobsDispatched.Load()),
		slog.Int64("results_handled", c.resultsHandled.Load()))
	return nil
}

// Status reports runtime state for health endpoints and logs.
func (c *Component) Status() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := map[string]any{
		"running":             c.running,
		"requests_discovered": c.requestsDiscovered.Load(),
		"jobs_dispatched":     c.jobsDispatched.Load(),
		"results_handled":     c.resultsHandled.Load(),
	}
	if c.running {
		status["uptime"] = time.Since(c.startTime).String()
	}
	return status
}

// discoveryLoop polls the tracker for waiting requests. The first poll
// happens immediately.
func (c *Component) discoveryLoop(ctx context.Context) {
	if err := c.Discover(ctx); err != nil {
		c.logger.Error("Discovery failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Discover(ctx); err != nil {
				c.logger.Error("Discovery failed", slog.String("error", err.Error()))
			}
		}
	}
}

// drainLoop paces dispatch of queued patchsets and outbox sweeps
// between tracker polls.
func (c *Component) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.DispatchQueued(ctx); err != nil {
				c.logger.Error("Dispatch failed", slog.String("error", err.Error()))
			}
			if err := c.outbox.Sweep(ctx); err != nil {
				c.logger.Error("Comment sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
