// Package pusher consumes apply jobs and lands their patches on a
// mercurial branch. Each job gets at most three apply attempts against
// a working clone, with escalating cleanup between attempts, and always
// produces exactly one result message for the orchestrator.
package pusher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/relengtools/autoland/bugzilla"
	"github.com/relengtools/autoland/bus"
	"github.com/relengtools/autoland/errs"
	"github.com/relengtools/autoland/hg"
	"github.com/relengtools/autoland/store"
)

// Tracker is the bug tracker surface the pusher needs.
type Tracker interface {
	GetBug(ctx context.Context, bugID int) (*bugzilla.Bug, error)
	DownloadPatch(ctx context.Context, patchID int, dir string) (string, error)
}

// Permissions resolves who may push where.
type Permissions interface {
	BranchPermissions(ctx context.Context, branch string) (string, error)
	InGroup(email, group string) (bool, error)
}

// Bus is the messaging surface, satisfied by *bus.Client.
type Bus interface {
	Publish(ctx context.Context, routingKey string, payload any) error
	Consume(ctx context.Context, routingKey, durable string, handler bus.Handler) error
}

// Statuses is the shared patchset state, satisfied by *store.Store. The
// pusher consults it to keep redelivered jobs from pushing the same
// patchset twice.
type Statuses interface {
	PatchsetByID(ctx context.Context, id int64) (*store.Patchset, error)
	MarkPatchsetPushed(ctx context.Context, id int64, revision string) error
}

// Component is the pusher process: a durable consumer on the job
// subject backed by one locked working directory.
type Component struct {
	config   Config
	bus      Bus
	tracker  Tracker
	perms    Permissions
	statuses Statuses
	hg       hg.Runner
	logger   *slog.Logger

	workdir string
	lock    *flock.Flock

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	jobsProcessed   atomic.Int64
	pushesSucceeded atomic.Int64
	pushesFailed    atomic.Int64
}

// New creates a pusher component.
func New(cfg Config, b Bus, tracker Tracker, perms Permissions, statuses Statuses, runner hg.Runner, logger *slog.Logger) (*Component, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pusher config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{
		config:   cfg,
		bus:      b,
		tracker:  tracker,
		perms:    perms,
		statuses: statuses,
		hg:       runner,
		logger:   logger,
	}, nil
}

// Start claims a working directory and begins consuming jobs.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("pusher already running")
	}

	workdir, lock, err := AcquireWorkdir(c.config.WorkRoot)
	if err != nil {
		return err
	}
	c.workdir = workdir
	c.lock = lock

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.startTime = time.Now()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.bus.Consume(runCtx, bus.KeyPusher, c.config.ConsumerName, c.handleJob); err != nil {
			c.logger.Error("Job consumer stopped", slog.String("error", err.Error()))
		}
	}()

	c.logger.Info("Pusher started", slog.String("workdir", workdir))
	return nil
}

// Stop halts the consumer and releases the working directory lock.
func (c *Component) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}

	c.cancel()
	c.wg.Wait()
	c.running = false

	if c.lock != nil {
		if err := c.lock.Unlock(); err != nil {
			c.logger.Warn("Failed to release workdir lock", slog.String("error", err.Error()))
		}
		c.lock = nil
	}

	c.logger.Info("Pusher stopped",
		slog.Int64("jobs_processed", c.jobsProcessed.Load()),
		slog.Int64("pushes_succeeded", c.pushesSucceeded.Load()),
		slog.Int64("pushes_failed", c.pushesFailed.Load()))
	return nil
}

// Status reports runtime state for health endpoints and logs.
func (c *Component) Status() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := map[string]any{
		"running":          c.running,
		"workdir":          c.workdir,
		"jobs_processed":   c.jobsProcessed.Load(),
		"pushes_succeeded": c.pushesSucceeded.Load(),
		"pushes_failed":    c.pushesFailed.Load(),
	}
	if c.running {
		status["uptime"] = time.Since(c.startTime).String()
	}
	return status
}

// handleJob processes one delivered job envelope. Processing always
// ends in exactly one published result; only a failure to publish that
// result naks the message for redelivery.
func (c *Component) handleJob(ctx context.Context, env bus.Envelope) error {
	job, err := bus.DecodeJob(env)
	if err != nil {
		// Undecodable jobs never get better on redelivery.
		c.logger.Error("Discarding undecodable job", slog.String("error", err.Error()))
		return nil
	}

	c.jobsProcessed.Add(1)
	c.logger.Info("Processing job",
		slog.Int("bug", job.BugID),
		slog.String("branch", job.Branch),
		slog.Bool("try_run", job.TryRun),
		slog.Int64("patchset", job.PatchsetID))

	if handled, err := c.replayLanded(ctx, job); handled || err != nil {
		return err
	}

	jobCtx, cancel := context.WithTimeout(ctx, c.config.JobTimeout)
	defer cancel()

	result := c.process(jobCtx, job)
	if result.Type == bus.TypeSuccess {
		c.pushesSucceeded.Add(1)
	} else {
		c.pushesFailed.Add(1)
	}

	if err := c.bus.Publish(ctx, bus.KeyDB, result); err != nil {
		// The push itself cannot be repeated. Record the landed revision
		// so the redelivery replays the result instead of the job.
		if result.Type == bus.TypeSuccess {
			if serr := c.statuses.MarkPatchsetPushed(ctx, job.PatchsetID, result.Revision); serr != nil {
				c.logger.Error("Failed to record landed revision",
					slog.Int64("patchset", job.PatchsetID),
					slog.String("revision", result.Revision),
					slog.String("error", serr.Error()))
			}
		}
		return fmt.Errorf("publish result for bug %d: %w", job.BugID, err)
	}
	return nil
}

// replayLanded suppresses a redelivered job whose patchset already
// carries a landed revision. The recorded success is republished; the
// clone and push never rerun against the remote.
func (c *Component) replayLanded(ctx context.Context, job *bus.Job) (bool, error) {
	ps, err := c.statuses.PatchsetByID(ctx, job.PatchsetID)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			c.logger.Warn("Patchset lookup failed, processing anyway",
				slog.Int64("patchset", job.PatchsetID),
				slog.String("error", err.Error()))
		}
		return false, nil
	}
	if !ps.Revision.Valid {
		return false, nil
	}

	c.logger.Info("Patchset already landed, republishing result",
		slog.Int64("patchset", job.PatchsetID),
		slog.String("revision", ps.Revision.String))
	if err := c.bus.Publish(ctx, bus.KeyDB, c.success(job, ps.Revision.String)); err != nil {
		return true, fmt.Errorf("republish result for bug %d: %w", job.BugID, err)
	}
	return true, nil
}
