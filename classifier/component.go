package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
)

// Component runs the classifier as a periodic polling loop. One
// instance per lock file; a second Start against the same lock fails.
type Component struct {
	poller *Poller
	logger *slog.Logger

	interval time.Duration
	lockPath string
	lock     *flock.Flock

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	ticksCompleted atomic.Int64
	incompleteLast atomic.Int64
}

// NewComponent wraps a poller in the periodic loop.
func NewComponent(poller *Poller, logger *slog.Logger) *Component {
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{
		poller:   poller,
		logger:   logger,
		interval: poller.config.PollInterval,
		lockPath: poller.config.LockFile,
	}
}

// Start claims the instance lock and begins ticking.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("classifier already running")
	}

	lock := flock.New(c.lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", c.lockPath, err)
	}
	if !locked {
		return fmt.Errorf("another classifier instance holds %s", c.lockPath)
	}
	c.lock = lock

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.startTime = time.Now()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx)
	}()

	c.logger.Info("Classifier started",
		slog.String("branch", c.poller.config.Branch),
		slog.Duration("interval", c.interval))
	return nil
}

// Stop halts the loop and releases the instance lock.
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
			c.logger.Warn("Failed to release instance lock", slog.String("error", err.Error()))
		}
		c.lock = nil
	}

	c.logger.Info("Classifier stopped",
		slog.Int64("ticks_completed", c.ticksCompleted.Load()))
	return nil
}

// Status reports runtime state.
func (c *Component) Status() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := map[string]any{
		"running":         c.running,
		"branch":          c.poller.config.Branch,
		"ticks_completed": c.ticksCompleted.Load(),
		"incomplete_last": c.incompleteLast.Load(),
	}
	if c.running {
		status["uptime"] = time.Since(c.startTime).String()
	}
	return status
}

func (c *Component) run(ctx context.Context) {
	// First tick right away, then on the interval.
	c.tick(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Component) tick(ctx context.Context) {
	end := time.Now()
	start := end.Add(-c.interval)

	incomplete, err := c.poller.PollByTimeRange(ctx, start, end)
	if err != nil {
		c.logger.Error("Polling tick failed", slog.String("error", err.Error()))
		return
	}

	c.ticksCompleted.Add(1)
	c.incompleteLast.Store(int64(len(incomplete)))
	c.logger.Info("Polling tick complete",
		slog.Int("incomplete", len(incomplete)))
}
