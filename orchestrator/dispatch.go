package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relengtools/autoland/bus"
	"github.com/relengtools/autoland/errs"
	"github.com/relengtools/autoland/store"
)

// errTreeClosed reports a tree still closed after the configured wait.
var errTreeClosed = errors.New("tree closed")

// DispatchQueued drains queued patchsets onto the bus. Patchsets whose
// branch is at its concurrency threshold stay queued for a later tick.
func (c *Component) DispatchQueued(ctx context.Context) error {
	patchsets, err := c.db.QueuedPatchsets(ctx, dispatchBatch)
	if err != nil {
		return err
	}

	for _, ps := range patchsets {
		if err := c.dispatch(ctx, ps); err != nil {
			c.logger.Error("Failed to dispatch patchset",
				slog.Int64("patchset", ps.ID),
				slog.String("branch", ps.Branch),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// dispatch sends one queued patchset to the pushers, re-checking the
// review and approval rules in case flags changed since discovery.
// Errors from transient infrastructure leave the patchset queued; rule
// failures resolve it as push-failed.
func (c *Component) dispatch(ctx context.Context, ps store.Patchset) error {
	branch, err := c.db.BranchByName(ctx, ps.Branch)
	if errors.Is(err, errs.ErrNotFound) {
		return c.failDispatch(ctx, ps, fmt.Sprintf("Branch %s is not supported.", ps.Branch))
	}
	if err != nil {
		return err
	}

	running, err := c.db.RunningJobs(ctx, ps.Branch, ps.Branch == "try")
	if err != nil {
		return err
	}
	if running >= branch.Threshold {
		c.logger.Debug("Branch at concurrency threshold, deferring",
			slog.String("branch", ps.Branch),
			slog.Int("running", running),
			slog.Int("threshold", branch.Threshold))
		return nil
	}

	patches, err := c.tracker.GetPatches(ctx, ps.BugID, toInt(ps.Patches))
	if err != nil {
		if errors.Is(err, errs.ErrInvalidInput) {
			return c.failDispatch(ctx, ps, "Not all requested patches are available for landing.")
		}
		return err
	}

	checks, err := c.branchChecks(ctx, branch, patches)
	if err != nil {
		return err
	}
	if len(checks) > 0 {
		return c.failDispatch(ctx, ps, strings.Join(checks, "\n\t"))
	}

	if branch.UseTreeStatus {
		if err := c.waitForOpenTree(ctx, ps.Branch); err != nil {
			if errors.Is(err, errTreeClosed) {
				return c.failDispatch(ctx, ps, fmt.Sprintf(
					"Tree %s is closed; gave up after %d checks.",
					ps.Branch, c.trees.MaxAttempts))
			}
			return err
		}
	}

	job := &bus.Job{
		JobType:    "patchset",
		BugID:      ps.BugID,
		Branch:     ps.Branch,
		BranchURL:  branch.PullRepo,
		PushURL:    branch.PushRepo,
		User:       ps.Author,
		TryRun:     ps.TryRun,
		ToBranch:   !ps.TryRun,
		TrySyntax:  ps.TrySyntax,
		PatchsetID: ps.ID,
		Patches:    patches,
	}

	if err := c.db.MarkPatchsetDispatched(ctx, ps.ID); err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, bus.KeyPusher, job); err != nil {
		// Undo the in-flight marker so the next drain retries.
		if dbErr := c.db.UpdatePatchsetStatus(ctx, ps.ID, patchsetQueued); dbErr != nil {
			c.logger.Error("Failed to re-queue patchset after publish failure",
				slog.Int64("patchset", ps.ID),
				slog.String("error", dbErr.Error()))
		}
		return err
	}
	c.jobsDispatched.Add(1)

	if err := c.tracker.UpdateAutolandStatus(ctx, "running", toInt(ps.Patches)); err != nil {
		c.logger.Warn("Failed to update tracker attachment status",
			slog.Int("bug", ps.BugID),
			slog.String("error", err.Error()))
	}

	req, err := c.db.RequestForBug(ctx, ps.BugID, ps.StatusWhen)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			return err
		}
	} else if req.Status == requestVerified {
		if err := c.db.UpdateRequestStatus(ctx, req.ID, requestDispatched); err != nil {
			return err
		}
	}

	c.logger.Info("Dispatched patchset",
		slog.Int("bug", ps.BugID),
		slog.Int64("patchset", ps.ID),
		slog.String("branch", ps.Branch),
		slog.Bool("try_run", ps.TryRun))
	return nil
}

// failDispatch resolves a patchset that can no longer be sent out,
// schedules the failure comment and lets the request barrier see the
// outcome.
func (c *Component) failDispatch(ctx context.Context, ps store.Patchset, reason string) error {
	if err := c.db.UpdatePatchsetStatus(ctx, ps.ID, patchsetPushFailed); err != nil {
		return err
	}
	if err := c.outbox.Post(ctx, ps.BugID, "Autoland Failure:\n\t"+reason); err != nil {
		return err
	}
	return c.resolveBarrier(ctx, ps.BugID, ps.StatusWhen)
}

// waitForOpenTree polls tree status until the branch opens, up to the
// configured attempt ceiling.
func (c *Component) waitForOpenTree(ctx context.Context, branch string) error {
	for attempt := 1; ; attempt++ {
		closed, err := c.status.IsClosed(ctx, branch)
		if err != nil {
			return err
		}
		if !closed {
			return nil
		}
		if attempt >= c.trees.MaxAttempts {
			return fmt.Errorf("%s after %d checks: %w", branch, attempt, errTreeClosed)
		}

		c.logger.Info("Tree closed, waiting",
			slog.String("branch", branch),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", c.trees.RetryInterval))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.trees.RetryInterval):
		}
	}
}
