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

// handleResult folds one bus result into request and patchset state.
// Push replies come from the pushers, run outcomes from the classifier.
// Returning an error naks the delivery for a retry; unknown or
// untracked results are acked away.
func (c *Component) handleResult(ctx context.Context, env bus.Envelope) error {
	result, err := bus.DecodeResult(env)
	if err != nil {
		c.logger.Error("Discarding undecodable result", slog.String("error", err.Error()))
		return nil
	}
	c.resultsHandled.Add(1)
	c.logger.Info("Received result",
		slog.String("type", result.Type),
		slog.String("action", result.Action),
		slog.Int("bug", result.BugID))

	if result.Comment != "" && result.BugID != 0 {
		if err := c.outbox.Post(ctx, result.BugID, result.Comment); err != nil {
			c.logger.Warn("Failed to schedule result comment",
				slog.Int("bug", result.BugID),
				slog.String("error", err.Error()))
		}
	}

	switch result.Type {
	case bus.TypeSuccess:
		switch result.Action {
		case bus.ActionTryPush, bus.ActionBranchPush:
			return c.onPushSuccess(ctx, result)
		case bus.ActionTryRun, bus.ActionBranchRun:
			return c.onRunResult(ctx, result, "SUCCESS: run complete", "")
		}
	case bus.TypeTimedOut:
		return c.onRunResult(ctx, result, "TIMED_OUT: run never completed", requestTimedOut)
	case bus.TypeError, bus.TypeFailure:
		switch result.Action {
		case bus.ActionPatchsetApply, bus.ActionTryPush, bus.ActionBranchPush:
			return c.onPushFailure(ctx, result)
		case bus.ActionTryRun, bus.ActionBranchRun:
			return c.onRunResult(ctx, result, "FAILURE: run failed", requestFailure)
		}
	}

	c.logger.Warn("Ignoring result with unknown type or action",
		slog.String("type", result.Type),
		slog.String("action", result.Action))
	return nil
}

// onPushSuccess records the landed revision and checks the request
// barrier. The revision is written once; a redelivered result never
// overwrites it.
func (c *Component) onPushSuccess(ctx context.Context, result *bus.Result) error {
	ps, err := c.db.PatchsetByID(ctx, result.PatchsetID)
	if errors.Is(err, errs.ErrNotFound) {
		c.logger.Warn("Push result for unknown patchset",
			slog.Int64("patchset", result.PatchsetID))
		return nil
	}
	if err != nil {
		return err
	}

	if ps.Revision.Valid {
		c.logger.Debug("Patchset already has a revision, skipping update",
			slog.Int64("patchset", ps.ID))
	} else if err := c.db.MarkPatchsetPushed(ctx, ps.ID, result.Revision); err != nil {
		return err
	}

	if err := c.tracker.RemoveFromQueue(ctx, toInt(ps.Patches)); err != nil {
		c.logger.Warn("Failed to drop patches from tracker queue",
			slog.Int("bug", ps.BugID),
			slog.String("error", err.Error()))
	}

	return c.resolveBarrier(ctx, ps.BugID, ps.StatusWhen)
}

// onPushFailure resolves the patchset as push-failed and checks the
// request barrier. The pusher's diagnostic comment was already posted
// above.
func (c *Component) onPushFailure(ctx context.Context, result *bus.Result) error {
	ps, err := c.db.PatchsetByID(ctx, result.PatchsetID)
	if errors.Is(err, errs.ErrNotFound) {
		c.logger.Warn("Push failure for unknown patchset",
			slog.Int64("patchset", result.PatchsetID))
		return nil
	}
	if err != nil {
		return err
	}

	if err := c.db.UpdatePatchsetStatus(ctx, ps.ID, patchsetPushFailed); err != nil {
		return err
	}
	if err := c.tracker.RemoveFromQueue(ctx, toInt(ps.Patches)); err != nil {
		c.logger.Warn("Failed to drop patches from tracker queue",
			slog.Int("bug", ps.BugID),
			slog.String("error", err.Error()))
	}

	return c.resolveBarrier(ctx, ps.BugID, ps.StatusWhen)
}

// onRunResult archives the patchset behind a classified revision. A
// failed or timed-out run downgrades its request unless the request is
// already past saving.
func (c *Component) onRunResult(ctx context.Context, result *bus.Result, status, downgrade string) error {
	ps, err := c.db.PatchsetByRevision(ctx, result.Revision)
	if errors.Is(err, errs.ErrNotFound) {
		c.logger.Warn("Run result for untracked revision",
			slog.String("revision", result.Revision))
		return nil
	}
	if err != nil {
		return err
	}

	if err := c.db.CompletePatchset(ctx, ps.ID, status); err != nil {
		return err
	}
	c.logger.Info("Completed patchset",
		slog.Int64("patchset", ps.ID),
		slog.String("revision", result.Revision),
		slog.String("status", status))

	if downgrade == "" {
		return nil
	}
	req, err := c.db.RequestForBug(ctx, ps.BugID, ps.StatusWhen)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch req.Status {
	case requestVerified, requestDispatched, requestSuccess:
		return c.db.UpdateRequestStatus(ctx, req.ID, downgrade)
	}
	return nil
}

// resolveBarrier finalizes a request once every per-branch patchset has
// resolved its push phase: success iff every branch pushed. Failed
// patchsets are archived here; pushed ones stay active until their run
// outcome arrives.
func (c *Component) resolveBarrier(ctx context.Context, bugID int, statusWhen time.Time) error {
	req, err := c.db.RequestForBug(ctx, bugID, statusWhen)
	if errors.Is(err, errs.ErrNotFound) {
		c.logger.Warn("No request on file for patchset", slog.Int("bug", bugID))
		return nil
	}
	if err != nil {
		return err
	}
	switch req.Status {
	case requestSuccess, requestFailure, requestNotVerified, requestTimedOut:
		return nil
	}

	patchsets, err := c.db.PatchsetsForRequest(ctx, bugID, statusWhen)
	if err != nil {
		return err
	}
	if len(patchsets) < len(req.Branches) {
		return nil
	}
	allPushed := true
	for _, ps := range patchsets {
		switch ps.Status {
		case patchsetPushed:
		case patchsetPushFailed:
			allPushed = false
		default:
			return nil
		}
	}

	status := requestSuccess
	trackerStatus := "success"
	if !allPushed {
		status = requestFailure
		trackerStatus = "failed"
	}
	if err := c.db.UpdateRequestStatus(ctx, req.ID, status); err != nil {
		return err
	}
	if err := c.tracker.UpdateAutolandStatus(ctx, trackerStatus, toInt(req.Patches)); err != nil {
		c.logger.Warn("Failed to update tracker attachment status",
			slog.Int("bug", bugID),
			slog.String("error", err.Error()))
	}

	if err := c.outbox.Post(ctx, bugID, summaryComment(allPushed, patchsets)); err != nil {
		return err
	}

	for _, ps := range patchsets {
		if ps.Status != patchsetPushFailed {
			continue
		}
		if err := c.db.CompletePatchset(ctx, ps.ID, "FAILURE: could not apply and push"); err != nil {
			return err
		}
	}

	c.logger.Info("Resolved request",
		slog.Int("bug", bugID),
		slog.Int64("request", req.ID),
		slog.String("status", status))
	return nil
}

// summaryComment builds the single end-of-request comment covering
// every branch outcome.
func summaryComment(allPushed bool, patchsets []store.Patchset) string {
	var b strings.Builder
	if allPushed {
		b.WriteString("Autoland:\n\tPushed to all requested branches.\n")
	} else {
		b.WriteString("Autoland Failure:\n\tOne or more branch landings failed.\n")
	}
	for _, ps := range patchsets {
		if ps.Status == patchsetPushed && ps.Revision.Valid {
			fmt.Fprintf(&b, "\t%s: pushed, revision %s\n", ps.Branch, ps.Revision.String)
		} else {
			fmt.Fprintf(&b, "\t%s: push failed\n", ps.Branch)
		}
	}
	return b.String()
}
