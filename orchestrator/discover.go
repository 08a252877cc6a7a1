package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/relengtools/autoland/bugzilla"
	"github.com/relengtools/autoland/errs"
	"github.com/relengtools/autoland/store"
)

// Request lifecycle states. The orchestrator is the single writer.
const (
	requestPreprocessed = "preprocessed"
	requestVerified     = "verified"
	requestDispatched   = "dispatched"
	requestSuccess      = "success"
	requestFailure      = "failure"
	requestNotVerified  = "not-verified"
	requestTimedOut     = "timed-out"
)

// Patchset lifecycle states.
const (
	patchsetQueued     = "queued"
	patchsetRunning    = "running"
	patchsetPushed     = "pushed"
	patchsetPushFailed = "push-failed"
)

// Discover polls the tracker queue for waiting bugs and turns each new
// one into a validated request with queued per-branch patchsets.
func (c *Component) Discover(ctx context.Context) error {
	bugs, err := c.tracker.GetWaitingBugs(ctx)
	if err != nil {
		return fmt.Errorf("poll waiting bugs: %w", err)
	}

	for _, bug := range bugs {
		if err := c.processBug(ctx, bug); err != nil {
			c.logger.Error("Failed to process waiting bug",
				slog.Int("bug", bug.BugID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// processBug records and validates one waiting bug. A bug whose
// (bug, source-timestamp) pair is already on file is skipped, so
// re-discovery never re-dispatches work.
func (c *Component) processBug(ctx context.Context, bug bugzilla.WaitingBug) error {
	processed, err := c.db.RequestProcessed(ctx, bug.BugID, bug.StatusWhen)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}

	branches := parseBranches(bug.Branches)
	req := &store.Request{
		BugID:      bug.BugID,
		Branches:   branches,
		Patches:    toInt64(bug.AttachmentIDs),
		StatusWhen: bug.StatusWhen,
		Status:     requestPreprocessed,
		TrySyntax:  bug.TrySyntax,
	}
	requestID, err := c.db.InsertRequest(ctx, req)
	if err != nil {
		return err
	}
	c.requestsDiscovered.Add(1)
	c.logger.Info("Recorded landing request",
		slog.Int("bug", bug.BugID),
		slog.Int64("request", requestID),
		slog.String("branches", strings.Join(branches, ",")))

	patches, failures, err := c.validate(ctx, bug, branches)
	if err != nil {
		// Validation infrastructure failed. Leaving the request in
		// limbo would strand it behind the dedup check, so fail it
		// with a comment the requester can act on.
		failures = []string{fmt.Sprintf("Could not validate the request: %s. "+
			"Please flag the patches for landing again.", err)}
	}
	if len(failures) > 0 {
		return c.failValidation(ctx, bug, requestID, failures)
	}

	taskID := uuid.NewString()
	if err := c.db.SetRequestTaskID(ctx, requestID, taskID); err != nil {
		return err
	}

	for _, branch := range branches {
		exists, err := c.db.PatchsetProcessed(ctx, bug.BugID, bug.StatusWhen, branch)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		ps := &store.Patchset{
			BugID:      bug.BugID,
			Patches:    toInt64(bug.AttachmentIDs),
			Author:     patches[0].Author.Email,
			Branch:     branch,
			TryRun:     branch == "try",
			TrySyntax:  bug.TrySyntax,
			StatusWhen: bug.StatusWhen,
			Status:     patchsetQueued,
		}
		if _, err := c.db.InsertPatchset(ctx, ps); err != nil {
			return err
		}
	}

	if err := c.db.UpdateRequestStatus(ctx, requestID, requestVerified); err != nil {
		return err
	}
	return c.outbox.Post(ctx, bug.BugID, fmt.Sprintf(
		"Autoland:\n\tPatchset queued for landing on branch(es): %s",
		strings.Join(branches, " ")))
}

// failValidation marks a request terminally not-verified, drops its
// patches from the tracker queue and schedules the failure comment.
func (c *Component) failValidation(ctx context.Context, bug bugzilla.WaitingBug, requestID int64, failures []string) error {
	if err := c.db.UpdateRequestStatus(ctx, requestID, requestNotVerified); err != nil {
		return err
	}
	if err := c.tracker.RemoveFromQueue(ctx, bug.AttachmentIDs); err != nil {
		c.logger.Warn("Failed to drop patches from tracker queue",
			slog.Int("bug", bug.BugID),
			slog.String("error", err.Error()))
	}
	return c.outbox.Post(ctx, bug.BugID,
		"Autoland Failure:\n\t"+strings.Join(failures, "\n\t"))
}

// validate runs the full pre-dispatch check: branches exist and are
// enabled, every waiting attachment resolves to a concrete patch, and
// every patch passes the per-branch review and approval rules. Any
// failure fails the whole request.
func (c *Component) validate(ctx context.Context, bug bugzilla.WaitingBug, branches []string) ([]bugzilla.Patch, []string, error) {
	var failures []string
	addFailure := func(text string) {
		if !contains(failures, text) {
			failures = append(failures, text)
		}
	}

	if len(branches) == 0 {
		addFailure("No branches specified for landing.")
		return nil, failures, nil
	}

	rows := make(map[string]*store.Branch, len(branches))
	for _, name := range branches {
		branch, err := c.db.BranchByName(ctx, name)
		if errors.Is(err, errs.ErrNotFound) {
			addFailure(fmt.Sprintf("Branch %s does not exist.", name))
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if !branch.Enabled() {
			addFailure(fmt.Sprintf("Branch %s is not enabled.", name))
			continue
		}
		rows[name] = branch
	}
	if len(failures) > 0 {
		return nil, failures, nil
	}

	patches, err := c.tracker.GetPatches(ctx, bug.BugID, bug.AttachmentIDs)
	if err != nil {
		if errors.Is(err, errs.ErrInvalidInput) {
			addFailure("Not all requested patches are available for landing.")
			return nil, failures, nil
		}
		return nil, nil, err
	}

	for _, name := range branches {
		checks, err := c.branchChecks(ctx, rows[name], patches)
		if err != nil {
			return nil, nil, err
		}
		for _, text := range checks {
			addFailure(text)
		}
	}

	return patches, failures, nil
}

// branchChecks applies the per-branch review and approval rules to a
// patch set. It returns the human-readable failures, empty when every
// patch passes.
func (c *Component) branchChecks(ctx context.Context, branch *store.Branch, patches []bugzilla.Patch) ([]string, error) {
	if !branch.ReviewRequired && !branch.ApprovalRequired {
		return nil, nil
	}

	group, err := c.groups.BranchPermissions(ctx, branch.Name)
	if errors.Is(err, errs.ErrNotFound) {
		return []string{fmt.Sprintf("Branch %s does not exist.", branch.Name)}, nil
	}
	if err != nil {
		return nil, err
	}
	member := func(email string) (bool, error) {
		return c.groups.InGroup(email, group)
	}

	var failures []string
	if branch.ReviewRequired {
		verdict, ids, err := reviewStatus(patches, member)
		if err != nil {
			return nil, err
		}
		switch verdict {
		case verdictFail:
			failures = append(failures, fmt.Sprintf(
				"Review failed on patch(es): %s", strings.Join(ids, " ")))
		case verdictPending:
			failures = append(failures, fmt.Sprintf(
				"Review not yet given on patch(es): %s", strings.Join(ids, " ")))
		case verdictInvalid:
			failures = append(failures, fmt.Sprintf(
				"Reviewer doesn't have correct permissions for %s on patch(es): %s",
				branch.Name, strings.Join(ids, " ")))
		}
	}

	if branch.ApprovalRequired {
		verdict, ids, err := approvalStatus(patches, branch.Name, member)
		if err != nil {
			return nil, err
		}
		switch verdict {
		case verdictFail:
			failures = append(failures, fmt.Sprintf(
				"Approval failed on patch(es): %s", strings.Join(ids, " ")))
		case verdictPending:
			failures = append(failures, fmt.Sprintf(
				"Approval not yet given for branch %s on patch(es): %s",
				branch.Name, strings.Join(ids, " ")))
		case verdictInvalid:
			failures = append(failures, fmt.Sprintf(
				"Approver for branch %s doesn't have correct permissions on patch(es): %s",
				branch.Name, strings.Join(ids, " ")))
		}
	}
	return failures, nil
}

func toInt64(ids []int) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func toInt(ids []int64) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}
