package pusher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/relengtools/autoland/bugzilla"
	"github.com/relengtools/autoland/bus"
	"github.com/relengtools/autoland/commitmsg"
	"github.com/relengtools/autoland/errs"
	"github.com/relengtools/autoland/hg"
)

// userLine matches a complete mercurial patch header user line, e.g.
// "# User Jane Doe <jane@example.com>".
var userLine = regexp.MustCompile(`^# User [\w\s]+ <[\w\d._%+-]+@[\w\d.-]+\.\w{2,6}>$`)

// tbplTrees maps landing targets to dashboard tree names.
var tbplTrees = map[string]string{
	"try":             "Try",
	"mozilla-central": "Firefox",
	"mozilla-inbound": "Mozilla-Inbound",
}

// process runs one job end to end and returns the single result to
// report. It never returns an error; every failure mode folds into an
// ERROR result carrying the user-facing comment.
func (c *Component) process(ctx context.Context, job *bus.Job) bus.Result {
	if job.TrySyntax == "" {
		job.TrySyntax = c.config.DefaultTrySyntax
	}

	// The landing user needs push permission on the real target: the
	// try repo for try runs, the branch itself otherwise. Not
	// retryable, membership does not change mid-job.
	permBranch := job.Branch
	if job.TryRun {
		permBranch = "try"
	}
	if !c.hasPushPermission(ctx, job.User, permBranch) {
		return c.failure(job, fmt.Sprintf("Insufficient permissions to push to %s.", permBranch))
	}

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		if err := c.refreshRepos(ctx, job); err != nil {
			lastErr = err
		} else {
			revision, err := c.applyAndPush(ctx, job)
			if err == nil {
				return c.success(job, revision)
			}
			lastErr = err
			if errs.IsFatal(err) {
				break
			}
		}

		c.logger.Warn("Apply attempt failed",
			slog.Int("bug", job.BugID),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()))

		// First failure gets a soft clean of the working clone; the
		// second throws both clones away so the next attempt starts
		// from a fresh remote clone.
		switch attempt {
		case 1:
			c.softClean(ctx, job.Branch)
		case 2:
			c.hardClean(job.Branch)
		}
	}

	// Fatal failures carry their own user-facing message; exhausted
	// retries get a generic one wrapping the last error.
	comment := fmt.Sprintf("Could not apply and push patchset:\n%s", lastErr)
	if errs.IsFatal(lastErr) {
		comment = lastErr.Error()
	}
	return c.failure(job, comment)
}

func (c *Component) hasPushPermission(ctx context.Context, user, branch string) bool {
	group, err := c.perms.BranchPermissions(ctx, branch)
	if err != nil {
		c.logger.Error("Branch permission lookup failed",
			slog.String("branch", branch),
			slog.String("error", err.Error()))
		return false
	}
	ok, err := c.perms.InGroup(user, group)
	if err != nil {
		c.logger.Error("Group membership lookup failed",
			slog.String("user", user),
			slog.String("group", group),
			slog.String("error", err.Error()))
		return false
	}
	return ok
}

func (c *Component) cleanDir(branch string) string {
	return filepath.Join(c.workdir, "clean", branch)
}

func (c *Component) activeDir(branch string) string {
	return filepath.Join(c.workdir, "active", branch)
}

// refreshRepos brings the clean clone up to date and recreates the
// working clone from it. The clean clone only ever talks to the remote
// on pull, so repeated jobs for a branch stay cheap.
func (c *Component) refreshRepos(ctx context.Context, job *bus.Job) error {
	clean := c.cleanDir(job.Branch)
	active := c.activeDir(job.Branch)

	if _, err := os.Stat(clean); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(clean), 0755); err != nil {
			return errs.Transient(err)
		}
		if err := c.hg.Clone(ctx, job.BranchURL, clean); err != nil {
			return errs.Transient(err)
		}
	} else {
		if err := c.hg.Pull(ctx, clean, job.BranchURL); err != nil {
			return errs.Transient(err)
		}
		if err := c.hg.UpdateClean(ctx, clean); err != nil {
			return errs.Transient(err)
		}
	}

	if err := os.RemoveAll(active); err != nil {
		return errs.Transient(err)
	}
	if err := os.MkdirAll(filepath.Dir(active), 0755); err != nil {
		return errs.Transient(err)
	}
	if err := c.hg.Clone(ctx, clean, active); err != nil {
		return errs.Transient(err)
	}
	return nil
}

// softClean pops any applied patches, drops the patch queue, and
// reverts local changes in the working clone.
func (c *Component) softClean(ctx context.Context, branch string) {
	active := c.activeDir(branch)
	if err := c.hg.QPopAll(ctx, active); err != nil {
		c.logger.Debug("qpop during cleanup failed", slog.String("error", err.Error()))
	}
	if err := os.RemoveAll(filepath.Join(active, ".hg", "patches")); err != nil {
		c.logger.Debug("patch queue removal failed", slog.String("error", err.Error()))
	}
	if err := c.hg.UpdateClean(ctx, active); err != nil {
		c.logger.Debug("update during cleanup failed", slog.String("error", err.Error()))
	}
}

// hardClean discards both clones; the next refresh re-clones from the
// remote.
func (c *Component) hardClean(branch string) {
	for _, dir := range []string{c.cleanDir(branch), c.activeDir(branch)} {
		if err := os.RemoveAll(dir); err != nil {
			c.logger.Warn("Failed to remove clone", slog.String("dir", dir), slog.String("error", err.Error()))
		}
	}
}

// applyAndPush imports and applies every patch in the working clone,
// finalizes the queue, pushes, and returns the landed revision.
func (c *Component) applyAndPush(ctx context.Context, job *bus.Job) (string, error) {
	active := c.activeDir(job.Branch)
	patchDir := filepath.Join(c.workdir, "patches", strconv.FormatInt(job.PatchsetID, 10))
	defer os.RemoveAll(patchDir)

	// A try run whose patches carry no author header gets one filled in
	// below; the null commit then reuses the same identity.
	tryUser := job.User

	for _, patch := range job.Patches {
		file, err := c.tracker.DownloadPatch(ctx, patch.ID, patchDir)
		if err != nil {
			return "", err
		}

		user := ""
		valid, err := hasValidHeader(file)
		if err != nil {
			return "", errs.Transient(err)
		}
		if !valid {
			if !job.TryRun {
				return "", errs.Fatal(fmt.Errorf(
					"Patch %d doesn't have a properly formatted header. To land to branches, patches must contain a header with a commit message and user field.",
					patch.ID))
			}
			user = fmt.Sprintf("%s <%s>", patch.Author.Name, patch.Author.Email)
			tryUser = user
		}

		if err := c.hg.QImport(ctx, active, file); err != nil {
			return "", errs.Transient(err)
		}
		if err := c.hg.QPush(ctx, active); err != nil {
			return "", errs.Transient(err)
		}

		if job.TryRun {
			if user != "" {
				if err := c.hg.QRefresh(ctx, active, user, ""); err != nil {
					return "", errs.Transient(err)
				}
			}
			continue
		}

		message, err := c.landingMessage(ctx, active, job, patch)
		if err != nil {
			return "", err
		}
		if err := c.hg.QRefresh(ctx, active, user, message); err != nil {
			return "", errs.Transient(err)
		}
	}

	if job.TryRun {
		message := fmt.Sprintf("try: %s -n --post-to-bugzilla bug %d", job.TrySyntax, job.BugID)
		if err := c.hg.QNew(ctx, active, "try", tryUser, message); err != nil {
			return "", errs.Transient(err)
		}
	}

	if err := c.hg.QFinishAll(ctx, active); err != nil {
		return "", errs.Transient(err)
	}
	if err := c.hg.Push(ctx, active, hg.NormalizePushURL(job.PushURL), job.TryRun); err != nil {
		return "", errs.Transient(err)
	}

	revision, err := c.hg.Identify(ctx, active)
	if err != nil {
		return "", errs.Transient(err)
	}
	return revision, nil
}

// landingMessage rewrites the applied patch's commit message with
// review and approval credits. A patch with no message of its own falls
// back to the bug summary.
func (c *Component) landingMessage(ctx context.Context, repo string, job *bus.Job, patch bugzilla.Patch) (string, error) {
	message, err := c.hg.QHeader(ctx, repo)
	if err != nil {
		return "", errs.Transient(err)
	}
	if message == "" {
		bug, err := c.tracker.GetBug(ctx, job.BugID)
		if err != nil {
			return "", err
		}
		message = commitmsg.Default(job.BugID, bug.Summary)
	}
	return commitmsg.Rewrite(message, patch, job.Branch, job.User, job.BugID), nil
}

func hasValidHeader(file string) (bool, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return false, fmt.Errorf("read patch %s: %w", file, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "# User ") {
			return userLine.MatchString(strings.TrimRight(line, "\r")), nil
		}
		if !strings.HasPrefix(line, "#") {
			// Header block ends at the first non-comment line.
			return false, nil
		}
	}
	return false, nil
}

func pushlogURL(repoURL, revision string) string {
	if rest, ok := strings.CutPrefix(repoURL, "ssh://"); ok {
		repoURL = "https://" + rest
	}
	return strings.TrimSuffix(repoURL, "/") + "/pushloghtml?changeset=" + revision
}

func (c *Component) success(job *bus.Job, revision string) bus.Result {
	ids := make([]string, len(job.Patches))
	for i, patch := range job.Patches {
		ids[i] = strconv.Itoa(patch.ID)
	}
	branchLine := job.Branch
	if job.TryRun {
		branchLine += " => try"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Autoland Patchset:\n\tPatches: %s\n\tBranch: %s\n",
		strings.Join(ids, ", "), branchLine)
	fmt.Fprintf(&b, "\tDestination: %s\n", pushlogURL(job.PushURL, revision))

	action := bus.ActionBranchPush
	if job.TryRun {
		action = bus.ActionTryPush
		fmt.Fprintf(&b, "Try run started, revision %s. To cancel or monitor the job, see: %s",
			revision, c.tbplLink("try", revision))
	} else {
		fmt.Fprintf(&b, "Successfully applied and pushed patchset.\n\tRevision: %s", revision)
		if link := c.tbplLink(job.Branch, revision); link != "" {
			fmt.Fprintf(&b, "\nTo monitor the commit, see: %s", link)
		}
	}

	return bus.Result{
		Type:       bus.TypeSuccess,
		Action:     action,
		BugID:      job.BugID,
		PatchsetID: job.PatchsetID,
		Revision:   revision,
		Comment:    b.String(),
	}
}

func (c *Component) tbplLink(branch, revision string) string {
	tree, ok := tbplTrees[branch]
	if !ok || c.config.TBPLURL == "" {
		return ""
	}
	return fmt.Sprintf("%s?tree=%s&rev=%s", c.config.TBPLURL, tree, revision)
}

func (c *Component) failure(job *bus.Job, comment string) bus.Result {
	return bus.Result{
		Type:       bus.TypeError,
		Action:     bus.ActionPatchsetApply,
		BugID:      job.BugID,
		PatchsetID: job.PatchsetID,
		Comment:    comment,
	}
}
