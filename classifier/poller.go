// Package classifier polls the downstream build store and classifies
// each tracked revision's record set as SUCCESS, FAILURE, RETRYING or
// TIMED_OUT, posting one summary comment per terminal revision and
// reporting the outcome on the bus.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/relengtools/autoland/bugzilla"
	"github.com/relengtools/autoland/bus"
	"github.com/relengtools/autoland/config"
	"github.com/relengtools/autoland/store"
)

// Builds is the read-only build store surface.
type Builds interface {
	GetBuildRequests(ctx context.Context, q store.BuildQuery) ([]*store.BuildRequest, error)
}

// Reporter posts summary comments with duplicate suppression.
type Reporter interface {
	PostComment(ctx context.Context, bugID int, text string) error
	HasComment(ctx context.Context, bugID int, text string) (bool, error)
}

// Retrigger re-runs a build, satisfied by *SelfServe.
type Retrigger interface {
	Rebuild(ctx context.Context, branch string, buildID int64) error
}

// Publisher sends terminal outcomes to the orchestrator. A nil
// publisher disables messaging.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Poller classifies revisions on one branch.
type Poller struct {
	config    config.ClassifierConfig
	builds    Builds
	tracker   Reporter
	retrigger Retrigger
	bus       Publisher
	cache     *Cache
	posted    *PostedLog
	logger    *slog.Logger

	// FlagCheck requires --post-to-bugzilla in try syntax before a
	// revision counts as a tracked try push.
	FlagCheck bool
	// DryRun logs intended side effects instead of performing them.
	DryRun bool
}

// NewPoller creates a poller. bus may be nil to disable outcome
// messages.
func NewPoller(cfg config.ClassifierConfig, builds Builds, tracker Reporter, retrigger Retrigger, b Publisher, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		config:    cfg,
		builds:    builds,
		tracker:   tracker,
		retrigger: retrigger,
		bus:       b,
		cache:     NewCache(cfg.CacheDir),
		posted:    NewPostedLog(cfg.PostedBugs),
		logger:    logger,
	}
}

// ValidateWindow checks a polling time range against the configured
// ceiling.
func (p *Poller) ValidateWindow(start, end time.Time) error {
	if start.After(time.Now()) {
		return fmt.Errorf("start time %s is in the future", start.Format(time.RFC3339))
	}
	if !end.After(start) {
		return fmt.Errorf("end time must be later than start time")
	}
	if end.Sub(start) > p.config.MaxPollingInterval {
		return fmt.Errorf("polling window exceeds %s", p.config.MaxPollingInterval)
	}
	return nil
}

// classify applies the orange-tolerance policy to a finished record
// set. When retriggering is allowed, unresolved warnings beyond the
// tolerance are rebuilt and the set stays incomplete as RETRYING; when
// it is not, they fail the set.
func (p *Poller) classify(ctx context.Context, requests []*store.BuildRequest, maxOrange int, allowRetrigger bool) (bool, string) {
	results := CalculateResults(requests)

	switch {
	case results.Failure > 0 || results.Other > 0 || results.Skipped > 0 || results.Exception > 0:
		return true, StatusFailure
	case results.Success == results.Total:
		return true, StatusSuccess
	case results.Warnings <= maxOrange:
		return true, StatusSuccess
	case results.Total == results.Success+results.Warnings:
		// Warnings beyond tolerance. Retried builders show up as
		// duplicate names; a green retry resolves its orange.
		names := make(map[string]int)
		for _, br := range requests {
			names[br.Buildername]++
		}
		retryCount := 0
		for _, n := range names {
			if n > 1 {
				retryCount++
			}
		}

		if 2*retryCount >= results.Warnings {
			if results.Warnings-retryCount <= maxOrange {
				return true, StatusSuccess
			}
			return true, StatusFailure
		}

		if !allowRetrigger {
			return true, StatusFailure
		}
		for _, br := range requests {
			if resultString(br) != "warnings" || !br.Bid.Valid {
				continue
			}
			if p.DryRun {
				p.logger.Info("DRY RUN: would retrigger build",
					slog.Int64("build_id", br.Bid.Int64))
				continue
			}
			if err := p.retrigger.Rebuild(ctx, p.config.Branch, br.Bid.Int64); err != nil {
				p.logger.Warn("Retrigger failed",
					slog.Int64("build_id", br.Bid.Int64),
					slog.String("error", err.Error()))
				return true, StatusFailure
			}
		}
		return false, StatusRetrying
	default:
		p.logger.Error("Inconsistent build counts from scheduler store",
			slog.String("revision", revisionOf(requests)))
		return true, StatusFailure
	}
}

// revisionStatus computes lifecycle counts, completeness and the
// terminal classification for one revision's record set.
func (p *Poller) revisionStatus(ctx context.Context, requests []*store.BuildRequest, revision string, maxOrange int, allowRetrigger bool) (StatusCounts, bool) {
	counts := countStatuses(requests)
	complete := false

	if counts.finished() {
		complete = true
		// Follow-on tests can trail the last finish; hold the set open
		// until every finish time has aged past the grace window.
		for _, br := range requests {
			if !br.FinishTime.Valid || br.FinishTime.Int64 == 0 {
				continue
			}
			age := time.Since(time.Unix(br.FinishTime.Int64, 0))
			if age <= p.config.CompletionThreshold {
				complete = false
				break
			}
		}
		if complete {
			complete, counts.Status = p.classify(ctx, requests, maxOrange, allowRetrigger)
		}
	}

	if revision != "" && p.cache.TimedOut(revision, p.config.Timeout) {
		counts.Status = StatusTimedOut
		complete = true
	}
	return counts, complete
}

// bugNumbers extracts the bug references named in try syntax comments.
func bugNumbers(requests []*store.BuildRequest) []int {
	var bugs []int
	seen := make(map[int]bool)
	for _, br := range requests {
		for _, comment := range br.Comments {
			_, after, ok := strings.Cut(comment, "try: ")
			if !ok {
				continue
			}
			for _, bug := range bugzilla.BugsFromComments(after) {
				if !seen[bug] {
					seen[bug] = true
					bugs = append(bugs, bug)
				}
			}
		}
	}
	return bugs
}

// singleAuthor returns the push author when the record set names
// exactly one.
func singleAuthor(requests []*store.BuildRequest) string {
	for _, br := range requests {
		if len(br.Authors) == 1 {
			return br.Authors[0]
		}
		if len(br.Authors) > 1 {
			return ""
		}
	}
	return ""
}

func revisionOf(requests []*store.BuildRequest) string {
	for _, br := range requests {
		if br.Revision.Valid {
			return br.Revision.String
		}
	}
	return ""
}

func titleCase(s string) string {
	var b strings.Builder
	upper := true
	for _, r := range s {
		if upper && unicode.IsLetter(r) {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
			continue
		}
		b.WriteRune(r)
		if !unicode.IsLetter(r) {
			upper = true
		}
	}
	return b.String()
}

// reportMessage builds the summary comment for a finished revision.
func (p *Poller) reportMessage(revision string, results Results, author string) string {
	tree := titleCase(p.config.Branch)
	if strings.Contains(p.config.Branch, "comm") {
		tree = "Thunderbird-Try"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Try run for %s is complete.\n", revision)
	fmt.Fprintf(&b, "Detailed breakdown of the results available here:\n")
	fmt.Fprintf(&b, "\t%s?tree=%s&rev=%s\n", p.config.TBPLURL, tree, revision)
	fmt.Fprintf(&b, "Results (out of %d total builds):\n", results.Total)
	for _, entry := range results.breakdown() {
		fmt.Fprintf(&b, "    %s: %d\n", entry.Name, entry.Count)
	}
	if author != "" {
		app := "firefox"
		if strings.Contains(p.config.Branch, "comm") {
			app = "thunderbird"
		}
		fmt.Fprintf(&b, "Builds (or logs if builds failed) available at:\n%s/%s/try-builds/%s-%s",
			p.config.FTPURL, app, author, revision)
	}
	return b.String()
}

// runAction maps the classified branch onto the result action.
func (p *Poller) runAction() string {
	if p.config.Branch == "try" || strings.Contains(p.config.Branch, "comm") {
		return bus.ActionTryRun
	}
	return bus.ActionBranchRun
}

// processCompletedRevision posts the summary comment to one bug and
// reports the outcome on the bus. Returns whether the post happened;
// duplicates retire the revision without posting.
func (p *Poller) processCompletedRevision(ctx context.Context, revision, message string, bugID int, status string) bool {
	if status == StatusTimedOut {
		message += fmt.Sprintf("\n Timed out after %d hours without completing.",
			int(p.config.Timeout.Hours()))
	}

	posted, err := p.tracker.HasComment(ctx, bugID, message)
	if err == nil && posted {
		p.logger.Debug("Summary already posted", slog.Int("bug", bugID))
		if err := p.cache.MarkDone(revision); err != nil {
			p.logger.Warn("Failed to retire cache file", slog.String("error", err.Error()))
		}
		return false
	}

	if p.DryRun {
		p.logger.Info("DRY RUN: would post summary",
			slog.Int("bug", bugID),
			slog.String("revision", revision))
		return false
	}

	if err := p.tracker.PostComment(ctx, bugID, message); err != nil {
		p.logger.Warn("Summary post failed",
			slog.Int("bug", bugID),
			slog.String("error", err.Error()))
		// A timed-out revision that cannot be reported is dropped;
		// anything else stays cached for the next run.
		if status == StatusTimedOut {
			if err := p.cache.MarkDone(revision); err != nil {
				p.logger.Warn("Failed to retire cache file", slog.String("error", err.Error()))
			}
		} else if err := p.cache.Append(revision, "awaiting comment post"); err != nil {
			p.logger.Warn("Failed to cache revision", slog.String("error", err.Error()))
		}
		return false
	}

	if err := p.posted.Write(bugID, revision); err != nil {
		p.logger.Warn("Failed to record posted bug", slog.String("error", err.Error()))
	}
	if err := p.cache.MarkDone(revision); err != nil {
		p.logger.Warn("Failed to retire cache file", slog.String("error", err.Error()))
	}

	if p.bus != nil {
		result := bus.Result{
			Type:     status,
			Action:   p.runAction(),
			BugID:    bugID,
			Revision: revision,
		}
		if err := p.bus.Publish(ctx, bus.KeyDB, result); err != nil {
			p.logger.Error("Failed to publish outcome",
				slog.String("revision", revision),
				slog.String("error", err.Error()))
		}
	}
	return true
}

// RevisionInfo is the outcome of polling one revision.
type RevisionInfo struct {
	Revision string
	Status   StatusCounts
	Complete bool
	Message  string
	Posted   bool
	Discard  bool
}

// PollByRevision classifies a single revision end to end.
func (p *Poller) PollByRevision(ctx context.Context, revision string) (*RevisionInfo, error) {
	info := &RevisionInfo{Revision: revision}

	requests, err := p.builds.GetBuildRequests(ctx, store.BuildQuery{
		Revision: revision,
		Branch:   p.config.Branch,
	})
	if err != nil {
		return nil, err
	}

	pushType, maxOrange := ProcessPushType(requests, p.FlagCheck, p.config.MaxOrange)
	bugs := bugNumbers(requests)
	info.Status, info.Complete = p.revisionStatus(ctx, requests, revision,
		maxOrange, pushType == PushRetry)

	p.logger.Debug("Polled revision",
		slog.String("revision", revision),
		slog.String("push_type", pushType),
		slog.String("status", info.Status.Status),
		slog.Bool("complete", info.Complete))

	switch {
	case info.Complete && pushType == PushNone:
		// The push never asked for reporting; drop it once finished.
		info.Discard = true
		if err := p.cache.MarkDone(revision); err != nil {
			p.logger.Warn("Failed to retire cache file", slog.String("error", err.Error()))
		}
	case info.Complete && len(bugs) > 0:
		info.Message = p.reportMessage(revision, CalculateResults(requests), singleAuthor(requests))
		for _, bugID := range bugs {
			if p.processCompletedRevision(ctx, revision, info.Message, bugID, info.Status.Status) {
				info.Posted = true
			}
		}
	case info.Complete:
		// Complete but untracked: no bug to notify.
		info.Discard = true
		if err := p.cache.MarkDone(revision); err != nil {
			p.logger.Warn("Failed to retire cache file", slog.String("error", err.Error()))
		}
	case len(bugs) > 0:
		if err := p.cache.Append(revision, info.Status.String()); err != nil {
			p.logger.Warn("Failed to cache revision", slog.String("error", err.Error()))
		}
	default:
		// Incomplete with no bug reference: nothing will ever consume
		// the outcome.
		info.Discard = true
	}
	return info, nil
}

// PollByTimeRange classifies every revision seen in the window plus any
// still pending in the cache. Returns the revisions left incomplete.
func (p *Poller) PollByTimeRange(ctx context.Context, start, end time.Time) ([]string, error) {
	requests, err := p.builds.GetBuildRequests(ctx, store.BuildQuery{
		Branch:    p.config.Branch,
		StartTime: start.Unix(),
		EndTime:   end.Unix(),
	})
	if err != nil {
		return nil, err
	}

	revisions := make(map[string]bool)
	for _, br := range requests {
		if br.Revision.Valid && br.Revision.String != "" {
			revisions[br.Revision.String] = true
		}
	}

	pending, done, err := p.cache.Load()
	if err != nil {
		return nil, err
	}
	for _, rev := range pending {
		revisions[rev] = true
	}
	for _, rev := range done {
		delete(revisions, rev)
	}

	var incomplete []string
	for revision := range revisions {
		info, err := p.PollByRevision(ctx, revision)
		if err != nil {
			p.logger.Error("Failed to poll revision",
				slog.String("revision", revision),
				slog.String("error", err.Error()))
			continue
		}
		if !info.Complete {
			incomplete = append(incomplete, revision)
		}
	}
	return incomplete, nil
}
