package classifier

import (
	"strconv"
	"strings"

	"github.com/relengtools/autoland/store"
)

// Terminal classification statuses.
const (
	StatusSuccess  = "SUCCESS"
	StatusFailure  = "FAILURE"
	StatusRetrying = "RETRYING"
	StatusTimedOut = "TIMED_OUT"
)

// Push types detected from build comments.
const (
	PushTry   = "TRY"
	PushRetry = "RETRY"
	PushNone  = ""
)

// statusString buckets one build request by its lifecycle fields.
func statusString(br *store.BuildRequest) string {
	claimed := br.ClaimedAt.Valid && br.ClaimedAt.Int64 > 0
	started := br.StartTime.Valid && br.StartTime.Int64 > 0
	finished := br.FinishTime.Valid && br.FinishTime.Int64 > 0
	completedAt := br.CompleteAt.Valid && br.CompleteAt.Int64 > 0

	switch {
	case br.Complete == 0 && !claimed:
		return "pending"
	case br.Complete == 0 && claimed:
		return "running"
	case br.Complete == 1 && started && finished:
		return "complete"
	case br.Complete == 1 && completedAt && !started:
		return "cancelled"
	case br.Complete == 1 && started && !finished:
		return "interrupted"
	default:
		return "misc"
	}
}

// resultString buckets one build request by its build result code.
func resultString(br *store.BuildRequest) string {
	if !br.Results.Valid {
		return "other"
	}
	switch br.Results.Int64 {
	case 0:
		return "success"
	case 1:
		return "warnings"
	case 2:
		return "failure"
	case 3:
		return "skipped"
	case 4:
		return "exception"
	default:
		return "other"
	}
}

// Results tallies build outcomes for one revision's record set.
type Results struct {
	Success   int
	Warnings  int
	Failure   int
	Skipped   int
	Exception int
	Other     int
	Total     int
}

// CalculateResults counts the build results of a record set.
func CalculateResults(requests []*store.BuildRequest) Results {
	var r Results
	for _, br := range requests {
		switch resultString(br) {
		case "success":
			r.Success++
		case "warnings":
			r.Warnings++
		case "failure":
			r.Failure++
		case "skipped":
			r.Skipped++
		case "exception":
			r.Exception++
		default:
			r.Other++
		}
		r.Total++
	}
	return r
}

// breakdown lists the nonzero counts in a stable order for reports.
func (r Results) breakdown() []struct {
	Name  string
	Count int
} {
	all := []struct {
		Name  string
		Count int
	}{
		{"success", r.Success},
		{"warnings", r.Warnings},
		{"failure", r.Failure},
		{"skipped", r.Skipped},
		{"exception", r.Exception},
		{"other", r.Other},
	}
	nonzero := all[:0]
	for _, entry := range all {
		if entry.Count > 0 {
			nonzero = append(nonzero, entry)
		}
	}
	return nonzero
}

// StatusCounts tallies the lifecycle states of one revision's record
// set. Status carries the terminal classification once the set is
// complete.
type StatusCounts struct {
	Total       int
	Pending     int
	Running     int
	Complete    int
	Cancelled   int
	Interrupted int
	Misc        int
	Status      string
}

func (s StatusCounts) String() string {
	return "pending=" + strconv.Itoa(s.Pending) +
		" running=" + strconv.Itoa(s.Running) +
		" complete=" + strconv.Itoa(s.Complete) +
		" cancelled=" + strconv.Itoa(s.Cancelled) +
		" interrupted=" + strconv.Itoa(s.Interrupted) +
		" misc=" + strconv.Itoa(s.Misc)
}

// countStatuses buckets a record set by lifecycle state.
func countStatuses(requests []*store.BuildRequest) StatusCounts {
	var s StatusCounts
	for _, br := range requests {
		switch statusString(br) {
		case "pending":
			s.Pending++
		case "running":
			s.Running++
		case "complete":
			s.Complete++
		case "cancelled":
			s.Cancelled++
		case "interrupted":
			s.Interrupted++
		default:
			s.Misc++
		}
		s.Total++
	}
	return s
}

// finished reports whether every record has left the pending/running
// states. An empty record set is not finished; the builds may simply
// not have been scheduled yet.
func (s StatusCounts) finished() bool {
	return s.Total > 0 && s.Total == s.Complete+s.Cancelled+s.Interrupted+s.Misc
}

// ProcessPushType inspects build comments for try syntax and returns
// the push type plus the orange tolerance to classify with.
// "--post-to-bugzilla" marks a tracked try push (always, unless
// flagCheck demands the flag's presence); "--retry-oranges [N]" marks a
// retrying push with an optional tolerance override. N must parse as a
// non-negative integer or the default applies.
func ProcessPushType(requests []*store.BuildRequest, flagCheck bool, defaultMaxOrange int) (string, int) {
	pushType := PushNone
	maxOrange := defaultMaxOrange

	for _, br := range requests {
		for _, comment := range br.Comments {
			if !strings.Contains(comment, "try: ") {
				continue
			}
			if !flagCheck || strings.Contains(comment, "--post-to-bugzilla") {
				pushType = PushTry
			}
			if _, after, ok := strings.Cut(comment, "--retry-oranges"); ok {
				pushType = PushRetry
				fields := strings.Fields(after)
				if len(fields) > 0 {
					if n, err := strconv.Atoi(fields[0]); err == nil && n >= 0 {
						maxOrange = n
					}
				}
			}
		}
	}
	return pushType, maxOrange
}
