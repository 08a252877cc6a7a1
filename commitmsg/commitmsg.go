// Package commitmsg rewrites patch commit messages for landing:
// review and approval credits are normalized and the landing user is
// recorded in a trailer. The rewrite is idempotent, so a message that
// already carries credits comes out unchanged.
package commitmsg

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/relengtools/autoland/bugzilla"
)

// reviewTags maps tracker review types to commit message tags.
var reviewTags = map[string]string{
	"review":      "r",
	"superreview": "sr",
	"ui-review":   "ui-r",
}

var (
	reviewTokens   = regexp.MustCompile(`\b(r|sr|ui-r)=[\S]+\s*`)
	approvalTokens = regexp.MustCompile(`\ba=[\S]+\s*`)
	landingTrailer = regexp.MustCompile(`\s*\(al=[^)]*\)\s*`)
)

// Default builds the fallback commit message for a bug with no usable
// message of its own.
func Default(bugID int, summary string) string {
	return fmt.Sprintf("Bug %d - %s", bugID, summary)
}

// Strip removes review credits, approval credits and the landing
// trailer from a commit message.
func Strip(message string) string {
	message = landingTrailer.ReplaceAllString(message, " ")
	message = reviewTokens.ReplaceAllString(message, "")
	message = approvalTokens.ReplaceAllString(message, "")
	return strings.TrimSpace(message)
}

// AddReviews appends one tag=email credit per review, in review order.
func AddReviews(message string, reviews []bugzilla.Review) string {
	var tail []string
	for _, review := range reviews {
		tag, ok := reviewTags[review.Type]
		if !ok {
			continue
		}
		tail = append(tail, fmt.Sprintf("%s=%s", tag, review.Reviewer.Email))
	}
	if len(tail) == 0 {
		return message
	}
	return message + " " + strings.Join(tail, " ")
}

// AddApprovals appends a single a=e1,e2,... credit listing every
// granted approval tagged for the branch. Messages for branches with
// no matching approvals are left alone.
func AddApprovals(message, branch string, approvals []bugzilla.Approval) string {
	var emails []string
	for _, approval := range approvals {
		if approval.Type == branch && approval.Result == "+" {
			emails = append(emails, approval.Approver.Email)
		}
	}
	if len(emails) == 0 {
		return message
	}
	return fmt.Sprintf("%s a=%s", message, strings.Join(emails, ","))
}

// Rewrite produces the final landing message for a patch: the first
// line of the original message with fresh review and approval credits
// and the landing trailer. Rewriting its own output is a no-op.
func Rewrite(message string, patch bugzilla.Patch, branch, landingUser string, bugID int) string {
	// Multiline messages collapse to their first line; supporting them
	// would need --logfile on the refresh.
	message, _, _ = strings.Cut(message, "\n")
	message = Strip(message)
	message = AddReviews(message, patch.Reviews)
	message = AddApprovals(message, branch, patch.Approvals)
	return fmt.Sprintf("%s (al=%s; Bug %d)", message, landingUser, bugID)
}
