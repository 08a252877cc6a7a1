package orchestrator

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/relengtools/autoland/bugzilla"
)

// Verdicts of the review and approval checks.
const (
	verdictPass    = "PASS"
	verdictFail    = "FAIL"
	verdictInvalid = "INVALID"
	verdictPending = "PENDING"
)

var branchSplit = regexp.MustCompile(`[\s,]+`)

// parseBranches turns the free-form branches field into a sorted,
// de-duplicated list of branch names.
func parseBranches(field string) []string {
	seen := make(map[string]bool)
	var branches []string
	for _, name := range branchSplit.Split(field, -1) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		branches = append(branches, name)
	}
	sort.Strings(branches)
	return branches
}

// membership answers whether an email belongs to the required
// directory group.
type membership func(email string) (bool, error)

// reviewStatus checks that every patch carries a granted review from a
// reviewer in the required group. The second return value lists the
// offending patch ids. Precedence when patches disagree: a denied
// review beats an unprivileged reviewer beats a review still pending.
func reviewStatus(patches []bugzilla.Patch, member membership) (string, []string, error) {
	if len(patches) == 0 {
		return verdictFail, nil, nil
	}

	var failed, invalid, pending []string
	for _, patch := range patches {
		id := strconv.Itoa(patch.ID)
		reviewed := false
		for _, review := range patch.Reviews {
			switch review.Result {
			case "+":
				ok, err := member(review.Reviewer.Email)
				if err != nil {
					return "", nil, err
				}
				if ok {
					reviewed = true
				} else {
					invalid = append(invalid, id)
				}
			case "?":
				pending = append(pending, id)
			default:
				failed = append(failed, id)
			}
		}
		if !reviewed && !contains(failed, id) && !contains(invalid, id) && !contains(pending, id) {
			pending = append(pending, id)
		}
	}

	switch {
	case len(failed) > 0:
		return verdictFail, failed, nil
	case len(invalid) > 0:
		return verdictInvalid, invalid, nil
	case len(pending) > 0:
		return verdictPending, pending, nil
	}
	return verdictPass, nil, nil
}

// approvalStatus checks that every patch carries a granted approval
// tagged with the target branch, set by an approver in the required
// group. Approvals tagged for other branches are ignored.
func approvalStatus(patches []bugzilla.Patch, branch string, member membership) (string, []string, error) {
	if len(patches) == 0 {
		return verdictFail, nil, nil
	}

	var failed, invalid, pending []string
	for _, patch := range patches {
		id := strconv.Itoa(patch.ID)
		approved := false
		for _, approval := range patch.Approvals {
			if !strings.EqualFold(strings.TrimSpace(approval.Type), branch) {
				continue
			}
			switch approval.Result {
			case "+":
				ok, err := member(approval.Approver.Email)
				if err != nil {
					return "", nil, err
				}
				if ok {
					approved = true
				} else {
					invalid = append(invalid, id)
				}
			case "?":
				pending = append(pending, id)
			default:
				failed = append(failed, id)
			}
		}
		if !approved && !contains(failed, id) && !contains(invalid, id) && !contains(pending, id) {
			pending = append(pending, id)
		}
	}

	switch {
	case len(failed) > 0:
		return verdictFail, failed, nil
	case len(invalid) > 0:
		return verdictInvalid, invalid, nil
	case len(pending) > 0:
		return verdictPending, pending, nil
	}
	return verdictPass, nil, nil
}

func contains(list []string, s string) bool {
	for _, entry := range list {
		if entry == s {
			return true
		}
	}
	return false
}
