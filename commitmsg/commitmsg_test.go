package commitmsg

import (
	"testing"

	"github.com/relengtools/autoland/bugzilla"
)

var testPatch = bugzilla.Patch{
	ID: 766478,
	Reviews: []bugzilla.Review{
		{Type: "review", Result: "+", Reviewer: bugzilla.User{Email: "rev1@test"}},
		{Type: "superreview", Result: "+", Reviewer: bugzilla.User{Email: "rev2@test"}},
	},
	Approvals: []bugzilla.Approval{
		{Type: "mozilla-beta", Result: "+", Approver: bugzilla.User{Email: "app1@test"}},
		{Type: "mozilla-beta", Result: "+", Approver: bugzilla.User{Email: "app2@test"}},
		{Type: "mozilla-release", Result: "+", Approver: bugzilla.User{Email: "other@test"}},
		{Type: "mozilla-beta", Result: "-", Approver: bugzilla.User{Email: "denier@test"}},
	},
}

func TestStrip(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"review tokens", "Fix thing r=old@test sr=older@test", "Fix thing"},
		{"approval tokens", "Fix thing a=app@test", "Fix thing"},
		{"ui review", "Fix thing ui-r=ux@test", "Fix thing"},
		{"landing trailer", "Fix thing (al=bot@test; Bug 7)", "Fix thing"},
		{"mid-message tokens", "Fix r=x@test thing", "Fix thing"},
		{"untouched", "Fix the frobnicator", "Fix the frobnicator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Strip(tt.in); got != tt.want {
				t.Errorf("Strip(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestAddReviews(t *testing.T) {
	got := AddReviews("Fix thing", testPatch.Reviews)
	want := "Fix thing r=rev1@test sr=rev2@test"
	if got != want {
		t.Errorf("AddReviews() = %q, want %q", got, want)
	}
}

func TestAddReviewsEmpty(t *testing.T) {
	if got := AddReviews("Fix thing", nil); got != "Fix thing" {
		t.Errorf("AddReviews() = %q, want unchanged", got)
	}
}

func TestAddApprovals(t *testing.T) {
	got := AddApprovals("Fix thing", "mozilla-beta", testPatch.Approvals)
	want := "Fix thing a=app1@test,app2@test"
	if got != want {
		t.Errorf("AddApprovals() = %q, want %q", got, want)
	}
}

func TestAddApprovalsIgnoresOtherBranches(t *testing.T) {
	if got := AddApprovals("Fix thing", "try", testPatch.Approvals); got != "Fix thing" {
		t.Errorf("AddApprovals() = %q, want unchanged", got)
	}
}

func TestRewrite(t *testing.T) {
	got := Rewrite("Fix thing r=stale@test", testPatch, "mozilla-beta", "bot@test", 872605)
	want := "Fix thing r=rev1@test sr=rev2@test a=app1@test,app2@test (al=bot@test; Bug 872605)"
	if got != want {
		t.Errorf("Rewrite() = %q, want %q", got, want)
	}
}

func TestRewriteCollapsesMultiline(t *testing.T) {
	got := Rewrite("Fix thing\n\nLong explanation nobody reads", bugzilla.Patch{}, "try", "bot@test", 7)
	want := "Fix thing (al=bot@test; Bug 7)"
	if got != want {
		t.Errorf("Rewrite() = %q, want %q", got, want)
	}
}

func TestRewriteIdempotent(t *testing.T) {
	once := Rewrite("Fix thing", testPatch, "mozilla-beta", "bot@test", 872605)
	twice := Rewrite(once, testPatch, "mozilla-beta", "bot@test", 872605)
	if once != twice {
		t.Errorf("rewrite not idempotent:\n once: %q\ntwice: %q", once, twice)
	}
}

func TestDefault(t *testing.T) {
	got := Default(872605, "Fix the frobnicator")
	if got != "Bug 872605 - Fix the frobnicator" {
		t.Errorf("Default() = %q", got)
	}
}
