package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/relengtools/autoland/errs"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestBranchByName(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{
		"id", "name", "pull_repo", "push_repo", "threshold", "status",
		"approval_required", "review_required", "add_try_commit", "use_tree_status",
	}).AddRow(1, "mozilla-central", "https://hg.test/mozilla-central",
		"ssh://hg.test/mozilla-central", 50, "enabled", false, true, false, true)

	mock.ExpectQuery("SELECT id, name, pull_repo").
		WithArgs("mozilla-central").
		WillReturnRows(rows)

	b, err := s.BranchByName(context.Background(), "mozilla-central")
	if err != nil {
		t.Fatalf("BranchByName() error = %v", err)
	}
	if !b.Enabled() {
		t.Error("expected branch enabled")
	}
	if !b.ReviewRequired || b.ApprovalRequired {
		t.Errorf("unexpected policy flags %+v", b)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestBranchByNameNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, name, pull_repo").
		WithArgs("nosuch").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.BranchByName(context.Background(), "nosuch")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRequestProcessed(t *testing.T) {
	s, mock := newMockStore(t)
	when := time.Date(2013, 6, 10, 18, 22, 52, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM autoland_request")).
		WithArgs(872605, when).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	processed, err := s.RequestProcessed(context.Background(), 872605, when)
	if err != nil {
		t.Fatalf("RequestProcessed() error = %v", err)
	}
	if !processed {
		t.Error("expected request to be processed")
	}
}

func TestInsertRequest(t *testing.T) {
	s, mock := newMockStore(t)
	when := time.Date(2013, 6, 10, 18, 22, 52, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO autoland_request").
		WithArgs(872605, pq.Array([]string{"mozilla-central", "try"}),
			pq.Array([]int64{766478}), when, "preprocessed", "-b do -p all").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))

	id, err := s.InsertRequest(context.Background(), &Request{
		BugID:      872605,
		Branches:   []string{"mozilla-central", "try"},
		Patches:    []int64{766478},
		StatusWhen: when,
		Status:     "preprocessed",
		TrySyntax:  "-b do -p all",
	})
	if err != nil {
		t.Fatalf("InsertRequest() error = %v", err)
	}
	if id != 9 {
		t.Errorf("expected id 9, got %d", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRequestForBug(t *testing.T) {
	s, mock := newMockStore(t)
	when := time.Date(2013, 6, 10, 18, 22, 52, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "bug_id", "branches", "patches", "status_when", "status",
		"try_syntax", "task_id",
	}).AddRow(int64(9), 872605, "{mozilla-central,try}", "{766478}",
		when, "dispatched", "-b do -p all", "b2f851a0")

	mock.ExpectQuery("FROM autoland_request WHERE bug_id").
		WithArgs(872605, when).
		WillReturnRows(rows)

	r, err := s.RequestForBug(context.Background(), 872605, when)
	if err != nil {
		t.Fatalf("RequestForBug() error = %v", err)
	}
	if r.ID != 9 || r.Status != "dispatched" || r.TaskID != "b2f851a0" {
		t.Errorf("unexpected request %+v", r)
	}
	if len(r.Branches) != 2 || r.Branches[1] != "try" {
		t.Errorf("unexpected branches %v", r.Branches)
	}
}

func TestQueuedPatchsets(t *testing.T) {
	s, mock := newMockStore(t)
	when := time.Date(2013, 6, 10, 18, 22, 52, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "bug_id", "patches", "author", "branch", "try_run", "try_syntax",
		"revision", "status_when", "status", "creation_time", "push_time",
		"completion_time",
	}).AddRow(int64(4), 872605, "{766478}", "jane@example.com", "try", true,
		"-b do -p all", nil, when, "queued", when, nil, nil)

	mock.ExpectQuery("WHERE status = 'queued'").
		WithArgs(10).
		WillReturnRows(rows)

	patchsets, err := s.QueuedPatchsets(context.Background(), 10)
	if err != nil {
		t.Fatalf("QueuedPatchsets() error = %v", err)
	}
	if len(patchsets) != 1 {
		t.Fatalf("expected 1 patchset, got %d", len(patchsets))
	}
	ps := patchsets[0]
	if ps.ID != 4 || !ps.TryRun || ps.Revision.Valid || ps.PushTime.Valid {
		t.Errorf("unexpected patchset %+v", ps)
	}
}

func TestMarkPatchsetDispatched(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE patchset SET status = 'running', push_time = NOW()").
		WithArgs(int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.MarkPatchsetDispatched(context.Background(), 4); err != nil {
		t.Fatalf("MarkPatchsetDispatched() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCompletePatchset(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO complete").
		WithArgs("SUCCESS", int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM patchset").
		WithArgs(int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.CompletePatchset(context.Background(), 4, "SUCCESS"); err != nil {
		t.Fatalf("CompletePatchset() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCompletePatchsetMissingRowRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO complete").
		WithArgs("FAILURE", int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM patchset").
		WithArgs(int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.CompletePatchset(context.Background(), 4, "FAILURE")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRunningJobs(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM patchset")).
		WithArgs("try").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	count, err := s.RunningJobs(context.Background(), "try", true)
	if err != nil {
		t.Fatalf("RunningJobs() error = %v", err)
	}
	if count != 7 {
		t.Errorf("expected 7 running jobs, got %d", count)
	}
}

func TestRunningJobsExcludingTry(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("AND try_run = FALSE").
		WithArgs("mozilla-central").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	count, err := s.RunningJobs(context.Background(), "mozilla-central", false)
	if err != nil {
		t.Fatalf("RunningJobs() error = %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 running jobs, got %d", count)
	}
}

func TestNextComments(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "comment", "bug", "attempts", "insertion_time"}).
		AddRow(int64(1), "first", 100, 0, now).
		AddRow(int64(2), "second", 200, 3, now)

	mock.ExpectQuery("SELECT id, comment, bug, attempts, insertion_time").
		WithArgs(5).
		WillReturnRows(rows)

	comments, err := s.NextComments(context.Background(), 5)
	if err != nil {
		t.Fatalf("NextComments() error = %v", err)
	}
	if len(comments) != 2 {
		t.Fatalf("expected 2 comments, got %d", len(comments))
	}
	if comments[0].Comment != "first" || comments[1].Attempts != 3 {
		t.Errorf("unexpected comments %+v", comments)
	}
}

func TestGetBuildRequestsFoldsChangeRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()
	bs := NewBuildStore(db)

	cols := []string{
		"brid", "bid", "buildername", "reason", "branch", "revision",
		"complete", "complete_at", "claimed_at", "results",
		"start_time", "finish_time", "when_timestamp",
		"author", "comments", "changeid",
	}
	rows := sqlmock.NewRows(cols).
		AddRow(int64(10), int64(20), "try-linux64", "scheduler", "try", "abcdef012345",
			1, int64(1000), int64(900), int64(0),
			int64(910), int64(990), int64(890),
			"dev@test", "try: -b do --post-to-bugzilla bug 1", int64(1)).
		AddRow(int64(10), int64(20), "try-linux64", "scheduler", "try", "abcdef012345",
			1, int64(1000), int64(900), int64(0),
			int64(910), int64(990), int64(890),
			"dev2@test", "followup", int64(2)).
		AddRow(int64(11), nil, "try-macosx64", "scheduler", "try", "abcdef012345",
			0, nil, nil, nil,
			nil, nil, int64(890),
			"dev@test", "try: -b do --post-to-bugzilla bug 1", int64(1))

	mock.ExpectQuery("FROM buildrequests br").
		WithArgs("abcdef012345%", "try%").
		WillReturnRows(rows)

	requests, err := bs.GetBuildRequests(context.Background(), BuildQuery{
		Revision: "abcdef012345",
		Branch:   "try",
	})
	if err != nil {
		t.Fatalf("GetBuildRequests() error = %v", err)
	}
	if len(requests) != 2 {
		t.Fatalf("expected 2 build requests, got %d", len(requests))
	}

	first := requests[0]
	if len(first.Authors) != 2 || len(first.Comments) != 2 || len(first.Changeids) != 2 {
		t.Errorf("expected change rows folded, got %+v", first)
	}
	if requests[1].Bid.Valid {
		t.Error("expected unclaimed request to have no build id")
	}
}
