// Package store persists autoland state in Postgres: branches, landing
// requests, per-branch patchsets, the comment outbox, and the archive
// of completed patchsets.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/relengtools/autoland/errs"
)

// Branch is one landing target and its policy knobs.
type Branch struct {
	ID               int
	Name             string
	PullRepo         string
	PushRepo         string
	Threshold        int
	Status           string
	ApprovalRequired bool
	ReviewRequired   bool
	AddTryCommit     bool
	UseTreeStatus    bool
}

// Enabled reports whether the branch accepts new patchsets.
func (b *Branch) Enabled() bool {
	return b.Status == "enabled"
}

// Request is one user landing request against a set of branches.
type Request struct {
	ID         int64
	BugID      int
	Branches   []string
	Patches    []int64
	StatusWhen time.Time
	Status     string
	TrySyntax  string
	TaskID     string
}

// Patchset is the per-branch unit of work carved out of a request.
type Patchset struct {
	ID             int64
	BugID          int
	Patches        []int64
	Author         string
	Branch         string
	TryRun         bool
	TrySyntax      string
	Revision       sql.NullString
	StatusWhen     time.Time
	Status         string
	CreationTime   time.Time
	PushTime       sql.NullTime
	CompletionTime sql.NullTime
}

// Comment is a pending bug comment in the durable outbox.
type Comment struct {
	ID            int64
	Comment       string
	Bug           int
	Attempts      int
	InsertionTime time.Time
}

// Store wraps the autoland database.
type Store struct {
	db *sql.DB
}

// Open connects to the autoland database.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open autoland db: %w", err)
	}
	return New(db), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BranchByName returns a branch row. Unknown branches are
// errs.ErrNotFound.
func (s *Store) BranchByName(ctx context.Context, name string) (*Branch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, pull_repo, push_repo, threshold, status,
		       approval_required, review_required, add_try_commit, use_tree_status
		FROM branch WHERE name = $1`, name)

	var b Branch
	err := row.Scan(&b.ID, &b.Name, &b.PullRepo, &b.PushRepo, &b.Threshold,
		&b.Status, &b.ApprovalRequired, &b.ReviewRequired, &b.AddTryCommit,
		&b.UseTreeStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("branch %s: %w", name, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query branch %s: %w", name, err)
	}
	return &b, nil
}

// EnabledBranches lists branches currently accepting patchsets.
func (s *Store) EnabledBranches(ctx context.Context) ([]Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, pull_repo, push_repo, threshold, status,
		       approval_required, review_required, add_try_commit, use_tree_status
		FROM branch WHERE status = 'enabled' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query enabled branches: %w", err)
	}
	defer rows.Close()

	var branches []Branch
	for rows.Next() {
		var b Branch
		err := rows.Scan(&b.ID, &b.Name, &b.PullRepo, &b.PushRepo, &b.Threshold,
			&b.Status, &b.ApprovalRequired, &b.ReviewRequired, &b.AddTryCommit,
			&b.UseTreeStatus)
		if err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

// RequestProcessed reports whether a request for this bug and
// source-timestamp has already been recorded.
func (s *Store) RequestProcessed(ctx context.Context, bugID int, statusWhen time.Time) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM autoland_request
		WHERE bug_id = $1 AND status_when = $2`, bugID, statusWhen).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query request dedup: %w", err)
	}
	return count > 0, nil
}

// InsertRequest records a new landing request and returns its id.
func (s *Store) InsertRequest(ctx context.Context, r *Request) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO autoland_request
			(bug_id, branches, patches, status_when, status, try_syntax)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		r.BugID, pq.Array(r.Branches), pq.Array(r.Patches),
		r.StatusWhen, r.Status, r.TrySyntax).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert request: %w", err)
	}
	return id, nil
}

// RequestByID loads one request.
func (s *Store) RequestByID(ctx context.Context, id int64) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, bug_id, branches, patches, status_when, status,
		       try_syntax, COALESCE(task_id, '')
		FROM autoland_request WHERE id = $1`, id)

	var r Request
	err := row.Scan(&r.ID, &r.BugID, pq.Array(&r.Branches), pq.Array(&r.Patches),
		&r.StatusWhen, &r.Status, &r.TrySyntax, &r.TaskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %d: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query request %d: %w", id, err)
	}
	return &r, nil
}

// UpdateRequestStatus moves a request through its lifecycle. The
// orchestrator is the single writer of this column.
func (s *Store) UpdateRequestStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE autoland_request SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update request %d status: %w", id, err)
	}
	return nil
}

// SetRequestTaskID records the dispatch-task id on the request.
func (s *Store) SetRequestTaskID(ctx context.Context, id int64, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE autoland_request SET task_id = $1 WHERE id = $2`, taskID, id)
	if err != nil {
		return fmt.Errorf("set request %d task id: %w", id, err)
	}
	return nil
}

// RequestForBug loads the request recorded for a (bug, source-timestamp)
// pair.
func (s *Store) RequestForBug(ctx context.Context, bugID int, statusWhen time.Time) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, bug_id, branches, patches, status_when, status,
		       try_syntax, COALESCE(task_id, '')
		FROM autoland_request WHERE bug_id = $1 AND status_when = $2`,
		bugID, statusWhen)

	var r Request
	err := row.Scan(&r.ID, &r.BugID, pq.Array(&r.Branches), pq.Array(&r.Patches),
		&r.StatusWhen, &r.Status, &r.TrySyntax, &r.TaskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request for bug %d: %w", bugID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query request for bug %d: %w", bugID, err)
	}
	return &r, nil
}

// PatchsetProcessed reports whether this (bug, source-timestamp, branch)
// combination already has a patchset.
func (s *Store) PatchsetProcessed(ctx context.Context, bugID int, statusWhen time.Time, branch string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM patchset
		WHERE bug_id = $1 AND status_when = $2 AND branch = $3`,
		bugID, statusWhen, branch).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query patchset dedup: %w", err)
	}
	return count > 0, nil
}

// InsertPatchset records a new per-branch patchset and returns its id.
func (s *Store) InsertPatchset(ctx context.Context, ps *Patchset) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO patchset
			(bug_id, patches, author, branch, try_run, try_syntax,
			 status_when, status, creation_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING id`,
		ps.BugID, pq.Array(ps.Patches), ps.Author, ps.Branch, ps.TryRun,
		ps.TrySyntax, ps.StatusWhen, ps.Status).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert patchset: %w", err)
	}
	return id, nil
}

// PatchsetByID loads one patchset.
func (s *Store) PatchsetByID(ctx context.Context, id int64) (*Patchset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, bug_id, patches, author, branch, try_run, try_syntax,
		       revision, status_when, status, creation_time, push_time,
		       completion_time
		FROM patchset WHERE id = $1`, id)

	var ps Patchset
	err := row.Scan(&ps.ID, &ps.BugID, pq.Array(&ps.Patches), &ps.Author,
		&ps.Branch, &ps.TryRun, &ps.TrySyntax, &ps.Revision, &ps.StatusWhen,
		&ps.Status, &ps.CreationTime, &ps.PushTime, &ps.CompletionTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patchset %d: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query patchset %d: %w", id, err)
	}
	return &ps, nil
}

// PatchsetsForRequest lists every patchset carved out of one request,
// identified by its (bug, source-timestamp) pair.
func (s *Store) PatchsetsForRequest(ctx context.Context, bugID int, statusWhen time.Time) ([]Patchset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bug_id, patches, author, branch, try_run, try_syntax,
		       revision, status_when, status, creation_time, push_time,
		       completion_time
		FROM patchset WHERE bug_id = $1 AND status_when = $2
		ORDER BY branch`, bugID, statusWhen)
	if err != nil {
		return nil, fmt.Errorf("query patchsets for bug %d: %w", bugID, err)
	}
	defer rows.Close()

	var patchsets []Patchset
	for rows.Next() {
		var ps Patchset
		err := rows.Scan(&ps.ID, &ps.BugID, pq.Array(&ps.Patches), &ps.Author,
			&ps.Branch, &ps.TryRun, &ps.TrySyntax, &ps.Revision, &ps.StatusWhen,
			&ps.Status, &ps.CreationTime, &ps.PushTime, &ps.CompletionTime)
		if err != nil {
			return nil, fmt.Errorf("scan patchset: %w", err)
		}
		patchsets = append(patchsets, ps)
	}
	return patchsets, rows.Err()
}

// QueuedPatchsets lists patchsets awaiting dispatch, oldest first.
func (s *Store) QueuedPatchsets(ctx context.Context, limit int) ([]Patchset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bug_id, patches, author, branch, try_run, try_syntax,
		       revision, status_when, status, creation_time, push_time,
		       completion_time
		FROM patchset WHERE status = 'queued'
		ORDER BY creation_time ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query queued patchsets: %w", err)
	}
	defer rows.Close()

	var patchsets []Patchset
	for rows.Next() {
		var ps Patchset
		err := rows.Scan(&ps.ID, &ps.BugID, pq.Array(&ps.Patches), &ps.Author,
			&ps.Branch, &ps.TryRun, &ps.TrySyntax, &ps.Revision, &ps.StatusWhen,
			&ps.Status, &ps.CreationTime, &ps.PushTime, &ps.CompletionTime)
		if err != nil {
			return nil, fmt.Errorf("scan patchset: %w", err)
		}
		patchsets = append(patchsets, ps)
	}
	return patchsets, rows.Err()
}

// MarkPatchsetDispatched flags a patchset as in flight. The dispatch
// time doubles as the running-jobs marker for threshold gating.
func (s *Store) MarkPatchsetDispatched(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE patchset SET status = 'running', push_time = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark patchset %d dispatched: %w", id, err)
	}
	return nil
}

// UpdatePatchsetStatus moves a patchset through its lifecycle.
func (s *Store) UpdatePatchsetStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE patchset SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update patchset %d status: %w", id, err)
	}
	return nil
}

// MarkPatchsetPushed records the landed revision and push time.
func (s *Store) MarkPatchsetPushed(ctx context.Context, id int64, revision string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE patchset SET status = 'pushed', revision = $1, push_time = NOW()
		WHERE id = $2`, revision, id)
	if err != nil {
		return fmt.Errorf("mark patchset %d pushed: %w", id, err)
	}
	return nil
}

// CompletePatchset archives a patchset into the complete table with a
// terminal status and removes it from the active table.
func (s *Store) CompletePatchset(ctx context.Context, id int64, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete patchset %d: %w", id, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO complete
			(bug_id, patches, author, branch, try_run, try_syntax, revision,
			 status_when, status, creation_time, push_time, completion_time)
		SELECT bug_id, patches, author, branch, try_run, try_syntax, revision,
		       status_when, $1, creation_time, push_time, NOW()
		FROM patchset WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("archive patchset %d: %w", id, err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM patchset WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete patchset %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("patchset %d: %w", id, errs.ErrNotFound)
	}

	return tx.Commit()
}

// PatchsetByRevision finds the active patchset for a pushed revision.
func (s *Store) PatchsetByRevision(ctx context.Context, revision string) (*Patchset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, bug_id, patches, author, branch, try_run, try_syntax,
		       revision, status_when, status, creation_time, push_time,
		       completion_time
		FROM patchset WHERE revision = $1`, revision)

	var ps Patchset
	err := row.Scan(&ps.ID, &ps.BugID, pq.Array(&ps.Patches), &ps.Author,
		&ps.Branch, &ps.TryRun, &ps.TrySyntax, &ps.Revision, &ps.StatusWhen,
		&ps.Status, &ps.CreationTime, &ps.PushTime, &ps.CompletionTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("revision %s: %w", revision, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query revision %s: %w", revision, err)
	}
	return &ps, nil
}

// ActiveRevisions lists revisions of patchsets that have been pushed
// but not yet completed.
func (s *Store) ActiveRevisions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT revision FROM patchset
		WHERE revision IS NOT NULL AND completion_time IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("query active revisions: %w", err)
	}
	defer rows.Close()

	var revs []string
	for rows.Next() {
		var rev string
		if err := rows.Scan(&rev); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		revs = append(revs, rev)
	}
	return revs, rows.Err()
}

// RunningJobs counts patchsets on a branch that have been pushed and
// not yet completed. Try pushes are included only when countTry is set,
// so the try threshold can be gated separately.
func (s *Store) RunningJobs(ctx context.Context, branch string, countTry bool) (int, error) {
	q := `
		SELECT COUNT(*) FROM patchset
		WHERE branch = $1 AND push_time IS NOT NULL AND completion_time IS NULL`
	if !countTry {
		q += ` AND try_run = FALSE`
	}

	var count int
	if err := s.db.QueryRowContext(ctx, q, branch).Scan(&count); err != nil {
		return 0, fmt.Errorf("query running jobs for %s: %w", branch, err)
	}
	return count, nil
}

// InsertComment adds a pending comment to the outbox.
func (s *Store) InsertComment(ctx context.Context, c *Comment) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO comments (comment, bug, attempts, insertion_time)
		VALUES ($1, $2, $3, NOW())
		RETURNING id`, c.Comment, c.Bug, c.Attempts).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert comment: %w", err)
	}
	return id, nil
}

// UpdateCommentAttempts bumps the attempt counter on a pending comment.
func (s *Store) UpdateCommentAttempts(ctx context.Context, id int64, attempts int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE comments SET attempts = $1 WHERE id = $2`, attempts, id)
	if err != nil {
		return fmt.Errorf("update comment %d attempts: %w", id, err)
	}
	return nil
}

// DeleteComment removes a comment from the outbox.
func (s *Store) DeleteComment(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete comment %d: %w", id, err)
	}
	return nil
}

// NextComments returns up to limit pending comments, fewest attempts
// first.
func (s *Store) NextComments(ctx context.Context, limit int) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, comment, bug, attempts, insertion_time
		FROM comments ORDER BY attempts ASC, insertion_time ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending comments: %w", err)
	}
	defer rows.Close()

	var comments []Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.Comment, &c.Bug, &c.Attempts, &c.InsertionTime); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}
