package store

import (
	"context"
	"database/sql"
	"fmt"
)

// BuildRequest is one build request row from the scheduler database,
// joined with its build, buildset and change records. Timestamps are
// unix seconds; zero-valued nullables mean the event has not happened.
type BuildRequest struct {
	Brid        int64
	Bid         sql.NullInt64
	Buildername string
	Reason      string
	Branch      string
	Revision    sql.NullString

	Complete   int
	CompleteAt sql.NullInt64
	ClaimedAt  sql.NullInt64
	Results    sql.NullInt64

	StartTime     sql.NullInt64
	FinishTime    sql.NullInt64
	WhenTimestamp sql.NullInt64

	Authors   []string
	Comments  []string
	Changeids []int64
}

// buildRequestKey identifies one (build request, build) pair; multiple
// change rows fold into a single BuildRequest.
type buildRequestKey struct {
	brid int64
	bid  int64
}

// BuildQuery restricts GetBuildRequests. Zero fields apply no
// restriction. Revision and Branch match by prefix.
type BuildQuery struct {
	Revision  string
	Branch    string
	StartTime int64
	EndTime   int64
}

// BuildStore reads the scheduler database. It never writes.
type BuildStore struct {
	db *sql.DB
}

// OpenBuildStore connects to the scheduler database.
func OpenBuildStore(dsn string) (*BuildStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open scheduler db: %w", err)
	}
	return NewBuildStore(db), nil
}

// NewBuildStore wraps an existing connection pool.
func NewBuildStore(db *sql.DB) *BuildStore {
	return &BuildStore{db: db}
}

// Close releases the connection pool.
func (s *BuildStore) Close() error {
	return s.db.Close()
}

// GetBuildRequests fetches build requests matching the query. One
// BuildRequest is returned per (build request, build) pair, with the
// change authors, comments and changeids of all its change rows folded
// in.
func (s *BuildStore) GetBuildRequests(ctx context.Context, q BuildQuery) ([]*BuildRequest, error) {
	query := `
		SELECT br.id AS brid, b.id AS bid, br.buildername, bs.reason,
		       s.branch, s.revision,
		       br.complete, br.complete_at, br.claimed_at, br.results,
		       b.start_time, b.finish_time, c.when_timestamp,
		       c.author, c.comments, c.changeid
		FROM buildrequests br
		LEFT JOIN builds b ON b.brid = br.id
		JOIN buildsets bs ON bs.id = br.buildsetid
		JOIN sourcestamps s ON s.id = bs.sourcestampid
		LEFT JOIN sourcestamp_changes sch ON sch.sourcestampid = s.id
		LEFT JOIN changes c ON c.changeid = sch.changeid
		WHERE 1=1`

	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.Revision != "" {
		query += fmt.Sprintf(" AND s.revision LIKE %s", arg(q.Revision+"%"))
	}
	if q.Branch != "" {
		query += fmt.Sprintf(" AND s.branch LIKE %s", arg(q.Branch+"%"))
	}
	if q.StartTime != 0 {
		p := arg(q.StartTime)
		query += fmt.Sprintf(" AND (c.when_timestamp >= %s OR br.submitted_at >= %s)", p, p)
	}
	if q.EndTime != 0 {
		p := arg(q.EndTime)
		query += fmt.Sprintf(" AND (c.when_timestamp < %s OR br.submitted_at < %s)", p, p)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query build requests: %w", err)
	}
	defer rows.Close()

	byKey := make(map[buildRequestKey]*BuildRequest)
	var order []buildRequestKey
	for rows.Next() {
		var br BuildRequest
		var author, comments sql.NullString
		var changeid sql.NullInt64
		err := rows.Scan(&br.Brid, &br.Bid, &br.Buildername, &br.Reason,
			&br.Branch, &br.Revision,
			&br.Complete, &br.CompleteAt, &br.ClaimedAt, &br.Results,
			&br.StartTime, &br.FinishTime, &br.WhenTimestamp,
			&author, &comments, &changeid)
		if err != nil {
			return nil, fmt.Errorf("scan build request: %w", err)
		}

		key := buildRequestKey{brid: br.Brid, bid: br.Bid.Int64}
		existing, ok := byKey[key]
		if !ok {
			existing = &br
			byKey[key] = existing
			order = append(order, key)
		}
		if author.Valid {
			existing.Authors = appendUnique(existing.Authors, author.String)
		}
		if comments.Valid {
			existing.Comments = appendUnique(existing.Comments, comments.String)
		}
		if changeid.Valid {
			existing.Changeids = appendUniqueInt(existing.Changeids, changeid.Int64)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate build requests: %w", err)
	}

	requests := make([]*BuildRequest, 0, len(order))
	for _, key := range order {
		requests = append(requests, byKey[key])
	}
	return requests, nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func appendUniqueInt(list []int64, v int64) []int64 {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
