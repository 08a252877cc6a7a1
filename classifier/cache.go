package classifier

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Cache tracks incomplete revisions across polling runs. Each revision
// gets one file of "timestamp|status" lines; the first line's timestamp
// is the revision's first-seen time. Terminal revisions keep their file
// under a ".done" suffix so later runs skip them.
type Cache struct {
	dir string
}

// NewCache returns a cache rooted at dir.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

func (c *Cache) path(revision string) string {
	return filepath.Join(c.dir, revision)
}

// Load lists the tracked revisions: those still pending and those
// already finished.
func (c *Cache) Load() (pending, done []string, err error) {
	entries, err := os.ReadDir(c.dir)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read cache dir %s: %w", c.dir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if rev, ok := strings.CutSuffix(name, ".done"); ok {
			done = append(done, rev)
		} else {
			pending = append(pending, name)
		}
	}
	return pending, done, nil
}

// Append records a poll observation for an incomplete revision.
func (c *Cache) Append(revision, status string) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("create cache dir %s: %w", c.dir, err)
	}

	f, err := os.OpenFile(c.path(revision), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open cache file for %s: %w", revision, err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s|%s\n", time.Now().Format(time.RFC1123), status)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write cache file for %s: %w", revision, err)
	}
	return nil
}

// FirstSeen returns when the revision was first cached. ok is false for
// untracked revisions or unreadable first lines.
func (c *Cache) FirstSeen(revision string) (time.Time, bool) {
	data, err := os.ReadFile(c.path(revision))
	if err != nil {
		return time.Time{}, false
	}
	first, _, _ := strings.Cut(string(data), "\n")
	stamp, _, _ := strings.Cut(first, "|")
	t, err := time.Parse(time.RFC1123, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// TimedOut reports whether the revision has been tracked for longer
// than timeout. Untracked revisions never time out.
func (c *Cache) TimedOut(revision string, timeout time.Duration) bool {
	first, ok := c.FirstSeen(revision)
	if !ok {
		return false
	}
	return time.Since(first) > timeout
}

// MarkDone retires a revision's cache file under the ".done" suffix.
// Untracked revisions are a no-op.
func (c *Cache) MarkDone(revision string) error {
	path := c.path(revision)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := os.Rename(path, path+".done"); err != nil {
		return fmt.Errorf("retire cache file for %s: %w", revision, err)
	}
	return nil
}

// PostedLog is the append-only ledger of revisions whose summary
// comment reached the bug tracker.
type PostedLog struct {
	path string
}

// NewPostedLog returns a ledger at path.
func NewPostedLog(path string) *PostedLog {
	return &PostedLog{path: path}
}

// Write appends one "bug|revision|epoch|timestamp" line.
func (l *PostedLog) Write(bug int, revision string) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open posted-bugs log: %w", err)
	}
	defer f.Close()

	now := time.Now()
	line := fmt.Sprintf("%d|%s|%d|%s\n", bug, revision, now.Unix(), now.Format(time.RFC1123))
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write posted-bugs log: %w", err)
	}
	return nil
}
