// Package outbox delivers bug comments durably. A comment that cannot
// be posted right away is parked in the store and retried by sweeps; a
// comment that exhausts its attempts lands in a dead-letter log
// instead of being lost silently.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/relengtools/autoland/store"
)

// Poster is the tracker surface the outbox needs.
type Poster interface {
	PostComment(ctx context.Context, bugID int, text string) error
	HasComment(ctx context.Context, bugID int, text string) (bool, error)
}

// Queue is the durable comment storage surface, satisfied by
// *store.Store.
type Queue interface {
	InsertComment(ctx context.Context, c *store.Comment) (int64, error)
	UpdateCommentAttempts(ctx context.Context, id int64, attempts int) error
	DeleteComment(ctx context.Context, id int64) error
	NextComments(ctx context.Context, limit int) ([]store.Comment, error)
}

// sweepBatch is how many pending comments one sweep retries.
const sweepBatch = 5

// Outbox posts comments with durable retry.
type Outbox struct {
	queue       Queue
	poster      Poster
	maxAttempts int
	deadLetter  string
	logger      *slog.Logger
}

// New creates an outbox. maxAttempts bounds retries per comment;
// deadLetter receives abandoned comments.
func New(queue Queue, poster Poster, maxAttempts int, deadLetter string, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		queue:       queue,
		poster:      poster,
		maxAttempts: maxAttempts,
		deadLetter:  deadLetter,
		logger:      logger,
	}
}

// Post delivers a comment to a bug, or parks it for a later sweep when
// posting fails. A comment the bug already carries is dropped.
func (o *Outbox) Post(ctx context.Context, bugID int, text string) error {
	has, err := o.poster.HasComment(ctx, bugID, text)
	if err == nil && has {
		o.logger.Debug("Skipping duplicate comment", slog.Int("bug", bugID))
		return nil
	}

	if err := o.poster.PostComment(ctx, bugID, text); err == nil {
		return nil
	} else {
		o.logger.Warn("Comment post failed, queueing",
			slog.Int("bug", bugID),
			slog.String("error", err.Error()))
	}

	if _, err := o.queue.InsertComment(ctx, &store.Comment{
		Comment:  text,
		Bug:      bugID,
		Attempts: 1,
	}); err != nil {
		return fmt.Errorf("queue comment for bug %d: %w", bugID, err)
	}
	return nil
}

// Sweep retries a batch of pending comments. Comments that hit the
// attempt ceiling move to the dead-letter log and leave the queue.
func (o *Outbox) Sweep(ctx context.Context) error {
	comments, err := o.queue.NextComments(ctx, sweepBatch)
	if err != nil {
		return fmt.Errorf("fetch pending comments: %w", err)
	}

	for _, comment := range comments {
		if err := o.poster.PostComment(ctx, comment.Bug, comment.Comment); err == nil {
			if err := o.queue.DeleteComment(ctx, comment.ID); err != nil {
				return err
			}
			continue
		}

		attempts := comment.Attempts + 1
		if attempts >= o.maxAttempts {
			o.logger.Error("Abandoning comment after repeated failures",
				slog.Int("bug", comment.Bug),
				slog.Int("attempts", attempts))
			if err := o.writeDeadLetter(comment); err != nil {
				return err
			}
			if err := o.queue.DeleteComment(ctx, comment.ID); err != nil {
				return err
			}
			continue
		}

		if err := o.queue.UpdateCommentAttempts(ctx, comment.ID, attempts); err != nil {
			return err
		}
	}
	return nil
}

func (o *Outbox) writeDeadLetter(comment store.Comment) error {
	f, err := os.OpenFile(o.deadLetter, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open dead letter log: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s|%d|%s\n",
		time.Now().UTC().Format(time.RFC3339),
		comment.Bug,
		strings.ReplaceAll(comment.Comment, "\n", "\\n"))
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write dead letter log: %w", err)
	}
	return nil
}
