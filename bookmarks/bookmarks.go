// Package bookmarks lets users save postings and keeps each posting's
// bookmark count in step with its bookmarks.
package bookmarks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"ensemble-matcher/pkg/ensemble"
	"ensemble-matcher/store"
)

// ErrPostingNotFound reports a bookmark toggle on a missing posting.
var ErrPostingNotFound = errors.New("posting not found")

// Runner executes a retried transaction.
type Runner interface {
	Run(ctx context.Context, name string, fn store.TxFunc) error
}

// Reader queries documents outside a transaction.
type Reader interface {
	Query(ctx context.Context, q store.Query) ([]store.Doc, error)
}

// Service toggles and lists bookmarks.
type Service struct {
	runner Runner
	reader Reader
}

// New creates a bookmark service.
func New(runner Runner, reader Reader) *Service {
	return &Service{runner: runner, reader: reader}
}

// Toggle adds the bookmark if it is missing and removes it otherwise. It
// reports whether the posting is bookmarked afterwards.
func (s *Service) Toggle(ctx context.Context, uid, postingID string) (bool, error) {
	var bookmarked bool
	err := s.runner.Run(ctx, "bookmarks.toggle", func(ctx context.Context, tx store.Tx) error {
		id := ensemble.BookmarkID(uid, postingID)
		var existing ensemble.Bookmark
		found, err := tx.Get(ctx, ensemble.Bookmarks, id, &existing)
		if err != nil {
			return err
		}
		if found {
			bookmarked = false
			return tx.Delete(ctx, ensemble.Bookmarks, id)
		}

		var p ensemble.Posting
		exists, err := tx.Get(ctx, ensemble.Postings, postingID, &p)
		if err != nil {
			return err
		}
		if !exists {
			return ErrPostingNotFound
		}
		bookmarked = true
		return tx.Create(ctx, ensemble.Bookmarks, id, &ensemble.Bookmark{
			ID:           id,
			UserID:       uid,
			PostingID:    postingID,
			BookmarkedAt: tx.Now(),
		})
	})
	if err != nil {
		return false, err
	}
	return bookmarked, nil
}

// List returns uid's bookmarks, newest first.
func (s *Service) List(ctx context.Context, uid string) ([]ensemble.Bookmark, error) {
	docs, err := s.reader.Query(ctx, store.Query{
		Collection: ensemble.Bookmarks,
		Where:      []store.Filter{store.Eq("userId", uid)},
		OrderBy:    "bookmarkedAt",
		Desc:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("query bookmarks: %w", err)
	}
	out := make([]ensemble.Bookmark, 0, len(docs))
	for _, d := range docs {
		var b ensemble.Bookmark
		if err := d.Decode(&b); err != nil {
			return nil, fmt.Errorf("decode bookmark %s: %w", d.ID, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// Counter recomputes a posting's bookmarkCount whenever one of its bookmarks
// changes. Counting instead of incrementing keeps redelivered changes harmless.
type Counter struct {
	runner Runner
	logger *slog.Logger
}

// NewCounter creates the bookmark count subscriber.
func NewCounter(runner Runner, logger *slog.Logger) *Counter {
	return &Counter{runner: runner, logger: logger}
}

// HandleChange handles one bookmark change log entry.
func (c *Counter) HandleChange(ctx context.Context, change store.Change) error {
	var b ensemble.Bookmark
	if err := json.Unmarshal(change.Data, &b); err != nil {
		return fmt.Errorf("decode bookmark change %s: %w", change.ID, err)
	}
	if b.PostingID == "" {
		return nil
	}
	return c.Recount(ctx, b.PostingID)
}

// Recount sets bookmarkCount on a posting to its current number of bookmarks.
// Missing postings are skipped.
func (c *Counter) Recount(ctx context.Context, postingID string) error {
	var count int
	var skipped bool
	err := c.runner.Run(ctx, "bookmarks.recount", func(ctx context.Context, tx store.Tx) error {
		skipped = false
		var p ensemble.Posting
		found, err := tx.Get(ctx, ensemble.Postings, postingID, &p)
		if err != nil {
			return err
		}
		if !found {
			skipped = true
			return nil
		}
		docs, err := tx.Query(ctx, store.Query{
			Collection: ensemble.Bookmarks,
			Where:      []store.Filter{store.Eq("postingId", postingID)},
		})
		if err != nil {
			return fmt.Errorf("count bookmarks: %w", err)
		}
		count = len(docs)
		if p.BookmarkCount == count {
			return nil
		}
		p.BookmarkCount = count
		return tx.Set(ctx, ensemble.Postings, p.ID, &p)
	})
	if err != nil {
		return fmt.Errorf("recount bookmarks for %s: %w", postingID, err)
	}
	if skipped {
		c.logger.Debug("Skipping bookmark count for missing posting", "posting_id", postingID)
		return nil
	}
	c.logger.Debug("Bookmark count updated", "posting_id", postingID, "count", count)
	return nil
}
