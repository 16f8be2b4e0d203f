package notify

import (
	"context"
	"fmt"

	"ensemble-matcher/pkg/ensemble"
	"ensemble-matcher/store"
)

const defaultFeedLimit = 50

// Reader queries documents outside a transaction.
type Reader interface {
	Query(ctx context.Context, q store.Query) ([]store.Doc, error)
}

// Runner executes a retried transaction.
type Runner interface {
	Run(ctx context.Context, name string, fn store.TxFunc) error
}

// Feed lists and acknowledges a user's notifications.
type Feed struct {
	store  Reader
	runner Runner
}

// NewFeed creates a notification feed.
func NewFeed(s Reader, runner Runner) *Feed {
	return &Feed{store: s, runner: runner}
}

// List returns the user's notifications, newest first.
func (f *Feed) List(ctx context.Context, uid string, limit int, unreadOnly bool) ([]ensemble.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultFeedLimit
	}
	where := []store.Filter{store.Eq("userId", uid)}
	if unreadOnly {
		where = append(where, store.Eq("isRead", false))
	}
	docs, err := f.store.Query(ctx, store.Query{
		Collection: ensemble.Notifications,
		Where:      where,
		OrderBy:    "createdAt",
		Desc:       true,
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	return decode(docs)
}

// MarkRead flags the given notifications as read, or every unread one when
// ids is empty. Notifications of other users are ignored. It returns how many
// changed.
func (f *Feed) MarkRead(ctx context.Context, uid string, ids []string) (int, error) {
	var changed int
	err := f.runner.Run(ctx, "notifications.markRead", func(ctx context.Context, tx store.Tx) error {
		changed = 0
		var targets []ensemble.Notification
		if len(ids) == 0 {
			docs, err := tx.Query(ctx, store.Query{
				Collection: ensemble.Notifications,
				Where:      []store.Filter{store.Eq("userId", uid), store.Eq("isRead", false)},
			})
			if err != nil {
				return fmt.Errorf("query unread: %w", err)
			}
			if targets, err = decode(docs); err != nil {
				return err
			}
		} else {
			for _, id := range ids {
				var n ensemble.Notification
				found, err := tx.Get(ctx, ensemble.Notifications, id, &n)
				if err != nil {
					return fmt.Errorf("load notification: %w", err)
				}
				if found && n.UserID == uid && !n.IsRead {
					targets = append(targets, n)
				}
			}
		}

		for i := range targets {
			targets[i].IsRead = true
			if err := tx.Set(ctx, ensemble.Notifications, targets[i].ID, &targets[i]); err != nil {
				return fmt.Errorf("mark notification read: %w", err)
			}
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

func decode(docs []store.Doc) ([]ensemble.Notification, error) {
	out := make([]ensemble.Notification, 0, len(docs))
	for _, d := range docs {
		var n ensemble.Notification
		if err := d.Decode(&n); err != nil {
			return nil, fmt.Errorf("decode notification %s: %w", d.ID, err)
		}
		out = append(out, n)
	}
	return out, nil
}
