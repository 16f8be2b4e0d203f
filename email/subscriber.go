package email

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"ensemble-matcher/pkg/ensemble"
	"ensemble-matcher/store"
)

// Directory resolves where a user's notification email goes. An empty
// address means the user has none or opted out.
type Directory interface {
	Lookup(ctx context.Context, uid string) (string, error)
}

// Notifier emails newly created notifications to their recipients.
type Notifier struct {
	sender    *Sender
	directory Directory
	logger    *slog.Logger
}

// NewNotifier creates the notification email subscriber.
func NewNotifier(sender *Sender, directory Directory, logger *slog.Logger) *Notifier {
	return &Notifier{sender: sender, directory: directory, logger: logger}
}

// HandleChange emails an unread notification. Read notifications and
// deletions are ignored, so marking a notification read sends nothing.
func (n *Notifier) HandleChange(ctx context.Context, change store.Change) error {
	if change.Op != store.OpPut {
		return nil
	}
	var note ensemble.Notification
	if err := json.Unmarshal(change.Data, &note); err != nil {
		return fmt.Errorf("decode notification change %s: %w", change.ID, err)
	}
	if note.IsRead {
		return nil
	}

	to, err := n.directory.Lookup(ctx, note.UserID)
	if err != nil {
		return fmt.Errorf("look up recipient: %w", err)
	}
	if to == "" {
		n.logger.Debug("Skipping notification email, no address", "notification_id", note.ID, "user", note.UserID)
		return nil
	}
	return n.sender.SendNotification(ctx, to, &note)
}
