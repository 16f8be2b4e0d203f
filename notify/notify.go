// Package notify appends notifications inside workflow transactions and serves the feed.
package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"ensemble-matcher/pkg/ensemble"
	"ensemble-matcher/store"
)

// Emitter writes notification records as part of the caller's transaction.
type Emitter struct {
	newID func() string
}

// NewEmitter creates an emitter that assigns random UUIDs.
func NewEmitter() *Emitter {
	return &Emitter{newID: uuid.NewString}
}

// Emit stores n in tx, assigning its ID and creation time.
func (e *Emitter) Emit(ctx context.Context, tx store.Tx, n *ensemble.Notification) error {
	n.ID = e.newID()
	n.CreatedAt = tx.Now()
	n.IsRead = false
	if err := tx.Create(ctx, ensemble.Notifications, n.ID, n); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// ApplicationReceived tells the posting author about a new application.
func ApplicationReceived(app *ensemble.Application, p *ensemble.Posting) *ensemble.Notification {
	return &ensemble.Notification{
		UserID:               p.AuthorID,
		Type:                 ensemble.NotifyApplication,
		Title:                "New application received",
		Message:              fmt.Sprintf("%s has a new application.", p.Title),
		RelatedPostingID:     p.ID,
		RelatedApplicationID: app.ID,
		RelatedUserID:        app.ApplicantID,
	}
}

// ApplicationAccepted tells the applicant they were accepted.
func ApplicationAccepted(app *ensemble.Application, p *ensemble.Posting) *ensemble.Notification {
	return &ensemble.Notification{
		UserID:               app.ApplicantID,
		Type:                 ensemble.NotifyApplicationAccepted,
		Title:                "Your application was accepted",
		Message:              fmt.Sprintf("Your application to %s was accepted.", p.Title),
		RelatedPostingID:     app.PostingID,
		RelatedApplicationID: app.ID,
		RelatedUserID:        p.AuthorID,
	}
}

// ApplicationRejected tells the applicant the posting author responded.
func ApplicationRejected(app *ensemble.Application) *ensemble.Notification {
	return &ensemble.Notification{
		UserID:               app.ApplicantID,
		Type:                 ensemble.NotifyApplicationRejected,
		Title:                "Your application was declined",
		Message:              "The result of your application has been updated.",
		RelatedPostingID:     app.PostingID,
		RelatedApplicationID: app.ID,
		RelatedUserID:        app.PostingAuthorID,
	}
}
