// Package lifecycle implements the application state machine and who may drive it.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"ensemble-matcher/pkg/ensemble"
)

// Action is a caller-initiated transition on an application.
type Action string

// Actions on an existing application.
const (
	Cancel Action = "cancel"
	Accept Action = "accept"
	Reject Action = "reject"
)

var (
	ErrNotPending        = errors.New("application is no longer pending")
	ErrNotApplicant      = errors.New("caller is not the applicant")
	ErrNotAuthor         = errors.New("caller is not the posting author")
	ErrInvalidAction     = errors.New("unknown application action")
	ErrIllegalTransition = errors.New("illegal status transition")
)

var targets = map[Action]ensemble.ApplicationStatus{
	Cancel: ensemble.StatusCancelled,
	Accept: ensemble.StatusAccepted,
	Reject: ensemble.StatusRejected,
}

// IsTerminal reports whether no transition may leave s.
func IsTerminal(s ensemble.ApplicationStatus) bool {
	return s != ensemble.StatusPending
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to ensemble.ApplicationStatus) bool {
	if from != ensemble.StatusPending {
		return false
	}
	switch to {
	case ensemble.StatusAccepted, ensemble.StatusRejected, ensemble.StatusCancelled:
		return true
	}
	return false
}

// Target returns the status an action moves an application to.
func Target(a Action) (ensemble.ApplicationStatus, error) {
	s, ok := targets[a]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidAction, a)
	}
	return s, nil
}

// Authorize checks that uid may perform a on app. Cancel belongs to the
// applicant; accept and reject belong to the posting author recorded on the
// application when it was created.
func Authorize(app *ensemble.Application, a Action, uid string) error {
	switch a {
	case Cancel:
		if app.ApplicantID != uid {
			return ErrNotApplicant
		}
	case Accept, Reject:
		if app.PostingAuthorID != uid {
			return ErrNotAuthor
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidAction, a)
	}
	return nil
}

// Apply moves app along a and stamps the matching timestamp.
func Apply(app *ensemble.Application, a Action, now time.Time) error {
	to, err := Target(a)
	if err != nil {
		return err
	}
	if app.Status != ensemble.StatusPending {
		return fmt.Errorf("%w: %s", ErrNotPending, app.Status)
	}
	if !CanTransition(app.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, app.Status, to)
	}

	app.Status = to
	at := now
	switch to {
	case ensemble.StatusCancelled:
		app.CancelledAt = &at
	case ensemble.StatusAccepted, ensemble.StatusRejected:
		app.RespondedAt = &at
	}
	return nil
}
