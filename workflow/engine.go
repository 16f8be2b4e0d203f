// Package workflow implements the apply, cancel, accept and reject operations.
// Each operation is one retried transaction over the posting, the application
// and the records they produce.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"ensemble-matcher/auth"
	"ensemble-matcher/capacity"
	"ensemble-matcher/chat"
	"ensemble-matcher/lifecycle"
	"ensemble-matcher/metrics"
	"ensemble-matcher/notify"
	"ensemble-matcher/pkg/ensemble"
	"ensemble-matcher/store"
)

const maxMessageLength = 2000

// Runner executes a transaction, re-running it on conflict.
type Runner interface {
	Run(ctx context.Context, name string, fn store.TxFunc) error
}

// Reader queries documents outside a transaction.
type Reader interface {
	Get(ctx context.Context, collection, id string, dst any) (bool, error)
	Query(ctx context.Context, q store.Query) ([]store.Doc, error)
}

// Engine runs workflow operations.
type Engine struct {
	runner  Runner
	reader  Reader
	emitter *notify.Emitter
	logger  *slog.Logger
	newID   func() string
}

// Config holds engine dependencies.
type Config struct {
	Runner  Runner
	Reader  Reader
	Emitter *notify.Emitter
	Logger  *slog.Logger
}

// New creates a workflow engine.
func New(cfg *Config) *Engine {
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = notify.NewEmitter()
	}
	return &Engine{
		runner:  cfg.Runner,
		reader:  cfg.Reader,
		emitter: emitter,
		logger:  cfg.Logger,
		newID:   uuid.NewString,
	}
}

// ApplyRequest is the payload of Apply.
type ApplyRequest struct {
	Message           *string `json:"message,omitempty"`
	PostingID         string  `json:"postingId"`
	AppliedInstrument string  `json:"appliedInstrument"`
}

// ApplyResult is returned by Apply.
type ApplyResult struct {
	ApplicationID string `json:"applicationId"`
}

// ApplicationRequest names the application Cancel, Accept and Reject act on.
type ApplicationRequest struct {
	ApplicationID string `json:"applicationId"`
}

// OKResult is returned by Cancel and Reject.
type OKResult struct {
	OK bool `json:"ok"`
}

// AcceptResult is returned by Accept.
type AcceptResult struct {
	ChatRoomID string `json:"chatRoomId"`
}

// Apply creates a pending application from the caller for one instrument slot.
func (e *Engine) Apply(ctx context.Context, req ApplyRequest) (res *ApplyResult, err error) {
	start := time.Now()
	defer func() { e.observe("apply", start, err) }()

	uid, ok := auth.UserFrom(ctx)
	if !ok {
		return nil, newError(Unauthenticated, "sign-in required", nil)
	}
	postingID := strings.TrimSpace(req.PostingID)
	instrument := strings.TrimSpace(req.AppliedInstrument)
	if postingID == "" || instrument == "" {
		return nil, newError(InvalidArgument, "postingId and appliedInstrument are required", nil)
	}
	var message *string
	if req.Message != nil && strings.TrimSpace(*req.Message) != "" {
		if utf8.RuneCountInString(*req.Message) > maxMessageLength {
			return nil, newError(InvalidArgument, fmt.Sprintf("message exceeds %d characters", maxMessageLength), nil)
		}
		m := *req.Message
		message = &m
	}

	var applicationID string
	err = e.runner.Run(ctx, "apply", func(ctx context.Context, tx store.Tx) error {
		now := tx.Now()

		var p ensemble.Posting
		found, err := tx.Get(ctx, ensemble.Postings, postingID, &p)
		if err != nil {
			return err
		}
		if !found {
			return newError(NotFound, "posting not found", nil)
		}
		if err := capacity.CheckApply(&p, instrument, now); err != nil {
			return newError(FailedPrecondition, preconditionMessage(err), err)
		}

		docs, err := tx.Query(ctx, store.Query{
			Collection: ensemble.Applications,
			Where: []store.Filter{
				store.Eq("postingId", postingID),
				store.Eq("applicantId", uid),
			},
		})
		if err != nil {
			return err
		}
		existing, err := decodeApplications(docs)
		if err != nil {
			return err
		}
		if err := capacity.CheckHistory(&p, existing, instrument); err != nil {
			if errors.Is(err, capacity.ErrDuplicatePending) {
				return newError(AlreadyExists, "you already have a pending application for this instrument", err)
			}
			return newError(FailedPrecondition, preconditionMessage(err), err)
		}

		app := &ensemble.Application{
			ID:                e.newID(),
			PostingID:         postingID,
			ApplicantID:       uid,
			PostingAuthorID:   p.AuthorID,
			AppliedInstrument: instrument,
			Message:           message,
			Status:            ensemble.StatusPending,
			AppliedAt:         now,
		}
		if err := tx.Create(ctx, ensemble.Applications, app.ID, app); err != nil {
			return err
		}

		capacity.Admit(&p, now)
		if err := e.savePosting(ctx, tx, &p); err != nil {
			return err
		}
		if err := e.emitter.Emit(ctx, tx, notify.ApplicationReceived(app, &p)); err != nil {
			return err
		}
		applicationID = app.ID
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	e.logger.Info("Application created", "application_id", applicationID, "posting_id", postingID, "applicant_id", uid, "instrument", instrument)
	return &ApplyResult{ApplicationID: applicationID}, nil
}

// Cancel withdraws the caller's pending application.
func (e *Engine) Cancel(ctx context.Context, req ApplicationRequest) (res *OKResult, err error) {
	start := time.Now()
	defer func() { e.observe("cancel", start, err) }()

	uid, appID, err := e.identify(ctx, req)
	if err != nil {
		return nil, err
	}

	err = e.runner.Run(ctx, "cancel", func(ctx context.Context, tx store.Tx) error {
		app, err := loadApplication(ctx, tx, appID)
		if err != nil {
			return err
		}
		if err := lifecycle.Authorize(app, lifecycle.Cancel, uid); err != nil {
			return newError(PermissionDenied, "only the applicant can cancel this application", err)
		}
		if app.Status != ensemble.StatusPending {
			return newError(FailedPrecondition, "only pending applications can be cancelled", lifecycle.ErrNotPending)
		}
		p, err := loadPosting(ctx, tx, app.PostingID)
		if err != nil {
			return err
		}

		now := tx.Now()
		if err := lifecycle.Apply(app, lifecycle.Cancel, now); err != nil {
			return newError(FailedPrecondition, "only pending applications can be cancelled", err)
		}
		capacity.Release(p, now)
		if err := tx.Set(ctx, ensemble.Applications, app.ID, app); err != nil {
			return err
		}
		return e.savePosting(ctx, tx, p)
	})
	if err != nil {
		return nil, classify(err)
	}

	e.logger.Info("Application cancelled", "application_id", appID, "applicant_id", uid)
	return &OKResult{OK: true}, nil
}

// Accept fills a slot for the application, opens its chat room and notifies
// the applicant. Accepting an already accepted application returns the same
// chat room without touching any counters.
func (e *Engine) Accept(ctx context.Context, req ApplicationRequest) (res *AcceptResult, err error) {
	start := time.Now()
	defer func() { e.observe("accept", start, err) }()

	uid, appID, err := e.identify(ctx, req)
	if err != nil {
		return nil, err
	}

	var chatRoomID string
	var repeated bool
	err = e.runner.Run(ctx, "accept", func(ctx context.Context, tx store.Tx) error {
		chatRoomID, repeated = "", false

		app, err := loadApplication(ctx, tx, appID)
		if err != nil {
			return err
		}
		if err := lifecycle.Authorize(app, lifecycle.Accept, uid); err != nil {
			return newError(PermissionDenied, "only the posting author can accept this application", err)
		}
		switch app.Status {
		case ensemble.StatusAccepted:
			chatRoomID, repeated = app.ID, true
			return nil
		case ensemble.StatusPending:
		default:
			return newError(FailedPrecondition, fmt.Sprintf("application is %s", app.Status), lifecycle.ErrNotPending)
		}

		p, err := loadPosting(ctx, tx, app.PostingID)
		if err != nil {
			return err
		}
		now := tx.Now()
		if err := capacity.Fill(p, app.AppliedInstrument, now); err != nil {
			return newError(FailedPrecondition, preconditionMessage(err), err)
		}
		if err := lifecycle.Apply(app, lifecycle.Accept, now); err != nil {
			return newError(FailedPrecondition, "only pending applications can be accepted", err)
		}
		if err := tx.Set(ctx, ensemble.Applications, app.ID, app); err != nil {
			return err
		}
		if err := e.savePosting(ctx, tx, p); err != nil {
			return err
		}
		id, err := chat.Provision(ctx, tx, app, p.AuthorID)
		if err != nil {
			return err
		}
		if err := e.emitter.Emit(ctx, tx, notify.ApplicationAccepted(app, p)); err != nil {
			return err
		}
		chatRoomID = id
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	if repeated {
		e.logger.Info("Application already accepted", "application_id", appID, "chat_room_id", chatRoomID)
	} else {
		e.logger.Info("Application accepted", "application_id", appID, "chat_room_id", chatRoomID, "author_id", uid)
	}
	return &AcceptResult{ChatRoomID: chatRoomID}, nil
}

// Reject declines a pending application. Rejecting an application that is no
// longer pending succeeds without changes.
func (e *Engine) Reject(ctx context.Context, req ApplicationRequest) (res *OKResult, err error) {
	start := time.Now()
	defer func() { e.observe("reject", start, err) }()

	uid, appID, err := e.identify(ctx, req)
	if err != nil {
		return nil, err
	}

	err = e.runner.Run(ctx, "reject", func(ctx context.Context, tx store.Tx) error {
		app, err := loadApplication(ctx, tx, appID)
		if err != nil {
			return err
		}
		if err := lifecycle.Authorize(app, lifecycle.Reject, uid); err != nil {
			return newError(PermissionDenied, "only the posting author can reject this application", err)
		}
		if lifecycle.IsTerminal(app.Status) {
			return nil
		}
		p, err := loadPosting(ctx, tx, app.PostingID)
		if err != nil {
			return err
		}

		now := tx.Now()
		if err := lifecycle.Apply(app, lifecycle.Reject, now); err != nil {
			return newError(FailedPrecondition, "only pending applications can be rejected", err)
		}
		capacity.Release(p, now)
		if err := tx.Set(ctx, ensemble.Applications, app.ID, app); err != nil {
			return err
		}
		if err := e.savePosting(ctx, tx, p); err != nil {
			return err
		}
		return e.emitter.Emit(ctx, tx, notify.ApplicationRejected(app))
	})
	if err != nil {
		return nil, classify(err)
	}

	e.logger.Info("Application rejected", "application_id", appID, "author_id", uid)
	return &OKResult{OK: true}, nil
}

func (e *Engine) identify(ctx context.Context, req ApplicationRequest) (string, string, error) {
	uid, ok := auth.UserFrom(ctx)
	if !ok {
		return "", "", newError(Unauthenticated, "sign-in required", nil)
	}
	appID := strings.TrimSpace(req.ApplicationID)
	if appID == "" {
		return "", "", newError(InvalidArgument, "applicationId is required", nil)
	}
	return uid, appID, nil
}

func (e *Engine) savePosting(ctx context.Context, tx store.Tx, p *ensemble.Posting) error {
	if err := capacity.Validate(p); err != nil {
		return fmt.Errorf("posting %s accounting: %w", p.ID, err)
	}
	return tx.Set(ctx, ensemble.Postings, p.ID, p)
}

func (e *Engine) observe(op string, start time.Time, err error) {
	code := CodeOf(err)
	metrics.RecordOperation(op, string(code), time.Since(start))
	if err == nil {
		return
	}
	if code == Internal || code == Unavailable || code == DeadlineExceeded {
		e.logger.Error("Workflow operation failed", "operation", op, "code", code, "error", err)
		return
	}
	e.logger.Info("Workflow operation refused", "operation", op, "code", code, "error", err)
}

func loadApplication(ctx context.Context, tx store.Tx, id string) (*ensemble.Application, error) {
	var app ensemble.Application
	found, err := tx.Get(ctx, ensemble.Applications, id, &app)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, newError(NotFound, "application not found", nil)
	}
	return &app, nil
}

func loadPosting(ctx context.Context, tx store.Tx, id string) (*ensemble.Posting, error) {
	var p ensemble.Posting
	found, err := tx.Get(ctx, ensemble.Postings, id, &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, newError(NotFound, "posting not found", nil)
	}
	return &p, nil
}

func decodeApplications(docs []store.Doc) ([]ensemble.Application, error) {
	apps := make([]ensemble.Application, 0, len(docs))
	for _, d := range docs {
		var a ensemble.Application
		if err := d.Decode(&a); err != nil {
			return nil, fmt.Errorf("decode application %s: %w", d.ID, err)
		}
		apps = append(apps, a)
	}
	return apps, nil
}

func preconditionMessage(err error) string {
	switch {
	case errors.Is(err, capacity.ErrPostingClosed):
		return "the posting is closed"
	case errors.Is(err, capacity.ErrPostingExpired):
		return "the application period has ended"
	case errors.Is(err, capacity.ErrInstrumentNotOffered):
		return "the posting is not recruiting this instrument"
	case errors.Is(err, capacity.ErrSlotFull):
		return "slot full"
	case errors.Is(err, capacity.ErrReapplyBlocked):
		return "reapplying after a rejection is not allowed for this posting"
	}
	return err.Error()
}
