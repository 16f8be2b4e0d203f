package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ensemble-matcher/auth"
	"ensemble-matcher/capacity"
	"ensemble-matcher/pkg/ensemble"
	"ensemble-matcher/store"
)

const author = "author"

type harness struct {
	t      *testing.T
	store  *store.Memory
	engine *Engine
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	m := store.NewMemory(store.WithClock(func() time.Time { return now }))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := store.NewRunner(m, store.RunnerConfig{
		Attempts:  100,
		Delay:     time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
		MaxJitter: time.Millisecond,
	}, logger)

	var seq atomic.Int64
	e := New(&Config{Runner: runner, Reader: m, Logger: logger})
	e.newID = func() string { return fmt.Sprintf("app-%d", seq.Add(1)) }
	return &harness{t: t, store: m, engine: e, now: now}
}

func as(uid string) context.Context {
	return auth.WithUser(context.Background(), uid)
}

func (h *harness) seedPosting(p ensemble.Posting) {
	h.t.Helper()
	if p.ID == "" {
		p.ID = "p1"
	}
	if p.AuthorID == "" {
		p.AuthorID = author
	}
	if p.Status == "" {
		p.Status = ensemble.PostingOpen
	}
	if p.Title == "" {
		p.Title = "Spring Quartet"
	}
	p.TotalNeeded = capacity.TotalNeeded(p.RequiredInstruments)
	require.NoError(h.t, h.store.Attempt(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Set(ctx, ensemble.Postings, p.ID, p)
	}))
}

func (h *harness) posting(id string) ensemble.Posting {
	h.t.Helper()
	var p ensemble.Posting
	found, err := h.store.Get(context.Background(), ensemble.Postings, id, &p)
	require.NoError(h.t, err)
	require.True(h.t, found)
	return p
}

func (h *harness) application(id string) ensemble.Application {
	h.t.Helper()
	var a ensemble.Application
	found, err := h.store.Get(context.Background(), ensemble.Applications, id, &a)
	require.NoError(h.t, err)
	require.True(h.t, found)
	return a
}

func (h *harness) notifications(uid string) []ensemble.Notification {
	h.t.Helper()
	docs, err := h.store.Query(context.Background(), store.Query{
		Collection: ensemble.Notifications,
		Where:      []store.Filter{store.Eq("userId", uid)},
	})
	require.NoError(h.t, err)
	out := make([]ensemble.Notification, len(docs))
	for i, d := range docs {
		require.NoError(h.t, d.Decode(&out[i]))
	}
	return out
}

func (h *harness) apply(uid, instrument string) string {
	h.t.Helper()
	res, err := h.engine.Apply(as(uid), ApplyRequest{PostingID: "p1", AppliedInstrument: instrument})
	require.NoError(h.t, err)
	return res.ApplicationID
}

func violinOnly(autoClose bool) ensemble.Posting {
	return ensemble.Posting{
		RequiredInstruments: []ensemble.RequiredInstrument{{Instrument: "violin", Count: 1}},
		AutoCloseWhenFilled: autoClose,
	}
}

func requireCode(t *testing.T, err error, want Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, want, CodeOf(err), "error: %v", err)
}

func TestApplyThenAcceptClosesPosting(t *testing.T) {
	h := newHarness(t)
	h.seedPosting(violinOnly(true))

	msg := "I played in the youth orchestra."
	res, err := h.engine.Apply(as("musician"), ApplyRequest{PostingID: "p1", AppliedInstrument: "violin", Message: &msg})
	require.NoError(t, err)
	appID := res.ApplicationID

	app := h.application(appID)
	assert.Equal(t, ensemble.StatusPending, app.Status)
	assert.Equal(t, author, app.PostingAuthorID)
	assert.Equal(t, h.now, app.AppliedAt)
	require.NotNil(t, app.Message)
	assert.Equal(t, msg, *app.Message)
	assert.Equal(t, 1, h.posting("p1").ApplicantCount)

	authorNotes := h.notifications(author)
	require.Len(t, authorNotes, 1)
	assert.Equal(t, ensemble.NotifyApplication, authorNotes[0].Type)
	assert.Equal(t, appID, authorNotes[0].RelatedApplicationID)
	assert.Equal(t, "musician", authorNotes[0].RelatedUserID)

	accepted, err := h.engine.Accept(as(author), ApplicationRequest{ApplicationID: appID})
	require.NoError(t, err)
	assert.Equal(t, appID, accepted.ChatRoomID)

	app = h.application(appID)
	assert.Equal(t, ensemble.StatusAccepted, app.Status)
	require.NotNil(t, app.RespondedAt)

	p := h.posting("p1")
	assert.Equal(t, 1, p.RequiredInstruments[0].Filled)
	assert.Equal(t, 1, p.TotalFilled)
	assert.Equal(t, ensemble.PostingClosed, p.Status)
	assert.Equal(t, 0, p.ApplicantCount)
	assert.Equal(t, 1, p.AcceptedCount)

	var room ensemble.ChatRoom
	found, err := h.store.Get(context.Background(), ensemble.ChatRooms, appID, &room)
	require.NoError(t, err)
	require.True(t, found)
	assert.ElementsMatch(t, []string{author, "musician"}, room.Participants)
	assert.Equal(t, map[string]int{author: 0, "musician": 0}, room.UnreadCount)
	assert.True(t, room.IsActive)

	notes := h.notifications("musician")
	require.Len(t, notes, 1)
	assert.Equal(t, ensemble.NotifyApplicationAccepted, notes[0].Type)
	assert.False(t, notes[0].IsRead)
}

func TestAcceptTwiceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seedPosting(ensemble.Posting{
		RequiredInstruments: []ensemble.RequiredInstrument{{Instrument: "violin", Count: 3}},
	})
	appID := h.apply("musician", "violin")

	first, err := h.engine.Accept(as(author), ApplicationRequest{ApplicationID: appID})
	require.NoError(t, err)
	second, err := h.engine.Accept(as(author), ApplicationRequest{ApplicationID: appID})
	require.NoError(t, err)
	assert.Equal(t, first.ChatRoomID, second.ChatRoomID)

	p := h.posting("p1")
	assert.Equal(t, 1, p.TotalFilled)
	assert.Equal(t, 1, p.AcceptedCount)
	assert.Len(t, h.notifications("musician"), 1)
}

func TestAcceptAlreadyAcceptedAfterPostingClosed(t *testing.T) {
	h := newHarness(t)
	h.seedPosting(violinOnly(true))
	appID := h.apply("musician", "violin")

	_, err := h.engine.Accept(as(author), ApplicationRequest{ApplicationID: appID})
	require.NoError(t, err)
	require.Equal(t, ensemble.PostingClosed, h.posting("p1").Status)

	again, err := h.engine.Accept(as(author), ApplicationRequest{ApplicationID: appID})
	require.NoError(t, err)
	assert.Equal(t, appID, again.ChatRoomID)
}

func TestConcurrentAcceptsOfSameApplication(t *testing.T) {
	h := newHarness(t)
	h.seedPosting(ensemble.Posting{
		RequiredInstruments: []ensemble.RequiredInstrument{{Instrument: "violin", Count: 2}},
	})
	appID := h.apply("musician", "violin")

	const callers = 8
	results := make([]*AcceptResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = h.engine.Accept(as(author), ApplicationRequest{ApplicationID: appID})
		}()
	}
	close(start)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, appID, results[i].ChatRoomID)
	}
	p := h.posting("p1")
	assert.Equal(t, 1, p.TotalFilled)
	assert.Equal(t, 1, p.AcceptedCount)
	assert.Equal(t, 0, p.ApplicantCount)
}

func TestRacingAcceptsForLastSlot(t *testing.T) {
	h := newHarness(t)
	h.seedPosting(violinOnly(true))
	a := h.apply("alice", "violin")
	b := h.apply("bob", "violin")

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(map[string]error)
	var mu sync.Mutex
	for _, id := range []string{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.engine.Accept(as(author), ApplicationRequest{ApplicationID: id})
			mu.Lock()
			errs[id] = err
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	var winner, loser string
	for id, err := range errs {
		if err == nil {
			require.Empty(t, winner, "both accepts succeeded")
			winner = id
			continue
		}
		loser = id
		requireCode(t, err, FailedPrecondition)
		var werr *Error
		require.ErrorAs(t, err, &werr)
		assert.Equal(t, "slot full", werr.Message)
	}
	require.NotEmpty(t, winner)
	require.NotEmpty(t, loser)

	p := h.posting("p1")
	assert.Equal(t, 1, p.RequiredInstruments[0].Filled)
	assert.Equal(t, ensemble.PostingClosed, p.Status)
	assert.Equal(t, 1, p.ApplicantCount)
	assert.Equal(t, ensemble.StatusPending, h.application(loser).Status)
	assert.Equal(t, ensemble.StatusAccepted, h.application(winner).Status)
}

func TestCancelTwice(t *testing.T) {
	h := newHarness(t)
	h.seedPosting(violinOnly(false))
	appID := h.apply("musician", "violin")

	res, err := h.engine.Cancel(as("musician"), ApplicationRequest{ApplicationID: appID})
	require.NoError(t, err)
	assert.True(t, res.OK)

	app := h.application(appID)
	assert.Equal(t, ensemble.StatusCancelled, app.Status)
	require.NotNil(t, app.CancelledAt)
	assert.Equal(t, 0, h.posting("p1").ApplicantCount)

	_, err = h.engine.Cancel(as("musician"), ApplicationRequest{ApplicationID: appID})
	requireCode(t, err, FailedPrecondition)
	assert.Equal(t, 0, h.posting("p1").ApplicantCount)
}

func TestRejectNonPendingIsNoop(t *testing.T) {
	h := newHarness(t)
	h.seedPosting(ensemble.Posting{
		RequiredInstruments: []ensemble.RequiredInstrument{{Instrument: "violin", Count: 2}},
	})
	keep := h.apply("other", "violin")
	appID := h.apply("musician", "violin")

	_, err := h.engine.Reject(as(author), ApplicationRequest{ApplicationID: appID})
	require.NoError(t, err)
	app := h.application(appID)
	assert.Equal(t, ensemble.StatusRejected, app.Status)
	require.NotNil(t, app.RespondedAt)
	assert.Equal(t, 1, h.posting("p1").ApplicantCount)
	require.Len(t, h.notifications("musician"), 1)
	assert.Equal(t, ensemble.NotifyApplicationRejected, h.notifications("musician")[0].Type)

	res, err := h.engine.Reject(as(author), ApplicationRequest{ApplicationID: appID})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 1, h.posting("p1").ApplicantCount)
	assert.Len(t, h.notifications("musician"), 1)

	_, err = h.engine.Cancel(as("other"), ApplicationRequest{ApplicationID: keep})
	require.NoError(t, err)
	_, err = h.engine.Reject(as(author), ApplicationRequest{ApplicationID: keep})
	require.NoError(t, err)
	assert.Equal(t, ensemble.StatusCancelled, h.application(keep).Status)
	assert.Equal(t, 0, h.posting("p1").ApplicantCount)
}

func TestReapplyAfterRejection(t *testing.T) {
	for _, allow := range []bool{false, true} {
		t.Run(fmt.Sprintf("allow=%v", allow), func(t *testing.T) {
			h := newHarness(t)
			h.seedPosting(ensemble.Posting{
				RequiredInstruments: []ensemble.RequiredInstrument{
					{Instrument: "violin", Count: 1},
					{Instrument: "viola", Count: 1},
				},
				AllowReapplyAfterRejection: allow,
			})
			appID := h.apply("musician", "violin")
			_, err := h.engine.Reject(as(author), ApplicationRequest{ApplicationID: appID})
			require.NoError(t, err)

			for _, instrument := range []string{"violin", "viola"} {
				_, err = h.engine.Apply(as("musician"), ApplyRequest{PostingID: "p1", AppliedInstrument: instrument})
				if allow {
					require.NoError(t, err)
				} else {
					requireCode(t, err, FailedPrecondition)
				}
			}
		})
	}
}

func TestDuplicatePendingApplication(t *testing.T) {
	h := newHarness(t)
	h.seedPosting(ensemble.Posting{
		RequiredInstruments: []ensemble.RequiredInstrument{
			{Instrument: "violin", Count: 1},
			{Instrument: "viola", Count: 1},
		},
	})
	h.apply("musician", "violin")

	_, err := h.engine.Apply(as("musician"), ApplyRequest{PostingID: "p1", AppliedInstrument: "violin"})
	requireCode(t, err, AlreadyExists)

	h.apply("musician", "viola")
	assert.Equal(t, 2, h.posting("p1").ApplicantCount)
}

func TestConcurrentDuplicateApplies(t *testing.T) {
	h := newHarness(t)
	h.seedPosting(violinOnly(false))

	const callers = 6
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = h.engine.Apply(as("musician"), ApplyRequest{PostingID: "p1", AppliedInstrument: "violin"})
		}()
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		requireCode(t, err, AlreadyExists)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, h.posting("p1").ApplicantCount)

	docs, err := h.store.Query(context.Background(), store.Query{
		Collection: ensemble.Applications,
		Where:      []store.Filter{store.Eq("status", "pending")},
	})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestOperationErrors(t *testing.T) {
	h := newHarness(t)
	past := h.now.Add(-time.Hour)
	h.seedPosting(violinOnly(false))
	h.seedPosting(ensemble.Posting{ID: "expired", ExpiresAt: &past, RequiredInstruments: []ensemble.RequiredInstrument{{Instrument: "violin", Count: 1}}})
	h.seedPosting(ensemble.Posting{ID: "closed", Status: ensemble.PostingClosed, RequiredInstruments: []ensemble.RequiredInstrument{{Instrument: "violin", Count: 1}}})
	pending := h.apply("musician", "violin")

	rejected := h.apply("rejected-musician", "violin")
	_, err := h.engine.Reject(as(author), ApplicationRequest{ApplicationID: rejected})
	require.NoError(t, err)

	ctx := context.Background()
	tests := []struct {
		name string
		call func() error
		want Code
	}{
		{"apply unauthenticated", func() error {
			_, err := h.engine.Apply(ctx, ApplyRequest{PostingID: "p1", AppliedInstrument: "violin"})
			return err
		}, Unauthenticated},
		{"cancel unauthenticated", func() error {
			_, err := h.engine.Cancel(ctx, ApplicationRequest{ApplicationID: pending})
			return err
		}, Unauthenticated},
		{"accept unauthenticated", func() error {
			_, err := h.engine.Accept(ctx, ApplicationRequest{ApplicationID: pending})
			return err
		}, Unauthenticated},
		{"reject unauthenticated", func() error {
			_, err := h.engine.Reject(ctx, ApplicationRequest{ApplicationID: pending})
			return err
		}, Unauthenticated},
		{"apply missing instrument", func() error {
			_, err := h.engine.Apply(as("x"), ApplyRequest{PostingID: "p1"})
			return err
		}, InvalidArgument},
		{"apply oversized message", func() error {
			msg := strings.Repeat("x", maxMessageLength+1)
			_, err := h.engine.Apply(as("x"), ApplyRequest{PostingID: "p1", AppliedInstrument: "violin", Message: &msg})
			return err
		}, InvalidArgument},
		{"accept missing id", func() error {
			_, err := h.engine.Accept(as(author), ApplicationRequest{})
			return err
		}, InvalidArgument},
		{"apply unknown posting", func() error {
			_, err := h.engine.Apply(as("x"), ApplyRequest{PostingID: "nope", AppliedInstrument: "violin"})
			return err
		}, NotFound},
		{"cancel unknown application", func() error {
			_, err := h.engine.Cancel(as("x"), ApplicationRequest{ApplicationID: "nope"})
			return err
		}, NotFound},
		{"apply expired posting", func() error {
			_, err := h.engine.Apply(as("x"), ApplyRequest{PostingID: "expired", AppliedInstrument: "violin"})
			return err
		}, FailedPrecondition},
		{"apply closed posting", func() error {
			_, err := h.engine.Apply(as("x"), ApplyRequest{PostingID: "closed", AppliedInstrument: "violin"})
			return err
		}, FailedPrecondition},
		{"apply instrument not offered", func() error {
			_, err := h.engine.Apply(as("x"), ApplyRequest{PostingID: "p1", AppliedInstrument: "tuba"})
			return err
		}, FailedPrecondition},
		{"author cannot cancel", func() error {
			_, err := h.engine.Cancel(as(author), ApplicationRequest{ApplicationID: pending})
			return err
		}, PermissionDenied},
		{"applicant cannot accept", func() error {
			_, err := h.engine.Accept(as("musician"), ApplicationRequest{ApplicationID: pending})
			return err
		}, PermissionDenied},
		{"stranger cannot reject", func() error {
			_, err := h.engine.Reject(as("stranger"), ApplicationRequest{ApplicationID: pending})
			return err
		}, PermissionDenied},
		{"accept rejected application", func() error {
			_, err := h.engine.Accept(as(author), ApplicationRequest{ApplicationID: rejected})
			return err
		}, FailedPrecondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireCode(t, tt.call(), tt.want)
		})
	}

	p := h.posting("p1")
	assert.Equal(t, 1, p.ApplicantCount)
	assert.Equal(t, 0, p.TotalFilled)
}

var errDiscard = errors.New("discard attempt")

// conflictStore runs every attempt and then discards it as a conflict.
type conflictStore struct {
	*store.Memory
}

func (c conflictStore) Attempt(ctx context.Context, fn store.TxFunc) error {
	err := c.Memory.Attempt(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return errDiscard
	})
	if errors.Is(err, errDiscard) {
		return store.ErrConflict
	}
	return err
}

func TestContentionSurfacesUnavailable(t *testing.T) {
	h := newHarness(t)
	h.seedPosting(violinOnly(false))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := store.NewRunner(conflictStore{h.store}, store.RunnerConfig{Attempts: 3, Delay: time.Millisecond, MaxJitter: time.Millisecond}, logger)
	e := New(&Config{Runner: runner, Reader: h.store, Logger: logger})

	_, err := e.Apply(as("musician"), ApplyRequest{PostingID: "p1", AppliedInstrument: "violin"})
	requireCode(t, err, Unavailable)
	assert.Equal(t, 0, h.posting("p1").ApplicantCount)
}

func TestExpiredContextSurfacesDeadlineExceeded(t *testing.T) {
	h := newHarness(t)
	h.seedPosting(violinOnly(false))

	ctx, cancel := context.WithTimeout(as("musician"), -time.Second)
	defer cancel()
	_, err := h.engine.Apply(ctx, ApplyRequest{PostingID: "p1", AppliedInstrument: "violin"})
	requireCode(t, err, DeadlineExceeded)
	assert.Equal(t, 0, h.posting("p1").ApplicantCount)
}

func TestListApplications(t *testing.T) {
	h := newHarness(t)
	h.seedPosting(ensemble.Posting{
		RequiredInstruments: []ensemble.RequiredInstrument{{Instrument: "violin", Count: 2}},
	})
	h.apply("m1", "violin")
	h.apply("m2", "violin")

	mine, err := h.engine.ListApplications(as("m1"), AsApplicant, "")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "m1", mine[0].ApplicantID)

	received, err := h.engine.ListApplications(as(author), AsAuthor, "p1")
	require.NoError(t, err)
	assert.Len(t, received, 2)

	_, err = h.engine.ListApplications(as(author), Role("admin"), "")
	requireCode(t, err, InvalidArgument)
	_, err = h.engine.ListApplications(context.Background(), AsApplicant, "")
	requireCode(t, err, Unauthenticated)
}
