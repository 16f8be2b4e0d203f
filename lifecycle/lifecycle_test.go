package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ensemble-matcher/pkg/ensemble"
)

func pendingApp() *ensemble.Application {
	return &ensemble.Application{
		ID:              "a1",
		PostingID:       "p1",
		ApplicantID:     "musician",
		PostingAuthorID: "author",
		Status:          ensemble.StatusPending,
	}
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		uid     string
		wantErr error
	}{
		{name: "applicant cancels", action: Cancel, uid: "musician"},
		{name: "author cannot cancel", action: Cancel, uid: "author", wantErr: ErrNotApplicant},
		{name: "author accepts", action: Accept, uid: "author"},
		{name: "applicant cannot accept", action: Accept, uid: "musician", wantErr: ErrNotAuthor},
		{name: "author rejects", action: Reject, uid: "author"},
		{name: "stranger cannot reject", action: Reject, uid: "someone", wantErr: ErrNotAuthor},
		{name: "unknown action", action: Action("archive"), uid: "author", wantErr: ErrInvalidAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(pendingApp(), tt.action, tt.uid)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestApplyStampsTimestamps(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	cancelled := pendingApp()
	require.NoError(t, Apply(cancelled, Cancel, now))
	assert.Equal(t, ensemble.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, now, *cancelled.CancelledAt)
	assert.Nil(t, cancelled.RespondedAt)

	accepted := pendingApp()
	require.NoError(t, Apply(accepted, Accept, now))
	assert.Equal(t, ensemble.StatusAccepted, accepted.Status)
	require.NotNil(t, accepted.RespondedAt)
	assert.Nil(t, accepted.CancelledAt)

	rejected := pendingApp()
	require.NoError(t, Apply(rejected, Reject, now))
	assert.Equal(t, ensemble.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.RespondedAt)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	now := time.Now()
	for _, from := range []ensemble.ApplicationStatus{ensemble.StatusAccepted, ensemble.StatusRejected, ensemble.StatusCancelled} {
		for _, a := range []Action{Cancel, Accept, Reject} {
			app := pendingApp()
			app.Status = from
			err := Apply(app, a, now)
			assert.ErrorIs(t, err, ErrNotPending, "%s via %s", from, a)
			assert.Equal(t, from, app.Status)
			assert.True(t, IsTerminal(from))
		}
	}
	assert.False(t, IsTerminal(ensemble.StatusPending))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(ensemble.StatusPending, ensemble.StatusAccepted))
	assert.False(t, CanTransition(ensemble.StatusPending, ensemble.StatusPending))
	assert.False(t, CanTransition(ensemble.StatusAccepted, ensemble.StatusRejected))
}
