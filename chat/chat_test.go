package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ensemble-matcher/pkg/ensemble"
	"ensemble-matcher/store"
)

var start = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func TestProvisionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory(store.WithClock(func() time.Time { return start }))
	app := &ensemble.Application{ID: "a1", PostingID: "p1", ApplicantID: "musician"}

	for range 2 {
		err := m.Attempt(ctx, func(ctx context.Context, tx store.Tx) error {
			id, err := Provision(ctx, tx, app, "author")
			if err != nil {
				return err
			}
			assert.Equal(t, "a1", id)
			return nil
		})
		require.NoError(t, err)
	}

	changes, err := m.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, changes, 1, "second provision must not write")

	svc := NewService(m, store.NewRunner(m, store.RunnerConfig{Attempts: 1}, discard()))
	room, err := svc.Get(ctx, "musician", "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"author", "musician"}, room.Participants)
	assert.Equal(t, map[string]int{"author": 0, "musician": 0}, room.UnreadCount)
	assert.True(t, room.IsActive)
	assert.Nil(t, room.LastMessageAt)
	assert.Equal(t, "p1", room.PostingID)
	assert.Equal(t, start, room.CreatedAt)

	_, err = svc.Get(ctx, "stranger", "a1")
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = svc.Get(ctx, "musician", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newRoom returns a service over a store holding room "a1" between author
// and musician. The clock advances a second per read.
func newRoom(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	clock := start
	m := store.NewMemory(store.WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	app := &ensemble.Application{ID: "a1", PostingID: "p1", ApplicantID: "musician"}
	require.NoError(t, m.Attempt(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := Provision(ctx, tx, app, "author")
		return err
	}))

	runner := store.NewRunner(m, store.RunnerConfig{Attempts: 3, Delay: time.Millisecond}, discard())
	svc := NewService(m, runner)
	// IDs count down so ordering by ID would reverse the conversation.
	n := 1000
	svc.newID = func() string {
		n--
		return fmt.Sprintf("m%d", n)
	}
	return svc, m
}

func TestSendUpdatesRoom(t *testing.T) {
	ctx := context.Background()
	svc, _ := newRoom(t)

	first, err := svc.Send(ctx, "author", "a1", "  Welcome aboard  ")
	require.NoError(t, err)
	assert.Equal(t, "Welcome aboard", first.Text)
	assert.Equal(t, "author", first.SenderID)
	assert.Equal(t, "a1", first.RoomID)

	_, err = svc.Send(ctx, "author", "a1", "Rehearsal is Tuesday")
	require.NoError(t, err)

	room, err := svc.Get(ctx, "musician", "a1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"author": 0, "musician": 2}, room.UnreadCount)
	assert.Equal(t, "Rehearsal is Tuesday", room.LastMessage)
	require.NotNil(t, room.LastMessageAt)
	assert.True(t, room.LastMessageAt.After(first.CreatedAt))

	_, err = svc.Send(ctx, "musician", "a1", "See you there")
	require.NoError(t, err)
	room, err = svc.MarkRead(ctx, "musician", "a1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"author": 1, "musician": 0}, room.UnreadCount)

	room, err = svc.Get(ctx, "author", "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, room.UnreadCount["author"])
	assert.Equal(t, 0, room.UnreadCount["musician"], "mark read is persisted")
}

func TestSendRejections(t *testing.T) {
	ctx := context.Background()
	svc, m := newRoom(t)
	before, err := m.Pending(ctx, 0)
	require.NoError(t, err)

	_, err = svc.Send(ctx, "stranger", "a1", "hello")
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = svc.Send(ctx, "author", "missing", "hello")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Send(ctx, "author", "a1", "   ")
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = svc.Send(ctx, "author", "a1", strings.Repeat("x", maxMessageLength+1))
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = svc.MarkRead(ctx, "stranger", "a1")
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = svc.List(ctx, "stranger", "a1", 0)
	assert.ErrorIs(t, err, ErrNotParticipant)

	after, err := m.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before), "rejected sends must not write")

	room, err := svc.Get(ctx, "author", "a1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"author": 0, "musician": 0}, room.UnreadCount)
}

func TestSendToInactiveRoom(t *testing.T) {
	ctx := context.Background()
	svc, m := newRoom(t)
	require.NoError(t, m.Attempt(ctx, func(ctx context.Context, tx store.Tx) error {
		var room ensemble.ChatRoom
		if _, err := tx.Get(ctx, ensemble.ChatRooms, "a1", &room); err != nil {
			return err
		}
		room.IsActive = false
		return tx.Set(ctx, ensemble.ChatRooms, "a1", &room)
	}))

	_, err := svc.Send(ctx, "author", "a1", "anyone there?")
	assert.ErrorIs(t, err, ErrInactive)

	msgs, err := svc.List(ctx, "author", "a1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestListOldestFirst(t *testing.T) {
	ctx := context.Background()
	svc, _ := newRoom(t)
	lines := []struct{ from, text string }{
		{"author", "one"},
		{"musician", "two"},
		{"author", "three"},
		{"musician", "four"},
	}
	for _, l := range lines {
		_, err := svc.Send(ctx, l.from, "a1", l.text)
		require.NoError(t, err)
	}

	msgs, err := svc.List(ctx, "musician", "a1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, len(lines))
	for i, l := range lines {
		assert.Equal(t, l.text, msgs[i].Text)
		assert.Equal(t, l.from, msgs[i].SenderID)
	}

	msgs, err = svc.List(ctx, "author", "a1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Text)
	assert.Equal(t, "two", msgs[1].Text)
}
