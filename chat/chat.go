// Package chat provisions the two-party rooms opened on acceptance and
// carries the messages exchanged in them.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"ensemble-matcher/pkg/ensemble"
	"ensemble-matcher/store"
)

const (
	maxMessageLength   = 2000
	defaultMessageList = 100
	maxMessageList     = 500
)

var (
	ErrNotFound       = errors.New("chat room not found")
	ErrNotParticipant = errors.New("caller is not a participant of this chat room")
	ErrInactive       = errors.New("chat room is closed")
	ErrInvalidMessage = errors.New("invalid message")
)

// Provision creates the chat room for an accepted application unless it
// already exists. The room shares the application's ID, so repeated calls
// converge on one room.
func Provision(ctx context.Context, tx store.Tx, app *ensemble.Application, authorID string) (string, error) {
	var existing ensemble.ChatRoom
	found, err := tx.Get(ctx, ensemble.ChatRooms, app.ID, &existing)
	if err != nil {
		return "", fmt.Errorf("load chat room: %w", err)
	}
	if found {
		return app.ID, nil
	}

	room := &ensemble.ChatRoom{
		ID:            app.ID,
		ApplicationID: app.ID,
		PostingID:     app.PostingID,
		Participants:  []string{authorID, app.ApplicantID},
		LastMessage:   "",
		UnreadCount: map[string]int{
			authorID:        0,
			app.ApplicantID: 0,
		},
		CreatedAt: tx.Now(),
		IsActive:  true,
	}
	if err := tx.Create(ctx, ensemble.ChatRooms, room.ID, room); err != nil {
		return "", fmt.Errorf("create chat room: %w", err)
	}
	return room.ID, nil
}

// Reader loads documents outside a transaction.
type Reader interface {
	Get(ctx context.Context, collection, id string, dst any) (bool, error)
	Query(ctx context.Context, q store.Query) ([]store.Doc, error)
}

// Runner executes a retried transaction.
type Runner interface {
	Run(ctx context.Context, name string, fn store.TxFunc) error
}

// Service serves chat rooms and their messages to participants.
type Service struct {
	store  Reader
	runner Runner
	newID  func() string
}

// NewService creates a chat service.
func NewService(s Reader, runner Runner) *Service {
	return &Service{store: s, runner: runner, newID: uuid.NewString}
}

// Get returns a chat room if uid participates in it.
func (s *Service) Get(ctx context.Context, uid, id string) (*ensemble.ChatRoom, error) {
	var room ensemble.ChatRoom
	found, err := s.store.Get(ctx, ensemble.ChatRooms, id, &room)
	if err != nil {
		return nil, fmt.Errorf("load chat room: %w", err)
	}
	if err := authorize(&room, found, uid); err != nil {
		return nil, err
	}
	return &room, nil
}

func authorize(room *ensemble.ChatRoom, found bool, uid string) error {
	if !found {
		return ErrNotFound
	}
	if !room.HasParticipant(uid) {
		return ErrNotParticipant
	}
	return nil
}

// loadRoom reads a room inside tx and checks uid belongs to it.
func loadRoom(ctx context.Context, tx store.Tx, uid, id string) (*ensemble.ChatRoom, error) {
	var room ensemble.ChatRoom
	found, err := tx.Get(ctx, ensemble.ChatRooms, id, &room)
	if err != nil {
		return nil, fmt.Errorf("load chat room: %w", err)
	}
	if err := authorize(&room, found, uid); err != nil {
		return nil, err
	}
	return &room, nil
}

// Send posts text to a room from uid. The message insert, the room's
// last-message preview and every other participant's unread count commit
// together.
func (s *Service) Send(ctx context.Context, uid, roomID, text string) (*ensemble.ChatMessage, error) {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return nil, fmt.Errorf("%w: text is required", ErrInvalidMessage)
	case utf8.RuneCountInString(text) > maxMessageLength:
		return nil, fmt.Errorf("%w: text exceeds %d characters", ErrInvalidMessage, maxMessageLength)
	}

	msg := &ensemble.ChatMessage{ID: s.newID(), RoomID: roomID, SenderID: uid, Text: text}
	err := s.runner.Run(ctx, "chat.send", func(ctx context.Context, tx store.Tx) error {
		room, err := loadRoom(ctx, tx, uid, roomID)
		if err != nil {
			return err
		}
		if !room.IsActive {
			return ErrInactive
		}

		now := tx.Now()
		msg.CreatedAt = now
		if err := tx.Create(ctx, ensemble.ChatMessages, msg.ID, msg); err != nil {
			return fmt.Errorf("create message: %w", err)
		}

		room.LastMessage = text
		room.LastMessageAt = &now
		if room.UnreadCount == nil {
			room.UnreadCount = make(map[string]int, len(room.Participants))
		}
		for _, p := range room.Participants {
			if p != uid {
				room.UnreadCount[p]++
			}
		}
		return tx.Set(ctx, ensemble.ChatRooms, room.ID, room)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// List returns up to limit messages of a room, oldest first.
func (s *Service) List(ctx context.Context, uid, roomID string, limit int) ([]ensemble.ChatMessage, error) {
	if _, err := s.Get(ctx, uid, roomID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxMessageList {
		limit = defaultMessageList
	}
	docs, err := s.store.Query(ctx, store.Query{
		Collection: ensemble.ChatMessages,
		Where:      []store.Filter{store.Eq("roomId", roomID)},
		OrderBy:    "createdAt",
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	out := make([]ensemble.ChatMessage, 0, len(docs))
	for _, d := range docs {
		var m ensemble.ChatMessage
		if err := d.Decode(&m); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", d.ID, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// MarkRead clears uid's unread count in a room.
func (s *Service) MarkRead(ctx context.Context, uid, roomID string) (*ensemble.ChatRoom, error) {
	var room *ensemble.ChatRoom
	err := s.runner.Run(ctx, "chat.markRead", func(ctx context.Context, tx store.Tx) error {
		var err error
		if room, err = loadRoom(ctx, tx, uid, roomID); err != nil {
			return err
		}
		if room.UnreadCount[uid] == 0 {
			return nil
		}
		room.UnreadCount[uid] = 0
		return tx.Set(ctx, ensemble.ChatRooms, room.ID, room)
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}
