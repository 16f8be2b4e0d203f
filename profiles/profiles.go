// Package profiles stores the contact details of users.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	"ensemble-matcher/pkg/ensemble"
	"ensemble-matcher/store"
)

const maxDisplayName = 60

var (
	ErrNotFound = errors.New("profile not found")
	ErrInvalid  = errors.New("invalid profile")
)

// Runner executes a retried transaction.
type Runner interface {
	Run(ctx context.Context, name string, fn store.TxFunc) error
}

// Reader loads documents outside a transaction.
type Reader interface {
	Get(ctx context.Context, collection, id string, dst any) (bool, error)
}

// Service reads and writes profiles.
type Service struct {
	runner Runner
	reader Reader
}

// New creates a profile service.
func New(runner Runner, reader Reader) *Service {
	return &Service{runner: runner, reader: reader}
}

// Update is the editable part of a profile.
type Update struct {
	Email       string   `json:"email"`
	DisplayName string   `json:"displayName"`
	Instruments []string `json:"instruments,omitempty"`
	EmailOptOut bool     `json:"emailOptOut"`
}

// Get loads uid's profile.
func (s *Service) Get(ctx context.Context, uid string) (*ensemble.Profile, error) {
	var p ensemble.Profile
	found, err := s.reader.Get(ctx, ensemble.Users, uid, &p)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return &p, nil
}

// Put creates or replaces uid's profile.
func (s *Service) Put(ctx context.Context, uid string, u *Update) (*ensemble.Profile, error) {
	email := strings.TrimSpace(u.Email)
	if email != "" {
		addr, err := mail.ParseAddress(email)
		if err != nil || addr.Address != email {
			return nil, fmt.Errorf("%w: email address is malformed", ErrInvalid)
		}
	}
	name := strings.TrimSpace(u.DisplayName)
	if utf8.RuneCountInString(name) > maxDisplayName {
		return nil, fmt.Errorf("%w: displayName exceeds %d characters", ErrInvalid, maxDisplayName)
	}

	p := &ensemble.Profile{
		ID:          uid,
		Email:       email,
		DisplayName: name,
		Instruments: u.Instruments,
		EmailOptOut: u.EmailOptOut,
	}
	err := s.runner.Run(ctx, "profiles.put", func(ctx context.Context, tx store.Tx) error {
		p.UpdatedAt = tx.Now()
		return tx.Set(ctx, ensemble.Users, uid, p)
	})
	if err != nil {
		return nil, fmt.Errorf("save profile: %w", err)
	}
	return p, nil
}

// Lookup returns the address notification email for uid should go to, or
// "" when the user has none or opted out.
func (s *Service) Lookup(ctx context.Context, uid string) (string, error) {
	p, err := s.Get(ctx, uid)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if p.EmailOptOut {
		return "", nil
	}
	return p.Email, nil
}
