// Package postings creates, edits, lists and closes ensemble postings.
package postings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"ensemble-matcher/capacity"
	"ensemble-matcher/pkg/ensemble"
	"ensemble-matcher/store"
)

const (
	maxTitleLength       = 120
	maxDescriptionLength = 5000
	maxSlotCount         = 100
	defaultListLimit     = 50
	maxListLimit         = 200
)

var (
	ErrInvalid   = errors.New("invalid posting")
	ErrNotFound  = errors.New("posting not found")
	ErrNotAuthor = errors.New("caller is not the posting author")
)

// Runner executes a retried transaction.
type Runner interface {
	Run(ctx context.Context, name string, fn store.TxFunc) error
}

// Reader queries documents outside a transaction.
type Reader interface {
	Get(ctx context.Context, collection, id string, dst any) (bool, error)
	Query(ctx context.Context, q store.Query) ([]store.Doc, error)
}

// Service manages postings.
type Service struct {
	runner Runner
	reader Reader
	logger *slog.Logger
	newID  func() string
	now    func() time.Time
}

// New creates a posting service.
func New(runner Runner, reader Reader, logger *slog.Logger) *Service {
	return &Service{
		runner: runner,
		reader: reader,
		logger: logger,
		newID:  uuid.NewString,
		now:    time.Now,
	}
}

// Slot is one requested instrument group in a CreateRequest.
type Slot struct {
	Instrument string `json:"instrument"`
	Count      int    `json:"count"`
}

// CreateRequest is the payload for a new posting.
type CreateRequest struct {
	ExpiresAt                  *time.Time `json:"expiresAt,omitempty"`
	Title                      string     `json:"title"`
	TeamName                   string     `json:"teamName"`
	CategoryMain               string     `json:"categoryMain"`
	CategorySub                string     `json:"categorySub,omitempty"`
	Repertoire                 string     `json:"repertoire,omitempty"`
	Region                     string     `json:"region,omitempty"`
	RehearsalFrequency         string     `json:"rehearsalFrequency,omitempty"`
	Description                string     `json:"description,omitempty"`
	RequiredSkillLevel         []string   `json:"requiredSkillLevel,omitempty"`
	RequiredInstruments        []Slot     `json:"requiredInstruments"`
	AutoCloseWhenFilled        bool       `json:"autoCloseWhenFilled"`
	AllowReapplyAfterRejection bool       `json:"allowReapplyAfterRejection"`
}

func (r *CreateRequest) validate(now time.Time) error {
	title := strings.TrimSpace(r.Title)
	switch {
	case title == "":
		return fmt.Errorf("%w: title is required", ErrInvalid)
	case utf8.RuneCountInString(title) > maxTitleLength:
		return fmt.Errorf("%w: title exceeds %d characters", ErrInvalid, maxTitleLength)
	case strings.TrimSpace(r.TeamName) == "":
		return fmt.Errorf("%w: teamName is required", ErrInvalid)
	case utf8.RuneCountInString(r.Description) > maxDescriptionLength:
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalid, maxDescriptionLength)
	case r.ExpiresAt != nil && !r.ExpiresAt.After(now):
		return fmt.Errorf("%w: expiresAt must be in the future", ErrInvalid)
	}

	switch r.CategoryMain {
	case ensemble.CategoryChamber, ensemble.CategoryOrchestra, ensemble.CategoryOther:
	default:
		return fmt.Errorf("%w: unknown category %q", ErrInvalid, r.CategoryMain)
	}

	if len(r.RequiredInstruments) == 0 {
		return fmt.Errorf("%w: at least one instrument slot is required", ErrInvalid)
	}
	seen := make(map[string]bool, len(r.RequiredInstruments))
	for _, s := range r.RequiredInstruments {
		name := strings.TrimSpace(s.Instrument)
		if name == "" {
			return fmt.Errorf("%w: instrument name is required", ErrInvalid)
		}
		if seen[name] {
			return fmt.Errorf("%w: instrument %q listed twice", ErrInvalid, name)
		}
		seen[name] = true
		if s.Count < 1 || s.Count > maxSlotCount {
			return fmt.Errorf("%w: count for %q must be between 1 and %d", ErrInvalid, name, maxSlotCount)
		}
	}
	return nil
}

// Create stores a new open posting authored by uid.
func (s *Service) Create(ctx context.Context, uid string, req *CreateRequest) (*ensemble.Posting, error) {
	if err := req.validate(s.now()); err != nil {
		return nil, err
	}

	slots := make([]ensemble.RequiredInstrument, 0, len(req.RequiredInstruments))
	for _, r := range req.RequiredInstruments {
		slots = append(slots, ensemble.RequiredInstrument{Instrument: strings.TrimSpace(r.Instrument), Count: r.Count})
	}

	p := &ensemble.Posting{
		ID:                         s.newID(),
		AuthorID:                   uid,
		Title:                      strings.TrimSpace(req.Title),
		TeamName:                   strings.TrimSpace(req.TeamName),
		CategoryMain:               req.CategoryMain,
		CategorySub:                req.CategorySub,
		Repertoire:                 req.Repertoire,
		Region:                     req.Region,
		RehearsalFrequency:         req.RehearsalFrequency,
		Description:                req.Description,
		RequiredSkillLevel:         req.RequiredSkillLevel,
		RequiredInstruments:        slots,
		TotalNeeded:                capacity.TotalNeeded(slots),
		ExpiresAt:                  req.ExpiresAt,
		Status:                     ensemble.PostingOpen,
		AutoCloseWhenFilled:        req.AutoCloseWhenFilled,
		AllowReapplyAfterRejection: req.AllowReapplyAfterRejection,
	}

	err := s.runner.Run(ctx, "postings.create", func(ctx context.Context, tx store.Tx) error {
		now := tx.Now()
		p.CreatedAt = now
		p.UpdatedAt = now
		return tx.Create(ctx, ensemble.Postings, p.ID, p)
	})
	if err != nil {
		return nil, fmt.Errorf("create posting: %w", err)
	}

	s.logger.Info("Posting created", "posting_id", p.ID, "author", uid, "total_needed", p.TotalNeeded)
	return p, nil
}

// Get loads one posting.
func (s *Service) Get(ctx context.Context, id string) (*ensemble.Posting, error) {
	var p ensemble.Posting
	found, err := s.reader.Get(ctx, ensemble.Postings, id, &p)
	if err != nil {
		return nil, fmt.Errorf("load posting: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return &p, nil
}

// ListOpen returns open postings, newest first.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]ensemble.Posting, error) {
	return s.list(ctx, limit, store.Eq("status", ensemble.PostingOpen))
}

// ListByAuthor returns every posting uid created, newest first.
func (s *Service) ListByAuthor(ctx context.Context, uid string, limit int) ([]ensemble.Posting, error) {
	return s.list(ctx, limit, store.Eq("authorId", uid))
}

func (s *Service) list(ctx context.Context, limit int, where ...store.Filter) ([]ensemble.Posting, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	docs, err := s.reader.Query(ctx, store.Query{
		Collection: ensemble.Postings,
		Where:      where,
		OrderBy:    "createdAt",
		Desc:       true,
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("query postings: %w", err)
	}
	out := make([]ensemble.Posting, 0, len(docs))
	for _, d := range docs {
		var p ensemble.Posting
		if err := d.Decode(&p); err != nil {
			return nil, fmt.Errorf("decode posting %s: %w", d.ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Close stops recruiting on a posting. Only its author may close it, and
// closing a closed posting is a no-op.
func (s *Service) Close(ctx context.Context, uid, id string) (*ensemble.Posting, error) {
	var p ensemble.Posting
	err := s.runner.Run(ctx, "postings.close", func(ctx context.Context, tx store.Tx) error {
		p = ensemble.Posting{}
		found, err := tx.Get(ctx, ensemble.Postings, id, &p)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if p.AuthorID != uid {
			return ErrNotAuthor
		}
		if p.Status == ensemble.PostingClosed {
			return nil
		}
		p.Status = ensemble.PostingClosed
		p.UpdatedAt = tx.Now()
		return tx.Set(ctx, ensemble.Postings, p.ID, &p)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Posting closed", "posting_id", id, "author", uid)
	return &p, nil
}

// Patch edits the descriptive fields of a posting. Nil fields are left
// unchanged. Slot counts, counters and status are not editable here: they
// belong to the application workflow.
type Patch struct {
	ExpiresAt          *time.Time `json:"expiresAt,omitempty"`
	Title              *string    `json:"title,omitempty"`
	TeamName           *string    `json:"teamName,omitempty"`
	CategoryMain       *string    `json:"categoryMain,omitempty"`
	CategorySub        *string    `json:"categorySub,omitempty"`
	Repertoire         *string    `json:"repertoire,omitempty"`
	Region             *string    `json:"region,omitempty"`
	RehearsalFrequency *string    `json:"rehearsalFrequency,omitempty"`
	Description        *string    `json:"description,omitempty"`
	RequiredSkillLevel *[]string  `json:"requiredSkillLevel,omitempty"`
}

func (pt *Patch) apply(p *ensemble.Posting) {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	set(&p.Title, pt.Title)
	set(&p.TeamName, pt.TeamName)
	set(&p.CategoryMain, pt.CategoryMain)
	set(&p.CategorySub, pt.CategorySub)
	set(&p.Repertoire, pt.Repertoire)
	set(&p.Region, pt.Region)
	set(&p.RehearsalFrequency, pt.RehearsalFrequency)
	if pt.Description != nil {
		p.Description = *pt.Description
	}
	if pt.RequiredSkillLevel != nil {
		p.RequiredSkillLevel = *pt.RequiredSkillLevel
	}
	if pt.ExpiresAt != nil {
		p.ExpiresAt = pt.ExpiresAt
	}
}

// check validates an edited posting with the creation rules. An unchanged
// deadline is not re-checked, so a lapsed posting can still be reworded.
func (pt *Patch) check(p *ensemble.Posting, now time.Time) error {
	req := CreateRequest{
		ExpiresAt:    pt.ExpiresAt,
		Title:        p.Title,
		TeamName:     p.TeamName,
		CategoryMain: p.CategoryMain,
		Description:  p.Description,
	}
	for _, slot := range p.RequiredInstruments {
		req.RequiredInstruments = append(req.RequiredInstruments, Slot{Instrument: slot.Instrument, Count: slot.Count})
	}
	return req.validate(now)
}

// Update applies an author's edit to a posting. The posting is re-read on
// every attempt, so a concurrent accept's capacity change is never
// overwritten.
func (s *Service) Update(ctx context.Context, uid, id string, patch *Patch) (*ensemble.Posting, error) {
	var p ensemble.Posting
	err := s.runner.Run(ctx, "postings.update", func(ctx context.Context, tx store.Tx) error {
		p = ensemble.Posting{}
		found, err := tx.Get(ctx, ensemble.Postings, id, &p)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if p.AuthorID != uid {
			return ErrNotAuthor
		}
		patch.apply(&p)
		if err := patch.check(&p, s.now()); err != nil {
			return err
		}
		p.UpdatedAt = tx.Now()
		return tx.Set(ctx, ensemble.Postings, p.ID, &p)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Posting updated", "posting_id", id, "author", uid)
	return &p, nil
}
