// Package capacity validates and updates a posting's per-instrument slot accounting.
package capacity

import (
	"errors"
	"fmt"
	"time"

	"ensemble-matcher/pkg/ensemble"
)

var (
	ErrPostingClosed        = errors.New("posting is not open")
	ErrPostingExpired       = errors.New("posting deadline has passed")
	ErrInstrumentNotOffered = errors.New("instrument is not offered by this posting")
	ErrSlotFull             = errors.New("instrument slot is full")
	ErrReapplyBlocked       = errors.New("posting does not accept applicants after rejection")
	ErrDuplicatePending     = errors.New("a pending application for this instrument already exists")
)

// Index returns the position of instrument in the posting's slot list, or -1.
func Index(p *ensemble.Posting, instrument string) int {
	for i, ri := range p.RequiredInstruments {
		if ri.Instrument == instrument {
			return i
		}
	}
	return -1
}

// CheckApply validates that the posting can take a new application for
// instrument. A posting stops taking applications at the expiresAt instant.
func CheckApply(p *ensemble.Posting, instrument string, now time.Time) error {
	if p.Status != ensemble.PostingOpen {
		return ErrPostingClosed
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return ErrPostingExpired
	}
	if Index(p, instrument) < 0 {
		return fmt.Errorf("%w: %s", ErrInstrumentNotOffered, instrument)
	}
	return nil
}

// CheckHistory applies the reapply ban and duplicate suppression against the
// applicant's existing applications for the posting. The ban covers every
// instrument; duplicate suppression is per instrument.
func CheckHistory(p *ensemble.Posting, existing []ensemble.Application, instrument string) error {
	if !p.AllowReapplyAfterRejection {
		for i := range existing {
			if existing[i].Status == ensemble.StatusRejected {
				return ErrReapplyBlocked
			}
		}
	}
	for i := range existing {
		if existing[i].Status == ensemble.StatusPending && existing[i].AppliedInstrument == instrument {
			return ErrDuplicatePending
		}
	}
	return nil
}

// Admit records a new pending applicant. Slots are not claimed until accept.
func Admit(p *ensemble.Posting, now time.Time) {
	p.ApplicantCount++
	p.UpdatedAt = now
}

// Fill claims one slot for instrument on accept. It fails without mutating p
// when the slot is full or the posting is closed.
func Fill(p *ensemble.Posting, instrument string, now time.Time) error {
	i := Index(p, instrument)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrInstrumentNotOffered, instrument)
	}
	if p.RequiredInstruments[i].Filled >= p.RequiredInstruments[i].Count {
		return fmt.Errorf("%w: %s", ErrSlotFull, instrument)
	}
	if p.Status != ensemble.PostingOpen {
		return ErrPostingClosed
	}

	p.RequiredInstruments[i].Filled++
	p.TotalFilled = totalFilled(p)
	if p.AutoCloseWhenFilled && AllFilled(p) {
		p.Status = ensemble.PostingClosed
	}
	p.AcceptedCount++
	decrementApplicants(p)
	p.UpdatedAt = now
	return nil
}

// Release removes a pending applicant after cancel or reject.
func Release(p *ensemble.Posting, now time.Time) {
	decrementApplicants(p)
	p.UpdatedAt = now
}

// AllFilled reports whether every instrument slot has reached its count.
func AllFilled(p *ensemble.Posting) bool {
	for _, ri := range p.RequiredInstruments {
		if ri.Filled < ri.Count {
			return false
		}
	}
	return true
}

// Remaining returns the number of unfilled slots across all instruments.
func Remaining(p *ensemble.Posting) int {
	n := 0
	for _, ri := range p.RequiredInstruments {
		if ri.Filled < ri.Count {
			n += ri.Count - ri.Filled
		}
	}
	return n
}

// TotalNeeded sums the slot counts of the given instruments.
func TotalNeeded(instruments []ensemble.RequiredInstrument) int {
	n := 0
	for _, ri := range instruments {
		n += ri.Count
	}
	return n
}

// Validate checks the accounting invariants of a posting.
func Validate(p *ensemble.Posting) error {
	sum := 0
	for _, ri := range p.RequiredInstruments {
		if ri.Filled < 0 || ri.Filled > ri.Count {
			return fmt.Errorf("instrument %s filled %d of %d", ri.Instrument, ri.Filled, ri.Count)
		}
		sum += ri.Filled
	}
	if sum != p.TotalFilled {
		return fmt.Errorf("totalFilled %d does not match slot sum %d", p.TotalFilled, sum)
	}
	if p.TotalFilled > p.TotalNeeded {
		return fmt.Errorf("totalFilled %d exceeds totalNeeded %d", p.TotalFilled, p.TotalNeeded)
	}
	if p.ApplicantCount < 0 || p.AcceptedCount < 0 || p.BookmarkCount < 0 {
		return errors.New("negative counter")
	}
	return nil
}

func totalFilled(p *ensemble.Posting) int {
	n := 0
	for _, ri := range p.RequiredInstruments {
		n += ri.Filled
	}
	return n
}

func decrementApplicants(p *ensemble.Posting) {
	if p.ApplicantCount > 0 {
		p.ApplicantCount--
	}
}
