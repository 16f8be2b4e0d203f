package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"ensemble-matcher/pkg/ensemble"
	"ensemble-matcher/store"
)

// Index is where records end up.
type Index interface {
	Save(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id string) error
	IDs(ctx context.Context) ([]string, error)
}

// Reader queries documents outside a transaction.
type Reader interface {
	Query(ctx context.Context, q store.Query) ([]store.Doc, error)
}

// Indexer projects posting writes into the search index.
type Indexer struct {
	index  Index
	reader Reader
	logger *slog.Logger
}

// NewIndexer creates a posting indexer.
func NewIndexer(index Index, reader Reader, logger *slog.Logger) *Indexer {
	return &Indexer{index: index, reader: reader, logger: logger}
}

// NewRecord builds the index record of a posting.
func NewRecord(p *ensemble.Posting) *Record {
	instruments := make([]string, 0, len(p.RequiredInstruments))
	for _, ri := range p.RequiredInstruments {
		instruments = append(instruments, ri.Instrument)
	}
	skills := p.RequiredSkillLevel
	if skills == nil {
		skills = []string{}
	}

	rec := &Record{
		ObjectID:            p.ID,
		Title:               p.Title,
		TeamName:            p.TeamName,
		Repertoire:          p.Repertoire,
		Region:              p.Region,
		Status:              string(p.Status),
		CategoryMain:        p.CategoryMain,
		RequiredInstruments: instruments,
		RequiredSkillLevel:  skills,
		BookmarkCount:       p.BookmarkCount,
		TotalNeeded:         p.TotalNeeded,
		TotalFilled:         p.TotalFilled,
	}
	if p.ExpiresAt != nil {
		ms := p.ExpiresAt.UnixMilli()
		rec.ExpiresAt = &ms
	}
	if !p.CreatedAt.IsZero() {
		ms := p.CreatedAt.UnixMilli()
		rec.CreatedAt = &ms
	}
	return rec
}

// HandleChange mirrors one posting change log entry.
func (x *Indexer) HandleChange(ctx context.Context, change store.Change) error {
	if change.Op == store.OpDelete {
		if err := x.index.Delete(ctx, change.ID); err != nil {
			return fmt.Errorf("remove %s from index: %w", change.ID, err)
		}
		x.logger.Debug("Posting removed from index", "posting_id", change.ID)
		return nil
	}

	var p ensemble.Posting
	if err := json.Unmarshal(change.Data, &p); err != nil {
		return fmt.Errorf("decode posting change %s: %w", change.ID, err)
	}
	if p.ID == "" {
		p.ID = change.ID
	}
	if err := x.index.Save(ctx, NewRecord(&p)); err != nil {
		return fmt.Errorf("index posting %s: %w", p.ID, err)
	}
	return nil
}

// Reindex rewrites every posting's record and drops records whose posting
// no longer exists.
func (x *Indexer) Reindex(ctx context.Context) error {
	docs, err := x.reader.Query(ctx, store.Query{Collection: ensemble.Postings})
	if err != nil {
		return fmt.Errorf("query postings: %w", err)
	}

	live := make(map[string]bool, len(docs))
	var saved, failed int
	for _, d := range docs {
		live[d.ID] = true
		var p ensemble.Posting
		if err := d.Decode(&p); err != nil {
			x.logger.Warn("Skipping undecodable posting", "posting_id", d.ID, "error", err)
			failed++
			continue
		}
		if err := x.index.Save(ctx, NewRecord(&p)); err != nil {
			x.logger.Warn("Failed to index posting", "posting_id", d.ID, "error", err)
			failed++
			continue
		}
		saved++
	}

	ids, err := x.index.IDs(ctx)
	if err != nil {
		return fmt.Errorf("list index: %w", err)
	}
	var removed int
	for _, id := range ids {
		if live[id] {
			continue
		}
		if err := x.index.Delete(ctx, id); err != nil {
			x.logger.Warn("Failed to remove stale index record", "posting_id", id, "error", err)
			failed++
			continue
		}
		removed++
	}

	x.logger.Info("Reindex complete", "saved", saved, "removed", removed, "failed", failed)
	if failed > 0 {
		return fmt.Errorf("reindex: %d records failed", failed)
	}
	return nil
}
