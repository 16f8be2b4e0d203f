package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

type docKey struct {
	collection string
	id         string
}

type record struct {
	data    json.RawMessage
	version int64
}

// Memory is an in-process Store used for local development and tests.
type Memory struct {
	docs    map[docKey]record
	clock   func() time.Time
	changes []Change
	version int64
	seq     int64
	mu      sync.RWMutex
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the commit timestamp source.
func WithClock(clock func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.clock = clock
	}
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		docs:  make(map[docKey]record),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attempt runs fn once against a fresh snapshot and commits its writes.
func (m *Memory) Attempt(ctx context.Context, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		m:      m,
		now:    m.clock().UTC(),
		reads:  make(map[docKey]int64),
		writes: make(map[docKey]*memWrite),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return m.commit(tx)
}

// Get reads a single document.
func (m *Memory) Get(_ context.Context, collection, id string, dst any) (bool, error) {
	m.mu.RLock()
	rec, ok := m.docs[docKey{collection, id}]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(rec.data, dst); err != nil {
		return false, fmt.Errorf("unmarshal %s/%s: %w", collection, id, err)
	}
	return true, nil
}

// Query returns documents matching q.
func (m *Memory) Query(_ context.Context, q Query) ([]Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scan(q)
}

// Pending returns undelivered changes in commit order.
func (m *Memory) Pending(_ context.Context, limit int) ([]Change, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.changes)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Change, n)
	copy(out, m.changes[:n])
	return out, nil
}

// Ack drops delivered changes from the log.
func (m *Memory) Ack(_ context.Context, seqs ...int64) error {
	if len(seqs) == 0 {
		return nil
	}
	done := make(map[int64]bool, len(seqs))
	for _, s := range seqs {
		done[s] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.changes[:0]
	for _, c := range m.changes {
		if !done[c.Seq] {
			kept = append(kept, c)
		}
	}
	m.changes = kept
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}

// scan must be called with m.mu held.
func (m *Memory) scan(q Query) ([]Doc, error) {
	want := make([]any, len(q.Where))
	for i, f := range q.Where {
		v, err := normalize(f.Value)
		if err != nil {
			return nil, fmt.Errorf("normalize filter %s: %w", f.Field, err)
		}
		want[i] = v
	}

	type hit struct {
		order time.Time
		doc   Doc
	}
	var hits []hit
	for key, rec := range m.docs {
		if key.collection != q.Collection {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal(rec.data, &fields); err != nil {
			return nil, fmt.Errorf("unmarshal %s/%s: %w", key.collection, key.id, err)
		}
		matched := true
		for i, f := range q.Where {
			if !reflect.DeepEqual(fields[f.Field], want[i]) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		h := hit{doc: Doc{ID: key.id, Data: rec.data, Version: rec.version}}
		if q.OrderBy != "" {
			if s, ok := fields[q.OrderBy].(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
					h.order = t
				}
			}
		}
		hits = append(hits, h)
	}

	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if !a.order.Equal(b.order) {
			if q.Desc {
				return a.order.After(b.order)
			}
			return a.order.Before(b.order)
		}
		return a.doc.ID < b.doc.ID
	})
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}

	docs := make([]Doc, len(hits))
	for i, h := range hits {
		docs[i] = h.doc
	}
	return docs, nil
}

func (m *Memory) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, seen := range tx.reads {
		if m.docs[key].version != seen {
			return fmt.Errorf("%w: %s/%s changed", ErrConflict, key.collection, key.id)
		}
	}
	for _, qr := range tx.queries {
		docs, err := m.scan(qr.q)
		if err != nil {
			return err
		}
		if len(docs) != len(qr.seen) {
			return fmt.Errorf("%w: query on %s changed", ErrConflict, qr.q.Collection)
		}
		for _, d := range docs {
			if v, ok := qr.seen[d.ID]; !ok || v != d.Version {
				return fmt.Errorf("%w: query on %s changed", ErrConflict, qr.q.Collection)
			}
		}
	}
	for _, key := range tx.order {
		if _, exists := m.docs[key]; exists && tx.writes[key].create {
			return fmt.Errorf("create %s/%s: %w", key.collection, key.id, ErrExists)
		}
	}

	for _, key := range tx.order {
		w := tx.writes[key]
		prev, exists := m.docs[key]
		if w.del {
			if !exists {
				continue
			}
			delete(m.docs, key)
			m.appendChange(key, OpDelete, prev.data, tx.now)
			continue
		}
		m.version++
		m.docs[key] = record{data: w.data, version: m.version}
		m.appendChange(key, OpPut, w.data, tx.now)
	}
	return nil
}

func (m *Memory) appendChange(key docKey, op Op, data json.RawMessage, at time.Time) {
	m.seq++
	m.changes = append(m.changes, Change{
		Seq:         m.seq,
		Collection:  key.collection,
		ID:          key.id,
		Op:          op,
		Data:        data,
		CommittedAt: at,
	})
}

type memWrite struct {
	data   json.RawMessage
	del    bool
	create bool
}

type queryRead struct {
	seen map[string]int64
	q    Query
}

// memTx buffers writes until commit. Queries do not observe buffered writes.
type memTx struct {
	now     time.Time
	m       *Memory
	reads   map[docKey]int64
	writes  map[docKey]*memWrite
	queries []queryRead
	order   []docKey
}

func (tx *memTx) Get(_ context.Context, collection, id string, dst any) (bool, error) {
	key := docKey{collection, id}
	if w, ok := tx.writes[key]; ok {
		if w.del {
			return false, nil
		}
		return true, json.Unmarshal(w.data, dst)
	}

	tx.m.mu.RLock()
	rec, ok := tx.m.docs[key]
	tx.m.mu.RUnlock()
	if _, seen := tx.reads[key]; !seen {
		tx.reads[key] = rec.version
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(rec.data, dst); err != nil {
		return false, fmt.Errorf("unmarshal %s/%s: %w", collection, id, err)
	}
	return true, nil
}

func (tx *memTx) Query(_ context.Context, q Query) ([]Doc, error) {
	tx.m.mu.RLock()
	docs, err := tx.m.scan(q)
	tx.m.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]int64, len(docs))
	for _, d := range docs {
		seen[d.ID] = d.Version
	}
	// A limited query can't prove absence beyond its window, so only
	// unlimited queries are revalidated as predicates.
	if q.Limit == 0 {
		tx.queries = append(tx.queries, queryRead{q: q, seen: seen})
	} else {
		for _, d := range docs {
			key := docKey{q.Collection, d.ID}
			if _, ok := tx.reads[key]; !ok {
				tx.reads[key] = d.Version
			}
		}
	}
	return docs, nil
}

func (tx *memTx) Set(_ context.Context, collection, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}
	tx.buffer(docKey{collection, id}, &memWrite{data: data})
	return nil
}

func (tx *memTx) Create(ctx context.Context, collection, id string, v any) error {
	key := docKey{collection, id}
	if w, ok := tx.writes[key]; ok && !w.del {
		return fmt.Errorf("create %s/%s: %w", collection, id, ErrExists)
	}
	var existing json.RawMessage
	found, err := tx.Get(ctx, collection, id, &existing)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("create %s/%s: %w", collection, id, ErrExists)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}
	tx.buffer(key, &memWrite{data: data, create: true})
	return nil
}

func (tx *memTx) Delete(_ context.Context, collection, id string) error {
	tx.buffer(docKey{collection, id}, &memWrite{del: true})
	return nil
}

func (tx *memTx) Now() time.Time {
	return tx.now
}

func (tx *memTx) buffer(key docKey, w *memWrite) {
	if _, ok := tx.writes[key]; !ok {
		tx.order = append(tx.order, key)
	}
	tx.writes[key] = w
}

// normalize converts a filter value to the shape encoding/json decodes into.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
