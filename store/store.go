// Package store provides the document record store with optimistic transactions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrConflict reports that a concurrent commit changed a document the transaction read.
	ErrConflict = errors.New("store: transaction conflict")
	// ErrExists reports a Create against a document that already exists.
	ErrExists = errors.New("store: document already exists")
	// ErrContention reports that a transaction kept conflicting until its attempts ran out.
	ErrContention = errors.New("store: contention retries exhausted")
)

// Filter is an equality predicate on a top-level document field.
type Filter struct {
	Value any
	Field string
}

// Query selects documents from one collection.
// OrderBy names a top-level timestamp field.
type Query struct {
	Collection string
	OrderBy    string
	Where      []Filter
	Limit      int
	Desc       bool
}

// Eq is shorthand for an equality filter.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// Doc is a raw document returned by a query.
type Doc struct {
	ID      string
	Data    json.RawMessage
	Version int64
}

// Decode unmarshals the document body into v.
func (d Doc) Decode(v any) error {
	return json.Unmarshal(d.Data, v)
}

// Op is the kind of write recorded in the change log.
type Op string

// Change log operations.
const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Change is one committed document write. Data holds the document after a
// put and the document before a delete.
type Change struct {
	CommittedAt time.Time
	Collection  string
	ID          string
	Op          Op
	Data        json.RawMessage
	Seq         int64
}

// Tx is a single transaction attempt. Reads record the version they observed;
// writes are committed together with a check that none of those versions moved.
type Tx interface {
	// Get loads a document into dst and reports whether it exists.
	Get(ctx context.Context, collection, id string, dst any) (bool, error)
	// Query runs q and records every matching document in the read set.
	Query(ctx context.Context, q Query) ([]Doc, error)
	// Set writes a document, replacing any existing body.
	Set(ctx context.Context, collection, id string, v any) error
	// Create writes a document that must not exist yet.
	Create(ctx context.Context, collection, id string, v any) error
	// Delete removes a document if present.
	Delete(ctx context.Context, collection, id string) error
	// Now is the commit timestamp for this attempt.
	Now() time.Time
}

// TxFunc is the read-validate-write body of a transaction. It is re-run from
// scratch on every attempt and must not carry state between attempts.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is the record store consumed by the workflow and its subscribers.
type Store interface {
	// Attempt runs fn once and commits. It returns ErrConflict when a
	// concurrent commit invalidated the read set.
	Attempt(ctx context.Context, fn TxFunc) error
	// Get reads a document outside any transaction.
	Get(ctx context.Context, collection, id string, dst any) (bool, error)
	// Query reads documents outside any transaction.
	Query(ctx context.Context, q Query) ([]Doc, error)
	// Pending returns undelivered change log entries in commit order.
	Pending(ctx context.Context, limit int) ([]Change, error)
	// Ack marks change log entries as delivered.
	Ack(ctx context.Context, seqs ...int64) error
	Close() error
}
