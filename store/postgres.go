package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Postgres stores documents as JSONB rows and runs each attempt as a
// SERIALIZABLE transaction. Serialization failures surface as ErrConflict.
type Postgres struct {
	db    *sqlx.DB
	clock func() time.Time
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db, clock: time.Now}
}

// OpenPostgres connects to dsn and applies migrations.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := Migrate(db.DB); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(err, closeErr)
		}
		return nil, err
	}
	return NewPostgres(db), nil
}

type docRow struct {
	ID      string `db:"id"`
	Data    []byte `db:"data"`
	Version int64  `db:"version"`
}

type changeRow struct {
	CommittedAt time.Time `db:"committed_at"`
	Collection  string    `db:"collection"`
	ID          string    `db:"id"`
	Op          string    `db:"op"`
	Data        []byte    `db:"data"`
	Seq         int64     `db:"seq"`
}

// Attempt runs fn inside one database transaction.
func (p *Postgres) Attempt(ctx context.Context, fn TxFunc) error {
	sqlTx, err := p.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", classify(err))
	}
	tx := &pgTx{
		tx:    sqlTx,
		now:   p.clock().UTC(),
		reads: make(map[docKey]int64),
	}
	if err := fn(ctx, tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", classify(err))
	}
	return nil
}

// Get reads a single document.
func (p *Postgres) Get(ctx context.Context, collection, id string, dst any) (bool, error) {
	_, found, err := getDoc(ctx, p.db, collection, id, dst)
	return found, err
}

// Query returns documents matching q.
func (p *Postgres) Query(ctx context.Context, q Query) ([]Doc, error) {
	return queryDocs(ctx, p.db, q)
}

// Pending returns undelivered changes in commit order.
func (p *Postgres) Pending(ctx context.Context, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []changeRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT seq, collection, id, op, data, committed_at
		FROM document_changes
		WHERE dispatched_at IS NULL
		ORDER BY seq
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending changes: %w", err)
	}
	changes := make([]Change, len(rows))
	for i, r := range rows {
		changes[i] = Change{
			Seq:         r.Seq,
			Collection:  r.Collection,
			ID:          r.ID,
			Op:          Op(r.Op),
			Data:        r.Data,
			CommittedAt: r.CommittedAt,
		}
	}
	return changes, nil
}

// Ack marks changes as dispatched.
func (p *Postgres) Ack(ctx context.Context, seqs ...int64) error {
	if len(seqs) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx,
		`UPDATE document_changes SET dispatched_at = NOW() WHERE seq = ANY($1)`,
		pq.Array(seqs))
	if err != nil {
		return fmt.Errorf("ack changes: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}

type pgTx struct {
	now   time.Time
	tx    *sqlx.Tx
	reads map[docKey]int64
}

func (t *pgTx) Get(ctx context.Context, collection, id string, dst any) (bool, error) {
	version, found, err := getDoc(ctx, t.tx, collection, id, dst)
	if err != nil {
		return false, err
	}
	key := docKey{collection, id}
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = version
	}
	return found, nil
}

func (t *pgTx) Query(ctx context.Context, q Query) ([]Doc, error) {
	docs, err := queryDocs(ctx, t.tx, q)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		key := docKey{q.Collection, d.ID}
		if _, seen := t.reads[key]; !seen {
			t.reads[key] = d.Version
		}
	}
	return docs, nil
}

func (t *pgTx) Set(ctx context.Context, collection, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}

	if seen := t.reads[docKey{collection, id}]; seen > 0 {
		res, err := t.tx.ExecContext(ctx, `
			UPDATE documents SET data = $3, version = version + 1, updated_at = NOW()
			WHERE collection = $1 AND id = $2 AND version = $4`,
			collection, id, data, seen)
		if err != nil {
			return fmt.Errorf("update %s/%s: %w", collection, id, classify(err))
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("update %s/%s: %w", collection, id, err)
		} else if n == 0 {
			return fmt.Errorf("update %s/%s: %w", collection, id, ErrConflict)
		}
		// Later writes in this attempt see the bumped version.
		t.reads[docKey{collection, id}] = seen + 1
	} else {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3)
			ON CONFLICT (collection, id) DO UPDATE
			SET data = EXCLUDED.data, version = documents.version + 1, updated_at = NOW()`,
			collection, id, data)
		if err != nil {
			return fmt.Errorf("upsert %s/%s: %w", collection, id, classify(err))
		}
	}
	return t.logChange(ctx, collection, id, OpPut, data)
}

func (t *pgTx) Create(ctx context.Context, collection, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO NOTHING`,
		collection, id, data)
	if err != nil {
		return fmt.Errorf("insert %s/%s: %w", collection, id, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert %s/%s: %w", collection, id, err)
	}
	if n == 0 {
		return fmt.Errorf("create %s/%s: %w", collection, id, ErrExists)
	}
	t.reads[docKey{collection, id}] = 1
	return t.logChange(ctx, collection, id, OpPut, data)
}

func (t *pgTx) Delete(ctx context.Context, collection, id string) error {
	var before []byte
	err := t.tx.QueryRowxContext(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2 RETURNING data`,
		collection, id).Scan(&before)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, classify(err))
	}
	delete(t.reads, docKey{collection, id})
	return t.logChange(ctx, collection, id, OpDelete, before)
}

func (t *pgTx) Now() time.Time {
	return t.now
}

func (t *pgTx) logChange(ctx context.Context, collection, id string, op Op, data []byte) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO document_changes (collection, id, op, data, committed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		collection, id, string(op), data, t.now)
	if err != nil {
		return fmt.Errorf("log change %s/%s: %w", collection, id, classify(err))
	}
	return nil
}

func getDoc(ctx context.Context, q sqlx.QueryerContext, collection, id string, dst any) (int64, bool, error) {
	var row docRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT id, version, data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get %s/%s: %w", collection, id, classify(err))
	}
	if err := json.Unmarshal(row.Data, dst); err != nil {
		return 0, false, fmt.Errorf("unmarshal %s/%s: %w", collection, id, err)
	}
	return row.Version, true, nil
}

func queryDocs(ctx context.Context, q sqlx.QueryerContext, query Query) ([]Doc, error) {
	stmt, args, err := buildQuery(query)
	if err != nil {
		return nil, err
	}
	var rows []docRow
	if err := sqlx.SelectContext(ctx, q, &rows, stmt, args...); err != nil {
		return nil, fmt.Errorf("query %s: %w", query.Collection, classify(err))
	}
	docs := make([]Doc, len(rows))
	for i, r := range rows {
		docs[i] = Doc{ID: r.ID, Data: r.Data, Version: r.Version}
	}
	return docs, nil
}

// buildQuery turns equality filters into a JSONB containment predicate.
func buildQuery(q Query) (string, []any, error) {
	where := make(map[string]any, len(q.Where))
	for _, f := range q.Where {
		where[f.Field] = f.Value
	}
	filter, err := json.Marshal(where)
	if err != nil {
		return "", nil, fmt.Errorf("marshal filter: %w", err)
	}

	var b strings.Builder
	args := []any{q.Collection, string(filter)}
	b.WriteString("SELECT id, version, data FROM documents WHERE collection = $1 AND data @> $2::jsonb")
	if q.OrderBy != "" {
		args = append(args, q.OrderBy)
		fmt.Fprintf(&b, " ORDER BY (data->>$%d)::timestamptz", len(args))
		if q.Desc {
			b.WriteString(" DESC")
		}
		b.WriteString(", id")
	} else {
		b.WriteString(" ORDER BY id")
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args, nil
}

// classify maps serialization and deadlock failures to ErrConflict.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
		}
	}
	return err
}
