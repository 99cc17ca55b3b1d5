// Package sqlitestore is a document store on SQLite. Paths with an even number
// of segments are documents (one row each, JSON body); odd paths are
// collections. Listings are compiled to SQL with goqu and filter on
// json_extract over the body.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/maxpert/livebind/hlc"
	"github.com/maxpert/livebind/id"
	"github.com/maxpert/livebind/notify"
	"github.com/maxpert/livebind/query"
	"github.com/maxpert/livebind/store"
	"github.com/maxpert/livebind/treepath"
	"github.com/maxpert/livebind/value"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const tableDocuments = "documents"

const schema = `CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	body       TEXT NOT NULL,
	PRIMARY KEY (collection, id)
)`

var dialect = goqu.Dialect("sqlite3")

// Store is safe for concurrent use.
type Store struct {
	db       *sql.DB
	path     string
	ids      id.Generator
	watchers *store.Watchers
	closed   atomic.Bool
}

// Open opens or creates the database file at path.
func Open(path string, ids id.Generator) (*Store, error) {
	if ids == nil {
		ids = id.NewHLCGenerator(hlc.NewClock(0))
	}

	// _txlock=immediate takes the write lock at BEGIN so read-modify-write
	// transactions never fail on lock upgrade.
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	} else {
		dsn += "?_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &Store{db: db, path: path, ids: ids}
	s.watchers = store.NewWatchers(notify.NewHub(), s.Read)

	log.Info().Str("path", path).Msg("Opened sqlite document store")
	return s, nil
}

var _ store.Store = (*Store)(nil)

func (s *Store) Read(ctx context.Context, q query.Query) (store.Snapshot, error) {
	if err := s.check(ctx); err != nil {
		return store.Snapshot{}, err
	}

	segs := treepath.Split(q.Path)
	if len(segs)%2 == 1 {
		docs, err := s.list(ctx, strings.Join(segs, "/"), q)
		if err != nil {
			return store.Snapshot{}, err
		}
		return store.Snapshot{Path: q.Path, Exists: len(docs) > 0, Children: docs}, nil
	}
	if len(segs) == 0 {
		return store.Snapshot{}, fmt.Errorf("read of root: %w", store.ErrUnsupported)
	}

	v, ok, err := getDoc(ctx, s.db, segs)
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.FromTree(q, v, ok), nil
}

func (s *Store) Subscribe(q query.Query, fn store.Handler) (func(), error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	return s.watchers.Watch(q, fn)
}

func (s *Store) Set(ctx context.Context, p string, v value.Value) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	segs, err := docSegments(p)
	if err != nil {
		return err
	}
	if err := store.CheckValue(v); err != nil {
		return err
	}

	if value.IsNull(v) {
		err = deleteDoc(ctx, s.db, segs)
	} else {
		err = putDoc(ctx, s.db, segs, v)
	}
	return s.done(p, err)
}

func (s *Store) Update(ctx context.Context, p string, fields value.Node) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := store.CheckValue(fields); err != nil {
		return err
	}

	_, err := s.Transact(ctx, p, func(cur value.Value) (value.Value, error) {
		base, _ := cur.(value.Node)
		return value.Merge(base, fields), nil
	})
	return err
}

func (s *Store) Delete(ctx context.Context, p string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	segs := treepath.Split(p)
	var err error
	if len(segs)%2 == 1 {
		var stmt string
		var args []interface{}
		stmt, args, err = dialect.Delete(tableDocuments).Prepared(true).
			Where(goqu.C("collection").Eq(strings.Join(segs, "/"))).ToSQL()
		if err == nil {
			_, err = s.db.ExecContext(ctx, stmt, args...)
		}
	} else {
		segs, err = docSegments(p)
		if err == nil {
			err = deleteDoc(ctx, s.db, segs)
		}
	}
	return s.done(p, err)
}

func (s *Store) NewID() string {
	return s.ids.NextID()
}

func (s *Store) Transact(ctx context.Context, p string, fn store.TxnFunc) (value.Value, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	segs, err := docSegments(p)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cur, _, err := getDoc(ctx, tx, segs)
	if err != nil {
		return nil, err
	}
	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if err := store.CheckValue(next); err != nil {
		return nil, err
	}

	if value.IsNull(next) {
		err = deleteDoc(ctx, tx, segs)
	} else {
		err = putDoc(ctx, tx, segs, next)
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.watchers.Signal(p)
	return next, nil
}

// Close stops watchers and closes the database. Safe to call twice.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.watchers.Close()
	return s.db.Close()
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return ctx.Err()
}

func (s *Store) done(p string, err error) error {
	if err != nil {
		return err
	}
	s.watchers.Signal(p)
	return nil
}

// list reads a collection. Filters, ordering and limit run in SQL when every
// operand is a scalar; otherwise rows are filtered in process.
func (s *Store) list(ctx context.Context, collection string, q query.Query) ([]query.Doc, error) {
	pushdown := scalarOperands(q)

	ds := dialect.From(tableDocuments).Prepared(true).
		Select("id", "body").
		Where(goqu.C("collection").Eq(collection))
	if pushdown {
		ds = compile(ds, q)
	}

	stmt, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build listing for %s: %w", collection, err)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	defer rows.Close()

	docs := make([]query.Doc, 0)
	for rows.Next() {
		var docID, body string
		if err := rows.Scan(&docID, &body); err != nil {
			return nil, err
		}
		v, err := value.ParseJSON([]byte(body))
		if err != nil {
			return nil, fmt.Errorf("corrupt document %s/%s: %w", collection, docID, err)
		}
		docs = append(docs, query.Doc{ID: docID, Value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if !pushdown {
		docs = q.Apply(docs)
	}
	return docs, nil
}

func compile(ds *goqu.SelectDataset, q query.Query) *goqu.SelectDataset {
	for _, f := range q.Active() {
		field := goqu.L("json_extract(body, ?)", "$."+f.Field)
		ds = ds.Where(compare(field, f.Op, sqlArg(f.Value)))
	}

	idOrder := goqu.C("id").Asc()
	if q.Direction == query.Desc {
		idOrder = goqu.C("id").Desc()
	}
	if q.OrderBy != "" {
		field := goqu.L("json_extract(body, ?)", "$."+q.OrderBy)
		if q.Direction == query.Desc {
			ds = ds.Order(field.Desc(), idOrder)
		} else {
			ds = ds.Order(field.Asc(), idOrder)
		}
	} else {
		ds = ds.Order(idOrder)
	}

	if q.Limit > 0 {
		ds = ds.Limit(uint(q.Limit))
	}
	return ds
}

func compare(field exp.LiteralExpression, op query.Op, arg interface{}) exp.Expression {
	switch op {
	case query.OpNeq:
		return field.Neq(arg)
	case query.OpLt:
		return field.Lt(arg)
	case query.OpLte:
		return field.Lte(arg)
	case query.OpGt:
		return field.Gt(arg)
	case query.OpGte:
		return field.Gte(arg)
	default:
		return field.Eq(arg)
	}
}

func scalarOperands(q query.Query) bool {
	for _, f := range q.Active() {
		switch f.Value.(type) {
		case value.Bool, value.Int, value.Float, value.String:
		default:
			return false
		}
	}
	return true
}

// sqlArg maps an operand to what json_extract yields for it; JSON booleans
// come back as 1 and 0.
func sqlArg(v value.Value) interface{} {
	switch t := v.(type) {
	case value.Bool:
		if t {
			return int64(1)
		}
		return int64(0)
	case value.Int:
		return int64(t)
	case value.Float:
		return float64(t)
	case value.String:
		return string(t)
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func getDoc(ctx context.Context, q querier, segs []string) (value.Value, bool, error) {
	collection, docID := splitDoc(segs)
	stmt, args, err := dialect.From(tableDocuments).Prepared(true).
		Select("body").
		Where(goqu.C("collection").Eq(collection), goqu.C("id").Eq(docID)).
		ToSQL()
	if err != nil {
		return nil, false, err
	}

	var body string
	err = q.QueryRowContext(ctx, stmt, args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return value.Null{}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s/%s: %w", collection, docID, err)
	}

	v, err := value.ParseJSON([]byte(body))
	if err != nil {
		return nil, false, fmt.Errorf("corrupt document %s/%s: %w", collection, docID, err)
	}
	return v, true, nil
}

func putDoc(ctx context.Context, q querier, segs []string, v value.Value) error {
	if _, ok := v.(value.Node); !ok {
		return fmt.Errorf("document %s must be a node, got %s", strings.Join(segs, "/"), v.Kind())
	}
	body, err := value.MarshalJSON(v)
	if err != nil {
		return err
	}

	collection, docID := splitDoc(segs)
	stmt, args, err := dialect.Insert(tableDocuments).Prepared(true).
		Rows(goqu.Record{"collection": collection, "id": docID, "body": string(body)}).
		OnConflict(goqu.DoUpdate("collection, id", goqu.Record{"body": goqu.L("excluded.body")})).
		ToSQL()
	if err != nil {
		return err
	}

	if _, err := q.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", collection, docID, err)
	}
	return nil
}

func deleteDoc(ctx context.Context, q querier, segs []string) error {
	collection, docID := splitDoc(segs)
	stmt, args, err := dialect.Delete(tableDocuments).Prepared(true).
		Where(goqu.C("collection").Eq(collection), goqu.C("id").Eq(docID)).
		ToSQL()
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, stmt, args...)
	return err
}

func docSegments(p string) ([]string, error) {
	segs := treepath.Split(p)
	if len(segs) == 0 || len(segs)%2 == 1 {
		return nil, fmt.Errorf("%q is not a document path: %w", p, store.ErrUnsupported)
	}
	return segs, nil
}

func splitDoc(segs []string) (collection, docID string) {
	return strings.Join(segs[:len(segs)-1], "/"), segs[len(segs)-1]
}
