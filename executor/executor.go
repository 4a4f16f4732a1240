// Package executor runs statements on a worker pool against an embedded
// SQLite store and hands results back to the connection engine through
// the traffic-cop contract: Submit schedules, a callback announces
// completion on a worker goroutine, Collect retrieves the result on the
// event loop.
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tealdb/teal/protocol"
)

// Backend owns the store and the worker pool shared by every session.
type Backend struct {
	db   *sql.DB
	pool *ants.Pool
	log  *zap.Logger
}

// NewBackend opens the store at path and creates a worker pool of at
// most workers goroutines.
func NewBackend(path string, workers int, log *zap.Logger) (*Backend, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("executor: open store: %w", err)
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("executor: worker pool: %w", err)
	}
	return &Backend{db: db, pool: pool, log: log}, nil
}

// DB exposes the store for bootstrap statements.
func (b *Backend) DB() *sql.DB { return b.db }

// NewCop returns a per-session traffic cop on the shared pool.
func (b *Backend) NewCop() *Cop {
	return &Cop{backend: b}
}

// Close releases the pool and the store.
func (b *Backend) Close() error {
	b.pool.Release()
	return b.db.Close()
}

// Cop schedules one session's statements. At most one statement is in
// flight at a time; the protocol serializes the rest behind
// ReadyForQuery.
type Cop struct {
	backend *Backend
	cb      func()

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	result  *protocol.QueryResult
}

// SetTaskCallback implements protocol.TrafficCop.
func (c *Cop) SetTaskCallback(cb func()) { c.cb = cb }

// Submit implements protocol.TrafficCop. The statement runs on a pool
// worker; when it finishes the task callback fires.
func (c *Cop) Submit(stmt string, params ...[]byte) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("executor: a statement is already executing")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()
	statementsInFlight.Inc()

	err := c.backend.pool.Submit(func() {
		res := c.backend.run(ctx, stmt, params)
		c.mu.Lock()
		c.result = res
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		statementsInFlight.Dec()
		c.cb()
	})
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		statementsInFlight.Dec()
		return fmt.Errorf("executor: submit: %w", err)
	}
	return nil
}

// Collect implements protocol.TrafficCop. It returns nil when no result
// is waiting.
func (c *Cop) Collect() *protocol.QueryResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := c.result
	c.result = nil
	return res
}

// Cancel implements protocol.TrafficCop. It interrupts the statement in
// flight, if any.
func (c *Cop) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Reset implements protocol.TrafficCop.
func (c *Cop) Reset() {
	c.Cancel()
	c.mu.Lock()
	c.result = nil
	c.mu.Unlock()
}

// run executes one statement and marshals the outcome. Values travel in
// text format.
func (b *Backend) run(ctx context.Context, stmt string, params [][]byte) *protocol.QueryResult {
	timer := prometheus.NewTimer(queryDuration)
	defer timer.ObserveDuration()

	sqlText := rewritePlaceholders(stmt)
	args := make([]interface{}, len(params))
	for i, p := range params {
		if p == nil {
			args[i] = nil
			continue
		}
		args[i] = string(p)
	}

	var res *protocol.QueryResult
	if returnsRows(sqlText) {
		res = b.query(ctx, sqlText, args)
	} else {
		res = b.exec(ctx, sqlText, args)
	}
	if res.Err != nil {
		queriesTotal.WithLabelValues("error").Inc()
		b.log.Debug("statement failed", zap.String("stmt", stmt), zap.Error(res.Err))
	} else {
		queriesTotal.WithLabelValues("ok").Inc()
	}
	return res
}

func (b *Backend) query(ctx context.Context, stmt string, args []interface{}) *protocol.QueryResult {
	rows, err := b.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return &protocol.QueryResult{Err: wrapSQLError(err)}
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return &protocol.QueryResult{Err: wrapSQLError(err)}
	}
	cols := make([]protocol.Column, len(types))
	for i, ct := range types {
		cols[i] = protocol.Column{Name: ct.Name(), OID: oidFor(ct.DatabaseTypeName())}
	}

	var out [][][]byte
	scan := make([]sql.NullString, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range scan {
		ptrs[i] = &scan[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return &protocol.QueryResult{Err: wrapSQLError(err)}
		}
		row := make([][]byte, len(cols))
		for i, v := range scan {
			if v.Valid {
				row[i] = []byte(v.String)
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return &protocol.QueryResult{Err: wrapSQLError(err)}
	}
	return &protocol.QueryResult{
		Columns: cols,
		Rows:    out,
		Tag:     fmt.Sprintf("SELECT %d", len(out)),
	}
}

func (b *Backend) exec(ctx context.Context, stmt string, args []interface{}) *protocol.QueryResult {
	res, err := b.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return &protocol.QueryResult{Err: wrapSQLError(err)}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	return &protocol.QueryResult{Tag: tagFor(stmt, affected)}
}
