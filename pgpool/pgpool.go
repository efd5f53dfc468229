// Package pgpool is an asynchronous Postgres client pool: a fixed set
// of connections, each owning a FIFO of query contexts and a worker.
// Submission never blocks the caller; callbacks on one connection fire
// in submission order.
package pgpool

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	pgx "github.com/jackc/pgx/v5"
)

// ErrCancelled is delivered to every pending query when its connection
// is torn down before the query ran.
var ErrCancelled = errors.New("cancelled")

// RowsFunc receives the decoded result set of one query.
type RowsFunc func(rows [][]any)

// ErrorFunc receives a query or connection error.
type ErrorFunc func(err error)

// query is one submitted statement with its callbacks.
type query struct {
	sql     string
	params  []any
	onRows  RowsFunc
	onError ErrorFunc
}

func (q *query) fail(err error) {
	if q.onError != nil {
		q.onError(err)
	}
}

// querier is the slice of *pgx.Conn the worker needs; tests stub it.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	IsClosed() bool
	Close(ctx context.Context) error
}

// Pool is a fixed-size set of connections to one database.
type Pool struct {
	conns []*Conn

	overflowMu sync.Mutex
	overflow   []*query

	dial         func(ctx context.Context) (querier, error)
	reconnectMin time.Duration
	reconnectMax time.Duration

	next int // round-robin cursor for Conn()
	nmu  sync.Mutex

	log *slog.Logger
}

// New builds a pool of size connections against connString and starts
// their workers. The workers run until ctx is cancelled. The pool is
// usable immediately: queries submitted before a connection is up wait
// in the FIFOs.
func New(ctx context.Context, connString string, size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		dial: func(ctx context.Context) (querier, error) {
			return pgx.Connect(ctx, connString)
		},
		reconnectMin: time.Second,
		reconnectMax: time.Minute,
		log:          slog.Default().With("context", "PGPOOL"),
	}
	for i := 0; i < size; i++ {
		c := &Conn{id: i, pool: p, wake: make(chan struct{}, 1)}
		p.conns = append(p.conns, c)
		go c.run(ctx)
	}
	return p
}

// Exec submits a statement to the first idle connection, or to the
// pool-wide FIFO when all are busy. It never blocks.
func (p *Pool) Exec(sql string, params []any, onRows RowsFunc, onError ErrorFunc) {
	q := &query{sql: sql, params: params, onRows: onRows, onError: onError}
	for _, c := range p.conns {
		if c.submitIfIdle(q) {
			return
		}
	}
	p.overflowMu.Lock()
	p.overflow = append(p.overflow, q)
	p.overflowMu.Unlock()
	for _, c := range p.conns {
		c.signal()
	}
}

// Conn returns a connection handle in round-robin order, for callers
// that need submission-order callbacks across several statements.
func (p *Pool) Conn() *Conn {
	p.nmu.Lock()
	defer p.nmu.Unlock()
	c := p.conns[p.next%len(p.conns)]
	p.next++
	return c
}

func (p *Pool) takeOverflow() *query {
	p.overflowMu.Lock()
	defer p.overflowMu.Unlock()
	if len(p.overflow) == 0 {
		return nil
	}
	q := p.overflow[0]
	p.overflow = p.overflow[1:]
	return q
}

// Conn is one pooled connection. Statements submitted to the same Conn
// complete their callbacks in submission order.
type Conn struct {
	id   int
	pool *Pool

	mu   sync.Mutex
	fifo []*query
	busy bool
	up   bool

	wake chan struct{}
}

// Exec appends a statement to this connection's FIFO. It never blocks.
func (c *Conn) Exec(sql string, params []any, onRows RowsFunc, onError ErrorFunc) {
	q := &query{sql: sql, params: params, onRows: onRows, onError: onError}
	c.mu.Lock()
	c.fifo = append(c.fifo, q)
	c.mu.Unlock()
	c.signal()
}

// submitIfIdle enqueues q only when the connection is up with nothing
// in flight.
func (c *Conn) submitIfIdle(q *query) bool {
	c.mu.Lock()
	if !c.up || c.busy || len(c.fifo) > 0 {
		c.mu.Unlock()
		return false
	}
	c.fifo = append(c.fifo, q)
	c.mu.Unlock()
	c.signal()
	return true
}

func (c *Conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// next pops the connection's own FIFO, falls back to the pool FIFO, and
// otherwise blocks until woken or the context ends.
func (c *Conn) next(ctx context.Context) *query {
	for {
		c.mu.Lock()
		if len(c.fifo) > 0 {
			q := c.fifo[0]
			c.fifo = c.fifo[1:]
			c.busy = true
			c.mu.Unlock()
			return q
		}
		c.busy = false
		c.mu.Unlock()

		if q := c.pool.takeOverflow(); q != nil {
			c.mu.Lock()
			c.busy = true
			c.mu.Unlock()
			return q
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.wake:
		}
	}
}

// cancelPending drains the FIFO, failing every entry with ErrCancelled.
func (c *Conn) cancelPending() {
	c.mu.Lock()
	pending := c.fifo
	c.fifo = nil
	c.busy = false
	c.mu.Unlock()
	for _, q := range pending {
		q.fail(ErrCancelled)
	}
}

func (c *Conn) setUp(up bool) {
	c.mu.Lock()
	c.up = up
	c.mu.Unlock()
}

// run is the connection worker: connect with backoff, drain queries,
// reconnect on connection loss.
func (c *Conn) run(ctx context.Context) {
	backoff := c.pool.reconnectMin
	for {
		conn, err := c.pool.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.cancelPending()
				return
			}
			c.pool.log.Warn("connect failed", "conn", c.id, "error", err, "retry", backoff)
			select {
			case <-ctx.Done():
				c.cancelPending()
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > c.pool.reconnectMax {
				backoff = c.pool.reconnectMax
			}
			continue
		}
		backoff = c.pool.reconnectMin
		c.setUp(true)
		c.pool.log.Info("connected", "conn", c.id)
		c.signal() // pick up anything queued while down

		for {
			q := c.next(ctx)
			if q == nil {
				c.setUp(false)
				_ = conn.Close(context.Background())
				c.cancelPending()
				return
			}
			rows, err := c.execute(ctx, conn, q)
			if err != nil {
				q.fail(err)
				if conn.IsClosed() || ctx.Err() != nil {
					// Connection loss: everything queued behind the
					// failed statement is cancelled.
					c.setUp(false)
					c.cancelPending()
					c.pool.log.Warn("connection lost", "conn", c.id, "error", err)
					break
				}
				// SQL error on a healthy connection: the next query
				// proceeds.
				continue
			}
			if q.onRows != nil {
				q.onRows(rows)
			}
		}
	}
}

// execute runs one statement over the simple protocol so every result
// cell arrives in text format for the typed decode.
func (c *Conn) execute(ctx context.Context, conn querier, q *query) ([][]any, error) {
	args := append([]any{pgx.QueryExecModeSimpleProtocol}, q.params...)
	rows, err := conn.Query(ctx, q.sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return decodeRows(rows)
}

// Postgres type OIDs the decoder maps to native Go types.
const (
	oidBool    = 16
	oidInt8    = 20
	oidInt2    = 21
	oidInt4    = 23
	oidFloat4  = 700
	oidFloat8  = 701
	oidNumeric = 1700
)

func decodeRows(rows pgx.Rows) ([][]any, error) {
	fds := rows.FieldDescriptions()
	var out [][]any
	for rows.Next() {
		raw := rows.RawValues()
		row := make([]any, len(raw))
		for i, cell := range raw {
			row[i] = decodeCell(fds[i].DataTypeOID, cell)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// decodeCell maps one text-format cell: booleans by byte value,
// integers (OIDs 20/21/23) to int64, floats (700/701/1700) to float64,
// everything else as text. NULL stays nil, distinct from "".
func decodeCell(oid uint32, cell []byte) any {
	if cell == nil {
		return nil
	}
	text := string(cell) // copy out: the driver reuses the buffer
	switch oid {
	case oidBool:
		return text == "t" || text == "true"
	case oidInt8, oidInt2, oidInt4:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return text
		}
		return n
	case oidFloat4, oidFloat8, oidNumeric:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return text
		}
		return f
	default:
		return text
	}
}
