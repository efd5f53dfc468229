package pgpool

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	pgx "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeRows satisfies pgx.Rows for scripted result sets.
type fakeRows struct {
	fds  []pgconn.FieldDescription
	data [][][]byte
	i    int
}

func (r *fakeRows) Next() bool                                   { r.i++; return r.i <= len(r.data) }
func (r *fakeRows) RawValues() [][]byte                          { return r.data[r.i-1] }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return r.fds }
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) Close()                                       {}
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) Scan(...any) error                            { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func idRows(id int64) pgx.Rows {
	return &fakeRows{
		fds:  []pgconn.FieldDescription{{DataTypeOID: oidInt8}},
		data: [][][]byte{{[]byte(strconv.FormatInt(id, 10))}},
	}
}

// stubConn satisfies querier with a scripted handler.
type stubConn struct {
	mu      sync.Mutex
	closed  bool
	handler func(sql string, args []any) (pgx.Rows, error)
}

func (s *stubConn) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	return s.handler(sql, args)
}

func (s *stubConn) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubConn) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func newStubPool(t *testing.T, size int, dial func(ctx context.Context) (querier, error)) *Pool {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	p := &Pool{
		dial:         dial,
		reconnectMin: time.Millisecond,
		reconnectMax: 10 * time.Millisecond,
		log:          slog.Default().With("context", "PGPOOL"),
	}
	for i := 0; i < size; i++ {
		c := &Conn{id: i, pool: p, wake: make(chan struct{}, 1)}
		p.conns = append(p.conns, c)
		go c.run(ctx)
	}
	return p
}

func TestDecodeCell(t *testing.T) {
	tests := []struct {
		name string
		oid  uint32
		cell []byte
		want any
	}{
		{"null is nil", oidInt4, nil, nil},
		{"null text distinct from empty", 25, nil, nil},
		{"empty string stays a string", 25, []byte(""), ""},
		{"bool true", oidBool, []byte("t"), true},
		{"bool false", oidBool, []byte("f"), false},
		{"int8", oidInt8, []byte("-42"), int64(-42)},
		{"int2", oidInt2, []byte("7"), int64(7)},
		{"int4", oidInt4, []byte("123456"), int64(123456)},
		{"float4", oidFloat4, []byte("1.5"), 1.5},
		{"float8", oidFloat8, []byte("-2.25"), -2.25},
		{"numeric", oidNumeric, []byte("21.5"), 21.5},
		{"text", 25, []byte("hello"), "hello"},
		{"unknown oid kept as text", 9999, []byte("raw"), "raw"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decodeCell(tt.oid, tt.cell); got != tt.want {
				t.Errorf("decodeCell(%d, %q) = %#v, want %#v", tt.oid, tt.cell, got, tt.want)
			}
		})
	}
}

func TestConnCallbacksFireInSubmissionOrder(t *testing.T) {
	stub := &stubConn{handler: func(sql string, _ []any) (pgx.Rows, error) {
		return idRows(1), nil
	}}
	p := newStubPool(t, 1, func(context.Context) (querier, error) { return stub, nil })

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	conn := p.Conn()
	for i := 0; i < 5; i++ {
		name := strconv.Itoa(i)
		last := i == 4
		conn.Exec("SELECT "+name, nil, func([][]any) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			if last {
				close(done)
			}
		}, nil)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queries did not complete")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, name := range order {
		if name != strconv.Itoa(i) {
			t.Fatalf("order = %v", order)
		}
	}
}

func TestExecOverflowsWhenBusy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 8)
	stub := &stubConn{handler: func(sql string, _ []any) (pgx.Rows, error) {
		started <- struct{}{}
		<-release
		return idRows(1), nil
	}}
	p := newStubPool(t, 1, func(context.Context) (querier, error) { return stub, nil })

	results := make(chan string, 2)
	p.Exec("SELECT 1", nil, func([][]any) { results <- "first" }, nil)
	<-started // the only connection is now busy

	// The second statement lands in the pool FIFO without blocking.
	submitted := make(chan struct{})
	go func() {
		p.Exec("SELECT 2", nil, func([][]any) { results <- "second" }, nil)
		close(submitted)
	}()
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("Exec blocked while the pool was busy")
	}

	p.overflowMu.Lock()
	queued := len(p.overflow)
	p.overflowMu.Unlock()
	if queued != 1 {
		t.Fatalf("overflow holds %d queries, want 1", queued)
	}

	close(release)
	for _, want := range []string{"first", "second"} {
		select {
		case got := <-results:
			if got != want {
				t.Fatalf("completion order: got %s, want %s", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("queries did not drain")
		}
	}
}

func TestSQLErrorDoesNotPoisonConnection(t *testing.T) {
	stub := &stubConn{handler: func(sql string, _ []any) (pgx.Rows, error) {
		if strings.Contains(sql, "broken") {
			return nil, errors.New("syntax error")
		}
		return idRows(1), nil
	}}
	p := newStubPool(t, 1, func(context.Context) (querier, error) { return stub, nil })

	errs := make(chan error, 1)
	rows := make(chan [][]any, 1)
	conn := p.Conn()
	conn.Exec("SELECT broken", nil, func([][]any) { t.Error("onRows fired for a failed query") },
		func(err error) { errs <- err })
	conn.Exec("SELECT 1", nil, func(r [][]any) { rows <- r }, nil)

	select {
	case err := <-errs:
		if err == nil || !strings.Contains(err.Error(), "syntax") {
			t.Errorf("error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onError never fired")
	}
	select {
	case r := <-rows:
		if len(r) != 1 || r[0][0] != int64(1) {
			t.Errorf("rows = %v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("the query behind the failure never ran")
	}
}

func TestConnectionLossCancelsPending(t *testing.T) {
	var dials int
	var mu sync.Mutex
	release := make(chan struct{})
	dial := func(context.Context) (querier, error) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		stub := &stubConn{}
		if n == 1 {
			stub.handler = func(string, []any) (pgx.Rows, error) {
				<-release
				stub.mu.Lock()
				stub.closed = true
				stub.mu.Unlock()
				return nil, errors.New("server closed the connection unexpectedly")
			}
		} else {
			stub.handler = func(string, []any) (pgx.Rows, error) { return idRows(2), nil }
		}
		return stub, nil
	}
	p := newStubPool(t, 1, dial)

	conn := p.Conn()
	first := make(chan error, 1)
	cancelled := make(chan error, 2)
	conn.Exec("SELECT 1", nil, nil, func(err error) { first <- err })
	conn.Exec("SELECT 2", nil, nil, func(err error) { cancelled <- err })
	conn.Exec("SELECT 3", nil, nil, func(err error) { cancelled <- err })
	close(release)

	select {
	case err := <-first:
		if err == nil {
			t.Fatal("in-flight query should fail with the connection error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight query never failed")
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-cancelled:
			if !errors.Is(err, ErrCancelled) {
				t.Errorf("pending query error = %v, want ErrCancelled", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending queries were not cancelled")
		}
	}

	// The worker reconnects and serves new queries.
	recovered := make(chan [][]any, 64)
	deadline := time.Now().Add(2 * time.Second)
	for {
		p.Exec("SELECT recovered", nil, func(r [][]any) { recovered <- r }, func(error) {})
		select {
		case r := <-recovered:
			if r[0][0] != int64(2) {
				t.Fatalf("rows = %v", r)
			}
			return
		case <-time.After(50 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("pool never recovered")
			}
		}
	}
}

func TestIngestReading(t *testing.T) {
	var mu sync.Mutex
	var sqls []string
	stub := &stubConn{handler: func(sql string, args []any) (pgx.Rows, error) {
		mu.Lock()
		sqls = append(sqls, sql)
		mu.Unlock()
		if strings.Contains(sql, "Sensor") && !strings.Contains(sql, "TemperatureReading") {
			return idRows(11), nil
		}
		return idRows(77), nil
	}}
	p := newStubPool(t, 1, func(context.Context) (querier, error) { return stub, nil })

	done := make(chan int64, 1)
	p.IngestReading(Reading{DeviceID: "dev1", Temperature: 21.5}, func(id int64) { done <- id }, func(err error) {
		t.Errorf("onError fired: %v", err)
	})

	select {
	case id := <-done:
		if id != 77 {
			t.Errorf("reading id = %d, want 77", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ingestion never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sqls) != 2 || !strings.Contains(sqls[0], "Sensor") || !strings.Contains(sqls[1], "TemperatureReading") {
		t.Errorf("statement order = %v", sqls)
	}
}
