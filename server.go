package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-io/mqttsuite/packet"
	"github.com/golang-io/mqttsuite/session"
	"golang.org/x/net/websocket"
)

// shutdownPollIntervalMax is the max polling interval when checking
// quiescence during Server.Shutdown. Polling starts with a small
// interval and backs off to the max.
const shutdownPollIntervalMax = 500 * time.Millisecond
const size = 64 << 10

// A Handler responds to an MQTT control packet.
type Handler interface {
	ServeMQTT(ResponseWriter, packet.Packet)
}

type HandlerFunc func(ResponseWriter, packet.Packet)

func (f HandlerFunc) ServeMQTT(rw ResponseWriter, r packet.Packet) {
	f(rw, r)
}

type serverHandler struct {
	s *Server
}

func (s serverHandler) ServeMQTT(rw ResponseWriter, p packet.Packet) {
	handler := s.s.Handler
	if handler == nil {
		handler = defaultHandler{}
	}
	handler.ServeMQTT(rw, p)
}

// ResponseWriter sends control packets back on the connection a packet
// arrived on.
type ResponseWriter interface {
	OnSend(pkt packet.Packet) error
}

// response represents the server side of a packet exchange.
type response struct {
	conn   *conn
	packet packet.Packet // request for this response
}

func (w *response) OnSend(pkt packet.Packet) error {
	return w.conn.send(pkt)
}

const (
	// StateNew represents a new connection that is expected to send a
	// CONNECT immediately. Connections begin at this state and then
	// transition to either StateActive or StateClosed.
	StateNew ConnState = iota

	// StateActive represents a connection that is inside the packet
	// dispatch.
	StateActive

	// StateIdle represents a connection between packets, waiting
	// inside the keep-alive window.
	StateIdle

	// StateClosed represents a closed connection. This is a terminal
	// state.
	StateClosed
)

// A ConnState represents the state of a client connection to a server.
// It's used by the optional [Server.ConnState] hook.
type ConnState int

// ErrAbortHandler is a sentinel panic value to abort a handler. It ends
// the connection without the stack trace logging a real panic gets.
var ErrAbortHandler = errors.New("mqtt: abort Handler")

// ErrServerClosed is returned by [Server.Serve] and the ListenAndServe
// variants after a call to [Server.Shutdown].
var ErrServerClosed = errors.New("mqtt: Server closed")

// A Server defines parameters for running an MQTT server.
type Server struct {
	Handler          Handler
	WebsocketHandler websocket.Handler

	// TLSConfig optionally provides a TLS configuration for use by
	// ServeTLS and ListenAndServeTLS.
	TLSConfig *tls.Config

	// ConnState specifies an optional callback function that is called
	// when a client connection changes state.
	ConnState func(net.Conn, ConnState)

	// ConnContext optionally specifies a function that modifies the
	// context used for a new connection c.
	ConnContext func(ctx context.Context, c net.Conn) context.Context

	broker *Broker

	inShutdown atomic.Bool

	mu            sync.RWMutex
	listeners     map[*net.Listener]struct{}
	activeConn    map[*conn]struct{}
	onShutdown    []func()
	listenerGroup sync.WaitGroup
}

// NewServer builds a server around a broker persisting sessions under
// options.SessionDir (empty disables persistence). The server shuts
// down when ctx is cancelled.
func NewServer(ctx context.Context, opts ...Option) (*Server, error) {
	options := newOptions(opts...)
	store, err := session.NewStore(options.SessionDir)
	if err != nil {
		return nil, err
	}
	s := &Server{
		activeConn: make(map[*conn]struct{}),
		listeners:  make(map[*net.Listener]struct{}),
		broker:     NewBroker(store),
	}
	s.broker.Authenticate = options.Authenticate

	go func() {
		<-ctx.Done()
		if err := s.Shutdown(context.Background()); err != nil {
			log.Printf("mqtt: shutdown: %v", err)
		}
	}()
	return s, nil
}

// Broker exposes the routing core, letting embedders publish server
// messages directly.
func (s *Server) Broker() *Broker { return s.broker }

func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.mu.Lock()
	lnerr := s.closeListenersLocked()
	for _, f := range s.onShutdown {
		go f()
	}
	s.mu.Unlock()
	s.listenerGroup.Wait()

	pollIntervalBase := time.Millisecond
	nextPollInterval := func() time.Duration {
		// Add 10% jitter.
		interval := pollIntervalBase + time.Duration(rand.Intn(int(pollIntervalBase/10)+1))
		// Double and clamp for next time.
		pollIntervalBase *= 2
		if pollIntervalBase > shutdownPollIntervalMax {
			pollIntervalBase = shutdownPollIntervalMax
		}
		return interval
	}

	timer := time.NewTimer(nextPollInterval())
	defer timer.Stop()
	for {
		if s.closeIdleConns() {
			return lnerr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			timer.Reset(nextPollInterval())
		}
	}
}

// closeIdleConns closes all idle connections and reports whether the
// server is quiescent.
func (s *Server) closeIdleConns() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	quiescent := true
	for c := range s.activeConn {
		st, unixSec := c.getState()
		// Treat StateNew connections as idle if the CONNECT has not
		// arrived within 5 seconds.
		if st == StateNew && unixSec < time.Now().Unix()-5 {
			st = StateIdle
		}
		if st != StateIdle || unixSec == 0 {
			quiescent = false
			continue
		}
		_ = c.rwc.Close()
		delete(s.activeConn, c)
	}
	return quiescent
}

func (s *Server) closeListenersLocked() error {
	var err error
	for ln := range s.listeners {
		if cerr := (*ln).Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Create new connection from rwc.
func (s *Server) newConn(rwc net.Conn) *conn {
	return &conn{server: s, rwc: rwc}
}

// Serve accepts incoming connections on the Listener l, creating a new
// service goroutine for each.
//
// Serve always returns a non-nil error and closes l. After
// [Server.Shutdown], the returned error is [ErrServerClosed].
func (s *Server) Serve(l net.Listener) error {
	defer l.Close()

	if !s.trackListener(&l, true) {
		return ErrServerClosed
	}
	defer s.trackListener(&l, false)

	ctx := context.Background()
	for {
		rw, err := l.Accept()
		if err != nil {
			if s.shuttingDown() {
				return ErrServerClosed
			}
			return err
		}
		connCtx := ctx
		if cc := s.ConnContext; cc != nil {
			connCtx = cc(connCtx, rw)
			if connCtx == nil {
				panic("ConnContext returned nil")
			}
		}
		c := s.newConn(rw)
		c.setState(c.rwc, StateNew, true) // before Serve can return
		go c.serve(connCtx)
	}
}

func (s *Server) trackConn(c *conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		stat.ActiveConnections.Inc()
		s.activeConn[c] = struct{}{}
	} else {
		stat.ActiveConnections.Dec()
		delete(s.activeConn, c)
	}
}

// trackListener adds or removes a net.Listener to the set of tracked
// listeners.
//
// It reports whether the server is still up (not Shutdown).
func (s *Server) trackListener(ln *net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[*net.Listener]struct{})
	}
	if add {
		if s.shuttingDown() {
			return false
		}
		s.listeners[ln] = struct{}{}
		s.listenerGroup.Add(1)
	} else {
		delete(s.listeners, ln)
		s.listenerGroup.Done()
	}
	return true
}

func (s *Server) shuttingDown() bool {
	return s.inShutdown.Load()
}

// ListenAndServe listens per the option URL scheme: mqtt/tcp on the
// host, unix on the path.
func (s *Server) ListenAndServe(opts ...Option) error {
	if s.shuttingDown() {
		return ErrServerClosed
	}
	options := newOptions(opts...)
	u, err := url.Parse(options.URL)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "unix":
		// A stale socket file from a previous run blocks the bind.
		_ = os.Remove(u.Path)
		ln, err := net.Listen("unix", u.Path)
		if err != nil {
			return err
		}
		log.Printf("mqtt serve: unix %s", u.Path)
		return s.Serve(ln)
	default:
		ln, err := net.Listen("tcp", u.Host)
		if err != nil {
			return err
		}
		log.Printf("mqtt serve: %s", u.Host)
		return s.Serve(ln)
	}
}

func (s *Server) ServeTLS(l net.Listener, certFile, keyFile string) error {
	config := s.TLSConfig
	if config == nil {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return err
		}
		config = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	return s.Serve(tls.NewListener(l, config))
}

func (s *Server) ListenAndServeTLS(certFile, keyFile string, opts ...Option) error {
	if s.shuttingDown() {
		return ErrServerClosed
	}
	options := newOptions(opts...)
	u, err := url.Parse(options.URL)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return err
	}
	log.Printf("mqtts serve: %s", u.Host)
	return s.ServeTLS(ln, certFile, keyFile)
}

// ListenAndServeWebsocket serves MQTT over WebSocket on the option
// URL's host, subprotocol "mqtt", binary frames [MQTT-6.0.0-3]. The
// packet codec reassembles packets across frame boundaries.
func (s *Server) ListenAndServeWebsocket(opts ...Option) error {
	if s.shuttingDown() {
		return ErrServerClosed
	}
	options := newOptions(opts...)
	u, err := url.Parse(options.URL)
	if err != nil {
		return err
	}
	path := u.Path
	if path == "" {
		path = "/mqtt"
	}
	s.WebsocketHandler = func(ws *websocket.Conn) {
		ws.PayloadType = websocket.BinaryFrame
		c := s.newConn(ws)
		c.setState(c.rwc, StateNew, true)
		c.serve(context.Background())
	}

	mux := http.NewServeMux()
	mux.Handle(path, websocket.Server{
		Handler: s.WebsocketHandler,
		Handshake: func(config *websocket.Config, req *http.Request) error {
			config.Protocol = []string{"mqtt"}
			return nil
		},
	})
	hs := &http.Server{Addr: u.Host, Handler: mux}
	s.mu.Lock()
	s.onShutdown = append(s.onShutdown, func() { _ = hs.Close() })
	s.mu.Unlock()

	log.Printf("websocket serve: %s%s", u.Host, path)
	if err := hs.ListenAndServe(); err != nil {
		if s.shuttingDown() {
			return ErrServerClosed
		}
		return err
	}
	return nil
}
