package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-io/mqttsuite/packet"
	"github.com/golang-io/mqttsuite/session"
	"golang.org/x/net/websocket"
)

// conn represents the server side of an MQTT connection.
type conn struct {
	// server is the server on which the connection arrived. Immutable;
	// never nil.
	server *Server

	// cancelCtx cancels the connection-level context.
	cancelCtx context.CancelFunc

	// rwc is the underlying network connection. It is usually of type
	// *net.TCPConn, *tls.Conn or *websocket.Conn.
	rwc net.Conn

	// remoteAddr is rwc.RemoteAddr().String(). It is populated
	// immediately inside the (*conn).serve goroutine.
	remoteAddr string

	// tlsState is the TLS connection state when using TLS. nil means
	// not TLS.
	tlsState *tls.ConnectionState

	curState atomic.Uint64 // packed (unix time<<8|uint8(ConnState))

	// mu serializes packet writes: deliveries race with protocol
	// acknowledgements.
	mu sync.Mutex

	ID   string
	sess *session.Session
	will *session.Will

	// readLimit is the negotiated keep-alive window, already scaled to
	// one and a half times the CONNECT value (3.1.2.10). Zero disables
	// the read deadline.
	readLimit time.Duration

	// connected flips when the CONNECT packet was accepted; a second
	// CONNECT is a protocol violation [MQTT-3.1.0-2].
	connected bool

	// graceful is set by DISCONNECT: the will must be discarded
	// [MQTT-3.14.4-3].
	graceful bool
}

func (c *conn) setState(nc net.Conn, state ConnState, runHook bool) {
	srv := c.server
	switch state {
	case StateNew:
		srv.trackConn(c, true)
	case StateClosed:
		srv.trackConn(c, false)
	default:
	}
	if state > 0xFF || state < 0 {
		panic("invalid conn state")
	}
	packedState := uint64(time.Now().Unix()<<8) | uint64(state)
	c.curState.Store(packedState)
	if !runHook {
		return
	}
	if hook := srv.ConnState; hook != nil {
		hook(nc, state)
	}
}

func (c *conn) getState() (state ConnState, unixSec int64) {
	packedState := c.curState.Load()
	return ConnState(packedState & 0xFF), int64(packedState >> 8)
}

// send packs one control packet onto the wire under the write lock.
func (c *conn) send(pkt packet.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stat.PacketSent.Inc()
	return pkt.Pack(c.rwc)
}

// close the connection.
func (c *conn) close() {
	_ = c.rwc.Close()
}

// serve reads control packets off the connection and dispatches them
// until an error, a protocol violation or a DISCONNECT ends it.
func (c *conn) serve(ctx context.Context) {
	if ws, ok := c.rwc.(*websocket.Conn); ok {
		if req := ws.Request(); req != nil {
			c.remoteAddr = req.RemoteAddr
		}
	} else if ra := c.rwc.RemoteAddr(); ra != nil {
		c.remoteAddr = ra.String()
	}
	log.Printf("connection accepted: remote=%s", c.remoteAddr)

	defer func() {
		if err := recover(); err != nil && err != ErrAbortHandler {
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			log.Printf("mqtt: panic serving %v: %v", c.remoteAddr, err)
			log.Printf("%s", buf)
		}
		log.Printf("connection closed: clientId=%s, remote=%s, graceful=%v", c.ID, c.remoteAddr, c.graceful)
		c.server.broker.release(c, c.graceful)
		c.close()
		c.setState(c.rwc, StateClosed, true)
	}()

	if tlsConn, ok := c.rwc.(*tls.Conn); ok {
		dl := time.Now().Add(10 * time.Second)
		_ = c.rwc.SetReadDeadline(dl)
		_ = c.rwc.SetWriteDeadline(dl)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			log.Printf("mqtt: TLS handshake error from %s: %v", c.remoteAddr, err)
			return
		}
		_ = c.rwc.SetReadDeadline(time.Time{})
		_ = c.rwc.SetWriteDeadline(time.Time{})
		c.tlsState = new(tls.ConnectionState)
		*c.tlsState = tlsConn.ConnectionState()
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancelCtx = cancel
	defer cancel()

	for {
		rw, err := c.readRequest(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("readRequest: clientId=%s, err=%v", c.ID, err)
			}
			return
		}
		c.setState(c.rwc, StateActive, true)
		serverHandler{c.server}.ServeMQTT(rw, rw.packet)
		c.setState(c.rwc, StateIdle, true)
	}
}

// readRequest reads the next control packet. The read deadline enforces
// the keep-alive window: a silent client is cut off after one and a
// half times the negotiated interval [MQTT-3.1.2-24].
func (c *conn) readRequest(_ context.Context) (*response, error) {
	if c.readLimit > 0 {
		if err := c.rwc.SetReadDeadline(time.Now().Add(c.readLimit)); err != nil {
			return nil, err
		}
	}
	w := &response{conn: c}
	var err error
	if w.packet, err = packet.Unpack(c.rwc); err != nil {
		if w.packet != nil {
			return nil, fmt.Errorf("unpack: %s: %w", packet.Kind[w.packet.Kind()], err)
		}
		return nil, err
	}
	stat.PacketReceived.Inc()
	return w, nil
}

type defaultHandler struct{}

func (defaultHandler) ServeMQTT(w ResponseWriter, req packet.Packet) {
	c := w.(*response).conn
	broker := c.server.broker

	// The first packet must be CONNECT [MQTT-3.1.0-1].
	if _, ok := req.(*packet.ConnectPacket); !ok && !c.connected {
		log.Printf("protocol violation: first packet %s, remote=%s", packet.Kind[req.Kind()], c.remoteAddr)
		panic(ErrAbortHandler)
	}

	switch rpkt := req.(type) {
	case *packet.ConnectPacket:
		if c.connected {
			// A second CONNECT ends the connection [MQTT-3.1.0-2].
			log.Printf("protocol violation: second CONNECT, clientId=%s", c.ID)
			panic(ErrAbortHandler)
		}
		if rpkt.KeepAlive > 0 {
			c.readLimit = time.Duration(rpkt.KeepAlive) * time.Second * 3 / 2
		}
		connack := broker.connect(c, rpkt)
		if err := w.OnSend(connack); err != nil || connack.ReturnCode.Code != 0 {
			panic(ErrAbortHandler)
		}
		c.connected = true
		broker.resume(c)

	case *packet.PublishPacket:
		msg := &session.Message{
			TopicName: rpkt.Message.TopicName,
			Payload:   rpkt.Message.Content,
			QoS:       rpkt.QoS,
			Retain:    rpkt.Retain == 1,
		}
		switch rpkt.QoS {
		case 0:
			broker.publish(msg)
		case 1:
			broker.publish(msg)
			_ = w.OnSend(&packet.PubackPacket{
				FixedHeader: &packet.FixedHeader{Kind: packet.PUBACK},
				PacketID:    rpkt.PacketID,
			})
		case 2:
			// Staged in the session, routed at PUBREL: the exchange
			// survives a publisher reconnect, and a DUP redelivery
			// before the release is not routed twice [MQTT-4.3.3-2].
			if c.sess.RecvQoS2(rpkt.PacketID, msg) {
				broker.store.Persist(c.sess)
			}
			_ = w.OnSend(&packet.PubrecPacket{
				FixedHeader: &packet.FixedHeader{Kind: packet.PUBREC},
				PacketID:    rpkt.PacketID,
			})
		}

	case *packet.PubackPacket:
		if !c.sess.Ack(rpkt.PacketID) {
			log.Printf("unexpected PUBACK: clientId=%s, packetId=%d", c.ID, rpkt.PacketID)
		}

	case *packet.PubrecPacket:
		if c.sess.Rec(rpkt.PacketID) {
			_ = w.OnSend(&packet.PubrelPacket{
				FixedHeader: &packet.FixedHeader{Kind: packet.PUBREL, QoS: 1},
				PacketID:    rpkt.PacketID,
			})
		}

	case *packet.PubrelPacket:
		if msg, ok := c.sess.Rel(rpkt.PacketID); ok {
			broker.publish(msg)
			broker.store.Persist(c.sess)
		}
		_ = w.OnSend(&packet.PubcompPacket{
			FixedHeader: &packet.FixedHeader{Kind: packet.PUBCOMP},
			PacketID:    rpkt.PacketID,
		})

	case *packet.PubcompPacket:
		if !c.sess.Comp(rpkt.PacketID) {
			log.Printf("unexpected PUBCOMP: clientId=%s, packetId=%d", c.ID, rpkt.PacketID)
		}

	case *packet.SubscribePacket:
		broker.subscribe(c, rpkt)

	case *packet.UnsubscribePacket:
		_ = w.OnSend(broker.unsubscribe(c, rpkt))

	case *packet.PingreqPacket:
		// A PINGREQ must be answered with PINGRESP [MQTT-3.12.4-1].
		_ = w.OnSend(&packet.PingrespPacket{
			FixedHeader: &packet.FixedHeader{Kind: packet.PINGRESP},
		})

	case *packet.DisconnectPacket:
		log.Printf("client disconnect: clientId=%s, remote=%s", c.ID, c.remoteAddr)
		c.graceful = true
		panic(ErrAbortHandler)

	default:
		log.Printf("unexpected packet type %T, clientId=%s", rpkt, c.ID)
		panic(ErrAbortHandler)
	}
}
