package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	gws "github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/golang-io/mqttsuite/packet"
	"github.com/golang-io/mqttsuite/session"
)

// A Client is an MQTT 3.1.1 client. Clients are safe for concurrent
// use by multiple goroutines: Publish, Subscribe and Unsubscribe may be
// called from any of them once Run has connected.
type Client struct {
	// URL specifies the broker to connect to. Supported schemes:
	// mqtt/tcp, mqtts/tls, unix, ws, wss.
	URL *url.URL

	// DialContext optionally overrides dialing for mqtt/tcp URLs.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// TLSClientConfig specifies the TLS configuration used for mqtts
	// and wss URLs.
	TLSClientConfig *tls.Config

	options Options

	mu   sync.Mutex // guards rwc writes and the connected flag
	rwc  net.Conn
	up   bool
	sess *session.Session

	// pending routes id-keyed acknowledgements (PUBACK, PUBREC,
	// PUBCOMP, SUBACK, UNSUBACK) to the operation waiting on them.
	pendingMu sync.Mutex
	pending   map[uint16]chan packet.Packet

	// recv routes the id-less control packets (CONNACK).
	connack chan *packet.ConnackPacket

	// inbound tracks QoS 2 publishes between PUBLISH and PUBREL so a
	// DUP redelivery is not surfaced twice.
	inboundMu sync.Mutex
	inbound   map[uint16]bool

	// outstanding PINGREQs without a PINGRESP.
	pings atomic.Int32

	onMessage func(*packet.PublishPacket)
	onConnect func(sessionPresent bool)
}

// NewClient builds a client from options. The URL must parse; the zero
// option set targets mqtt://127.0.0.1:1883 with a generated client id.
func NewClient(opts ...Option) (*Client, error) {
	options := newOptions(opts...)
	u, err := url.Parse(options.URL)
	if err != nil {
		return nil, fmt.Errorf("mqtt: client url: %w", err)
	}
	return &Client{
		URL:     u,
		options: options,
		sess:    session.New(options.ClientID, options.CleanSession),
		pending: make(map[uint16]chan packet.Packet),
		connack: make(chan *packet.ConnackPacket, 1),
		inbound: make(map[uint16]bool),
	}, nil
}

func (c *Client) ID() string { return c.options.ClientID }

// OnMessage sets the handler invoked for every application message
// received. Must be set before Run.
func (c *Client) OnMessage(fn func(*packet.PublishPacket)) { c.onMessage = fn }

// OnConnect sets a handler invoked after every successful CONNACK,
// including reconnects. Subscriptions from the options are restored
// automatically; the hook is for anything beyond that.
func (c *Client) OnConnect(fn func(sessionPresent bool)) { c.onConnect = fn }

// Run connects and serves the connection, reconnecting with
// exponential backoff until ctx is cancelled. Cancellation sends a
// graceful DISCONNECT [MQTT-3.14.4-1].
func (c *Client) Run(ctx context.Context) error {
	backoff := c.options.ReconnectMin
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("client connection lost: clientId=%s, err=%v, retry=%s", c.options.ClientID, err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > c.options.ReconnectMax {
			backoff = c.options.ReconnectMax
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	rwc, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.rwc, c.up = rwc, true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.up = false
		c.mu.Unlock()
		rwc.Close()
		c.failPending()
	}()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return c.readLoop() })
	group.Go(func() error {
		<-ctx.Done()
		_ = c.Disconnect()
		_ = rwc.Close()
		return ctx.Err()
	})
	group.Go(func() error {
		present, err := c.handshake(ctx)
		if err != nil {
			return err
		}
		if !present && len(c.options.Subscriptions) > 0 {
			if err := c.Subscribe(ctx, c.options.Subscriptions...); err != nil {
				return err
			}
		}
		if c.onConnect != nil {
			c.onConnect(present)
		}
		return c.ping(ctx)
	})
	return group.Wait()
}

// Connect dials and completes the CONNECT handshake without the
// reconnect loop, for one-shot publishers. The caller runs the read
// loop implicitly until Disconnect or a read error.
func (c *Client) Connect(ctx context.Context) error {
	rwc, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.rwc, c.up = rwc, true
	c.mu.Unlock()
	go func() {
		if err := c.readLoop(); err != nil {
			c.mu.Lock()
			c.up = false
			c.mu.Unlock()
			c.failPending()
		}
	}()
	_, err = c.handshake(ctx)
	return err
}

func (c *Client) handshake(ctx context.Context) (bool, error) {
	connect := &packet.ConnectPacket{
		FixedHeader:  &packet.FixedHeader{Kind: packet.CONNECT},
		ClientID:     c.options.ClientID,
		CleanSession: c.options.CleanSession,
		KeepAlive:    c.options.KeepAlive,
		Username:     c.options.Username,
		Password:     c.options.Password,
	}
	if will := c.options.Will; will != nil {
		connect.WillTopic, connect.WillPayload = will.TopicName, will.Payload
		connect.WillQoS, connect.WillRetain = will.QoS, will.Retain
	}
	if err := c.send(connect); err != nil {
		return false, err
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case connack, ok := <-c.connack:
		if !ok {
			return false, errors.New("mqtt: connection closed during handshake")
		}
		if connack.ReturnCode.Code != 0 {
			return false, fmt.Errorf("mqtt: connect refused: %w", connack.ReturnCode)
		}
		log.Printf("client connected: clientId=%s, server=%s, present=%v", c.options.ClientID, c.URL.Host, connack.SessionPresent)
		return connack.SessionPresent, nil
	}
}

// ping sends PINGREQ every keep-alive interval. Two unanswered pings
// end the connection.
func (c *Client) ping(ctx context.Context) error {
	if c.options.KeepAlive == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	interval := time.Duration(c.options.KeepAlive) * time.Second
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if c.pings.Add(1) > 2 {
				return errors.New("mqtt: no PINGRESP, connection considered dead")
			}
			if err := c.send(&packet.PingreqPacket{FixedHeader: &packet.FixedHeader{Kind: packet.PINGREQ}}); err != nil {
				return err
			}
		}
	}
}

func (c *Client) send(pkt packet.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.up || c.rwc == nil {
		return errors.New("mqtt: not connected")
	}
	return pkt.Pack(c.rwc)
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	scheme, addr := c.URL.Scheme, c.URL.Host
	if c.DialContext != nil && (scheme == "tcp" || scheme == "mqtt") {
		return c.DialContext(ctx, "tcp", addr)
	}
	switch scheme {
	case "mqtt", "tcp":
		return (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	case "mqtts", "tls":
		return (&tls.Dialer{Config: c.TLSClientConfig}).DialContext(ctx, "tcp", addr)
	case "unix":
		return (&net.Dialer{}).DialContext(ctx, "unix", c.URL.Path)
	case "ws", "wss":
		return c.dialWebsocket(ctx, scheme, addr)
	default:
		return nil, fmt.Errorf("mqtt: unsupported scheme %q", scheme)
	}
}

// dialWebsocket connects over WebSocket with subprotocol "mqtt" and
// wraps the connection so the byte-stream codec can run over binary
// frames.
func (c *Client) dialWebsocket(ctx context.Context, scheme, addr string) (net.Conn, error) {
	path := c.URL.Path
	if path == "" {
		path = "/mqtt"
	}
	loc := url.URL{Scheme: scheme, Host: addr, Path: path}
	dialer := gws.Dialer{
		Subprotocols:    []string{"mqtt"},
		TLSClientConfig: c.TLSClientConfig,
	}
	ws, _, err := dialer.DialContext(ctx, loc.String(), nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

// failPending unblocks every operation waiting on an acknowledgement
// when the connection drops.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for packetID, ch := range c.pending {
		close(ch)
		delete(c.pending, packetID)
	}
}

func (c *Client) wait(packetID uint16) chan packet.Packet {
	ch := make(chan packet.Packet, 1)
	c.pendingMu.Lock()
	c.pending[packetID] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *Client) drop(packetID uint16) {
	c.pendingMu.Lock()
	delete(c.pending, packetID)
	c.pendingMu.Unlock()
}

func (c *Client) resolve(packetID uint16, pkt packet.Packet) {
	c.pendingMu.Lock()
	ch, ok := c.pending[packetID]
	if ok {
		delete(c.pending, packetID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- pkt
	} else {
		log.Printf("client unexpected ack: clientId=%s, kind=%s, packetId=%d", c.options.ClientID, packet.Kind[pkt.Kind()], packetID)
	}
}

// readLoop decodes incoming packets and routes them: application
// messages to the handler, acknowledgements to their waiters.
func (c *Client) readLoop() error {
	for {
		pkt, err := packet.Unpack(c.rwc)
		if err != nil {
			return err
		}
		switch rpkt := pkt.(type) {
		case *packet.ConnackPacket:
			select {
			case c.connack <- rpkt:
			default:
			}
		case *packet.PublishPacket:
			if err := c.handlePublish(rpkt); err != nil {
				return err
			}
		case *packet.PubackPacket:
			c.resolve(rpkt.PacketID, rpkt)
		case *packet.PubrecPacket:
			c.resolve(rpkt.PacketID, rpkt)
		case *packet.PubcompPacket:
			c.resolve(rpkt.PacketID, rpkt)
		case *packet.PubrelPacket:
			c.inboundMu.Lock()
			delete(c.inbound, rpkt.PacketID)
			c.inboundMu.Unlock()
			if err := c.send(&packet.PubcompPacket{
				FixedHeader: &packet.FixedHeader{Kind: packet.PUBCOMP},
				PacketID:    rpkt.PacketID,
			}); err != nil {
				return err
			}
		case *packet.SubackPacket:
			c.resolve(rpkt.PacketID, rpkt)
		case *packet.UnsubackPacket:
			c.resolve(rpkt.PacketID, rpkt)
		case *packet.PingrespPacket:
			c.pings.Store(0)
		default:
			return fmt.Errorf("mqtt: unexpected packet %s", packet.Kind[pkt.Kind()])
		}
	}
}

func (c *Client) handlePublish(pub *packet.PublishPacket) error {
	deliver := true
	switch pub.QoS {
	case 1:
		if err := c.send(&packet.PubackPacket{
			FixedHeader: &packet.FixedHeader{Kind: packet.PUBACK},
			PacketID:    pub.PacketID,
		}); err != nil {
			return err
		}
	case 2:
		c.inboundMu.Lock()
		if c.inbound[pub.PacketID] {
			deliver = false // DUP redelivery before PUBREL
		} else {
			c.inbound[pub.PacketID] = true
		}
		c.inboundMu.Unlock()
		if err := c.send(&packet.PubrecPacket{
			FixedHeader: &packet.FixedHeader{Kind: packet.PUBREC},
			PacketID:    pub.PacketID,
		}); err != nil {
			return err
		}
	}
	if deliver && c.onMessage != nil {
		c.onMessage(pub)
	}
	return nil
}

// Publish sends one application message and blocks until its QoS
// exchange completes: immediately for QoS 0, PUBACK for QoS 1, the
// PUBREC/PUBREL/PUBCOMP chain for QoS 2.
func (c *Client) Publish(ctx context.Context, topicName string, payload []byte, qos uint8, retain bool) error {
	pub := &packet.PublishPacket{
		FixedHeader: &packet.FixedHeader{Kind: packet.PUBLISH, QoS: qos},
		Message:     &packet.Message{TopicName: topicName, Content: payload},
	}
	if retain {
		pub.Retain = 1
	}
	if qos == 0 {
		return c.send(pub)
	}

	packetID, err := c.sess.NextPacketID()
	if err != nil {
		return err
	}
	pub.PacketID = packetID
	c.sess.SendOut(packetID, &session.Message{TopicName: topicName, Payload: payload, QoS: qos, Retain: retain})
	defer func() {
		// Whatever happened, the identifier is free again for the
		// caller's next attempt.
		c.sess.Ack(packetID)
		c.sess.Rec(packetID)
		c.sess.Comp(packetID)
	}()

	ch := c.wait(packetID)
	if err := c.send(pub); err != nil {
		c.drop(packetID)
		return err
	}

	ack, err := c.await(ctx, packetID, ch)
	if err != nil {
		return err
	}
	if qos == 1 {
		if _, ok := ack.(*packet.PubackPacket); !ok {
			return fmt.Errorf("mqtt: expected PUBACK, got %s", packet.Kind[ack.Kind()])
		}
		return nil
	}
	if _, ok := ack.(*packet.PubrecPacket); !ok {
		return fmt.Errorf("mqtt: expected PUBREC, got %s", packet.Kind[ack.Kind()])
	}
	ch = c.wait(packetID)
	if err := c.send(&packet.PubrelPacket{
		FixedHeader: &packet.FixedHeader{Kind: packet.PUBREL, QoS: 1},
		PacketID:    packetID,
	}); err != nil {
		c.drop(packetID)
		return err
	}
	comp, err := c.await(ctx, packetID, ch)
	if err != nil {
		return err
	}
	if _, ok := comp.(*packet.PubcompPacket); !ok {
		return fmt.Errorf("mqtt: expected PUBCOMP, got %s", packet.Kind[comp.Kind()])
	}
	return nil
}

func (c *Client) await(ctx context.Context, packetID uint16, ch chan packet.Packet) (packet.Packet, error) {
	select {
	case <-ctx.Done():
		c.drop(packetID)
		return nil, ctx.Err()
	case pkt, ok := <-ch:
		if !ok {
			return nil, errors.New("mqtt: connection lost")
		}
		return pkt, nil
	}
}

// Subscribe registers the topic filters and blocks for the SUBACK. A
// 0x80 return code for any filter fails the call.
func (c *Client) Subscribe(ctx context.Context, subscriptions ...packet.Subscription) error {
	packetID, err := c.sess.NextPacketID()
	if err != nil {
		return err
	}
	sub := &packet.SubscribePacket{
		FixedHeader:   &packet.FixedHeader{Kind: packet.SUBSCRIBE, QoS: 1},
		PacketID:      packetID,
		Subscriptions: subscriptions,
	}
	ch := c.wait(packetID)
	if err := c.send(sub); err != nil {
		c.drop(packetID)
		return err
	}
	ack, err := c.await(ctx, packetID, ch)
	if err != nil {
		return err
	}
	suback, ok := ack.(*packet.SubackPacket)
	if !ok {
		return fmt.Errorf("mqtt: expected SUBACK, got %s", packet.Kind[ack.Kind()])
	}
	for i, code := range suback.ReturnCodes {
		if code == packet.ErrSubscribeFailure.Code {
			return fmt.Errorf("mqtt: subscribe %q failed", subscriptions[i].TopicFilter)
		}
	}
	log.Printf("client subscribed: clientId=%s, subscriptions=%v", c.options.ClientID, subscriptions)
	return nil
}

// Unsubscribe removes the topic filters and blocks for the UNSUBACK.
func (c *Client) Unsubscribe(ctx context.Context, filters ...string) error {
	packetID, err := c.sess.NextPacketID()
	if err != nil {
		return err
	}
	unsub := &packet.UnsubscribePacket{
		FixedHeader:  &packet.FixedHeader{Kind: packet.UNSUBSCRIBE, QoS: 1},
		PacketID:     packetID,
		TopicFilters: filters,
	}
	ch := c.wait(packetID)
	if err := c.send(unsub); err != nil {
		c.drop(packetID)
		return err
	}
	ack, err := c.await(ctx, packetID, ch)
	if err != nil {
		return err
	}
	if _, ok := ack.(*packet.UnsubackPacket); !ok {
		return fmt.Errorf("mqtt: expected UNSUBACK, got %s", packet.Kind[ack.Kind()])
	}
	return nil
}

// Disconnect sends a graceful DISCONNECT; the server discards the will
// [MQTT-3.14.4-3].
func (c *Client) Disconnect() error {
	err := c.send(&packet.DisconnectPacket{FixedHeader: &packet.FixedHeader{Kind: packet.DISCONNECT}})
	c.mu.Lock()
	c.up = false
	if c.rwc != nil {
		c.rwc.Close()
	}
	c.mu.Unlock()
	return err
}

// wsConn adapts a gorilla WebSocket connection to net.Conn: writes
// become binary frames, reads drain frames as a byte stream so MQTT
// packets may span frame boundaries.
type wsConn struct {
	ws  *gws.Conn
	buf []byte
}

func (w *wsConn) Read(p []byte) (int, error) {
	for len(w.buf) == 0 {
		_, data, err := w.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		w.buf = data
	}
	n := copy(p, w.buf)
	w.buf = w.buf[n:]
	return n, nil
}

func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.ws.WriteMessage(gws.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error                       { return w.ws.Close() }
func (w *wsConn) LocalAddr() net.Addr                { return w.ws.LocalAddr() }
func (w *wsConn) RemoteAddr() net.Addr               { return w.ws.RemoteAddr() }
func (w *wsConn) SetDeadline(t time.Time) error      { return w.ws.UnderlyingConn().SetDeadline(t) }
func (w *wsConn) SetReadDeadline(t time.Time) error  { return w.ws.SetReadDeadline(t) }
func (w *wsConn) SetWriteDeadline(t time.Time) error { return w.ws.SetWriteDeadline(t) }
