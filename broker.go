package mqtt

import (
	"log"
	"sync"

	"github.com/golang-io/mqttsuite/packet"
	"github.com/golang-io/mqttsuite/session"
	"github.com/golang-io/mqttsuite/topic"
)

// Broker routes application messages between connected clients. It owns
// the subscription tree, the retained message tree, the session store
// and the client-id registry.
type Broker struct {
	mu    sync.RWMutex
	conns map[string]*conn

	subs     *topic.Tree
	retained *topic.Retained
	store    *session.Store

	// Authenticate validates CONNECT credentials. Nil accepts every
	// client.
	Authenticate func(username, password string) bool
}

func NewBroker(store *session.Store) *Broker {
	return &Broker{
		conns:    make(map[string]*conn),
		subs:     topic.NewTree(),
		retained: topic.NewRetained(),
		store:    store,
	}
}

// connect admits a client: credential check, client-id rules, duplicate
// takeover, session open and resume. It returns the CONNACK to send;
// a non-zero return code means the connection must be closed right
// after [MQTT-3.2.2-5].
func (b *Broker) connect(c *conn, pkt *packet.ConnectPacket) *packet.ConnackPacket {
	connack := &packet.ConnackPacket{
		FixedHeader: &packet.FixedHeader{Kind: packet.CONNACK},
		ReturnCode:  packet.CodeAccepted,
	}

	// An unacceptable protocol level still gets its CONNACK before the
	// connection goes down [MQTT-3.1.2-2].
	if pkt.ProtocolLevel != packet.VERSION311 {
		log.Printf("client rejected: protocol level %d, remote=%s", pkt.ProtocolLevel, c.remoteAddr)
		connack.ReturnCode = packet.ErrUnsupportedProtocolVersion
		return connack
	}

	if auth := b.Authenticate; auth != nil && !auth(pkt.Username, pkt.Password) {
		log.Printf("client auth failed: clientId=%s, username=%s, remote=%s", pkt.ClientID, pkt.Username, c.remoteAddr)
		connack.ReturnCode = packet.ErrBadUsernameOrPassword
		return connack
	}

	// A zero-byte client identifier is only acceptable with a clean
	// session; the server then assigns one [MQTT-3.1.3-6, -7].
	clientID := pkt.ClientID
	if clientID == "" {
		if !pkt.CleanSession {
			connack.ReturnCode = packet.ErrClientIdentifierNotValid
			return connack
		}
		clientID = "mqtt-" + genID()
	}

	// A second connection with the same client identifier takes over:
	// the old one is disconnected [MQTT-3.1.4-2].
	b.mu.Lock()
	if old, ok := b.conns[clientID]; ok {
		log.Printf("client takeover: clientId=%s, old=%s, new=%s", clientID, old.remoteAddr, c.remoteAddr)
		old.close()
	}
	b.conns[clientID] = c
	b.mu.Unlock()

	sess, present := b.store.Open(clientID, pkt.CleanSession)
	if pkt.WillFlag() {
		c.will = &session.Will{
			TopicName: pkt.WillTopic,
			Payload:   pkt.WillPayload,
			QoS:       pkt.WillQoS,
			Retain:    pkt.WillRetain,
		}
	}
	sess.Will = c.will
	c.ID, c.sess = clientID, sess

	if present {
		// Resumed subscriptions go back into the routing tree.
		for filter, qos := range sess.Subscriptions {
			b.subs.Subscribe(filter, clientID, qos)
		}
	}
	connack.SessionPresent = present
	log.Printf("client connected: clientId=%s, remote=%s, clean=%v, present=%v", clientID, c.remoteAddr, pkt.CleanSession, present)
	return connack
}

// resume retransmits the in-flight window with DUP=1 and drains the
// offline queue. Called after the CONNACK went out [MQTT-4.4.0-1].
func (b *Broker) resume(c *conn) {
	sess := c.sess
	for _, in := range sess.Redeliveries() {
		switch in.Stage {
		case session.AwaitPuback, session.AwaitPubrec:
			pub := &packet.PublishPacket{
				FixedHeader: &packet.FixedHeader{Kind: packet.PUBLISH, Dup: 1, QoS: in.Message.QoS},
				Message:     &packet.Message{TopicName: in.Message.TopicName, Content: in.Message.Payload},
				PacketID:    in.PacketID,
			}
			if in.Message.Retain {
				pub.Retain = 1
			}
			c.send(pub)
		case session.AwaitPubcomp:
			c.send(&packet.PubrelPacket{
				FixedHeader: &packet.FixedHeader{Kind: packet.PUBREL, QoS: 1},
				PacketID:    in.PacketID,
			})
		}
	}
	for _, msg := range sess.TakePending() {
		b.deliver(c, sess, msg)
	}
}

// publish routes one application message: retained-store update, then
// dispatch to every matching subscriber at min(publish QoS, granted
// QoS) [MQTT-3.8.4-6].
func (b *Broker) publish(msg *session.Message) {
	if msg.Retain {
		b.retained.Set(&topic.RetainedMessage{TopicName: msg.TopicName, Payload: msg.Payload, QoS: msg.QoS})
	}
	stat.MessagesRouted.Inc()

	for clientID, granted := range b.subs.Match(msg.TopicName) {
		out := &session.Message{
			TopicName: msg.TopicName,
			Payload:   msg.Payload,
			QoS:       min(msg.QoS, granted),
			// The retain flag is only set on retained-store replays
			// [MQTT-3.3.1-9].
		}
		b.mu.RLock()
		c := b.conns[clientID]
		b.mu.RUnlock()
		if c != nil {
			b.deliver(c, c.sess, out)
			continue
		}
		if sess, present := b.store.Open(clientID, false); present {
			sess.Queue(out)
			b.store.Persist(sess)
		}
	}
}

// deliver sends one message to one subscriber, allocating a packet
// identifier and in-flight state for QoS>0.
func (b *Broker) deliver(c *conn, sess *session.Session, msg *session.Message) {
	pub := &packet.PublishPacket{
		FixedHeader: &packet.FixedHeader{Kind: packet.PUBLISH, QoS: msg.QoS},
		Message:     &packet.Message{TopicName: msg.TopicName, Content: msg.Payload},
	}
	if msg.Retain {
		pub.Retain = 1
	}
	if msg.QoS > 0 {
		packetID, err := sess.NextPacketID()
		if err != nil {
			log.Printf("deliver dropped: clientId=%s, topic=%s, err=%v", c.ID, msg.TopicName, err)
			return
		}
		pub.PacketID = packetID
		sess.SendOut(packetID, msg)
	}
	if err := c.send(pub); err != nil {
		log.Printf("deliver failed: clientId=%s, topic=%s, err=%v", c.ID, msg.TopicName, err)
	}
}

// subscribe registers the requested filters and returns the SUBACK
// return codes in request order [MQTT-3.9.3-1]. Each granted filter
// triggers a retained replay [MQTT-3.3.1-6].
func (b *Broker) subscribe(c *conn, pkt *packet.SubscribePacket) *packet.SubackPacket {
	suback := &packet.SubackPacket{
		FixedHeader: &packet.FixedHeader{Kind: packet.SUBACK},
		PacketID:    pkt.PacketID,
	}
	var granted []packet.Subscription
	for _, sub := range pkt.Subscriptions {
		if !topic.ValidFilter(sub.TopicFilter) || sub.MaximumQoS > 2 {
			suback.ReturnCodes = append(suback.ReturnCodes, packet.ErrSubscribeFailure.Code)
			log.Printf("client subscribe rejected: clientId=%s, filter=%q", c.ID, sub.TopicFilter)
			continue
		}
		b.subs.Subscribe(sub.TopicFilter, c.ID, sub.MaximumQoS)
		c.sess.Subscribe(sub.TopicFilter, sub.MaximumQoS)
		suback.ReturnCodes = append(suback.ReturnCodes, sub.MaximumQoS)
		granted = append(granted, sub)
	}
	b.store.Persist(c.sess)
	log.Printf("client subscribed: clientId=%s, subscriptions=%v", c.ID, pkt.Subscriptions)

	// SUBACK first, then the retained messages.
	if err := c.send(suback); err != nil {
		return nil
	}
	for _, sub := range granted {
		for _, rm := range b.retained.Match(sub.TopicFilter) {
			b.deliver(c, c.sess, &session.Message{
				TopicName: rm.TopicName,
				Payload:   rm.Payload,
				QoS:       min(rm.QoS, sub.MaximumQoS),
				Retain:    true,
			})
		}
	}
	return nil
}

func (b *Broker) unsubscribe(c *conn, pkt *packet.UnsubscribePacket) *packet.UnsubackPacket {
	for _, filter := range pkt.TopicFilters {
		b.subs.Unsubscribe(filter, c.ID)
		c.sess.Unsubscribe(filter)
	}
	b.store.Persist(c.sess)
	log.Printf("client unsubscribed: clientId=%s, filters=%v", c.ID, pkt.TopicFilters)
	return &packet.UnsubackPacket{
		FixedHeader: &packet.FixedHeader{Kind: packet.UNSUBACK},
		PacketID:    pkt.PacketID,
	}
}

// release detaches a closed connection. The will is published unless
// the client sent DISCONNECT first [MQTT-3.1.2-8, MQTT-3.14.4-3].
func (b *Broker) release(c *conn, graceful bool) {
	if c.sess == nil {
		return
	}
	b.mu.Lock()
	// A takeover replaces the registry entry before the old connection
	// unwinds; the session then belongs to the new connection.
	owned := b.conns[c.ID] == c
	if owned {
		delete(b.conns, c.ID)
	}
	b.mu.Unlock()

	if !graceful && c.will != nil {
		log.Printf("client will published: clientId=%s, topic=%s", c.ID, c.will.TopicName)
		b.publish(&session.Message{
			TopicName: c.will.TopicName,
			Payload:   c.will.Payload,
			QoS:       c.will.QoS,
			Retain:    c.will.Retain,
		})
	}
	if !owned {
		return
	}

	sess := c.sess
	sess.Will = nil
	if sess.Clean {
		for filter := range sess.Subscriptions {
			b.subs.Unsubscribe(filter, c.ID)
		}
		b.store.Purge(c.ID)
	} else if err := b.store.Persist(sess); err != nil {
		log.Printf("session persist failed: clientId=%s, err=%v", c.ID, err)
	}
}
