// Package session holds per-client broker state: subscriptions, QoS
// in-flight windows, the offline pending queue and the will descriptor.
// Non-clean sessions survive disconnects and, through Store, broker
// restarts.
package session

import (
	"errors"
	"sync"
)

// Outbound QoS delivery stages.
const (
	AwaitPuback  uint8 = 1 // QoS 1 PUBLISH sent
	AwaitPubrec  uint8 = 2 // QoS 2 PUBLISH sent
	AwaitPubcomp uint8 = 3 // QoS 2 PUBREL sent
)

// ErrPacketIDExhausted is returned when all 65535 packet identifiers
// are held by unacknowledged deliveries.
var ErrPacketIDExhausted = errors.New("session: packet identifiers exhausted")

// Message is an application message staged for delivery.
type Message struct {
	TopicName string
	Payload   []byte
	QoS       uint8
	Retain    bool
}

// Will is the will descriptor registered at CONNECT, published by the
// broker when the connection ends without a DISCONNECT.
type Will struct {
	TopicName string
	Payload   []byte
	QoS       uint8
	Retain    bool
}

// Inflight is an outbound delivery that has not completed its QoS
// exchange. The message is kept for redelivery with DUP=1.
type Inflight struct {
	PacketID uint16
	Stage    uint8
	Message  *Message
}

// Session is the state the broker keeps per client identifier. All
// methods are safe for concurrent use.
type Session struct {
	mu sync.Mutex

	ClientID string
	Clean    bool

	// Subscriptions maps topic filter to granted maximum QoS.
	Subscriptions map[string]uint8

	// InflightOut holds outbound deliveries awaiting acknowledgement,
	// keyed by packet identifier. InflightIn holds inbound QoS 2
	// publishes staged between PUBLISH and PUBREL; keeping the message
	// here lets the exchange complete across a reconnect.
	InflightOut map[uint16]*Inflight
	InflightIn  map[uint16]*Message

	// Pending queues messages that arrived while the client was
	// offline, delivered in order on reconnect.
	Pending []*Message

	Will *Will

	nextID uint16
}

func New(clientID string, clean bool) *Session {
	return &Session{
		ClientID:      clientID,
		Clean:         clean,
		Subscriptions: make(map[string]uint8),
		InflightOut:   make(map[uint16]*Inflight),
		InflightIn:    make(map[uint16]*Message),
	}
}

// NextPacketID allocates a packet identifier not currently held by an
// in-flight delivery. Identifier 0 is never produced [MQTT-2.3.1-1].
func (s *Session) NextPacketID() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < 65535; i++ {
		s.nextID++
		if s.nextID == 0 {
			s.nextID = 1
		}
		if _, held := s.InflightOut[s.nextID]; !held {
			return s.nextID, nil
		}
	}
	return 0, ErrPacketIDExhausted
}

// Subscribe records filter at the granted QoS, replacing any previous
// grant [MQTT-3.8.4-3].
func (s *Session) Subscribe(filter string, qos uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Subscriptions[filter] = qos
}

func (s *Session) Unsubscribe(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Subscriptions, filter)
}

// Queue appends msg to the offline pending queue.
func (s *Session) Queue(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Pending = append(s.Pending, msg)
}

// TakePending removes and returns the queued messages in arrival order.
func (s *Session) TakePending() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.Pending
	s.Pending = nil
	return pending
}

// SendOut records an outbound QoS>0 delivery entering its first stage.
func (s *Session) SendOut(packetID uint16, msg *Message) {
	stage := AwaitPuback
	if msg.QoS == 2 {
		stage = AwaitPubrec
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InflightOut[packetID] = &Inflight{PacketID: packetID, Stage: stage, Message: msg}
}

// Ack completes a QoS 1 delivery. It reports whether the packet
// identifier was outstanding.
func (s *Session) Ack(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.InflightOut[packetID]
	if !ok || in.Stage != AwaitPuback {
		return false
	}
	delete(s.InflightOut, packetID)
	return true
}

// Rec advances a QoS 2 delivery to the PUBREL stage. The message is
// dropped; only the identifier is needed from here on.
func (s *Session) Rec(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.InflightOut[packetID]
	if !ok || in.Stage != AwaitPubrec {
		return false
	}
	in.Stage, in.Message = AwaitPubcomp, nil
	return true
}

// Comp completes a QoS 2 delivery.
func (s *Session) Comp(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.InflightOut[packetID]
	if !ok || in.Stage != AwaitPubcomp {
		return false
	}
	delete(s.InflightOut, packetID)
	return true
}

// RecvQoS2 stages an inbound QoS 2 publish until its PUBREL. It reports
// false on a duplicate delivery, which must not be staged again
// [MQTT-4.3.3-2].
func (s *Session) RecvQoS2(packetID uint16, msg *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, staged := s.InflightIn[packetID]; staged {
		return false
	}
	s.InflightIn[packetID] = msg
	return true
}

// Rel releases an inbound QoS 2 packet identifier on PUBREL and returns
// the staged message for routing, exactly once.
func (s *Session) Rel(packetID uint16) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, staged := s.InflightIn[packetID]
	if staged {
		delete(s.InflightIn, packetID)
	}
	return msg, staged
}

// Redeliveries returns the outbound in-flight set ordered by packet
// identifier, for retransmission on session resume [MQTT-4.4.0-1].
func (s *Session) Redeliveries() []*Inflight {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Inflight, 0, len(s.InflightOut))
	for _, in := range s.InflightOut {
		out = append(out, in)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].PacketID > out[j].PacketID; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
