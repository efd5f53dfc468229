// Package bridge forwards application messages between broker
// endpoints. Loop prevention is exclusion of the originating endpoint;
// an optional echo filter additionally drops a forwarded message when
// the peer broker reflects it back.
package bridge

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
)

// A Message is one application message crossing the fabric.
type Message struct {
	TopicName string
	Payload   []byte
	QoS       uint8
	Retain    bool
}

// An Endpoint is one attached broker connection. *mqtt.Client satisfies
// it.
type Endpoint interface {
	ID() string
	Publish(ctx context.Context, topicName string, payload []byte, qos uint8, retain bool) error
}

// A Bridge fans every received message out to all attached endpoints
// except the one it arrived on.
type Bridge struct {
	Name string

	mu    sync.RWMutex
	conns []Endpoint

	// echoes is non-nil when loop_prevention is on: it remembers what
	// was forwarded to each endpoint so the reflected copy can be
	// dropped. MQTT 3.1.1 has no no-local subscription option, so the
	// filter runs on our side.
	echoes map[string]*echoFilter

	log *slog.Logger
}

// New creates a bridge. loopPrevention enables the echo filter.
func New(name string, loopPrevention bool) *Bridge {
	b := &Bridge{
		Name: name,
		log:  slog.Default().With("context", "BRIDGE", "bridge", name),
	}
	if loopPrevention {
		b.echoes = make(map[string]*echoFilter)
	}
	return b
}

// Attach appends an endpoint to the fabric.
func (b *Bridge) Attach(e Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns = append(b.conns, e)
	if b.echoes != nil {
		b.echoes[e.ID()] = newEchoFilter()
	}
	b.log.Info("endpoint attached", "endpoint", e.ID(), "attached", len(b.conns))
}

// Detach removes an endpoint. Unknown endpoints are ignored.
func (b *Bridge) Detach(e Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, conn := range b.conns {
		if conn == e {
			b.conns = append(b.conns[:i], b.conns[i+1:]...)
			delete(b.echoes, e.ID())
			b.log.Info("endpoint detached", "endpoint", e.ID(), "attached", len(b.conns))
			return
		}
	}
}

// Endpoints returns a snapshot of the attached endpoints.
func (b *Bridge) Endpoints() []Endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Endpoint, len(b.conns))
	copy(out, b.conns)
	return out
}

// Publish forwards msg, received on the endpoint identified by origin,
// to every other attached endpoint. A failing endpoint logs and does
// not block the others. It reports whether the message was forwarded
// anywhere.
func (b *Bridge) Publish(ctx context.Context, origin string, msg Message) bool {
	b.mu.RLock()
	if filter := b.echoes[origin]; filter != nil && filter.consume(msg) {
		b.mu.RUnlock()
		return false // our own forward reflected back
	}
	conns := make([]Endpoint, len(b.conns))
	copy(conns, b.conns)
	b.mu.RUnlock()

	forwarded := false
	for _, conn := range conns {
		if conn.ID() == origin {
			continue
		}
		b.mu.RLock()
		if filter := b.echoes[conn.ID()]; filter != nil {
			filter.remember(msg)
		}
		b.mu.RUnlock()
		if err := conn.Publish(ctx, msg.TopicName, msg.Payload, msg.QoS, msg.Retain); err != nil {
			b.log.Error("forward failed", "endpoint", conn.ID(), "topic", msg.TopicName, "error", err)
			continue
		}
		forwarded = true
	}
	return forwarded
}

// echoFilter is a bounded multiset of message fingerprints.
const echoWindow = 1024

type echoFilter struct {
	mu    sync.Mutex
	seen  map[uint64]int
	order []uint64
}

func newEchoFilter() *echoFilter {
	return &echoFilter{seen: make(map[uint64]int)}
}

func fingerprint(msg Message) uint64 {
	h := fnv.New64a()
	h.Write([]byte(msg.TopicName))
	h.Write([]byte{0})
	h.Write(msg.Payload)
	return h.Sum64()
}

func (f *echoFilter) remember(msg Message) {
	fp := fingerprint(msg)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[fp]++
	f.order = append(f.order, fp)
	if len(f.order) > echoWindow {
		old := f.order[0]
		f.order = f.order[1:]
		if f.seen[old]--; f.seen[old] <= 0 {
			delete(f.seen, old)
		}
	}
}

// consume reports whether msg matches a remembered forward and removes
// one occurrence if so.
func (f *echoFilter) consume(msg Message) bool {
	fp := fingerprint(msg)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[fp] == 0 {
		return false
	}
	if f.seen[fp]--; f.seen[fp] <= 0 {
		delete(f.seen, fp)
	}
	return true
}
