package topic

import (
	"strings"
	"sync"
)

// RetainedMessage is the last retained publish on a topic, replayed to
// new subscribers whose filter matches [MQTT-3.3.1-6].
type RetainedMessage struct {
	TopicName string
	Payload   []byte
	QoS       uint8
}

type retainedNode struct {
	msg  *RetainedMessage
	next map[string]*retainedNode
}

func newRetainedNode() *retainedNode {
	return &retainedNode{next: make(map[string]*retainedNode)}
}

func (n *retainedNode) collect(levels []string, fn func(*RetainedMessage)) {
	if len(levels) == 0 {
		if n.msg != nil {
			fn(n.msg)
		}
		return
	}
	switch levels[0] {
	case "#":
		n.walk(fn)
	case "+":
		for _, next := range n.next {
			next.collect(levels[1:], fn)
		}
	default:
		if next, ok := n.next[levels[0]]; ok {
			next.collect(levels[1:], fn)
		}
	}
}

// walk visits this node and every descendant: "sport/#" replays the
// retained message of "sport" itself as well.
func (n *retainedNode) walk(fn func(*RetainedMessage)) {
	if n.msg != nil {
		fn(n.msg)
	}
	for _, next := range n.next {
		next.walk(fn)
	}
}

// Retained is the retained message tree, keyed by topic name. All
// methods are safe for concurrent use.
type Retained struct {
	mu   sync.RWMutex
	root *retainedNode
}

func NewRetained() *Retained {
	return &Retained{root: newRetainedNode()}
}

// Set stores msg as the retained message of its topic, replacing any
// previous one [MQTT-3.3.1-5]. A zero-byte payload clears the topic
// instead [MQTT-3.3.1-10, MQTT-3.3.1-11].
func (r *Retained) Set(msg *RetainedMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	levels := strings.Split(msg.TopicName, "/")
	if len(msg.Payload) == 0 {
		r.remove(levels)
		return
	}
	current := r.root
	for _, level := range levels {
		next, ok := current.next[level]
		if !ok {
			next = newRetainedNode()
			current.next[level] = next
		}
		current = next
	}
	current.msg = msg
}

func (r *Retained) remove(levels []string) {
	chain := make([]*retainedNode, 0, len(levels)+1)
	current := r.root
	chain = append(chain, current)
	for _, level := range levels {
		next, ok := current.next[level]
		if !ok {
			return
		}
		current = next
		chain = append(chain, current)
	}
	current.msg = nil

	for i := len(levels); i > 0; i-- {
		if chain[i].msg != nil || len(chain[i].next) > 0 {
			break
		}
		delete(chain[i-1].next, levels[i-1])
	}
}

// Match returns every retained message whose topic matches the filter.
func (r *Retained) Match(filter string) []*RetainedMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found []*RetainedMessage
	collect := func(msg *RetainedMessage) { found = append(found, msg) }

	levels := strings.Split(filter, "/")
	switch levels[0] {
	case "#", "+":
		// Wildcard-first filters never match $-topics [MQTT-4.7.2-1].
		for name, next := range r.root.next {
			if strings.HasPrefix(name, "$") {
				continue
			}
			if levels[0] == "#" {
				next.walk(collect)
			} else {
				next.collect(levels[1:], collect)
			}
		}
	default:
		if next, ok := r.root.next[levels[0]]; ok {
			next.collect(levels[1:], collect)
		}
	}
	return found
}
