package topic

import (
	"strings"
	"sync"
)

type node struct {
	// subscribers maps client identifiers to the maximum QoS granted
	// for the filter ending at this node.
	subscribers map[string]uint8
	next        map[string]*node
}

func newNode() *node {
	return &node{next: make(map[string]*node)}
}

func (n *node) empty() bool {
	return len(n.subscribers) == 0 && len(n.next) == 0
}

func (n *node) match(levels []string, fn func(map[string]uint8)) {
	if hash, ok := n.next["#"]; ok {
		// "sport/#" also matches the parent "sport" [MQTT-4.7.1-2].
		fn(hash.subscribers)
	}
	if len(levels) == 0 {
		fn(n.subscribers)
		return
	}
	if next, ok := n.next[levels[0]]; ok {
		next.match(levels[1:], fn)
	}
	if plus, ok := n.next["+"]; ok {
		plus.match(levels[1:], fn)
	}
}

// Tree is the subscription tree: one node per topic level, with the
// subscriber set of each registered filter stored at the filter's leaf.
// All methods are safe for concurrent use.
type Tree struct {
	mu   sync.RWMutex
	root *node
}

func NewTree() *Tree {
	return &Tree{root: newNode()}
}

// Subscribe registers clientID under filter with the granted maximum
// QoS. A repeated subscribe replaces the previous QoS [MQTT-3.8.4-3].
func (t *Tree) Subscribe(filter, clientID string, qos uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	current := t.root
	for _, level := range strings.Split(filter, "/") {
		next, ok := current.next[level]
		if !ok {
			next = newNode()
			current.next[level] = next
		}
		current = next
	}
	if current.subscribers == nil {
		current.subscribers = make(map[string]uint8)
	}
	current.subscribers[clientID] = qos
}

// Unsubscribe removes clientID from filter, pruning branches that no
// longer lead to any subscriber.
func (t *Tree) Unsubscribe(filter, clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	levels := strings.Split(filter, "/")
	chain := make([]*node, 0, len(levels)+1)
	current := t.root
	chain = append(chain, current)
	for _, level := range levels {
		next, ok := current.next[level]
		if !ok {
			return
		}
		current = next
		chain = append(chain, current)
	}
	delete(current.subscribers, clientID)

	for i := len(levels); i > 0; i-- {
		if !chain[i].empty() {
			break
		}
		delete(chain[i-1].next, levels[i-1])
	}
}

// Match returns every subscriber whose filter matches the topic name,
// with the highest granted QoS when several of a client's filters
// overlap.
func (t *Tree) Match(name string) map[string]uint8 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	found := make(map[string]uint8)
	collect := func(subs map[string]uint8) {
		for clientID, qos := range subs {
			if prev, ok := found[clientID]; !ok || qos > prev {
				found[clientID] = qos
			}
		}
	}

	levels := strings.Split(name, "/")

	// Root-level wildcards never match $-topics [MQTT-4.7.2-1], so the
	// first level is walked here and only deeper levels recurse freely.
	if next, ok := t.root.next[levels[0]]; ok {
		next.match(levels[1:], collect)
	}
	if !strings.HasPrefix(levels[0], "$") {
		if hash, ok := t.root.next["#"]; ok {
			collect(hash.subscribers)
		}
		if plus, ok := t.root.next["+"]; ok {
			plus.match(levels[1:], collect)
		}
	}
	return found
}
