package topic

import (
	"sort"
	"testing"
)

func names(msgs []*RetainedMessage) []string {
	v := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		v = append(v, msg.TopicName)
	}
	sort.Strings(v)
	return v
}

func TestRetainedSetAndMatch(t *testing.T) {
	r := NewRetained()
	r.Set(&RetainedMessage{TopicName: "a/b", Payload: []byte("1")})
	r.Set(&RetainedMessage{TopicName: "a/b/c", Payload: []byte("2"), QoS: 1})
	r.Set(&RetainedMessage{TopicName: "a/x", Payload: []byte("3")})

	testCases := []struct {
		filter string
		want   []string
	}{
		{"a/b", []string{"a/b"}},
		{"a/+", []string{"a/b", "a/x"}},
		{"a/#", []string{"a/b", "a/b/c", "a/x"}},
		{"a/b/#", []string{"a/b", "a/b/c"}},
		{"#", []string{"a/b", "a/b/c", "a/x"}},
		{"+/b", []string{"a/b"}},
		{"nope/#", nil},
	}

	for _, tc := range testCases {
		t.Run(tc.filter, func(t *testing.T) {
			got := names(r.Match(tc.filter))
			if len(got) != len(tc.want) {
				t.Fatalf("Match(%q) = %v, want %v", tc.filter, got, tc.want)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Errorf("Match(%q) = %v, want %v", tc.filter, got, tc.want)
				}
			}
		})
	}
}

func TestRetainedReplace(t *testing.T) {
	r := NewRetained()
	r.Set(&RetainedMessage{TopicName: "a", Payload: []byte("old")})
	r.Set(&RetainedMessage{TopicName: "a", Payload: []byte("new"), QoS: 2})

	msgs := r.Match("a")
	if len(msgs) != 1 {
		t.Fatalf("Match(a) returned %d messages, want 1", len(msgs))
	}
	if string(msgs[0].Payload) != "new" || msgs[0].QoS != 2 {
		t.Errorf("retained message not replaced: %q qos=%d", msgs[0].Payload, msgs[0].QoS)
	}
}

func TestRetainedEmptyPayloadClears(t *testing.T) {
	r := NewRetained()
	r.Set(&RetainedMessage{TopicName: "a/b", Payload: []byte("x")})
	r.Set(&RetainedMessage{TopicName: "a/b", Payload: nil})

	if msgs := r.Match("a/#"); len(msgs) != 0 {
		t.Errorf("Match after clear = %v, want empty", names(msgs))
	}

	// Clearing an unknown topic is a no-op.
	r.Set(&RetainedMessage{TopicName: "x/y", Payload: nil})
}

func TestRetainedDollarTopics(t *testing.T) {
	r := NewRetained()
	r.Set(&RetainedMessage{TopicName: "$SYS/uptime", Payload: []byte("1")})
	r.Set(&RetainedMessage{TopicName: "a", Payload: []byte("2")})

	if got := names(r.Match("#")); len(got) != 1 || got[0] != "a" {
		t.Errorf("Match(#) = %v, want [a]", got)
	}
	if got := names(r.Match("+/uptime")); len(got) != 0 {
		t.Errorf("Match(+/uptime) = %v, want empty", got)
	}
	if got := names(r.Match("$SYS/#")); len(got) != 1 || got[0] != "$SYS/uptime" {
		t.Errorf("Match($SYS/#) = %v, want [$SYS/uptime]", got)
	}
}
