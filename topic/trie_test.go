package topic

import "testing"

func TestTreeMatch(t *testing.T) {
	tree := NewTree()
	tree.Subscribe("sport/tennis/player1", "a", 0)
	tree.Subscribe("sport/tennis/+", "b", 1)
	tree.Subscribe("sport/#", "c", 2)
	tree.Subscribe("#", "d", 0)
	tree.Subscribe("+/tennis/#", "e", 1)

	testCases := []struct {
		name string
		want map[string]uint8
	}{
		{
			name: "sport/tennis/player1",
			want: map[string]uint8{"a": 0, "b": 1, "c": 2, "d": 0, "e": 1},
		},
		{
			name: "sport/tennis/player2",
			want: map[string]uint8{"b": 1, "c": 2, "d": 0, "e": 1},
		},
		{
			name: "sport/tennis",
			want: map[string]uint8{"c": 2, "d": 0, "e": 1},
		},
		{
			name: "sport",
			want: map[string]uint8{"c": 2, "d": 0},
		},
		{
			name: "news",
			want: map[string]uint8{"d": 0},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := tree.Match(tc.name)
			if len(got) != len(tc.want) {
				t.Fatalf("Match(%q) = %v, want %v", tc.name, got, tc.want)
			}
			for clientID, qos := range tc.want {
				if got[clientID] != qos {
					t.Errorf("Match(%q)[%s] = %d, want %d", tc.name, clientID, got[clientID], qos)
				}
			}
		})
	}
}

func TestTreeMatchHighestQoS(t *testing.T) {
	tree := NewTree()
	tree.Subscribe("a/b", "c1", 0)
	tree.Subscribe("a/+", "c1", 2)

	got := tree.Match("a/b")
	if got["c1"] != 2 {
		t.Errorf("overlapping filters should grant the highest QoS, got %d", got["c1"])
	}
}

func TestTreeResubscribeReplacesQoS(t *testing.T) {
	tree := NewTree()
	tree.Subscribe("a/b", "c1", 0)
	tree.Subscribe("a/b", "c1", 2)

	if got := tree.Match("a/b"); got["c1"] != 2 {
		t.Errorf("resubscribe should replace QoS, got %d", got["c1"])
	}
}

func TestTreeUnsubscribe(t *testing.T) {
	tree := NewTree()
	tree.Subscribe("a/b/c", "c1", 1)
	tree.Subscribe("a/b", "c2", 1)

	tree.Unsubscribe("a/b/c", "c1")
	if got := tree.Match("a/b/c"); len(got) != 0 {
		t.Errorf("Match after unsubscribe = %v, want empty", got)
	}
	// Sibling subscription on the shared prefix must survive pruning.
	if got := tree.Match("a/b"); got["c2"] != 1 {
		t.Errorf("Match(a/b) = %v, want c2", got)
	}

	// Unsubscribing a filter that was never subscribed is a no-op.
	tree.Unsubscribe("x/y", "c1")
	tree.Unsubscribe("a/b", "unknown")
	if got := tree.Match("a/b"); got["c2"] != 1 {
		t.Errorf("Match(a/b) = %v, want c2", got)
	}
}

func TestTreeDollarTopics(t *testing.T) {
	tree := NewTree()
	tree.Subscribe("#", "wild", 0)
	tree.Subscribe("+/monitor/clients", "plus", 0)
	tree.Subscribe("$SYS/monitor/clients", "sys", 0)

	got := tree.Match("$SYS/monitor/clients")
	if _, ok := got["wild"]; ok {
		t.Error("# must not match a $-topic")
	}
	if _, ok := got["plus"]; ok {
		t.Error("a filter starting with + must not match a $-topic")
	}
	if _, ok := got["sys"]; !ok {
		t.Error("an explicit $SYS filter must match")
	}
}

func TestValidName(t *testing.T) {
	testCases := []struct {
		name  string
		valid bool
	}{
		{"a/b", true},
		{"/", true},
		{"a//b", true},
		{"$SYS/x", true},
		{"", false},
		{"a/+", false},
		{"a/#", false},
	}
	for _, tc := range testCases {
		if got := ValidName(tc.name); got != tc.valid {
			t.Errorf("ValidName(%q) = %v, want %v", tc.name, got, tc.valid)
		}
	}
}

func TestValidFilter(t *testing.T) {
	testCases := []struct {
		filter string
		valid  bool
	}{
		{"a/b", true},
		{"#", true},
		{"a/#", true},
		{"+", true},
		{"+/b/+", true},
		{"a/+/#", true},
		{"", false},
		{"a/#/b", false},
		{"a#", false},
		{"a+/b", false},
		{"a/b+", false},
	}
	for _, tc := range testCases {
		if got := ValidFilter(tc.filter); got != tc.valid {
			t.Errorf("ValidFilter(%q) = %v, want %v", tc.filter, got, tc.valid)
		}
	}
}

func TestMatchPairs(t *testing.T) {
	testCases := []struct {
		filter string
		name   string
		match  bool
	}{
		{"sport/tennis/#", "sport/tennis/player1", true},
		{"sport/tennis/#", "sport/tennis", true},
		{"sport/tennis/#", "sport", false},
		{"#", "a/b/c", true},
		{"+/+", "/finance", true},
		{"/+", "/finance", true},
		{"+", "/finance", false},
		{"sport/+", "sport", false},
		{"sport/+", "sport/", true},
		{"#", "$SYS/a", false},
		{"+/a", "$SYS/a", false},
		{"$SYS/#", "$SYS/a", true},
		{"a/b", "a/b", true},
		{"a/b", "a/c", false},
	}
	for _, tc := range testCases {
		if got := Match(tc.filter, tc.name); got != tc.match {
			t.Errorf("Match(%q, %q) = %v, want %v", tc.filter, tc.name, got, tc.match)
		}
	}
}
