// Package topic implements MQTT topic name and filter handling: syntax
// validation, single-pair matching, the subscription tree and the
// retained message tree.
//
// Topic levels are separated by "/". A filter may contain the
// single-level wildcard "+" and, as its last level only, the multi-level
// wildcard "#". Names starting with "$" are reserved for server topics
// and are never matched by filters whose first level is a wildcard
// [MQTT-4.7.2-1].
package topic

import "strings"

// ValidName reports whether name is a legal topic name for PUBLISH:
// at least one character and no wildcard characters [MQTT-3.3.2-2,
// MQTT-4.7.3-1].
func ValidName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "+#")
}

// ValidFilter reports whether filter is a legal topic filter: at least
// one character, "#" only as the final level [MQTT-4.7.1-2], "+"
// occupying an entire level [MQTT-4.7.1-3].
func ValidFilter(filter string) bool {
	if filter == "" {
		return false
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return false
			}
		case strings.Contains(level, "#"):
			return false
		case strings.Contains(level, "+") && level != "+":
			return false
		}
	}
	return true
}

// Match reports whether the topic name matches the topic filter. Both
// inputs are assumed syntactically valid.
func Match(filter, name string) bool {
	fl, nl := strings.Split(filter, "/"), strings.Split(name, "/")

	// A wildcard first level never matches a $-topic [MQTT-4.7.2-1].
	if (fl[0] == "#" || fl[0] == "+") && strings.HasPrefix(nl[0], "$") {
		return false
	}

	for i, level := range fl {
		if level == "#" {
			return true
		}
		if i >= len(nl) {
			return false
		}
		if level != "+" && level != nl[i] {
			return false
		}
	}
	// "sport/tennis/#" also matches the parent "sport/tennis"
	// [MQTT-4.7.1-2]; a trailing "/#" is consumed above, so at this
	// point filter and name must have the same depth.
	return len(fl) == len(nl)
}
