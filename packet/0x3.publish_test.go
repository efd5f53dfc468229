package packet

import (
	"bytes"
	"testing"
)

func TestPublishPack(t *testing.T) {
	testCases := []struct {
		name     string
		publish  *PublishPacket
		expected []byte
	}{
		{
			name: "QoS0",
			publish: &PublishPacket{
				FixedHeader: &FixedHeader{Kind: PUBLISH},
				Message:     &Message{TopicName: "a/b", Content: []byte("hi")},
			},
			expected: []byte{0x30, 0x07, 0x00, 0x03, 'a', '/', 'b', 'h', 'i'},
		},
		{
			name: "QoS1Retain",
			publish: &PublishPacket{
				FixedHeader: &FixedHeader{Kind: PUBLISH, QoS: 1, Retain: 1},
				Message:     &Message{TopicName: "a/b", Content: []byte("hi")},
				PacketID:    9,
			},
			expected: []byte{0x33, 0x09, 0x00, 0x03, 'a', '/', 'b', 0x00, 0x09, 'h', 'i'},
		},
		{
			name: "Dup",
			publish: &PublishPacket{
				FixedHeader: &FixedHeader{Kind: PUBLISH, Dup: 1, QoS: 2},
				Message:     &Message{TopicName: "a", Content: nil},
				PacketID:    1,
			},
			expected: []byte{0x3C, 0x05, 0x00, 0x01, 'a', 0x00, 0x01},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := tc.publish.Pack(&buf); err != nil {
				t.Fatalf("Pack() failed: %v", err)
			}
			if !bytes.Equal(buf.Bytes(), tc.expected) {
				t.Errorf("Pack() = %v, want %v", buf.Bytes(), tc.expected)
			}
		})
	}
}

func TestPublishUnpack(t *testing.T) {
	testCases := []struct {
		name     string
		qos      uint8
		data     []byte
		topic    string
		content  []byte
		packetID uint16
		valid    bool
	}{
		{
			name:    "QoS0",
			data:    []byte{0x00, 0x03, 'a', '/', 'b', 'h', 'i'},
			topic:   "a/b",
			content: []byte("hi"),
			valid:   true,
		},
		{
			name:     "QoS1",
			qos:      1,
			data:     []byte{0x00, 0x03, 'a', '/', 'b', 0x00, 0x09, 'h', 'i'},
			topic:    "a/b",
			content:  []byte("hi"),
			packetID: 9,
			valid:    true,
		},
		{
			name:    "EmptyPayload",
			data:    []byte{0x00, 0x01, 'a'},
			topic:   "a",
			content: []byte{},
			valid:   true,
		},
		{name: "EmptyTopic", data: []byte{0x00, 0x00, 'h', 'i'}, valid: false},
		{name: "WildcardPlus", data: []byte{0x00, 0x03, 'a', '/', '+'}, valid: false},
		{name: "WildcardHash", data: []byte{0x00, 0x01, '#'}, valid: false},
		{name: "QoS1MissingPacketID", qos: 1, data: []byte{0x00, 0x01, 'a'}, valid: false},
		{name: "QoS1ZeroPacketID", qos: 1, data: []byte{0x00, 0x01, 'a', 0x00, 0x00}, valid: false},
		{name: "TruncatedTopic", data: []byte{0x00, 0x04, 'a'}, valid: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			publish := &PublishPacket{FixedHeader: &FixedHeader{Kind: PUBLISH, QoS: tc.qos}}
			err := publish.Unpack(bytes.NewBuffer(tc.data))
			if !tc.valid {
				if err == nil {
					t.Error("Unpack() should fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unpack() failed: %v", err)
			}
			if publish.Message.TopicName != tc.topic {
				t.Errorf("TopicName = %q, want %q", publish.Message.TopicName, tc.topic)
			}
			if !bytes.Equal(publish.Message.Content, tc.content) {
				t.Errorf("Content = %v, want %v", publish.Message.Content, tc.content)
			}
			if publish.PacketID != tc.packetID {
				t.Errorf("PacketID = %d, want %d", publish.PacketID, tc.packetID)
			}
		})
	}
}
