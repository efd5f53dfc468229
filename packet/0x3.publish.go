package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Message is an application message: the topic it was published to and
// its payload. The broker routes Messages; the packet layer only moves
// them on and off the wire.
type Message struct {
	TopicName string
	Content   []byte
}

func (m *Message) String() string {
	return fmt.Sprintf("topic=%s len=%d", m.TopicName, len(m.Content))
}

// PublishPacket transports an application message (3.3 PUBLISH).
// Variable header: topic name, then a packet identifier when QoS>0.
// The payload is the message content and may be empty.
type PublishPacket struct {
	*FixedHeader
	Message  *Message
	PacketID uint16
}

func (pkt *PublishPacket) Kind() byte { return PUBLISH }

func (pkt *PublishPacket) String() string {
	return fmt.Sprintf("[0x3]PUBLISH: QoS=%d, PacketID=%d, %s", pkt.QoS, pkt.PacketID, pkt.Message)
}

func (pkt *PublishPacket) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(s2b(pkt.Message.TopicName))
	if pkt.QoS > 0 {
		buf.Write(i2b(pkt.PacketID))
	}
	buf.Write(pkt.Message.Content)

	pkt.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *PublishPacket) Unpack(buf *bytes.Buffer) error {
	topic, err := decodeUTF8[string](buf)
	if err != nil {
		return err
	}
	// The topic name must not contain wildcard characters
	// [MQTT-3.3.2-2] and must be at least one character long
	// [MQTT-4.7.3-1].
	if topic == "" {
		return ErrProtocolViolationNoTopic
	}
	if strings.ContainsAny(topic, "+#") {
		return ErrTopicNameInvalid
	}
	if pkt.QoS > 0 {
		if buf.Len() < 2 {
			return ErrMalformedPacketID
		}
		pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))
		if pkt.PacketID == 0 {
			// A packet identifier must be non-zero [MQTT-2.3.1-1].
			return ErrMalformedPacketID
		}
	}
	pkt.Message = &Message{TopicName: topic, Content: append([]byte(nil), buf.Bytes()...)}
	return nil
}
