package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Subscription pairs a topic filter with the maximum QoS the server may
// use when forwarding matching messages (3.8.3 SUBSCRIBE Payload).
type Subscription struct {
	TopicFilter string
	MaximumQoS  uint8
}

func (s Subscription) String() string {
	return fmt.Sprintf("%s(%d)", s.TopicFilter, s.MaximumQoS)
}

// SubscribePacket asks the server to register one or more topic filter
// subscriptions (3.8 SUBSCRIBE). Bits 3-0 of the fixed header must be
// 0010 [MQTT-3.8.1-1]; FixedHeader.Unpack enforces that.
type SubscribePacket struct {
	*FixedHeader
	PacketID      uint16
	Subscriptions []Subscription
}

func (pkt *SubscribePacket) Kind() byte { return SUBSCRIBE }

func (pkt *SubscribePacket) String() string {
	return fmt.Sprintf("[0x8]SUBSCRIBE: PacketID=%d, Subscriptions=%v", pkt.PacketID, pkt.Subscriptions)
}

func (pkt *SubscribePacket) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(i2b(pkt.PacketID))
	for _, sub := range pkt.Subscriptions {
		buf.Write(s2b(sub.TopicFilter))
		buf.WriteByte(sub.MaximumQoS)
	}

	pkt.QoS, pkt.RemainingLength = 1, uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *SubscribePacket) Unpack(buf *bytes.Buffer) error {
	if buf.Len() < 2 {
		return ErrMalformedPacketID
	}
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))
	if pkt.PacketID == 0 {
		return ErrMalformedPacketID
	}
	for buf.Len() > 0 {
		filter, err := decodeUTF8[string](buf)
		if err != nil {
			return err
		}
		if buf.Len() < 1 {
			return ErrMalformedPacket
		}
		opts := buf.Next(1)[0]
		// Bits 7-2 of the requested QoS byte are reserved [MQTT-3-8.3-4];
		// the QoS itself must not exceed 2 [MQTT-3.8.3-4].
		if opts&0xFC != 0 {
			return ErrMalformedFlags
		}
		pkt.Subscriptions = append(pkt.Subscriptions, Subscription{TopicFilter: filter, MaximumQoS: opts})
	}
	// The payload must contain at least one filter/QoS pair
	// [MQTT-3.8.3-3].
	if len(pkt.Subscriptions) == 0 {
		return ErrProtocolViolationNoTopic
	}
	return nil
}
