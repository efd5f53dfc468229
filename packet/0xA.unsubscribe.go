package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// UnsubscribePacket asks the server to remove topic filter
// subscriptions (3.10 UNSUBSCRIBE). Bits 3-0 of the fixed header must
// be 0010 [MQTT-3.10.1-1]; FixedHeader.Unpack enforces that.
type UnsubscribePacket struct {
	*FixedHeader
	PacketID     uint16
	TopicFilters []string
}

func (pkt *UnsubscribePacket) Kind() byte { return UNSUBSCRIBE }

func (pkt *UnsubscribePacket) String() string {
	return fmt.Sprintf("[0xA]UNSUBSCRIBE: PacketID=%d, TopicFilters=%v", pkt.PacketID, pkt.TopicFilters)
}

func (pkt *UnsubscribePacket) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(i2b(pkt.PacketID))
	for _, filter := range pkt.TopicFilters {
		buf.Write(s2b(filter))
	}

	pkt.QoS, pkt.RemainingLength = 1, uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *UnsubscribePacket) Unpack(buf *bytes.Buffer) error {
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
		pkt.TopicFilters = append(pkt.TopicFilters, filter)
	}
	// The payload must contain at least one topic filter
	// [MQTT-3.10.3-2].
	if len(pkt.TopicFilters) == 0 {
		return ErrProtocolViolationNoTopic
	}
	return nil
}
