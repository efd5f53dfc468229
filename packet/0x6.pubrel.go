package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// PubrelPacket is the response to a PUBREC; the third packet of the
// QoS 2 protocol exchange (3.6 PUBREL). Bits 3-0 of the fixed header
// must be 0010 [MQTT-3.6.1-1]; FixedHeader.Unpack enforces that.
type PubrelPacket struct {
	*FixedHeader
	PacketID uint16
}

func (pkt *PubrelPacket) Kind() byte { return PUBREL }

func (pkt *PubrelPacket) String() string {
	return fmt.Sprintf("[0x6]PUBREL: PacketID=%d", pkt.PacketID)
}

func (pkt *PubrelPacket) Pack(w io.Writer) error {
	pkt.QoS, pkt.RemainingLength = 1, 2
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := w.Write(i2b(pkt.PacketID))
	return err
}

func (pkt *PubrelPacket) Unpack(buf *bytes.Buffer) error {
	if buf.Len() != 2 {
		return ErrMalformedPacketID
	}
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))
	return nil
}
