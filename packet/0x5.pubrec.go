package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// PubrecPacket is the response to a QoS 2 PUBLISH; the second packet of
// the QoS 2 protocol exchange (3.5 PUBREC).
type PubrecPacket struct {
	*FixedHeader
	PacketID uint16
}

func (pkt *PubrecPacket) Kind() byte { return PUBREC }

func (pkt *PubrecPacket) String() string {
	return fmt.Sprintf("[0x5]PUBREC: PacketID=%d", pkt.PacketID)
}

func (pkt *PubrecPacket) Pack(w io.Writer) error {
	pkt.RemainingLength = 2
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := w.Write(i2b(pkt.PacketID))
	return err
}

func (pkt *PubrecPacket) Unpack(buf *bytes.Buffer) error {
	if buf.Len() != 2 {
		return ErrMalformedPacketID
	}
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))
	return nil
}
