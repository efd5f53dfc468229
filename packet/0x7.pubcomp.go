package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// PubcompPacket is the response to a PUBREL; the fourth and final
// packet of the QoS 2 protocol exchange (3.7 PUBCOMP).
type PubcompPacket struct {
	*FixedHeader
	PacketID uint16
}

func (pkt *PubcompPacket) Kind() byte { return PUBCOMP }

func (pkt *PubcompPacket) String() string {
	return fmt.Sprintf("[0x7]PUBCOMP: PacketID=%d", pkt.PacketID)
}

func (pkt *PubcompPacket) Pack(w io.Writer) error {
	pkt.RemainingLength = 2
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := w.Write(i2b(pkt.PacketID))
	return err
}

func (pkt *PubcompPacket) Unpack(buf *bytes.Buffer) error {
	if buf.Len() != 2 {
		return ErrMalformedPacketID
	}
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))
	return nil
}
