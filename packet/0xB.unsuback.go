package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// UnsubackPacket acknowledges an UNSUBSCRIBE (3.11 UNSUBACK). No
// payload; the acknowledgement is unconditional even when no matching
// subscription existed [MQTT-3.10.4-5].
type UnsubackPacket struct {
	*FixedHeader
	PacketID uint16
}

func (pkt *UnsubackPacket) Kind() byte { return UNSUBACK }

func (pkt *UnsubackPacket) String() string {
	return fmt.Sprintf("[0xB]UNSUBACK: PacketID=%d", pkt.PacketID)
}

func (pkt *UnsubackPacket) Pack(w io.Writer) error {
	pkt.RemainingLength = 2
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := w.Write(i2b(pkt.PacketID))
	return err
}

func (pkt *UnsubackPacket) Unpack(buf *bytes.Buffer) error {
	if buf.Len() != 2 {
		return ErrMalformedPacketID
	}
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))
	return nil
}
