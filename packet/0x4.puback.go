package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// PubackPacket is the response to a QoS 1 PUBLISH (3.4 PUBACK).
type PubackPacket struct {
	*FixedHeader
	PacketID uint16
}

func (pkt *PubackPacket) Kind() byte { return PUBACK }

func (pkt *PubackPacket) String() string {
	return fmt.Sprintf("[0x4]PUBACK: PacketID=%d", pkt.PacketID)
}

func (pkt *PubackPacket) Pack(w io.Writer) error {
	pkt.RemainingLength = 2
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := w.Write(i2b(pkt.PacketID))
	return err
}

func (pkt *PubackPacket) Unpack(buf *bytes.Buffer) error {
	if buf.Len() != 2 {
		return ErrMalformedPacketID
	}
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))
	return nil
}
