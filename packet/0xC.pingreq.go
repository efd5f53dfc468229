package packet

import (
	"bytes"
	"io"
)

// PingreqPacket is the client keep-alive probe (3.12 PINGREQ). No
// variable header, no payload.
type PingreqPacket struct {
	*FixedHeader
}

func (pkt *PingreqPacket) Kind() byte { return PINGREQ }

func (pkt *PingreqPacket) String() string { return "[0xC]PINGREQ" }

func (pkt *PingreqPacket) Pack(w io.Writer) error {
	pkt.RemainingLength = 0
	return pkt.FixedHeader.Pack(w)
}

func (pkt *PingreqPacket) Unpack(buf *bytes.Buffer) error {
	if buf.Len() != 0 {
		return ErrMalformedPacket
	}
	return nil
}
