package packet

import (
	"bytes"
	"io"
)

// PingrespPacket is the server response to a PINGREQ (3.13 PINGRESP).
type PingrespPacket struct {
	*FixedHeader
}

func (pkt *PingrespPacket) Kind() byte { return PINGRESP }

func (pkt *PingrespPacket) String() string { return "[0xD]PINGRESP" }

func (pkt *PingrespPacket) Pack(w io.Writer) error {
	pkt.RemainingLength = 0
	return pkt.FixedHeader.Pack(w)
}

func (pkt *PingrespPacket) Unpack(buf *bytes.Buffer) error {
	if buf.Len() != 0 {
		return ErrMalformedPacket
	}
	return nil
}
