package packet

import (
	"bytes"
	"io"
)

// DisconnectPacket is the final packet from the client (3.14
// DISCONNECT). Receiving it tells the server to discard any will
// message associated with the connection [MQTT-3.14.4-3].
type DisconnectPacket struct {
	*FixedHeader
}

func (pkt *DisconnectPacket) Kind() byte { return DISCONNECT }

func (pkt *DisconnectPacket) String() string { return "[0xE]DISCONNECT" }

func (pkt *DisconnectPacket) Pack(w io.Writer) error {
	pkt.RemainingLength = 0
	return pkt.FixedHeader.Pack(w)
}

func (pkt *DisconnectPacket) Unpack(buf *bytes.Buffer) error {
	if buf.Len() != 0 {
		return ErrMalformedPacket
	}
	return nil
}
