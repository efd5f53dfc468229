package packet

import (
	"bytes"
	"io"
)

// RESERVED stands in for the forbidden packet types 0x0 and 0xF. It is
// returned by Unpack alongside the decode error so the caller can still
// log the offending header.
type RESERVED struct {
	*FixedHeader
}

func (pkt *RESERVED) Kind() byte { return 0x0 }

func (pkt *RESERVED) Unpack(*bytes.Buffer) error { return ErrMalformedPacket }

func (pkt *RESERVED) Pack(io.Writer) error { return ErrMalformedPacket }
