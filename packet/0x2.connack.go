package packet

import (
	"bytes"
	"io"
)

// ConnackPacket acknowledges a connection request (3.2 CONNACK).
// Variable header: connect acknowledge flags (session present) and the
// connect return code. No payload.
type ConnackPacket struct {
	*FixedHeader

	// SessionPresent is set when clean session was 0 and the server
	// resumed stored state [MQTT-3.2.2-2].
	SessionPresent bool

	// ReturnCode is the connect return code (3.2.2.3). Non-zero codes
	// must be followed by a network disconnect [MQTT-3.2.2-5].
	ReturnCode ReasonCode
}

func (pkt *ConnackPacket) Kind() byte { return CONNACK }

func (pkt *ConnackPacket) String() string { return "[0x2]CONNACK" }

func (pkt *ConnackPacket) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.WriteByte(b2i(pkt.SessionPresent))
	buf.WriteByte(pkt.ReturnCode.Code)

	pkt.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *ConnackPacket) Unpack(buf *bytes.Buffer) error {
	if buf.Len() < 2 {
		return ErrMalformedPacket
	}
	ack := buf.Next(1)[0]
	if ack > 1 {
		// Bits 7-1 of the acknowledge flags are reserved [MQTT-3.2.2-1].
		return ErrMalformedFlags
	}
	pkt.SessionPresent = ack == 1
	switch code := buf.Next(1)[0]; code {
	case 0x00:
		pkt.ReturnCode = CodeAccepted
	case 0x01:
		pkt.ReturnCode = ErrUnsupportedProtocolVersion
	case 0x02:
		pkt.ReturnCode = ErrClientIdentifierNotValid
	case 0x03:
		pkt.ReturnCode = ErrServerUnavailable
	case 0x04:
		pkt.ReturnCode = ErrBadUsernameOrPassword
	case 0x05:
		pkt.ReturnCode = ErrNotAuthorized
	default:
		return ErrMalformedPacket
	}
	return nil
}
