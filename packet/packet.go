package packet

import (
	"bytes"
	"io"
)

// Packet is the common interface of the fourteen MQTT 3.1.1 control
// packets. Every control packet carries a fixed header; some carry a
// variable header and a payload (see 2.1 Structure of an MQTT Control
// Packet).
type Packet interface {
	// Kind returns the control packet type from bits 7-4 of byte 1.
	Kind() byte

	// Unpack parses the variable header and payload from buf. The
	// buffer holds exactly RemainingLength bytes.
	Unpack(*bytes.Buffer) error

	// Pack serializes the whole packet, fixed header included.
	Pack(io.Writer) error
}

// Unpack reads one control packet from r. The fixed header is decoded
// first to learn the packet type and remaining length; the remaining
// bytes are then handed to the type-specific Unpack.
//
// A decode error is fatal for the connection: the caller must close it
// without sending DISCONNECT (4.8 Handling errors).
func Unpack(r io.Reader) (Packet, error) {
	fixed := &FixedHeader{}
	if err := fixed.Unpack(r); err != nil {
		return &RESERVED{FixedHeader: fixed}, err
	}

	buf := GetBuffer()
	defer PutBuffer(buf)

	if _, err := buf.ReadFrom(io.LimitReader(r, int64(fixed.RemainingLength))); err != nil {
		return nil, err
	}
	if uint32(buf.Len()) != fixed.RemainingLength {
		return nil, io.ErrUnexpectedEOF
	}

	var pkt Packet
	switch fixed.Kind {
	case CONNECT:
		pkt = &ConnectPacket{FixedHeader: fixed}
	case CONNACK:
		pkt = &ConnackPacket{FixedHeader: fixed}
	case PUBLISH:
		pkt = &PublishPacket{FixedHeader: fixed}
	case PUBACK:
		pkt = &PubackPacket{FixedHeader: fixed}
	case PUBREC:
		pkt = &PubrecPacket{FixedHeader: fixed}
	case PUBREL:
		pkt = &PubrelPacket{FixedHeader: fixed}
	case PUBCOMP:
		pkt = &PubcompPacket{FixedHeader: fixed}
	case SUBSCRIBE:
		pkt = &SubscribePacket{FixedHeader: fixed}
	case SUBACK:
		pkt = &SubackPacket{FixedHeader: fixed}
	case UNSUBSCRIBE:
		pkt = &UnsubscribePacket{FixedHeader: fixed}
	case UNSUBACK:
		pkt = &UnsubackPacket{FixedHeader: fixed}
	case PINGREQ:
		pkt = &PingreqPacket{FixedHeader: fixed}
	case PINGRESP:
		pkt = &PingrespPacket{FixedHeader: fixed}
	case DISCONNECT:
		pkt = &DisconnectPacket{FixedHeader: fixed}
	default:
		// 0x0 and 0xF are reserved in 3.1.1 [MQTT-2.2.2-1].
		return &RESERVED{FixedHeader: fixed}, ErrMalformedPacket
	}
	return pkt, pkt.Unpack(buf)
}
