package packet

import (
	"fmt"
	"io"
)

// FixedHeader contains the values of the fixed header portion of an
// MQTT control packet (2.2 Fixed header).
//
//	Bit    | 7 6 5 4                       | 3 2 1 0
//	byte 1 | MQTT Control Packet type      | Flags specific to each type
//	byte 2…| Remaining Length (1-4 bytes)
type FixedHeader struct {
	// Kind is the control packet type from bits 7-4 of byte 1.
	Kind byte

	// Dup is set when a QoS>0 PUBLISH is redelivered (bit 3).
	Dup uint8

	// QoS is the quality of service of a PUBLISH (bits 2-1).
	QoS uint8

	// Retain marks a PUBLISH for retention (bit 0).
	Retain uint8

	// RemainingLength counts the bytes following the fixed header.
	RemainingLength uint32
}

func (h *FixedHeader) String() string {
	return fmt.Sprintf("%s: Len=%d", Kind[h.Kind], h.RemainingLength)
}

func (h *FixedHeader) Pack(w io.Writer) error {
	b := make([]byte, 1)
	b[0] |= h.Kind << 4
	b[0] |= h.Dup << 3
	b[0] |= h.QoS << 1
	b[0] |= h.Retain
	enc, err := encodeLength(h.RemainingLength)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, enc...))
	return err
}

func (h *FixedHeader) Unpack(r io.Reader) error {
	b := []byte{0}
	if _, err := io.ReadFull(r, b); err != nil {
		return err
	}

	h.Kind = b[0] >> 4
	h.Dup = b[0] & 0b00001000 >> 3
	h.QoS = b[0] & 0b00000110 >> 1
	h.Retain = b[0] & 0b00000001

	// Where a flag bit is marked "Reserved" it must be set to the value
	// listed in table 2.2; the receiver must otherwise close the
	// network connection [MQTT-2.2.2-1, MQTT-2.2.2-2].
	switch h.Kind {
	case PUBLISH:
		if h.QoS > 2 {
			return ErrProtocolViolationQosOutOfRange
		}
		if h.QoS == 0 && h.Dup != 0 {
			// DUP must be 0 for QoS 0 messages [MQTT-3.3.1-2].
			return ErrMalformedFlags
		}
	case PUBREL, SUBSCRIBE, UNSUBSCRIBE:
		if h.Dup != 0 || h.QoS != 1 || h.Retain != 0 {
			return ErrMalformedFlags
		}
	default:
		if h.Dup != 0 || h.QoS != 0 || h.Retain != 0 {
			return ErrMalformedFlags
		}
	}

	var err error
	h.RemainingLength, err = decodeLength(r)
	return err
}
