package packet

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"unicode/utf8"
)

// Control packet types. Position: byte 1, bits 7-4.
const (
	CONNECT     byte = 0x1
	CONNACK     byte = 0x2
	PUBLISH     byte = 0x3
	PUBACK      byte = 0x4
	PUBREC      byte = 0x5
	PUBREL      byte = 0x6
	PUBCOMP     byte = 0x7
	SUBSCRIBE   byte = 0x8
	SUBACK      byte = 0x9
	UNSUBSCRIBE byte = 0xA
	UNSUBACK    byte = 0xB
	PINGREQ     byte = 0xC
	PINGRESP    byte = 0xD
	DISCONNECT  byte = 0xE
)

// VERSION311 is the protocol level byte for MQTT 3.1.1
// (3.1.2.2 Protocol Level).
const VERSION311 byte = 0x4

const (
	max1 = 0x7F      // 127
	max2 = 0x3FFF    // 16383
	max3 = 0x1FFFFF  // 2097151
	max4 = 0xFFFFFFF // 268435455
)

// Kind maps a control packet type to its display name.
var Kind = map[byte]string{
	0x0: "[0x0]RESERVED",
	0x1: "[0x1]CONNECT",
	0x2: "[0x2]CONNACK",
	0x3: "[0x3]PUBLISH",
	0x4: "[0x4]PUBACK",
	0x5: "[0x5]PUBREC",
	0x6: "[0x6]PUBREL",
	0x7: "[0x7]PUBCOMP",
	0x8: "[0x8]SUBSCRIBE",
	0x9: "[0x9]SUBACK",
	0xA: "[0xA]UNSUBSCRIBE",
	0xB: "[0xB]UNSUBACK",
	0xC: "[0xC]PINGREQ",
	0xD: "[0xD]PINGRESP",
	0xE: "[0xE]DISCONNECT",
	0xF: "[0xF]RESERVED",
}

// encodeLength encodes the remaining-length field: 1-4 bytes, 7 data
// bits each, MSB set when more bytes follow (2.2.3 Remaining Length).
func encodeLength[T ~uint32 | ~int | ~int64](v T) ([]byte, error) {
	var n int
	switch {
	case v <= max1:
		n = 1
	case v <= max2:
		n = 2
	case v <= max3:
		n = 3
	case v <= max4:
		n = 4
	default:
		return nil, ErrPacketTooLarge
	}
	result := make([]byte, n)
	for i := 0; i < n; i++ {
		enc := v % 128
		v = v / 128
		if v > 0 {
			enc |= 128
		}
		result[i] = byte(enc)
	}
	return result, nil
}

func decodeLength(r io.Reader) (uint32, error) {
	vbi, b := uint32(0), []byte{0}
	for i := 0; ; i += 7 {
		if i > 21 {
			// A fifth byte would exceed 268_435_455.
			return 0, ErrPacketTooLarge
		}
		if _, err := io.ReadFull(r, b); err != nil {
			return 0, err
		}
		vbi |= uint32(b[0]&127) << i
		if b[0]&128 == 0 {
			return vbi, nil
		}
	}
}

// s2b prefixes the content with its big-endian two-byte length.
func s2b[T string | []byte](s T) []byte {
	b := make([]byte, 2, 2+len(s))
	binary.BigEndian.PutUint16(b, uint16(len(s)))
	return append(b, s...)
}

func i2b(i uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, i)
	return b
}

func b2i(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}

func decodeUTF8[T []byte | string](b *bytes.Buffer) (T, error) {
	if b.Len() < 2 {
		var zero T
		return zero, ErrMalformedPacket
	}
	uLength := int(binary.BigEndian.Uint16(b.Next(2)))
	if b.Len() < uLength {
		return T(b.Next(b.Len())), ErrMalformedPacket
	}
	// Copy out: the buffer is pooled and reused after Unpack returns.
	v := T(append([]byte(nil), b.Next(uLength)...))
	// Character data must be well-formed UTF-8 and must not include
	// U+0000 [MQTT-1.5.3-1, MQTT-1.5.3-2].
	if !utf8.Valid([]byte(v)) || strings.ContainsRune(string(v), 0) {
		return v, ErrMalformedInvalidUTF8
	}
	return v, nil
}
