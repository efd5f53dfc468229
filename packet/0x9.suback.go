package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// SubackPacket acknowledges a SUBSCRIBE (3.9 SUBACK). The payload holds
// one return code per requested subscription, in the same order
// [MQTT-3.9.3-1]: 0x00-0x02 for the granted maximum QoS, 0x80 for
// failure.
type SubackPacket struct {
	*FixedHeader
	PacketID    uint16
	ReturnCodes []uint8
}

func (pkt *SubackPacket) Kind() byte { return SUBACK }

func (pkt *SubackPacket) String() string {
	return fmt.Sprintf("[0x9]SUBACK: PacketID=%d, ReturnCodes=%v", pkt.PacketID, pkt.ReturnCodes)
}

func (pkt *SubackPacket) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(i2b(pkt.PacketID))
	buf.Write(pkt.ReturnCodes)

	pkt.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *SubackPacket) Unpack(buf *bytes.Buffer) error {
	if buf.Len() < 3 {
		return ErrMalformedPacket
	}
	pkt.PacketID = binary.BigEndian.Uint16(buf.Next(2))
	for _, code := range buf.Bytes() {
		if code > 2 && code != ErrSubscribeFailure.Code {
			return ErrMalformedPacket
		}
		pkt.ReturnCodes = append(pkt.ReturnCodes, code)
	}
	buf.Reset()
	return nil
}
