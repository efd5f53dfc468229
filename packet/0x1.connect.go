package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// NAME is the encoded protocol name "MQTT" (3.1.2.1 Protocol Name).
var NAME = []byte{0x00, 0x04, 'M', 'Q', 'T', 'T'}

// ConnectPacket is the client request to connect to a server
// (3.1 CONNECT).
//
// Variable header: protocol name, protocol level, connect flags,
// keep alive. Payload: client identifier, will topic and message
// (when the will flag is set), user name and password (when their
// flags are set), in that order [MQTT-3.1.3-1].
type ConnectPacket struct {
	*FixedHeader

	// ConnectFlags is the 8-bit flag field of the variable header
	// (3.1.2.3 Connect Flags). Pack derives it from the fields below;
	// Unpack keeps the decoded byte for flag/payload consistency
	// checks.
	ConnectFlags ConnectFlags

	// ProtocolLevel is the decoded protocol level byte (3.1.2.2).
	// Unpack accepts any level so the server can answer an unacceptable
	// one with CONNACK return code 0x01 before closing [MQTT-3.1.2-2];
	// nothing past the level byte is decoded in that case.
	ProtocolLevel uint8

	// KeepAlive is the maximum interval in seconds between client
	// control packets; zero disables the mechanism (3.1.2.10).
	KeepAlive uint16

	// ClientID identifies the session (3.1.3.1 Client Identifier).
	ClientID string

	// CleanSession requests a fresh session [MQTT-3.1.2-6].
	CleanSession bool

	// Will fields (3.1.3.2 Will Topic, 3.1.3.3 Will Message). The will
	// is stored with the session and published once if the connection
	// terminates without a DISCONNECT.
	WillTopic   string
	WillPayload []byte
	WillQoS     uint8
	WillRetain  bool

	Username string
	Password string
}

func (pkt *ConnectPacket) Kind() byte { return CONNECT }

func (pkt *ConnectPacket) String() string { return "[0x1]CONNECT" }

// WillFlag reports whether the packet carries a will descriptor.
func (pkt *ConnectPacket) WillFlag() bool { return pkt.WillTopic != "" }

func (pkt *ConnectPacket) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(NAME)
	buf.WriteByte(VERSION311)

	uf := b2i(pkt.Username != "")
	pf := b2i(pkt.Password != "")
	wf := b2i(pkt.WillFlag())
	wr, wq := uint8(0), uint8(0)
	if pkt.WillFlag() {
		wr, wq = b2i(pkt.WillRetain), pkt.WillQoS
	}
	cs := b2i(pkt.CleanSession)
	buf.WriteByte(uf<<7 | pf<<6 | wr<<5 | wq<<3 | wf<<2 | cs<<1)

	buf.Write(i2b(pkt.KeepAlive))

	buf.Write(s2b(pkt.ClientID))
	if pkt.WillFlag() {
		buf.Write(s2b(pkt.WillTopic))
		buf.Write(s2b(pkt.WillPayload))
	}
	if pkt.Username != "" {
		buf.Write(s2b(pkt.Username))
	}
	if pkt.Password != "" {
		buf.Write(s2b(pkt.Password))
	}

	pkt.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *ConnectPacket) Unpack(buf *bytes.Buffer) error {
	if buf.Len() < 10 {
		return ErrMalformedPacket
	}
	name := buf.Next(6)
	if !bytes.Equal(name, NAME) {
		return fmt.Errorf("%w: %v", ErrMalformedProtocolName, name)
	}
	pkt.ProtocolLevel = buf.Next(1)[0]
	if pkt.ProtocolLevel != VERSION311 {
		return nil
	}

	pkt.ConnectFlags = ConnectFlags(buf.Next(1)[0])

	// The server must validate that the reserved flag is zero and
	// disconnect the client if it is not [MQTT-3.1.2-3].
	if pkt.ConnectFlags.Reserved() != 0 {
		return ErrProtocolViolationReservedBit
	}
	if pkt.ConnectFlags.WillQoS() > 2 {
		// Will QoS may be 0, 1 or 2 and nothing else [MQTT-3.1.2-14].
		return ErrProtocolViolationQosOutOfRange
	}
	if !pkt.ConnectFlags.WillFlag() && (pkt.ConnectFlags.WillQoS() != 0 || pkt.ConnectFlags.WillRetain()) {
		// Will QoS and Will Retain must be zero when the will flag is
		// zero [MQTT-3.1.2-11, MQTT-3.1.2-15].
		return ErrMalformedFlags
	}
	pkt.CleanSession = pkt.ConnectFlags.CleanSession()

	pkt.KeepAlive = binary.BigEndian.Uint16(buf.Next(2))

	var err error
	if pkt.ClientID, err = decodeUTF8[string](buf); err != nil {
		return err
	}

	if pkt.ConnectFlags.WillFlag() {
		if pkt.WillTopic, err = decodeUTF8[string](buf); err != nil {
			return err
		}
		if pkt.WillPayload, err = decodeUTF8[[]byte](buf); err != nil {
			return err
		}
		pkt.WillQoS, pkt.WillRetain = pkt.ConnectFlags.WillQoS(), pkt.ConnectFlags.WillRetain()
		if pkt.WillTopic == "" {
			return ErrMalformedPacket
		}
	}

	if pkt.ConnectFlags.UserNameFlag() {
		// The payload must contain a user name [MQTT-3.1.2-19].
		if pkt.Username, err = decodeUTF8[string](buf); err != nil {
			return err
		}
	} else if pkt.ConnectFlags.PasswordFlag() {
		// The password flag must be zero when the user name flag is
		// zero [MQTT-3.1.2-22].
		return ErrMalformedPassword
	}
	if pkt.ConnectFlags.PasswordFlag() {
		if pkt.Password, err = decodeUTF8[string](buf); err != nil {
			return err
		}
	}
	return nil
}

// ConnectFlags is the connect flag byte (3.1.2.3 Connect Flags).
//
//	bit 7: User Name Flag
//	bit 6: Password Flag
//	bit 5: Will Retain
//	bit 4-3: Will QoS
//	bit 2: Will Flag
//	bit 1: Clean Session
//	bit 0: Reserved, must be 0
type ConnectFlags uint8

func (f ConnectFlags) Reserved() uint8 { return uint8(f) & 0x01 }

func (f ConnectFlags) CleanSession() bool { return uint8(f)&0x02 == 0x02 }

func (f ConnectFlags) WillFlag() bool { return uint8(f)&0x04 == 0x04 }

func (f ConnectFlags) WillQoS() uint8 { return uint8(f) & 0x18 >> 3 }

func (f ConnectFlags) WillRetain() bool { return uint8(f)&0x20 == 0x20 }

func (f ConnectFlags) PasswordFlag() bool { return uint8(f)&0x40 == 0x40 }

func (f ConnectFlags) UserNameFlag() bool { return uint8(f)&0x80 == 0x80 }
