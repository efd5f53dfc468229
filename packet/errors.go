package packet

import "fmt"

// ReasonCode couples an MQTT return code with its reason text. It is
// used both as the CONNACK return code (3.2.2.3) and as the error value
// surfaced by the codec: a ReasonCode error reaching the connection
// runtime means the connection must be closed without DISCONNECT.
type ReasonCode struct {
	Code   uint8
	Reason string
}

func (rc ReasonCode) Error() string {
	return fmt.Sprintf("%d:%s", rc.Code, rc.Reason)
}

// CONNACK return codes (3.2.2.3 Connect Return code).
var (
	CodeAccepted                   = ReasonCode{Code: 0x00, Reason: "connection accepted"}
	ErrUnsupportedProtocolVersion  = ReasonCode{Code: 0x01, Reason: "unacceptable protocol version"}
	ErrClientIdentifierNotValid    = ReasonCode{Code: 0x02, Reason: "identifier rejected"}
	ErrServerUnavailable           = ReasonCode{Code: 0x03, Reason: "server unavailable"}
	ErrBadUsernameOrPassword       = ReasonCode{Code: 0x04, Reason: "bad user name or password"}
	ErrNotAuthorized               = ReasonCode{Code: 0x05, Reason: "not authorized"}
)

// SUBACK grants a failure with 0x80 (3.9.3 Payload).
var ErrSubscribeFailure = ReasonCode{Code: 0x80, Reason: "subscribe failure"}

// Decode errors. Code 0x81/0x82 follow the taxonomy the broker logs;
// they never go on the wire in 3.1.1.
var (
	ErrMalformedPacket          = ReasonCode{Code: 0x81, Reason: "malformed packet"}
	ErrMalformedProtocolName    = ReasonCode{Code: 0x81, Reason: "malformed packet: protocol name"}
	ErrMalformedProtocolVersion = ReasonCode{Code: 0x81, Reason: "malformed packet: protocol version"}
	ErrMalformedFlags           = ReasonCode{Code: 0x81, Reason: "malformed packet: flags"}
	ErrMalformedPacketID        = ReasonCode{Code: 0x81, Reason: "malformed packet: packet identifier"}
	ErrMalformedPassword        = ReasonCode{Code: 0x81, Reason: "malformed packet: password"}
	ErrMalformedInvalidUTF8     = ReasonCode{Code: 0x81, Reason: "malformed packet: invalid utf-8 string"}

	ErrProtocolViolation              = ReasonCode{Code: 0x82, Reason: "protocol violation"}
	ErrProtocolViolationQosOutOfRange = ReasonCode{Code: 0x82, Reason: "protocol violation: qos out of range"}
	ErrProtocolViolationSecondConnect = ReasonCode{Code: 0x82, Reason: "protocol violation: second connect packet"}
	ErrProtocolViolationNoTopic       = ReasonCode{Code: 0x82, Reason: "protocol violation: must contain at least one filter"}
	ErrProtocolViolationReservedBit   = ReasonCode{Code: 0x82, Reason: "protocol violation: reserved bit not 0"}

	ErrTopicNameInvalid = ReasonCode{Code: 0x90, Reason: "topic name invalid"}
	ErrPacketTooLarge   = ReasonCode{Code: 0x95, Reason: "packet too large"}
)
