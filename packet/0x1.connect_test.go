package packet

import (
	"bytes"
	"testing"
)

func TestConnectFlags(t *testing.T) {
	testCases := []struct {
		name       string
		flags      ConnectFlags
		clean      bool
		will       bool
		willQoS    uint8
		willRetain bool
		username   bool
		password   bool
	}{
		{name: "CleanSession", flags: 0x02, clean: true},
		{name: "Will", flags: 0x06, clean: true, will: true},
		{name: "WillQoS1", flags: 0x0E, clean: true, will: true, willQoS: 1},
		{name: "WillQoS2Retain", flags: 0x36, clean: true, will: true, willQoS: 2, willRetain: true},
		{name: "Credentials", flags: 0xC2, clean: true, username: true, password: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.flags.CleanSession(); got != tc.clean {
				t.Errorf("CleanSession() = %v, want %v", got, tc.clean)
			}
			if got := tc.flags.WillFlag(); got != tc.will {
				t.Errorf("WillFlag() = %v, want %v", got, tc.will)
			}
			if got := tc.flags.WillQoS(); got != tc.willQoS {
				t.Errorf("WillQoS() = %d, want %d", got, tc.willQoS)
			}
			if got := tc.flags.WillRetain(); got != tc.willRetain {
				t.Errorf("WillRetain() = %v, want %v", got, tc.willRetain)
			}
			if got := tc.flags.UserNameFlag(); got != tc.username {
				t.Errorf("UserNameFlag() = %v, want %v", got, tc.username)
			}
			if got := tc.flags.PasswordFlag(); got != tc.password {
				t.Errorf("PasswordFlag() = %v, want %v", got, tc.password)
			}
		})
	}
}

func TestConnectUnpackForeignProtocolLevel(t *testing.T) {
	data := []byte{
		0x00, 0x04, 'M', 'Q', 'T', 'T',
		0x05, // MQTT 5 protocol level
		0x02,
		0x00, 0x3C,
		0x00, 0x02, 'p', '5',
	}
	connect := &ConnectPacket{FixedHeader: &FixedHeader{Kind: CONNECT}}
	if err := connect.Unpack(bytes.NewBuffer(data)); err != nil {
		t.Fatalf("Unpack() failed: %v", err)
	}
	if connect.ProtocolLevel != 5 {
		t.Errorf("ProtocolLevel = %d, want 5", connect.ProtocolLevel)
	}
	// Nothing past the level byte is decoded; the server answers with
	// CONNACK return code 0x01 and closes.
	if connect.ClientID != "" || connect.CleanSession {
		t.Errorf("decoded past an unacceptable protocol level: %+v", connect)
	}
}

func TestConnectPack(t *testing.T) {
	connect := &ConnectPacket{
		FixedHeader:  &FixedHeader{Kind: CONNECT},
		ClientID:     "testclient",
		CleanSession: true,
		KeepAlive:    60,
	}

	var buf bytes.Buffer
	if err := connect.Pack(&buf); err != nil {
		t.Fatalf("Pack() failed: %v", err)
	}

	expected := []byte{
		0x10, 0x16, // fixed header
		0x00, 0x04, 'M', 'Q', 'T', 'T', // protocol name
		0x04,       // protocol level
		0x02,       // connect flags: clean session
		0x00, 0x3C, // keep alive 60
		0x00, 0x0A, 't', 'e', 's', 't', 'c', 'l', 'i', 'e', 'n', 't',
	}
	if !bytes.Equal(buf.Bytes(), expected) {
		t.Errorf("Pack() = %v, want %v", buf.Bytes(), expected)
	}
}

func TestConnectUnpack(t *testing.T) {
	testCases := []struct {
		name  string
		data  []byte
		want  *ConnectPacket
		valid bool
	}{
		{
			name: "Basic",
			data: []byte{
				0x00, 0x04, 'M', 'Q', 'T', 'T',
				0x04,
				0x02,
				0x00, 0x3C,
				0x00, 0x0A, 't', 'e', 's', 't', 'c', 'l', 'i', 'e', 'n', 't',
			},
			want:  &ConnectPacket{ClientID: "testclient", CleanSession: true, KeepAlive: 60},
			valid: true,
		},
		{
			name: "WillAndCredentials",
			data: []byte{
				0x00, 0x04, 'M', 'Q', 'T', 'T',
				0x04,
				0xEE, // username, password, will retain, will qos 1, will flag, clean session
				0x00, 0x1E,
				0x00, 0x01, 'c',
				0x00, 0x03, 'd', '/', 'w',
				0x00, 0x04, 'g', 'o', 'n', 'e',
				0x00, 0x04, 'u', 's', 'e', 'r',
				0x00, 0x04, 'p', 'a', 's', 's',
			},
			want: &ConnectPacket{
				ClientID:     "c",
				CleanSession: true,
				KeepAlive:    30,
				WillTopic:    "d/w",
				WillPayload:  []byte("gone"),
				WillQoS:      1,
				WillRetain:   true,
				Username:     "user",
				Password:     "pass",
			},
			valid: true,
		},
		{
			name: "BadProtocolName",
			data: []byte{
				0x00, 0x04, 'M', 'Q', 'X', 'X',
				0x04, 0x02, 0x00, 0x3C,
				0x00, 0x00,
			},
			valid: false,
		},
		{
			name: "ReservedFlagSet",
			data: []byte{
				0x00, 0x04, 'M', 'Q', 'T', 'T',
				0x04, 0x03, 0x00, 0x3C,
				0x00, 0x00,
			},
			valid: false,
		},
		{
			name: "WillQoS3",
			data: []byte{
				0x00, 0x04, 'M', 'Q', 'T', 'T',
				0x04, 0x1E, 0x00, 0x3C,
				0x00, 0x00,
			},
			valid: false,
		},
		{
			name: "PasswordWithoutUsername",
			data: []byte{
				0x00, 0x04, 'M', 'Q', 'T', 'T',
				0x04, 0x42, 0x00, 0x3C,
				0x00, 0x01, 'c',
				0x00, 0x04, 'p', 'a', 's', 's',
			},
			valid: false,
		},
		{
			name:  "ShortData",
			data:  []byte{0x00, 0x04, 'M', 'Q'},
			valid: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			connect := &ConnectPacket{FixedHeader: &FixedHeader{Kind: CONNECT}}
			err := connect.Unpack(bytes.NewBuffer(tc.data))
			if !tc.valid {
				if err == nil {
					t.Error("Unpack() should fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unpack() failed: %v", err)
			}
			if connect.ClientID != tc.want.ClientID {
				t.Errorf("ClientID = %q, want %q", connect.ClientID, tc.want.ClientID)
			}
			if connect.CleanSession != tc.want.CleanSession {
				t.Errorf("CleanSession = %v, want %v", connect.CleanSession, tc.want.CleanSession)
			}
			if connect.KeepAlive != tc.want.KeepAlive {
				t.Errorf("KeepAlive = %d, want %d", connect.KeepAlive, tc.want.KeepAlive)
			}
			if connect.WillTopic != tc.want.WillTopic {
				t.Errorf("WillTopic = %q, want %q", connect.WillTopic, tc.want.WillTopic)
			}
			if !bytes.Equal(connect.WillPayload, tc.want.WillPayload) {
				t.Errorf("WillPayload = %q, want %q", connect.WillPayload, tc.want.WillPayload)
			}
			if connect.WillQoS != tc.want.WillQoS {
				t.Errorf("WillQoS = %d, want %d", connect.WillQoS, tc.want.WillQoS)
			}
			if connect.Username != tc.want.Username || connect.Password != tc.want.Password {
				t.Errorf("credentials = %q/%q, want %q/%q",
					connect.Username, connect.Password, tc.want.Username, tc.want.Password)
			}
		})
	}
}
