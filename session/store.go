package session

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// File format: magic "MQSS\x00", one version byte, then the session
// record. Strings and byte blobs are length-prefixed (uint16 for
// strings, uint32 for payloads), integers are big-endian.
var magic = []byte{'M', 'Q', 'S', 'S', 0x00}

const formatVersion = 0x02

// Store keeps sessions in memory and persists non-clean ones to dir,
// one file per client identifier. A zero dir disables persistence.
type Store struct {
	mu       sync.Mutex
	dir      string
	sessions map[string]*Session
}

func NewStore(dir string) (*Store, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("session: create store dir: %w", err)
		}
	}
	return &Store{dir: dir, sessions: make(map[string]*Session)}, nil
}

func (st *Store) path(clientID string) string {
	return filepath.Join(st.dir, hex.EncodeToString([]byte(clientID))+".session")
}

// Open returns the session for clientID and whether previous state was
// present [MQTT-3.2.2-2]. With clean set, any stored state is discarded
// and a fresh session is returned [MQTT-3.1.2-6].
func (st *Store) Open(clientID string, clean bool) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if clean {
		delete(st.sessions, clientID)
		if st.dir != "" {
			os.Remove(st.path(clientID))
		}
		sess := New(clientID, true)
		st.sessions[clientID] = sess
		return sess, false
	}

	if sess, ok := st.sessions[clientID]; ok {
		return sess, true
	}
	if st.dir != "" {
		if sess, err := readFile(st.path(clientID)); err == nil {
			st.sessions[clientID] = sess
			return sess, true
		} else if !os.IsNotExist(err) {
			// A corrupt file is unusable state; start over.
			log.Printf("mqtt: session store: discard %q: %v", clientID, err)
			os.Remove(st.path(clientID))
		}
	}
	sess := New(clientID, false)
	st.sessions[clientID] = sess
	return sess, false
}

// Persist writes the session to disk: full write to a temporary file,
// fsync, then rename over the final path.
func (st *Store) Persist(sess *Session) error {
	if st.dir == "" || sess.Clean {
		return nil
	}
	data := encode(sess)

	path := st.path(sess.ClientID)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("session: persist %q: %w", sess.ClientID, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("session: persist %q: %w", sess.ClientID, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("session: persist %q: %w", sess.ClientID, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("session: persist %q: %w", sess.ClientID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("session: persist %q: %w", sess.ClientID, err)
	}
	return nil
}

// Purge removes the session from memory and disk.
func (st *Store) Purge(clientID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, clientID)
	if st.dir != "" {
		os.Remove(st.path(clientID))
	}
}

// Enumerate returns the client identifiers of all known sessions,
// loading persisted ones not yet in memory.
func (st *Store) Enumerate() []string {
	st.mu.Lock()
	defer st.mu.Unlock()

	seen := make(map[string]bool, len(st.sessions))
	for clientID := range st.sessions {
		seen[clientID] = true
	}
	if st.dir != "" {
		entries, err := os.ReadDir(st.dir)
		if err != nil {
			log.Printf("mqtt: session store: read dir: %v", err)
		}
		for _, entry := range entries {
			name, ok := strings.CutSuffix(entry.Name(), ".session")
			if !ok {
				continue
			}
			raw, err := hex.DecodeString(name)
			if err != nil {
				continue
			}
			seen[string(raw)] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for clientID := range seen {
		ids = append(ids, clientID)
	}
	return ids
}

func encode(sess *Session) []byte {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	var buf bytes.Buffer
	buf.Write(magic)
	buf.WriteByte(formatVersion)

	writeString(&buf, sess.ClientID)
	binary.Write(&buf, binary.BigEndian, sess.nextID)

	binary.Write(&buf, binary.BigEndian, uint16(len(sess.Subscriptions)))
	for filter, qos := range sess.Subscriptions {
		writeString(&buf, filter)
		buf.WriteByte(qos)
	}

	if sess.Will != nil {
		buf.WriteByte(1)
		writeString(&buf, sess.Will.TopicName)
		writeBlob(&buf, sess.Will.Payload)
		buf.WriteByte(sess.Will.QoS)
		buf.WriteByte(flag(sess.Will.Retain))
	} else {
		buf.WriteByte(0)
	}

	binary.Write(&buf, binary.BigEndian, uint32(len(sess.Pending)))
	for _, msg := range sess.Pending {
		writeMessage(&buf, msg)
	}

	binary.Write(&buf, binary.BigEndian, uint16(len(sess.InflightOut)))
	for _, in := range sess.InflightOut {
		binary.Write(&buf, binary.BigEndian, in.PacketID)
		buf.WriteByte(in.Stage)
		if in.Message != nil {
			buf.WriteByte(1)
			writeMessage(&buf, in.Message)
		} else {
			buf.WriteByte(0)
		}
	}

	binary.Write(&buf, binary.BigEndian, uint16(len(sess.InflightIn)))
	for packetID, msg := range sess.InflightIn {
		binary.Write(&buf, binary.BigEndian, packetID)
		writeMessage(&buf, msg)
	}
	return buf.Bytes()
}

func readFile(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func decode(data []byte) (*Session, error) {
	buf := bytes.NewBuffer(data)
	head := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(buf, head); err != nil {
		return nil, fmt.Errorf("truncated header")
	}
	if !bytes.Equal(head[:len(magic)], magic) {
		return nil, fmt.Errorf("bad magic %x", head[:len(magic)])
	}
	if head[len(magic)] != formatVersion {
		return nil, fmt.Errorf("unsupported format version %d", head[len(magic)])
	}

	clientID, err := readString(buf)
	if err != nil {
		return nil, err
	}
	sess := New(clientID, false)

	if sess.nextID, err = readUint16(buf); err != nil {
		return nil, err
	}

	nsubs, err := readUint16(buf)
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(nsubs); i++ {
		filter, err := readString(buf)
		if err != nil {
			return nil, err
		}
		qos, err := buf.ReadByte()
		if err != nil {
			return nil, err
		}
		sess.Subscriptions[filter] = qos
	}

	hasWill, err := buf.ReadByte()
	if err != nil {
		return nil, err
	}
	if hasWill == 1 {
		will := &Will{}
		if will.TopicName, err = readString(buf); err != nil {
			return nil, err
		}
		if will.Payload, err = readBlob(buf); err != nil {
			return nil, err
		}
		if will.QoS, err = buf.ReadByte(); err != nil {
			return nil, err
		}
		retain, err := buf.ReadByte()
		if err != nil {
			return nil, err
		}
		will.Retain = retain == 1
		sess.Will = will
	}

	npending, err := readUint32(buf)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < npending; i++ {
		msg, err := readMessage(buf)
		if err != nil {
			return nil, err
		}
		sess.Pending = append(sess.Pending, msg)
	}

	nout, err := readUint16(buf)
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(nout); i++ {
		in := &Inflight{}
		if in.PacketID, err = readUint16(buf); err != nil {
			return nil, err
		}
		if in.Stage, err = buf.ReadByte(); err != nil {
			return nil, err
		}
		hasMsg, err := buf.ReadByte()
		if err != nil {
			return nil, err
		}
		if hasMsg == 1 {
			if in.Message, err = readMessage(buf); err != nil {
				return nil, err
			}
		}
		sess.InflightOut[in.PacketID] = in
	}

	nin, err := readUint16(buf)
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(nin); i++ {
		packetID, err := readUint16(buf)
		if err != nil {
			return nil, err
		}
		msg, err := readMessage(buf)
		if err != nil {
			return nil, err
		}
		sess.InflightIn[packetID] = msg
	}
	return sess, nil
}

func writeMessage(buf *bytes.Buffer, msg *Message) {
	writeString(buf, msg.TopicName)
	writeBlob(buf, msg.Payload)
	buf.WriteByte(msg.QoS)
	buf.WriteByte(flag(msg.Retain))
}

func readMessage(buf *bytes.Buffer) (*Message, error) {
	msg := &Message{}
	var err error
	if msg.TopicName, err = readString(buf); err != nil {
		return nil, err
	}
	if msg.Payload, err = readBlob(buf); err != nil {
		return nil, err
	}
	if msg.QoS, err = buf.ReadByte(); err != nil {
		return nil, err
	}
	retain, err := buf.ReadByte()
	if err != nil {
		return nil, err
	}
	msg.Retain = retain == 1
	return msg, nil
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.BigEndian, uint16(len(s)))
	buf.WriteString(s)
}

func writeBlob(buf *bytes.Buffer, b []byte) {
	binary.Write(buf, binary.BigEndian, uint32(len(b)))
	buf.Write(b)
}

func readUint16(buf *bytes.Buffer) (uint16, error) {
	b := make([]byte, 2)
	if _, err := io.ReadFull(buf, b); err != nil {
		return 0, fmt.Errorf("truncated record")
	}
	return binary.BigEndian.Uint16(b), nil
}

func readUint32(buf *bytes.Buffer) (uint32, error) {
	b := make([]byte, 4)
	if _, err := io.ReadFull(buf, b); err != nil {
		return 0, fmt.Errorf("truncated record")
	}
	return binary.BigEndian.Uint32(b), nil
}

func readString(buf *bytes.Buffer) (string, error) {
	n, err := readUint16(buf)
	if err != nil {
		return "", err
	}
	if buf.Len() < int(n) {
		return "", fmt.Errorf("truncated record")
	}
	return string(buf.Next(int(n))), nil
}

func readBlob(buf *bytes.Buffer) ([]byte, error) {
	n, err := readUint32(buf)
	if err != nil {
		return nil, err
	}
	if buf.Len() < int(n) {
		return nil, fmt.Errorf("truncated record")
	}
	return append([]byte(nil), buf.Next(int(n))...), nil
}

func flag(v bool) byte {
	if v {
		return 1
	}
	return 0
}
