package mqtt

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/golang-io/mqttsuite/packet"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient(URL("mqtt://localhost:1883"))
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	if client.URL == nil {
		t.Fatal("client.URL should not be nil")
	}
	if client.URL.Host != "localhost:1883" {
		t.Errorf("expected host localhost:1883, got %s", client.URL.Host)
	}
}

func TestNewClientBadURL(t *testing.T) {
	if _, err := NewClient(URL("://nope")); err == nil {
		t.Fatal("expected error for malformed URL")
	}
}

func TestClientID(t *testing.T) {
	client, err := NewClient()
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	if client.ID() == "" {
		t.Error("ClientID should not be empty")
	}
}

func TestClientOptions(t *testing.T) {
	client, err := NewClient(
		URL("mqtt://127.0.0.1:1883"),
		ClientID("tester"),
		CleanSession(false),
		KeepAlive(30),
		Credentials("user", "pass"),
		Will("will/topic", []byte("gone"), 1, true),
		Subscription(packet.Subscription{TopicFilter: "test/topic", MaximumQoS: 1}),
		ReconnectBackoff(time.Second, time.Minute),
	)
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}

	o := client.options
	if o.ClientID != "tester" {
		t.Errorf("ClientID = %q, want tester", o.ClientID)
	}
	if o.CleanSession {
		t.Error("CleanSession should be false")
	}
	if o.KeepAlive != 30 {
		t.Errorf("KeepAlive = %d, want 30", o.KeepAlive)
	}
	if o.Username != "user" || o.Password != "pass" {
		t.Error("credentials not applied")
	}
	if o.Will == nil || o.Will.TopicName != "will/topic" || o.Will.QoS != 1 || !o.Will.Retain {
		t.Errorf("will not applied: %+v", o.Will)
	}
	if len(o.Subscriptions) != 1 || o.Subscriptions[0].TopicFilter != "test/topic" {
		t.Errorf("subscriptions not applied: %+v", o.Subscriptions)
	}
	if o.ReconnectMin != time.Second || o.ReconnectMax != time.Minute {
		t.Error("reconnect backoff not applied")
	}
}

func TestClientOnMessage(t *testing.T) {
	client, err := NewClient()
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}

	messageReceived := false
	client.OnMessage(func(pub *packet.PublishPacket) {
		messageReceived = true
	})
	if client.onMessage == nil {
		t.Fatal("OnMessage should set the message handler")
	}

	client.onMessage(&packet.PublishPacket{
		FixedHeader: &packet.FixedHeader{Kind: packet.PUBLISH},
		Message:     &packet.Message{TopicName: "test/topic", Content: []byte("test message")},
	})
	if !messageReceived {
		t.Error("message handler should be called")
	}
}

func TestClientWithCustomDialer(t *testing.T) {
	client, err := NewClient(URL("mqtt://127.0.0.1:1883"))
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}

	dialCalled := false
	client.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialCalled = true
		if network != "tcp" || addr != "127.0.0.1:1883" {
			t.Errorf("dial %s %s", network, addr)
		}
		return &mockConn{}, nil
	}

	rwc, err := client.dial(context.Background())
	if err != nil {
		t.Fatalf("dial() error: %v", err)
	}
	rwc.Close()
	if !dialCalled {
		t.Error("custom dialer should be called")
	}
}

func TestClientDialUnsupportedScheme(t *testing.T) {
	client, err := NewClient(URL("ftp://127.0.0.1:21"))
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	if _, err := client.dial(context.Background()); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestClientSendNotConnected(t *testing.T) {
	client, err := NewClient()
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	if err := client.Publish(context.Background(), "a/b", []byte("x"), 0, false); err == nil {
		t.Fatal("Publish before Connect should fail")
	}
}

func TestClientFailPendingUnblocksWaiters(t *testing.T) {
	client, err := NewClient()
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}

	ch := client.wait(7)
	done := make(chan error, 1)
	go func() {
		_, err := client.await(context.Background(), 7, ch)
		done <- err
	}()
	client.failPending()

	select {
	case err := <-done:
		if err == nil {
			t.Error("await should fail after failPending")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("await should return after failPending")
	}
}
