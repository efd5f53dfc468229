package mqtt

import (
	"time"

	"github.com/golang-io/mqttsuite/packet"
	"github.com/golang-io/mqttsuite/session"
	"github.com/golang-io/requests"
)

// Options configures a Server or a Client. Functional options keep the
// zero setup usable: a generated client id against localhost.
type Options struct {
	URL          string
	ClientID     string
	CleanSession bool

	// KeepAlive is the CONNECT keep-alive in seconds; 0 disables it.
	KeepAlive uint16

	Username string
	Password string

	Will *session.Will

	Subscriptions []packet.Subscription

	// SessionDir is the broker session store directory; empty disables
	// persistence.
	SessionDir string

	// Authenticate validates CONNECT credentials on the server side.
	Authenticate func(username, password string) bool

	// ReconnectMin/ReconnectMax bound the client's exponential
	// reconnect backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

type Option func(*Options)

func newOptions(opts ...Option) Options {
	options := Options{
		URL:          "mqtt://127.0.0.1:1883",
		ClientID:     "mqtt-" + genID(),
		CleanSession: true,
		KeepAlive:    60,
		ReconnectMin: time.Second,
		ReconnectMax: 2 * time.Minute,
	}
	for _, o := range opts {
		o(&options)
	}
	return options
}

func genID() string { return requests.GenId() }

func URL(url string) Option {
	return func(o *Options) { o.URL = url }
}

func ClientID(clientID string) Option {
	return func(o *Options) { o.ClientID = clientID }
}

func CleanSession(clean bool) Option {
	return func(o *Options) { o.CleanSession = clean }
}

func KeepAlive(seconds uint16) Option {
	return func(o *Options) { o.KeepAlive = seconds }
}

func Credentials(username, password string) Option {
	return func(o *Options) { o.Username, o.Password = username, password }
}

func Will(topicName string, payload []byte, qos uint8, retain bool) Option {
	return func(o *Options) {
		o.Will = &session.Will{TopicName: topicName, Payload: payload, QoS: qos, Retain: retain}
	}
}

func Subscription(subscriptions ...packet.Subscription) Option {
	return func(o *Options) { o.Subscriptions = append(o.Subscriptions, subscriptions...) }
}

func SessionDir(dir string) Option {
	return func(o *Options) { o.SessionDir = dir }
}

func Authenticate(fn func(username, password string) bool) Option {
	return func(o *Options) { o.Authenticate = fn }
}

func ReconnectBackoff(min, max time.Duration) Option {
	return func(o *Options) { o.ReconnectMin, o.ReconnectMax = min, max }
}
