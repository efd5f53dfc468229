// Command mqtt-pub publishes one message and exits.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/lmittmann/tint"

	mqtt "github.com/golang-io/mqttsuite"
)

type options struct {
	URL           string `long:"url" default:"mqtt://127.0.0.1:1883" description:"broker URL"`
	ClientID      string `long:"client-id" description:"MQTT client identifier"`
	KeepAlive     uint16 `long:"keep-alive" default:"60" description:"keep-alive seconds"`
	RetainSession bool   `long:"retain-session" description:"request a persistent session"`
	Username      string `long:"username" description:"CONNECT username"`
	Password      string `long:"password" description:"CONNECT password"`

	WillTopic   string `long:"will-topic" description:"will topic"`
	WillMessage string `long:"will-message" description:"will payload"`
	WillQoS     uint8  `long:"will-qos" default:"0" description:"will QoS"`
	WillRetain  bool   `long:"will-retain" description:"retain the will"`

	Topic   string `long:"topic" required:"true" description:"topic to publish on"`
	Message string `long:"message" description:"payload to publish"`
	QoS     uint8  `long:"qos" default:"0" description:"publish QoS"`
	Retain  bool   `long:"retain" description:"publish retained"`

	Timeout time.Duration `long:"timeout" default:"10s" description:"overall deadline"`
}

func main() {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.Kitchen,
	})))
	log := slog.Default().With("context", "PUB")

	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	if opts.QoS > 2 || opts.WillQoS > 2 {
		log.Error("config error", "error", "QoS must be 0, 1 or 2")
		os.Exit(1)
	}

	clientOpts := []mqtt.Option{
		mqtt.URL(opts.URL),
		mqtt.KeepAlive(opts.KeepAlive),
		mqtt.CleanSession(!opts.RetainSession),
	}
	if opts.ClientID != "" {
		clientOpts = append(clientOpts, mqtt.ClientID(opts.ClientID))
	}
	if opts.Username != "" {
		clientOpts = append(clientOpts, mqtt.Credentials(opts.Username, opts.Password))
	}
	if opts.WillTopic != "" {
		clientOpts = append(clientOpts, mqtt.Will(opts.WillTopic, []byte(opts.WillMessage), opts.WillQoS, opts.WillRetain))
	}

	client, err := mqtt.NewClient(clientOpts...)
	if err != nil {
		log.Error("config error", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		log.Error("connect failed", "url", opts.URL, "error", err)
		os.Exit(1)
	}
	if err := client.Publish(ctx, opts.Topic, []byte(opts.Message), opts.QoS, opts.Retain); err != nil {
		log.Error("publish failed", "topic", opts.Topic, "error", err)
		os.Exit(1)
	}
	_ = client.Disconnect()
	log.Info("published", "topic", opts.Topic, "bytes", len(opts.Message), "qos", opts.QoS)
}
