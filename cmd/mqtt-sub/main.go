// Command mqtt-sub subscribes to topic filters and prints every message
// until interrupted, reconnecting with backoff.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/lmittmann/tint"

	mqtt "github.com/golang-io/mqttsuite"
	"github.com/golang-io/mqttsuite/packet"
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

	Topics []string `long:"topic" required:"true" description:"topic filter, repeatable"`
	QoS    uint8    `long:"qos" default:"0" description:"subscription QoS"`
}

func main() {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.Kitchen,
	})))
	log := slog.Default().With("context", "SUB")

	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	if opts.QoS > 2 || opts.WillQoS > 2 {
		log.Error("config error", "error", "QoS must be 0, 1 or 2")
		os.Exit(1)
	}

	subscriptions := make([]packet.Subscription, len(opts.Topics))
	for i, filter := range opts.Topics {
		subscriptions[i] = packet.Subscription{TopicFilter: filter, MaximumQoS: opts.QoS}
	}

	clientOpts := []mqtt.Option{
		mqtt.URL(opts.URL),
		mqtt.KeepAlive(opts.KeepAlive),
		mqtt.CleanSession(!opts.RetainSession),
		mqtt.Subscription(subscriptions...),
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
	client.OnMessage(func(pub *packet.PublishPacket) {
		fmt.Printf("%s %s\n", pub.Message.TopicName, pub.Message.Content)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sign := make(chan os.Signal, 1)
		signal.Notify(sign, os.Interrupt, syscall.SIGTERM)
		sig := <-sign
		log.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	if err := client.Run(ctx); err != nil && err != context.Canceled {
		log.Error("exit", "error", err)
		os.Exit(1)
	}
}
