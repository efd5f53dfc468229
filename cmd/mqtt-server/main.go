// Command mqtt-server runs the MQTT 3.1.1 broker with its TCP, TLS,
// Unix-socket and WebSocket listeners plus the metrics endpoint.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"

	mqtt "github.com/golang-io/mqttsuite"
)

type options struct {
	URL      string `long:"url" default:"mqtt://0.0.0.0:1883" description:"MQTT listener URL (mqtt:// or unix://)"`
	TLSURL   string `long:"mqtts-url" description:"MQTT over TLS listener URL"`
	CertFile string `long:"cert-file" description:"TLS certificate file"`
	KeyFile  string `long:"key-file" description:"TLS key file"`
	WSURL    string `long:"ws-url" description:"MQTT over WebSocket listener URL"`
	HTTPURL  string `long:"http-url" description:"metrics and pprof listener address"`

	SessionStore string `long:"mqtt-session-store" env:"MQTT_SESSION_STORE" description:"session persistence directory"`
	HTMLRoot     string `long:"html-root" description:"directory served at / on the http listener"`

	Username string `long:"username" description:"require this username on CONNECT"`
	Password string `long:"password" description:"password for --username"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	if opts.TLSURL != "" && (opts.CertFile == "" || opts.KeyFile == "") {
		log.Printf("config error: --mqtts-url requires --cert-file and --key-file")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverOpts := []mqtt.Option{mqtt.SessionDir(opts.SessionStore)}
	if opts.Username != "" {
		serverOpts = append(serverOpts, mqtt.Authenticate(func(username, password string) bool {
			return username == opts.Username && password == opts.Password
		}))
	}
	s, err := mqtt.NewServer(ctx, serverOpts...)
	if err != nil {
		log.Printf("config error: %v", err)
		os.Exit(1)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.ListenAndServe(mqtt.URL(opts.URL))
	})
	group.Go(func() error {
		if opts.TLSURL == "" {
			return nil
		}
		return s.ListenAndServeTLS(opts.CertFile, opts.KeyFile, mqtt.URL(opts.TLSURL))
	})
	group.Go(func() error {
		if opts.WSURL == "" {
			return nil
		}
		return s.ListenAndServeWebsocket(mqtt.URL(opts.WSURL))
	})
	group.Go(func() error {
		if opts.HTTPURL == "" {
			return nil
		}
		extra := map[string]http.Handler{}
		if opts.HTMLRoot != "" {
			extra["/"] = http.FileServer(http.Dir(opts.HTMLRoot))
		}
		return mqtt.Httpd(opts.HTTPURL, extra)
	})
	group.Go(func() error {
		sign := make(chan os.Signal, 1)
		signal.Notify(sign, os.Interrupt, syscall.SIGTERM)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-sign:
			log.Printf("got signal: %s", sig)
			cancel()
			return nil
		}
	})
	if err := group.Wait(); err != nil && err != mqtt.ErrServerClosed && err != context.Canceled {
		log.Fatal(err)
	}
}
