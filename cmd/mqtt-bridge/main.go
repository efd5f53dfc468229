// Command mqtt-bridge connects broker endpoints into fabrics per a JSON
// definition and streams lifecycle events over SSE.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	mqtt "github.com/golang-io/mqttsuite"
	"github.com/golang-io/mqttsuite/admin"
	"github.com/golang-io/mqttsuite/bridge"
)

type options struct {
	Definition string `long:"definition" description:"bridge definition file (JSON)"`
	Config     string `long:"bridge-config" env:"BRIDGE_CONFIG" description:"alias for --definition"`
	HTTPURL    string `long:"http-url" description:"metrics and event stream listener address"`
}

func main() {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.Kitchen,
	})))
	log := slog.Default().With("context", "BRIDGE-MAIN")

	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	path := opts.Definition
	if path == "" {
		path = opts.Config
	}

	cfg, err := bridge.LoadConfig(path)
	if err != nil {
		log.Error("config error", "error", err)
		os.Exit(1)
	}
	store := bridge.NewStore(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sse *admin.SSE
	if opts.HTTPURL != "" {
		sse = admin.NewSSE()
		store.OnEvent(sse.Emit)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if sse == nil {
			return nil
		}
		return mqtt.Httpd(opts.HTTPURL, map[string]http.Handler{"/events": sse})
	})
	group.Go(func() error { return store.Run(ctx) })
	group.Go(func() error {
		sign := make(chan os.Signal, 1)
		signal.Notify(sign, os.Interrupt, syscall.SIGTERM)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-sign:
			log.Info("shutting down", "signal", sig.String())
			cancel()
			return nil
		}
	})
	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Error("exit", "error", err)
		os.Exit(1)
	}
}
