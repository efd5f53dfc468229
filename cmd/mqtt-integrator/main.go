// Command mqtt-integrator subscribes to a broker, rewrites messages
// through the mapping engine and republishes the results. It hosts the
// mapping admin API and can ingest readings into Postgres.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	mqtt "github.com/golang-io/mqttsuite"
	"github.com/golang-io/mqttsuite/admin"
	"github.com/golang-io/mqttsuite/mapping"
	"github.com/golang-io/mqttsuite/packet"
	"github.com/golang-io/mqttsuite/pgpool"
	"github.com/golang-io/mqttsuite/topic"
)

type options struct {
	URL           string `long:"url" default:"mqtt://127.0.0.1:1883" description:"broker to integrate against"`
	ClientID      string `long:"client-id" description:"MQTT client identifier"`
	QoS           uint8  `long:"qos" default:"0" description:"subscription QoS for mapping filters"`
	KeepAlive     uint16 `long:"keep-alive" default:"60" description:"keep-alive seconds"`
	RetainSession bool   `long:"retain-session" description:"request a persistent session"`
	Username      string `long:"username" description:"CONNECT username"`
	Password      string `long:"password" description:"CONNECT password"`

	WillTopic   string `long:"will-topic" description:"will topic"`
	WillMessage string `long:"will-message" description:"will payload"`
	WillQoS     uint8  `long:"will-qos" default:"0" description:"will QoS"`
	WillRetain  bool   `long:"will-retain" description:"retain the will"`

	MappingFile string `long:"mqtt-mapping-file" env:"MQTT_MAPPING_FILE" required:"true" description:"mapping document path"`

	HTTPURL       string `long:"http-url" description:"admin API and metrics listener address"`
	AdminUsername string `long:"admin-username" description:"basic auth user for the admin API"`
	AdminPassword string `long:"admin-password" description:"basic auth password for the admin API"`

	PGConn       string `long:"pg-conn" description:"Postgres connection string enabling ingestion"`
	PGPoolSize   int    `long:"pg-pool-size" default:"4" description:"Postgres pool size"`
	IngestFilter string `long:"ingest-filter" description:"topic filter whose JSON payloads are ingested"`
}

// loadEngine reads and validates the mapping file. A missing or invalid
// document degrades to the empty mapping: the integrator runs, matches
// nothing, and can be fixed over the admin API.
func loadEngine(path string, log *slog.Logger) *mapping.Engine {
	raw, err := os.ReadFile(path)
	if err == nil {
		doc, perr := mapping.Parse(raw)
		if perr == nil {
			return mapping.New(doc)
		}
		err = perr
	}
	log.Warn("mapping unusable, starting with the empty mapping", "path", path, "error", err)
	doc, _ := mapping.Parse([]byte(`{"mapping":{}}`))
	return mapping.New(doc)
}

func main() {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.Kitchen,
	})))
	log := slog.Default().With("context", "INTEGRATOR")

	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var engine atomic.Pointer[mapping.Engine]
	engine.Store(loadEngine(opts.MappingFile, log))

	var pool *pgpool.Pool
	if opts.PGConn != "" {
		pool = pgpool.New(ctx, opts.PGConn, opts.PGPoolSize)
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

	subscribe := func(e *mapping.Engine) {
		subs := e.Subscriptions()
		for i := range subs {
			if subs[i].MaximumQoS < opts.QoS {
				subs[i].MaximumQoS = opts.QoS
			}
		}
		if opts.IngestFilter != "" {
			subs = append(subs, packet.Subscription{TopicFilter: opts.IngestFilter, MaximumQoS: opts.QoS})
		}
		if len(subs) == 0 {
			return
		}
		if err := client.Subscribe(ctx, subs...); err != nil {
			log.Error("subscribe failed", "error", err)
		}
	}
	client.OnConnect(func(bool) { subscribe(engine.Load()) })

	// Rewrites go through a queue: publishing from inside OnMessage
	// would wait for acknowledgements the same read loop must deliver.
	// The queue also keeps outputs in declaration order.
	rewrites := make(chan mapping.Publish, 256)
	client.OnMessage(func(pub *packet.PublishPacket) {
		msg := pub.Message
		for _, out := range engine.Load().Rewrite(msg.TopicName, msg.Content, pub.QoS) {
			select {
			case rewrites <- out:
			default:
				log.Warn("rewrite queue full, dropping", "topic", out.TopicName)
			}
		}
		if pool != nil && opts.IngestFilter != "" && topic.Match(opts.IngestFilter, msg.TopicName) {
			ingest(pool, msg.Content, log)
		}
	})

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return client.Run(ctx) })
	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out := <-rewrites:
				if err := client.Publish(ctx, out.TopicName, out.Payload, out.QoS, out.Retain); err != nil {
					log.Error("republish failed", "topic", out.TopicName, "error", err)
				}
			}
		}
	})
	group.Go(func() error {
		if opts.HTTPURL == "" {
			return nil
		}
		api := admin.New(opts.MappingFile, opts.AdminUsername, opts.AdminPassword, func(doc []byte) {
			parsed, err := mapping.Parse(doc)
			if err != nil {
				log.Error("deployed document does not parse", "error", err)
				return
			}
			next := mapping.New(parsed)
			prev := engine.Swap(next)
			go resubscribe(ctx, client, prev, next, opts.QoS, log)
		})
		return mqtt.Httpd(opts.HTTPURL, map[string]http.Handler{
			"/admin/": http.StripPrefix("/admin", api.Router()),
		})
	})
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

// resubscribe reconciles the broker subscriptions after a deploy:
// filters only the old document had are dropped, new ones are added.
func resubscribe(ctx context.Context, client *mqtt.Client, prev, next *mapping.Engine, minQoS uint8, log *slog.Logger) {
	old := map[string]bool{}
	for _, sub := range prev.Subscriptions() {
		old[sub.TopicFilter] = true
	}
	var added []packet.Subscription
	for _, sub := range next.Subscriptions() {
		if old[sub.TopicFilter] {
			delete(old, sub.TopicFilter)
			continue
		}
		if sub.MaximumQoS < minQoS {
			sub.MaximumQoS = minQoS
		}
		added = append(added, sub)
	}
	var removed []string
	for filter := range old {
		removed = append(removed, filter)
	}
	if len(removed) > 0 {
		if err := client.Unsubscribe(ctx, removed...); err != nil {
			log.Error("unsubscribe after deploy failed", "error", err)
		}
	}
	if len(added) > 0 {
		if err := client.Subscribe(ctx, added...); err != nil {
			log.Error("subscribe after deploy failed", "error", err)
		}
	}
}

// ingestPayload is the JSON shape the ingest filter expects.
type ingestPayload struct {
	DeviceID    string  `json:"device_id"`
	Temperature float64 `json:"temperature"`
}

func ingest(pool *pgpool.Pool, payload []byte, log *slog.Logger) {
	var sample ingestPayload
	if err := json.Unmarshal(payload, &sample); err != nil || sample.DeviceID == "" {
		log.Warn("payload not ingestable", "error", err)
		return
	}
	pool.IngestReading(pgpool.Reading{
		DeviceID:    sample.DeviceID,
		Temperature: sample.Temperature,
	}, func(id int64) {
		log.Debug("reading stored", "device", sample.DeviceID, "id", id)
	}, func(err error) {
		log.Error("ingestion failed", "device", sample.DeviceID, "error", err)
	})
}
