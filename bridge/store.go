package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	mqtt "github.com/golang-io/mqttsuite"
	"github.com/golang-io/mqttsuite/packet"
)

// Store instantiates the bridges of a definition file and runs one
// client per broker endpoint. Endpoints come up independently: an
// unreachable broker keeps reconnecting without blocking its peers.
type Store struct {
	cfg     *Config
	bridges map[string]*Bridge
	notify  func(event string, data map[string]any)
	log     *slog.Logger
}

// NewStore builds the fabrics described by cfg.
func NewStore(cfg *Config) *Store {
	s := &Store{
		cfg:     cfg,
		bridges: make(map[string]*Bridge, len(cfg.Bridges)),
		log:     slog.Default().With("context", "BRIDGE-STORE"),
	}
	for _, bc := range cfg.Bridges {
		s.bridges[bc.Name] = New(bc.Name, bc.LoopPrevention)
	}
	return s
}

// OnEvent installs a lifecycle event hook. Every event carries an "at"
// timestamp in UTC; the SSE distributor subscribes here.
func (s *Store) OnEvent(fn func(event string, data map[string]any)) { s.notify = fn }

// Bridge returns a fabric by name, or nil.
func (s *Store) Bridge(name string) *Bridge { return s.bridges[name] }

// Bridges lists the fabric names in the store.
func (s *Store) Bridges() []string {
	names := make([]string, 0, len(s.bridges))
	for name := range s.bridges {
		names = append(names, name)
	}
	return names
}

func (s *Store) event(name string, data map[string]any) {
	if s.notify == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["at"] = time.Now().UTC().Format(time.RFC3339)
	s.notify(name, data)
}

// Run brings up every endpoint of every bridge and blocks until ctx is
// cancelled. An endpoint whose client cannot even be constructed is
// logged and skipped; connection failures are retried by the client's
// own backoff.
func (s *Store) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	s.event("bridges_starting", map[string]any{"bridges": len(s.cfg.Bridges)})
	group.Go(func() error {
		<-ctx.Done()
		s.event("bridges_stopping", nil)
		return nil
	})

	for _, bc := range s.cfg.Bridges {
		fabric := s.bridges[bc.Name]
		topics := bc.Topics
		if len(topics) == 0 {
			topics = []string{"#"}
		}
		subscriptions := make([]packet.Subscription, len(topics))
		for i, topic := range topics {
			subscriptions[i] = packet.Subscription{TopicFilter: topic, MaximumQoS: bc.QoS}
		}

		// All endpoints of one bridge are the same logical client
		// replicated per broker: one client-id, one set of credentials
		// and will settings.
		clientID := bc.ClientID
		if clientID == "" {
			clientID = fmt.Sprintf("bridge-%s", bc.Name)
		}

		s.event("bridge_starting", map[string]any{"bridge": bc.Name, "endpoints": len(bc.Endpoints)})
		for _, instance := range bc.Endpoints {
			broker := s.cfg.Brokers[instance]
			opts := []mqtt.Option{
				mqtt.URL(broker.URL),
				mqtt.ClientID(clientID),
				mqtt.Subscription(subscriptions...),
			}
			if bc.Username != "" {
				opts = append(opts, mqtt.Credentials(bc.Username, bc.Password))
			}
			if bc.KeepAlive > 0 {
				opts = append(opts, mqtt.KeepAlive(bc.KeepAlive))
			}
			if bc.WillTopic != "" {
				opts = append(opts, mqtt.Will(bc.WillTopic, []byte(bc.WillMessage), bc.WillQoS, bc.WillRetain))
			}

			client, err := mqtt.NewClient(opts...)
			if err != nil {
				s.log.Error("endpoint unusable, skipping", "bridge", bc.Name, "instance", instance, "error", err)
				s.event("broker_disabled", map[string]any{"bridge": bc.Name, "instance": instance, "error": err.Error()})
				continue
			}

			instance := instance
			client.OnConnect(func(sessionPresent bool) {
				s.event("broker_connected", map[string]any{"bridge": bc.Name, "instance": instance})
			})
			client.OnMessage(func(pub *packet.PublishPacket) {
				msg := Message{
					TopicName: pub.Message.TopicName,
					Payload:   pub.Message.Content,
					QoS:       pub.QoS,
					Retain:    pub.Retain == 1,
				}
				fabric.Publish(ctx, client.ID(), msg)
			})

			fabric.Attach(client)
			s.event("broker_connecting", map[string]any{"bridge": bc.Name, "instance": instance})
			group.Go(func() error {
				err := client.Run(ctx)
				fabric.Detach(client)
				s.event("broker_disconnected", map[string]any{"bridge": bc.Name, "instance": instance})
				return err
			})
		}
		s.event("bridge_started", map[string]any{"bridge": bc.Name})
	}
	s.event("bridges_started", map[string]any{"bridges": len(s.cfg.Bridges)})

	err := group.Wait()
	s.event("bridges_stopped", nil)
	return err
}
