package mqtt

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/golang-io/requests"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Stat struct {
	Uptime            prometheus.Counter
	ActiveConnections prometheus.Gauge
	PacketReceived    prometheus.Counter
	PacketSent        prometheus.Counter
	MessagesRouted    prometheus.Counter
}

var stat = Stat{
	Uptime:            prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_uptime_seconds", Help: "The uptime in seconds"}),
	ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_active_client_count", Help: "The active number of MQTT clients"}),
	PacketReceived:    prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_received_packets", Help: "The total number of received MQTT packets"}),
	PacketSent:        prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_send_packets", Help: "The total number of sent MQTT packets"}),
	MessagesRouted:    prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_routed_messages", Help: "The total number of routed application messages"}),
}

func ServerLog(ctx context.Context, s *requests.Stat) {
	log.Printf("%s", s.Print())
}

// Httpd serves /metrics and pprof on addr, and mounts any extra
// handlers (the admin API and SSE stream plug in here).
func Httpd(addr string, extra map[string]http.Handler) error {
	stat.Register()
	stat.RefreshUptime()
	mux := requests.NewServeMux(requests.URL(addr), requests.Logf(ServerLog))
	mux.Route("/metrics", promhttp.Handler())
	mux.Pprof()
	for path, handler := range extra {
		mux.Route(path, handler)
	}
	s := requests.NewServer(context.Background(), mux, requests.OnStart(func(s *http.Server) {
		log.Printf("http serve: %s", s.Addr)
	}))
	return s.ListenAndServe()
}

func (s *Stat) RefreshUptime() {
	go func() {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for range tick.C {
			s.Uptime.Inc()
		}
	}()
}

func (s *Stat) Register() {
	prometheus.MustRegister(s.Uptime)
	prometheus.MustRegister(s.ActiveConnections)
	prometheus.MustRegister(s.PacketReceived)
	prometheus.MustRegister(s.PacketSent)
	prometheus.MustRegister(s.MessagesRouted)
}
