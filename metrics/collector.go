// Package metrics exposes broker health two ways: Prometheus collectors
// for scrape-based monitoring, and a $SYS topic publisher that republishes
// the same counters as retained messages per the broker's own topic tree.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every counter/gauge the broker updates inline on its hot
// paths (connect, disconnect, publish, deliver) plus the running totals a
// Publisher later renders as $SYS messages.
type Collector struct {
	ClientsConnected    prometheus.Gauge
	ClientsMaximum      prometheus.Gauge
	ClientsTotal        prometheus.Counter
	ClientsDisconnected prometheus.Counter

	MessagesReceived prometheus.Counter
	MessagesSent     prometheus.Counter
	MessagesDropped  prometheus.Counter
	PublishReceived  prometheus.Counter
	PublishSent      prometheus.Counter

	BytesReceived prometheus.Counter
	BytesSent     prometheus.Counter

	RetainedCount      prometheus.Gauge
	SubscriptionsCount prometheus.Gauge
	InflightCount      prometheus.Gauge

	// clientsConnectedVal mirrors ClientsConnected so SysPublisher can read
	// an exact integer without scraping the Prometheus gauge back out.
	clientsConnectedVal atomic.Int64
	clientsMaximumVal   atomic.Int64
	clientsTotalVal     atomic.Uint64
}

// NewCollector builds an unregistered Collector; call Register to attach it
// to a prometheus.Registerer (nil uses the default global registry).
func NewCollector() *Collector {
	return &Collector{
		ClientsConnected:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "quillmq_clients_connected", Help: "Currently connected clients"}),
		ClientsMaximum:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "quillmq_clients_maximum", Help: "Highest simultaneous client count seen"}),
		ClientsTotal:        prometheus.NewCounter(prometheus.CounterOpts{Name: "quillmq_clients_total", Help: "Total client connections accepted"}),
		ClientsDisconnected: prometheus.NewCounter(prometheus.CounterOpts{Name: "quillmq_clients_disconnected_total", Help: "Total client disconnections"}),

		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{Name: "quillmq_messages_received_total", Help: "Total MQTT packets received"}),
		MessagesSent:     prometheus.NewCounter(prometheus.CounterOpts{Name: "quillmq_messages_sent_total", Help: "Total MQTT packets sent"}),
		MessagesDropped:  prometheus.NewCounter(prometheus.CounterOpts{Name: "quillmq_messages_dropped_total", Help: "Total messages dropped (full outbound queue)"}),
		PublishReceived:  prometheus.NewCounter(prometheus.CounterOpts{Name: "quillmq_publish_received_total", Help: "Total PUBLISH packets received from clients"}),
		PublishSent:      prometheus.NewCounter(prometheus.CounterOpts{Name: "quillmq_publish_sent_total", Help: "Total PUBLISH packets sent to clients"}),

		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{Name: "quillmq_bytes_received_total", Help: "Total bytes read from clients"}),
		BytesSent:     prometheus.NewCounter(prometheus.CounterOpts{Name: "quillmq_bytes_sent_total", Help: "Total bytes written to clients"}),

		RetainedCount:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "quillmq_retained_messages", Help: "Number of retained messages held"}),
		SubscriptionsCount: prometheus.NewGauge(prometheus.GaugeOpts{Name: "quillmq_subscriptions", Help: "Number of active subscriptions"}),
		InflightCount:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "quillmq_messages_inflight", Help: "Number of QoS 1/2 messages awaiting acknowledgement"}),
	}
}

// Register attaches every collector in c to reg (prometheus.DefaultRegisterer
// if nil).
func (c *Collector) Register(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		c.ClientsConnected, c.ClientsMaximum, c.ClientsTotal, c.ClientsDisconnected,
		c.MessagesReceived, c.MessagesSent, c.MessagesDropped, c.PublishReceived, c.PublishSent,
		c.BytesReceived, c.BytesSent,
		c.RetainedCount, c.SubscriptionsCount, c.InflightCount,
	)
}

// Handler returns the /metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// OnClientConnected records a new live connection.
func (c *Collector) OnClientConnected() {
	c.ClientsConnected.Inc()
	c.ClientsTotal.Inc()
	n := c.clientsConnectedVal.Add(1)
	c.clientsTotalVal.Add(1)
	for {
		max := c.clientsMaximumVal.Load()
		if n <= max {
			break
		}
		if c.clientsMaximumVal.CompareAndSwap(max, n) {
			c.ClientsMaximum.Set(float64(n))
			break
		}
	}
}

// OnClientDisconnected records a connection going away.
func (c *Collector) OnClientDisconnected() {
	c.ClientsConnected.Dec()
	c.ClientsDisconnected.Inc()
	c.clientsConnectedVal.Add(-1)
}

func (c *Collector) clientsConnected() int64 { return c.clientsConnectedVal.Load() }
func (c *Collector) clientsMaximum() int64   { return c.clientsMaximumVal.Load() }
func (c *Collector) clientsTotal() uint64    { return c.clientsTotalVal.Load() }
