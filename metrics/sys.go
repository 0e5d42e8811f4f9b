package metrics

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quillmq/quillmq/encoding"
	"github.com/quillmq/quillmq/types/message"
)

// float64ForCounter reads a prometheus.Counter's current value without
// scraping /metrics, using the same Write(*dto.Metric) hook promhttp itself
// uses to render a counter's sample.
func float64ForCounter(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil || m.Counter == nil {
		return 0
	}
	return m.Counter.GetValue()
}

func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil || m.Gauge == nil {
		return 0
	}
	return m.Gauge.GetValue()
}

func formatCounter(c prometheus.Counter) string {
	return strconv.FormatInt(int64(float64ForCounter(c)), 10)
}

func formatGauge(g prometheus.Gauge) string {
	return strconv.FormatInt(int64(gaugeValue(g)), 10)
}

// Publisher is the slice of broker.Broker that SysPublisher needs: the
// ability to inject a retained message as though a client had published it.
// Declared here, satisfied by *broker.Broker, so metrics never imports
// broker.
type Publisher interface {
	Publish(ctx context.Context, clientID string, msg *message.Message, props encoding.Properties) error
}

// BrokerVersion is reported on $SYS/broker/version.
const BrokerVersion = "1.0.0"

// sysClientID is the pseudo client-id attributed to broker-originated
// publishes, matching the broker's own "internal" sender convention.
const sysClientID = "$SYS"

// SysPublisher republishes Collector's running counters as retained
// messages under $SYS/broker/... on a fixed interval, stopping cleanly via
// Close. A zero interval means system topics are disabled (config.Load
// enforces this at the source).
type SysPublisher struct {
	collector *Collector
	publisher Publisher
	interval  time.Duration
	startedAt time.Time

	stop   chan struct{}
	closed atomic.Bool
}

// NewSysPublisher builds a publisher that ticks every interval. Call Start
// to begin publishing; Close stops it.
func NewSysPublisher(collector *Collector, publisher Publisher, interval time.Duration) *SysPublisher {
	return &SysPublisher{
		collector: collector,
		publisher: publisher,
		interval:  interval,
		startedAt: time.Now(),
		stop:      make(chan struct{}),
	}
}

// SetRetainedCount updates the gauge SysPublisher reports on
// messages/retained/count, independent of the tick interval. broker.Broker
// already keeps this gauge current on every retained publish, so callers
// outside the broker only need this for a standalone Collector.
func (s *SysPublisher) SetRetainedCount(n int) {
	s.collector.RetainedCount.Set(float64(n))
}

// SetSubscriptionsCount updates the gauge SysPublisher reports on
// messages/subscriptions/count. broker.Broker already keeps this gauge
// current on every Subscribe/Unsubscribe.
func (s *SysPublisher) SetSubscriptionsCount(n int) {
	s.collector.SubscriptionsCount.Set(float64(n))
}

// Start runs the publish loop until Close is called. Intended to be called
// in its own goroutine; a zero interval returns immediately without
// publishing anything.
func (s *SysPublisher) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.publishAll(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the publish loop. Safe to call more than once.
func (s *SysPublisher) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.stop)
	}
}

func (s *SysPublisher) publishAll(ctx context.Context) {
	uptime := time.Since(s.startedAt)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	topics := map[string]string{
		"$SYS/broker/version":         BrokerVersion,
		"$SYS/broker/uptime":          strconv.FormatInt(int64(uptime.Seconds()), 10),
		"$SYS/broker/uptime/formatted": formatUptime(uptime),
		"$SYS/broker/time":            strconv.FormatInt(time.Now().Unix(), 10),

		"$SYS/broker/clients/connected":    strconv.FormatInt(s.collector.clientsConnected(), 10),
		"$SYS/broker/clients/disconnected": formatCounter(s.collector.ClientsDisconnected),
		"$SYS/broker/clients/maximum":      strconv.FormatInt(s.collector.clientsMaximum(), 10),
		"$SYS/broker/clients/total":        strconv.FormatUint(s.collector.clientsTotal(), 10),

		"$SYS/broker/messages/received":            formatCounter(s.collector.MessagesReceived),
		"$SYS/broker/messages/sent":                 formatCounter(s.collector.MessagesSent),
		"$SYS/broker/messages/inflight":             formatGauge(s.collector.InflightCount),
		"$SYS/broker/messages/inflight/in":          formatCounter(s.collector.PublishReceived),
		"$SYS/broker/messages/inflight/out":         formatCounter(s.collector.PublishSent),
		"$SYS/broker/messages/inflight/stored":      formatGauge(s.collector.RetainedCount),
		"$SYS/broker/messages/publish/received":     formatCounter(s.collector.PublishReceived),
		"$SYS/broker/messages/publish/sent":         formatCounter(s.collector.PublishSent),
		"$SYS/broker/messages/retained/count":       formatGauge(s.collector.RetainedCount),
		"$SYS/broker/messages/subscriptions/count":  formatGauge(s.collector.SubscriptionsCount),

		"$SYS/broker/load/bytes/received": formatCounter(s.collector.BytesReceived),
		"$SYS/broker/load/bytes/sent":     formatCounter(s.collector.BytesSent),

		"$SYS/broker/heap/size":    strconv.FormatUint(mem.HeapAlloc, 10),
		"$SYS/broker/heap/maximum": strconv.FormatUint(mem.HeapSys, 10),

		// cpu/percent has no portable, dependency-free source in the stdlib
		// (getrusage-based sampling needs a platform build tag); reporting
		// goroutine count as a coarse load proxy rather than omitting the
		// topic, since every other $SYS path publishes something.
		"$SYS/broker/cpu/percent": strconv.Itoa(runtime.NumGoroutine()),
		"$SYS/broker/cpu/maximum": strconv.Itoa(runtime.GOMAXPROCS(0)),
	}

	for t, payload := range topics {
		msg := message.NewMessage(0, t, []byte(payload), encoding.QoS0, true, nil)
		if err := s.publisher.Publish(ctx, sysClientID, msg, encoding.Properties{}); err != nil {
			continue
		}
	}
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
}
