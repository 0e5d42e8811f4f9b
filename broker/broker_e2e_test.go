package broker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillmq/quillmq/broker"
	"github.com/quillmq/quillmq/client"
	"github.com/quillmq/quillmq/encoding"
	"github.com/quillmq/quillmq/metrics"
	"github.com/quillmq/quillmq/network"
	"github.com/quillmq/quillmq/protocol"
)

// startBroker brings up a Broker behind a loopback TCP listener and returns
// its address. The listener and broker are closed on test cleanup.
func startBroker(t *testing.T) string {
	t.Helper()

	b := broker.New(nil, nil, nil, nil, nil)

	pool, err := network.NewPool(network.DefaultPoolConfig())
	require.NoError(t, err)

	lcfg := network.DefaultListenerConfig("127.0.0.1:0")
	listener, err := network.NewListener(lcfg, pool)
	require.NoError(t, err)

	b.Listen(listener, protocol.DefaultConfig())
	require.NoError(t, listener.Start())

	t.Cleanup(func() {
		_ = listener.Close()
		_ = b.Close()
	})

	return listener.Addr().String()
}

func connectClient(t *testing.T, addr, clientID string, onMsg func(client.Message)) *client.Client {
	t.Helper()
	cfg := client.DefaultConfig(clientID)
	cfg.OnMessage = onMsg
	c, err := client.Dial(context.Background(), addr, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type collector struct {
	mu   sync.Mutex
	msgs []client.Message
}

func (c *collector) onMessage(m client.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *collector) snapshot() []client.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]client.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// Scenario 1: QoS 0 fan-out.
func TestE2E_QoS0FanOut(t *testing.T) {
	addr := startBroker(t)

	var col collector
	a := connectClient(t, addr, "a", col.onMessage)
	_, err := a.Subscribe([]encoding.Subscription{{TopicFilter: "x/y", QoS: encoding.QoS0}})
	require.NoError(t, err)

	b := connectClient(t, addr, "b", nil)
	require.NoError(t, b.Publish("x/y", []byte{0x48, 0x49}, encoding.QoS0, false))

	require.True(t, waitFor(t, time.Second, func() bool { return len(col.snapshot()) == 1 }))
	msgs := col.snapshot()
	assert.Equal(t, "x/y", msgs[0].Topic)
	assert.Equal(t, []byte{0x48, 0x49}, msgs[0].Payload)
	assert.Equal(t, encoding.QoS0, msgs[0].QoS)
}

// Scenario 2: wildcard '#' matching, in publish order, at QoS 1.
func TestE2E_WildcardHash(t *testing.T) {
	addr := startBroker(t)

	var col collector
	sub := connectClient(t, addr, "sub", col.onMessage)
	_, err := sub.Subscribe([]encoding.Subscription{{TopicFilter: "a/#", QoS: encoding.QoS1}})
	require.NoError(t, err)

	pub := connectClient(t, addr, "pub", nil)
	require.NoError(t, pub.Publish("a", []byte("1"), encoding.QoS1, false))
	require.NoError(t, pub.Publish("a/b", []byte("2"), encoding.QoS1, false))
	require.NoError(t, pub.Publish("a/b/c", []byte("3"), encoding.QoS1, false))
	require.NoError(t, pub.Publish("b/a", []byte("4"), encoding.QoS1, false))

	require.True(t, waitFor(t, time.Second, func() bool { return len(col.snapshot()) == 3 }))
	msgs := col.snapshot()
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"1", "2", "3"}, []string{string(msgs[0].Payload), string(msgs[1].Payload), string(msgs[2].Payload)})
	for _, m := range msgs {
		assert.Equal(t, encoding.QoS1, m.QoS)
	}
}

// Scenario 3: retained message replay, then retained removal via empty payload.
func TestE2E_Retained(t *testing.T) {
	addr := startBroker(t)

	pub := connectClient(t, addr, "pub", nil)
	require.NoError(t, pub.Publish("cfg/v", []byte("7"), encoding.QoS0, true))

	var col collector
	sub := connectClient(t, addr, "sub", col.onMessage)
	_, err := sub.Subscribe([]encoding.Subscription{{TopicFilter: "cfg/+", QoS: encoding.QoS0}})
	require.NoError(t, err)

	require.True(t, waitFor(t, time.Second, func() bool { return len(col.snapshot()) == 1 }))
	msgs := col.snapshot()
	assert.Equal(t, "cfg/v", msgs[0].Topic)
	assert.Equal(t, "7", string(msgs[0].Payload))
	assert.True(t, msgs[0].Retain)

	require.NoError(t, pub.Publish("cfg/v", []byte{}, encoding.QoS0, true))

	var col2 collector
	sub2 := connectClient(t, addr, "sub2", col2.onMessage)
	_, err = sub2.Subscribe([]encoding.Subscription{{TopicFilter: "cfg/+", QoS: encoding.QoS0}})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, col2.snapshot())
}

// Scenario 4: persistent session survives a disconnect, gets the QoS 1
// publish it missed while offline redelivered with dup=1 on reconnect, and
// then keeps receiving new publishes on its resumed subscription.
func TestE2E_PersistentSession(t *testing.T) {
	addr := startBroker(t)

	var col collector
	cfg := client.DefaultConfig("p")
	cfg.ProtocolVersion = encoding.ProtocolVersion311
	cfg.CleanStart = false
	cfg.OnMessage = col.onMessage
	p, err := client.Dial(context.Background(), addr, cfg)
	require.NoError(t, err)

	_, err = p.Subscribe([]encoding.Subscription{{TopicFilter: "t", QoS: encoding.QoS1}})
	require.NoError(t, err)
	require.NoError(t, p.Disconnect())

	other := connectClient(t, addr, "other", nil)
	require.NoError(t, other.Publish("t", []byte("x"), encoding.QoS1, false))

	time.Sleep(50 * time.Millisecond)

	var col2 collector
	cfg2 := client.DefaultConfig("p")
	cfg2.ProtocolVersion = encoding.ProtocolVersion311
	cfg2.CleanStart = false
	cfg2.OnMessage = col2.onMessage
	p2, err := client.Dial(context.Background(), addr, cfg2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p2.Close() })
	assert.True(t, p2.SessionPresent())

	// The publish that arrived while p was offline must be redelivered with
	// dup=1 as soon as the session reconnects, before anything new is sent.
	require.True(t, waitFor(t, time.Second, func() bool { return len(col2.snapshot()) >= 1 }))
	msgs := col2.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "t", msgs[0].Topic)
	assert.Equal(t, "x", string(msgs[0].Payload))
	assert.True(t, msgs[0].DUP)

	// p2 never re-subscribes; receiving this live publish confirms the
	// resumed session kept its "t" subscription routed.
	live := connectClient(t, addr, "other2", nil)
	require.NoError(t, live.Publish("t", []byte("y"), encoding.QoS1, false))

	require.True(t, waitFor(t, time.Second, func() bool { return len(col2.snapshot()) >= 2 }))
	msgs = col2.snapshot()
	assert.Equal(t, "t", msgs[1].Topic)
	assert.Equal(t, "y", string(msgs[1].Payload))
	assert.False(t, msgs[1].DUP)
}

// Scenario 5: takeover. Two CONNECTs with the same client id; the second
// succeeds and the first observes its connection close.
func TestE2E_Takeover(t *testing.T) {
	addr := startBroker(t)

	first, err := client.Dial(context.Background(), addr, client.DefaultConfig("dup"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })

	_, err = first.Subscribe([]encoding.Subscription{{TopicFilter: "x", QoS: encoding.QoS0}})
	require.NoError(t, err)

	second, err := client.Dial(context.Background(), addr, client.DefaultConfig("dup"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	// The first connection should see its SUBSCRIBE round-trip fail once
	// the broker disconnects it for takeover.
	require.True(t, waitFor(t, time.Second, func() bool {
		_, err := first.Subscribe([]encoding.Subscription{{TopicFilter: "y", QoS: encoding.QoS0}})
		return err != nil
	}))
}

// Scenario 6: a client that stops sending packets past its keep-alive
// grace period gets disconnected by the broker.
func TestE2E_KeepAliveTimeout(t *testing.T) {
	b := broker.New(nil, nil, nil, nil, nil)
	pool, err := network.NewPool(network.DefaultPoolConfig())
	require.NoError(t, err)
	listener, err := network.NewListener(network.DefaultListenerConfig("127.0.0.1:0"), pool)
	require.NoError(t, err)

	protoCfg := protocol.DefaultConfig()
	b.Listen(listener, protoCfg)
	require.NoError(t, listener.Start())
	t.Cleanup(func() {
		_ = listener.Close()
		_ = b.Close()
	})

	cfg := client.DefaultConfig("idle")
	cfg.KeepAlive = 1
	c, err := client.Dial(context.Background(), listener.Addr().String(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	// Send nothing for longer than 1.5x the keep-alive (the broker checks
	// idleness once a second); any packet sent earlier would reset the
	// idle timer. Only then probe whether the connection is gone.
	time.Sleep(2500 * time.Millisecond)
	require.True(t, waitFor(t, time.Second, func() bool {
		_, err := c.Subscribe([]encoding.Subscription{{TopicFilter: "x", QoS: encoding.QoS0}})
		return err != nil
	}))
}

// Metrics wiring: connecting, publishing and disconnecting move the
// collector's counters the way the Prometheus scrape endpoint and
// $SYS topics both read from.
func TestE2E_MetricsWiring(t *testing.T) {
	collector := metrics.NewCollector()
	b := broker.New(nil, nil, nil, nil, collector)

	pool, err := network.NewPool(network.DefaultPoolConfig())
	require.NoError(t, err)
	listener, err := network.NewListener(network.DefaultListenerConfig("127.0.0.1:0"), pool)
	require.NoError(t, err)
	b.Listen(listener, protocol.DefaultConfig())
	require.NoError(t, listener.Start())
	t.Cleanup(func() {
		_ = listener.Close()
		_ = b.Close()
	})

	addr := listener.Addr().String()
	sub, err := client.Dial(context.Background(), addr, client.DefaultConfig("msub"))
	require.NoError(t, err)
	_, err = sub.Subscribe([]encoding.Subscription{{TopicFilter: "m", QoS: encoding.QoS0}})
	require.NoError(t, err)

	pub, err := client.Dial(context.Background(), addr, client.DefaultConfig("mpub"))
	require.NoError(t, err)
	require.NoError(t, pub.Publish("m", []byte("hi"), encoding.QoS0, false))

	require.True(t, waitFor(t, time.Second, func() bool {
		return testutil.ToFloat64(collector.MessagesSent) >= 1
	}))
	assert.EqualValues(t, 2, testutil.ToFloat64(collector.ClientsConnected))
	assert.EqualValues(t, 2, testutil.ToFloat64(collector.ClientsTotal))
	assert.EqualValues(t, 1, testutil.ToFloat64(collector.MessagesReceived))
	assert.EqualValues(t, 1, testutil.ToFloat64(collector.PublishReceived))
	assert.EqualValues(t, 1, testutil.ToFloat64(collector.SubscriptionsCount))

	require.NoError(t, sub.Disconnect())
	require.True(t, waitFor(t, time.Second, func() bool {
		return testutil.ToFloat64(collector.ClientsDisconnected) >= 1
	}))

	assert.NoError(t, pub.Close())
}
