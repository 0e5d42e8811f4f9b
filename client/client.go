// Package client is a minimal MQTT peer used to exercise a broker from the
// other side of the wire in integration tests. It is not a general-purpose
// client library: no reconnect, no persistent queue, no offline buffering.
// It speaks just enough of the protocol to connect, subscribe, publish at
// any QoS, and hand incoming PUBLISHes to a callback, acking them as it
// goes.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/quillmq/quillmq/codec/packet"
	"github.com/quillmq/quillmq/encoding"
)

// Message is a PUBLISH delivered to a subscriber.
type Message struct {
	Topic   string
	Payload []byte
	QoS     encoding.QoS
	Retain  bool
	DUP     bool
}

// Config configures a Client's CONNECT.
type Config struct {
	ClientID        string
	ProtocolVersion encoding.ProtocolVersion
	CleanStart      bool
	KeepAlive       uint16
	Username        string
	Password        []byte
	HasCredentials  bool
	WillTopic       string
	WillPayload     []byte
	WillQoS         encoding.QoS
	WillRetain      bool

	// OnMessage is invoked from the client's read loop for every inbound
	// PUBLISH, after any QoS handshake byte this client owes has been
	// sent. It must not block for long; the read loop waits for it.
	OnMessage func(Message)
}

func DefaultConfig(clientID string) *Config {
	return &Config{
		ClientID:        clientID,
		ProtocolVersion: encoding.ProtocolVersion50,
		CleanStart:      true,
		KeepAlive:       60,
	}
}

// Client is a single MQTT connection to a broker, driven by the caller
// (Connect, Subscribe, Publish) with a background goroutine reading and
// acking inbound packets.
type Client struct {
	conn    net.Conn
	cfg     *Config
	version encoding.ProtocolVersion

	writeMu sync.Mutex
	nextID  atomic.Uint32

	mu       sync.Mutex
	subAcks  map[uint16]chan []encoding.ReasonCode
	pubAcks  map[uint16]chan struct{}
	qos2recv map[uint16]struct{}

	sessionPresent bool
	closed         chan struct{}
	closeMu        sync.Once
}

// SessionPresent reports the CONNACK session-present flag returned during
// the handshake.
func (c *Client) SessionPresent() bool {
	return c.sessionPresent
}

// Dial opens a TCP connection to addr and runs the CONNECT handshake.
func Dial(ctx context.Context, addr string, cfg *Config) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newClient(conn, cfg)
}

// New wraps an already-open net.Conn (e.g. one side of a net.Pipe) and runs
// the CONNECT handshake over it.
func New(conn net.Conn, cfg *Config) (*Client, error) {
	return newClient(conn, cfg)
}

func newClient(conn net.Conn, cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig("")
	}
	c := &Client{
		conn:     conn,
		cfg:      cfg,
		version:  cfg.ProtocolVersion,
		subAcks:  make(map[uint16]chan []encoding.ReasonCode),
		pubAcks:  make(map[uint16]chan struct{}),
		qos2recv: make(map[uint16]struct{}),
		closed:   make(chan struct{}),
	}

	connect := &packet.Connect{
		ProtocolVersion: cfg.ProtocolVersion,
		CleanStart:      cfg.CleanStart,
		KeepAlive:       cfg.KeepAlive,
		ClientID:        cfg.ClientID,
		UsernameFlag:    cfg.HasCredentials,
		Username:        cfg.Username,
		PasswordFlag:    cfg.HasCredentials,
		Password:        cfg.Password,
	}
	if cfg.WillTopic != "" {
		connect.WillFlag = true
		connect.WillTopic = cfg.WillTopic
		connect.WillPayload = cfg.WillPayload
		connect.WillQoS = cfg.WillQoS
		connect.WillRetain = cfg.WillRetain
	}
	if err := packet.Encode(conn, connect, cfg.ProtocolVersion); err != nil {
		conn.Close()
		return nil, err
	}

	pkt, err := packet.Decode(conn, cfg.ProtocolVersion)
	if err != nil {
		conn.Close()
		return nil, err
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("expected CONNACK, got %T", pkt)
	}
	if connack.ReasonCode != encoding.ReasonSuccess {
		conn.Close()
		return nil, fmt.Errorf("connect refused: %v", connack.ReasonCode)
	}
	c.sessionPresent = connack.SessionPresent

	go c.readLoop()
	return c, nil
}

func (c *Client) allocateID() uint16 {
	for {
		id := uint16(c.nextID.Add(1))
		if id != 0 {
			return id
		}
	}
}

// Subscribe sends SUBSCRIBE with the given filters and blocks for SUBACK.
func (c *Client) Subscribe(subs []encoding.Subscription) ([]encoding.ReasonCode, error) {
	id := c.allocateID()
	ch := make(chan []encoding.ReasonCode, 1)
	c.mu.Lock()
	c.subAcks[id] = ch
	c.mu.Unlock()

	pkt := &packet.Subscribe{PacketID: id, Subscriptions: subs}
	if err := c.write(pkt); err != nil {
		return nil, err
	}

	select {
	case codes := <-ch:
		return codes, nil
	case <-c.closed:
		return nil, ErrClosed
	}
}

// Publish sends a PUBLISH at the given QoS, blocking until the handshake
// for QoS 1/2 completes. QoS 0 returns immediately after the write.
func (c *Client) Publish(topic string, payload []byte, qos encoding.QoS, retain bool) error {
	pkt := &packet.Publish{TopicName: topic, QoS: qos, Retain: retain, Payload: payload}

	if qos == encoding.QoS0 {
		return c.write(pkt)
	}

	id := c.allocateID()
	pkt.PacketID = id
	done := make(chan struct{})
	c.mu.Lock()
	c.pubAcks[id] = done
	c.mu.Unlock()

	if err := c.write(pkt); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

// Disconnect sends DISCONNECT and closes the underlying connection.
func (c *Client) Disconnect() error {
	_ = c.write(&packet.Disconnect{ReasonCode: encoding.ReasonSuccess})
	return c.Close()
}

func (c *Client) Close() error {
	c.closeMu.Do(func() { close(c.closed) })
	return c.conn.Close()
}

func (c *Client) write(p packet.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return packet.Encode(c.conn, p, c.version)
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		pkt, err := packet.Decode(c.conn, c.version)
		if err != nil {
			return
		}
		switch p := pkt.(type) {
		case *packet.Suback:
			c.mu.Lock()
			ch, ok := c.subAcks[p.PacketID]
			delete(c.subAcks, p.PacketID)
			c.mu.Unlock()
			if ok {
				ch <- p.ReasonCodes
			}

		case *packet.Publish:
			c.handleInboundPublish(p)

		case *packet.Ack:
			c.handleAck(p)

		case *packet.Pingresp:
			// no-op, nothing awaits a ping round-trip here

		case *packet.Disconnect:
			return
		}
	}
}

func (c *Client) handleInboundPublish(p *packet.Publish) {
	switch p.QoS {
	case encoding.QoS1:
		_ = c.write(packet.NewAck(packet.KindPuback, p.PacketID, encoding.ReasonSuccess, encoding.Properties{}))
	case encoding.QoS2:
		c.mu.Lock()
		_, dup := c.qos2recv[p.PacketID]
		c.qos2recv[p.PacketID] = struct{}{}
		c.mu.Unlock()
		_ = c.write(packet.NewAck(packet.KindPubrec, p.PacketID, encoding.ReasonSuccess, encoding.Properties{}))
		if dup {
			return
		}
	}

	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(Message{Topic: p.TopicName, Payload: p.Payload, QoS: p.QoS, Retain: p.Retain, DUP: p.DUP})
	}
}

func (c *Client) handleAck(p *packet.Ack) {
	switch p.Kind() {
	case packet.KindPuback:
		c.mu.Lock()
		ch, ok := c.pubAcks[p.PacketID]
		delete(c.pubAcks, p.PacketID)
		c.mu.Unlock()
		if ok {
			close(ch)
		}

	case packet.KindPubrec:
		_ = c.write(packet.NewAck(packet.KindPubrel, p.PacketID, encoding.ReasonSuccess, encoding.Properties{}))

	case packet.KindPubcomp:
		c.mu.Lock()
		ch, ok := c.pubAcks[p.PacketID]
		delete(c.pubAcks, p.PacketID)
		c.mu.Unlock()
		if ok {
			close(ch)
		}
	}
}
