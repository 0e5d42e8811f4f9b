// Package protocol drives the per-connection MQTT state machine: it reads
// the first CONNECT off a raw connection, negotiates the wire version,
// hands the result to a Broker to authenticate and establish a session,
// then runs a read loop that decodes subsequent packets and asks the
// Broker to act on them. Outbound QoS 1/2 delivery to this connection is
// tracked with its own qos.Handler instance, kept strictly to the
// broker-to-client direction — see Deliver for why.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quillmq/quillmq/codec/packet"
	"github.com/quillmq/quillmq/encoding"
	"github.com/quillmq/quillmq/network"
	"github.com/quillmq/quillmq/pkg/logger"
	"github.com/quillmq/quillmq/qos"
	"github.com/quillmq/quillmq/types/message"
)

// State tracks where a connection is in its MQTT lifecycle.
type State int32

const (
	StateAwaitingConnect State = iota
	StateConnected
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingConnect:
		return "awaiting_connect"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config tunes the per-connection state machine.
type Config struct {
	// KeepAliveCeiling caps the keep-alive interval a client may request.
	// Zero means no cap (the client's requested value is used as-is).
	KeepAliveCeiling time.Duration
	ReceiveMaximum   uint16
	MaxPacketSize    uint32
	QoS              *qos.Config

	// OutboundQueueSize bounds the channel writeLoop drains. A QoS 0
	// Deliver that finds it full is dropped (ErrOutboundQueueFull);
	// everything else (acks, control packets, QoS 1/2 deliveries) blocks
	// until writeLoop drains a slot.
	OutboundQueueSize int
}

// DefaultConfig returns sane defaults, matching qos.DefaultConfig's scale.
func DefaultConfig() *Config {
	return &Config{
		KeepAliveCeiling:  0,
		ReceiveMaximum:    65535,
		MaxPacketSize:     0,
		QoS:               qos.DefaultConfig(),
		OutboundQueueSize: 256,
	}
}

// WillRequest is the normalized form of a CONNECT packet's will fields.
type WillRequest struct {
	Topic         string
	Payload       []byte
	QoS           encoding.QoS
	Retain        bool
	DelayInterval uint32
	Properties    encoding.Properties
}

// ConnectRequest is everything a Broker needs to authenticate a client and
// establish or resume its session.
type ConnectRequest struct {
	RemoteAddr            string
	ProtocolVersion       encoding.ProtocolVersion
	ClientID              string
	CleanStart            bool
	KeepAlive             uint16
	HasUsername           bool
	Username              string
	HasPassword           bool
	Password              []byte
	Will                  *WillRequest
	SessionExpiryInterval uint32
	ReceiveMaximum        uint16
	MaxPacketSize         uint32
	TopicAliasMaximum     uint16
	Properties            encoding.Properties
}

// ConnectResponse is what a Broker decides in response to a ConnectRequest.
// ReasonCode other than ReasonSuccess means the connection is refused; the
// handler still writes the CONNACK carrying it before closing.
type ConnectResponse struct {
	ReasonCode       encoding.ReasonCode
	SessionPresent   bool
	AssignedClientID string
	ServerKeepAlive  uint16 // 0 means "use the client's requested value"
	ReceiveMaximum   uint16
	MaximumQoS       byte
	RetainAvailable  bool
	ReasonString     string
}

// Broker is the seam between the connection state machine and the shared
// broker core: session management, the topic router, retained store and
// hooks all live on the other side of this interface so that protocol
// never imports broker (broker imports protocol and implements this).
type Broker interface {
	Connect(ctx context.Context, h *Handler, req *ConnectRequest) (*ConnectResponse, error)
	Subscribe(ctx context.Context, clientID string, subs []encoding.Subscription) []encoding.ReasonCode
	Unsubscribe(ctx context.Context, clientID string, filters []string) []encoding.ReasonCode
	Publish(ctx context.Context, clientID string, msg *message.Message, props encoding.Properties) error
	Disconnect(ctx context.Context, clientID string, sendWill bool)
	Register(clientID string, h *Handler)
	Unregister(clientID string, h *Handler)
}

// Handler is the state machine for a single MQTT connection.
type Handler struct {
	conn   *network.Connection
	broker Broker
	cfg    *Config
	log    *logger.SlogLogger

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	// outbound is the bounded queue writeLoop drains; it is the single
	// writer to conn, so no mutex guards the actual encode.
	outbound      chan packet.Packet
	writeLoopDone chan struct{}
	version       encoding.ProtocolVersion

	clientIDMu sync.RWMutex
	clientID   string

	qos *qos.Handler

	qos2Mu       sync.Mutex
	qos2Received map[uint16]struct{}

	keepAlive        uint16 // seconds, as agreed with the client
	gracefulDisconnect atomic.Bool

	keepAliveDone chan struct{}
}

// NewHandler wires conn to broker, ready for Serve. cfg and log may be nil
// to take defaults.
func NewHandler(conn *network.Connection, broker Broker, cfg *Config, log *logger.SlogLogger) *Handler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logger.NewSlogLogger(0, nil)
	}

	queueSize := cfg.OutboundQueueSize
	if queueSize <= 0 {
		queueSize = DefaultConfig().OutboundQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		conn:          conn,
		broker:        broker,
		cfg:           cfg,
		log:           log,
		ctx:           ctx,
		cancel:        cancel,
		outbound:      make(chan packet.Packet, queueSize),
		writeLoopDone: make(chan struct{}),
		qos2Received:  make(map[uint16]struct{}),
		keepAliveDone: make(chan struct{}),
	}
	h.state.Store(int32(StateAwaitingConnect))
	return h
}

// Serve adapts Handler to network.ConnectionHandler: it runs CONNECT
// negotiation and the read loop, returning when the connection should be
// torn down. broker and cfg are captured by the closure that registers
// this with a network.Listener. A panic inside run is recovered, logged and
// returned as an error, so it tears down only this connection.
func Serve(broker Broker, cfg *Config, log *logger.SlogLogger) network.ConnectionHandler {
	return func(conn *network.Connection) (err error) {
		h := NewHandler(conn, broker, cfg, log)
		defer func() {
			if r := recover(); r != nil {
				h.log.Error("connection handler panic", "client_id", h.ClientID(), "panic", r)
				err = fmt.Errorf("protocol: connection handler panic: %v", r)
			}
		}()
		return h.run()
	}
}

// ClientID returns the negotiated client identifier. Empty before CONNECT
// completes.
func (h *Handler) ClientID() string {
	h.clientIDMu.RLock()
	defer h.clientIDMu.RUnlock()
	return h.clientID
}

// ProtocolVersion returns the negotiated wire version.
func (h *Handler) ProtocolVersion() encoding.ProtocolVersion {
	return h.version
}

// State returns the current lifecycle state.
func (h *Handler) State() State {
	return State(h.state.Load())
}

func (h *Handler) run() error {
	defer h.close()
	go h.writeLoop()

	connectPkt, version, err := packet.DecodeConnect(h.conn)
	if err != nil {
		h.log.Debug("connect decode failed", "remote", h.conn.RemoteAddr(), "err", err)
		return err
	}
	h.version = version

	req := h.buildConnectRequest(connectPkt)

	resp, err := h.broker.Connect(h.ctx, h, req)
	if err != nil {
		h.log.Warn("connect rejected", "client_id", req.ClientID, "err", err)
		return err
	}

	assigned := resp.AssignedClientID
	if assigned == "" {
		assigned = req.ClientID
	}
	h.clientIDMu.Lock()
	h.clientID = assigned
	h.clientIDMu.Unlock()

	connack := &packet.Connack{SessionPresent: resp.SessionPresent, ReasonCode: resp.ReasonCode}
	if h.version == encoding.ProtocolVersion50 {
		connack.Properties = h.buildConnackProperties(resp)
	}
	if err := h.writePacket(connack); err != nil {
		return err
	}
	if resp.ReasonCode != encoding.ReasonSuccess {
		return fmt.Errorf("%w: %s", ErrSessionRejected, resp.ReasonCode)
	}

	h.keepAlive = req.KeepAlive
	if resp.ServerKeepAlive > 0 {
		h.keepAlive = resp.ServerKeepAlive
	}
	// Outbound QoS>=1 sends are capped by the client's own Receive Maximum.
	receiveMax := req.ReceiveMaximum
	if receiveMax == 0 {
		receiveMax = h.cfg.ReceiveMaximum
	}

	qosCfg := *h.cfg.QoS
	qosCfg.MaxInflight = receiveMax
	h.qos = qos.NewHandler(&qosCfg)
	h.wireQoSCallbacks()

	h.state.Store(int32(StateConnected))
	h.broker.Register(h.clientID, h)
	defer h.broker.Unregister(h.clientID, h)

	if h.keepAlive > 0 {
		go h.keepAliveMonitor()
		defer close(h.keepAliveDone)
	}

	defer func() {
		h.state.Store(int32(StateDisconnecting))
		sendWill := !h.gracefulDisconnect.Load()
		h.broker.Disconnect(context.Background(), h.clientID, sendWill)
	}()

	return h.readLoop()
}

func (h *Handler) buildConnectRequest(c *packet.Connect) *ConnectRequest {
	req := &ConnectRequest{
		RemoteAddr:            h.conn.RemoteAddr().String(),
		ProtocolVersion:       c.ProtocolVersion,
		ClientID:              c.ClientID,
		CleanStart:            c.CleanStart,
		KeepAlive:             c.KeepAlive,
		HasUsername:           c.UsernameFlag,
		Username:              c.Username,
		HasPassword:           c.PasswordFlag,
		Password:              c.Password,
		Properties:            c.Properties,
		SessionExpiryInterval: propUint32(c.Properties, encoding.PropSessionExpiryInterval),
		ReceiveMaximum:        propUint16(c.Properties, encoding.PropReceiveMaximum, h.cfg.ReceiveMaximum),
		MaxPacketSize:         propUint32(c.Properties, encoding.PropMaximumPacketSize),
		TopicAliasMaximum:     propUint16(c.Properties, encoding.PropTopicAliasMaximum, 0),
	}

	if h.cfg.KeepAliveCeiling > 0 {
		ceiling := uint16(h.cfg.KeepAliveCeiling.Seconds())
		if req.KeepAlive == 0 || req.KeepAlive > ceiling {
			req.KeepAlive = ceiling
		}
	}

	if c.WillFlag {
		req.Will = &WillRequest{
			Topic:         c.WillTopic,
			Payload:       c.WillPayload,
			QoS:           c.WillQoS,
			Retain:        c.WillRetain,
			Properties:    c.WillProperties,
			DelayInterval: propUint32(c.WillProperties, encoding.PropWillDelayInterval),
		}
	}

	return req
}

func (h *Handler) buildConnackProperties(resp *ConnectResponse) encoding.Properties {
	var props encoding.Properties
	if resp.AssignedClientID != "" {
		_ = props.AddProperty(encoding.PropAssignedClientIdentifier, resp.AssignedClientID)
	}
	if resp.ServerKeepAlive > 0 {
		_ = props.AddProperty(encoding.PropServerKeepAlive, resp.ServerKeepAlive)
	}
	if resp.ReceiveMaximum > 0 {
		_ = props.AddProperty(encoding.PropReceiveMaximum, resp.ReceiveMaximum)
	}
	_ = props.AddProperty(encoding.PropMaximumQoS, resp.MaximumQoS)
	_ = props.AddProperty(encoding.PropRetainAvailable, boolByte(resp.RetainAvailable))
	if resp.ReasonString != "" {
		_ = props.AddProperty(encoding.PropReasonString, resp.ReasonString)
	}
	return props
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// readLoop decodes one packet at a time and dispatches it until the
// connection errors out or the peer disconnects.
func (h *Handler) readLoop() error {
	for {
		pkt, err := packet.Decode(h.conn, h.version)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, network.ErrConnectionClosed) {
				return nil
			}
			return err
		}

		if err := h.dispatch(pkt); err != nil {
			return err
		}
		if h.State() == StateDisconnecting {
			return nil
		}
	}
}

func (h *Handler) dispatch(pkt packet.Packet) error {
	switch p := pkt.(type) {
	case *packet.Connect:
		return ErrAlreadyConnected

	case *packet.Publish:
		return h.handleInboundPublish(p)

	case *packet.Ack:
		return h.handleInboundAck(p)

	case *packet.Subscribe:
		return h.handleSubscribe(p)

	case *packet.Unsubscribe:
		return h.handleUnsubscribe(p)

	case *packet.Pingreq:
		return h.writePacket(&packet.Pingresp{})

	case *packet.Pingresp:
		return nil

	case *packet.Disconnect:
		h.gracefulDisconnect.Store(p.ReasonCode == encoding.ReasonSuccess || p.ReasonCode == encoding.ReasonNormalDisconnection)
		h.state.Store(int32(StateDisconnecting))
		return nil

	case *packet.Auth:
		return nil

	default:
		return fmt.Errorf("protocol: unhandled packet kind %d", pkt.Kind())
	}
}

func (h *Handler) handleInboundPublish(p *packet.Publish) error {
	msg := message.NewMessage(p.PacketID, p.TopicName, p.Payload, p.QoS, p.Retain, propsToMap(p.Properties))

	switch p.QoS {
	case encoding.QoS0:
		// A rejected QoS 0 publish is dropped; the connection stays open.
		if err := h.broker.Publish(h.ctx, h.clientID, msg, p.Properties); err != nil {
			h.log.Warn("publish failed", "client_id", h.clientID, "topic", p.TopicName, "err", err)
		}
		return nil

	case encoding.QoS1:
		if err := h.broker.Publish(h.ctx, h.clientID, msg, p.Properties); err != nil {
			h.log.Warn("publish failed", "client_id", h.clientID, "topic", p.TopicName, "err", err)
		}
		return h.writePacket(packet.NewAck(packet.KindPuback, p.PacketID, encoding.ReasonSuccess, encoding.Properties{}))

	case encoding.QoS2:
		h.qos2Mu.Lock()
		_, seen := h.qos2Received[p.PacketID]
		if !seen {
			h.qos2Received[p.PacketID] = struct{}{}
		}
		h.qos2Mu.Unlock()

		if !seen {
			if err := h.broker.Publish(h.ctx, h.clientID, msg, p.Properties); err != nil {
				h.log.Warn("publish failed", "client_id", h.clientID, "topic", p.TopicName, "err", err)
			}
		}
		return h.writePacket(packet.NewAck(packet.KindPubrec, p.PacketID, encoding.ReasonSuccess, encoding.Properties{}))

	default:
		return encoding.ErrInvalidQoS
	}
}

func (h *Handler) handleInboundAck(a *packet.Ack) error {
	switch a.Kind() {
	case packet.KindPuback:
		return h.qos.HandlePuback(a.PacketID)
	case packet.KindPubrec:
		return h.qos.HandlePubrec(a.PacketID)
	case packet.KindPubrel:
		h.qos2Mu.Lock()
		delete(h.qos2Received, a.PacketID)
		h.qos2Mu.Unlock()
		return h.writePacket(packet.NewAck(packet.KindPubcomp, a.PacketID, encoding.ReasonSuccess, encoding.Properties{}))
	case packet.KindPubcomp:
		return h.qos.HandlePubcomp(a.PacketID)
	default:
		return fmt.Errorf("protocol: unexpected ack kind %d", a.Kind())
	}
}

func (h *Handler) handleSubscribe(p *packet.Subscribe) error {
	codes := h.broker.Subscribe(h.ctx, h.clientID, p.Subscriptions)
	return h.writePacket(&packet.Suback{PacketID: p.PacketID, ReasonCodes: codes})
}

func (h *Handler) handleUnsubscribe(p *packet.Unsubscribe) error {
	codes := h.broker.Unsubscribe(h.ctx, h.clientID, p.TopicFilters)
	return h.writePacket(&packet.Unsuback{PacketID: p.PacketID, ReasonCodes: codes})
}

// Deliver sends a message to this connection's client, routing it through
// QoS tracking when required. This qos.Handler instance is dedicated to
// the broker-to-client direction: inbound QoS 1/2 handshakes (acking a
// PUBLISH this client sent) are handled directly in handleInboundPublish
// instead, because qos.Handler keys both directions off the same packet
// ID map, and a client-assigned inbound ID could otherwise collide with
// an ID this handler allocated for its own outbound deliveries.
func (h *Handler) Deliver(msg *message.Message, props encoding.Properties) error {
	if h.State() != StateConnected {
		return ErrNotConnected
	}

	switch msg.QoS {
	case encoding.QoS0:
		pub := &packet.Publish{TopicName: msg.Topic, QoS: encoding.QoS0, Retain: msg.Retain, Payload: msg.Payload, Properties: props}
		return h.enqueueDrop(pub)
	case encoding.QoS1:
		var err error
		if msg.DUP {
			_, err = h.qos.RedeliverQoS1(msg.Topic, msg.Payload, msg.Retain, propsToMap(props))
		} else {
			_, err = h.qos.PublishQoS1(msg.Topic, msg.Payload, msg.Retain, propsToMap(props))
		}
		return err
	case encoding.QoS2:
		var err error
		if msg.DUP {
			_, err = h.qos.RedeliverQoS2(msg.Topic, msg.Payload, msg.Retain, propsToMap(props))
		} else {
			_, err = h.qos.PublishQoS2(msg.Topic, msg.Payload, msg.Retain, propsToMap(props))
		}
		return err
	default:
		return encoding.ErrInvalidQoS
	}
}

func (h *Handler) wireQoSCallbacks() {
	h.qos.SetPublishCallback(func(m *message.Message) error {
		pub := &packet.Publish{
			TopicName: m.Topic, PacketID: m.PacketID, QoS: m.QoS, DUP: m.DUP,
			Retain: m.Retain, Payload: m.Payload, Properties: mapToProps(m.Properties),
		}
		return h.writePacket(pub)
	})
	h.qos.SetPubackCallback(func(uint16) error { return nil })
	h.qos.SetPubrecCallback(func(uint16) error { return nil })
	h.qos.SetPubrelCallback(func(packetID uint16) error {
		return h.writePacket(packet.NewAck(packet.KindPubrel, packetID, encoding.ReasonSuccess, encoding.Properties{}))
	})
	h.qos.SetPubcompCallback(func(uint16) error { return nil })
	h.qos.SetExpiredCallback(func(m *message.Message) {
		h.log.Debug("outbound message expired", "client_id", h.clientID, "topic", m.Topic, "packet_id", m.PacketID)
	})
	h.qos.SetMaxRetryCallback(func(m *message.Message) {
		h.log.Warn("outbound message exhausted retries", "client_id", h.clientID, "topic", m.Topic, "packet_id", m.PacketID)
	})
}

// SendDisconnect pushes a server-initiated DISCONNECT (MQTT 5 only; on
// 3.1.1 connections the server simply closes the socket). The teardown is
// marked graceful only for ReasonSuccess or ReasonNormalDisconnection; for
// any other reason the deferred cleanup in run() still reports sendWill to
// the broker.
func (h *Handler) SendDisconnect(reasonCode encoding.ReasonCode, reasonString string) error {
	h.gracefulDisconnect.Store(reasonCode == encoding.ReasonSuccess || reasonCode == encoding.ReasonNormalDisconnection)
	h.state.Store(int32(StateDisconnecting))

	if h.version == encoding.ProtocolVersion50 {
		d := &packet.Disconnect{ReasonCode: reasonCode}
		if reasonString != "" {
			_ = d.Properties.AddProperty(encoding.PropReasonString, reasonString)
		}
		if err := h.writePacket(d); err != nil {
			_ = h.conn.Close()
			return err
		}
	}
	return h.conn.Close()
}

// writePacket hands p to the writer task, blocking until there is room.
// Used for everything except a QoS 0 Deliver, which goes through
// enqueueDrop instead: acks, control packets and QoS 1/2 deliveries must
// never be silently lost, so backpressure here blocks the caller (this
// connection's reader, or the qos.Handler callback invoking it) rather
// than dropping.
func (h *Handler) writePacket(p packet.Packet) error {
	select {
	case h.outbound <- p:
		return nil
	case <-h.ctx.Done():
		return ErrNotConnected
	}
}

// enqueueDrop hands p to the writer task without blocking; if the queue is
// full it drops p and returns ErrOutboundQueueFull. Used only for QoS 0
// Deliver, matching "when full, QoS 0 messages to that session are
// dropped; QoS >= 1 blocks routing for that recipient only".
func (h *Handler) enqueueDrop(p packet.Packet) error {
	select {
	case h.outbound <- p:
		return nil
	case <-h.ctx.Done():
		return ErrNotConnected
	default:
		return ErrOutboundQueueFull
	}
}

// writeLoop is this connection's sole writer task: it drains outbound and
// encodes each packet onto conn until the connection's context is
// cancelled or a write fails. Pairs with readLoop as the "two tasks"
// (inbound reader, outbound writer) a connection runs concurrently.
func (h *Handler) writeLoop() {
	defer close(h.writeLoopDone)
	for {
		select {
		case p := <-h.outbound:
			if err := packet.Encode(h.conn, p, h.version); err != nil {
				h.log.Debug("outbound write failed", "client_id", h.ClientID(), "err", err)
				h.cancel()
				return
			}
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Handler) keepAliveMonitor() {
	interval := time.Second
	timeout := time.Duration(float64(h.keepAlive) * 1.5 * float64(time.Second))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if h.conn.IdleDuration() > timeout {
				h.log.Debug("keep-alive timeout", "client_id", h.ClientID())
				_ = h.conn.Close()
				return
			}
		case <-h.keepAliveDone:
			return
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Handler) close() {
	h.state.Store(int32(StateClosed))
	h.cancel()
	<-h.writeLoopDone
	if h.qos != nil {
		_ = h.qos.Close()
	}
}

func propUint32(props encoding.Properties, id encoding.PropertyID) uint32 {
	p := props.GetProperty(id)
	if p == nil {
		return 0
	}
	if v, ok := p.Value.(uint32); ok {
		return v
	}
	return 0
}

func propUint16(props encoding.Properties, id encoding.PropertyID, def uint16) uint16 {
	p := props.GetProperty(id)
	if p == nil {
		return def
	}
	if v, ok := p.Value.(uint16); ok {
		return v
	}
	return def
}

// propertyNameToID covers the PUBLISH-relevant properties that travel
// through message.Message's generic Properties map.
var propertyNameToID = map[string]encoding.PropertyID{
	"PayloadFormatIndicator": encoding.PropPayloadFormatIndicator,
	"MessageExpiryInterval":  encoding.PropMessageExpiryInterval,
	"ContentType":            encoding.PropContentType,
	"ResponseTopic":          encoding.PropResponseTopic,
	"CorrelationData":        encoding.PropCorrelationData,
	"SubscriptionIdentifier": encoding.PropSubscriptionIdentifier,
	"TopicAlias":             encoding.PropTopicAlias,
}

func propsToMap(props encoding.Properties) map[string]interface{} {
	if len(props.Properties) == 0 {
		return nil
	}
	m := make(map[string]interface{}, len(props.Properties))
	for _, p := range props.Properties {
		m[p.ID.String()] = p.Value
	}
	return m
}

func mapToProps(m map[string]interface{}) encoding.Properties {
	var props encoding.Properties
	for name, v := range m {
		id, ok := propertyNameToID[name]
		if !ok {
			continue
		}
		_ = props.AddProperty(id, v)
	}
	return props
}
