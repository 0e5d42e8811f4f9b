// Package broker is the broker core: it implements protocol.Broker,
// owning the shared topic router, retained store, session manager and
// hook dispatch that every connection's protocol.Handler talks to.
package broker

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	cockroachdberrors "github.com/cockroachdb/errors"

	"github.com/quillmq/quillmq/encoding"
	"github.com/quillmq/quillmq/hook"
	"github.com/quillmq/quillmq/metrics"
	"github.com/quillmq/quillmq/network"
	"github.com/quillmq/quillmq/pkg/logger"
	"github.com/quillmq/quillmq/protocol"
	"github.com/quillmq/quillmq/session"
	"github.com/quillmq/quillmq/store"
	"github.com/quillmq/quillmq/topic"
	"github.com/quillmq/quillmq/types/message"
)

// Config tunes the broker's advertised capabilities and session policy.
type Config struct {
	MaximumQoS                   byte
	RetainAvailable              bool
	WildcardSubAvailable         bool
	SubscriptionIDAvailable      bool
	SharedSubAvailable           bool
	ReceiveMaximum               uint16
	MaximumTopicAlias            uint16
	MaximumSessionExpiryInterval uint32
	SessionExpiryCheckInterval   time.Duration
	AssignedIDPrefix             string
}

// DefaultConfig returns a broker configuration with every MQTT 5 feature
// enabled, matching what the teacher's qos/topic/session packages already
// support.
func DefaultConfig() *Config {
	return &Config{
		MaximumQoS:                   byte(encoding.QoS2),
		RetainAvailable:              true,
		WildcardSubAvailable:         true,
		SubscriptionIDAvailable:      true,
		SharedSubAvailable:           true,
		ReceiveMaximum:               65535,
		MaximumTopicAlias:            0,
		MaximumSessionExpiryInterval: 0,
		SessionExpiryCheckInterval:   30 * time.Second,
		AssignedIDPrefix:             "auto-",
	}
}

// Broker is the shared state behind every connection on a listener.
type Broker struct {
	cfg      *Config
	sessions *session.Manager
	router   *topic.Router
	retained *store.RetainedStore
	matcher  *topic.TopicMatcher
	hooks    *hook.Manager
	log      *logger.SlogLogger
	metrics  *metrics.Collector

	mu       sync.RWMutex
	handlers map[string]*protocol.Handler
}

// New wires a Broker around the given session store and hook manager. A
// nil sessionStore defaults to an in-memory one; a nil hooks defaults to
// an empty hook.Manager (every check fail-opens, matching the teacher's
// own "no hooks registered" behavior). A nil collector disables metrics
// recording entirely (every call site below guards on b.metrics != nil).
func New(cfg *Config, sessionStore session.Store, hooks *hook.Manager, log *logger.SlogLogger, collector *metrics.Collector) *Broker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if hooks == nil {
		hooks = hook.NewManager()
	}
	if log == nil {
		log = logger.NewSlogLogger(0, nil)
	}
	if sessionStore == nil {
		sessionStore = session.NewMemoryStore()
	}

	b := &Broker{
		cfg:      cfg,
		router:   topic.NewRouter(),
		retained: store.NewRetainedStore(),
		matcher:  topic.NewTopicMatcher(),
		hooks:    hooks,
		log:      log,
		metrics:  collector,
		handlers: make(map[string]*protocol.Handler),
	}

	b.sessions = session.NewManager(session.ManagerConfig{
		Store:               sessionStore,
		ExpiryCheckInterval:  cfg.SessionExpiryCheckInterval,
		WillPublisher:        b,
		AssignedIDPrefix:     cfg.AssignedIDPrefix,
	})

	_ = hooks.SetOptions(&hook.Options{
		Capabilities: &hook.Capabilities{
			MaximumSessionExpiryInterval: cfg.MaximumSessionExpiryInterval,
			ReceiveMaximum:               cfg.ReceiveMaximum,
			MaximumQoS:                   cfg.MaximumQoS,
			RetainAvailable:              cfg.RetainAvailable,
			MaximumTopicAlias:            cfg.MaximumTopicAlias,
			WildcardSubAvailable:         cfg.WildcardSubAvailable,
			SubIDAvailable:               cfg.SubscriptionIDAvailable,
			SharedSubAvailable:           cfg.SharedSubAvailable,
		},
	})
	b.hooks.OnStarted()

	return b
}

// Listen registers the broker's connection handler with an acceptor,
// completing the wiring network.Listener.OnConnection was built for. Any
// network.Acceptor works here, so the same call wires up a raw TCP
// *network.Listener or a *network.WSListener.
func (b *Broker) Listen(listener network.Acceptor, protoCfg *protocol.Config) {
	listener.OnConnection(protocol.Serve(b, protoCfg, b.log))
}

// Close stops background session expiry checking and releases the
// retained store.
func (b *Broker) Close() error {
	_ = b.retained.Close()
	return b.sessions.Close()
}

// Connect authenticates a client, establishes or resumes its session and
// decides the CONNACK to send. It implements protocol.Broker.
func (b *Broker) Connect(ctx context.Context, h *protocol.Handler, req *protocol.ConnectRequest) (*protocol.ConnectResponse, error) {
	clientID := req.ClientID
	assigned := ""
	if clientID == "" {
		// 3.1.1 only allows an empty client id together with clean-session.
		if req.ProtocolVersion == encoding.ProtocolVersion311 && !req.CleanStart {
			return &protocol.ConnectResponse{ReasonCode: encoding.ReasonClientIdentifierNotValid}, nil
		}
		id, err := b.sessions.GenerateClientID(ctx)
		if err != nil {
			return nil, cockroachdberrors.Wrap(err, "generate client id")
		}
		clientID = id
		assigned = id
	}

	connectPkt := &hook.ConnectPacket{
		ProtocolName:    "MQTT",
		ProtocolVersion: byte(req.ProtocolVersion),
		CleanStart:      req.CleanStart,
		KeepAlive:       req.KeepAlive,
		ClientID:        clientID,
		Username:        req.Username,
		Properties:      propsToHook(req.Properties),
	}
	if req.HasPassword {
		connectPkt.Password = req.Password
	}
	if req.Will != nil {
		connectPkt.Will = &hook.WillMessage{
			Topic:             req.Will.Topic,
			Payload:           req.Will.Payload,
			QoS:               byte(req.Will.QoS),
			Retain:            req.Will.Retain,
			Properties:        propsToHook(req.Will.Properties),
			WillDelayInterval: req.Will.DelayInterval,
		}
	}

	client := &hook.Client{
		ID:              clientID,
		RemoteAddr:      simpleAddr(req.RemoteAddr),
		Username:        req.Username,
		CleanStart:      req.CleanStart,
		ProtocolVersion: byte(req.ProtocolVersion),
		KeepAlive:       req.KeepAlive,
		Properties:      connectPkt.Properties,
		Will:            connectPkt.Will,
		ConnectedAt:     time.Now(),
	}

	if !b.hooks.OnConnectAuthenticate(client, connectPkt) {
		return &protocol.ConnectResponse{ReasonCode: encoding.ReasonNotAuthorized}, nil
	}

	// A second CONNECT for a client ID already holding a live connection
	// takes over: the existing connection is told it lost its session and
	// torn down before the new one proceeds.
	b.mu.Lock()
	existing, hadExisting := b.handlers[clientID]
	if hadExisting {
		delete(b.handlers, clientID)
	}
	b.mu.Unlock()
	if hadExisting {
		_ = existing.SendDisconnect(encoding.ReasonSessionTakenOver, "session taken over by a new connection")
	}
	if err := b.sessions.TakeoverSession(ctx, clientID); err != nil {
		return nil, cockroachdberrors.Wrapf(err, "takeover session for %q", clientID)
	}

	expiryInterval := req.SessionExpiryInterval
	if req.ProtocolVersion == encoding.ProtocolVersion311 && !req.CleanStart {
		// 3.1.1 has no session-expiry-interval property: clean-session=false
		// means persist indefinitely, which session.Session represents with
		// the same "never expires" sentinel v5's 0xFFFFFFFF uses rather than
		// the v5 "expire immediately" value 0 would otherwise collide with.
		expiryInterval = math.MaxUint32
	}
	sess, sessionPresent, err := b.sessions.CreateSession(ctx, clientID, req.CleanStart, expiryInterval, byte(req.ProtocolVersion))
	if err != nil {
		return nil, cockroachdberrors.Wrapf(err, "create session for %q", clientID)
	}

	if req.Will != nil {
		sess.SetWillMessage(&session.WillMessage{
			Topic:      req.Will.Topic,
			Payload:    req.Will.Payload,
			QoS:        byte(req.Will.QoS),
			Retain:     req.Will.Retain,
			Properties: propsToMap(req.Will.Properties),
		}, req.Will.DelayInterval)
	}

	connectPkt.SessionPresent = sessionPresent
	client.SessionPresent = sessionPresent

	if err := b.hooks.OnConnect(client, connectPkt); err != nil {
		return &protocol.ConnectResponse{ReasonCode: encoding.ReasonUnspecifiedError, ReasonString: err.Error()}, nil
	}

	if state := b.hooks.OnSessionEstablish(client, connectPkt); state != nil {
		for filter, sub := range state.Subscriptions {
			b.restoreSubscription(clientID, filter, sub)
		}
	} else if sessionPresent {
		for filter, sub := range sess.GetAllSubscriptions() {
			b.restoreSubscription(clientID, filter, &hook.Subscription{
				ClientID: clientID, TopicFilter: filter, QoS: sub.QoS, NoLocal: sub.NoLocal,
				RetainAsPublished: sub.RetainAsPublished, RetainHandling: sub.RetainHandling,
				SubscriptionIdentifier: sub.SubscriptionIdentifier,
			})
		}
	}

	if err := b.hooks.OnSessionEstablished(client, connectPkt); err != nil {
		b.log.Warn("session established hook failed", "client_id", clientID, "err", err)
	}

	if b.metrics != nil {
		b.metrics.OnClientConnected()
	}

	return &protocol.ConnectResponse{
		ReasonCode:       encoding.ReasonSuccess,
		SessionPresent:   sessionPresent,
		AssignedClientID: assigned,
		ReceiveMaximum:   b.cfg.ReceiveMaximum,
		MaximumQoS:       b.cfg.MaximumQoS,
		RetainAvailable:  b.cfg.RetainAvailable,
	}, nil
}

func (b *Broker) restoreSubscription(clientID, filter string, sub *hook.Subscription) {
	_ = b.router.Subscribe(&topic.Subscription{
		ClientID: clientID, TopicFilter: filter, QoS: sub.QoS, NoLocal: sub.NoLocal,
		RetainAsPublished: sub.RetainAsPublished, RetainHandling: sub.RetainHandling,
		SubscriptionIdentifier: sub.SubscriptionIdentifier,
	})
}

// Subscribe applies a batch of subscriptions for clientID, running ACL and
// hook checks per filter, and replays matching retained messages to
// whichever connection is currently registered for the client.
func (b *Broker) Subscribe(ctx context.Context, clientID string, subs []encoding.Subscription) []encoding.ReasonCode {
	codes := make([]encoding.ReasonCode, len(subs))
	client := &hook.Client{ID: clientID}

	b.mu.RLock()
	h := b.handlers[clientID]
	b.mu.RUnlock()

	sess, _ := b.sessions.GetSession(ctx, clientID)

	for i, sub := range subs {
		if !topic.IsSharedSubscription(sub.TopicFilter) {
			if err := topic.ValidateTopicFilter(sub.TopicFilter); err != nil {
				codes[i] = encoding.ReasonTopicFilterInvalid
				continue
			}
		}
		if !b.hooks.OnACLCheck(client, sub.TopicFilter, hook.AccessTypeRead) {
			codes[i] = encoding.ReasonNotAuthorized
			continue
		}

		hookSub := &hook.Subscription{
			ClientID: clientID, TopicFilter: sub.TopicFilter, QoS: byte(sub.QoS),
			NoLocal: sub.NoLocal, RetainAsPublished: sub.RetainAsPublished,
			RetainHandling: sub.RetainHandling, SubscriptionIdentifier: sub.SubscriptionIdentifier,
			SubscribedAt: time.Now(),
		}
		if err := b.hooks.OnSubscribe(client, hookSub); err != nil {
			codes[i] = encoding.ReasonUnspecifiedError
			continue
		}

		topicSub := &topic.Subscription{
			ClientID: clientID, TopicFilter: sub.TopicFilter, QoS: byte(sub.QoS),
			NoLocal: sub.NoLocal, RetainAsPublished: sub.RetainAsPublished,
			RetainHandling: sub.RetainHandling, SubscriptionIdentifier: sub.SubscriptionIdentifier,
		}
		if err := b.router.Subscribe(topicSub); err != nil {
			codes[i] = encoding.ReasonTopicFilterInvalid
			continue
		}

		existed := false
		if sess != nil {
			_, existed = sess.GetSubscription(sub.TopicFilter)
			sess.AddSubscription(&session.Subscription{
				TopicFilter: sub.TopicFilter, QoS: byte(sub.QoS), NoLocal: sub.NoLocal,
				RetainAsPublished: sub.RetainAsPublished, RetainHandling: sub.RetainHandling,
				SubscriptionIdentifier: sub.SubscriptionIdentifier, SubscribedAt: time.Now(),
			})
		}

		b.hooks.OnSubscribed(client, hookSub)
		codes[i] = grantedReasonCode(sub.QoS, b.cfg.MaximumQoS)
		if b.metrics != nil {
			b.metrics.SubscriptionsCount.Inc()
		}

		// RetainHandling 0 sends retained messages on every SUBSCRIBE, 1
		// only when this subscription did not exist before, 2 never.
		if h != nil && (sub.RetainHandling == 0 || (sub.RetainHandling == 1 && !existed)) {
			b.deliverRetained(ctx, h, sub)
		}
	}

	return codes
}

func (b *Broker) deliverRetained(ctx context.Context, h *protocol.Handler, sub encoding.Subscription) {
	if !b.cfg.RetainAvailable {
		return
	}
	msgs, err := b.retained.Match(ctx, sub.TopicFilter, b.matcher)
	if err != nil {
		return
	}
	for _, msg := range msgs {
		clone := *msg
		clone.Retain = true
		if byte(clone.QoS) > byte(sub.QoS) {
			clone.QoS = sub.QoS
		}
		if err := h.Deliver(&clone, mapToProps(clone.Properties)); err != nil {
			b.log.Warn("retained delivery failed", "client_id", sub.ClientID, "topic", msg.Topic, "err", err)
			continue
		}
		if b.metrics != nil {
			b.metrics.MessagesSent.Inc()
			b.metrics.PublishSent.Inc()
			b.metrics.BytesSent.Add(float64(len(clone.Payload)))
		}
	}
}

// Unsubscribe removes filters for clientID. It implements protocol.Broker.
func (b *Broker) Unsubscribe(ctx context.Context, clientID string, filters []string) []encoding.ReasonCode {
	codes := make([]encoding.ReasonCode, len(filters))
	client := &hook.Client{ID: clientID}
	sess, _ := b.sessions.GetSession(ctx, clientID)

	for i, filter := range filters {
		if err := b.hooks.OnUnsubscribe(client, filter); err != nil {
			codes[i] = encoding.ReasonUnspecifiedError
			continue
		}
		found := b.router.Unsubscribe(clientID, filter)
		if sess != nil {
			sess.RemoveSubscription(filter)
		}
		b.hooks.OnUnsubscribed(client, filter)
		if found {
			codes[i] = encoding.ReasonSuccess
			if b.metrics != nil {
				b.metrics.SubscriptionsCount.Dec()
			}
		} else {
			codes[i] = encoding.ReasonNoSubscriptionExisted
		}
	}

	return codes
}

// Publish runs ACL/hook checks on an inbound PUBLISH, retains it if
// requested, and fans it out to matching subscribers. It implements
// protocol.Broker.
func (b *Broker) Publish(ctx context.Context, clientID string, msg *message.Message, props encoding.Properties) error {
	client := &hook.Client{ID: clientID}
	pub := &hook.PublishPacket{
		PacketID: msg.PacketID, Topic: msg.Topic, Payload: msg.Payload, QoS: byte(msg.QoS),
		Retain: msg.Retain, Duplicate: msg.DUP, Properties: propsToHook(props),
		ProtocolVersion: 5, Created: time.Now(), Origin: clientID,
	}

	if b.metrics != nil {
		b.metrics.MessagesReceived.Inc()
		b.metrics.PublishReceived.Inc()
		b.metrics.BytesReceived.Add(float64(len(msg.Payload)))
	}

	if !b.hooks.OnACLCheck(client, msg.Topic, hook.AccessTypeWrite) {
		b.hooks.OnPublishDropped(client, pub, hook.DropReasonACLDenied)
		return ErrNotAuthorized
	}
	if err := b.hooks.OnPublish(client, pub); err != nil {
		b.hooks.OnPublishDropped(client, pub, hook.DropReasonInternalError)
		return err
	}

	if msg.Retain {
		if err := b.hooks.OnRetainMessage(client, pub); err != nil {
			b.log.Warn("retain message hook rejected publish", "topic", msg.Topic, "err", err)
		} else if err := b.retained.Set(ctx, msg.Topic, msg); err != nil {
			b.log.Warn("retain store failed", "topic", msg.Topic, "err", err)
		} else {
			b.hooks.OnRetainPublished(client, pub)
			if b.metrics != nil {
				if n, err := b.retained.Count(ctx); err == nil {
					b.metrics.RetainedCount.Set(float64(n))
				}
			}
		}
	}

	b.fanOut(ctx, clientID, msg, props)
	b.hooks.OnPublished(client, pub)
	return nil
}

func (b *Broker) fanOut(ctx context.Context, publisherID string, msg *message.Message, props encoding.Properties) {
	subs := b.router.MatchWithPublisher(msg.Topic, publisherID)
	if len(subs) == 0 {
		return
	}

	hookSubs := &hook.Subscribers{}
	for _, s := range subs {
		hookSubs.Add(&hook.Subscription{ClientID: s.ClientID, TopicFilter: msg.Topic, QoS: s.QoS, RetainAsPublished: s.RetainAsPublished})
	}
	b.hooks.OnSelectSubscribers(hookSubs, msg.Topic)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range hookSubs.Subscriptions {
		effQoS := s.QoS
		if byte(msg.QoS) < effQoS {
			effQoS = byte(msg.QoS)
		}

		handler, ok := b.handlers[s.ClientID]
		if !ok {
			// Subscriber has no live connection. router.MatchWithPublisher
			// still returned it, so its subscription survived disconnect
			// (Disconnect only unsubscribes clean-start/expired sessions) —
			// queue the message for redelivery once it reconnects.
			b.queuePendingPublish(ctx, s.ClientID, msg, effQoS, s.RetainAsPublished, props)
			continue
		}

		clone := *msg
		clone.QoS = encoding.QoS(effQoS)
		clone.Retain = msg.Retain && s.RetainAsPublished

		if effQoS == 0 {
			// QoS 0 is cheap and non-blocking on the handler side
			// (protocol.Handler.Deliver drops it outright if its outbound
			// queue is full), so it is fine to deliver inline here.
			b.deliverOne(s.ClientID, handler, &clone, props)
			continue
		}

		// QoS 1/2 delivery blocks on the recipient's outbound queue when
		// full (protocol.Handler.Deliver's backpressure). Running it in its
		// own goroutine means one slow recipient only blocks routing to
		// that recipient, not the rest of this fan-out (b.mu.RLock() is
		// released once this loop finishes launching goroutines, not once
		// they finish).
		go b.deliverOne(s.ClientID, handler, &clone, props)
	}
}

func (b *Broker) deliverOne(clientID string, handler *protocol.Handler, msg *message.Message, props encoding.Properties) {
	if err := handler.Deliver(msg, props); err != nil {
		if errors.Is(err, protocol.ErrOutboundQueueFull) {
			if b.metrics != nil {
				b.metrics.MessagesDropped.Inc()
			}
			b.log.Warn("outbound queue full, message dropped", "client_id", clientID, "topic", msg.Topic)
			return
		}
		b.log.Warn("deliver failed", "client_id", clientID, "topic", msg.Topic, "err", err)
		return
	}
	if b.metrics != nil {
		b.metrics.MessagesSent.Inc()
		b.metrics.PublishSent.Inc()
		b.metrics.BytesSent.Add(float64(len(msg.Payload)))
	}
}

// queuePendingPublish stores msg in clientID's session for redelivery once
// it reconnects. QoS 0 is "at most once" and is never stored; only QoS 1/2
// publishes queue while the subscriber is offline, per the persistent
// session contract ("on reconnect of a persistent session, resend stored
// PUBLISHes with dup=1").
func (b *Broker) queuePendingPublish(ctx context.Context, clientID string, msg *message.Message, effQoS byte, retainAsPublished bool, props encoding.Properties) {
	if effQoS == 0 {
		return
	}

	sess, err := b.sessions.GetSession(ctx, clientID)
	if err != nil || sess == nil {
		return
	}

	packetID := sess.NextPacketID()
	sess.AddPendingPublish(&session.PendingMessage{
		PacketID:   packetID,
		Topic:      msg.Topic,
		Payload:    msg.Payload,
		QoS:        effQoS,
		Retain:     msg.Retain && retainAsPublished,
		Properties: propsToMap(props),
		Timestamp:  time.Now(),
	})
}

// Disconnect tears down clientID's session bookkeeping, optionally
// publishing its will. It implements protocol.Broker.
func (b *Broker) Disconnect(ctx context.Context, clientID string, sendWill bool) {
	removeRouting := true
	if sess, err := b.sessions.GetSession(ctx, clientID); err == nil {
		removeRouting = sess.GetCleanStart() || sess.GetExpiryInterval() == 0
	}

	if err := b.sessions.DisconnectSession(ctx, clientID, sendWill); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		b.log.Warn("disconnect session failed", "client_id", clientID, "err", err)
	}

	if removeRouting {
		b.router.UnsubscribeAll(clientID)
	}

	if b.metrics != nil {
		b.metrics.OnClientDisconnected()
	}

	b.hooks.OnDisconnect(&hook.Client{ID: clientID, DisconnectedAt: time.Now()}, nil, removeRouting)
}

// Register associates clientID with its live connection handler, then
// flushes any QoS 1/2 publishes that queued in its session while it was
// disconnected. It implements protocol.Broker.
func (b *Broker) Register(clientID string, h *protocol.Handler) {
	b.mu.Lock()
	b.handlers[clientID] = h
	b.mu.Unlock()

	b.redeliverPending(clientID, h)
}

// redeliverPending resends, with dup=1, every PendingPublish queued for
// clientID while it was offline, in the order they were originally
// accepted for delivery (NextPacketID hands out ascending IDs as messages
// are queued, so sorting by packet ID recovers that order).
func (b *Broker) redeliverPending(clientID string, h *protocol.Handler) {
	sess, err := b.sessions.GetSession(context.Background(), clientID)
	if err != nil || sess == nil {
		return
	}

	pending := sess.GetAllPendingPublish()
	if len(pending) == 0 {
		return
	}

	ids := make([]uint16, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		pm := pending[id]
		msg := &message.Message{
			Topic:   pm.Topic,
			Payload: pm.Payload,
			QoS:     encoding.QoS(pm.QoS),
			Retain:  pm.Retain,
			DUP:     true,
		}
		if err := h.Deliver(msg, mapToProps(pm.Properties)); err != nil {
			b.log.Warn("redeliver pending publish failed", "client_id", clientID, "packet_id", id, "err", err)
			continue
		}
		sess.RemovePendingPublish(id)
		if b.metrics != nil {
			b.metrics.MessagesSent.Inc()
			b.metrics.PublishSent.Inc()
			b.metrics.BytesSent.Add(float64(len(pm.Payload)))
		}
	}
}

// Unregister removes clientID's handler, but only if h is still the one
// registered — a takeover may have already replaced it. It implements
// protocol.Broker.
func (b *Broker) Unregister(clientID string, h *protocol.Handler) {
	b.mu.Lock()
	if b.handlers[clientID] == h {
		delete(b.handlers, clientID)
	}
	b.mu.Unlock()
}

// PublishWill implements session.WillPublisher, letting the session
// manager hand a due will message straight back into the broker's normal
// publish path.
func (b *Broker) PublishWill(ctx context.Context, will *session.WillMessage, clientID string) error {
	msg := message.NewMessage(0, will.Topic, will.Payload, encoding.QoS(will.QoS), will.Retain, will.Properties)
	return b.Publish(ctx, clientID, msg, mapToProps(will.Properties))
}

func grantedReasonCode(requested encoding.QoS, max byte) encoding.ReasonCode {
	q := requested
	if byte(q) > max {
		q = encoding.QoS(max)
	}
	switch q {
	case encoding.QoS0:
		return encoding.ReasonGrantedQoS0
	case encoding.QoS1:
		return encoding.ReasonGrantedQoS1
	default:
		return encoding.ReasonGrantedQoS2
	}
}

// simpleAddr adapts a bare remote-address string to net.Addr, since
// protocol.ConnectRequest carries only the string form.
type simpleAddr string

func (a simpleAddr) Network() string { return "tcp" }
func (a simpleAddr) String() string  { return string(a) }

// propertyNameToID covers the properties that travel through the session
// and hook packages' plain map[string]interface{} representations.
var propertyNameToID = map[string]encoding.PropertyID{
	"PayloadFormatIndicator": encoding.PropPayloadFormatIndicator,
	"MessageExpiryInterval":  encoding.PropMessageExpiryInterval,
	"ContentType":            encoding.PropContentType,
	"ResponseTopic":          encoding.PropResponseTopic,
	"CorrelationData":        encoding.PropCorrelationData,
	"SubscriptionIdentifier": encoding.PropSubscriptionIdentifier,
	"TopicAlias":             encoding.PropTopicAlias,
}

func propsToHook(props encoding.Properties) hook.Properties {
	if len(props.Properties) == 0 {
		return nil
	}
	m := make(hook.Properties, len(props.Properties))
	for _, p := range props.Properties {
		m[p.ID.String()] = p.Value
	}
	return m
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
