package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wsSubprotocols are the MQTT-over-WebSocket subprotocol names a listener
// negotiates, oldest first so a legacy 3.1 client that only knows
// "mqttv3.1" still gets accepted.
var wsSubprotocols = []string{"mqttv3.1", "mqtt"}

// wsConn adapts a *websocket.Conn to net.Conn so protocol.Handler (and
// codec/packet's Encode/Decode, which only need an io.Reader/io.Writer) can
// run over a WebSocket connection exactly as they do over raw TCP.
//
// Reading: one or more MQTT packets can share a binary WebSocket message,
// and a single packet can also be split across more than one message (a
// large PUBLISH payload, or a client that flushes mid-packet). wsReader
// treats the stream of binary messages as one continuous byte stream,
// buffering the current message and blocking for the next one via
// NextReader when the buffer is exhausted — the same contract
// bufio.Reader gives a TCP socket.
//
// Writing: each net.Conn.Write call is sent as its own binary WebSocket
// message. codec/packet's Encode implementations each issue a handful of
// small Write calls per packet (fixed header, remaining length, payload),
// so this sends a few small frames per packet rather than one — simpler
// than buffering across Write calls to find packet boundaries wsConn has
// no visibility into, and WebSocket permits message fragmentation for
// exactly this reason.
type wsConn struct {
	conn *websocket.Conn

	readMu  sync.Mutex
	reader  io.Reader
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (w *wsConn) Read(b []byte) (int, error) {
	w.readMu.Lock()
	defer w.readMu.Unlock()

	for {
		if w.reader != nil {
			n, err := w.reader.Read(b)
			if n > 0 {
				return n, nil
			}
			if err != nil && err != io.EOF {
				return 0, err
			}
			// EOF on the current message's reader: fetch the next one.
			w.reader = nil
		}

		msgType, r, err := w.conn.NextReader()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			// MQTT-over-WebSocket only carries binary messages; a text
			// frame from a misbehaving peer is skipped rather than fed
			// to the packet decoder as garbage.
			continue
		}
		w.reader = r
	}
}

func (w *wsConn) Write(b []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (w *wsConn) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}

func (w *wsConn) LocalAddr() net.Addr  { return w.conn.LocalAddr() }
func (w *wsConn) RemoteAddr() net.Addr { return w.conn.RemoteAddr() }

func (w *wsConn) SetDeadline(t time.Time) error {
	if err := w.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return w.conn.SetWriteDeadline(t)
}

func (w *wsConn) SetReadDeadline(t time.Time) error  { return w.conn.SetReadDeadline(t) }
func (w *wsConn) SetWriteDeadline(t time.Time) error { return w.conn.SetWriteDeadline(t) }

var _ net.Conn = (*wsConn)(nil)

// WSListenerConfig configures a WebSocket listener.
type WSListenerConfig struct {
	Address          string
	Path             string
	TLSConfig        *tls.Config
	MaxConnections   int
	HandshakeTimeout time.Duration
}

func DefaultWSListenerConfig(address string) *WSListenerConfig {
	return &WSListenerConfig{
		Address:          address,
		Path:             "/mqtt",
		MaxConnections:   10000,
		HandshakeTimeout: 10 * time.Second,
	}
}

// WSListener accepts MQTT-over-WebSocket connections on an HTTP server,
// feeding each upgraded connection through the same ConnectionHandler chain
// Listener uses for raw TCP, so broker.Broker.Listen works unmodified
// against either transport.
type WSListener struct {
	config   *WSListenerConfig
	pool     *Pool
	server   *http.Server
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	handlers []ConnectionHandler

	connSeq  atomic.Uint64
	accepted atomic.Uint64
	rejected atomic.Uint64

	ln net.Listener

	closed    atomic.Bool
	closeOnce sync.Once
}

func NewWSListener(config *WSListenerConfig, pool *Pool) (*WSListener, error) {
	if config == nil {
		return nil, ErrInvalidAddress
	}
	if pool == nil {
		var err error
		pool, err = NewPool(DefaultPoolConfig())
		if err != nil {
			return nil, err
		}
	}

	l := &WSListener{
		config: config,
		pool:   pool,
		upgrader: websocket.Upgrader{
			Subprotocols:     wsSubprotocols,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: config.HandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(config.Path, l.serveUpgrade)
	l.server = &http.Server{
		Handler:   mux,
		TLSConfig: config.TLSConfig,
	}

	return l, nil
}

// OnConnection registers a handler run for every accepted WebSocket
// connection, matching Listener.OnConnection's one-shot registration-time
// API.
func (l *WSListener) OnConnection(handler ConnectionHandler) {
	l.mu.Lock()
	l.handlers = append(l.handlers, handler)
	l.mu.Unlock()
}

// Start begins accepting connections in the background.
func (l *WSListener) Start() error {
	if l.closed.Load() {
		return ErrListenerClosed
	}

	ln, err := net.Listen("tcp", l.config.Address)
	if err != nil {
		return fmt.Errorf("failed to start websocket listener: %w", err)
	}
	if l.config.TLSConfig != nil {
		ln = tls.NewListener(ln, l.config.TLSConfig)
	}
	l.ln = ln

	go func() {
		_ = l.server.Serve(ln)
	}()

	return nil
}

func (l *WSListener) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	if l.config.MaxConnections > 0 && int(l.pool.total.Load()) >= l.config.MaxConnections {
		l.rejected.Add(1)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.rejected.Add(1)
		return
	}

	seq := l.connSeq.Add(1)
	connID := fmt.Sprintf("ws-%d-%d", time.Now().UnixNano(), seq)

	netConn := NewConnection(newWSConn(conn), connID, &ConnectionConfig{})
	if err := l.pool.Add(netConn); err != nil {
		_ = netConn.Close()
		l.rejected.Add(1)
		return
	}
	l.accepted.Add(1)

	l.mu.RLock()
	handlers := make([]ConnectionHandler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(netConn); err != nil {
			l.pool.Remove(netConn.ID())
			return
		}
	}
}

func (l *WSListener) Addr() net.Addr {
	if l.ln != nil {
		return l.ln.Addr()
	}
	return nil
}

func (l *WSListener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	l.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = l.server.Shutdown(ctx)
	})
	return err
}

func (l *WSListener) Stats() ListenerStats {
	return ListenerStats{
		Accepted: l.accepted.Load(),
		Rejected: l.rejected.Load(),
		Active:   uint64(l.pool.active.Load()),
	}
}
