package network

import (
	"io"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultWSListenerConfig(t *testing.T) {
	cfg := DefaultWSListenerConfig("localhost:0")
	assert.Equal(t, "localhost:0", cfg.Address)
	assert.Equal(t, "/mqtt", cfg.Path)
	assert.Equal(t, 10000, cfg.MaxConnections)
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
}

func TestNewWSListener_NilConfig(t *testing.T) {
	l, err := NewWSListener(nil, nil)
	assert.Error(t, err)
	assert.Nil(t, l)
}

func startWSListener(t *testing.T) (*WSListener, chan *Connection) {
	t.Helper()
	cfg := DefaultWSListenerConfig("127.0.0.1:0")
	l, err := NewWSListener(cfg, nil)
	require.NoError(t, err)

	accepted := make(chan *Connection, 4)
	l.OnConnection(func(c *Connection) error {
		accepted <- c
		return nil
	})

	require.NoError(t, l.Start())
	t.Cleanup(func() { _ = l.Close() })
	return l, accepted
}

func dialWS(t *testing.T, l *WSListener) *websocket.Conn {
	t.Helper()
	url := "ws://" + l.Addr().String() + "/mqtt"
	dialer := websocket.Dialer{Subprotocols: []string{"mqtt"}}
	conn, _, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestWSListener_AcceptsUpgradeAndRunsHandler(t *testing.T) {
	l, accepted := startWSListener(t)

	client := dialWS(t, l)
	defer client.Close()

	select {
	case c := <-accepted:
		assert.NotNil(t, c)
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestWSListener_RejectsOverMaxConnections(t *testing.T) {
	cfg := DefaultWSListenerConfig("127.0.0.1:0")
	cfg.MaxConnections = 0
	l, err := NewWSListener(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, l.Start())
	t.Cleanup(func() { _ = l.Close() })

	url := "ws://" + l.Addr().String() + "/mqtt"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 503, resp.StatusCode)
	}
}

func TestWSConn_ReassemblesPacketSplitAcrossMessages(t *testing.T) {
	l, accepted := startWSListener(t)
	client := dialWS(t, l)
	defer client.Close()

	var server *Connection
	select {
	case server = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}

	payload := []byte("hello websocket mqtt")
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, payload[:5]))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, payload[5:]))

	buf := make([]byte, len(payload))
	_, err := io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)
}

func TestWSConn_SkipsTextMessages(t *testing.T) {
	l, accepted := startWSListener(t)
	client := dialWS(t, l)
	defer client.Close()

	var server *Connection
	select {
	case server = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("not mqtt")))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte("real")))

	buf := make([]byte, 4)
	_, err := io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "real", string(buf))
}

func TestWSListener_Stats(t *testing.T) {
	l, accepted := startWSListener(t)
	client := dialWS(t, l)
	defer client.Close()

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}

	stats := l.Stats()
	assert.EqualValues(t, 1, stats.Accepted)
}
