package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
)

const (
	wsDefaultPath = "/mesh"
	wsReadLimit   = 256 * 1024
	wsSubprotocol = "examcast/1"
)

// WebSocketTransport carries a link as binary messages on one WebSocket.
type WebSocketTransport struct {
	listenerSet
}

// NewWebSocketTransport creates a new WebSocket transport.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{}
}

// Type returns the transport type.
func (t *WebSocketTransport) Type() Type {
	return TypeWebSocket
}

// Dial connects to a remote node. addr is either a ws:// / wss:// URL or a
// host:port, which is dialed as wss://host:port/mesh.
func (t *WebSocketTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Link, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	tlsConfig := prepareTLSConfigForDial(opts.TLSConfig, opts.StrictVerify, []string{"http/1.1"})
	conn, _, err := websocket.Dial(ctx, webSocketURL(addr), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocol},
		HTTPClient: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial failed: %w", err)
	}
	return wsLink(conn, addr), nil
}

// Listen serves WebSocket upgrades on opts.Path, over TLS unless
// opts.PlainText is set.
func (t *WebSocketTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	return t.listen(func() (Listener, error) {
		var tlsConfig *tls.Config
		if !opts.PlainText {
			base, err := serverTLSConfig(opts.TLSConfig)
			if err != nil {
				return nil, err
			}
			tlsConfig = base.Clone()
			tlsConfig.NextProtos = []string{"http/1.1"}
		}

		path := opts.Path
		if path == "" {
			path = wsDefaultPath
		}
		return startHTTPListener(addr, http.MethodGet+" "+path, tlsConfig, nil, acceptWebSocket)
	})
}

func acceptWebSocket(l *httpListener, w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return
	}
	if !l.offer(wsLink(conn, r.RemoteAddr)) {
		conn.Close(websocket.StatusGoingAway, "server closed")
	}
}

// wsLink adapts conn to a Link. The NetConn context is not tied to the
// request so the link outlives the upgrade handler.
func wsLink(conn *websocket.Conn, remote string) Link {
	conn.SetReadLimit(wsReadLimit)
	nc := websocket.NetConn(context.Background(), conn, websocket.MessageBinary)
	return newConnLink(nc, remote, TypeWebSocket)
}

// webSocketURL turns host:port into a wss URL on the default path.
func webSocketURL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	return fmt.Sprintf("wss://%s%s", addr, wsDefaultPath)
}
