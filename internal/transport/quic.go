package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// QUIC connection tuning.
const (
	DefaultMaxIdleTimeout  = 60 * time.Second
	DefaultKeepAlivePeriod = 15 * time.Second

	quicStreamAcceptTimeout = 10 * time.Second
)

// streamOpener is the dialer's first write. QUIC only announces a stream to
// the peer once data flows; frame readers skip the blank line.
var streamOpener = []byte("\n")

// QUICTransport carries a link on the single bidirectional stream of a QUIC
// connection.
type QUICTransport struct {
	listenerSet

	// endpoints still holding a UDP socket; closed with the transport.
	epMu      sync.Mutex
	endpoints map[*quicEndpoint]struct{}
}

// NewQUICTransport creates a new QUIC transport.
func NewQUICTransport() *QUICTransport {
	return &QUICTransport{endpoints: make(map[*quicEndpoint]struct{})}
}

// Type returns the transport type.
func (t *QUICTransport) Type() Type {
	return TypeQUIC
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        DefaultMaxIdleTimeout,
		KeepAlivePeriod:       DefaultKeepAlivePeriod,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}
}

// Dial opens a connection and its stream.
func (t *QUICTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Link, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	tlsConfig := prepareTLSConfigForDial(opts.TLSConfig, opts.StrictVerify, []string{ALPNProtocol})
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC dial failed: %w", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err == nil {
		_, err = stream.Write(streamOpener)
	}
	if err != nil {
		conn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("open QUIC stream: %w", err)
	}

	return &quicLink{conn: conn, stream: stream, remote: addr}, nil
}

// Listen binds a UDP socket for QUIC. Closing the listener stops accepting
// only; links already accepted keep the socket until they close too.
func (t *QUICTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	return t.listen(func() (Listener, error) {
		tlsConfig, err := serverTLSConfig(opts.TLSConfig)
		if err != nil {
			return nil, err
		}
		if len(tlsConfig.NextProtos) == 0 {
			tlsConfig = tlsConfig.Clone()
			tlsConfig.NextProtos = []string{ALPNProtocol}
		}

		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("QUIC listen failed: %w", err)
		}
		udpConn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return nil, fmt.Errorf("QUIC listen failed: %w", err)
		}

		ep := &quicEndpoint{udp: udpConn, tr: &quic.Transport{Conn: udpConn}, owner: t, accepting: true}
		ln, err := ep.tr.Listen(tlsConfig, quicConfig())
		if err != nil {
			ep.shutdown()
			return nil, fmt.Errorf("QUIC listen failed: %w", err)
		}

		t.epMu.Lock()
		t.endpoints[ep] = struct{}{}
		t.epMu.Unlock()
		return &quicListener{ln: ln, ep: ep}, nil
	})
}

// Close stops every listener and drops every accepted link.
func (t *QUICTransport) Close() error {
	err := t.listenerSet.Close()

	t.epMu.Lock()
	eps := make([]*quicEndpoint, 0, len(t.endpoints))
	for ep := range t.endpoints {
		eps = append(eps, ep)
	}
	t.epMu.Unlock()

	for _, ep := range eps {
		ep.shutdown()
	}
	return err
}

// quicEndpoint is one UDP socket shared by a listener and the links it
// accepted. The socket closes once the listener and all those links are
// closed.
type quicEndpoint struct {
	udp   *net.UDPConn
	tr    *quic.Transport
	owner *QUICTransport

	mu        sync.Mutex
	links     int
	accepting bool
	done      bool
}

func (e *quicEndpoint) acquire() {
	e.mu.Lock()
	e.links++
	e.mu.Unlock()
}

func (e *quicEndpoint) release() {
	e.mu.Lock()
	e.links--
	idle := e.links == 0 && !e.accepting
	e.mu.Unlock()
	if idle {
		e.shutdown()
	}
}

func (e *quicEndpoint) stopAccepting() {
	e.mu.Lock()
	e.accepting = false
	idle := e.links == 0
	e.mu.Unlock()
	if idle {
		e.shutdown()
	}
}

func (e *quicEndpoint) shutdown() {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return
	}
	e.done = true
	e.mu.Unlock()

	e.tr.Close()
	e.udp.Close()

	e.owner.epMu.Lock()
	delete(e.owner.endpoints, e)
	e.owner.epMu.Unlock()
}

type quicListener struct {
	ln   *quic.Listener
	ep   *quicEndpoint
	once sync.Once
	err  error
}

// Accept waits for a connection, then for the stream its dialer opens.
func (l *quicListener) Accept(ctx context.Context) (Link, error) {
	conn, err := l.ln.Accept(ctx)
	if errors.Is(err, quic.ErrServerClosed) {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithTimeout(ctx, quicStreamAcceptTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(streamCtx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("QUIC stream accept failed: %w", err)
	}

	l.ep.acquire()
	return &quicLink{
		conn:    conn,
		stream:  stream,
		remote:  conn.RemoteAddr().String(),
		release: l.ep.release,
	}, nil
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting. Accepted links stay up.
func (l *quicListener) Close() error {
	l.once.Do(func() {
		l.err = l.ln.Close()
		l.ep.stopAccepting()
	})
	return l.err
}

// quicLink owns its connection; closing the link closes both. Accepted
// links also hold a reference on their listener's endpoint.
type quicLink struct {
	conn    quic.Connection
	stream  quic.Stream
	remote  string
	release func()
	once    sync.Once
}

func (l *quicLink) Read(p []byte) (int, error) {
	return l.stream.Read(p)
}

func (l *quicLink) Write(p []byte) (int, error) {
	return l.stream.Write(p)
}

func (l *quicLink) SetWriteDeadline(t time.Time) error {
	return l.stream.SetWriteDeadline(t)
}

func (l *quicLink) Close() error {
	var err error
	l.once.Do(func() {
		l.stream.CancelRead(0)
		l.stream.Close()
		err = l.conn.CloseWithError(0, "link closed")
		if l.release != nil {
			l.release()
		}
	})
	return err
}

func (l *quicLink) RemoteAddr() string { return l.remote }

func (l *quicLink) Type() Type { return TypeQUIC }
