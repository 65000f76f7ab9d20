package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

const tcpKeepAlive = 30 * time.Second

// TCPTransport carries a link on a plain TCP connection.
type TCPTransport struct {
	listenerSet
}

// NewTCPTransport creates a new TCP transport.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

// Type returns the transport type.
func (t *TCPTransport) Type() Type {
	return TypeTCP
}

// Dial connects to addr.
func (t *TCPTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Link, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: opts.Timeout, KeepAlive: tcpKeepAlive}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP dial failed: %w", err)
	}
	return newConnLink(conn, addr, TypeTCP), nil
}

// Listen binds addr. TLS options are ignored.
func (t *TCPTransport) Listen(addr string, _ ListenOptions) (Listener, error) {
	return t.listen(func() (Listener, error) {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("TCP listen failed: %w", err)
		}
		return &tcpListener{ln: ln.(*net.TCPListener)}, nil
	})
}

type tcpListener struct {
	ln *net.TCPListener
}

// Accept waits for the next connection. An ended ctx interrupts the wait
// by moving the accept deadline to now.
func (l *tcpListener) Accept(ctx context.Context) (Link, error) {
	l.ln.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		l.ln.SetDeadline(time.Now())
	})
	defer stop()

	conn, err := l.ln.Accept()
	switch {
	case err == nil:
		return newConnLink(conn, "", TypeTCP), nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, net.ErrClosed):
		return nil, ErrClosed
	default:
		return nil, err
	}
}

func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close is safe to call more than once.
func (l *tcpListener) Close() error {
	if err := l.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
