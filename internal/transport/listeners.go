package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	httpAcceptQueue     = 16
	httpHeaderTimeout   = 10 * time.Second
	httpShutdownTimeout = 5 * time.Second
)

// listenerSet records the listeners a transport opened. Once closed it
// refuses new dials and listeners.
type listenerSet struct {
	mu     sync.Mutex
	open   []Listener
	closed bool
}

func (s *listenerSet) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// listen runs open under the lock and records the listener it returns.
func (s *listenerSet) listen(open func() (Listener, error)) (Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	l, err := open()
	if err != nil {
		return nil, err
	}
	s.open = append(s.open, l)
	return l, nil
}

// Close stops every recorded listener.
func (s *listenerSet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, l := range s.open {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.open = nil
	return errors.Join(errs...)
}

// httpListener accepts links that arrive as HTTP requests on one path.
// The per-transport handler upgrades the request and hands the link over
// with offer.
type httpListener struct {
	server  *http.Server
	netLn   net.Listener
	connCh  chan Link
	closeCh chan struct{}
	closed  atomic.Bool
}

// startHTTPListener binds addr and serves handle on the mux pattern, over TLS when
// tlsConfig is set. configure may adjust the server before it starts.
func startHTTPListener(addr, pattern string, tlsConfig *tls.Config, configure func(*http.Server) error,
	handle func(l *httpListener, w http.ResponseWriter, r *http.Request)) (*httpListener, error) {
	l := &httpListener{
		connCh:  make(chan Link, httpAcceptQueue),
		closeCh: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if l.closed.Load() {
			http.Error(w, "server closed", http.StatusServiceUnavailable)
			return
		}
		handle(l, w, r)
	})

	l.server = &http.Server{
		Handler:           mux,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: httpHeaderTimeout,
	}
	if configure != nil {
		if err := configure(l.server); err != nil {
			return nil, err
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen failed: %w", err)
	}
	l.netLn = ln

	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	go l.server.Serve(ln)

	return l, nil
}

// offer queues link for Accept. It reports false when the listener closed
// first; the caller still owns the link then.
func (l *httpListener) offer(link Link) bool {
	select {
	case l.connCh <- link:
		return true
	case <-l.closeCh:
		return false
	}
}

// Accept waits for the next link or for ctx to end.
func (l *httpListener) Accept(ctx context.Context) (Link, error) {
	select {
	case link := <-l.connCh:
		return link, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, ErrClosed
	}
}

// Addr returns the bound address.
func (l *httpListener) Addr() net.Addr {
	return l.netLn.Addr()
}

// Close stops the listener and shuts the HTTP server down.
func (l *httpListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	return l.server.Shutdown(ctx)
}
