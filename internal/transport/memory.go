package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// MemoryNetwork is an in-process switchboard of named listeners connected by
// net.Pipe. It backs multi-node mesh tests.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*MemoryListener
	seq       int
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{listeners: make(map[string]*MemoryListener)}
}

// Transport returns a transport for the node called name. Accepted links see
// the dialer as "name#n".
func (n *MemoryNetwork) Transport(name string) *MemoryTransport {
	return &MemoryTransport{net: n, name: name}
}

func (n *MemoryNetwork) nextSeq() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	return n.seq
}

// MemoryTransport implements Transport on a MemoryNetwork.
type MemoryTransport struct {
	net  *MemoryNetwork
	name string

	mu        sync.Mutex
	listeners []*MemoryListener
	closed    bool
}

// Type returns the transport type.
func (t *MemoryTransport) Type() Type {
	return TypeMemory
}

// Dial connects to the listener registered under addr.
func (t *MemoryTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Link, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.mu.Unlock()

	t.net.mu.Lock()
	l, ok := t.net.listeners[addr]
	t.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memory dial %s: connection refused", addr)
	}

	local, remote := net.Pipe()
	inbound := newConnLink(remote, fmt.Sprintf("%s#%d", t.name, t.net.nextSeq()), TypeMemory)

	select {
	case l.connCh <- inbound:
		return newConnLink(local, addr, TypeMemory), nil
	case <-l.closeCh:
		local.Close()
		remote.Close()
		return nil, fmt.Errorf("memory dial %s: connection refused", addr)
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
}

// Listen registers a listener under addr.
func (t *MemoryTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if addr == "" {
		addr = t.name
	}

	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if _, exists := t.net.listeners[addr]; exists {
		return nil, fmt.Errorf("memory listen %s: address in use", addr)
	}

	l := &MemoryListener{
		net:     t.net,
		addr:    addr,
		connCh:  make(chan Link),
		closeCh: make(chan struct{}),
	}
	t.net.listeners[addr] = l
	t.listeners = append(t.listeners, l)
	return l, nil
}

// Close shuts down the transport and its listeners.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	for _, l := range t.listeners {
		l.Close()
	}
	t.listeners = nil
	return nil
}

// MemoryListener implements Listener on a MemoryNetwork.
type MemoryListener struct {
	net     *MemoryNetwork
	addr    string
	connCh  chan Link
	closeCh chan struct{}
	once    sync.Once
}

// Accept waits for the next dialer.
func (l *MemoryListener) Accept(ctx context.Context) (Link, error) {
	select {
	case link := <-l.connCh:
		return link, nil
	case <-l.closeCh:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the registered address.
func (l *MemoryListener) Addr() net.Addr {
	return memoryAddr(l.addr)
}

// Close unregisters the listener.
func (l *MemoryListener) Close() error {
	l.once.Do(func() {
		close(l.closeCh)
		l.net.mu.Lock()
		if l.net.listeners[l.addr] == l {
			delete(l.net.listeners, l.addr)
		}
		l.net.mu.Unlock()
	})
	return nil
}

type memoryAddr string

func (a memoryAddr) Network() string { return "memory" }
func (a memoryAddr) String() string  { return string(a) }
