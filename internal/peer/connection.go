// Package peer tracks the live links of a mesh node.
package peer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/examcast/internal/protocol"
	"github.com/postalsys/examcast/internal/transport"
)

// ConnectionState represents the state of one link.
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateConnected
	StateClosed
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Direction records which side opened a link.
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// Connection wraps a transport link with frame I/O and state.
type Connection struct {
	link      transport.Link
	addr      string
	direction Direction

	state  atomic.Int32
	reader *protocol.FrameReader

	writeMu   sync.Mutex
	bytesSent atomic.Uint64
	framesIn  atomic.Uint64

	connectedAt  time.Time
	lastActivity atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConnection wraps link. The connection starts in StateConnecting.
func NewConnection(link transport.Link, direction Direction) *Connection {
	c := &Connection{
		link:      link,
		addr:      link.RemoteAddr(),
		direction: direction,
		reader:    protocol.NewFrameReader(link),
		closed:    make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	c.updateActivity()
	return c
}

// Addr is the key the connection is registered under.
func (c *Connection) Addr() string {
	return c.addr
}

// Direction returns which side opened the link.
func (c *Connection) Direction() Direction {
	return c.direction
}

// TransportType returns the transport that produced the link.
func (c *Connection) TransportType() transport.Type {
	return c.link.Type()
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// MarkConnected moves a connecting link to StateConnected. It reports false
// when the link was closed in the meantime.
func (c *Connection) MarkConnected() bool {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		return false
	}
	c.connectedAt = time.Now()
	return true
}

// ReadFrame blocks for the next frame. It must be called from a single
// goroutine.
func (c *Connection) ReadFrame() ([]byte, error) {
	frame, err := c.reader.Next()
	if err != nil {
		return nil, err
	}
	c.framesIn.Add(1)
	c.updateActivity()
	return frame, nil
}

// WriteFrame writes one encoded frame. A positive timeout bounds the write.
func (c *Connection) WriteFrame(frame []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() == StateClosed {
		return fmt.Errorf("write to %s: %w", c.addr, transport.ErrClosed)
	}

	if timeout > 0 {
		if err := c.link.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
		defer c.link.SetWriteDeadline(time.Time{})
	}

	n, err := c.link.Write(frame)
	c.bytesSent.Add(uint64(n))
	if err != nil {
		return fmt.Errorf("write to %s: %w", c.addr, err)
	}
	c.updateActivity()
	return nil
}

// BytesSent returns the number of bytes written.
func (c *Connection) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// FramesReceived returns the number of frames read.
func (c *Connection) FramesReceived() uint64 {
	return c.framesIn.Load()
}

// ConnectedAt returns when the link reached StateConnected.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// LastActivity returns the time of the last read or write.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) updateActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Close closes the link. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		err = c.link.Close()
		close(c.closed)
	})
	return err
}

// Done returns a channel that's closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// String returns a string representation.
func (c *Connection) String() string {
	return fmt.Sprintf("Peer{addr=%s, state=%s, transport=%s, dir=%s}",
		c.addr, c.State(), c.TransportType(), c.direction)
}
