// Package protocol defines the flood-routed Packet and its newline-delimited
// JSON wire frame.
package protocol

import (
	"fmt"
	"time"
)

// Role is the sender role carried in every packet.
type Role string

const (
	RoleBroadcaster Role = "BROADCASTER"
	RoleReceiver    Role = "RECEIVER"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleBroadcaster || r == RoleReceiver
}

const (
	// DefaultTTL is the hop budget given to originated packets.
	DefaultTTL = 5

	// MaxFrameSize bounds a single wire frame, newline excluded.
	MaxFrameSize = 64 * 1024
)

// Packet is one flood-routed message. ID is fixed at origination and never
// changes across relays; only TTL changes, by exactly one per hop.
type Packet struct {
	ID         string `json:"id"`
	SenderRole Role   `json:"senderRole"`
	Payload    string `json:"payload"`
	TTL        int    `json:"ttl"`
	Timestamp  int64  `json:"timestamp"`
	Signature  string `json:"signature"`
}

// Relay returns the copy of p forwarded to the next hop.
func (p *Packet) Relay() *Packet {
	next := *p
	next.TTL = p.TTL - 1
	return &next
}

// Signed reports whether the packet carries a signature.
func (p *Packet) Signed() bool {
	return p.Signature != ""
}

// Time returns the origination timestamp.
func (p *Packet) Time() time.Time {
	return time.UnixMilli(p.Timestamp)
}

// String returns a short description for logs; payload is omitted.
func (p *Packet) String() string {
	return fmt.Sprintf("Packet{id=%s, role=%s, ttl=%d, signed=%v}", p.ID, p.SenderRole, p.TTL, p.Signed())
}

// NowMillis returns the current time in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
