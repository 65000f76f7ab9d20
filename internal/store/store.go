// Package store persists delivered messages and violation events.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/postalsys/examcast/internal/protocol"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// MessageRecord is the durable mirror of a delivered packet.
type MessageRecord struct {
	ID               string        `json:"id"`
	SenderRole       protocol.Role `json:"senderRole"`
	EncryptedPayload string        `json:"encryptedPayload"`
	ReceivedAt       int64         `json:"receivedAt"`
	TTL              int           `json:"ttl"`
}

// RecordFromPacket builds the record persisted for p.
func RecordFromPacket(p *protocol.Packet, receivedAt int64) MessageRecord {
	return MessageRecord{
		ID:               p.ID,
		SenderRole:       p.SenderRole,
		EncryptedPayload: p.Payload,
		ReceivedAt:       receivedAt,
		TTL:              p.TTL,
	}
}

// ViolationRecord is one logged integrity event, such as a receiver leaving
// the session early.
type ViolationRecord struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
	Details   string `json:"details,omitempty"`
}

// Store is the message and violation log of one node.
type Store interface {
	// SaveMessage inserts rec unless a record with the same ID exists.
	SaveMessage(ctx context.Context, rec MessageRecord) error

	// Messages returns all records, most recently received first.
	Messages(ctx context.Context) ([]MessageRecord, error)

	// MessageCount returns the number of stored records.
	MessageCount(ctx context.Context) (int, error)

	// LogViolation appends a violation event stamped with the current time.
	LogViolation(ctx context.Context, kind, details string) error

	// Violations returns all events, newest first.
	Violations(ctx context.Context) ([]ViolationRecord, error)

	// ViolationCount returns the number of logged events.
	ViolationCount(ctx context.Context) (int, error)

	// ClearSession removes every message and violation.
	ClearSession(ctx context.Context) error

	Close() error
}

// ledger is the in-memory state shared by both implementations.
type ledger struct {
	messages   []MessageRecord
	ids        map[string]struct{}
	violations []ViolationRecord
	nextVioID  int64
}

func newLedger() *ledger {
	return &ledger{ids: make(map[string]struct{}), nextVioID: 1}
}

// addMessage reports whether rec was new.
func (l *ledger) addMessage(rec MessageRecord) bool {
	if _, ok := l.ids[rec.ID]; ok {
		return false
	}
	l.ids[rec.ID] = struct{}{}
	l.messages = append(l.messages, rec)
	return true
}

func (l *ledger) addViolation(v ViolationRecord) {
	if v.ID >= l.nextVioID {
		l.nextVioID = v.ID + 1
	}
	l.violations = append(l.violations, v)
}

func (l *ledger) newViolation(kind, details string) ViolationRecord {
	return ViolationRecord{
		ID:        l.nextVioID,
		Kind:      kind,
		Timestamp: protocol.NowMillis(),
		Details:   details,
	}
}

func (l *ledger) messagesNewestFirst() []MessageRecord {
	out := make([]MessageRecord, len(l.messages))
	for i, m := range l.messages {
		out[len(out)-1-i] = m
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt > out[j].ReceivedAt })
	return out
}

func (l *ledger) violationsNewestFirst() []ViolationRecord {
	out := make([]ViolationRecord, len(l.violations))
	for i, v := range l.violations {
		out[len(out)-1-i] = v
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out
}

func (l *ledger) reset() {
	l.messages = nil
	l.ids = make(map[string]struct{})
	l.violations = nil
	l.nextVioID = 1
}
