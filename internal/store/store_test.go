package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/postalsys/examcast/internal/protocol"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore() error = %v", err)
	}
	t.Cleanup(func() { fs.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fs,
	}
}

func record(id string, receivedAt int64) MessageRecord {
	return MessageRecord{
		ID:               id,
		SenderRole:       protocol.RoleBroadcaster,
		EncryptedPayload: "iv:ct-" + id,
		ReceivedAt:       receivedAt,
		TTL:              4,
	}
}

func TestStore_SaveMessageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				if err := s.SaveMessage(ctx, record("m1", 100)); err != nil {
					t.Fatalf("SaveMessage() error = %v", err)
				}
			}
			changed := record("m1", 200)
			changed.EncryptedPayload = "other"
			if err := s.SaveMessage(ctx, changed); err != nil {
				t.Fatal(err)
			}

			n, err := s.MessageCount(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				t.Errorf("MessageCount() = %d, want 1", n)
			}

			msgs, _ := s.Messages(ctx)
			if msgs[0].EncryptedPayload != "iv:ct-m1" {
				t.Error("duplicate insert overwrote the first record")
			}
		})
	}
}

func TestStore_MessagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			s.SaveMessage(ctx, record("old", 100))
			s.SaveMessage(ctx, record("new", 300))
			s.SaveMessage(ctx, record("mid", 200))

			msgs, err := s.Messages(ctx)
			if err != nil {
				t.Fatal(err)
			}
			want := []string{"new", "mid", "old"}
			for i, id := range want {
				if msgs[i].ID != id {
					t.Errorf("Messages()[%d] = %s, want %s", i, msgs[i].ID, id)
				}
			}
		})
	}
}

func TestStore_Violations(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.LogViolation(ctx, "APP_SWITCH", "left the exam app"); err != nil {
				t.Fatalf("LogViolation() error = %v", err)
			}
			if err := s.LogViolation(ctx, "EARLY_EXIT", ""); err != nil {
				t.Fatal(err)
			}

			n, _ := s.ViolationCount(ctx)
			if n != 2 {
				t.Errorf("ViolationCount() = %d, want 2", n)
			}

			vs, err := s.Violations(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if vs[0].Kind != "EARLY_EXIT" || vs[1].Kind != "APP_SWITCH" {
				t.Errorf("Violations() order = %s, %s", vs[0].Kind, vs[1].Kind)
			}
			if vs[1].ID != 1 || vs[0].ID != 2 {
				t.Errorf("violation ids = %d, %d", vs[1].ID, vs[0].ID)
			}
			if vs[1].Timestamp == 0 {
				t.Error("violation has no timestamp")
			}
		})
	}
}

func TestStore_ClearSession(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			s.SaveMessage(ctx, record("m1", 1))
			s.LogViolation(ctx, "APP_SWITCH", "")

			if err := s.ClearSession(ctx); err != nil {
				t.Fatalf("ClearSession() error = %v", err)
			}

			if n, _ := s.MessageCount(ctx); n != 0 {
				t.Errorf("MessageCount() = %d after clear", n)
			}
			if n, _ := s.ViolationCount(ctx); n != 0 {
				t.Errorf("ViolationCount() = %d after clear", n)
			}

			if err := s.SaveMessage(ctx, record("m1", 2)); err != nil {
				t.Fatal(err)
			}
			if n, _ := s.MessageCount(ctx); n != 1 {
				t.Error("id still indexed after clear")
			}
		})
	}
}

func TestStore_Closed(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}
			if err := s.Close(); err != nil {
				t.Errorf("second Close() error = %v", err)
			}
			if err := s.SaveMessage(ctx, record("m", 1)); !errors.Is(err, ErrClosed) {
				t.Errorf("SaveMessage() after close error = %v, want ErrClosed", err)
			}
		})
	}
}

func TestStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Messages(ctx); !errors.Is(err, context.Canceled) {
				t.Errorf("Messages() error = %v, want Canceled", err)
			}
		})
	}
}

func TestFileStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	s.SaveMessage(ctx, record("m1", 1))
	s.SaveMessage(ctx, record("m2", 2))
	s.LogViolation(ctx, "APP_SWITCH", "")
	s.Close()

	// A torn trailing write must not prevent reopening.
	f, err := os.OpenFile(filepath.Join(dir, messagesFile), os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"id":"m3","sender`)
	f.Close()

	s, err = OpenFileStore(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	if n, _ := s.MessageCount(ctx); n != 2 {
		t.Errorf("MessageCount() after reopen = %d, want 2", n)
	}
	if err := s.SaveMessage(ctx, record("m1", 9)); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.MessageCount(ctx); n != 2 {
		t.Error("reopened store lost its id index")
	}

	if err := s.LogViolation(ctx, "EARLY_EXIT", ""); err != nil {
		t.Fatal(err)
	}
	vs, _ := s.Violations(ctx)
	if len(vs) != 2 || vs[0].ID != 2 {
		t.Errorf("violation ids after reopen = %+v", vs)
	}

	if err := s.SaveMessage(ctx, record("m4", 4)); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = OpenFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if n, _ := s.MessageCount(ctx); n != 3 {
		t.Errorf("record appended after a torn line was lost: count = %d, want 3", n)
	}
}

func TestRecordFromPacket(t *testing.T) {
	p := &protocol.Packet{ID: "x", SenderRole: protocol.RoleReceiver, Payload: "a:b", TTL: 3}
	rec := RecordFromPacket(p, 42)
	if rec.ID != "x" || rec.SenderRole != protocol.RoleReceiver || rec.EncryptedPayload != "a:b" || rec.TTL != 3 || rec.ReceivedAt != 42 {
		t.Errorf("RecordFromPacket() = %+v", rec)
	}
}
