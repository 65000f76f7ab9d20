package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const (
	messagesFile   = "messages.jsonl"
	violationsFile = "violations.jsonl"

	maxRecordSize = 1 << 20
)

// FileStore is an append-only JSON-lines store. Each record is synced to
// disk before SaveMessage or LogViolation returns. The full log is indexed
// in memory at open.
type FileStore struct {
	mu         sync.Mutex
	dir        string
	messages   *os.File
	violations *os.File
	ledger     *ledger
	closed     bool
}

// OpenFileStore opens or creates the store in dir.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	s := &FileStore{dir: dir, ledger: newLedger()}

	var err error
	if s.messages, err = openLog(filepath.Join(dir, messagesFile)); err != nil {
		return nil, err
	}
	if s.violations, err = openLog(filepath.Join(dir, violationsFile)); err != nil {
		s.messages.Close()
		return nil, err
	}

	if err := s.load(); err != nil {
		s.messages.Close()
		s.violations.Close()
		return nil, err
	}
	return s, nil
}

func openLog(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	if err := terminateTail(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("repair %s: %w", filepath.Base(path), err)
	}
	return f, nil
}

// terminateTail appends a newline after a torn final record so the next
// append starts on its own line.
func terminateTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.Write([]byte{'\n'})
	return err
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	return sc
}

// load indexes both files. Unparseable lines, such as a torn final write,
// are skipped.
func (s *FileStore) load() error {
	sc := newScanner(io.NewSectionReader(s.messages, 0, 1<<62))
	for sc.Scan() {
		var rec MessageRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err == nil && rec.ID != "" {
			s.ledger.addMessage(rec)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read messages: %w", err)
	}

	sc = newScanner(io.NewSectionReader(s.violations, 0, 1<<62))
	for sc.Scan() {
		var v ViolationRecord
		if err := json.Unmarshal(sc.Bytes(), &v); err == nil {
			s.ledger.addViolation(v)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read violations: %w", err)
	}
	return nil
}

// Dir returns the directory holding the log files.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func appendRecord(f *os.File, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// SaveMessage appends rec unless its ID is already stored.
func (s *FileStore) SaveMessage(ctx context.Context, rec MessageRecord) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if _, exists := s.ledger.ids[rec.ID]; exists {
		return nil
	}
	if err := appendRecord(s.messages, rec); err != nil {
		return fmt.Errorf("save message %s: %w", rec.ID, err)
	}
	s.ledger.addMessage(rec)
	return nil
}

// Messages returns all records, most recently received first.
func (s *FileStore) Messages(ctx context.Context) ([]MessageRecord, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.ledger.messagesNewestFirst(), nil
}

// MessageCount returns the number of stored records.
func (s *FileStore) MessageCount(ctx context.Context) (int, error) {
	if err := s.lock(ctx); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return len(s.ledger.messages), nil
}

// LogViolation appends a violation event.
func (s *FileStore) LogViolation(ctx context.Context, kind, details string) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()

	v := s.ledger.newViolation(kind, details)
	if err := appendRecord(s.violations, v); err != nil {
		return fmt.Errorf("log violation: %w", err)
	}
	s.ledger.addViolation(v)
	return nil
}

// Violations returns all events, newest first.
func (s *FileStore) Violations(ctx context.Context) ([]ViolationRecord, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.ledger.violationsNewestFirst(), nil
}

// ViolationCount returns the number of logged events.
func (s *FileStore) ViolationCount(ctx context.Context) (int, error) {
	if err := s.lock(ctx); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return len(s.ledger.violations), nil
}

// ClearSession truncates both logs.
func (s *FileStore) ClearSession(ctx context.Context) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()

	for _, f := range []*os.File{s.messages, s.violations} {
		if err := f.Truncate(0); err != nil {
			return fmt.Errorf("clear %s: %w", filepath.Base(f.Name()), err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("clear %s: %w", filepath.Base(f.Name()), err)
		}
	}
	s.ledger.reset()
	return nil
}

// Close closes both log files.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := s.messages.Close()
	if verr := s.violations.Close(); verr != nil && err == nil {
		err = verr
	}
	return err
}
