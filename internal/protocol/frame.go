package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInvalidFrame matches every ParseError via errors.Is.
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// ParseErrorKind classifies why a frame was rejected.
type ParseErrorKind int

const (
	// MissingField means a required field is absent.
	MissingField ParseErrorKind = iota + 1
	// TypeMismatch means a field has the wrong JSON type.
	TypeMismatch
	// Malformed means the frame is not a JSON object or a value is out of domain.
	Malformed
)

// String returns the kind name.
func (k ParseErrorKind) String() string {
	switch k {
	case MissingField:
		return "missing_field"
	case TypeMismatch:
		return "type_mismatch"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// ParseError describes a rejected inbound frame. No field of a frame is
// trusted until Decode returns without one.
type ParseError struct {
	Kind  ParseErrorKind
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	msg := "invalid frame: " + e.Kind.String()
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrInvalidFrame) true for every ParseError.
func (e *ParseError) Is(target error) bool { return target == ErrInvalidFrame }

// Encode serialises p as one wire frame terminated by a newline.
func Encode(p *Packet) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode packet: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return append(data, '\n'), nil
}

var jsonNull = []byte("null")

// Decode validates and parses a single frame. Surrounding whitespace,
// including the trailing newline, is ignored. Unknown fields are ignored;
// signature may be absent and then reads as empty.
func Decode(frame []byte) (*Packet, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) > MaxFrameSize {
		return nil, &ParseError{Kind: Malformed, Err: ErrFrameTooLarge}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		return nil, &ParseError{Kind: Malformed, Err: err}
	}
	if fields == nil {
		return nil, &ParseError{Kind: Malformed, Err: errors.New("not a JSON object")}
	}

	p := &Packet{}
	var role string

	required := []struct {
		name string
		dst  any
	}{
		{"id", &p.ID},
		{"senderRole", &role},
		{"payload", &p.Payload},
		{"ttl", &p.TTL},
		{"timestamp", &p.Timestamp},
	}
	for _, f := range required {
		raw, ok := fields[f.name]
		if !ok {
			return nil, &ParseError{Kind: MissingField, Field: f.name}
		}
		if err := decodeField(f.name, raw, f.dst); err != nil {
			return nil, err
		}
	}

	if raw, ok := fields["signature"]; ok {
		if err := decodeField("signature", raw, &p.Signature); err != nil {
			return nil, err
		}
	}

	if p.ID == "" {
		return nil, &ParseError{Kind: Malformed, Field: "id", Err: errors.New("empty")}
	}
	p.SenderRole = Role(role)
	if !p.SenderRole.Valid() {
		return nil, &ParseError{Kind: Malformed, Field: "senderRole", Err: fmt.Errorf("unknown role %q", role)}
	}

	return p, nil
}

func decodeField(name string, raw json.RawMessage, dst any) error {
	if bytes.Equal(bytes.TrimSpace(raw), jsonNull) {
		return &ParseError{Kind: TypeMismatch, Field: name, Err: errors.New("null")}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &ParseError{Kind: TypeMismatch, Field: name, Err: err}
	}
	return nil
}

// FrameReader splits a link byte stream into newline-delimited frames.
type FrameReader struct {
	sc *bufio.Scanner
}

// NewFrameReader creates a frame reader over r.
func NewFrameReader(r io.Reader) *FrameReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), MaxFrameSize+2)
	return &FrameReader{sc: sc}
}

// Next returns the next non-blank frame without its line terminator. The
// returned slice is owned by the caller. io.EOF marks a clean end of stream.
func (fr *FrameReader) Next() ([]byte, error) {
	for fr.sc.Scan() {
		line := bytes.TrimRight(fr.sc.Bytes(), "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return append([]byte(nil), line...), nil
	}
	if err := fr.sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrFrameTooLarge
		}
		return nil, err
	}
	return nil, io.EOF
}
