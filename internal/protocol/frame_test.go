package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func samplePacket() *Packet {
	return &Packet{
		ID:         "m1",
		SenderRole: RoleBroadcaster,
		Payload:    "00112233445566778899aabbccddeeff:deadbeef",
		TTL:        5,
		Timestamp:  1700000000000,
		Signature:  "abcd",
	}
}

func TestEncodeDecode(t *testing.T) {
	p := samplePacket()

	frame, err := Encode(p)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !bytes.HasSuffix(frame, []byte("\n")) {
		t.Error("frame is not newline terminated")
	}
	if bytes.Count(frame, []byte("\n")) != 1 {
		t.Error("frame contains embedded newlines")
	}

	got, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if *got != *p {
		t.Errorf("Decode() = %+v, want %+v", got, p)
	}
}

func TestEncode_WireFieldNames(t *testing.T) {
	frame, err := Encode(samplePacket())
	if err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{`"id"`, `"senderRole"`, `"payload"`, `"ttl"`, `"timestamp"`, `"signature"`} {
		if !bytes.Contains(frame, []byte(field)) {
			t.Errorf("frame missing field %s: %s", field, frame)
		}
	}
}

func TestDecode_SignatureOptional(t *testing.T) {
	p, err := Decode([]byte(`{"id":"m1","senderRole":"RECEIVER","payload":"a:b","ttl":1,"timestamp":5}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if p.Signed() {
		t.Error("packet without signature reported as signed")
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		kind  ParseErrorKind
		field string
	}{
		{"not json", `hello`, Malformed, ""},
		{"array", `[1,2]`, Malformed, ""},
		{"null", `null`, Malformed, ""},
		{"missing id", `{"senderRole":"RECEIVER","payload":"a:b","ttl":1,"timestamp":5}`, MissingField, "id"},
		{"missing ttl", `{"id":"m","senderRole":"RECEIVER","payload":"a:b","timestamp":5}`, MissingField, "ttl"},
		{"missing timestamp", `{"id":"m","senderRole":"RECEIVER","payload":"a:b","ttl":1}`, MissingField, "timestamp"},
		{"ttl as string", `{"id":"m","senderRole":"RECEIVER","payload":"a:b","ttl":"5","timestamp":5}`, TypeMismatch, "ttl"},
		{"ttl fractional", `{"id":"m","senderRole":"RECEIVER","payload":"a:b","ttl":1.5,"timestamp":5}`, TypeMismatch, "ttl"},
		{"id as number", `{"id":7,"senderRole":"RECEIVER","payload":"a:b","ttl":1,"timestamp":5}`, TypeMismatch, "id"},
		{"payload null", `{"id":"m","senderRole":"RECEIVER","payload":null,"ttl":1,"timestamp":5}`, TypeMismatch, "payload"},
		{"signature number", `{"id":"m","senderRole":"RECEIVER","payload":"a:b","ttl":1,"timestamp":5,"signature":1}`, TypeMismatch, "signature"},
		{"empty id", `{"id":"","senderRole":"RECEIVER","payload":"a:b","ttl":1,"timestamp":5}`, Malformed, "id"},
		{"unknown role", `{"id":"m","senderRole":"TEACHER","payload":"a:b","ttl":1,"timestamp":5}`, Malformed, "senderRole"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.frame))
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("Decode() error = %v, want *ParseError", err)
			}
			if pe.Kind != tc.kind {
				t.Errorf("Kind = %s, want %s", pe.Kind, tc.kind)
			}
			if pe.Field != tc.field {
				t.Errorf("Field = %q, want %q", pe.Field, tc.field)
			}
			if !errors.Is(err, ErrInvalidFrame) {
				t.Error("ParseError does not match ErrInvalidFrame")
			}
		})
	}
}

func TestDecode_NegativeTTLParses(t *testing.T) {
	p, err := Decode([]byte(`{"id":"m","senderRole":"RECEIVER","payload":"a:b","ttl":-3,"timestamp":5}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if p.TTL != -3 {
		t.Errorf("TTL = %d, want -3", p.TTL)
	}
}

func TestRelay(t *testing.T) {
	p := samplePacket()
	next := p.Relay()

	if next.TTL != p.TTL-1 {
		t.Errorf("relay TTL = %d, want %d", next.TTL, p.TTL-1)
	}
	if next.ID != p.ID || next.Payload != p.Payload || next.Signature != p.Signature || next.SenderRole != p.SenderRole || next.Timestamp != p.Timestamp {
		t.Error("relay changed fields other than TTL")
	}
	if p.TTL != 5 {
		t.Error("Relay() mutated the original packet")
	}
}

func TestFrameReader(t *testing.T) {
	a, _ := Encode(samplePacket())
	b := samplePacket()
	b.ID = "m2"
	bf, _ := Encode(b)

	stream := "\n" + string(a) + "\r\n" + strings.TrimSuffix(string(bf), "\n") + "\r\n"
	fr := NewFrameReader(strings.NewReader(stream))

	var ids []string
	for {
		frame, err := fr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		p, err := Decode(frame)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		ids = append(ids, p.ID)
	}

	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m2" {
		t.Errorf("frames = %v, want [m1 m2]", ids)
	}
}

func TestFrameReader_TooLarge(t *testing.T) {
	big := strings.Repeat("x", MaxFrameSize+10) + "\n"
	fr := NewFrameReader(strings.NewReader(big))

	if _, err := fr.Next(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Next() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestParseErrorKindString(t *testing.T) {
	if MissingField.String() != "missing_field" || TypeMismatch.String() != "type_mismatch" || Malformed.String() != "malformed" {
		t.Error("unexpected kind names")
	}
	if ParseErrorKind(99).String() != "unknown" {
		t.Error("unexpected name for unknown kind")
	}
}
