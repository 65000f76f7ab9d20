package invite

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

const testKey = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

func TestEncodeParse(t *testing.T) {
	doc := Document{ID: "3f2a", Key: testKey, Name: "Room 4"}

	s, err := Encode(doc)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !strings.Contains(s, `"id":"3f2a"`) || !strings.Contains(s, `"name":"Room 4"`) {
		t.Errorf("Encode() = %s", s)
	}

	got, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got != doc {
		t.Errorf("Parse() = %+v, want %+v", got, doc)
	}
}

func TestParse_NameOptional(t *testing.T) {
	got, err := Parse(`  {"id":"s1","key":"` + testKey + `"}` + "\n")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got.Name != "" || got.ID != "s1" {
		t.Errorf("Parse() = %+v", got)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "", ErrMalformed},
		{"not json", "exam:1234", ErrMalformed},
		{"array", `["id","key"]`, ErrMalformed},
		{"id number", `{"id":7,"key":"` + testKey + `"}`, ErrMalformed},
		{"missing id", `{"key":"` + testKey + `"}`, ErrMissingID},
		{"blank id", `{"id":"  ","key":"` + testKey + `"}`, ErrMissingID},
		{"missing key", `{"id":"s1"}`, ErrMissingKey},
		{"short key", `{"id":"s1","key":"abcd"}`, ErrInvalidKey},
		{"non hex key", `{"id":"s1","key":"` + strings.Repeat("z", 64) + `"}`, ErrInvalidKey},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.input)
			if !errors.Is(err, tc.want) {
				t.Errorf("Parse(%q) error = %v, want %v", tc.input, err, tc.want)
			}
		})
	}
}

func TestRenderQR(t *testing.T) {
	var buf bytes.Buffer
	if err := RenderQR(&buf, Document{ID: "s1", Key: testKey, Name: DefaultName}); err != nil {
		t.Fatalf("RenderQR() error = %v", err)
	}
	if buf.Len() == 0 {
		t.Error("RenderQR() wrote nothing")
	}
}
