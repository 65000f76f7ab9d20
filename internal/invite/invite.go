// Package invite encodes the key-exchange document a broadcaster shows and
// a receiver scans to join a session.
package invite

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	qrterminal "github.com/mdp/qrterminal/v3"

	"github.com/postalsys/examcast/internal/crypto"
)

// DefaultName is the display name used when none is configured.
const DefaultName = "Teacher"

var (
	// ErrMalformed is returned for input that is not a JSON object of strings.
	ErrMalformed = errors.New("invite is not a valid document")
	// ErrMissingID is returned when the session id is absent or blank.
	ErrMissingID = errors.New("invite has no session id")
	// ErrMissingKey is returned when the session key is absent or blank.
	ErrMissingKey = errors.New("invite has no session key")
	// ErrInvalidKey is returned when the key is not 64 hex characters.
	ErrInvalidKey = errors.New("invite key is invalid")
)

// Document is the session material handed from broadcaster to receiver.
type Document struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name,omitempty"`
}

// Encode returns the compact JSON form of d.
func Encode(d Document) (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode invite: %w", err)
	}
	return string(data), nil
}

// Parse decodes and validates a scanned or pasted document.
func Parse(s string) (Document, error) {
	var d Document
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &d); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	d.ID = strings.TrimSpace(d.ID)
	d.Key = strings.TrimSpace(d.Key)
	switch {
	case d.ID == "":
		return Document{}, ErrMissingID
	case d.Key == "":
		return Document{}, ErrMissingKey
	}
	if err := crypto.ValidateKey(d.Key); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return d, nil
}

// RenderQR writes d as a terminal QR code to w.
func RenderQR(w io.Writer, d Document) error {
	content, err := Encode(d)
	if err != nil {
		return err
	}
	qrterminal.GenerateWithConfig(content, qrterminal.Config{
		Level:     qrterminal.M,
		Writer:    w,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
	return nil
}
