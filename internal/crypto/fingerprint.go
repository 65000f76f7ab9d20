package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	fingerprintInfo = "examcast-key-fingerprint-v1"
	fingerprintSize = 6
)

// Fingerprint derives a short, human-comparable code from a session key,
// formatted as "XXXX-XXXX-XXXX". Broadcaster and receivers display it so a
// proctor can confirm by eye that everyone scanned the same key.
func Fingerprint(keyHex string) (string, error) {
	key, err := decodeKey(keyHex)
	if err != nil {
		return "", err
	}

	out := make([]byte, fingerprintSize)
	r := hkdf.New(sha256.New, key, nil, []byte(fingerprintInfo))
	if _, err := io.ReadFull(r, out); err != nil {
		return "", fmt.Errorf("derive fingerprint: %w", err)
	}

	s := strings.ToUpper(hex.EncodeToString(out))
	return s[0:4] + "-" + s[4:8] + "-" + s[8:12], nil
}
