// Package crypto implements the symmetric session cryptography of the mesh:
// AES-256-CBC payload envelopes and HMAC-SHA256 payload signatures under a
// single shared 256-bit key.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the session key size in bytes (AES-256).
	KeySize = 32

	// KeyHexLen is the length of a hex-encoded session key.
	KeyHexLen = KeySize * 2

	// IVSize is the CBC initialisation vector size in bytes.
	IVSize = aes.BlockSize

	// envelopeSep separates the IV and ciphertext in an envelope.
	envelopeSep = ":"
)

var (
	// ErrInvalidKey is returned when a key is not 64 hex characters.
	ErrInvalidKey = errors.New("invalid session key")

	// ErrUndecryptable is returned for any envelope that cannot be opened:
	// malformed framing, bad hex, wrong key or corrupt padding.
	ErrUndecryptable = errors.New("undecryptable payload")
)

// GenerateKey returns a fresh 256-bit key, hex encoded.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// ValidateKey checks that keyHex is a hex-encoded 256-bit key.
func ValidateKey(keyHex string) error {
	_, err := decodeKey(keyHex)
	return err
}

func decodeKey(keyHex string) ([]byte, error) {
	if len(keyHex) != KeyHexLen {
		return nil, fmt.Errorf("%w: want %d hex chars, got %d", ErrInvalidKey, KeyHexLen, len(keyHex))
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// Encrypt seals plaintext with AES-256-CBC under a fresh random IV and
// returns the envelope "ivHex:cipherHex". Identical inputs never produce
// identical envelopes.
func Encrypt(plaintext, keyHex string) (string, error) {
	key, err := decodeKey(keyHex)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(iv) + envelopeSep + hex.EncodeToString(out), nil
}

// Decrypt opens an envelope produced by Encrypt. Every failure wraps
// ErrUndecryptable so callers can fall back to showing the raw envelope.
func Decrypt(envelope, keyHex string) (string, error) {
	key, err := decodeKey(keyHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}

	ivHex, cipherHex, ok := strings.Cut(envelope, envelopeSep)
	if !ok || ivHex == "" || cipherHex == "" {
		return "", fmt.Errorf("%w: malformed envelope", ErrUndecryptable)
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != IVSize {
		return "", fmt.Errorf("%w: bad iv", ErrUndecryptable)
	}
	ct, err := hex.DecodeString(cipherHex)
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext encoding", ErrUndecryptable)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext not a multiple of block size", ErrUndecryptable)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}

	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	return string(plain), nil
}

// Sign returns the hex HMAC-SHA256 of message under the session key.
func Sign(message, keyHex string) (string, error) {
	key, err := decodeKey(keyHex)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(mac(key, message)), nil
}

// Verify recomputes the HMAC of message and compares it to signature in
// constant time. Malformed signatures or keys verify as false.
func Verify(message, signature, keyHex string) bool {
	key, err := decodeKey(keyHex)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(sig, mac(key, message))
}

func mac(key []byte, message string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return h.Sum(nil)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
