package crypto

import (
	"regexp"
	"testing"
)

var fingerprintPattern = regexp.MustCompile(`^[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}$`)

func TestFingerprint(t *testing.T) {
	key := mustKey(t)

	fp, err := Fingerprint(key)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	if !fingerprintPattern.MatchString(fp) {
		t.Errorf("Fingerprint() = %q, want XXXX-XXXX-XXXX", fp)
	}

	again, _ := Fingerprint(key)
	if again != fp {
		t.Errorf("Fingerprint() not stable: %q vs %q", fp, again)
	}

	other, _ := Fingerprint(mustKey(t))
	if other == fp {
		t.Error("different keys produced the same fingerprint")
	}
}

func TestFingerprint_InvalidKey(t *testing.T) {
	if _, err := Fingerprint("nothex"); err == nil {
		t.Error("expected error for invalid key")
	}
}
