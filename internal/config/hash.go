package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

const fingerprintPrefix = "blake3:"

// FingerprintBytes returns the BLAKE3 digest of data as "blake3:<hex>".
func FingerprintBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return fingerprintPrefix + hex.EncodeToString(sum[:])
}

// Fingerprint computes the BLAKE3 fingerprint of a file.
func Fingerprint(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return FingerprintBytes(data), nil
}

// VerifyFingerprint checks a file against an expected fingerprint.
func VerifyFingerprint(path, expected string) error {
	actual, err := Fingerprint(path)
	if err != nil {
		return fmt.Errorf("failed to compute fingerprint: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("fingerprint mismatch for %s: expected %s, got %s",
			filepath.Base(path), expected, actual)
	}
	return nil
}
