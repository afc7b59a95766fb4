package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrVerificationFailed is returned for every signature failure. It never
// says which check failed.
var ErrVerificationFailed = errors.New("webhook verification failed")

// VerifySignature checks an HMAC-SHA256 signature of body in constant time.
// signature is "sha256=<hex>" (X-Hub-Signature-256) or plain hex.
func VerifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return ErrVerificationFailed
	}

	actual, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return ErrVerificationFailed
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), actual) != 1 {
		return ErrVerificationFailed
	}
	return nil
}

// Sign returns the X-Hub-Signature-256 header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
