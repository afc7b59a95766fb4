package webhook

import (
	"errors"
	"strings"
	"testing"
)

func TestVerifySignature(t *testing.T) {
	secret := "test-secret-key"
	body := []byte(`{"action":"opened","repository":{"name":"app"}}`)
	signed := Sign(body, secret)
	plainHex := strings.TrimPrefix(signed, "sha256=")

	tests := []struct {
		name      string
		body      []byte
		signature string
		secret    string
		wantErr   bool
	}{
		{"valid github format", body, signed, secret, false},
		{"valid plain hex", body, plainHex, secret, false},
		{"wrong signature", body, "sha256=" + strings.Repeat("0", 64), secret, true},
		{"tampered body", []byte(`{"action":"closed"}`), signed, secret, true},
		{"wrong secret", body, signed, "other-secret", true},
		{"empty signature", body, "", secret, true},
		{"empty secret", body, signed, "", true},
		{"not hex", body, "sha256=zzzz", secret, true},
		{"truncated", body, signed[:len(signed)-2], secret, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(tt.body, tt.signature, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Fatalf("VerifySignature() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrVerificationFailed) {
				t.Fatalf("error %v is not ErrVerificationFailed", err)
			}
		})
	}
}

func TestSignIsDeterministic(t *testing.T) {
	body := []byte("payload")
	if Sign(body, "k") != Sign(body, "k") {
		t.Fatal("Sign is not deterministic")
	}
	if Sign(body, "k") == Sign(body, "j") {
		t.Fatal("different secrets produced the same signature")
	}
}
