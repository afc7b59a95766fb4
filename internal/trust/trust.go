// Package trust signs and verifies the envelopes that cross the boundary
// between the kernel and remote plugin code.
//
// The signed bytes are the JSON encoding of a fixed field list in the order
// stateId, eventName, eventPayload, settings, authToken, ref, command. The
// order is fixed by the canonical struct declaration, never by the wire
// representation, so a receiver that reorders fields still verifies.
package trust

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattjoyce/conduit/internal/protocol"
)

var ErrSignatureInvalid = errors.New("signature invalid")

type canonical struct {
	StateID      string            `json:"stateId"`
	EventName    string            `json:"eventName"`
	EventPayload json.RawMessage   `json:"eventPayload"`
	Settings     map[string]any    `json:"settings"`
	AuthToken    string            `json:"authToken"`
	Ref          string            `json:"ref"`
	Command      *protocol.Command `json:"command"`
}

// Canonical returns the bytes that are signed for an input.
func Canonical(in *protocol.PluginInput) ([]byte, error) {
	if in == nil {
		return nil, fmt.Errorf("plugin input is nil")
	}

	payload := in.EventPayload
	if len(payload) == 0 {
		payload = json.RawMessage(`null`)
	} else {
		// Re-encode so whitespace and key order in the payload don't matter.
		var v any
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("event payload is not valid JSON: %w", err)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode event payload: %w", err)
		}
		payload = b
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canonical{
		StateID:      in.StateID,
		EventName:    in.EventName,
		EventPayload: payload,
		Settings:     in.Settings,
		AuthToken:    in.AuthToken,
		Ref:          in.Ref,
		Command:      in.Command,
	}); err != nil {
		return nil, fmt.Errorf("encode canonical input: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign returns the base64 RSA-PKCS1v1.5/SHA-256 signature of payload.
func Sign(payload []byte, key *rsa.PrivateKey) (string, error) {
	if key == nil {
		return "", fmt.Errorf("signing key is nil")
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether signature is a valid signature of payload.
func Verify(payload []byte, signature string, pub *rsa.PublicKey) bool {
	if pub == nil || signature == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(payload)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}

// SignInput canonicalizes in and stores the signature on it.
func SignInput(in *protocol.PluginInput, key *rsa.PrivateKey) error {
	payload, err := Canonical(in)
	if err != nil {
		return err
	}
	sig, err := Sign(payload, key)
	if err != nil {
		return err
	}
	in.Signature = sig
	return nil
}

// VerifyInput checks the signature carried by in.
func VerifyInput(in *protocol.PluginInput, pub *rsa.PublicKey) error {
	payload, err := Canonical(in)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !Verify(payload, in.Signature, pub) {
		return ErrSignatureInvalid
	}
	return nil
}
