// Package relay forwards approved client requests to the upstream provider
// with HMAC-signed headers. Provider credentials never reach the client.
package relay

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Canonicalize renders v as compact JSON with lexicographically sorted object
// keys. The upstream verifier hashes the exact bytes it receives, so the
// canonical form is serialized once and used for both the signature and the
// request body.
func Canonicalize(v any) ([]byte, error) {
	if v == nil {
		v = map[string]any{}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("relay: canonicalize: %w", err)
	}
	var norm any
	if err := json.Unmarshal(raw, &norm); err != nil {
		return nil, fmt.Errorf("relay: canonicalize: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm); err != nil {
		return nil, fmt.Errorf("relay: canonicalize: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Timestamp formats t as whole unix seconds, the granularity the upstream
// verifier expects.
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// Signer produces the upstream's request signatures.
type Signer struct {
	clientID string
	secret   []byte
}

// NewSigner constructs a Signer. Empty credentials are a configuration error.
func NewSigner(clientID, secret string) (*Signer, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, errors.New("relay: client id is not configured")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("relay: client secret is not configured")
	}
	return &Signer{clientID: clientID, secret: []byte(secret)}, nil
}

// Sign computes the hex HMAC-SHA256 over
// timestamp, uppercased method, path and the hex SHA-256 of the canonical
// body, joined by newlines. The method is uppercased here so callers may pass
// it in any case.
func (s *Signer) Sign(timestamp, method, path string, canonicalBody []byte) string {
	bodyHash := sha256.Sum256(canonicalBody)
	msg := timestamp + "\n" + strings.ToUpper(method) + "\n" + path + "\n" + hex.EncodeToString(bodyHash[:])
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// Headers returns the signed header set for one upstream request.
func (s *Signer) Headers(timestamp, method, path string, canonicalBody []byte) map[string]string {
	return map[string]string{
		"X-Client-ID":  s.clientID,
		"X-Signature":  s.Sign(timestamp, method, path, canonicalBody),
		"X-Timestamp":  timestamp,
		"Content-Type": "application/json",
	}
}
