package mediator

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of timestamp + body
	SignatureHeader = "X-FLOWCATALYST-SIGNATURE"

	// TimestampHeader carries the signing timestamp
	TimestampHeader = "X-FLOWCATALYST-TIMESTAMP"
)

// timestampLayout is ISO8601 UTC with millisecond precision
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Signer generates webhook signatures. The receiver verifies by recomputing
// HMAC-SHA256(timestamp + body) with the shared secret.
type Signer struct {
	now func() time.Time
}

// NewSigner creates a signer using the wall clock
func NewSigner() *Signer {
	return &Signer{now: time.Now}
}

// Sign returns the signature and the timestamp it covers
func (s *Signer) Sign(body []byte, secret string) (signature, timestamp string) {
	timestamp = s.now().UTC().Format(timestampLayout)
	return hmacSHA256Hex(timestamp, body, secret), timestamp
}

// Verify checks a signature in constant time
func (s *Signer) Verify(body []byte, timestamp, signature, secret string) bool {
	expected := hmacSHA256Hex(timestamp, body, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func hmacSHA256Hex(timestamp string, body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
