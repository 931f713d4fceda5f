package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/swarmguard/emailorch/internal/apperr"
)

// Verifier authenticates inbound webhook deliveries: HMAC-SHA256 over
// timestamp||token, with a bounded timestamp freshness window.
type Verifier struct {
	sharedKey []byte
	maxAge    time.Duration
}

// NewVerifier constructs a signature verifier bound to one shared secret.
func NewVerifier(sharedKey string, maxAge time.Duration) *Verifier {
	return &Verifier{sharedKey: []byte(sharedKey), maxAge: maxAge}
}

// Verify checks timestamp freshness then does a constant-time signature compare.
// On any parse/format error it fails closed.
func (v *Verifier) Verify(timestamp, token, signature string) error {
	if len(v.sharedKey) == 0 {
		return &apperr.AuthenticationError{Reason: "config_missing"}
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return &apperr.AuthenticationError{Reason: "bad_signature"}
	}
	now := time.Now().Unix()
	age := now - ts
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > v.maxAge {
		return &apperr.AuthenticationError{Reason: "stale_timestamp"}
	}
	expected := v.sign(timestamp, token)
	provided, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(expected, provided) {
		return &apperr.AuthenticationError{Reason: "bad_signature"}
	}
	return nil
}

// Sign produces the hex-encoded HMAC-SHA256 signature for the given timestamp+token,
// used both to verify inbound requests and, in tests/tools, to produce valid ones.
func (v *Verifier) Sign(timestamp, token string) string {
	return hex.EncodeToString(v.sign(timestamp, token))
}

func (v *Verifier) sign(timestamp, token string) []byte {
	mac := hmac.New(sha256.New, v.sharedKey)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(token))
	sum := mac.Sum(nil)
	return sum
}
