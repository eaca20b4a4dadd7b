package evidence

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SignatureHeader carries the report signature.
const SignatureHeader = "X-Examguard-Signature"

const signingDomain = "examguard-report-v1"

// Signer signs report bodies with a per-assessment key derived from a shared
// secret, so a leaked key for one assessment does not sign for another.
type Signer struct {
	secret []byte
}

// NewSigner returns a signer, or nil when secret is empty.
func NewSigner(secret []byte) *Signer {
	if len(secret) == 0 {
		return nil
	}
	return &Signer{secret: append([]byte(nil), secret...)}
}

func (s *Signer) key(assessmentID string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.secret, []byte(signingDomain), []byte(assessmentID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("evidence: derive signing key: %w", err)
	}
	return key, nil
}

// Sign returns the hex HMAC-SHA256 of body under the assessment key.
func (s *Signer) Sign(assessmentID string, body []byte) (string, error) {
	key, err := s.key(assessmentID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether sig is the signature of body.
func (s *Signer) Verify(assessmentID string, body []byte, sig string) bool {
	want, err := s.Sign(assessmentID, body)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	wantRaw, _ := hex.DecodeString(want)
	return hmac.Equal(got, wantRaw)
}
