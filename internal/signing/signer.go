// Package signing produces and verifies the tamper-evident tokens that
// bridge cross-domain iframe checkout redirects.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/ticketeer/ticketeer-payments/internal/domain"
)

// RedirectSalt domain-separates redirect tokens from any other signing use
// of the same secret.
const RedirectSalt = "safe-redirect"

// Payload is the minimal state carried across the redirect boundary: the
// destination URL plus session values to prime before the final hop, where
// cookies negotiated inside the iframe are not available.
type Payload struct {
	URL     string            `json:"url"`
	Session map[string]string `json:"session,omitempty"`
}

// Signer signs and verifies redirect payloads with a keyed MAC.
type Signer struct {
	key []byte
}

// New derives the signing key from the service secret and a
// domain-separation salt, so tokens minted for one purpose cannot be
// replayed as another.
func New(secret, salt string) *Signer {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(salt))
	return &Signer{key: mac.Sum(nil)}
}

// Sign encodes and signs the payload into a URL-safe token.
func (s *Signer) Sign(p Payload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(body)
	return encoded + "." + s.signature(encoded), nil
}

// Verify checks the token and returns the payload. Any signature mismatch
// or decode failure yields ErrInvalidSignature; there is no partial trust.
func (s *Signer) Verify(token string) (*Payload, error) {
	encoded, sig, found := strings.Cut(token, ".")
	if !found {
		return nil, domain.ErrInvalidSignature
	}
	if !hmac.Equal([]byte(sig), []byte(s.signature(encoded))) {
		return nil, domain.ErrInvalidSignature
	}
	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, domain.ErrInvalidSignature
	}
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, domain.ErrInvalidSignature
	}
	return &p, nil
}

func (s *Signer) signature(encoded string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
