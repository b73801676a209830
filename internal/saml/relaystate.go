package saml

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/hkdf"
)

// TokenPurpose binds a signed token to the context it may be used in.
// A RelayState token can never be replayed as a login ticket and vice versa.
type TokenPurpose string

const (
	PurposeAuthn  TokenPurpose = "authn"
	PurposeTicket TokenPurpose = "ticket"
)

// Payload is the canonical content of a signed token. Field order matters:
// the signature covers the exact JSON serialization.
type Payload struct {
	Nonce     string       `json:"nonce"`
	RequestID string       `json:"request_id"`
	ReturnTo  string       `json:"return_to"`
	UserRef   string       `json:"user_ref,omitempty"`
	Purpose   TokenPurpose `json:"purpose"`
	IssuedAt  int64        `json:"iat"`
	ExpiresAt int64        `json:"exp"`
}

// Codec signs and verifies RelayState and ticket tokens with HMAC-SHA256.
// Per-purpose subkeys are derived with HKDF so the two token families are
// cryptographically disjoint even though they share one configured secret.
type Codec struct {
	keys  map[TokenPurpose][]byte
	clock clockwork.Clock
}

// NewCodec derives the per-purpose signing keys from the configured secret.
func NewCodec(secret []byte, clock clockwork.Clock) (*Codec, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("%w: signing secret must be at least 32 bytes", ErrConfiguration)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	keys := make(map[TokenPurpose][]byte, 2)
	for _, purpose := range []TokenPurpose{PurposeAuthn, PurposeTicket} {
		key := make([]byte, sha256.Size)
		r := hkdf.New(sha256.New, secret, nil, []byte("saml-token:"+string(purpose)))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("failed to derive signing key: %w", err)
		}
		keys[purpose] = key
	}

	return &Codec{keys: keys, clock: clock}, nil
}

// Encode builds a signed token for the payload. Nonce, purpose, and the
// timing fields are filled in here; callers provide the rest.
func (c *Codec) Encode(p Payload, purpose TokenPurpose, ttl time.Duration) (string, error) {
	key, ok := c.keys[purpose]
	if !ok {
		return "", fmt.Errorf("unknown token purpose %q", purpose)
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := c.clock.Now()
	p.Nonce = base64.RawURLEncoding.EncodeToString(nonce)
	p.Purpose = purpose
	p.IssuedAt = now.Unix()
	p.ExpiresAt = now.Add(ttl).Unix()

	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to serialize token payload: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(body)

	return base64.RawURLEncoding.EncodeToString(body) + "." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Decode verifies a token and returns its payload. Every failure mode
// (malformed encoding, bad signature, wrong purpose, expired) collapses into
// the same sentinel so callers cannot be used as a validity oracle.
func (c *Codec) Decode(token string, purpose TokenPurpose) (*Payload, error) {
	reject := c.rejectionFor(purpose)

	key, ok := c.keys[purpose]
	if !ok {
		return nil, reject
	}

	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil, reject
	}

	body, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, reject
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, reject
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, reject
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, reject
	}
	if p.Purpose != purpose {
		return nil, reject
	}
	if c.clock.Now().Unix() >= p.ExpiresAt {
		return nil, reject
	}

	return &p, nil
}

func (c *Codec) rejectionFor(purpose TokenPurpose) error {
	if purpose == PurposeTicket {
		return ErrTicketInvalid
	}
	return ErrRelayStateInvalid
}
