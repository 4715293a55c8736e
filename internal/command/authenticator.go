package command

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidData covers every command rejection except UUID syntax:
	// bad or missing signature, stale or future timestamp, replay, and
	// cache exhaustion.
	ErrInvalidData = errors.New("invalid command data")

	// ErrInvalidUUID marks an envelope whose UUID does not parse.
	ErrInvalidUUID = errors.New("invalid command uuid")
)

// Authenticator verifies inbound signed commands. Checks run cheapest-first:
// signature, timestamp, UUID syntax, then the replay nonce. Like the nonce
// cache it owns, it is confined to the push channel's message-processing
// goroutine.
type Authenticator struct {
	nonces *NonceCache

	// now is replaceable in tests.
	now func() time.Time
}

// NewAuthenticator returns an authenticator with a fresh nonce cache.
func NewAuthenticator() *Authenticator {
	return &Authenticator{
		nonces: NewNonceCache(),
		now:    time.Now,
	}
}

// Verify checks the envelope's signature, freshness, UUID syntax, and replay
// nonce. A verified envelope's UUID is recorded, so a second Verify with the
// same UUID fails as a replay.
func (a *Authenticator) Verify(env *Envelope, key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("no hmac key configured: %w", ErrInvalidData)
	}
	if len(env.HMAC) != sha256.Size {
		return fmt.Errorf("signature length %d, want %d: %w",
			len(env.HMAC), sha256.Size, ErrInvalidData)
	}

	signed, err := env.SigningBytes()
	if err != nil {
		return fmt.Errorf("serializing envelope for verification: %w", ErrInvalidData)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(signed)
	if !hmac.Equal(mac.Sum(nil), env.HMAC) {
		return fmt.Errorf("signature mismatch: %w", ErrInvalidData)
	}

	age := a.now().Unix() - env.IssuedAt
	if age > int64(MaxCommandAge.Seconds()) || age < -int64(MaxCommandAge.Seconds()) {
		return fmt.Errorf("command age %ds outside freshness window: %w", age, ErrInvalidData)
	}

	if _, err := uuid.Parse(env.UUID); err != nil {
		return fmt.Errorf("parsing %q: %w", env.UUID, ErrInvalidUUID)
	}

	return a.nonces.Accept(env.UUID)
}
