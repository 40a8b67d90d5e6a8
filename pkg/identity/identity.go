// Package identity manages the owner trust root and per-node signing keypair:
// generation, persistence, TOFU pinning, and detached signatures over
// canonical command bytes (spec section 4.1).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/x3haloed/realm/pkg/log"
)

// ErrTrustConflict is returned when an attempt is made to pin a different
// owner key once one is already pinned. First-writer-wins; this never
// silently succeeds.
var ErrTrustConflict = fmt.Errorf("owner already pinned to a different key")

// ErrNotTrusted is returned by Verify when no owner key has been pinned yet.
var ErrNotTrusted = fmt.Errorf("no owner key pinned")

// KeyPair is a generic ed25519 keypair with hex helpers for persistence.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh ed25519 keypair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// PublicHex returns the keypair's public half as lowercase hex — used as the
// node's ID (written to node.peer) and as the owner's printable trust-root
// identifier.
func (k KeyPair) PublicHex() string {
	return hex.EncodeToString(k.Public)
}

// Sign produces a detached ed25519 signature over the given canonical bytes.
// Per spec section 4.1, callers must pass the canonical encoding of a command
// envelope's payload (see pkg/codec), never a human-readable form.
func (k KeyPair) Sign(canonicalBytes []byte) []byte {
	return ed25519.Sign(k.Private, canonicalBytes)
}

// TrustRoot holds the pinned owner public key. It is this agent's single
// owning task for trust state (spec section 5): all reads and the one
// permitted write go through this struct's mutex-guarded methods.
type TrustRoot struct {
	mu      sync.RWMutex
	pinned  bool
	ownerPK ed25519.PublicKey
	log     zerolog.Logger
}

// NewTrustRoot constructs an empty (unpinned) trust root.
func NewTrustRoot() *TrustRoot {
	return &TrustRoot{log: log.WithComponent("identity")}
}

// LoadTrustRoot restores a trust root from a previously pinned public key
// (identity/owner.pub on disk). An empty slice means no owner has been
// pinned yet.
func LoadTrustRoot(ownerPub []byte) *TrustRoot {
	t := NewTrustRoot()
	if len(ownerPub) == ed25519.PublicKeySize {
		t.pinned = true
		t.ownerPK = ownerPub
	}
	return t
}

// Trust pins pub as the trusted owner. Idempotent for the same key; any
// attempt to pin a different key once one is pinned fails loudly with
// ErrTrustConflict, per spec section 4.1.
func (t *TrustRoot) Trust(pub ed25519.PublicKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.pinned {
		t.pinned = true
		t.ownerPK = pub
		t.log.Info().Str("owner", hex.EncodeToString(pub)).Msg("owner key pinned (TOFU)")
		return nil
	}
	if !t.ownerPK.Equal(pub) {
		t.log.Error().
			Str("pinned", hex.EncodeToString(t.ownerPK)).
			Str("rejected", hex.EncodeToString(pub)).
			Msg("rejected attempt to re-pin owner to a different key")
		return ErrTrustConflict
	}
	return nil
}

// Pinned reports whether an owner key is pinned and returns it.
func (t *TrustRoot) Pinned() (ed25519.PublicKey, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.pinned {
		return nil, false
	}
	cp := make(ed25519.PublicKey, len(t.ownerPK))
	copy(cp, t.ownerPK)
	return cp, true
}

// Verify checks that sig is a valid ed25519 signature by the pinned owner
// over canonicalBytes, and that ownerPub matches the pinned key exactly.
// Per spec section 4.1/4.3: wrong owner, missing signature, or signature
// mismatch are all rejection conditions, not errors that halt the agent.
func (t *TrustRoot) Verify(ownerPub ed25519.PublicKey, canonicalBytes, sig []byte) error {
	pinned, ok := t.Pinned()
	if !ok {
		return ErrNotTrusted
	}
	if !pinned.Equal(ownerPub) {
		return fmt.Errorf("envelope signed by non-pinned owner %s", hex.EncodeToString(ownerPub))
	}
	if !ed25519.Verify(ownerPub, canonicalBytes, sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}
