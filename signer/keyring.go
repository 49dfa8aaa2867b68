package signer

import (
	"crypto/ed25519"
	"crypto/sha256"
	"sync"

	"ubl-gate/ublerr"
)

const roleKDFDomain = "ubl-gate-keyring-v1"

// DeriveRoleSeed derives a per-role Ed25519 seed from a root seed, so a
// single root secret can mint many role-scoped signing identities without
// storing each seed independently.
func DeriveRoleSeed(rootSeed []byte, role string) []byte {
	h := sha256.New()
	h.Write(rootSeed)
	h.Write([]byte{0})
	h.Write([]byte(roleKDFDomain))
	h.Write([]byte{0})
	h.Write([]byte("role:" + role))
	sum := h.Sum(nil)
	return sum[:ed25519.SeedSize]
}

// KeyPair is a signing identity bound to a kid.
type KeyPair struct {
	Kid     string
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateFromSeed deterministically derives a KeyPair from a 32-byte seed.
func GenerateFromSeed(kid string, seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, ublerr.New(ublerr.KindValidation, "SIGN.SEED_SIZE", "seed must be 32 bytes")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return KeyPair{Kid: kid, Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// KeyRing resolves kids to public keys and tracks the currently active
// signing identity. Readers never observe a torn rotation: Rotate swaps in
// a fresh copy of the ring's internal map under lock rather than mutating
// the map in place.
type KeyRing struct {
	mu      sync.RWMutex
	keys    map[string]ed25519.PublicKey
	active  KeyPair
	hasAct  bool
}

// NewKeyRing builds a ring with no keys registered.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]ed25519.PublicKey)}
}

// Add registers a public key under kid, making it resolvable for
// verification. It does not change the active signing key.
func (r *KeyRing) Add(kid string, pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]ed25519.PublicKey, len(r.keys)+1)
	for k, v := range r.keys {
		next[k] = v
	}
	next[kid] = pub
	r.keys = next
}

// Resolve looks up the public key registered for kid.
func (r *KeyRing) Resolve(kid string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.keys[kid]
	return pub, ok
}

// Rotate installs kp as the active signing identity and registers its
// public half for verification, in one atomic step.
func (r *KeyRing) Rotate(kp KeyPair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]ed25519.PublicKey, len(r.keys)+1)
	for k, v := range r.keys {
		next[k] = v
	}
	next[kp.Kid] = kp.Public
	r.keys = next
	r.active = kp
	r.hasAct = true
}

// Active returns the current signing identity.
func (r *KeyRing) Active() (KeyPair, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active, r.hasAct
}
