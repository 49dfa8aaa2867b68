// Package signer implements detached JWS signing over Ed25519 (RFC 7797,
// b64=false) and a KeyRing for kid-scoped key resolution and rotation.
package signer

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"

	"ubl-gate/ublerr"
)

const (
	alg = "EdDSA"
	typ = "ubl/rc+json"
)

// protectedHeader is always rendered with the same three keys, so the
// signing input is stable byte-for-byte across implementations.
type protectedHeader struct {
	Alg string `json:"alg"`
	B64 bool   `json:"b64"`
	Typ string `json:"typ"`
}

// Signature is a detached JWS: protected header and signature travel
// together, but the payload is never embedded and must be carried
// separately by the caller.
type Signature struct {
	Protected string `json:"protected"`
	Kid       string `json:"kid"`
	Signature string `json:"signature"`
}

// Sign produces a detached JWS over payload using priv, identified by kid.
// Ed25519 signatures are deterministic given (key, message), so Sign is
// deterministic given (priv, kid, payload).
func Sign(kid string, priv ed25519.PrivateKey, payload []byte) (Signature, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return Signature{}, ublerr.New(ublerr.KindValidation, "SIGN.KEY_SIZE", "private key must be 64 bytes")
	}
	hdr := protectedHeader{Alg: alg, B64: false, Typ: typ}
	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		return Signature{}, ublerr.Wrap(ublerr.KindInternal, "SIGN.HEADER", "failed to encode protected header", err)
	}
	protectedB64 := base64.RawURLEncoding.EncodeToString(hdrJSON)

	signingInput := append([]byte(protectedB64+"."), payload...)
	sig := ed25519.Sign(priv, signingInput)

	return Signature{
		Protected: protectedB64,
		Kid:       kid,
		Signature: base64.RawURLEncoding.EncodeToString(sig),
	}, nil
}

// Verify checks a detached JWS against payload and the public key
// identified by sig.Kid, resolved through ring.
func Verify(ring *KeyRing, sig Signature, payload []byte) error {
	pub, ok := ring.Resolve(sig.Kid)
	if !ok {
		return ublerr.New(ublerr.KindAuth, "SIGN.UNKNOWN_KID", "no key registered for kid "+sig.Kid)
	}
	rawSig, err := base64.RawURLEncoding.DecodeString(sig.Signature)
	if err != nil {
		return ublerr.Wrap(ublerr.KindValidation, "SIGN.BAD_SIGNATURE", "signature is not valid base64url", err)
	}
	signingInput := append([]byte(sig.Protected+"."), payload...)
	if !ed25519.Verify(pub, signingInput, rawSig) {
		return ublerr.New(ublerr.KindIntegrity, "SIGN.VERIFY_FAILED", "signature does not verify against payload")
	}
	return nil
}
