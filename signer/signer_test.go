package signer

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func decodeB64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

func fixedSeed(b byte) []byte {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = b
	}
	return seed
}

func TestSignAndVerify(t *testing.T) {
	kp, err := GenerateFromSeed("did:dev#k1", fixedSeed(7))
	if err != nil {
		t.Fatalf("GenerateFromSeed: %v", err)
	}
	ring := NewKeyRing()
	ring.Add(kp.Kid, kp.Public)

	payload := []byte(`{"hello":"world"}`)
	sig, err := Sign(kp.Kid, kp.Private, payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := Verify(ring, sig, payload); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	kp, _ := GenerateFromSeed("did:dev#k1", fixedSeed(1))
	ring := NewKeyRing()
	ring.Add(kp.Kid, kp.Public)
	sig, _ := Sign(kp.Kid, kp.Private, []byte("original"))
	if err := Verify(ring, sig, []byte("tampered")); err == nil {
		t.Fatal("expected verification failure on tampered payload")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	kp1, _ := GenerateFromSeed("k1", fixedSeed(1))
	kp2, _ := GenerateFromSeed("k2", fixedSeed(2))
	ring := NewKeyRing()
	ring.Add(kp2.Kid, kp2.Public)
	sig, _ := Sign(kp1.Kid, kp1.Private, []byte("payload"))
	if err := Verify(ring, sig, []byte("payload")); err == nil {
		t.Fatal("expected rejection: kid not registered")
	}
}

func TestDeterministicSignature(t *testing.T) {
	kp, _ := GenerateFromSeed("k1", fixedSeed(9))
	a, _ := Sign(kp.Kid, kp.Private, []byte("payload"))
	b, _ := Sign(kp.Kid, kp.Private, []byte("payload"))
	if a.Signature != b.Signature || a.Protected != b.Protected {
		t.Fatal("expected deterministic signature output")
	}
}

func TestProtectedHeaderContainsB64False(t *testing.T) {
	kp, _ := GenerateFromSeed("k1", fixedSeed(3))
	sig, _ := Sign(kp.Kid, kp.Private, []byte("x"))
	decoded, err := decodeB64URL(sig.Protected)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Contains(decoded, []byte(`"b64":false`)) {
		t.Fatalf("protected header missing b64:false: %s", decoded)
	}
}

func TestRoleSeedDerivationIsDeterministic(t *testing.T) {
	root := fixedSeed(42)
	a := DeriveRoleSeed(root, "issuer")
	b := DeriveRoleSeed(root, "issuer")
	c := DeriveRoleSeed(root, "verifier")
	if !bytes.Equal(a, b) {
		t.Fatal("expected deterministic role seed derivation")
	}
	if bytes.Equal(a, c) {
		t.Fatal("expected different roles to derive different seeds")
	}
}

func TestKeyRingRotatePreservesOldKidForVerification(t *testing.T) {
	ring := NewKeyRing()
	kp1, _ := GenerateFromSeed("k1", fixedSeed(1))
	kp2, _ := GenerateFromSeed("k2", fixedSeed(2))
	ring.Rotate(kp1)
	ring.Rotate(kp2)

	active, ok := ring.Active()
	if !ok || active.Kid != "k2" {
		t.Fatalf("expected active kid k2, got %+v ok=%v", active, ok)
	}
	if _, ok := ring.Resolve("k1"); !ok {
		t.Fatal("expected k1 to remain resolvable after rotation")
	}
}
