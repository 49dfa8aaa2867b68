package cas

import (
	"context"
	"os"
	"testing"

	ublcid "ubl-gate/cid"
)

func TestMemPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	id, err := m.Put(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !m.Has(ctx, id) {
		t.Fatal("expected Has true after Put")
	}
	got, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestMemPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	id1, _ := m.Put(ctx, []byte("x"))
	id2, _ := m.Put(ctx, []byte("x"))
	if id1 != id2 {
		t.Fatalf("expected same CID, got %s and %s", id1, id2)
	}
}

func TestMemGetMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	absent := ublcid.Of([]byte("never-stored"))
	_, err := m.Get(ctx, absent)
	if !IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()
	shared := NewTenantMem()
	a := shared.For("tenant-a")
	b := shared.For("tenant-b")

	id, err := a.Put(ctx, []byte("secret"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if b.Has(ctx, id) {
		t.Fatal("tenant-b must not see tenant-a's object")
	}
	if _, err := b.Get(ctx, id); !IsNotFound(err) {
		t.Fatalf("expected not-found for cross-tenant lookup, got %v", err)
	}
}

func TestFileCASRoundTripAndImmutability(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f, err := NewFile(dir)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	id, err := f.Put(ctx, []byte("payload"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Re-putting identical bytes is a no-op success.
	if _, err := f.Put(ctx, []byte("payload")); err != nil {
		t.Fatalf("idempotent Put: %v", err)
	}
	got, err := f.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q", got)
	}

	// Corrupt the stored file to simulate storage bit-rot.
	path := f.pathFor(id)
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := os.WriteFile(path, []byte("corrupted"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := f.Get(ctx, id); err == nil {
		t.Fatal("expected CID mismatch error on corrupted object")
	}
}

func TestFallbackOrderedRead(t *testing.T) {
	ctx := context.Background()
	primary := NewMem()
	secondary := NewMem()
	id, _ := secondary.Put(ctx, []byte("only-in-secondary"))

	f := Fallback{Backends: []CAS{primary, secondary}}
	got, err := f.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "only-in-secondary" {
		t.Fatalf("got %q", got)
	}
}
