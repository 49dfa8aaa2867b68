package rbvm

import (
	"context"
	"encoding/binary"
	"testing"

	"ubl-gate/cas"
	ublcid "ubl-gate/cid"
	"ubl-gate/signer"
)

type fixedSigner struct {
	kp signer.KeyPair
}

func (f fixedSigner) SignDefault(_ context.Context, body []byte) (signer.Signature, error) {
	return signer.Sign(f.kp.Kid, f.kp.Private, body)
}

func newTestVM(t *testing.T, fuel uint64) (*Vm, *cas.MemCAS) {
	t.Helper()
	store := cas.NewMem()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = 7
	}
	kp, err := signer.GenerateFromSeed("did:dev#k1", seed)
	if err != nil {
		t.Fatalf("GenerateFromSeed: %v", err)
	}
	vm := New(VmConfig{FuelLimit: fuel}, store, fixedSigner{kp}, nil, ExecContext{
		ModuleID:  ublcid.Of([]byte("module")),
		RbCID:     ublcid.Of([]byte("rb")),
		InputsCID: ublcid.Of([]byte("inputs")),
	})
	return vm, store
}

func i64Bytes(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func TestArithmeticAndEmit(t *testing.T) {
	vm, _ := newTestVM(t, 1000)
	code := []byte{}
	code = append(code, EncodeFrame(OpConstI64, i64Bytes(2))...)
	code = append(code, EncodeFrame(OpConstI64, i64Bytes(3))...)
	code = append(code, EncodeFrame(OpAddI64, nil)...)
	code = append(code, EncodeFrame(OpDrop, nil)...) // drop the I64 sum so the bytes pushed next are on top
	code = append(code, EncodeFrame(OpConstBytes, []byte(`{"sum":5}`))...)
	code = append(code, EncodeFrame(OpSetRcBody, nil)...)
	code = append(code, EncodeFrame(OpEmitRc, nil)...)

	frames, err := Decode(code)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	res, err := vm.Run(context.Background(), frames)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Emitted {
		t.Fatal("expected receipt to be emitted")
	}
	if string(res.RcBody) != `{"sum":5}` {
		t.Fatalf("got %s", res.RcBody)
	}
}

func TestStackUnderflow(t *testing.T) {
	vm, _ := newTestVM(t, 1000)
	frames, _ := Decode(EncodeFrame(OpAddI64, nil))
	_, err := vm.Run(context.Background(), frames)
	if err == nil {
		t.Fatal("expected error")
	}
	ve, ok := err.(*Error)
	if !ok || ve.Code != ErrStackUnderflow {
		t.Fatalf("expected STACK.UNDERFLOW, got %v", err)
	}
}

func TestTypeMismatch(t *testing.T) {
	vm, _ := newTestVM(t, 1000)
	code := append(EncodeFrame(OpConstBytes, []byte("x")), EncodeFrame(OpAddI64, nil)...)
	frames, _ := Decode(code)
	_, err := vm.Run(context.Background(), frames)
	ve, ok := err.(*Error)
	if !ok || ve.Code != ErrTypeMismatch {
		t.Fatalf("expected TYPE.MISMATCH, got %v", err)
	}
}

func TestFuelExhaustion(t *testing.T) {
	vm, _ := newTestVM(t, 2)
	code := append(EncodeFrame(OpConstI64, i64Bytes(1)), EncodeFrame(OpConstI64, i64Bytes(1))...)
	code = append(code, EncodeFrame(OpAddI64, nil)...)
	frames, _ := Decode(code)
	_, err := vm.Run(context.Background(), frames)
	ve, ok := err.(*Error)
	if !ok || ve.Code != ErrFuelExhaust {
		t.Fatalf("expected FUEL.EXHAUST, got %v", err)
	}
}

func TestIntegerOverflow(t *testing.T) {
	vm, _ := newTestVM(t, 1000)
	code := append(EncodeFrame(OpConstI64, i64Bytes(1<<62)), EncodeFrame(OpConstI64, i64Bytes(1<<62))...)
	code = append(code, EncodeFrame(OpAddI64, nil)...)
	frames, _ := Decode(code)
	_, err := vm.Run(context.Background(), frames)
	ve, ok := err.(*Error)
	if !ok || ve.Code != ErrIntOverflow {
		t.Fatalf("expected INT.OVERFLOW, got %v", err)
	}
}

func TestCasPutGetRoundTrip(t *testing.T) {
	vm, store := newTestVM(t, 1000)
	code := append(EncodeFrame(OpConstBytes, []byte("payload")), EncodeFrame(OpCasPut, nil)...)
	code = append(code, EncodeFrame(OpCasGetStack, nil)...)
	code = append(code, EncodeFrame(OpSetRcBody, nil)...)
	code = append(code, EncodeFrame(OpEmitRc, nil)...)
	frames, _ := Decode(code)
	res, err := vm.Run(context.Background(), frames)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(res.RcBody) != "payload" {
		t.Fatalf("got %s", res.RcBody)
	}
	if !store.Has(context.Background(), ublcid.Of([]byte("payload"))) {
		t.Fatal("expected CAS_PUT to have stored the payload")
	}
}

func TestCasMiss(t *testing.T) {
	vm, _ := newTestVM(t, 1000)
	absent := ublcid.Of([]byte("never-stored"))
	raw := rawBytesOfCID(absent)
	frames, _ := Decode(EncodeFrame(OpCasGetImm, raw))
	_, err := vm.Run(context.Background(), frames)
	ve, ok := err.(*Error)
	if !ok || ve.Code != ErrCasMiss {
		t.Fatalf("expected CAS.MISS, got %v", err)
	}
}

type alwaysFalseValidator struct{}

func (alwaysFalseValidator) Validate(context.Context, ublcid.CID, []byte) (bool, error) {
	return false, nil
}

func TestAssertFail(t *testing.T) {
	vm, _ := newTestVM(t, 1000)
	vm.schema = alwaysFalseValidator{}
	schemaCID := rawBytesOfCID(ublcid.Of([]byte("schema")))
	code := append(EncodeFrame(OpConstBytes, []byte(`{"a":1}`)), EncodeFrame(OpJSONValidate, schemaCID)...)
	code = append(code, EncodeFrame(OpAssertTrue, nil)...)
	frames, _ := Decode(code)
	_, err := vm.Run(context.Background(), frames)
	ve, ok := err.(*Error)
	if !ok || ve.Code != ErrAssertFail {
		t.Fatalf("expected ASSERT.FAIL, got %v", err)
	}
}

func TestRcNotset(t *testing.T) {
	vm, _ := newTestVM(t, 1000)
	frames, _ := Decode(EncodeFrame(OpEmitRc, nil))
	_, err := vm.Run(context.Background(), frames)
	ve, ok := err.(*Error)
	if !ok || ve.Code != ErrRcNotset {
		t.Fatalf("expected RC.NOTSET, got %v", err)
	}
}

func TestVarintRejectsNonMinimalEncoding(t *testing.T) {
	// 0x81 0x00 is a non-minimal 2-byte encoding of 1 (which fits in 1 byte: 0x01).
	bad := []byte{byte(OpDrop), 0x81, 0x00}
	if _, err := Decode(bad); err == nil {
		t.Fatal("expected rejection of non-minimal varint")
	}
}

func TestContextGet(t *testing.T) {
	vm, _ := newTestVM(t, 1000)
	code := append(EncodeFrame(OpContextGet, []byte{CtxModuleID}), EncodeFrame(OpDrop, nil)...)
	frames, _ := Decode(code)
	if _, err := vm.Run(context.Background(), frames); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestDeterministicFuelAccounting(t *testing.T) {
	run := func() uint64 {
		vm, _ := newTestVM(t, 10000)
		code := append(EncodeFrame(OpConstBytes, []byte("payload")), EncodeFrame(OpCasPut, nil)...)
		code = append(code, EncodeFrame(OpDrop, nil)...)
		frames, _ := Decode(code)
		res, err := vm.Run(context.Background(), frames)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return res.FuelSpent
	}
	a := run()
	b := run()
	if a != b {
		t.Fatalf("expected deterministic fuel accounting, got %d and %d", a, b)
	}
}
