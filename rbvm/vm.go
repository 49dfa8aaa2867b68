package rbvm

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"ubl-gate/canon"
	ublcid "ubl-gate/cid"
)

const (
	baseCost       uint64 = 1
	perByteCASCost uint64 = 1
)

// VmTag identifies this VM revision in a Transition receipt's witness.
const VmTag = "rb-vm/1"

// Vm is a single RB-VM execution: no clock, no randomness, no filesystem
// or network beyond the CasProvider and SignProvider it was built with.
type Vm struct {
	cfg      VmConfig
	cas      CasProvider
	signer   SignProvider
	schema   SchemaValidator
	execCtx  ExecContext

	stack     []StackValue
	fuelUsed  uint64
	steps     int
	rcBody    []byte
	hasRcBody bool
	emitted   bool
	proofs    []Proof
	meta      [][]byte
}

// New builds a Vm bound to the given providers, config and reserved
// execution context.
func New(cfg VmConfig, cas CasProvider, sign SignProvider, schema SchemaValidator, execCtx ExecContext) *Vm {
	return &Vm{cfg: cfg, cas: cas, signer: sign, schema: schema, execCtx: execCtx}
}

func (v *Vm) charge(units uint64) error {
	next := v.fuelUsed + units
	if next < v.fuelUsed || next > v.cfg.FuelLimit {
		return newVMError(ErrFuelExhaust, "fuel limit exceeded")
	}
	v.fuelUsed = next
	return nil
}

func (v *Vm) push(s StackValue) { v.stack = append(v.stack, s) }

func (v *Vm) pop() (StackValue, error) {
	if len(v.stack) == 0 {
		return StackValue{}, newVMError(ErrStackUnderflow, "pop on empty stack")
	}
	top := v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]
	return top, nil
}

func (v *Vm) popKind(k ValueKind) (StackValue, error) {
	s, err := v.pop()
	if err != nil {
		return StackValue{}, err
	}
	if s.Kind != k {
		return StackValue{}, newVMError(ErrTypeMismatch, "operand type mismatch")
	}
	return s, nil
}

// Run executes already-decoded frames (see Decode). It processes one frame at
// a time, left to right; the current opcode set has no branching, so depth
// is bounded by the single top-level call (MaxDepth enforcement is a no-op
// reservation for a future revision that adds control flow).
func (v *Vm) Run(ctx context.Context, frames []Frame) (Result, error) {
	for _, f := range frames {
		v.steps++
		if err := v.charge(baseCost); err != nil {
			return v.result(), err
		}
		if err := v.exec(ctx, f); err != nil {
			if ve, ok := err.(*Error); ok && ve.Code == errEmitHalt {
				return v.result(), nil
			}
			return v.result(), err
		}
	}
	return v.result(), nil
}

// errEmitHalt is an internal sentinel code (not part of the spec's
// enumerated error table) used to unwind Run cleanly once EMIT_RC
// finalizes the receipt; Run translates it back into a non-error return.
const errEmitHalt Code = 0xffff

func (v *Vm) result() Result {
	return Result{
		Emitted:   v.emitted && len(v.rcBody) > 0,
		RcBody:    v.rcBody,
		Proofs:    v.proofs,
		Meta:      v.meta,
		FuelSpent: v.fuelUsed,
		Steps:     v.steps,
	}
}

func (v *Vm) exec(ctx context.Context, f Frame) error {
	switch f.Op {
	case OpConstI64:
		if len(f.Value) != 8 {
			return newVMError(ErrTypeMismatch, "CONST_I64 requires an 8-byte immediate")
		}
		v.push(StackValue{Kind: ValI64, I64: int64(binary.BigEndian.Uint64(f.Value))})
		return nil

	case OpConstBytes:
		v.push(StackValue{Kind: ValBytes, Bytes: append([]byte(nil), f.Value...)})
		return nil

	case OpConstCID:
		if len(f.Value) != 32 {
			return newVMError(ErrTypeMismatch, "CONST_CID requires a 32-byte immediate")
		}
		v.push(StackValue{Kind: ValCID, Bytes: append([]byte(nil), f.Value...)})
		return nil

	case OpCasGetImm:
		if len(f.Value) != 32 {
			return newVMError(ErrTypeMismatch, "CAS_GET_IMM requires a 32-byte CID immediate")
		}
		id := cidFromRawBytes(f.Value)
		data, err := v.cas.Get(ctx, id)
		if err != nil {
			return newVMError(ErrCasMiss, "CAS_GET_IMM: object not found")
		}
		if err := v.charge(perByteCASCost * uint64(len(data))); err != nil {
			return err
		}
		v.push(StackValue{Kind: ValBytes, Bytes: data})
		return nil

	case OpHashBlake3:
		b, err := v.popKind(ValBytes)
		if err != nil {
			return err
		}
		id := ublcid.Of(b.Bytes)
		v.push(StackValue{Kind: ValCID, Bytes: rawBytesOfCID(id)})
		return nil

	case OpCasPut:
		b, err := v.popKind(ValBytes)
		if err != nil {
			return err
		}
		if err := v.charge(perByteCASCost * uint64(len(b.Bytes))); err != nil {
			return err
		}
		id, err := v.cas.Put(ctx, b.Bytes)
		if err != nil {
			return newVMError(ErrCasMiss, "CAS_PUT failed")
		}
		v.push(StackValue{Kind: ValCID, Bytes: rawBytesOfCID(id)})
		return nil

	case OpCasGetStack:
		c, err := v.popKind(ValCID)
		if err != nil {
			return err
		}
		id := cidFromRawBytes(c.Bytes)
		data, err := v.cas.Get(ctx, id)
		if err != nil {
			return newVMError(ErrCasMiss, "CAS_GET_STACK: object not found")
		}
		if err := v.charge(perByteCASCost * uint64(len(data))); err != nil {
			return err
		}
		v.push(StackValue{Kind: ValBytes, Bytes: data})
		return nil

	case OpAddI64, OpSubI64, OpMulI64:
		b, err := v.popKind(ValI64)
		if err != nil {
			return err
		}
		a, err := v.popKind(ValI64)
		if err != nil {
			return err
		}
		res, ok := checkedArith(f.Op, a.I64, b.I64)
		if !ok {
			return newVMError(ErrIntOverflow, "integer arithmetic overflow")
		}
		v.push(StackValue{Kind: ValI64, I64: res})
		return nil

	case OpCmpI64:
		b, err := v.popKind(ValI64)
		if err != nil {
			return err
		}
		a, err := v.popKind(ValI64)
		if err != nil {
			return err
		}
		var c int64
		switch {
		case a.I64 < b.I64:
			c = -1
		case a.I64 > b.I64:
			c = 1
		}
		v.push(StackValue{Kind: ValI64, I64: c})
		return nil

	case OpJSONNormalize:
		b, err := v.popKind(ValBytes)
		if err != nil {
			return err
		}
		out, err := canon.Canonicalize(b.Bytes)
		if err != nil {
			return newVMError(ErrTypeMismatch, "JSON_NORMALIZE: input is not canonicalizable")
		}
		v.push(StackValue{Kind: ValBytes, Bytes: out})
		return nil

	case OpJSONValidate:
		if len(f.Value) != 32 {
			return newVMError(ErrTypeMismatch, "JSON_VALIDATE requires a 32-byte schema CID immediate")
		}
		b, err := v.popKind(ValBytes)
		if err != nil {
			return err
		}
		if v.schema == nil {
			return newVMError(ErrCasMiss, "JSON_VALIDATE: no schema validator configured")
		}
		ok, err := v.schema.Validate(ctx, cidFromRawBytes(f.Value), b.Bytes)
		if err != nil {
			return newVMError(ErrCasMiss, "JSON_VALIDATE: schema lookup failed")
		}
		v.push(StackValue{Kind: ValBool, Bool: ok})
		return nil

	case OpAssertTrue:
		b, err := v.popKind(ValBool)
		if err != nil {
			return err
		}
		if !b.Bool {
			return newVMError(ErrAssertFail, "ASSERT_TRUE: condition was false")
		}
		return nil

	case OpSetRcBody:
		b, err := v.popKind(ValBytes)
		if err != nil {
			return err
		}
		v.rcBody = b.Bytes
		v.hasRcBody = true
		return nil

	case OpAttachProof:
		b, err := v.popKind(ValBytes)
		if err != nil {
			return err
		}
		v.proofs = append(v.proofs, Proof{Bytes: b.Bytes})
		return nil

	case OpSignDefaultEd:
		if !v.hasRcBody {
			return newVMError(ErrRcNotset, "SIGN_DEFAULT_ED: RC_BODY not set")
		}
		if v.signer == nil {
			return newVMError(ErrCasMiss, "SIGN_DEFAULT_ED: no signer configured")
		}
		sig, err := v.signer.SignDefault(ctx, v.rcBody)
		if err != nil {
			return newVMError(ErrCasMiss, "SIGN_DEFAULT_ED: signing failed")
		}
		sigJSON, err := json.Marshal(sig)
		if err != nil {
			return newVMError(ErrCasMiss, "SIGN_DEFAULT_ED: failed to encode signature")
		}
		v.proofs = append(v.proofs, Proof{Bytes: sigJSON})
		return nil

	case OpAddMeta:
		b, err := v.popKind(ValBytes)
		if err != nil {
			return err
		}
		v.meta = append(v.meta, b.Bytes)
		return nil

	case OpEmitRc:
		if !v.hasRcBody {
			return newVMError(ErrRcNotset, "EMIT_RC: RC_BODY not set")
		}
		v.emitted = true
		return &Error{Code: errEmitHalt, Message: "receipt emitted"}

	case OpContextGet:
		if len(f.Value) != 1 {
			return newVMError(ErrTypeMismatch, "CONTEXT_GET requires a 1-byte index immediate")
		}
		switch f.Value[0] {
		case CtxModuleID:
			v.push(StackValue{Kind: ValCID, Bytes: rawBytesOfCID(v.execCtx.ModuleID)})
		case CtxRbCID:
			v.push(StackValue{Kind: ValCID, Bytes: rawBytesOfCID(v.execCtx.RbCID)})
		case CtxInputsCID:
			v.push(StackValue{Kind: ValCID, Bytes: rawBytesOfCID(v.execCtx.InputsCID)})
		default:
			return newVMError(ErrTypeMismatch, "CONTEXT_GET: reserved or unknown index")
		}
		return nil

	case OpDrop:
		_, err := v.pop()
		return err

	default:
		return newVMError(ErrTypeMismatch, "unknown opcode")
	}
}

func checkedArith(op Op, a, b int64) (int64, bool) {
	switch op {
	case OpAddI64:
		r := a + b
		if (r > a) != (b > 0) && b != 0 {
			return 0, false
		}
		return r, true
	case OpSubI64:
		r := a - b
		if (r < a) != (b > 0) && b != 0 {
			return 0, false
		}
		return r, true
	case OpMulI64:
		if a == 0 || b == 0 {
			return 0, true
		}
		if b == -1 && a == -1<<63 {
			return 0, false
		}
		r := a * b
		if r/b != a {
			return 0, false
		}
		return r, true
	}
	return 0, false
}
