package rbvm

import (
	"context"

	ublcid "ubl-gate/cid"
	"ubl-gate/signer"
)

// ValueKind tags a stack entry.
type ValueKind byte

const (
	ValI64 ValueKind = iota
	ValBytes
	ValCID
	ValBool
)

// StackValue is a tagged (type, bytes) stack entry.
type StackValue struct {
	Kind  ValueKind
	I64   int64
	Bytes []byte // meaningful for ValBytes and ValCID (32 raw bytes)
	Bool  bool
}

// CasProvider is the VM's only read/write boundary to the outside world.
type CasProvider interface {
	Get(ctx context.Context, id ublcid.CID) ([]byte, error)
	Put(ctx context.Context, data []byte) (ublcid.CID, error)
}

// SignProvider supplies SIGN_DEFAULT_ED with the execution's default
// signing identity.
type SignProvider interface {
	SignDefault(ctx context.Context, body []byte) (signer.Signature, error)
}

// SchemaValidator backs JSON_VALIDATE: it fetches the schema referenced by
// CID and reports whether data conforms.
type SchemaValidator interface {
	Validate(ctx context.Context, schemaCID ublcid.CID, data []byte) (bool, error)
}

// ExecContext is the fixed, reserved context available via CONTEXT_GET.
type ExecContext struct {
	ModuleID  ublcid.CID
	RbCID     ublcid.CID
	InputsCID ublcid.CID
}

// VmConfig bounds one execution.
type VmConfig struct {
	FuelLimit uint64
	MaxDepth  int
	Ghost     bool
}

// Proof is an attached proof over the current RC body: either raw bytes
// supplied directly via ATTACH_PROOF, or a signer.Signature produced by
// SIGN_DEFAULT_ED and encoded with encoding/json (struct field order, not
// NRF-1.1 canonical form).
type Proof struct {
	Bytes []byte
}

// Result is the terminal state of a VM run: the emitted receipt bytes (if
// EMIT_RC executed), proofs attached, metadata recorded, and resource
// usage for the Transition receipt's witness.
type Result struct {
	Emitted   bool
	RcBody    []byte
	Proofs    []Proof
	Meta      [][]byte
	FuelSpent uint64
	Steps     int
}
