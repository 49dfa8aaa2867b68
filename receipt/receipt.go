// Package receipt implements the universal receipt envelope and its three
// pipeline specializations (WA, Transition, WF) plus the Wasm adapter's
// Attestation variant. A receipt's body is the only input to its body_cid;
// everything else on the envelope — proof, observability — is non-identity
// bearing and can be changed freely without moving the CID (the Byte Law).
package receipt

import (
	"context"
	"encoding/json"

	"ubl-gate/canon"
	"ubl-gate/cas"
	ublcid "ubl-gate/cid"
	"ubl-gate/policy"
	"ubl-gate/signer"
	"ubl-gate/ublerr"
)

// Kind discriminates the four receipt variants.
type Kind string

const (
	KindWA          Kind = "ubl/wa"
	KindTransition  Kind = "ubl/transition"
	KindWF          Kind = "ubl/wf"
	KindAttestation Kind = "ubl/attestation"
)

// Decision is a WF's terminal outcome.
type Decision string

const (
	Allow Decision = "ALLOW"
	Deny  Decision = "DENY"
)

// Body is implemented by every kind-specific payload. MarshalCanonical
// produces the exact bytes that get hashed into body_cid — the canonicalizer
// never sees anything else.
type Body interface {
	MarshalCanonical() ([]byte, error)
}

func marshalCanonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, ublerr.Wrap(ublerr.KindInternal, "RECEIPT.ENCODE", "failed to encode receipt body", err)
	}
	return canon.Canonicalize(raw)
}

// Artifacts names the CAS-resident input/output of one execution.
// OutputCID is null until render succeeds (and stays null on DENY). Its tag
// has no omitempty, so encoding/json writes "output_cid":null, but
// canonicalization strips null members: a null OutputCID is absent from the
// canonical body bytes.
type Artifacts struct {
	InputCID  *ublcid.CID `json:"input_cid,omitempty"`
	OutputCID *ublcid.CID `json:"output_cid"`
}

// Environment names the caller identity and context the WA captured intent
// under.
type Environment struct {
	CallerDID string `json:"caller_did,omitempty"`
	ContextID string `json:"context_id,omitempty"`
}

// WABody is the write-ahead body: captured intent before any execution.
// Vars holds each caller-supplied variable already rendered to its
// canonical JSON encoding, so the body's own canonicalization pass sorts
// and strips consistently no matter how the in-memory canon.Value looked.
type WABody struct {
	ChipRef     string                     `json:"chip_ref"`
	Vars        map[string]json.RawMessage `json:"vars"`
	Environment Environment                `json:"environment"`
	Artifacts   Artifacts                  `json:"artifacts"`
}

func (b WABody) MarshalCanonical() ([]byte, error) { return marshalCanonical(b) }

// Witness records what the RB-VM run actually spent and produced.
type Witness struct {
	VMTag       string     `json:"vm_tag"`
	BytecodeCID ublcid.CID `json:"bytecode_cid"`
	FuelSpent   uint64     `json:"fuel_spent"`
}

// TransitionBody proves a layer −1 → layer 0 jump.
type TransitionBody struct {
	FromLayer      string     `json:"from_layer"`
	ToLayer        string     `json:"to_layer"`
	PreimageRawCID ublcid.CID `json:"preimage_raw_cid"`
	RhoCID         ublcid.CID `json:"rho_cid"`
	Witness        Witness    `json:"witness"`
}

func (b TransitionBody) MarshalCanonical() ([]byte, error) { return marshalCanonical(b) }

// WFBody is the write-after body: the outcome.
type WFBody struct {
	Decision    Decision     `json:"decision"`
	Reason      *string      `json:"reason"`
	RuleID      *string      `json:"rule_id"`
	Artifacts   Artifacts    `json:"artifacts"`
	SubReceipts []ublcid.CID `json:"sub_receipts,omitempty"`
}

func (b WFBody) MarshalCanonical() ([]byte, error) { return marshalCanonical(b) }

// AttestationBody is the Wasm adapter's receipt: it describes an
// acquisition, never the acquired bytes themselves (those live at
// FrozenCID in the CAS).
type AttestationBody struct {
	AdapterType  string     `json:"adapter_type"`
	Source       string     `json:"source"`
	AcquiredSize int64      `json:"acquired_size"`
	FrozenCID    ublcid.CID `json:"frozen_cid"`
}

func (b AttestationBody) MarshalCanonical() ([]byte, error) { return marshalCanonical(b) }

// TimelineEvent is one named point in a stage's execution; the timestamp,
// if any, is the boundary's concern — the core only records stage names and
// ordering here, never a wall-clock value, since observability is never
// hashed and must stay reproducible in tests regardless.
type TimelineEvent struct {
	Stage string `json:"stage"`
	Note  string `json:"note,omitempty"`
}

// Observability is never hashed into body_cid (the Byte Law). It carries
// the policy trace, ghost flag, and retry hint the boundary surfaces.
type Observability struct {
	Stage       string              `json:"stage,omitempty"`
	Timeline    []TimelineEvent     `json:"timeline,omitempty"`
	PolicyTrace []policy.TraceEntry `json:"policy_trace,omitempty"`
	Ghost       bool                `json:"ghost,omitempty"`
	Retry       bool                `json:"retry,omitempty"`
}

// Envelope is the universal wrapper every receipt kind is returned as.
type Envelope struct {
	T             Kind              `json:"t"`
	Parents       []ublcid.CID      `json:"parents"`
	Body          json.RawMessage   `json:"body"`
	BodyCID       ublcid.CID        `json:"body_cid"`
	Proof         *signer.Signature `json:"proof,omitempty"`
	Observability Observability     `json:"observability,omitempty"`
}

// Build canonicalizes body, stores it, signs it with the ring's active key,
// and returns the finished envelope. A receipt is visible only after this
// call returns without error — storage and signature both succeeded.
func Build(ctx context.Context, kind Kind, parents []ublcid.CID, body Body, store cas.CAS, ring *signer.KeyRing, obs Observability) (Envelope, error) {
	canonBody, err := body.MarshalCanonical()
	if err != nil {
		return Envelope{}, err
	}
	bodyCID := ublcid.Of(canonBody)
	if _, err := store.Put(ctx, canonBody); err != nil {
		return Envelope{}, ublerr.Wrap(ublerr.KindResource, "RECEIPT.STORE_FAILED", "failed to store receipt body", err)
	}
	kp, ok := ring.Active()
	if !ok {
		return Envelope{}, ublerr.New(ublerr.KindAuth, "RECEIPT.NO_ACTIVE_KEY", "no active signing key")
	}
	sig, err := signer.Sign(kp.Kid, kp.Private, canonBody)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		T:             kind,
		Parents:       parents,
		Body:          json.RawMessage(canonBody),
		BodyCID:       bodyCID,
		Proof:         &sig,
		Observability: obs,
	}, nil
}

// Verify checks an envelope's proof against its own body bytes, and that
// its body_cid actually matches those bytes (catching storage corruption
// independently of the signature).
func Verify(ring *signer.KeyRing, env Envelope) error {
	if !ublcid.Verify(env.BodyCID, env.Body) {
		return ublerr.New(ublerr.KindIntegrity, "RECEIPT.CID_MISMATCH", "body_cid does not match body bytes")
	}
	if env.Proof == nil {
		return ublerr.New(ublerr.KindIntegrity, "RECEIPT.NO_PROOF", "receipt carries no proof")
	}
	return signer.Verify(ring, *env.Proof, env.Body)
}

// VerifyTransition checks a transition body's witness CIDs against the
// actual preimage and rho bytes independently produced by a replay — used
// by forensic/replay verification, not by the pipeline's own emission path.
func VerifyTransition(raw, rho []byte, tr TransitionBody) error {
	if !ublcid.Verify(tr.PreimageRawCID, raw) {
		return ublerr.New(ublerr.KindIntegrity, "TRANSITION.PREIMAGE_MISMATCH", "preimage_raw_cid does not match replayed raw bytes")
	}
	if !ublcid.Verify(tr.RhoCID, rho) {
		return ublerr.New(ublerr.KindIntegrity, "TRANSITION.RHO_MISMATCH", "rho_cid does not match replayed canonical bytes")
	}
	return nil
}

// WFParents builds wf.parents per the chain invariants: [wa] when no
// transition occurred, [wa, transition] otherwise.
func WFParents(waCID ublcid.CID, transitionCID *ublcid.CID) []ublcid.CID {
	if transitionCID != nil {
		return []ublcid.CID{waCID, *transitionCID}
	}
	return []ublcid.CID{waCID}
}
