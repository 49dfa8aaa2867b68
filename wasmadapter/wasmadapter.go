// Package wasmadapter is the no-IO boundary the pipeline crosses whenever
// it needs non-deterministic or world-dependent input. An Adapter performs
// the acquisition under a declared policy, canonicalizes the acquired
// bytes, emits an Attestation body describing the acquisition, and hands
// the runtime only a frozen_cid — the runtime itself never observes
// uncanonicalized external bytes.
package wasmadapter

import (
	"context"

	"ubl-gate/canon"
	"ubl-gate/cas"
	"ubl-gate/receipt"
	"ubl-gate/ublerr"
)

// Adapter acquires bytes identified by a source string and returns the
// Attestation body recording what was acquired, where it was frozen, and
// under what adapter type.
type Adapter interface {
	Acquire(ctx context.Context, source string) (receipt.AttestationBody, error)
}

// Policy bounds what an adapter may acquire: an allowlist of sources and a
// maximum acquired size. Timeouts are the caller's ctx deadline, not a
// field here — the adapter itself has no clock.
type Policy struct {
	AllowedSources map[string]bool // nil means no allowlist restriction
	MaxBytes       int64           // 0 means unbounded
}

func (p Policy) allows(source string) bool {
	if p.AllowedSources == nil {
		return true
	}
	return p.AllowedSources[source]
}

// Frozen is a deterministic reference adapter. It serves pre-acquired bytes
// keyed by source rather than performing live I/O, so its Acquire call is
// as reproducible as the rest of the pipeline — this is the stand-in for a
// live Wasm runtime, which is out of scope (spec.md §1).
type Frozen struct {
	adapterType string
	store       cas.CAS
	policy      Policy
	sources     map[string][]byte
}

// NewFrozen builds a Frozen adapter serving sources under policy, storing
// frozen bytes in store.
func NewFrozen(adapterType string, store cas.CAS, policy Policy, sources map[string][]byte) *Frozen {
	return &Frozen{adapterType: adapterType, store: store, policy: policy, sources: sources}
}

// Acquire implements the four-step contract: check policy, canonicalize,
// store the frozen bytes, and return the Attestation body (the caller builds
// the ubl/attestation receipt from it and passes only FrozenCID onward).
func (f *Frozen) Acquire(ctx context.Context, source string) (receipt.AttestationBody, error) {
	if !f.policy.allows(source) {
		return receipt.AttestationBody{}, ublerr.New(ublerr.KindPolicy, "ADAPTER.SOURCE_DENIED", "source not on allowlist: "+source)
	}
	raw, ok := f.sources[source]
	if !ok {
		return receipt.AttestationBody{}, ublerr.New(ublerr.KindResource, "ADAPTER.SOURCE_MISSING", "no pre-acquired bytes for source: "+source)
	}
	if f.policy.MaxBytes > 0 && int64(len(raw)) > f.policy.MaxBytes {
		return receipt.AttestationBody{}, ublerr.New(ublerr.KindPolicy, "ADAPTER.SIZE_EXCEEDED", "acquired bytes exceed policy size cap")
	}

	canonBytes := canon.Encode(canon.Value{Kind: canon.KindBytes, Bytes: raw})
	frozenCID, err := f.store.Put(ctx, canonBytes)
	if err != nil {
		return receipt.AttestationBody{}, ublerr.Wrap(ublerr.KindResource, "ADAPTER.STORE_FAILED", "failed to store frozen bytes", err)
	}

	return receipt.AttestationBody{
		AdapterType:  f.adapterType,
		Source:       source,
		AcquiredSize: int64(len(raw)),
		FrozenCID:    frozenCID,
	}, nil
}
