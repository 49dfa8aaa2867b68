// Package cas defines the content-addressed store contract shared by the
// pipeline, RB-VM and wasm adapter, plus an in-memory and a local-filesystem
// implementation.
package cas

import (
	"context"

	ublcid "ubl-gate/cid"
	"ubl-gate/ublerr"
)

// CAS is a content-addressed blob store. Put is idempotent: putting the
// same bytes twice returns the same CID and does not error. Objects are
// immutable once stored; Get on an absent CID returns a RESOURCE-kind
// ublerr.Error with code CAS.NOT_FOUND.
type CAS interface {
	Put(ctx context.Context, data []byte) (ublcid.CID, error)
	Get(ctx context.Context, id ublcid.CID) ([]byte, error)
	Has(ctx context.Context, id ublcid.CID) bool
}

// ErrNotFound is returned (wrapped) by Get when id is absent.
var ErrNotFound = ublerr.New(ublerr.KindResource, "CAS.NOT_FOUND", "object not found")

// ErrCIDMismatch is returned when stored bytes no longer hash to the CID
// under which they were filed, indicating storage corruption.
var ErrCIDMismatch = ublerr.New(ublerr.KindIntegrity, "CAS.CID_MISMATCH", "stored bytes do not hash to their CID")

// IsNotFound reports whether err represents a CAS miss.
func IsNotFound(err error) bool {
	return ublerr.Is(err, ublerr.KindResource) && ublerr.CodeOf(err) == "CAS.NOT_FOUND"
}
