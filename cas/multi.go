package cas

import (
	"context"

	ublcid "ubl-gate/cid"
	"ubl-gate/ublerr"
)

// Fallback provides deterministic, ordered read fallback across multiple
// CAS backends. Writes go only to the first backend; callers supplying a
// fixed Backends order get a fixed retrieval strategy rather than one that
// depends on map iteration.
type Fallback struct {
	Backends []CAS
}

func (f Fallback) Put(ctx context.Context, data []byte) (ublcid.CID, error) {
	if len(f.Backends) == 0 {
		return "", ublerr.New(ublerr.KindInternal, "CAS.NO_BACKENDS", "Fallback has no backends configured")
	}
	return f.Backends[0].Put(ctx, data)
}

func (f Fallback) Get(ctx context.Context, id ublcid.CID) ([]byte, error) {
	for _, b := range f.Backends {
		data, err := b.Get(ctx, id)
		if err == nil {
			return data, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (f Fallback) Has(ctx context.Context, id ublcid.CID) bool {
	for _, b := range f.Backends {
		if b.Has(ctx, id) {
			return true
		}
	}
	return false
}
