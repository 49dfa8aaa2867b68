// Package ledger is the tenant-scoped receipt store: it holds every
// committed receipt, the per-tenant idempotency map (fingerprint → WF
// body_cid), and the per-tenant chain tip. Every operation is scoped by
// tenant id so a lookup under the wrong tenant misses rather than leaking
// another tenant's state.
package ledger

import (
	"sort"
	"sync"

	"ubl-gate/cas"
	ublcid "ubl-gate/cid"
	"ubl-gate/receipt"
	"ubl-gate/ublerr"
)

// Fingerprint is the idempotency key computed over
// { pipeline, inputs_raw_cid, tenant_id }. It is a content identity like
// any other CID, so it gets the CID alias rather than a distinct type.
type Fingerprint = ublcid.CID

// ErrReplay is returned by Commit when fp was already committed for the
// tenant; the caller should surface IDEMPOTENCY.REPLAY without producing a
// new receipt.
var ErrReplay = ublerr.New(ublerr.KindIdempotency, "IDEMPOTENCY.REPLAY", "fingerprint already committed")

// ErrTipMoved is returned by Commit when the tenant's chain tip advanced
// between the caller's WA construction and this commit; the caller should
// retry against the new tip.
var ErrTipMoved = ublerr.New(ublerr.KindResource, "CHAIN.TIP_MOVED", "tenant chain tip moved during execution")

type idemEntry struct {
	wfCID     ublcid.CID
	seq       uint64
	lastTouch uint64
}

type tenantState struct {
	mu          sync.Mutex
	receipts    map[ublcid.CID]receipt.Envelope
	idempotency map[Fingerprint]idemEntry
	tip         ublcid.CID
	hasTip      bool
	clock       uint64
}

// Store is a tenant-scoped receipt ledger.
type Store struct {
	mu       sync.Mutex
	tenants  map[string]*tenantState
	capacity int // 0 = unbounded idempotency map per tenant
}

// NewStore builds an empty ledger. capacity bounds each tenant's
// idempotency map; 0 means unbounded.
func NewStore(capacity int) *Store {
	return &Store{tenants: make(map[string]*tenantState), capacity: capacity}
}

func (s *Store) tenantState(tenant string) *tenantState {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenant]
	if !ok {
		t = &tenantState{
			receipts:    make(map[ublcid.CID]receipt.Envelope),
			idempotency: make(map[Fingerprint]idemEntry),
		}
		s.tenants[tenant] = t
	}
	return t
}

// GetReceipt retrieves a receipt by body_cid, scoped to tenant.
func (s *Store) GetReceipt(tenant string, id ublcid.CID) (receipt.Envelope, error) {
	t := s.tenantState(tenant)
	t.mu.Lock()
	defer t.mu.Unlock()
	env, ok := t.receipts[id]
	if !ok {
		return receipt.Envelope{}, cas.ErrNotFound
	}
	return env, nil
}

// GetTransition retrieves a transition receipt by body_cid, scoped to
// tenant; it misses if the CID resolves to a receipt of a different kind.
func (s *Store) GetTransition(tenant string, id ublcid.CID) (receipt.Envelope, error) {
	env, err := s.GetReceipt(tenant, id)
	if err != nil {
		return receipt.Envelope{}, err
	}
	if env.T != receipt.KindTransition {
		return receipt.Envelope{}, cas.ErrNotFound
	}
	return env, nil
}

// Tip returns the tenant's current chain tip, if any execution has
// committed yet.
func (s *Store) Tip(tenant string) (ublcid.CID, bool) {
	t := s.tenantState(tenant)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tip, t.hasTip
}

// Lookup reports whether fp has already been committed for tenant, and if
// so the WF body_cid it resolved to.
func (s *Store) Lookup(tenant string, fp Fingerprint) (ublcid.CID, bool) {
	t := s.tenantState(tenant)
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.idempotency[fp]
	if !ok {
		return "", false
	}
	return e.wfCID, true
}

// PutReceipt stores a WA or Transition receipt. WF receipts are stored via
// Commit instead, since committing a WF also advances the chain tip and
// records the idempotency entry atomically with storage.
func (s *Store) PutReceipt(tenant string, env receipt.Envelope) {
	t := s.tenantState(tenant)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receipts[env.BodyCID] = env
}

// Commit atomically re-checks fp absence and tip agreement, then stores
// wf, advances the tip, and records fp, all under the tenant's lock. This
// closes the TOCTOU window between an earlier Lookup/Tip read and the
// actual commit: two callers racing on the same fingerprint can only ever
// have one succeed here, regardless of what either observed beforehand.
// expectedTip/hasExpectedTip must be what the caller observed via Tip when
// it built the WA receipt; a mismatch means another execution committed
// first and the caller must retry against the new tip.
func (s *Store) Commit(tenant string, fp Fingerprint, expectedTip ublcid.CID, hasExpectedTip bool, wf receipt.Envelope) error {
	t := s.tenantState(tenant)
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.idempotency[fp]; ok {
		return ErrReplay
	}
	if hasExpectedTip != t.hasTip || (hasExpectedTip && expectedTip != t.tip) {
		return ErrTipMoved
	}

	t.receipts[wf.BodyCID] = wf
	t.tip = wf.BodyCID
	t.hasTip = true
	t.clock++
	t.idempotency[fp] = idemEntry{wfCID: wf.BodyCID, seq: t.clock, lastTouch: t.clock}
	s.evictLocked(t)
	return nil
}

// evictLocked drops the least-recently-touched idempotency entries once the
// tenant's map exceeds capacity, breaking ties by insertion sequence — a
// deterministic order, not Go's randomized map iteration.
func (s *Store) evictLocked(t *tenantState) {
	if s.capacity <= 0 || len(t.idempotency) <= s.capacity {
		return
	}
	type kv struct {
		fp Fingerprint
		e  idemEntry
	}
	all := make([]kv, 0, len(t.idempotency))
	for fp, e := range t.idempotency {
		all = append(all, kv{fp, e})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].e.lastTouch != all[j].e.lastTouch {
			return all[i].e.lastTouch < all[j].e.lastTouch
		}
		return all[i].e.seq < all[j].e.seq
	})
	toEvict := len(t.idempotency) - s.capacity
	for i := 0; i < toEvict; i++ {
		delete(t.idempotency, all[i].fp)
	}
}
