package cas

import (
	"context"
	"sync"

	ublcid "ubl-gate/cid"
)

// MemCAS is a process-local, map-backed CAS. It is the default backing
// store for tests and for single-process deployments of the pipeline.
type MemCAS struct {
	mu   sync.RWMutex
	data map[ublcid.CID][]byte
}

// NewMem builds an empty in-memory CAS.
func NewMem() *MemCAS {
	return &MemCAS{data: make(map[ublcid.CID][]byte)}
}

func (m *MemCAS) Put(_ context.Context, data []byte) (ublcid.CID, error) {
	id := ublcid.Of(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data[id]; !exists {
		cp := make([]byte, len(data))
		copy(cp, data)
		m.data[id] = cp
	}
	return id, nil
}

func (m *MemCAS) Get(_ context.Context, id ublcid.CID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, nil
}

func (m *MemCAS) Has(_ context.Context, id ublcid.CID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[id]
	return ok
}

// TenantMemCAS is a shared in-memory backend that keeps one logical store
// per tenant, so a single process-wide backend can serve every tenant while
// cross-tenant lookups still miss.
type TenantMemCAS struct {
	mu      sync.Mutex
	tenants map[string]*MemCAS
}

// NewTenantMem builds an empty multi-tenant in-memory CAS backend.
func NewTenantMem() *TenantMemCAS {
	return &TenantMemCAS{tenants: make(map[string]*MemCAS)}
}

// For returns the CAS scoped to tenant, creating it on first use.
func (t *TenantMemCAS) For(tenant string) CAS {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.tenants[tenant]
	if !ok {
		c = NewMem()
		t.tenants[tenant] = c
	}
	return c
}
