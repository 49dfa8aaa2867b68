// Package config loads the tenant context the pipeline resolves a caller's
// scope into: which policy documents apply, which signing kids are
// trusted, the tenant's idempotency map sizing, and its default cascade
// decision. Loading itself is a boundary concern (bearer token → tenant
// id) the core does not implement; this package only owns the shape and
// parsing of the resolved context.
package config

import (
	"gopkg.in/yaml.v3"

	"ubl-gate/policy"
	"ubl-gate/ublerr"

	"github.com/tidwall/jsonc"
)

// TenantContext is the resolved configuration one tenant's executions run
// under.
type TenantContext struct {
	TenantID              string   `yaml:"tenant_id" json:"tenant_id"`
	PolicyDocumentCIDs    []string `yaml:"policy_document_cids" json:"policy_document_cids"`
	AllowedKids           []string `yaml:"allowed_kids" json:"allowed_kids"`
	IdempotencyCapacity   int      `yaml:"idempotency_capacity" json:"idempotency_capacity"`
	IdempotencyTTLSeconds int64    `yaml:"idempotency_ttl_seconds" json:"idempotency_ttl_seconds"`
	DefaultDecision       string   `yaml:"default_decision" json:"default_decision"` // "ALLOW" or "DENY"
}

// Validate checks the structural invariants config loading must enforce
// before a TenantContext is handed to the pipeline.
func (tc TenantContext) Validate() error {
	if tc.TenantID == "" {
		return ublerr.New(ublerr.KindValidation, "CONFIG.MISSING_TENANT_ID", "tenant_id is required")
	}
	switch tc.DefaultDecision {
	case "", "ALLOW", "DENY":
	default:
		return ublerr.New(ublerr.KindValidation, "CONFIG.BAD_DEFAULT_DECISION", "default_decision must be ALLOW or DENY")
	}
	return nil
}

// DefaultAction translates DefaultDecision into the policy package's
// Action type, defaulting to DENY (fail-closed) when unset.
func (tc TenantContext) DefaultAction() policy.Action {
	if tc.DefaultDecision == "ALLOW" {
		return policy.ActionAllow
	}
	return policy.ActionDeny
}

// AllowsKid reports whether kid is in this tenant's trusted kid set. An
// empty AllowedKids list trusts every kid the KeyRing itself resolves —
// narrowing happens only when the tenant context opts in.
func (tc TenantContext) AllowsKid(kid string) bool {
	if len(tc.AllowedKids) == 0 {
		return true
	}
	for _, k := range tc.AllowedKids {
		if k == kid {
			return true
		}
	}
	return false
}

// LoadYAML parses a tenant context from YAML bytes.
func LoadYAML(data []byte) (TenantContext, error) {
	var tc TenantContext
	if err := yaml.Unmarshal(data, &tc); err != nil {
		return TenantContext{}, ublerr.Wrap(ublerr.KindValidation, "CONFIG.BAD_YAML", "failed to parse tenant context", err)
	}
	if err := tc.Validate(); err != nil {
		return TenantContext{}, err
	}
	return tc, nil
}

// LoadJSONC parses a tenant context from JSON-with-comments bytes, the
// format operators tend to hand-edit deployment manifests in.
func LoadJSONC(data []byte) (TenantContext, error) {
	stripped := jsonc.ToJSON(data)
	var tc TenantContext
	if err := yaml.Unmarshal(stripped, &tc); err != nil {
		return TenantContext{}, ublerr.Wrap(ublerr.KindValidation, "CONFIG.BAD_JSONC", "failed to parse tenant context", err)
	}
	if err := tc.Validate(); err != nil {
		return TenantContext{}, err
	}
	return tc, nil
}
