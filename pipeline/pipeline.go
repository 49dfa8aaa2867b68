// Package pipeline is the single path every execution takes: bind, parse,
// policy, then either render (ALLOW) or a denial body (DENY). It emits the
// WA, optional Transition, and WF receipts in that order, enforces tenant
// isolation and idempotency via the ledger, and advances the tenant's
// chain tip on every successful commit.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"ubl-gate/canon"
	"ubl-gate/cas"
	ublcid "ubl-gate/cid"
	"ubl-gate/grammar"
	"ubl-gate/ledger"
	"ubl-gate/policy"
	"ubl-gate/rbvm"
	"ubl-gate/receipt"
	"ubl-gate/signer"
	"ubl-gate/ublerr"
)

// Manifest declares one pipeline's shape: its grammars, its policy
// documents, and (optionally) the RB-VM bytecode a run compiles through.
// Adapters are left opaque to the core per spec.md §6.
type Manifest struct {
	Pipeline    string
	InGrammar   grammar.Grammar
	OutGrammar  grammar.Grammar
	PolicyDocs  []policy.Document
	PolicyAllow *bool // legacy single-flag shorthand, synthesized into a Document when set
	Bytecode    []byte
	Adapters    map[string]string
}

// Request is one execution's input.
type Request struct {
	ChipRef   string
	Vars      map[string]canon.Value
	Ghost     bool
	CallerDID string
	ContextID string
}

// Result is the outcome the boundary's execute() call returns.
type Result struct {
	WA         receipt.Envelope
	Transition *receipt.Envelope
	WF         receipt.Envelope
	TipCID     ublcid.CID
	HasTip     bool
	Decision   receipt.Decision
	Ghost      bool
	Artifacts  receipt.Artifacts
}

// Engine runs the pipeline over one manifest at a time.
type Engine struct {
	Store           cas.CAS
	Ledger          *ledger.Store
	Ring            *signer.KeyRing
	DefaultAction   policy.Action
	SchemaValidator rbvm.SchemaValidator
	maxTipRetries   int
}

// NewEngine builds an Engine. defaultAction is the cascade's fallback
// decision absent any explicit ALLOW (see policy.Evaluate).
func NewEngine(store cas.CAS, led *ledger.Store, ring *signer.KeyRing, defaultAction policy.Action) *Engine {
	return &Engine{Store: store, Ledger: led, Ring: ring, DefaultAction: defaultAction, maxTipRetries: 5}
}

func valueBytes(v canon.Value) []byte {
	switch v.Kind {
	case canon.KindString:
		return []byte(v.Str)
	case canon.KindBytes:
		return v.Bytes
	default:
		return canon.Encode(v)
	}
}

// bind implements the D8 rule: same-named vars bind directly; grammar
// inputs carrying a default are satisfied even absent from vars; exactly
// one remaining unbound input against exactly one remaining unconsumed var
// binds as a 1-to-1 fallback; anything else is ambiguous.
func bind(g grammar.Grammar, vars map[string]canon.Value) (map[string][]byte, error) {
	bound := make(map[string][]byte, len(vars))
	var unboundInputs []string
	for name, def := range g.Inputs {
		if v, ok := vars[name]; ok {
			bound[name] = valueBytes(v)
			continue
		}
		if def != nil {
			continue
		}
		unboundInputs = append(unboundInputs, name)
	}
	var leftoverVars []string
	for name := range vars {
		if _, declared := g.Inputs[name]; !declared {
			leftoverVars = append(leftoverVars, name)
		}
	}
	if len(unboundInputs) == 0 {
		return bound, nil
	}
	if len(unboundInputs) == 1 && len(leftoverVars) == 1 {
		bound[unboundInputs[0]] = valueBytes(vars[leftoverVars[0]])
		return bound, nil
	}
	sort.Strings(unboundInputs)
	sort.Strings(leftoverVars)
	return nil, ublerr.New(ublerr.KindValidation, "BIND.AMBIGUOUS",
		fmt.Sprintf("unbound inputs %v, available vars %v", unboundInputs, leftoverVars))
}

func marshalVarsCanonical(vars map[string]canon.Value) ([]byte, error) {
	members := make(map[string]json.RawMessage, len(vars))
	for k, v := range vars {
		members[k] = canon.Encode(v)
	}
	raw, err := json.Marshal(members)
	if err != nil {
		return nil, ublerr.Wrap(ublerr.KindInternal, "PIPELINE.ENCODE_VARS", "failed to encode vars", err)
	}
	return canon.Canonicalize(raw)
}

// fingerprint computes fp = CID(canon({ pipeline, inputs_raw_cid, tenant_id })).
func fingerprint(pipelineName string, inputsRawCID ublcid.CID, tenant string) (ublcid.CID, error) {
	type fpShape struct {
		Pipeline     string `json:"pipeline"`
		InputsRawCID string `json:"inputs_raw_cid"`
		TenantID     string `json:"tenant_id"`
	}
	raw, err := json.Marshal(fpShape{pipelineName, string(inputsRawCID), tenant})
	if err != nil {
		return "", ublerr.Wrap(ublerr.KindInternal, "PIPELINE.ENCODE_FP", "failed to encode fingerprint", err)
	}
	canonBytes, err := canon.Canonicalize(raw)
	if err != nil {
		return "", err
	}
	return ublcid.Of(canonBytes), nil
}

// singleInputBinding feeds the parse phase's output into the render
// grammar, which by convention declares exactly one logical input (the
// value the mappings transform into out_grammar.output_from).
func singleInputBinding(g grammar.Grammar, value []byte) (map[string][]byte, error) {
	if len(g.Inputs) != 1 {
		return nil, ublerr.New(ublerr.KindValidation, "RENDER.BAD_ARITY", "out_grammar must declare exactly one input")
	}
	for name := range g.Inputs {
		return map[string][]byte{name: value}, nil
	}
	return nil, ublerr.New(ublerr.KindInternal, "RENDER.UNREACHABLE", "unreachable")
}

func tipParents(tip ublcid.CID, hasTip bool) []ublcid.CID {
	if hasTip {
		return []ublcid.CID{tip}
	}
	return nil
}

func effectivePolicyDocs(m Manifest) []policy.Document {
	if m.PolicyAllow == nil {
		return m.PolicyDocs
	}
	action := policy.ActionDeny
	if *m.PolicyAllow {
		action = policy.ActionAllow
	}
	legacy := policy.Document{
		Version: "legacy",
		Level:   policy.LevelGlobal,
		Rules:   []policy.Rule{{ID: "manifest.policy.allow", Condition: "true", Action: action, Reason: "manifest policy.allow shorthand"}},
	}
	return append([]policy.Document{legacy}, m.PolicyDocs...)
}

type vmSignAdapter struct{ ring *signer.KeyRing }

func (a vmSignAdapter) SignDefault(ctx context.Context, body []byte) (signer.Signature, error) {
	kp, ok := a.ring.Active()
	if !ok {
		return signer.Signature{}, ublerr.New(ublerr.KindAuth, "SIGN.NO_ACTIVE_KEY", "no active signing key")
	}
	return signer.Sign(kp.Kid, kp.Private, body)
}

// acceptingValidator is used when an engine is not configured with a real
// schema validator: JSON_VALIDATE always reports conformant. Pipelines
// that need real schema enforcement supply Engine.SchemaValidator.
type acceptingValidator struct{}

func (acceptingValidator) Validate(ctx context.Context, schemaCID ublcid.CID, data []byte) (bool, error) {
	return true, nil
}

// Execute runs one pipeline execution for tenant under manifest.
func (e *Engine) Execute(ctx context.Context, tenant string, manifest Manifest, req Request) (Result, error) {
	store := e.Store
	if req.Ghost {
		store = cas.NewMem()
	}

	boundVars, err := bind(manifest.InGrammar, req.Vars)
	if err != nil {
		return Result{}, err
	}

	inputsRaw, err := marshalVarsCanonical(req.Vars)
	if err != nil {
		return Result{}, err
	}
	inputsRawCID, err := store.Put(ctx, inputsRaw)
	if err != nil {
		return Result{}, ublerr.Wrap(ublerr.KindResource, "PIPELINE.STORE_INPUTS", "failed to store raw inputs", err)
	}

	fp, err := fingerprint(manifest.Pipeline, inputsRawCID, tenant)
	if err != nil {
		return Result{}, err
	}

	if !req.Ghost {
		if _, replayed := e.Ledger.Lookup(tenant, fp); replayed {
			return Result{}, ledger.ErrReplay
		}
	}

	obs := receipt.Observability{Ghost: req.Ghost}

	varsJSON := make(map[string]json.RawMessage, len(req.Vars))
	for k, v := range req.Vars {
		varsJSON[k] = canon.Encode(v)
	}
	waBody := receipt.WABody{
		ChipRef:     req.ChipRef,
		Vars:        varsJSON,
		Environment: receipt.Environment{CallerDID: req.CallerDID, ContextID: req.ContextID},
		Artifacts:   receipt.Artifacts{InputCID: &inputsRawCID},
	}
	waEnv, err := receipt.Build(ctx, receipt.KindWA, nil, waBody, store, e.Ring, obs)
	if err != nil {
		return Result{}, err
	}

	parsedInput, parseErr := grammar.Apply(manifest.InGrammar, boundVars)

	var transitionEnv *receipt.Envelope
	renderInput := parsedInput

	if parseErr == nil && len(manifest.Bytecode) > 0 {
		frames, decErr := rbvm.Decode(manifest.Bytecode)
		if decErr != nil {
			parseErr = decErr
		} else {
			bytecodeCID := ublcid.Of(manifest.Bytecode)
			moduleCID := ublcid.Of([]byte(manifest.Pipeline))
			execCtx := rbvm.ExecContext{ModuleID: moduleCID, RbCID: bytecodeCID, InputsCID: inputsRawCID}
			vmCfg := rbvm.VmConfig{FuelLimit: 1_000_000, MaxDepth: 1, Ghost: req.Ghost}
			schema := e.SchemaValidator
			if schema == nil {
				schema = acceptingValidator{}
			}
			vm := rbvm.New(vmCfg, store, vmSignAdapter{e.Ring}, schema, execCtx)
			vmResult, vmErr := vm.Run(ctx, frames)
			if vmErr != nil {
				parseErr = vmErr
			} else if vmResult.Emitted {
				preimageRaw := vmResult.RcBody
				preimageCID := ublcid.Of(preimageRaw)
				rhoBytes, canonErr := canon.Canonicalize(preimageRaw)
				if canonErr != nil {
					parseErr = canonErr
				} else {
					rhoCID := ublcid.Of(rhoBytes)
					if _, putErr := store.Put(ctx, rhoBytes); putErr != nil {
						return Result{}, ublerr.Wrap(ublerr.KindResource, "PIPELINE.STORE_RHO", "failed to store transition rho bytes", putErr)
					}
					trBody := receipt.TransitionBody{
						FromLayer:      "-1",
						ToLayer:        "0",
						PreimageRawCID: preimageCID,
						RhoCID:         rhoCID,
						Witness:        receipt.Witness{VMTag: rbvm.VmTag, BytecodeCID: bytecodeCID, FuelSpent: vmResult.FuelSpent},
					}
					trEnv, buildErr := receipt.Build(ctx, receipt.KindTransition, []ublcid.CID{waEnv.BodyCID}, trBody, store, e.Ring, obs)
					if buildErr != nil {
						return Result{}, buildErr
					}
					transitionEnv = &trEnv
					renderInput = rhoBytes
				}
			}
		}
	}

	var wfBody receipt.WFBody
	var decision receipt.Decision

	if parseErr != nil {
		reason := errReason(parseErr)
		ruleID := "PIPELINE.PARSE_ERROR"
		decision = receipt.Deny
		wfBody = receipt.WFBody{Decision: receipt.Deny, Reason: &reason, RuleID: &ruleID, Artifacts: receipt.Artifacts{}}
	} else {
		policyResult := policy.Evaluate(policy.EvalContext{BodySize: int64(len(renderInput)), Inputs: req.Vars}, effectivePolicyDocs(manifest), e.DefaultAction)
		obs.PolicyTrace = policyResult.Trace

		if policyResult.Decision == policy.ActionDeny {
			decision = receipt.Deny
			reason := policyResult.Reason
			ruleID := policyResult.RuleID
			wfBody = receipt.WFBody{Decision: receipt.Deny, Reason: &reason, RuleID: &ruleID, Artifacts: receipt.Artifacts{}}
		} else {
			outVars, inputErr := singleInputBinding(manifest.OutGrammar, renderInput)
			var rendered []byte
			var renderErr error
			if inputErr != nil {
				renderErr = inputErr
			} else {
				rendered, renderErr = grammar.Apply(manifest.OutGrammar, outVars)
			}
			if renderErr != nil {
				reason := errReason(renderErr)
				ruleID := "PIPELINE.RENDER_ERROR"
				decision = receipt.Deny
				wfBody = receipt.WFBody{Decision: receipt.Deny, Reason: &reason, RuleID: &ruleID, Artifacts: receipt.Artifacts{}}
			} else {
				outputCID, putErr := store.Put(ctx, rendered)
				if putErr != nil {
					return Result{}, ublerr.Wrap(ublerr.KindResource, "PIPELINE.STORE_OUTPUT", "failed to store rendered output", putErr)
				}
				decision = receipt.Allow
				wfBody = receipt.WFBody{Decision: receipt.Allow, Artifacts: receipt.Artifacts{InputCID: &inputsRawCID, OutputCID: &outputCID}}
			}
		}
	}

	obs.Stage = "wf"
	var transitionCID *ublcid.CID
	if transitionEnv != nil {
		transitionCID = &transitionEnv.BodyCID
	}
	wfEnv, err := receipt.Build(ctx, receipt.KindWF, receipt.WFParents(waEnv.BodyCID, transitionCID), wfBody, store, e.Ring, obs)
	if err != nil {
		return Result{}, err
	}

	if req.Ghost {
		return Result{WA: waEnv, Transition: transitionEnv, WF: wfEnv, Decision: decision, Ghost: true, Artifacts: wfBody.Artifacts}, nil
	}

	var commitErr error
	for attempt := 0; attempt < e.maxTipRetries; attempt++ {
		expectedTip, hasExpectedTip := e.Ledger.Tip(tenant)
		waEnv.Parents = tipParents(expectedTip, hasExpectedTip)
		e.Ledger.PutReceipt(tenant, waEnv)
		if transitionEnv != nil {
			e.Ledger.PutReceipt(tenant, *transitionEnv)
		}
		commitErr = e.Ledger.Commit(tenant, fp, expectedTip, hasExpectedTip, wfEnv)
		if commitErr != ledger.ErrTipMoved {
			break
		}
	}
	if commitErr != nil {
		return Result{}, commitErr
	}

	tip, hasTip := e.Ledger.Tip(tenant)
	return Result{
		WA:         waEnv,
		Transition: transitionEnv,
		WF:         wfEnv,
		TipCID:     tip,
		HasTip:     hasTip,
		Decision:   decision,
		Ghost:      false,
		Artifacts:  wfBody.Artifacts,
	}, nil
}

func errReason(err error) string {
	return err.Error()
}
