// Command ublctl is a thin CLI over the gate: run one pipeline execution
// against a filesystem CAS, fetch a stored receipt body for inspection, or
// independently verify a Transition witness against replayed bytes.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"ubl-gate/canon"
	"ubl-gate/cas"
	ublcid "ubl-gate/cid"
	"ubl-gate/grammar"
	"ubl-gate/ledger"
	"ubl-gate/pipeline"
	"ubl-gate/policy"
	"ubl-gate/receipt"
	"ubl-gate/signer"
)

// logger is the process-wide structured logger. Fields are contextual
// (tenant_id, pipeline, stage) and never include anything that ends up
// hashed into a receipt body — observability is a side channel, not an
// input.
var logger = slog.New(slog.NewTextHandler(os.Stderr, nil))

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}
	switch args[0] {
	case "execute":
		return cmdExecute(args[1:], out, errOut)
	case "get-receipt":
		return cmdGetReceipt(args[1:], out, errOut)
	case "verify-transition":
		return cmdVerifyTransition(args[1:], out, errOut)
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "ublctl: UBL Gate pipeline CLI")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  ublctl execute --tenant <id> --chip-ref <ref> --in-grammar <file> --out-grammar <file>")
	fmt.Fprintln(w, "                 --root-seed-hex <64hex> (--cas-dir <dir> | --mem) [--var name=value ...]")
	fmt.Fprintln(w, "                 [--policy <file> ...] [--policy-allow true|false] [--bytecode <file>] [--ghost]")
	fmt.Fprintln(w, "  ublctl get-receipt --cas-dir <dir> --cid <b3:...>")
	fmt.Fprintln(w, "  ublctl verify-transition --raw <file> --rho <file> --transition <json-file>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - --root-seed-hex must be 32 bytes (64 hex chars); the active signing kid is derived from it")
	fmt.Fprintln(w, "  - the chain tip and idempotency map are process-local; only the CAS at --cas-dir persists across runs")
	fmt.Fprintln(w, "  - execute prints the WA/Transition/WF envelopes as one JSON object to stdout")
	fmt.Fprintln(w, "  - --context-id is auto-generated when omitted")
}

type varFlags map[string]canon.Value

func (v varFlags) String() string { return "" }

func (v varFlags) Set(s string) error {
	parts := strings.SplitN(s, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("--var must be name=value, got %q", s)
	}
	v[parts[0]] = canon.StringOf(parts[1])
	return nil
}

type policyFlags []string

func (p *policyFlags) String() string { return "" }
func (p *policyFlags) Set(s string) error {
	*p = append(*p, s)
	return nil
}

func cmdExecute(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("execute", flag.ContinueOnError)
	fs.SetOutput(errOut)

	tenant := fs.String("tenant", "", "tenant id")
	chipRef := fs.String("chip-ref", "", "chip reference")
	inGrammarPath := fs.String("in-grammar", "", "path to in_grammar YAML file")
	outGrammarPath := fs.String("out-grammar", "", "path to out_grammar YAML file")
	rootSeedHex := fs.String("root-seed-hex", "", "32-byte hex seed for the signing key")
	casDir := fs.String("cas-dir", "", "filesystem CAS root directory")
	memCAS := fs.Bool("mem", false, "use a process-local, tenant-scoped in-memory CAS instead of --cas-dir (for one-shot testing; nothing persists after the process exits)")
	bytecodePath := fs.String("bytecode", "", "path to RB-VM bytecode file")
	ghost := fs.Bool("ghost", false, "run in ghost mode (no ledger commit)")
	policyAllowStr := fs.String("policy-allow", "", "shorthand legacy policy: true or false")
	callerDID := fs.String("caller-did", "", "caller DID recorded on the WA")
	contextID := fs.String("context-id", "", "context id recorded on the WA")

	vars := make(varFlags)
	fs.Var(vars, "var", "name=value pair, repeatable")
	var policyPaths policyFlags
	fs.Var(&policyPaths, "policy", "path to a policy document YAML file, repeatable")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tenant == "" || *inGrammarPath == "" || *outGrammarPath == "" || *rootSeedHex == "" {
		fmt.Fprintln(errOut, "missing required flag; see 'ublctl help'")
		return 2
	}
	if !*memCAS && *casDir == "" {
		fmt.Fprintln(errOut, "either --cas-dir or --mem is required")
		return 2
	}
	if *contextID == "" {
		*contextID = uuid.NewString()
	}

	inGrammar, err := loadGrammar(*inGrammarPath)
	if err != nil {
		fmt.Fprintf(errOut, "load --in-grammar: %v\n", err)
		return 1
	}
	outGrammar, err := loadGrammar(*outGrammarPath)
	if err != nil {
		fmt.Fprintf(errOut, "load --out-grammar: %v\n", err)
		return 1
	}

	var policyDocs []policy.Document
	for _, p := range policyPaths {
		doc, err := loadPolicyDocument(p)
		if err != nil {
			fmt.Fprintf(errOut, "load --policy %s: %v\n", p, err)
			return 1
		}
		policyDocs = append(policyDocs, doc)
	}

	manifest := pipeline.Manifest{
		Pipeline:   *chipRef,
		InGrammar:  inGrammar,
		OutGrammar: outGrammar,
		PolicyDocs: policyDocs,
	}
	if *policyAllowStr != "" {
		allow := *policyAllowStr == "true"
		manifest.PolicyAllow = &allow
	}
	if *bytecodePath != "" {
		code, err := os.ReadFile(*bytecodePath)
		if err != nil {
			fmt.Fprintf(errOut, "read --bytecode: %v\n", err)
			return 1
		}
		manifest.Bytecode = code
	}

	var store cas.CAS
	if *memCAS {
		store = cas.NewTenantMem().For(*tenant)
	} else {
		fileCAS, err := cas.NewFile(*casDir)
		if err != nil {
			fmt.Fprintf(errOut, "open --cas-dir: %v\n", err)
			return 1
		}
		store = fileCAS
	}

	ring, err := keyRingFromSeedHex(*rootSeedHex)
	if err != nil {
		fmt.Fprintf(errOut, "derive signing key: %v\n", err)
		return 1
	}

	engine := pipeline.NewEngine(store, ledger.NewStore(0), ring, policy.ActionDeny)
	req := pipeline.Request{
		ChipRef:   *chipRef,
		Vars:      vars,
		Ghost:     *ghost,
		CallerDID: *callerDID,
		ContextID: *contextID,
	}

	logger.Info("pipeline execution starting", "tenant_id", *tenant, "pipeline", *chipRef, "ghost", *ghost)
	res, err := engine.Execute(context.Background(), *tenant, manifest, req)
	if err != nil {
		logger.Error("pipeline execution failed", "tenant_id", *tenant, "pipeline", *chipRef, "error", err)
		fmt.Fprintf(errOut, "execute: %v\n", err)
		return 1
	}
	logger.Info("pipeline execution finished", "tenant_id", *tenant, "pipeline", *chipRef, "stage", "wf", "decision", string(res.Decision), "ghost", res.Ghost)

	payload := struct {
		WA         receipt.Envelope  `json:"wa"`
		Transition *receipt.Envelope `json:"transition,omitempty"`
		WF         receipt.Envelope  `json:"wf"`
		TipCID     string            `json:"tip_cid,omitempty"`
		Decision   receipt.Decision  `json:"decision"`
		Ghost      bool              `json:"ghost"`
	}{
		WA:         res.WA,
		Transition: res.Transition,
		WF:         res.WF,
		Decision:   res.Decision,
		Ghost:      res.Ghost,
	}
	if res.HasTip {
		payload.TipCID = string(res.TipCID)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		fmt.Fprintf(errOut, "encode result: %v\n", err)
		return 1
	}
	return 0
}

func cmdGetReceipt(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("get-receipt", flag.ContinueOnError)
	fs.SetOutput(errOut)
	casDir := fs.String("cas-dir", "", "filesystem CAS root directory")
	cidStr := fs.String("cid", "", "receipt body CID (b3:...)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *casDir == "" || *cidStr == "" {
		fmt.Fprintln(errOut, "usage: ublctl get-receipt --cas-dir <dir> --cid <b3:...>")
		return 2
	}
	id, err := ublcid.Parse(*cidStr)
	if err != nil {
		fmt.Fprintf(errOut, "parse --cid: %v\n", err)
		return 2
	}
	store, err := cas.NewFile(*casDir)
	if err != nil {
		fmt.Fprintf(errOut, "open --cas-dir: %v\n", err)
		return 1
	}
	data, err := store.Get(context.Background(), id)
	if err != nil {
		fmt.Fprintf(errOut, "get: %v\n", err)
		return 1
	}
	_, _ = out.Write(data)
	if len(data) == 0 || data[len(data)-1] != '\n' {
		fmt.Fprintln(out)
	}
	return 0
}

func cmdVerifyTransition(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("verify-transition", flag.ContinueOnError)
	fs.SetOutput(errOut)
	rawPath := fs.String("raw", "", "path to the replayed preimage raw bytes")
	rhoPath := fs.String("rho", "", "path to the replayed canonical rho bytes")
	trPath := fs.String("transition", "", "path to the Transition receipt body JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *rawPath == "" || *rhoPath == "" || *trPath == "" {
		fmt.Fprintln(errOut, "usage: ublctl verify-transition --raw <file> --rho <file> --transition <json-file>")
		return 2
	}
	raw, err := os.ReadFile(*rawPath)
	if err != nil {
		fmt.Fprintf(errOut, "read --raw: %v\n", err)
		return 1
	}
	rho, err := os.ReadFile(*rhoPath)
	if err != nil {
		fmt.Fprintf(errOut, "read --rho: %v\n", err)
		return 1
	}
	trBytes, err := os.ReadFile(*trPath)
	if err != nil {
		fmt.Fprintf(errOut, "read --transition: %v\n", err)
		return 1
	}
	var tr receipt.TransitionBody
	if err := json.Unmarshal(trBytes, &tr); err != nil {
		fmt.Fprintf(errOut, "parse --transition: %v\n", err)
		return 1
	}
	if err := receipt.VerifyTransition(raw, rho, tr); err != nil {
		fmt.Fprintf(errOut, "invalid: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}

func loadGrammar(path string) (grammar.Grammar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return grammar.Grammar{}, err
	}
	var g grammar.Grammar
	if err := yaml.Unmarshal(data, &g); err != nil {
		return grammar.Grammar{}, err
	}
	return g, nil
}

func loadPolicyDocument(path string) (policy.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return policy.Document{}, err
	}
	var doc policy.Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return policy.Document{}, err
	}
	return doc, nil
}

func keyRingFromSeedHex(seedHex string) (*signer.KeyRing, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid --root-seed-hex: %w", err)
	}
	roleSeed := signer.DeriveRoleSeed(seed, "ublctl")
	kp, err := signer.GenerateFromSeed("did:key:ublctl#k1", roleSeed)
	if err != nil {
		return nil, err
	}
	ring := signer.NewKeyRing()
	ring.Rotate(kp)
	return ring, nil
}
