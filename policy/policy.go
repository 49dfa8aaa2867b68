// Package policy implements the ordered global→tenant→app policy cascade.
// Evaluation is fail-closed: a rule whose condition cannot be parsed, or
// that references an identifier the evaluation context does not expose,
// denies rather than passes — the inverse of the legacy fail-open behavior
// this package replaces.
package policy

import (
	"regexp"
	"strconv"
	"strings"

	"ubl-gate/canon"
	"ubl-gate/ublerr"
)

type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionDeny  Action = "DENY"
	ActionWarn  Action = "WARN"
)

type Level string

const (
	LevelGlobal Level = "global"
	LevelTenant Level = "tenant"
	LevelApp    Level = "app"
)

var levelOrder = map[Level]int{LevelGlobal: 0, LevelTenant: 1, LevelApp: 2}

// Rule is one cascade rule: a condition expression over the evaluation
// context, an action, and the reason recorded if it fires.
type Rule struct {
	ID          string `json:"id" yaml:"id"`
	Condition   string `json:"condition" yaml:"condition"`
	Action      Action `json:"action" yaml:"action"`
	Reason      string `json:"reason" yaml:"reason"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Document is one level's policy document.
type Document struct {
	Version  string `json:"version" yaml:"version"`
	Level    Level  `json:"level" yaml:"level"`
	Inherits string `json:"inherits,omitempty" yaml:"inherits,omitempty"`
	Rules    []Rule `json:"rules" yaml:"rules"`
}

// TraceEntry records one rule's evaluation result for wf.observability.policy_trace.
type TraceEntry struct {
	Level  Level  `json:"level"`
	Rule   string `json:"rule"`
	Result Action `json:"result"`
	Reason string `json:"reason,omitempty"`
}

// EvalContext is the context rule conditions are evaluated against.
type EvalContext struct {
	BodySize int64
	Inputs   map[string]canon.Value
}

// Result is the outcome of running the cascade to completion (or to its
// first DENY).
type Result struct {
	Decision Action
	RuleID   string
	Reason   string
	Trace    []TraceEntry
}

// Evaluate runs the cascade: documents are sorted by level (global, tenant,
// app) then kept in caller-supplied order within a level; rules run in
// declaration order within each document. The first DENY short-circuits.
// Any explicit ALLOW makes the default decision ALLOW absent a DENY;
// otherwise defaultAction applies.
func Evaluate(ctx EvalContext, docs []Document, defaultAction Action) Result {
	ordered := make([]Document, len(docs))
	copy(ordered, docs)
	stableSortByLevel(ordered)

	var trace []TraceEntry
	sawAllow := false

	for _, doc := range ordered {
		for _, rule := range doc.Rules {
			matched, evalErr := evaluateCondition(rule.Condition, ctx)
			if evalErr != nil {
				trace = append(trace, TraceEntry{Level: doc.Level, Rule: rule.ID, Result: ActionDeny, Reason: "POLICY.EVAL_ERROR"})
				return Result{Decision: ActionDeny, RuleID: rule.ID, Reason: "POLICY.EVAL_ERROR", Trace: trace}
			}
			if !matched {
				continue
			}
			switch rule.Action {
			case ActionDeny:
				trace = append(trace, TraceEntry{Level: doc.Level, Rule: rule.ID, Result: ActionDeny, Reason: rule.Reason})
				return Result{Decision: ActionDeny, RuleID: rule.ID, Reason: rule.Reason, Trace: trace}
			case ActionWarn:
				trace = append(trace, TraceEntry{Level: doc.Level, Rule: rule.ID, Result: ActionWarn, Reason: rule.Reason})
			case ActionAllow:
				trace = append(trace, TraceEntry{Level: doc.Level, Rule: rule.ID, Result: ActionAllow, Reason: rule.Reason})
				sawAllow = true
			}
		}
	}

	if sawAllow {
		return Result{Decision: ActionAllow, Trace: trace}
	}
	return Result{Decision: defaultAction, Trace: trace}
}

func stableSortByLevel(docs []Document) {
	// insertion sort: stable, and the cascade is small (global/tenant/app),
	// so this avoids pulling in sort.SliceStable for three buckets.
	for i := 1; i < len(docs); i++ {
		j := i
		for j > 0 && levelOrder[docs[j-1].Level] > levelOrder[docs[j].Level] {
			docs[j-1], docs[j] = docs[j], docs[j-1]
			j--
		}
	}
}

var (
	reBodySize   = regexp.MustCompile(`^body_size\s*(<=|>=|==|!=|<|>)\s*(-?\d+)$`)
	reInputsNull = regexp.MustCompile(`^inputs\.([A-Za-z0-9_]+)\s*(==|!=)\s*null$`)
	reInputsEq   = regexp.MustCompile(`^inputs\.([A-Za-z0-9_]+)\s*==\s*"([^"]*)"$`)
	reInputsPres = regexp.MustCompile(`^inputs\.([A-Za-z0-9_]+)$`)
)

// evaluateCondition implements the cascade's condition mini-DSL: true,
// false, body_size comparisons, and inputs.<name> null/equality/presence
// checks. Any expression outside this grammar, including one naming an
// identifier other than body_size or inputs.<name>, is a parse/reference
// failure — the caller treats that as fail-closed DENY, never as
// pass-through. An inputs.<name> absent from ctx is not a failure: it
// counts as null, equals no string, and is not present.
func evaluateCondition(cond string, ctx EvalContext) (bool, error) {
	cond = strings.TrimSpace(cond)
	switch {
	case cond == "true":
		return true, nil
	case cond == "false":
		return false, nil
	case reBodySize.MatchString(cond):
		m := reBodySize.FindStringSubmatch(cond)
		n, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return false, ublerr.Wrap(ublerr.KindPolicy, "POLICY.EVAL_ERROR", "malformed body_size comparand", err)
		}
		return compareInt64(ctx.BodySize, m[1], n), nil
	case reInputsNull.MatchString(cond):
		m := reInputsNull.FindStringSubmatch(cond)
		v, present := ctx.Inputs[m[1]]
		isNull := !present || v.Kind == canon.KindNull
		if m[2] == "!=" {
			return !isNull, nil
		}
		return isNull, nil
	case reInputsEq.MatchString(cond):
		m := reInputsEq.FindStringSubmatch(cond)
		v, present := ctx.Inputs[m[1]]
		if !present || v.Kind != canon.KindString {
			return false, nil
		}
		return v.Str == m[2], nil
	case reInputsPres.MatchString(cond):
		m := reInputsPres.FindStringSubmatch(cond)
		v, present := ctx.Inputs[m[1]]
		return present && v.Kind != canon.KindNull, nil
	default:
		return false, ublerr.New(ublerr.KindPolicy, "POLICY.EVAL_ERROR", "unparseable or unknown condition: "+cond)
	}
}

func compareInt64(a int64, op string, b int64) bool {
	switch op {
	case "<=":
		return a <= b
	case ">=":
		return a >= b
	case "==":
		return a == b
	case "!=":
		return a != b
	case "<":
		return a < b
	case ">":
		return a > b
	}
	return false
}
