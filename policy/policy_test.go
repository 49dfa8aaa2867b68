package policy

import (
	"testing"

	"ubl-gate/canon"
)

func TestLegacyAllowDefault(t *testing.T) {
	res := Evaluate(EvalContext{}, nil, ActionAllow)
	if res.Decision != ActionAllow {
		t.Fatalf("got %s", res.Decision)
	}
}

func TestLegacyDenyDefault(t *testing.T) {
	res := Evaluate(EvalContext{}, nil, ActionDeny)
	if res.Decision != ActionDeny {
		t.Fatalf("got %s", res.Decision)
	}
}

func TestSingleRulePass(t *testing.T) {
	docs := []Document{{Level: LevelGlobal, Rules: []Rule{{ID: "r1", Condition: "true", Action: ActionAllow, Reason: "ok"}}}}
	res := Evaluate(EvalContext{}, docs, ActionDeny)
	if res.Decision != ActionAllow {
		t.Fatalf("got %s", res.Decision)
	}
}

func TestSingleRuleDeny(t *testing.T) {
	docs := []Document{{Level: LevelGlobal, Rules: []Rule{{ID: "r1", Condition: "true", Action: ActionDeny, Reason: "blocked"}}}}
	res := Evaluate(EvalContext{}, docs, ActionAllow)
	if res.Decision != ActionDeny || res.RuleID != "r1" || res.Reason != "blocked" {
		t.Fatalf("got %+v", res)
	}
}

func TestCascadeGlobalThenTenant(t *testing.T) {
	docs := []Document{
		{Level: LevelTenant, Rules: []Rule{{ID: "t1", Condition: "true", Action: ActionAllow}}},
		{Level: LevelGlobal, Rules: []Rule{{ID: "g1", Condition: "true", Action: ActionAllow}}},
	}
	res := Evaluate(EvalContext{}, docs, ActionDeny)
	if res.Decision != ActionAllow {
		t.Fatalf("got %s", res.Decision)
	}
	if res.Trace[0].Level != LevelGlobal {
		t.Fatalf("expected global rule evaluated first, trace=%+v", res.Trace)
	}
}

func TestCascadeGlobalDenyStopsEarly(t *testing.T) {
	docs := []Document{
		{Level: LevelGlobal, Rules: []Rule{{ID: "g1", Condition: "true", Action: ActionDeny, Reason: "global-block"}}},
		{Level: LevelTenant, Rules: []Rule{{ID: "t1", Condition: "true", Action: ActionAllow}}},
	}
	res := Evaluate(EvalContext{}, docs, ActionAllow)
	if res.Decision != ActionDeny || res.RuleID != "g1" {
		t.Fatalf("got %+v", res)
	}
	if len(res.Trace) != 1 {
		t.Fatalf("expected short-circuit after global deny, trace=%+v", res.Trace)
	}
}

func TestBodySizeRule(t *testing.T) {
	docs := []Document{{Level: LevelGlobal, Rules: []Rule{{ID: "sz", Condition: "body_size <= 100", Action: ActionDeny, Reason: "too small"}}}}
	res := Evaluate(EvalContext{BodySize: 50}, docs, ActionAllow)
	if res.Decision != ActionDeny {
		t.Fatalf("expected deny for body_size 50 <= 100, got %s", res.Decision)
	}
	res2 := Evaluate(EvalContext{BodySize: 500}, docs, ActionAllow)
	if res2.Decision != ActionAllow {
		t.Fatalf("expected allow for body_size 500, got %s", res2.Decision)
	}
}

func TestWarnActionContinues(t *testing.T) {
	docs := []Document{{Level: LevelGlobal, Rules: []Rule{
		{ID: "w1", Condition: "true", Action: ActionWarn, Reason: "heads up"},
		{ID: "a1", Condition: "true", Action: ActionAllow},
	}}}
	res := Evaluate(EvalContext{}, docs, ActionDeny)
	if res.Decision != ActionAllow {
		t.Fatalf("got %s", res.Decision)
	}
	if len(res.Trace) != 2 {
		t.Fatalf("expected warn to be recorded and evaluation to continue, trace=%+v", res.Trace)
	}
}

func TestInputsEqualsCondition(t *testing.T) {
	docs := []Document{{Level: LevelGlobal, Rules: []Rule{{ID: "r1", Condition: `inputs.env == "prod"`, Action: ActionDeny, Reason: "no prod writes"}}}}
	res := Evaluate(EvalContext{Inputs: map[string]canon.Value{"env": canon.StringOf("prod")}}, docs, ActionAllow)
	if res.Decision != ActionDeny {
		t.Fatalf("got %s", res.Decision)
	}
	res2 := Evaluate(EvalContext{Inputs: map[string]canon.Value{"env": canon.StringOf("dev")}}, docs, ActionAllow)
	if res2.Decision != ActionAllow {
		t.Fatalf("got %s", res2.Decision)
	}
}

func TestInputsPresenceShorthand(t *testing.T) {
	docs := []Document{{Level: LevelGlobal, Rules: []Rule{{ID: "r1", Condition: "inputs.token", Action: ActionDeny, Reason: "token present"}}}}
	res := Evaluate(EvalContext{Inputs: map[string]canon.Value{"token": canon.StringOf("x")}}, docs, ActionAllow)
	if res.Decision != ActionDeny {
		t.Fatalf("got %s", res.Decision)
	}
}

func TestUnparseableConditionFailsClosed(t *testing.T) {
	docs := []Document{{Level: LevelGlobal, Rules: []Rule{{ID: "bad", Condition: "inputs.a ~~ weird", Action: ActionAllow}}}}
	res := Evaluate(EvalContext{}, docs, ActionAllow)
	if res.Decision != ActionDeny {
		t.Fatalf("expected fail-closed DENY for unparseable condition, got %s", res.Decision)
	}
	if res.RuleID != "bad" || res.Reason != "POLICY.EVAL_ERROR" {
		t.Fatalf("expected rule id preserved and POLICY.EVAL_ERROR reason, got %+v", res)
	}
}

func TestUnknownIdentifierFailsClosed(t *testing.T) {
	docs := []Document{{Level: LevelGlobal, Rules: []Rule{{ID: "bad", Condition: "outputs.missing == \"x\"", Action: ActionAllow}}}}
	res := Evaluate(EvalContext{}, docs, ActionAllow)
	if res.Decision != ActionDeny {
		t.Fatalf("expected fail-closed DENY, got %s", res.Decision)
	}
}

func TestTenantCannotRelaxGlobalDeny(t *testing.T) {
	docs := []Document{
		{Level: LevelGlobal, Rules: []Rule{{ID: "g-deny", Condition: "true", Action: ActionDeny, Reason: "global policy"}}},
		{Level: LevelApp, Rules: []Rule{{ID: "app-allow", Condition: "true", Action: ActionAllow}}},
	}
	res := Evaluate(EvalContext{}, docs, ActionAllow)
	if res.Decision != ActionDeny || res.RuleID != "g-deny" {
		t.Fatalf("tenant/app ALLOW must not override global DENY, got %+v", res)
	}
}
