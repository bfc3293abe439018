package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusbus/nexusbus/internal/eventbus/model"
)

func TestRegisterIdempotentReplace(t *testing.T) {
	// spec §8 property 9
	e := New(nil)
	require.NoError(t, e.Register(Rule{
		ID: "r1", Enabled: true, Priority: 1,
		Match:  MatchSpec{TopicPattern: "a.*"},
		Action: Action{Kind: ActionLog, LogLevel: "info", LogTemplate: "first"},
	}))
	require.NoError(t, e.Register(Rule{
		ID: "r1", Enabled: true, Priority: 2,
		Match:  MatchSpec{TopicPattern: "b.*"},
		Action: Action{Kind: ActionLog, LogLevel: "warn", LogTemplate: "second"},
	}))

	rules := e.List()
	require.Len(t, rules, 1)
	assert.Equal(t, 2, rules[0].Priority)
}

func TestRegisterRejectsBadAction(t *testing.T) {
	e := New(nil)
	err := e.Register(Rule{
		ID: "bad", Enabled: true,
		Match:  MatchSpec{TopicPattern: "a"},
		Action: Action{Kind: ActionForward}, // missing TargetBus
	})
	assert.Error(t, err)
}

func TestRegisterRejectsUnsupportedTransformExpr(t *testing.T) {
	e := New(nil)
	err := e.Register(Rule{
		ID: "t1", Enabled: true,
		Match:  MatchSpec{TopicPattern: "a"},
		Action: Action{Kind: ActionTransform, Expr: TransformExpr{Op: "eval"}, Template: EventTemplate{Topic: "b"}},
	})
	assert.Error(t, err, "unsupported transform ops must be rejected at registration, not silently ignored")
}

func TestEvaluateOrderAscendingPriorityThenID(t *testing.T) {
	e := New(nil)
	var order []string
	mkLog := func(id string, pr int) Rule {
		return Rule{ID: id, Enabled: true, Priority: pr, Match: MatchSpec{TopicPattern: "x"}, Action: Action{Kind: ActionLog, LogLevel: "info", LogTemplate: id}}
	}
	require.NoError(t, e.Register(mkLog("b", 1)))
	require.NoError(t, e.Register(mkLog("a", 1)))
	require.NoError(t, e.Register(mkLog("z", 0)))

	outcomes := e.Evaluate(*model.New("x", nil))
	for _, o := range outcomes {
		order = append(order, o.RuleID)
	}
	assert.Equal(t, []string{"z", "a", "b"}, order)
}

func TestRuleFanoutScenario(t *testing.T) {
	// spec §8 scenario S6
	e := New(nil)
	require.NoError(t, e.Register(Rule{
		ID: "audit", Enabled: true,
		Match: MatchSpec{TopicPattern: "order.created"},
		Action: Action{
			Kind:     ActionEmitEvent,
			Template: EventTemplate{Topic: "audit.order"},
		},
	}))

	triggering := model.New("order.created", map[string]any{"id": "o1"})
	outcomes := e.Evaluate(*triggering)
	require.Len(t, outcomes, 1)
	require.Len(t, outcomes[0].Effects, 1)
	effect := outcomes[0].Effects[0]
	require.NotNil(t, effect.EmitEvent)
	assert.Equal(t, "audit.order", effect.EmitEvent.Topic)
	assert.Equal(t, "o1", effect.EmitEvent.Payload["id"])
	assert.Equal(t, 1, effect.EmitEvent.RuleDepth)
}

func TestDisabledRuleNeverMatches(t *testing.T) {
	e := New(nil)
	require.NoError(t, e.Register(Rule{
		ID: "r", Enabled: false,
		Match:  MatchSpec{TopicPattern: "**"},
		Action: Action{Kind: ActionLog, LogLevel: "info", LogTemplate: "x"},
	}))
	outcomes := e.Evaluate(*model.New("anything", nil))
	assert.Empty(t, outcomes)
}

func TestSetEnabledNotFound(t *testing.T) {
	e := New(nil)
	err := e.SetEnabled("missing", true)
	assert.Error(t, err)
}

func TestExecuteToolNormalizesToInvokeTool(t *testing.T) {
	e := New(nil)
	require.NoError(t, e.Register(Rule{
		ID: "exec", Enabled: true,
		Match:  MatchSpec{TopicPattern: "t"},
		Action: NewExecuteToolAction("build", map[string]any{"x": 1}),
	}))
	outcomes := e.Evaluate(*model.New("t", nil))
	require.Len(t, outcomes, 1)
	assert.Equal(t, ActionInvokeTool, outcomes[0].Effects[0].Kind)
}

func TestSequenceActionExpandsSteps(t *testing.T) {
	e := New(nil)
	require.NoError(t, e.Register(Rule{
		ID: "seq", Enabled: true,
		Match: MatchSpec{TopicPattern: "t"},
		Action: Action{Kind: ActionSequence, Steps: []Action{
			{Kind: ActionLog, LogLevel: "info", LogTemplate: "one"},
			{Kind: ActionCustom, CustomKind: "k"},
		}},
	}))
	outcomes := e.Evaluate(*model.New("t", nil))
	require.Len(t, outcomes, 1)
	require.Len(t, outcomes[0].Effects, 2)
}

func TestPayloadPredicateShortCircuit(t *testing.T) {
	e := New(nil)
	require.NoError(t, e.Register(Rule{
		ID: "p", Enabled: true,
		Match: MatchSpec{
			TopicPattern:     "t",
			PayloadPredicate: func(p map[string]any) bool { return p["ok"] == true },
		},
		Action: Action{Kind: ActionLog, LogLevel: "info", LogTemplate: "x"},
	}))

	noMatch := e.Evaluate(*model.New("t", map[string]any{"ok": false}))
	assert.Empty(t, noMatch)

	match := e.Evaluate(*model.New("t", map[string]any{"ok": true}))
	assert.Len(t, match, 1)
}
