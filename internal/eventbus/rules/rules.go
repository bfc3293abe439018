// Package rules implements the match-then-act rule engine (spec §4.5).
// Rule storage is a reader-writer-locked map, the same shape the teacher
// uses for its subscription map in internal/events/bus/memory.go, applied
// here to rules instead of subscriptions.
package rules

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nexusbus/nexusbus/internal/common/bferrors"
	"github.com/nexusbus/nexusbus/internal/common/logger"
	"github.com/nexusbus/nexusbus/internal/eventbus/model"
	"github.com/nexusbus/nexusbus/internal/eventbus/topic"
)

// ActionKind identifies one of the closed set of action variants
// (spec §4.5). It is a closed tagged union: never extended via
// subclassing, per spec §9's design note.
type ActionKind int

const (
	ActionInvokeTool ActionKind = iota
	ActionEmitEvent
	ActionForward
	ActionTransform
	ActionWebhook
	ActionLog
	ActionCustom
	ActionSequence
)

func (k ActionKind) String() string {
	switch k {
	case ActionInvokeTool:
		return "invoke_tool"
	case ActionEmitEvent:
		return "emit_event"
	case ActionForward:
		return "forward"
	case ActionTransform:
		return "transform"
	case ActionWebhook:
		return "webhook"
	case ActionLog:
		return "log"
	case ActionCustom:
		return "custom"
	case ActionSequence:
		return "sequence"
	default:
		return "unknown"
	}
}

// EventTemplate describes how EmitEvent/Forward/Transform construct a new
// envelope from the triggering event.
type EventTemplate struct {
	Topic    string
	Payload  map[string]any // literal payload; nil means "copy triggering event's payload"
	Metadata map[string]any
}

// TransformExpr is the small declarative expression Transform actions use
// to derive a new payload. Only "copy" (pass the original payload through)
// and "set" (literal key/value overrides merged onto the original payload)
// are supported; anything else is rejected at RegisterRule time per
// spec §9's second open question (never silently no-op).
type TransformExpr struct {
	Op   string // "copy" or "set"
	Set  map[string]any
}

// Action is the tagged variant every rule carries. Exactly one of the
// payload fields is meaningful, selected by Kind; RegisterRule validates
// that the required fields for Kind are present.
type Action struct {
	Kind ActionKind

	// ActionInvokeTool (and its wire-compatible alias ExecuteTool, see
	// DESIGN.md open-question decision 1)
	ToolID string
	Input  map[string]any

	// ActionEmitEvent
	Template EventTemplate

	// ActionForward
	TargetBus string

	// ActionTransform
	Expr TransformExpr

	// ActionWebhook
	URL     string
	Method  string
	Headers map[string]string

	// ActionLog
	LogLevel string
	LogTemplate string

	// ActionCustom
	CustomKind string
	CustomData map[string]any

	// ActionSequence
	Steps []Action
}

// MatchSpec is a rule's trigger condition (spec §4.5: "topic pattern AND
// source/target AND payload predicate", short-circuit boolean).
type MatchSpec struct {
	TopicPattern    string
	SourceRefEquals *string
	TargetRefEquals *string
	// PayloadPredicate, if set, must return true for the rule to match.
	PayloadPredicate func(map[string]any) bool
}

// Rule is one registered match-then-act rule.
type Rule struct {
	ID       string
	Enabled  bool
	Priority int
	Match    MatchSpec
	Action   Action

	matcher *topic.Matcher
}

// Outcome is what evaluating one rule against one event produced: either
// nothing (rule didn't match or was disabled) or a set of effects the
// router must carry out.
type Outcome struct {
	RuleID  string
	Matched bool
	Effects []Effect
}

// Effect is one concrete thing a matched rule's action produced. The
// engine never executes these itself (spec §4.5: InvokeTool/ExecuteTool
// "not executed by engine"); it only produces records for the router /
// an external dispatcher to act on.
type Effect struct {
	Kind ActionKind

	ToolInvocation  *ToolInvocation
	EmitEvent       *model.Event
	ForwardTarget   string
	ForwardEvent    *model.Event
	WebhookDispatch *WebhookDispatch
	LogEntry        *LogEntry
	Custom          *CustomEffect
}

// ToolInvocation is the consumer-dispatched record produced by
// InvokeTool/ExecuteTool.
type ToolInvocation struct {
	RuleID string
	ToolID string
	Input  map[string]any
}

// WebhookDispatch is the consumer-dispatched record produced by Webhook.
type WebhookDispatch struct {
	RuleID  string
	URL     string
	Method  string
	Headers map[string]string
	Body    map[string]any
}

// LogEntry is the structured log entry a Log action produces. Unlike the
// other records it needs no external dispatcher: the router writes it to
// its own logger when applying the effect.
type LogEntry struct {
	RuleID string
	Level  string
	Fields map[string]any
}

// CustomEffect carries an opaque, consumer-defined action through
// unexamined.
type CustomEffect struct {
	RuleID string
	Kind   string
	Data   map[string]any
}

// Engine holds the registered rule set for one bus instance.
type Engine struct {
	mu    sync.RWMutex
	rules map[string]*Rule
	log   *logger.Logger
}

// New creates an empty rule Engine.
func New(log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{rules: make(map[string]*Rule), log: log}
}

// Register validates and stores a rule, replacing any prior rule with the
// same ID (spec §8 property 9: re-registering is idempotent replacement,
// not AlreadyExists — matching spec.md's rule lifecycle "mutation via
// set_enabled" plus re-register-replaces semantics used by RegisterRule).
func (e *Engine) Register(r Rule) error {
	if r.ID == "" {
		return bferrors.New(bferrors.KindInvalidInput, "rule id is required")
	}
	matcher, err := topic.Compile(r.Match.TopicPattern)
	if err != nil {
		return bferrors.Wrap(bferrors.KindInvalidInput, err, "invalid rule match topic pattern")
	}
	if err := validateAction(r.Action); err != nil {
		return err
	}
	r.matcher = matcher

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[r.ID] = &r
	e.log.Info("rule registered", zap.String("rule_id", r.ID), zap.Int("priority", r.Priority))
	return nil
}

// validateAction rejects any action the engine cannot fully implement,
// instead of silently no-op'ing it (spec §9's second open question).
func validateAction(a Action) error {
	switch a.Kind {
	case ActionInvokeTool:
		if a.ToolID == "" {
			return bferrors.New(bferrors.KindInvalidInput, "invoke_tool action requires tool_id")
		}
	case ActionEmitEvent:
		if a.Template.Topic == "" {
			return bferrors.New(bferrors.KindInvalidInput, "emit_event action requires a template topic")
		}
		if _, err := topic.Normalize(a.Template.Topic); err != nil {
			return bferrors.Wrap(bferrors.KindInvalidInput, err, "emit_event template topic invalid")
		}
	case ActionForward:
		if a.TargetBus == "" {
			return bferrors.New(bferrors.KindInvalidInput, "forward action requires target_bus")
		}
	case ActionTransform:
		switch a.Expr.Op {
		case "copy", "set":
		default:
			return bferrors.Newf(bferrors.KindInvalidInput, "transform expression op %q is not supported", a.Expr.Op)
		}
		if a.Template.Topic == "" {
			return bferrors.New(bferrors.KindInvalidInput, "transform action requires a template topic")
		}
	case ActionWebhook:
		if a.URL == "" {
			return bferrors.New(bferrors.KindInvalidInput, "webhook action requires a url")
		}
		if a.Method == "" {
			a.Method = "POST"
		}
	case ActionLog:
		if a.LogTemplate == "" {
			return bferrors.New(bferrors.KindInvalidInput, "log action requires a template")
		}
	case ActionCustom:
		if a.CustomKind == "" {
			return bferrors.New(bferrors.KindInvalidInput, "custom action requires a kind")
		}
	case ActionSequence:
		if len(a.Steps) == 0 {
			return bferrors.New(bferrors.KindInvalidInput, "sequence action requires at least one step")
		}
		for i, step := range a.Steps {
			if step.Kind == ActionSequence {
				return bferrors.Newf(bferrors.KindInvalidInput, "sequence step %d: nested sequence actions are not supported", i)
			}
			if err := validateAction(step); err != nil {
				return err
			}
		}
	default:
		return bferrors.Newf(bferrors.KindInvalidInput, "unknown action kind %d", a.Kind)
	}
	return nil
}

// NewExecuteToolAction builds an action from the ExecuteTool wire spelling.
// Per DESIGN.md's open-question decision, InvokeTool and ExecuteTool are
// the same model (a record for external dispatch, never executed
// in-process); ExecuteTool is normalized to ActionInvokeTool here so the
// rest of the engine only ever sees one kind.
func NewExecuteToolAction(toolID string, input map[string]any) Action {
	return Action{Kind: ActionInvokeTool, ToolID: toolID, Input: input}
}

// Remove deletes a rule by id. Returns whether it existed.
func (e *Engine) Remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return false
	}
	delete(e.rules, id)
	return true
}

// SetEnabled flips a rule's enabled flag. Returns NotFound if absent.
func (e *Engine) SetEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return bferrors.New(bferrors.KindNotFound, "rule not found")
	}
	r.Enabled = enabled
	return nil
}

// List returns every registered rule, exactly one entry per id
// (spec §8 property 9).
func (e *Engine) List() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	sortRules(out)
	return out
}

func sortRules(rules []Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

// Evaluate runs every enabled rule against event in ascending
// (priority, id) order (spec §4.5 processing order) and returns the
// effects each match produced. The caller (router) is responsible for
// acting on the effects and for rule-depth enforcement before re-emitting
// anything EmitEvent/Forward/Transform produces.
func (e *Engine) Evaluate(event model.Event) []Outcome {
	e.mu.RLock()
	candidates := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Enabled {
			candidates = append(candidates, r)
		}
	}
	e.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})

	outcomes := make([]Outcome, 0, len(candidates))
	for _, r := range candidates {
		if !matchRule(r, event) {
			continue
		}
		effects := buildEffects(r.ID, r.Action, event)
		outcomes = append(outcomes, Outcome{RuleID: r.ID, Matched: true, Effects: effects})
	}
	return outcomes
}

func matchRule(r *Rule, event model.Event) bool {
	if !r.matcher.Match(event.Topic) {
		return false
	}
	if r.Match.SourceRefEquals != nil && event.SourceRef != *r.Match.SourceRefEquals {
		return false
	}
	if r.Match.TargetRefEquals != nil && event.TargetRef != *r.Match.TargetRefEquals {
		return false
	}
	if r.Match.PayloadPredicate != nil && !r.Match.PayloadPredicate(event.Payload) {
		return false
	}
	return true
}

func buildEffects(ruleID string, a Action, event model.Event) []Effect {
	switch a.Kind {
	case ActionInvokeTool:
		return []Effect{{
			Kind:           ActionInvokeTool,
			ToolInvocation: &ToolInvocation{RuleID: ruleID, ToolID: a.ToolID, Input: a.Input},
		}}
	case ActionEmitEvent:
		return []Effect{{Kind: ActionEmitEvent, EmitEvent: materialize(event, a.Template)}}
	case ActionForward:
		tmpl := a.Template
		if tmpl.Topic == "" {
			tmpl.Topic = event.Topic
		}
		return []Effect{{Kind: ActionForward, ForwardTarget: a.TargetBus, ForwardEvent: materialize(event, tmpl)}}
	case ActionTransform:
		payload := event.Payload
		if a.Expr.Op == "set" {
			payload = mergePayload(event.Payload, a.Expr.Set)
		}
		tmpl := EventTemplate{Topic: a.Template.Topic, Payload: payload, Metadata: event.Metadata}
		return []Effect{{Kind: ActionTransform, EmitEvent: materialize(event, tmpl)}}
	case ActionWebhook:
		method := a.Method
		if method == "" {
			method = "POST"
		}
		return []Effect{{Kind: ActionWebhook, WebhookDispatch: &WebhookDispatch{
			RuleID: ruleID, URL: a.URL, Method: method, Headers: a.Headers, Body: event.Payload,
		}}}
	case ActionLog:
		return []Effect{{Kind: ActionLog, LogEntry: &LogEntry{
			RuleID: ruleID, Level: a.LogLevel,
			Fields: map[string]any{"template": a.LogTemplate, "topic": event.Topic, "event_id": event.EventID},
		}}}
	case ActionCustom:
		return []Effect{{Kind: ActionCustom, Custom: &CustomEffect{RuleID: ruleID, Kind: a.CustomKind, Data: a.CustomData}}}
	case ActionSequence:
		effects := make([]Effect, 0, len(a.Steps))
		for _, step := range a.Steps {
			effects = append(effects, buildEffects(ruleID, step, event)...)
		}
		return effects
	default:
		return nil
	}
}

func materialize(trigger model.Event, tmpl EventTemplate) *model.Event {
	payload := tmpl.Payload
	if payload == nil {
		payload = trigger.Payload
	}
	e := model.New(tmpl.Topic, payload)
	e.SourceRef = trigger.SourceRef
	e.TargetRef = trigger.TargetRef
	e.CorrelationID = trigger.CorrelationID
	e.Metadata = tmpl.Metadata
	e.RuleDepth = trigger.RuleDepth + 1
	return e
}

func mergePayload(base map[string]any, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
