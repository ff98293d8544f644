// Package rules implements the business rules engine. Rules are evaluated
// against ticket lifecycle events in priority order; matched rules run their
// actions through handlers registered by the composition root.
package rules

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/snowbridge/snowbridge/pkg/errdefs"
	"github.com/snowbridge/snowbridge/pkg/log"
	"github.com/snowbridge/snowbridge/pkg/types"
)

// Operator compares a resolved field against a condition value.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

// ActionType names what a matched rule does.
type ActionType string

const (
	ActionSetField         ActionType = "set_field"
	ActionSendNotification ActionType = "send_notification"
	ActionCreateTask       ActionType = "create_task"
	ActionEscalate         ActionType = "escalate"
	ActionAssign           ActionType = "assign"
)

// Condition is one AND-combined predicate of a rule.
type Condition struct {
	FieldPath string   `yaml:"field_path" json:"field_path"`
	Operator  Operator `yaml:"operator" json:"operator"`
	Value     string   `yaml:"value,omitempty" json:"value,omitempty"`
	Values    []string `yaml:"values,omitempty" json:"values,omitempty"`
}

// Action is one step executed when a rule matches.
type Action struct {
	Type       ActionType        `yaml:"type" json:"type"`
	Parameters map[string]string `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// Rule is an ordered, toggleable condition/action bundle. Events limits
// which lifecycle actions trigger it; empty means all.
type Rule struct {
	ID         string               `yaml:"id" json:"id"`
	Name       string               `yaml:"name" json:"name"`
	Priority   int                  `yaml:"priority" json:"priority"`
	Enabled    bool                 `yaml:"enabled" json:"enabled"`
	Events     []types.ChangeAction `yaml:"events,omitempty" json:"events,omitempty"`
	Conditions []Condition          `yaml:"conditions" json:"conditions"`
	Actions    []Action             `yaml:"actions" json:"actions"`
}

type rulesFile struct {
	Rules []*Rule `yaml:"rules"`
}

// LoadRules reads a rules definition file.
func LoadRules(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errdefs.Wrap(errdefs.KindValidation, err, "failed to parse rules file %s", path)
	}
	return f.Rules, nil
}

// ActionFunc executes one action against a ticket.
type ActionFunc func(ctx context.Context, ticket *types.Ticket, params map[string]string) error

// Engine evaluates rules against ticket events. It implements the hybrid
// service's LifecycleListener contract.
type Engine struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	rules    []*Rule
	handlers map[ActionType]ActionFunc
}

// NewEngine builds an engine with no rules and no handlers.
func NewEngine() *Engine {
	return &Engine{
		logger:   log.WithComponent("rules"),
		handlers: make(map[ActionType]ActionFunc),
	}
}

// RegisterAction installs the handler for an action type, replacing any
// previous one.
func (e *Engine) RegisterAction(t ActionType, fn ActionFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[t] = fn
}

// Reload replaces the rule set atomically. Rules are kept sorted by
// priority, lower first.
func (e *Engine) Reload(rules []*Rule) {
	sorted := make([]*Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	e.mu.Lock()
	e.rules = sorted
	e.mu.Unlock()
	e.logger.Info().Int("count", len(sorted)).Msg("rules reloaded")
}

// Rules returns a snapshot of the current rule set.
func (e *Engine) Rules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// OnTicketEvent evaluates every enabled rule against the ticket. Action
// failures are logged and do not stop the remaining actions or rules.
func (e *Engine) OnTicketEvent(ctx context.Context, action types.ChangeAction, ticket *types.Ticket) {
	e.mu.RLock()
	rules := e.rules
	handlers := e.handlers
	e.mu.RUnlock()

	for _, rule := range rules {
		if !rule.Enabled || !rule.triggersOn(action) {
			continue
		}
		matched, err := e.matches(rule, ticket)
		if err != nil {
			e.logger.Warn().Err(err).Str("rule", rule.Name).Msg("rule evaluation failed")
			continue
		}
		if !matched {
			continue
		}
		e.logger.Debug().Str("rule", rule.Name).Str("ticket", ticket.SysID).Msg("rule matched")
		for _, act := range rule.Actions {
			fn, ok := handlers[act.Type]
			if !ok {
				e.logger.Warn().Str("rule", rule.Name).Str("action", string(act.Type)).Msg("no handler for action")
				continue
			}
			if err := fn(ctx, ticket, act.Parameters); err != nil {
				e.logger.Error().Err(err).
					Str("rule", rule.Name).
					Str("action", string(act.Type)).
					Str("ticket", ticket.SysID).
					Msg("action failed")
			}
		}
	}
}

func (r *Rule) triggersOn(action types.ChangeAction) bool {
	if len(r.Events) == 0 {
		return true
	}
	for _, ev := range r.Events {
		if ev == action {
			return true
		}
	}
	return false
}

func (e *Engine) matches(rule *Rule, ticket *types.Ticket) (bool, error) {
	for _, cond := range rule.Conditions {
		ok, err := evalCondition(cond, ticket)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalCondition(cond Condition, ticket *types.Ticket) (bool, error) {
	got, err := ResolvePath(ticket, cond.FieldPath)
	if err != nil {
		return false, err
	}

	switch cond.Operator {
	case OpEquals:
		return got == cond.Value, nil
	case OpNotEquals:
		return got != cond.Value, nil
	case OpContains:
		return strings.Contains(got, cond.Value), nil
	case OpNotContains:
		return !strings.Contains(got, cond.Value), nil
	case OpGreaterThan, OpLessThan:
		a, errA := strconv.ParseFloat(got, 64)
		b, errB := strconv.ParseFloat(cond.Value, 64)
		if errA != nil || errB != nil {
			return false, errdefs.Validation("operator %s needs numeric operands, got %q and %q",
				cond.Operator, got, cond.Value)
		}
		if cond.Operator == OpGreaterThan {
			return a > b, nil
		}
		return a < b, nil
	case OpIn:
		return containsString(cond.Values, got), nil
	case OpNotIn:
		return !containsString(cond.Values, got), nil
	}
	return false, errdefs.Validation("unknown operator %q", cond.Operator)
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// ResolvePath navigates a dot-separated path over the ticket's canonical
// fields and its payload map. Unknown paths are a validation error.
func ResolvePath(ticket *types.Ticket, path string) (string, error) {
	head, rest, _ := strings.Cut(path, ".")
	switch head {
	case "sys_id":
		return ticket.SysID, nil
	case "number":
		return ticket.Number, nil
	case "table":
		return string(ticket.Table), nil
	case "state":
		return ticket.State, nil
	case "priority":
		return strconv.Itoa(ticket.Priority), nil
	case "short_description":
		return ticket.ShortDescription, nil
	case "description":
		return ticket.Description, nil
	case "assignment_group":
		return ticket.AssignmentGroup, nil
	case "assigned_to":
		return ticket.AssignedTo, nil
	case "caller":
		return ticket.Caller, nil
	case "created_at":
		return ticket.CreatedAt.Format(time.RFC3339), nil
	case "updated_at":
		return ticket.UpdatedAt.Format(time.RFC3339), nil
	case "payload":
		if rest == "" {
			return "", errdefs.Validation("path %q does not name a payload field", path)
		}
		val, ok := ticket.Payload[rest]
		if !ok {
			return "", errdefs.Validation("unknown payload field %q", rest)
		}
		return val, nil
	}
	return "", errdefs.Validation("unknown field path %q", path)
}
