package projection

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/eventfold/eventfold/core/event"
	"github.com/eventfold/eventfold/errs"
)

// ruleSet is a read model compiled for evaluation: transform expressions are
// compiled once at startup so a bad expression fails deployment, not traffic.
type ruleSet struct {
	model   ReadModel
	byEvent map[string][]*compiledField
	vmMu    sync.Mutex
	vm      *goja.Runtime
}

type compiledField struct {
	rule    FieldRule
	program *goja.Program
	parts   []*compiledField
}

func compileModel(model ReadModel) (*ruleSet, error) {
	rs := &ruleSet{
		model:   model,
		byEvent: make(map[string][]*compiledField, len(model.Rules)),
		vm:      goja.New(),
	}
	for _, rule := range model.Rules {
		fields := make([]*compiledField, 0, len(rule.Fields))
		for _, field := range rule.Fields {
			compiled, err := compileField(model.Name, rule.EventType, field)
			if err != nil {
				return nil, err
			}
			fields = append(fields, compiled)
		}
		rs.byEvent[rule.EventType] = fields
	}
	return rs, nil
}

func compileField(model, eventType string, field FieldRule) (*compiledField, error) {
	out := &compiledField{rule: field}
	switch field.Kind {
	case RuleTransform:
		program, err := goja.Compile(model+"/"+eventType+"/"+field.Field, field.Expr, true)
		if err != nil {
			return nil, errs.New("projection/compile", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("read model %q rule %q field %q: compile expression", model, eventType, field.Field)),
				errs.WithCause(err))
		}
		out.program = program
	case RuleComposite:
		for _, part := range field.Parts {
			compiled, err := compileField(model, eventType, part)
			if err != nil {
				return nil, err
			}
			out.parts = append(out.parts, compiled)
		}
	case RuleCopy:
		// nothing to precompile
	}
	return out, nil
}

// evaluate produces the field updates for one event, or a projection_failed
// error naming the offending rule.
func (rs *ruleSet) evaluate(evt event.Event, fields []*compiledField) (map[string]any, error) {
	payload, err := evt.PayloadMap()
	if err != nil {
		return nil, errs.New("projection/evaluate", errs.CodeProjectionFailed,
			errs.WithEvent(evt.ID), errs.WithAggregate(evt.AggregateID),
			errs.WithMessage("decode payload"), errs.WithCause(err))
	}
	meta := map[string]any{
		"eventId":       evt.ID,
		"eventType":     evt.Type,
		"aggregateId":   evt.AggregateID,
		"aggregateType": evt.AggregateType,
		"sequence":      evt.Sequence,
		"occurredAt":    evt.OccurredAt.Format("2006-01-02T15:04:05.999999999Z07:00"),
		"correlationId": evt.CorrelationID,
	}

	updates := make(map[string]any, len(fields))
	for _, field := range fields {
		value, err := rs.evaluateField(field, payload, meta)
		if err != nil {
			return nil, errs.New("projection/evaluate", errs.CodeProjectionFailed,
				errs.WithEvent(evt.ID), errs.WithAggregate(evt.AggregateID),
				errs.WithMessage(fmt.Sprintf("read model %q field %q", rs.model.Name, field.rule.Field)),
				errs.WithCause(err))
		}
		updates[field.rule.Field] = value
	}
	return updates, nil
}

func (rs *ruleSet) evaluateField(field *compiledField, payload, meta map[string]any) (any, error) {
	switch field.rule.Kind {
	case RuleCopy:
		value, ok := lookupPath(payload, field.rule.Source)
		if !ok {
			return nil, fmt.Errorf("payload path %q not found", field.rule.Source)
		}
		return value, nil
	case RuleTransform:
		return rs.runTransform(field.program, payload, meta)
	case RuleComposite:
		parts := make([]string, 0, len(field.parts))
		for _, part := range field.parts {
			value, err := rs.evaluateField(part, payload, meta)
			if err != nil {
				return nil, err
			}
			parts = append(parts, fmt.Sprint(value))
		}
		return strings.Join(parts, field.rule.Join), nil
	default:
		return nil, fmt.Errorf("unknown rule kind %q", field.rule.Kind)
	}
}

// runTransform executes the compiled expression with payload and meta bound
// as globals. The goja runtime is not safe for concurrent use, so it is
// serialized per rule set.
func (rs *ruleSet) runTransform(program *goja.Program, payload, meta map[string]any) (any, error) {
	rs.vmMu.Lock()
	defer rs.vmMu.Unlock()
	if err := rs.vm.Set("payload", payload); err != nil {
		return nil, fmt.Errorf("bind payload: %w", err)
	}
	if err := rs.vm.Set("meta", meta); err != nil {
		return nil, fmt.Errorf("bind meta: %w", err)
	}
	value, err := rs.vm.RunProgram(program)
	if err != nil {
		return nil, fmt.Errorf("run expression: %w", err)
	}
	return value.Export(), nil
}

// lookupPath resolves a dot path into nested payload maps.
func lookupPath(payload map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = payload
	for _, segment := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
