// Package projection maintains denormalized read models derived from the
// event stream, both in real time and through batch catchup.
package projection

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/eventfold/eventfold/errs"
)

// RuleKind selects how a field rule produces its value.
type RuleKind string

const (
	// RuleCopy copies a payload value addressed by a dot path.
	RuleCopy RuleKind = "copy"
	// RuleTransform evaluates a JS expression over payload and meta.
	RuleTransform RuleKind = "transform"
	// RuleComposite joins the values of its parts into one string field.
	RuleComposite RuleKind = "composite"
)

// FieldRule maps one projection field from an event.
type FieldRule struct {
	Field  string      `json:"field" yaml:"field"`
	Kind   RuleKind    `json:"kind" yaml:"kind"`
	Source string      `json:"source,omitempty" yaml:"source,omitempty"`
	Expr   string      `json:"expr,omitempty" yaml:"expr,omitempty"`
	Parts  []FieldRule `json:"parts,omitempty" yaml:"parts,omitempty"`
	Join   string      `json:"join,omitempty" yaml:"join,omitempty"`
}

// Rule binds an event type to the field rules it drives.
type Rule struct {
	EventType string      `json:"event_type" yaml:"event_type"`
	Fields    []FieldRule `json:"fields" yaml:"fields"`
}

// ReadModel declares one denormalized view over an aggregate type's events.
type ReadModel struct {
	Name          string `json:"name" yaml:"name"`
	AggregateType string `json:"aggregate_type" yaml:"aggregate_type"`
	Rules         []Rule `json:"rules" yaml:"rules"`
}

// EventTypes returns the sorted set of event types the model consumes.
func (m ReadModel) EventTypes() []string {
	seen := make(map[string]struct{}, len(m.Rules))
	for _, rule := range m.Rules {
		seen[rule.EventType] = struct{}{}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate checks structural requirements before the model is compiled.
func (m ReadModel) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return errs.New("projection/validate", errs.CodeInvalid, errs.WithMessage("read model name required"))
	}
	if len(m.Rules) == 0 {
		return errs.New("projection/validate", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("read model %q declares no rules", m.Name)))
	}
	seen := make(map[string]struct{}, len(m.Rules))
	for _, rule := range m.Rules {
		if strings.TrimSpace(rule.EventType) == "" {
			return errs.New("projection/validate", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("read model %q has a rule without an event type", m.Name)))
		}
		if _, dup := seen[rule.EventType]; dup {
			return errs.New("projection/validate", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("read model %q declares event type %q twice", m.Name, rule.EventType)))
		}
		seen[rule.EventType] = struct{}{}
		if len(rule.Fields) == 0 {
			return errs.New("projection/validate", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("read model %q rule %q has no field rules", m.Name, rule.EventType)))
		}
		for _, field := range rule.Fields {
			if err := field.validate(m.Name, rule.EventType); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f FieldRule) validate(model, eventType string) error {
	where := fmt.Sprintf("read model %q rule %q field %q", model, eventType, f.Field)
	if strings.TrimSpace(f.Field) == "" {
		return errs.New("projection/validate", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("read model %q rule %q has a field rule without a field name", model, eventType)))
	}
	switch f.Kind {
	case RuleCopy:
		if strings.TrimSpace(f.Source) == "" {
			return errs.New("projection/validate", errs.CodeInvalid,
				errs.WithMessage(where+": copy rule requires a source path"))
		}
	case RuleTransform:
		if strings.TrimSpace(f.Expr) == "" {
			return errs.New("projection/validate", errs.CodeInvalid,
				errs.WithMessage(where+": transform rule requires an expression"))
		}
	case RuleComposite:
		if len(f.Parts) == 0 {
			return errs.New("projection/validate", errs.CodeInvalid,
				errs.WithMessage(where+": composite rule requires parts"))
		}
		for _, part := range f.Parts {
			if err := part.validate(model, eventType); err != nil {
				return err
			}
		}
	default:
		return errs.New("projection/validate", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("%s: unknown rule kind %q", where, f.Kind)))
	}
	return nil
}

// Fingerprint returns a stable hash of the whole model declaration. Catchup
// triggers when it differs from the hash recorded at the last run.
func (m ReadModel) Fingerprint() string {
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RuleHashes returns per-event-type rule hashes, used to identify which rules
// changed since the last run so catchup backfills only those.
func (m ReadModel) RuleHashes() map[string]string {
	hashes := make(map[string]string, len(m.Rules))
	for _, rule := range m.Rules {
		data, err := json.Marshal(rule)
		if err != nil {
			continue
		}
		sum := sha256.Sum256(data)
		hashes[rule.EventType] = hex.EncodeToString(sum[:])
	}
	return hashes
}
