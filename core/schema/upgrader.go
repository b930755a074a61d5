// Package schema manages event payload schema versions and upgrade chains.
package schema

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/eventfold/eventfold/core/event"
	"github.com/eventfold/eventfold/errs"
)

// StepFunc rewrites a payload from one schema version to the next.
type StepFunc func(payload map[string]any) (map[string]any, error)

// Upgrader holds the directed upgrade graph keyed by (event type, from version).
// Each registered step advances exactly one version. The graph is validated
// for connectivity before traffic, so gaps surface at startup rather than at
// first replay.
type Upgrader struct {
	mu      sync.RWMutex
	current map[string]int
	steps   map[string]map[int]StepFunc
}

// NewUpgrader constructs an empty upgrade registry.
func NewUpgrader() *Upgrader {
	return &Upgrader{
		current: make(map[string]int),
		steps:   make(map[string]map[int]StepFunc),
	}
}

// Declare registers the current expected schema version for an event type.
// Types never declared default to version 1 and need no steps.
func (u *Upgrader) Declare(eventType string, currentVersion int) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return errs.New("schema/declare", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if currentVersion < 1 {
		return errs.New("schema/declare", errs.CodeInvalid, errs.WithMessage("current version must be >=1"))
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.current[eventType] = currentVersion
	return nil
}

// Register adds a single upgrade step from fromVersion to fromVersion+1.
func (u *Upgrader) Register(eventType string, fromVersion int, fn StepFunc) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return errs.New("schema/register", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if fromVersion < 1 {
		return errs.New("schema/register", errs.CodeInvalid, errs.WithMessage("from version must be >=1"))
	}
	if fn == nil {
		return errs.New("schema/register", errs.CodeInvalid, errs.WithMessage("step function required"))
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	byVersion, ok := u.steps[eventType]
	if !ok {
		byVersion = make(map[int]StepFunc)
		u.steps[eventType] = byVersion
	}
	if _, dup := byVersion[fromVersion]; dup {
		return errs.New("schema/register", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("duplicate step %s v%d", eventType, fromVersion)))
	}
	byVersion[fromVersion] = fn
	return nil
}

// CurrentVersion returns the expected schema version for an event type.
func (u *Upgrader) CurrentVersion(eventType string) int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if v, ok := u.current[eventType]; ok {
		return v
	}
	return 1
}

// Validate walks every declared chain and fails on the first gap. Intended to
// run at startup; a gap is a deployment defect, not a runtime condition.
func (u *Upgrader) Validate() error {
	u.mu.RLock()
	defer u.mu.RUnlock()

	types := make([]string, 0, len(u.current))
	for t := range u.current {
		types = append(types, t)
	}
	for t := range u.steps {
		if _, declared := u.current[t]; !declared {
			return errs.New("schema/validate", errs.CodeNoMigrationPath,
				errs.WithMessage(fmt.Sprintf("steps registered for undeclared event type %q", t)))
		}
	}
	sort.Strings(types)

	for _, t := range types {
		target := u.current[t]
		for v := 1; v < target; v++ {
			if _, ok := u.steps[t][v]; !ok {
				return errs.New("schema/validate", errs.CodeNoMigrationPath,
					errs.WithMessage(fmt.Sprintf("no step from %s v%d to v%d", t, v, v+1)))
			}
		}
		for v := range u.steps[t] {
			if v >= target {
				return errs.New("schema/validate", errs.CodeNoMigrationPath,
					errs.WithMessage(fmt.Sprintf("step %s v%d exceeds declared current v%d", t, v, target)))
			}
		}
	}
	return nil
}

// Upgrade rewrites the event payload until its schema version matches the
// declared current version. Events already at the current version pass
// through untouched.
func (u *Upgrader) Upgrade(evt event.Event) (event.Event, error) {
	target := u.CurrentVersion(evt.Type)
	if evt.SchemaVersion >= target {
		return evt, nil
	}

	payload, err := evt.PayloadMap()
	if err != nil {
		return event.Event{}, err
	}
	for version := evt.SchemaVersion; version < target; version++ {
		u.mu.RLock()
		step, ok := u.steps[evt.Type][version]
		u.mu.RUnlock()
		if !ok {
			return event.Event{}, errs.New("schema/upgrade", errs.CodeNoMigrationPath,
				errs.WithEvent(evt.ID),
				errs.WithMessage(fmt.Sprintf("no step from %s v%d to v%d", evt.Type, version, version+1)))
		}
		payload, err = step(payload)
		if err != nil {
			return event.Event{}, errs.New("schema/upgrade", errs.CodeNoMigrationPath,
				errs.WithEvent(evt.ID),
				errs.WithMessage(fmt.Sprintf("step %s v%d failed", evt.Type, version)),
				errs.WithCause(err))
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return event.Event{}, errs.New("schema/upgrade", errs.CodeInvalid,
			errs.WithEvent(evt.ID), errs.WithMessage("encode upgraded payload"), errs.WithCause(err))
	}
	evt.Payload = raw
	evt.SchemaVersion = target
	return evt, nil
}
