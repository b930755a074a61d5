// Package aggregate reconstructs aggregate state from ordered event history.
package aggregate

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/eventfold/eventfold/core/event"
	"github.com/eventfold/eventfold/errs"
)

// Root is implemented by every event-sourced aggregate. State must be a pure
// fold over the ordered event sequence: replaying the same events in the same
// order always yields the same state.
type Root interface {
	AggregateID() string
	AggregateType() string
	sequence() int64
	setSequence(seq int64)
	setIdentity(id string)
}

// Base carries identity and sequence bookkeeping for aggregate roots. Embed it
// in the aggregate struct; fields are unexported so only the repository
// advances the sequence.
type Base struct {
	ID  string `json:"-"`
	Seq int64  `json:"-"`
}

func (b *Base) sequence() int64       { return b.Seq }
func (b *Base) setSequence(seq int64) { b.Seq = seq }
func (b *Base) setIdentity(id string) { b.ID = id }

// AggregateID returns the aggregate identity.
func (b *Base) AggregateID() string { return b.ID }

// CurrentSequence returns the sequence number of the last applied event.
func (b *Base) CurrentSequence() int64 { return b.Seq }

// HandlerFunc applies one event to the aggregate state.
type HandlerFunc func(root Root, evt event.Event) error

// FactoryFunc constructs an empty aggregate root for the given identity.
type FactoryFunc func(id string) Root

// Registry resolves per-event-type dispatch at startup instead of reflecting
// at replay time, so missing handlers are a detectable configuration gap.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]FactoryFunc
	handlers  map[string]map[string]HandlerFunc
	declared  map[string]map[string]struct{}
}

// NewRegistry constructs an empty aggregate registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]FactoryFunc),
		handlers:  make(map[string]map[string]HandlerFunc),
		declared:  make(map[string]map[string]struct{}),
	}
}

// RegisterAggregate binds a factory and the set of event types the aggregate
// declares. Declared types without handlers are reported by Validate.
func (r *Registry) RegisterAggregate(aggregateType string, factory FactoryFunc, eventTypes ...string) error {
	aggregateType = strings.TrimSpace(aggregateType)
	if aggregateType == "" {
		return errs.New("aggregate/register", errs.CodeInvalid, errs.WithMessage("aggregate type required"))
	}
	if factory == nil {
		return errs.New("aggregate/register", errs.CodeInvalid, errs.WithMessage("factory required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[aggregateType]; dup {
		return errs.New("aggregate/register", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("aggregate type %q already registered", aggregateType)))
	}
	r.factories[aggregateType] = factory
	declared := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		t = strings.TrimSpace(t)
		if t != "" {
			declared[t] = struct{}{}
		}
	}
	r.declared[aggregateType] = declared
	return nil
}

// RegisterHandler binds the handler invoked when folding the given event type.
func (r *Registry) RegisterHandler(aggregateType, eventType string, handler HandlerFunc) error {
	aggregateType = strings.TrimSpace(aggregateType)
	eventType = strings.TrimSpace(eventType)
	if aggregateType == "" || eventType == "" {
		return errs.New("aggregate/register", errs.CodeInvalid, errs.WithMessage("aggregate and event type required"))
	}
	if handler == nil {
		return errs.New("aggregate/register", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byEvent, ok := r.handlers[aggregateType]
	if !ok {
		byEvent = make(map[string]HandlerFunc)
		r.handlers[aggregateType] = byEvent
	}
	if _, dup := byEvent[eventType]; dup {
		return errs.New("aggregate/register", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("handler for %s/%s already registered", aggregateType, eventType)))
	}
	byEvent[eventType] = handler
	return nil
}

// Validate reports declared event types that have no handler. Run at startup.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for aggregateType, declared := range r.declared {
		for eventType := range declared {
			if _, ok := r.handlers[aggregateType][eventType]; !ok {
				missing = append(missing, aggregateType+"/"+eventType)
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return errs.New("aggregate/validate", errs.CodeInvalid,
		errs.WithMessage("declared event types without handlers: "+strings.Join(missing, ", ")))
}

// NewRoot constructs an empty root for the aggregate type.
func (r *Registry) NewRoot(aggregateType, id string) (Root, error) {
	r.mu.RLock()
	factory, ok := r.factories[aggregateType]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New("aggregate/new", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("unknown aggregate type %q", aggregateType)))
	}
	root := factory(id)
	root.setIdentity(id)
	return root, nil
}

// handler returns the handler for the event type, or false when the event
// type is unknown to this aggregate.
func (r *Registry) handler(aggregateType, eventType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[aggregateType][eventType]
	return h, ok
}
