// Package scenario is the Switchyard state-machine engine: scenarios and
// screens hold classifiers, forms and action tables, and the ContextManager
// routes every inbound message through them.
package scenario

import (
	"context"
	"fmt"
)

// DefaultBaseEvent keys the action bucket used outside a transaction, or
// when no bucket matches the transaction's base event.
const DefaultBaseEvent = "DEFAULT"

type actionTable map[string]map[string][]Action

func (t actionTable) add(event, base string, a Action) {
	if base == "" {
		base = DefaultBaseEvent
	}
	if t[event] == nil {
		t[event] = make(map[string][]Action)
	}
	t[event][base] = append(t[event][base], a)
}

func (t actionTable) merge(other actionTable) {
	for ev, buckets := range other {
		for base, list := range buckets {
			for _, a := range list {
				t.add(ev, base, a)
			}
		}
	}
}

// bucket returns the candidates for event, preferring the base event's
// bucket over DEFAULT. ok is false when the event is not registered.
func (t actionTable) bucket(event, base string) ([]Action, bool) {
	buckets, ok := t[event]
	if !ok {
		return nil, false
	}
	if base != "" {
		if list, ok := buckets[base]; ok {
			return list, true
		}
	}
	return buckets[DefaultBaseEvent], true
}

// Scenario is a named bag of classifiers, a form and action tables. It is
// mutable until registered with a ContextManager and read-only afterwards.
type Scenario struct {
	id          string
	classifiers []classifierEntry
	form        *Form
	actions     actionTable
	timeouts    actionTable

	defaultTimeout Action
	fallback       Action
	errorAction    Action

	ancestors map[string]bool
	frozen    bool
}

// New returns an empty scenario.
func New(id string) *Scenario {
	return &Scenario{
		id:        id,
		actions:   make(actionTable),
		timeouts:  make(actionTable),
		ancestors: map[string]bool{id: true},
	}
}

// ID returns the scenario id.
func (s *Scenario) ID() string { return s.id }

func (s *Scenario) mutable() {
	if s.frozen {
		panic(fmt.Sprintf("scenario: %s modified after registration", s.id))
	}
}

// On registers an action for event outside any transaction base event.
func (s *Scenario) On(event string, a Action) *Scenario {
	return s.OnBase(event, DefaultBaseEvent, a)
}

// OnBase registers an action for event inside a transaction started by base.
func (s *Scenario) OnBase(event, base string, a Action) *Scenario {
	s.mutable()
	s.actions.add(event, base, a)
	return s
}

// OnTimeout registers the action run when the outstanding request named
// requestName times out.
func (s *Scenario) OnTimeout(requestName string, a Action) *Scenario {
	return s.OnTimeoutBase(requestName, DefaultBaseEvent, a)
}

// OnTimeoutBase is OnTimeout specialized by the transaction's base event.
func (s *Scenario) OnTimeoutBase(requestName, base string, a Action) *Scenario {
	s.mutable()
	s.timeouts.add(requestName, base, a)
	return s
}

// SetDefaultTimeout sets the action for timeouts no table entry handles.
func (s *Scenario) SetDefaultTimeout(a Action) *Scenario {
	s.mutable()
	s.defaultTimeout = a
	return s
}

// SetFallback sets the action for voice requests nothing else handled.
func (s *Scenario) SetFallback(a Action) *Scenario {
	s.mutable()
	s.fallback = a
	return s
}

// SetError sets the action run when handling fails.
func (s *Scenario) SetError(a Action) *Scenario {
	s.mutable()
	s.errorAction = a
	return s
}

// AddClassifier appends to the classifier pipeline. c must implement
// Classifier, LegacyClassifier, or both.
func (s *Scenario) AddClassifier(c any) *Scenario {
	s.mutable()
	e, ok := entryFor(c)
	if !ok {
		panic(fmt.Sprintf("scenario: %s: %T is not a classifier", s.id, c))
	}
	s.classifiers = append(s.classifiers, e)
	return s
}

// AddField registers a native form field.
func (s *Scenario) AddField(name string, f Filler) *Scenario {
	s.mutable()
	s.formFor().Add(name, f)
	return s
}

// AddLegacyField registers a legacy form field.
func (s *Scenario) AddLegacyField(name string, f LegacyFiller) *Scenario {
	s.mutable()
	s.formFor().AddLegacy(name, f)
	return s
}

// SetForm replaces the form.
func (s *Scenario) SetForm(f *Form) *Scenario {
	s.mutable()
	s.form = f
	return s
}

func (s *Scenario) formFor() *Form {
	if s.form == nil {
		s.form = NewForm()
	}
	return s.form
}

// Extend merges other into s: actions concatenate per (event, base event),
// classifiers append, form fields merge with other winning. Singletons s
// already has are kept. Extending a scenario that already derives from s
// returns ErrCyclicExtend.
func (s *Scenario) Extend(other *Scenario) error {
	s.mutable()
	if other.ancestors[s.id] {
		return fmt.Errorf("%w: %s extends %s", ErrCyclicExtend, s.id, other.id)
	}
	for id := range other.ancestors {
		s.ancestors[id] = true
	}
	s.actions.merge(other.actions)
	s.timeouts.merge(other.timeouts)
	s.classifiers = append(s.classifiers, other.classifiers...)
	if other.form != nil {
		s.formFor().Merge(other.form)
	}
	if s.defaultTimeout == nil {
		s.defaultTimeout = other.defaultTimeout
	}
	if s.fallback == nil {
		s.fallback = other.fallback
	}
	if s.errorAction == nil {
		s.errorAction = other.errorAction
	}
	return nil
}

// Handles reports whether any action is registered for event.
func (s *Scenario) Handles(event string) bool {
	_, ok := s.actions[event]
	return ok
}

func (s *Scenario) freeze() { s.frozen = true }

// classify runs the pipeline; the first non-empty event wins.
func (s *Scenario) classify(ctx context.Context, req *Request) string {
	for _, c := range s.classifiers {
		if ev := c.classify(ctx, req); ev != "" {
			return ev
		}
	}
	return ""
}

// Screen is a scenario selected by the frontend's current screen.
type Screen struct {
	*Scenario
}

// NewScreen returns an empty screen for screen id.
func NewScreen(id string) *Screen {
	return &Screen{Scenario: New(id)}
}
