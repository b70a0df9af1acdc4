// Package dialog holds the per-user state Switchyard persists between
// messages: the dialog Context, its per-transaction LocalContext and the
// table of outstanding integration callbacks.
package dialog

import (
	"time"

	"github.com/zulandar/switchyard/internal/message"
)

// DefaultTransactionTimeout is how long a transaction stays live without a
// new step.
const DefaultTransactionTimeout = 10 * time.Second

// Context is the dialog state kept for one user.
type Context struct {
	Screen                  string        `json:"screen,omitempty"`
	LastScreen              string        `json:"last_screen,omitempty"`
	Event                   string        `json:"event,omitempty"`
	LastEvent               string        `json:"last_event,omitempty"`
	LastResponseMessageName string        `json:"last_response_message_name,omitempty"`
	LastIntent              string        `json:"last_intent,omitempty"`
	Local                   *LocalContext `json:"local"`
}

// NewContext returns an empty Context with an empty LocalContext.
func NewContext() *Context {
	return &Context{Local: &LocalContext{}}
}

// SetEvent records the event being handled and shifts the previous one into
// LastEvent.
func (c *Context) SetEvent(event string) {
	if event == "" || event == c.Event {
		return
	}
	c.LastEvent = c.Event
	c.Event = event
}

// LocalContext is the scratchpad of a single transaction.
type LocalContext struct {
	BaseEvent           string                    `json:"base_event,omitempty"`
	BaseMessage         *message.Message          `json:"base_message,omitempty"`
	LastTransactionStep time.Time                 `json:"last_transaction_step_timestamp"`
	InitEvent           string                    `json:"init_event,omitempty"`
	CharacterID         string                    `json:"character_id,omitempty"`
	CallHistory         []message.CallHistoryItem `json:"call_history,omitempty"`
	IsolatedScenarioID  string                    `json:"isolated_scenario_id,omitempty"`
	RunIsolatedScenario bool                      `json:"run_isolated_scenario,omitempty"`
	Vars                map[string]any            `json:"vars,omitempty"`
}

// NewLocalContext returns a fresh scratchpad for a transaction that starts
// with initEvent.
func NewLocalContext(initEvent, characterID string) *LocalContext {
	return &LocalContext{
		InitEvent:   initEvent,
		CharacterID: characterID,
	}
}

// Live reports whether the scratchpad belongs to a transaction that is still
// in progress: a base event is set and the last step is younger than timeout.
func (l *LocalContext) Live(now time.Time, timeout time.Duration) bool {
	if l == nil || l.BaseEvent == "" {
		return false
	}
	return now.Sub(l.LastTransactionStep) < timeout
}

// Start records the event and message that begin a transaction.
func (l *LocalContext) Start(event string, base *message.Message, now time.Time) {
	l.BaseEvent = event
	l.BaseMessage = base.Clone()
	l.LastTransactionStep = now
}

// Step refreshes the transaction's idle clock.
func (l *LocalContext) Step(now time.Time) {
	l.LastTransactionStep = now
}

// Finish clears the transaction fields. Vars and call history survive until
// the next transaction replaces the scratchpad.
func (l *LocalContext) Finish() {
	l.BaseEvent = ""
	l.BaseMessage = nil
	l.LastTransactionStep = time.Time{}
}

// Record appends an action invocation to the call history.
func (l *LocalContext) Record(item message.CallHistoryItem) {
	l.CallHistory = append(l.CallHistory, item)
}

// Set stores a caller-defined value.
func (l *LocalContext) Set(key string, value any) {
	if l.Vars == nil {
		l.Vars = make(map[string]any)
	}
	l.Vars[key] = value
}

// Get returns a caller-defined value.
func (l *LocalContext) Get(key string) (any, bool) {
	v, ok := l.Vars[key]
	return v, ok
}

// GetString returns a caller-defined string value, or "".
func (l *LocalContext) GetString(key string) string {
	s, _ := l.Vars[key].(string)
	return s
}

// Clone returns a copy that shares no mutable state with l.
func (l *LocalContext) Clone() *LocalContext {
	if l == nil {
		return nil
	}
	c := *l
	c.BaseMessage = l.BaseMessage.Clone()
	if l.CallHistory != nil {
		c.CallHistory = append([]message.CallHistoryItem(nil), l.CallHistory...)
	}
	if l.Vars != nil {
		c.Vars = make(map[string]any, len(l.Vars))
		for k, v := range l.Vars {
			c.Vars[k] = v
		}
	}
	return &c
}
