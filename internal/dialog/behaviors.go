package dialog

import (
	"sort"
	"time"

	"github.com/zulandar/switchyard/internal/message"
)

// maxReturned caps the diagnostic list of resolved callback ids.
const maxReturned = 10

// Callback is one outstanding integration request.
type Callback struct {
	BehaviorID        string                    `json:"behavior_id"`
	ExpireTime        time.Time                 `json:"expire_time"`
	ScenarioID        string                    `json:"scenario_id,omitempty"`
	TextPreprocessing *message.PreprocessedText `json:"text_preprocessing_result,omitempty"`
	ActionParams      map[string]any            `json:"action_params,omitempty"`
	Hostname          string                    `json:"hostname,omitempty"`
	LocalVars         *LocalContext             `json:"local_vars,omitempty"`
	OriginMessageID   int64                     `json:"origin_message_id,omitempty"`
	RequestName       string                    `json:"request_name,omitempty"`
}

// Expired reports whether the callback's deadline has passed.
func (cb Callback) Expired(now time.Time) bool {
	return !cb.ExpireTime.After(now)
}

// Behaviors is a user's table of outstanding callbacks keyed by callback id.
type Behaviors struct {
	Callbacks map[string]Callback `json:"callbacks"`
	Returned  []string            `json:"returned_callbacks,omitempty"`
}

// NewBehaviors returns an empty table.
func NewBehaviors() *Behaviors {
	return &Behaviors{Callbacks: make(map[string]Callback)}
}

// Add registers a callback, replacing any entry with the same id.
func (b *Behaviors) Add(callbackID string, cb Callback) {
	if b.Callbacks == nil {
		b.Callbacks = make(map[string]Callback)
	}
	b.Callbacks[callbackID] = cb
}

// Get looks up a callback.
func (b *Behaviors) Get(callbackID string) (Callback, bool) {
	cb, ok := b.Callbacks[callbackID]
	return cb, ok
}

// Has reports whether a callback is outstanding.
func (b *Behaviors) Has(callbackID string) bool {
	_, ok := b.Callbacks[callbackID]
	return ok
}

// Remove deletes a callback and records its id as returned.
func (b *Behaviors) Remove(callbackID string) (Callback, bool) {
	cb, ok := b.Callbacks[callbackID]
	if !ok {
		return Callback{}, false
	}
	delete(b.Callbacks, callbackID)
	b.Returned = append(b.Returned, callbackID)
	if len(b.Returned) > maxReturned {
		b.Returned = b.Returned[len(b.Returned)-maxReturned:]
	}
	return cb, true
}

// Clear removes every outstanding callback and returns their ids.
func (b *Behaviors) Clear() []string {
	ids := b.IDs()
	for _, id := range ids {
		b.Remove(id)
	}
	return ids
}

// Expiring returns the ids of callbacks whose deadline has passed, oldest
// first, without removing them.
func (b *Behaviors) Expiring(now time.Time) []string {
	var ids []string
	for id, cb := range b.Callbacks {
		if cb.Expired(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := b.Callbacks[ids[i]].ExpireTime, b.Callbacks[ids[j]].ExpireTime
		if ti.Equal(tj) {
			return ids[i] < ids[j]
		}
		return ti.Before(tj)
	})
	return ids
}

// Expire removes every callback whose deadline has passed and returns them.
func (b *Behaviors) Expire(now time.Time) map[string]Callback {
	expired := make(map[string]Callback)
	for _, id := range b.Expiring(now) {
		cb, _ := b.Remove(id)
		expired[id] = cb
	}
	return expired
}

// HasBehavior reports whether a callback of the given behavior is outstanding.
func (b *Behaviors) HasBehavior(behaviorID string) bool {
	for _, cb := range b.Callbacks {
		if cb.BehaviorID == behaviorID {
			return true
		}
	}
	return false
}

// NextExpiry returns the earliest deadline, or the zero time when the table
// is empty.
func (b *Behaviors) NextExpiry() time.Time {
	var next time.Time
	for _, cb := range b.Callbacks {
		if next.IsZero() || cb.ExpireTime.Before(next) {
			next = cb.ExpireTime
		}
	}
	return next
}

// IDs returns the outstanding callback ids in sorted order.
func (b *Behaviors) IDs() []string {
	ids := make([]string, 0, len(b.Callbacks))
	for id := range b.Callbacks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of outstanding callbacks.
func (b *Behaviors) Len() int {
	return len(b.Callbacks)
}
