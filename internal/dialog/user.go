package dialog

import (
	"strconv"
)

// User owns the persisted state of one assistant user.
type User struct {
	ID        string                  `json:"id"`
	Context   *Context                `json:"context"`
	Behaviors *Behaviors              `json:"behaviors"`
	Snapshots map[string]LocalContext `json:"snapshots,omitempty"`
}

// NewUser returns a user with empty state.
func NewUser(id string) *User {
	return &User{
		ID:        id,
		Context:   NewContext(),
		Behaviors: NewBehaviors(),
	}
}

// Normalize fills in nil members after decoding a stored user.
func (u *User) Normalize() {
	if u.Context == nil {
		u.Context = NewContext()
	}
	if u.Context.Local == nil {
		u.Context.Local = &LocalContext{}
	}
	if u.Behaviors == nil {
		u.Behaviors = NewBehaviors()
	}
	if u.Behaviors.Callbacks == nil {
		u.Behaviors.Callbacks = make(map[string]Callback)
	}
}

// SaveSnapshot stores a copy of local under the id of the message that
// produced an in-flight integration request.
func (u *User) SaveSnapshot(messageID int64, local *LocalContext) {
	if local == nil {
		return
	}
	if u.Snapshots == nil {
		u.Snapshots = make(map[string]LocalContext)
	}
	u.Snapshots[snapshotKey(messageID)] = *local.Clone()
}

// Snapshot returns the stored copy for messageID.
func (u *User) Snapshot(messageID int64) (*LocalContext, bool) {
	l, ok := u.Snapshots[snapshotKey(messageID)]
	if !ok {
		return nil, false
	}
	return l.Clone(), true
}

// DropSnapshots forgets every stored copy.
func (u *User) DropSnapshots() {
	u.Snapshots = nil
}

func snapshotKey(messageID int64) string {
	return strconv.FormatInt(messageID, 10)
}
