package scenario

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/zulandar/switchyard/internal/dialog"
	"github.com/zulandar/switchyard/internal/message"
	"go.uber.org/zap"
)

const (
	// DefaultExpirationDelay is added to a behavior's timeout so the engine's
	// own LOCAL_TIMEOUT never races an integration reply sent at the deadline.
	DefaultExpirationDelay = time.Second

	// DefaultBehaviorTimeout applies to behaviors that set no timeout.
	DefaultBehaviorTimeout = 5 * time.Second
)

// Behavior configures how callbacks of one kind of integration request are
// resolved.
type Behavior struct {
	ID             string
	Timeout        time.Duration
	SuccessAction  Action
	FailAction     Action
	TimeoutAction  Action
	MisstateAction Action

	// LoopDef enables loop prevention: PendingBehavior requirements hold
	// while a callback of this behavior is outstanding.
	LoopDef bool
}

// Callback outcomes a behavior can configure an action for.
const (
	OutcomeSuccess  = "success"
	OutcomeFail     = "fail"
	OutcomeTimeout  = "timeout"
	OutcomeMisstate = "misstate"
)

// Action returns the action configured for outcome, or nil.
func (b Behavior) Action(outcome string) Action {
	switch outcome {
	case OutcomeSuccess:
		return b.SuccessAction
	case OutcomeFail:
		return b.FailAction
	case OutcomeTimeout:
		return b.TimeoutAction
	case OutcomeMisstate:
		return b.MisstateAction
	}
	return nil
}

// BehaviorRunnerOpts holds parameters for creating a BehaviorRunner.
type BehaviorRunnerOpts struct {
	Behaviors       []Behavior
	ExpirationDelay time.Duration
	Hostname        string
	Clock           func() time.Time
	Logger          *zap.Logger
}

// BehaviorRunner resolves a user's outstanding callbacks through the
// configured behaviors.
type BehaviorRunner struct {
	behaviors map[string]Behavior
	delay     time.Duration
	hostname  string
	clock     func() time.Time
	log       *zap.Logger
}

// NewBehaviorRunner creates a BehaviorRunner.
func NewBehaviorRunner(opts BehaviorRunnerOpts) (*BehaviorRunner, error) {
	r := &BehaviorRunner{
		behaviors: make(map[string]Behavior, len(opts.Behaviors)),
		delay:     opts.ExpirationDelay,
		hostname:  opts.Hostname,
		clock:     opts.Clock,
		log:       opts.Logger,
	}
	for _, b := range opts.Behaviors {
		if b.ID == "" {
			return nil, fmt.Errorf("scenario: behavior id is required")
		}
		if _, dup := r.behaviors[b.ID]; dup {
			return nil, fmt.Errorf("scenario: duplicate behavior %q", b.ID)
		}
		if b.Timeout <= 0 {
			b.Timeout = DefaultBehaviorTimeout
		}
		r.behaviors[b.ID] = b
	}
	if r.delay <= 0 {
		r.delay = DefaultExpirationDelay
	}
	if r.hostname == "" {
		r.hostname, _ = os.Hostname()
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	return r, nil
}

// Behavior returns the configuration of behaviorID.
func (r *BehaviorRunner) Behavior(behaviorID string) (Behavior, bool) {
	b, ok := r.behaviors[behaviorID]
	return b, ok
}

// Add registers callbackID for the user. The expiry, hostname and a snapshot
// of the user's local context are filled in here.
func (r *BehaviorRunner) Add(u *dialog.User, callbackID string, cb dialog.Callback) {
	timeout := DefaultBehaviorTimeout
	if b, ok := r.behaviors[cb.BehaviorID]; ok {
		timeout = b.Timeout
	} else if cb.BehaviorID != "" {
		r.log.Warn("unknown behavior, using default timeout", zap.String("behavior", cb.BehaviorID))
	}
	cb.ExpireTime = r.clock().Add(timeout + r.delay)
	cb.Hostname = r.hostname
	if u.Context != nil {
		cb.LocalVars = u.Context.Local.Clone()
	}
	u.Behaviors.Add(callbackID, cb)
}

// Success runs the behavior's success action for callbackID.
func (r *BehaviorRunner) Success(ctx context.Context, u *dialog.User, callbackID string, msg *message.Message) (*message.Response, error) {
	return r.Resolve(ctx, OutcomeSuccess, u, callbackID, msg)
}

// Fail runs the behavior's fail action for callbackID.
func (r *BehaviorRunner) Fail(ctx context.Context, u *dialog.User, callbackID string, msg *message.Message) (*message.Response, error) {
	return r.Resolve(ctx, OutcomeFail, u, callbackID, msg)
}

// Timeout runs the behavior's timeout action for callbackID.
func (r *BehaviorRunner) Timeout(ctx context.Context, u *dialog.User, callbackID string, msg *message.Message) (*message.Response, error) {
	return r.Resolve(ctx, OutcomeTimeout, u, callbackID, msg)
}

// Misstate runs the behavior's misstate action for callbackID.
func (r *BehaviorRunner) Misstate(ctx context.Context, u *dialog.User, callbackID string, msg *message.Message) (*message.Response, error) {
	return r.Resolve(ctx, OutcomeMisstate, u, callbackID, msg)
}

// Resolve removes the callback and runs the action its behavior configures
// for outcome, with the parameters and text captured when the request was
// sent. A behavior without the action yields (nil, nil).
func (r *BehaviorRunner) Resolve(ctx context.Context, outcome string, u *dialog.User, callbackID string, msg *message.Message) (resp *message.Response, err error) {
	cb, ok := u.Behaviors.Remove(callbackID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCallback, callbackID)
	}
	action := r.behaviors[cb.BehaviorID].Action(outcome)
	r.log.Debug("callback resolved",
		zap.String("user", u.ID),
		zap.String("callback", callbackID),
		zap.String("behavior", cb.BehaviorID),
		zap.String("outcome", outcome),
		zap.Bool("has_action", action != nil))
	if action == nil {
		return nil, nil
	}
	req := &Request{
		Message:   msg,
		User:      u,
		Context:   u.Context,
		Event:     outcome,
		Scenario:  cb.ScenarioID,
		Now:       r.clock(),
		Params:    cb.ActionParams,
		Text:      cb.TextPreprocessing,
		Behaviors: r,
		Logger:    r.log,
	}
	defer func() {
		if rec := recover(); rec != nil {
			resp, err = nil, panicError("behavior action", action.Name(), rec)
		}
	}()
	return action.Run(ctx, req)
}

// HasAction reports whether the behavior behind callbackID configures an
// action for outcome.
func (r *BehaviorRunner) HasAction(u *dialog.User, callbackID, outcome string) bool {
	cb, ok := u.Behaviors.Get(callbackID)
	if !ok {
		return false
	}
	return r.behaviors[cb.BehaviorID].Action(outcome) != nil
}

// CheckMisstate reports whether callbackID was issued from a scenario other
// than currentScenario.
func (r *BehaviorRunner) CheckMisstate(u *dialog.User, callbackID, currentScenario string) bool {
	cb, ok := u.Behaviors.Get(callbackID)
	if !ok || cb.ScenarioID == "" {
		return false
	}
	return cb.ScenarioID != currentScenario
}

// Expire removes the user's callbacks whose deadline has passed.
func (r *BehaviorRunner) Expire(u *dialog.User) map[string]dialog.Callback {
	expired := u.Behaviors.Expire(r.clock())
	for id, cb := range expired {
		r.log.Info("callback expired",
			zap.String("user", u.ID),
			zap.String("callback", id),
			zap.String("behavior", cb.BehaviorID))
	}
	return expired
}

// CheckGotSavedID reports whether a callback of behaviorID is outstanding and
// the behavior has loop prevention enabled.
func (r *BehaviorRunner) CheckGotSavedID(u *dialog.User, behaviorID string) bool {
	b, ok := r.behaviors[behaviorID]
	if !ok || !b.LoopDef {
		return false
	}
	return u.Behaviors.HasBehavior(behaviorID)
}
