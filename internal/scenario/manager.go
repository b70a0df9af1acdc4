package scenario

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zulandar/switchyard/internal/dialog"
	"github.com/zulandar/switchyard/internal/message"
	"go.uber.org/zap"
)

// DefaultCacheSize is the number of cached requirement results kept.
const DefaultCacheSize = 4096

// DefaultFinishMessageNames are the response names that close a transaction.
var DefaultFinishMessageNames = []string{
	message.NameAnswerToUser,
	message.NameDoNothing,
	message.NameNothingFound,
	message.NameError,
}

// Isolated pairs a scenario with the condition that pins it for a whole
// transaction.
type Isolated struct {
	Condition Requirement
	Scenario  *Scenario
}

// PreProcessFunc may substitute the message at the start of a transaction.
// Returning nil keeps the original.
type PreProcessFunc func(ctx context.Context, event string, msg *message.Message, c *dialog.Context) *message.Message

// PostProcessFunc may replace a response that closes a transaction.
// Returning nil keeps the original.
type PostProcessFunc func(ctx context.Context, resp *message.Response, msg *message.Message, c *dialog.Context) *message.Response

// ContextManagerOpts holds parameters for creating a ContextManager.
type ContextManagerOpts struct {
	Global      *Scenario
	Screens     []*Screen
	Isolated    []Isolated
	PreProcess  PreProcessFunc
	PostProcess PostProcessFunc

	TransactionTimeout time.Duration
	FinishMessageNames []string
	DefaultBehaviorID  string

	// BaseKit makes the manager return a nil response instead of
	// DO_NOTHING / NOTHING_FOUND so a host pipeline can continue.
	BaseKit bool

	Behaviors     *BehaviorRunner
	Clock         func() time.Time
	NewCallbackID func() string
	CacheSize     int
	Logger        *zap.Logger
}

// ContextManager routes messages through the registered scenarios and owns
// every change to a user's Context.
type ContextManager struct {
	global      *Scenario
	screens     map[string]*Screen
	isolated    []Isolated
	preProcess  PreProcessFunc
	postProcess PostProcessFunc

	timeout           time.Duration
	finish            map[string]bool
	defaultBehaviorID string
	baseKit           bool

	runner        *BehaviorRunner
	clock         func() time.Time
	newCallbackID func() string
	cache         *lru.Cache[string, bool]
	log           *zap.Logger
}

// NewContextManager creates a ContextManager. Every scenario it is given is
// frozen.
func NewContextManager(opts ContextManagerOpts) (*ContextManager, error) {
	if opts.Global == nil {
		return nil, fmt.Errorf("scenario: global scenario is required")
	}
	m := &ContextManager{
		global:            opts.Global,
		screens:           make(map[string]*Screen, len(opts.Screens)),
		isolated:          opts.Isolated,
		preProcess:        opts.PreProcess,
		postProcess:       opts.PostProcess,
		timeout:           opts.TransactionTimeout,
		finish:            make(map[string]bool),
		defaultBehaviorID: opts.DefaultBehaviorID,
		baseKit:           opts.BaseKit,
		runner:            opts.Behaviors,
		clock:             opts.Clock,
		newCallbackID:     opts.NewCallbackID,
		log:               opts.Logger,
	}
	if m.timeout <= 0 {
		m.timeout = dialog.DefaultTransactionTimeout
	}
	names := opts.FinishMessageNames
	if len(names) == 0 {
		names = DefaultFinishMessageNames
	}
	for _, n := range names {
		m.finish[n] = true
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	if m.newCallbackID == nil {
		m.newCallbackID = uuid.NewString
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.runner == nil {
		r, err := NewBehaviorRunner(BehaviorRunnerOpts{Clock: m.clock, Logger: m.log})
		if err != nil {
			return nil, err
		}
		m.runner = r
	}
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, bool](size)
	if err != nil {
		return nil, fmt.Errorf("scenario: requirement cache: %w", err)
	}
	m.cache = cache

	for _, s := range opts.Screens {
		if s == nil || s.Scenario == nil {
			return nil, fmt.Errorf("scenario: nil screen")
		}
		if _, dup := m.screens[s.id]; dup {
			return nil, fmt.Errorf("scenario: duplicate screen %q", s.id)
		}
		m.screens[s.id] = s
		s.freeze()
	}
	for i, iso := range opts.Isolated {
		if iso.Scenario == nil || iso.Condition == nil {
			return nil, fmt.Errorf("scenario: isolated scenario %d needs a scenario and a condition", i)
		}
		iso.Scenario.freeze()
	}
	m.global.freeze()
	return m, nil
}

// Behaviors returns the runner resolving callbacks.
func (m *ContextManager) Behaviors() *BehaviorRunner { return m.runner }

// TransactionTimeout returns the configured transaction lifetime.
func (m *ContextManager) TransactionTimeout() time.Duration { return m.timeout }

// Process handles msg for u with the message's own event.
func (m *ContextManager) Process(ctx context.Context, u *dialog.User, msg *message.Message) (*message.Response, error) {
	return m.ProcessEvent(ctx, u, msg, "")
}

// ProcessEvent handles msg for u. A non-empty event bypasses classification.
// The returned response is nil only in base-kit mode when nothing answered.
func (m *ContextManager) ProcessEvent(ctx context.Context, u *dialog.User, msg *message.Message, event string) (*message.Response, error) {
	if u == nil || msg == nil {
		return nil, fmt.Errorf("scenario: process: user and message are required")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("scenario: process %s: %w", msg, err)
	}
	u.Normalize()
	inv := &invocation{m: m, user: u, now: m.clock(), seen: make(map[string]bool)}
	c := u.Context
	if event == "" {
		event = msg.Event()
	}

	var (
		resp *message.Response
		ev   = event
		err  error
	)
	if !c.Local.Live(inv.now, m.timeout) {
		c.Local = dialog.NewLocalContext(event, msg.CharacterID())
		msg, err = inv.begin(ctx, msg, event)
	}
	if s := msg.Screen(); s != "" {
		c.Screen = s
	}

	if err == nil {
		resp, ev, err = inv.route(ctx, msg, event)
		if errors.Is(err, ErrNoAnswer) && c.Local.RunIsolatedScenario {
			m.log.Debug("isolated scenario gave no answer, rerouting",
				zap.String("user", u.ID),
				zap.String("scenario", c.Local.IsolatedScenarioID))
			c.Local.RunIsolatedScenario = false
			base := c.Local.BaseMessage
			if base == nil {
				base = msg
			}
			resp, ev, err = inv.route(ctx, base, c.Local.InitEvent)
		}
	}
	if err != nil {
		m.log.Error("message handling failed",
			zap.String("user", u.ID),
			zap.String("message", msg.String()),
			zap.String("event", ev),
			zap.Error(err))
		resp = inv.runError(ctx, msg, ev)
	}

	if resp == nil {
		inv.finishTransaction()
		if m.baseKit {
			c.LastResponseMessageName = ""
			return nil, nil
		}
		if ev != "" {
			resp = message.DoNothing()
		} else {
			resp = message.NothingFound()
		}
	}
	return inv.processResponse(ctx, resp, msg, ev), nil
}

// Resolve answers the integration reply msg with the action its callback's
// behavior configures for outcome, then finishes the response the way
// ProcessEvent does. handled is false, and u untouched, when the behavior
// has no such action; the caller then routes msg through the scenarios.
func (m *ContextManager) Resolve(ctx context.Context, u *dialog.User, msg *message.Message, outcome string) (resp *message.Response, handled bool, err error) {
	if u == nil || msg == nil {
		return nil, false, fmt.Errorf("scenario: resolve: user and message are required")
	}
	u.Normalize()
	id := msg.CallbackID()
	if !m.runner.HasAction(u, id, outcome) {
		return nil, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("scenario: resolve %s: %w", msg, err)
	}

	inv := &invocation{m: m, user: u, now: m.clock(), seen: make(map[string]bool)}
	event := msg.Event()
	inv.ctx().SetEvent(event)
	cb, _ := u.Behaviors.Get(id)
	if b, ok := m.runner.Behavior(cb.BehaviorID); ok {
		inv.record(event, b.Action(outcome).Name(), cb.ScenarioID)
	}

	resp, err = m.runner.Resolve(ctx, outcome, u, id, msg)
	if err != nil {
		m.log.Error("behavior action failed",
			zap.String("user", u.ID),
			zap.String("callback", id),
			zap.String("outcome", outcome),
			zap.Error(err))
		resp = inv.runError(ctx, msg, event)
	}
	if resp == nil {
		inv.finishTransaction()
		if m.baseKit {
			inv.ctx().LastResponseMessageName = ""
			return nil, true, nil
		}
		resp = message.DoNothing()
	}
	return inv.processResponse(ctx, resp, msg, event), true, nil
}

// CurrentScenarioID returns the scenario that routes msg for u right now:
// the pinned isolated scenario, the current screen, or the global scenario.
func (m *ContextManager) CurrentScenarioID(u *dialog.User, msg *message.Message) string {
	u.Normalize()
	inv := &invocation{m: m, user: u, now: m.clock()}
	return inv.scopes(msg)[0].id
}

func (m *ContextManager) closes(name string) bool { return m.finish[name] }

// invocation is the state of one ProcessEvent call.
type invocation struct {
	m     *ContextManager
	user  *dialog.User
	now   time.Time
	calls []message.CallHistoryItem
	seen  map[string]bool
}

func (inv *invocation) ctx() *dialog.Context { return inv.user.Context }

func (inv *invocation) request(msg *message.Message, event string, form map[string]any, scenarioID string) *Request {
	return &Request{
		Message:   msg,
		User:      inv.user,
		Context:   inv.ctx(),
		Form:      form,
		Event:     event,
		Scenario:  scenarioID,
		Now:       inv.now,
		Behaviors: inv.m.runner,
		Logger:    inv.m.log,
		cache:     inv.m.cache,
	}
}

func (inv *invocation) isolated() *Scenario {
	local := inv.ctx().Local
	if local == nil || !local.RunIsolatedScenario {
		return nil
	}
	for _, iso := range inv.m.isolated {
		if iso.Scenario.id == local.IsolatedScenarioID {
			return iso.Scenario
		}
	}
	return nil
}

func (inv *invocation) screen(msg *message.Message) *Screen {
	id := ""
	if msg != nil {
		id = msg.Screen()
	}
	if id == "" {
		id = inv.ctx().Screen
	}
	return inv.m.screens[id]
}

// scopes returns the scenarios consulted for msg in order: only the pinned
// isolated scenario, or the screen (if any) then the global scenario.
func (inv *invocation) scopes(msg *message.Message) []*Scenario {
	if iso := inv.isolated(); iso != nil {
		return []*Scenario{iso}
	}
	if s := inv.screen(msg); s != nil {
		return []*Scenario{s.Scenario, inv.m.global}
	}
	return []*Scenario{inv.m.global}
}

func (inv *invocation) route(ctx context.Context, msg *message.Message, event string) (*message.Response, string, error) {
	scopes := inv.scopes(msg)
	if msg.Kind() == message.KindLocalTimeout {
		resp, err := inv.runTimeout(ctx, msg, scopes)
		return resp, event, err
	}

	form := inv.buildForm(ctx, msg, event, scopes)
	if event == "" {
		for _, s := range scopes {
			if event = s.classify(ctx, inv.request(msg, "", form, s.id)); event != "" {
				break
			}
		}
	}
	inv.ctx().SetEvent(event)
	inv.m.log.Debug("routing",
		zap.String("user", inv.user.ID),
		zap.String("message", msg.Name),
		zap.String("event", event),
		zap.String("scope", scopes[0].id))

	var resp *message.Response
	var err error
	if event != "" {
		resp, err = inv.runEvent(ctx, msg, event, form, scopes)
	}
	if resp == nil && err == nil && msg.Kind() == message.KindMessageToSkill {
		resp, err = inv.runSingletons(ctx, msg, event, form, scopes, func(s *Scenario) Action { return s.fallback })
	}
	return resp, event, err
}

// buildForm runs the global form, then the scoped forms so they override it.
func (inv *invocation) buildForm(ctx context.Context, msg *message.Message, event string, scopes []*Scenario) map[string]any {
	form := make(map[string]any)
	g := inv.m.global
	g.form.Fill(ctx, inv.request(msg, event, form, g.id), form)
	for _, s := range scopes {
		if s == g {
			continue
		}
		s.form.Fill(ctx, inv.request(msg, event, form, s.id), form)
	}
	return form
}

// runEvent consults the scopes in order. A scope whose candidates all ran
// without an answer lets the next scope try; ErrNoAnswer is returned only
// when no scope answered.
func (inv *invocation) runEvent(ctx context.Context, msg *message.Message, event string, form map[string]any, scopes []*Scenario) (*message.Response, error) {
	base := inv.ctx().Local.BaseEvent
	noAnswer := false
	for _, s := range scopes {
		list, ok := s.actions.bucket(event, base)
		if !ok {
			continue
		}
		resp, ran, err := inv.runCandidates(ctx, msg, event, form, s, list)
		if err != nil || resp != nil {
			return resp, err
		}
		noAnswer = noAnswer || ran
	}
	if noAnswer {
		return nil, fmt.Errorf("%w: event %s", ErrNoAnswer, event)
	}
	return nil, nil
}

// runTimeout tries, per scope, the request's base-event then DEFAULT timeout
// handlers; then every scope's default timeout action; then the timeout
// action of the behavior behind the callback.
func (inv *invocation) runTimeout(ctx context.Context, msg *message.Message, scopes []*Scenario) (*message.Response, error) {
	name := inv.ctx().LastResponseMessageName
	base := inv.ctx().Local.BaseEvent
	event := message.NameLocalTimeout
	inv.ctx().SetEvent(event)
	for _, s := range scopes {
		buckets := s.timeouts[name]
		for _, key := range []string{base, DefaultBaseEvent} {
			list, ok := buckets[key]
			if !ok || (key == base && base == DefaultBaseEvent) {
				continue
			}
			resp, _, err := inv.runCandidates(ctx, msg, event, nil, s, list)
			if err != nil || resp != nil {
				return resp, err
			}
		}
	}
	resp, err := inv.runSingletons(ctx, msg, event, nil, scopes, func(s *Scenario) Action { return s.defaultTimeout })
	if err != nil || resp != nil {
		return resp, err
	}
	cbID := msg.CallbackID()
	if cbID == "" || !inv.m.runner.HasAction(inv.user, cbID, OutcomeTimeout) {
		return nil, nil
	}
	inv.record(event, "behavior_timeout", "behavior")
	resp, err = inv.m.runner.Timeout(ctx, inv.user, cbID, msg)
	if resp != nil && !resp.Valid() {
		return nil, fmt.Errorf("%w: behavior timeout", ErrInvalidAnswer)
	}
	return resp, err
}

// runSingletons runs one action per scope (fallback, default timeout or
// error action) until one answers.
func (inv *invocation) runSingletons(ctx context.Context, msg *message.Message, event string, form map[string]any, scopes []*Scenario, pick func(*Scenario) Action) (*message.Response, error) {
	for _, s := range scopes {
		a := pick(s)
		if a == nil {
			continue
		}
		resp, _, err := inv.runCandidates(ctx, msg, event, form, s, []Action{a})
		if err != nil || resp != nil {
			return resp, err
		}
	}
	return nil, nil
}

// begin runs the pre-process hook and pins the first isolated scenario
// whose condition holds. It returns the message to route; a panicking hook
// or condition is returned as an error.
func (inv *invocation) begin(ctx context.Context, msg *message.Message, event string) (out *message.Message, err error) {
	m := inv.m
	out = msg
	defer func() {
		if r := recover(); r != nil {
			err = panicError("transaction start for", msg.String(), r)
		}
	}()
	if m.preProcess != nil {
		if sub := m.preProcess(ctx, event, msg, inv.user.Context); sub != nil {
			out = sub
		}
	}
	for _, iso := range m.isolated {
		if iso.Condition.Check(ctx, inv.request(out, event, nil, iso.Scenario.id)) {
			inv.ctx().Local.IsolatedScenarioID = iso.Scenario.id
			inv.ctx().Local.RunIsolatedScenario = true
			m.log.Debug("isolated scenario pinned", zap.String("user", inv.user.ID), zap.String("scenario", iso.Scenario.id))
			break
		}
	}
	return out, nil
}

// runError walks the error cascade. Failing error actions are skipped; the
// last resort is an ERROR response.
func (inv *invocation) runError(ctx context.Context, msg *message.Message, event string) *message.Response {
	for _, s := range inv.scopes(msg) {
		if s.errorAction == nil {
			continue
		}
		resp, _, err := inv.runCandidates(ctx, msg, event, nil, s, []Action{s.errorAction})
		if err != nil {
			inv.m.log.Error("error action failed", zap.String("scenario", s.id), zap.Error(err))
			continue
		}
		if resp != nil {
			return resp
		}
	}
	return message.Error()
}

// runCandidates runs the enabled actions of list in order until one answers.
// ran reports whether any enabled action was run.
func (inv *invocation) runCandidates(ctx context.Context, msg *message.Message, event string, form map[string]any, s *Scenario, list []Action) (resp *message.Response, ran bool, err error) {
	for _, a := range list {
		req := inv.request(msg, event, form, s.id)
		enabled, cerr := checkAction(ctx, a, req)
		if cerr != nil {
			return nil, true, cerr
		}
		if !enabled {
			continue
		}
		ran = true
		inv.record(event, a.Name(), s.id)
		resp, err = runAction(ctx, a, req)
		if err != nil {
			return nil, true, err
		}
		if resp == nil {
			continue
		}
		if !resp.Valid() {
			return nil, true, fmt.Errorf("%w: action %s", ErrInvalidAnswer, a.Name())
		}
		return resp, true, nil
	}
	return nil, ran, nil
}

// checkAction evaluates the action's requirements, if it has any.
func checkAction(ctx context.Context, a Action, req *Request) (ok bool, err error) {
	c, isChecker := a.(Checker)
	if !isChecker {
		return true, nil
	}
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, panicError("requirement of", a.Name(), r)
		}
	}()
	return c.Check(ctx, req), nil
}

func runAction(ctx context.Context, a Action, req *Request) (resp *message.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, panicError("action", a.Name(), r)
		}
	}()
	return a.Run(ctx, req)
}

// record appends to the call history once per (scenario, event, action).
func (inv *invocation) record(event, action, scenarioID string) {
	key := scenarioID + "\x00" + event + "\x00" + action
	if inv.seen[key] {
		return
	}
	inv.seen[key] = true
	item := message.CallHistoryItem{Event: event, Action: action, Scenario: scenarioID}
	inv.calls = append(inv.calls, item)
	inv.ctx().Local.Record(item)
}

// finishTransaction closes the transaction and drops its pending callbacks.
func (inv *invocation) finishTransaction() {
	c := inv.ctx()
	c.Local.Finish()
	c.LastScreen = c.Screen
	if ids := inv.user.Behaviors.Clear(); len(ids) > 0 {
		inv.m.log.Debug("pending callbacks cleared", zap.String("user", inv.user.ID), zap.Strings("callbacks", ids))
	}
	inv.user.DropSnapshots()
}

func (inv *invocation) processResponse(ctx context.Context, resp *message.Response, msg *message.Message, event string) *message.Response {
	c := inv.ctx()
	resp.DebugInfo.CallHistory = slices.Clone(inv.calls)
	resp.DebugInfo.BaseEvent = c.Local.BaseEvent
	if msg.Kind() == message.KindMessageToSkill && msg.Payload.Intent != "" {
		c.LastIntent = msg.Payload.Intent
	}

	switch {
	case inv.m.closes(resp.Name):
		resp.DebugInfo.TransactionFinished = true
		if replaced := inv.postProcess(ctx, resp, msg); replaced != nil && replaced != resp {
			replaced.DebugInfo = resp.DebugInfo
			resp = replaced
		}
		inv.finishTransaction()
		if resp.Kind() == message.KindAnswer && c.LastIntent != "" {
			if resp.Payload == nil {
				resp.Payload = map[string]any{}
			}
			if s, _ := resp.Payload["intent"].(string); s == "" {
				resp.Payload["intent"] = c.LastIntent
			}
		}

	case resp.IsIntegrationRequest():
		resp.DebugInfo.TransactionFinished = false
		if c.Local.Live(inv.now, inv.m.timeout) {
			c.Local.Step(inv.now)
		} else {
			base := event
			if base == "" {
				base = msg.Name
			}
			c.Local.Start(base, msg, inv.now)
		}
		resp.DebugInfo.BaseEvent = c.Local.BaseEvent
		inv.user.Behaviors.Clear()

		id := inv.m.newCallbackID()
		resp.RequestData.AppCallbackID = id
		behaviorID := resp.BehaviorID
		if behaviorID == "" {
			behaviorID = inv.m.defaultBehaviorID
		}
		text := msg.Preprocessed()
		inv.m.runner.Add(inv.user, id, dialog.Callback{
			BehaviorID:        behaviorID,
			ScenarioID:        inv.scopeFor(msg),
			TextPreprocessing: &text,
			ActionParams:      actionParams(msg),
			OriginMessageID:   msg.ID,
			RequestName:       resp.Name,
		})
		inv.user.SaveSnapshot(msg.ID, c.Local)
		inv.m.log.Debug("transaction step",
			zap.String("user", inv.user.ID),
			zap.String("base_event", c.Local.BaseEvent),
			zap.String("request", resp.Name),
			zap.String("callback", id))

	default:
		resp.DebugInfo.TransactionFinished = true
		inv.user.Behaviors.Clear()
	}
	c.LastResponseMessageName = resp.Name
	return resp
}

// postProcess runs the post-process hook. A panicking hook keeps resp.
func (inv *invocation) postProcess(ctx context.Context, resp *message.Response, msg *message.Message) (out *message.Response) {
	if inv.m.postProcess == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			inv.m.log.Error("post-process hook failed",
				zap.String("user", inv.user.ID),
				zap.Error(panicError("post-process for", msg.String(), r)))
			out = nil
		}
	}()
	return inv.m.postProcess(ctx, resp, msg, inv.ctx())
}

// scopeFor is the routing scope recorded with a callback, so a reply routed
// elsewhere can be detected as a misstate.
func (inv *invocation) scopeFor(msg *message.Message) string {
	return inv.scopes(msg)[0].id
}

func actionParams(msg *message.Message) map[string]any {
	if sa := msg.Payload.ServerAction; sa != nil && len(sa.Parameters) > 0 {
		return sa.Parameters
	}
	return nil
}
