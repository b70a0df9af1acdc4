package scenario

import (
	"context"
	"fmt"

	"github.com/zulandar/switchyard/internal/message"
	"github.com/zulandar/switchyard/internal/storage"
)

// Action is a unit of handler logic. Run returns (nil, nil) when it has no
// answer for the request.
type Action interface {
	Name() string
	Run(ctx context.Context, req *Request) (*message.Response, error)
}

// Checker is implemented by actions that can be disabled for a request.
type Checker interface {
	Check(ctx context.Context, req *Request) bool
}

// Func adapts a plain function to an Action.
func Func(name string, fn func(ctx context.Context, req *Request) (*message.Response, error)) Action {
	return funcAction{name: name, fn: fn}
}

type funcAction struct {
	name string
	fn   func(ctx context.Context, req *Request) (*message.Response, error)
}

func (f funcAction) Name() string { return f.name }

func (f funcAction) Run(ctx context.Context, req *Request) (*message.Response, error) {
	return f.fn(ctx, req)
}

// Handler is an action described by the inputs it needs. Only the declared
// inputs are bound in Args; the rest are nil.
type Handler struct {
	ID     string
	Inputs Input
	Fn     func(ctx context.Context, args Args) (*message.Response, error)
}

func (h Handler) Name() string { return h.ID }

func (h Handler) Run(ctx context.Context, req *Request) (*message.Response, error) {
	return h.Fn(ctx, bindArgs(h.Inputs, req))
}

// Guard gates an action behind requirements that must all hold.
func Guard(a Action, reqs ...Requirement) Action {
	if len(reqs) == 0 {
		return a
	}
	return &guarded{Action: a, reqs: reqs}
}

type guarded struct {
	Action
	reqs []Requirement
}

func (g *guarded) Check(ctx context.Context, req *Request) bool {
	if c, ok := g.Action.(Checker); ok && !c.Check(ctx, req) {
		return false
	}
	for _, r := range g.reqs {
		if !r.Check(ctx, req) {
			return false
		}
	}
	return true
}

// Branch pairs a requirement with the action to run when it holds.
type Branch struct {
	When Requirement
	Then Action
}

// Choice runs the action of the first branch whose requirement holds, or
// otherwise when none does.
func Choice(name string, branches []Branch, otherwise Action) Action {
	return &choiceAction{name: name, branches: branches, otherwise: otherwise}
}

type choiceAction struct {
	name      string
	branches  []Branch
	otherwise Action
}

func (c *choiceAction) Name() string { return c.name }

func (c *choiceAction) Run(ctx context.Context, req *Request) (*message.Response, error) {
	for _, b := range c.branches {
		if b.When.Check(ctx, req) {
			return b.Then.Run(ctx, req)
		}
	}
	if c.otherwise != nil {
		return c.otherwise.Run(ctx, req)
	}
	return nil, nil
}

// AnswerAction replies to the user with a fixed payload.
type AnswerAction struct {
	ID      string
	Payload map[string]any
}

func (a *AnswerAction) Name() string { return a.ID }

func (a *AnswerAction) Run(ctx context.Context, req *Request) (*message.Response, error) {
	return message.Answer(copyPayload(a.Payload)), nil
}

// StaticAction replies with a variant from the static storage.
type StaticAction struct {
	ID      string
	Key     string
	Storage *storage.Storage
}

func (a *StaticAction) Name() string { return a.ID }

func (a *StaticAction) Run(ctx context.Context, req *Request) (*message.Response, error) {
	character := ""
	if req.Message != nil {
		character = req.Message.CharacterID()
	}
	if character == "" && req.Local() != nil {
		character = req.Local().CharacterID
	}
	payload, ok := a.Storage.Get(a.Key, character)
	if !ok {
		return nil, fmt.Errorf("scenario: static action %s: key %q not found", a.ID, a.Key)
	}
	resp := message.Answer(payload)
	resp.DebugInfo.StaticCode = a.Key
	return resp, nil
}

// RequestAction sends a request to a back-end integration.
type RequestAction struct {
	ID          string
	MessageName string
	RequestType string
	BehaviorID  string
	Payload     map[string]any
	Data        message.RequestData
}

func (a *RequestAction) Name() string { return a.ID }

func (a *RequestAction) Run(ctx context.Context, req *Request) (*message.Response, error) {
	data := a.Data
	if a.Data.ExtraHeaders != nil {
		data.ExtraHeaders = make(map[string]string, len(a.Data.ExtraHeaders))
		for k, v := range a.Data.ExtraHeaders {
			data.ExtraHeaders[k] = v
		}
	}
	resp := message.IntegrationRequest(a.MessageName, a.RequestType, copyPayload(a.Payload), data)
	resp.BehaviorID = a.BehaviorID
	return resp, nil
}

// RetryIndexVar is the local context variable RetryAction counts in.
const RetryIndexVar = "retry_index"

// RetryAction resubmits an integration request until MaxRetries is reached,
// then runs Exhausted. It counts attempts in the local context.
type RetryAction struct {
	ID         string
	Request    Action
	MaxRetries int
	Exhausted  Action
}

func (a *RetryAction) Name() string { return a.ID }

func (a *RetryAction) Run(ctx context.Context, req *Request) (*message.Response, error) {
	local := req.Local()
	n, _ := local.Get(RetryIndexVar)
	index := toInt(n)
	if index >= a.MaxRetries {
		local.Set(RetryIndexVar, 0)
		if a.Exhausted == nil {
			return nil, nil
		}
		return a.Exhausted.Run(ctx, req)
	}
	local.Set(RetryIndexVar, index+1)
	return a.Request.Run(ctx, req)
}

// NoAnswerAction never answers. Isolated scenarios use it to hand routing
// back to the main scenarios.
type NoAnswerAction struct {
	ID string
}

func (a *NoAnswerAction) Name() string { return a.ID }

func (a *NoAnswerAction) Run(ctx context.Context, req *Request) (*message.Response, error) {
	return nil, nil
}

// SetLocalAction stores values in the local context and then runs Then (if
// any). Without Then it has no answer.
type SetLocalAction struct {
	ID     string
	Values map[string]any
	Then   Action
}

func (a *SetLocalAction) Name() string { return a.ID }

func (a *SetLocalAction) Run(ctx context.Context, req *Request) (*message.Response, error) {
	for k, v := range a.Values {
		req.Local().Set(k, v)
	}
	if a.Then == nil {
		return nil, nil
	}
	return a.Then.Run(ctx, req)
}

// DoNothingAction answers with DO_NOTHING, closing the transaction.
type DoNothingAction struct {
	ID string
}

func (a *DoNothingAction) Name() string { return a.ID }

func (a *DoNothingAction) Run(ctx context.Context, req *Request) (*message.Response, error) {
	return message.DoNothing(), nil
}

func copyPayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
