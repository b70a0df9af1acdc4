package scenario

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zulandar/switchyard/internal/dialog"
	"github.com/zulandar/switchyard/internal/message"
	"go.uber.org/zap"
)

// Request is everything an action, requirement, classifier or filler may
// look at while one message is processed.
type Request struct {
	Message  *message.Message
	User     *dialog.User
	Context  *dialog.Context
	Form     map[string]any
	Event    string
	Scenario string
	Now      time.Time

	// Params and Text are set when a behavior resolves a callback: the
	// action parameters and preprocessed text captured with the request.
	Params map[string]any
	Text   *message.PreprocessedText

	Behaviors *BehaviorRunner
	Logger    *zap.Logger

	cache *lru.Cache[string, bool]
}

// Local returns the user's transaction scratchpad.
func (r *Request) Local() *dialog.LocalContext {
	if r.Context == nil {
		return nil
	}
	return r.Context.Local
}

// Preprocessed returns the captured text when set, else the message's.
func (r *Request) Preprocessed() message.PreprocessedText {
	if r.Text != nil {
		return *r.Text
	}
	if r.Message == nil {
		return message.PreprocessedText{}
	}
	return r.Message.Preprocessed()
}

func (r *Request) log() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Input enumerates the values a Handler asks to receive.
type Input uint16

const (
	InputMessage Input = 1 << iota
	InputPayload
	InputContext
	InputForm
	InputAppInfo
	InputState
	InputServerAction
	InputParams

	InputAll = InputMessage | InputPayload | InputContext | InputForm |
		InputAppInfo | InputState | InputServerAction | InputParams
)

// Args carries the inputs a Handler declared. Inputs it did not declare are
// left nil.
type Args struct {
	Message      *message.Message
	Payload      *message.Payload
	Context      *dialog.Context
	Form         map[string]any
	AppInfo      *message.AppInfo
	State        map[string]any
	ServerAction *message.ServerAction
	Params       map[string]any
}

func bindArgs(in Input, req *Request) Args {
	var a Args
	msg := req.Message
	if in&InputMessage != 0 {
		a.Message = msg
	}
	if in&InputPayload != 0 && msg != nil {
		a.Payload = &msg.Payload
	}
	if in&InputContext != 0 {
		a.Context = req.Context
	}
	if in&InputForm != 0 {
		a.Form = req.Form
	}
	if in&InputAppInfo != 0 && msg != nil {
		a.AppInfo = msg.Payload.AppInfo
	}
	if in&InputState != 0 && msg != nil {
		a.State = msg.State()
	}
	if in&InputServerAction != 0 && msg != nil {
		a.ServerAction = msg.Payload.ServerAction
	}
	if in&InputParams != 0 {
		a.Params = req.Params
	}
	return a
}
