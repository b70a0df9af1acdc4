package message

// Well-known outbound message names.
const (
	NameAnswerToUser = "ANSWER_TO_USER"
	NameDoNothing    = "DO_NOTHING"
	NameNothingFound = "NOTHING_FOUND"
	NameError        = "ERROR"
)

// ResponseKind is the tagged variant of an outbound response.
type ResponseKind int

const (
	// KindCommand is any named response that is neither an answer nor an
	// integration request (for example a client command).
	KindCommand ResponseKind = iota
	KindAnswer
	KindIntegrationRequest
	KindDoNothing
	KindNothingFound
	KindError
)

func (k ResponseKind) String() string {
	switch k {
	case KindAnswer:
		return "answer"
	case KindIntegrationRequest:
		return "integration_request"
	case KindDoNothing:
		return "do_nothing"
	case KindNothingFound:
		return "nothing_found"
	case KindError:
		return "error"
	default:
		return "command"
	}
}

// CallHistoryItem records one action invocation.
type CallHistoryItem struct {
	Event    string `json:"event"`
	Action   string `json:"action"`
	Scenario string `json:"scenario"`
}

// DebugInfo is attached to every emitted response.
type DebugInfo struct {
	CallHistory         []CallHistoryItem `json:"call_history"`
	BaseEvent           string            `json:"base_event,omitempty"`
	TransactionFinished bool              `json:"transaction_finished"`
	StaticCode          string            `json:"static_code,omitempty"`
}

// RequestData addresses an outbound integration request.
type RequestData struct {
	TopicKey      string            `json:"topic_key,omitempty"`
	KafkaKey      string            `json:"kafka_key,omitempty"`
	AppCallbackID string            `json:"app_callback_id,omitempty"`
	ReplyTopic    string            `json:"kafka_replyTopic,omitempty"`
	ExtraHeaders  map[string]string `json:"extraHeaders,omitempty"`
}

// Response is a single outbound response.
type Response struct {
	Name        string         `json:"messageName"`
	Payload     map[string]any `json:"payload,omitempty"`
	RequestType string         `json:"request_type,omitempty"`
	RequestData *RequestData   `json:"request_data,omitempty"`
	DebugInfo   DebugInfo      `json:"debug_info"`

	// BehaviorID selects the behavior tracking an integration request's
	// callback. Empty means the engine's default behavior.
	BehaviorID string `json:"-"`
}

// Answer builds an ANSWER_TO_USER response.
func Answer(payload map[string]any) *Response {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Response{Name: NameAnswerToUser, Payload: payload}
}

// IntegrationRequest builds an outbound request to a back-end integration.
// The callback id is allocated by the engine when the response is processed.
func IntegrationRequest(name, requestType string, payload map[string]any, data RequestData) *Response {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Response{
		Name:        name,
		Payload:     payload,
		RequestType: requestType,
		RequestData: &data,
	}
}

// DoNothing is the default response when an event found no handler.
func DoNothing() *Response {
	return &Response{Name: NameDoNothing, Payload: map[string]any{}}
}

// NothingFound is the default response when no event was found at all.
func NothingFound() *Response {
	return &Response{Name: NameNothingFound, Payload: map[string]any{}}
}

// Error is the terminal failure response.
func Error() *Response {
	return &Response{Name: NameError, Payload: map[string]any{}}
}

// Kind classifies the response.
func (r *Response) Kind() ResponseKind {
	switch r.Name {
	case NameAnswerToUser:
		return KindAnswer
	case NameDoNothing:
		return KindDoNothing
	case NameNothingFound:
		return KindNothingFound
	case NameError:
		return KindError
	}
	if r.RequestData != nil {
		return KindIntegrationRequest
	}
	return KindCommand
}

// IsIntegrationRequest reports whether the response continues or begins a
// transaction.
func (r *Response) IsIntegrationRequest() bool {
	return r.Kind() == KindIntegrationRequest
}

// Valid reports whether the response can be emitted at all.
func (r *Response) Valid() bool {
	return r != nil && r.Name != ""
}

// CallbackID returns request_data.app_callback_id, or "".
func (r *Response) CallbackID() string {
	if r.RequestData == nil {
		return ""
	}
	return r.RequestData.AppCallbackID
}

// PayloadString returns a string payload value, or "".
func (r *Response) PayloadString(key string) string {
	s, _ := r.Payload[key].(string)
	return s
}
