// Package message defines the inbound messages an assistant platform sends to
// Switchyard and the responses Switchyard sends back.
package message

import (
	"fmt"
	"strings"
	"time"
)

// Well-known inbound message names.
const (
	NameMessageToSkill = "MESSAGE_TO_SKILL"
	NameServerAction   = "SERVER_ACTION"
	NameRunApp         = "RUN_APP"
	NameCloseApp       = "CLOSE_APP"
	NameLocalTimeout   = "LOCAL_TIMEOUT"
)

// HeaderCallbackID is the transport header carrying the callback id of the
// integration request a reply (or synthesized timeout) belongs to.
const HeaderCallbackID = "app_callback_id"

// Kind is the tagged variant of an inbound message.
type Kind int

const (
	KindIntegration Kind = iota
	KindMessageToSkill
	KindServerAction
	KindRunApp
	KindCloseApp
	KindLocalTimeout
)

func (k Kind) String() string {
	switch k {
	case KindMessageToSkill:
		return "message_to_skill"
	case KindServerAction:
		return "server_action"
	case KindRunApp:
		return "run_app"
	case KindCloseApp:
		return "close_app"
	case KindLocalTimeout:
		return "local_timeout"
	default:
		return "integration"
	}
}

// Message is a single inbound message.
type Message struct {
	Name      string  `json:"messageName"`
	ID        int64   `json:"messageId"`
	SessionID string  `json:"sessionId"`
	UUID      UUID    `json:"uuid"`
	Payload   Payload `json:"payload"`

	// Headers are transport headers (callback id, partition key). They are
	// not part of the JSON body.
	Headers map[string]string `json:"-"`
	// Timestamp is when the host received the message; zero when unknown.
	Timestamp time.Time `json:"-"`
}

// UUID identifies the user a message belongs to.
type UUID struct {
	Sub         string `json:"sub,omitempty"`
	UserID      string `json:"userId"`
	UserChannel string `json:"userChannel"`
}

// Kind derives the message variant from its name. Any name that is not one
// of the well-known inbound names is an integration reply.
func (m *Message) Kind() Kind {
	switch m.Name {
	case NameMessageToSkill:
		return KindMessageToSkill
	case NameServerAction:
		return KindServerAction
	case NameRunApp:
		return KindRunApp
	case NameCloseApp:
		return KindCloseApp
	case NameLocalTimeout:
		return KindLocalTimeout
	default:
		return KindIntegration
	}
}

// Event returns the event a message carries on its own. Voice requests and
// app lifecycle messages return "" so that classifiers decide.
func (m *Message) Event() string {
	switch m.Kind() {
	case KindServerAction:
		if m.Payload.ServerAction != nil {
			return m.Payload.ServerAction.ActionID
		}
		return ""
	case KindLocalTimeout:
		return NameLocalTimeout
	case KindIntegration:
		return m.Name
	default:
		return ""
	}
}

// UserID returns the stable key a user's state is stored under.
func (m *Message) UserID() string {
	if m.UUID.UserChannel == "" {
		return m.UUID.UserID
	}
	return m.UUID.UserChannel + ":" + m.UUID.UserID
}

// Screen returns meta.current_app.state.screen, or "" when absent.
func (m *Message) Screen() string {
	meta := m.Payload.Meta
	if meta == nil || meta.CurrentApp == nil || meta.CurrentApp.State == nil {
		return ""
	}
	s, _ := meta.CurrentApp.State["screen"].(string)
	return s
}

// State returns meta.current_app.state, or nil when absent.
func (m *Message) State() map[string]any {
	meta := m.Payload.Meta
	if meta == nil || meta.CurrentApp == nil {
		return nil
	}
	return meta.CurrentApp.State
}

// CharacterID returns payload.character.id, or "" when absent.
func (m *Message) CharacterID() string {
	if m.Payload.Character == nil {
		return ""
	}
	return m.Payload.Character.ID
}

// CallbackID returns the callback id transport header.
func (m *Message) CallbackID() string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[HeaderCallbackID]
}

// SetHeader sets a transport header, allocating the map on first use.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// Age returns how long ago the host received the message. Messages without a
// timestamp report zero.
func (m *Message) Age(now time.Time) time.Duration {
	if m.Timestamp.IsZero() {
		return 0
	}
	return now.Sub(m.Timestamp)
}

// Clone returns a deep enough copy for the engine to store as a
// transaction's base message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Headers != nil {
		c.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			c.Headers[k] = v
		}
	}
	c.Payload = m.Payload.clone()
	return &c
}

// Preprocessed returns the text view legacy classifiers and fillers work on.
func (m *Message) Preprocessed() PreprocessedText {
	u := m.Payload.Message
	if u == nil {
		return PreprocessedText{}
	}
	return PreprocessedText{
		Original:   u.OriginalText,
		Normalized: u.NormalizedText,
		Tokens:     u.TokenizedElements,
	}
}

// Text returns the best available text of a voice request: the normalized
// text, then the ASR-normalized text, then the original text.
func (m *Message) Text() string {
	u := m.Payload.Message
	if u == nil {
		return ""
	}
	for _, s := range []string{u.NormalizedText, u.AsrNormalizedMessage, u.OriginalText} {
		if s != "" {
			return s
		}
	}
	return ""
}

func (m *Message) String() string {
	return fmt.Sprintf("%s#%d[user=%s]", m.Name, m.ID, m.UserID())
}

// PreprocessedText is the normalized text and tokens of a voice request.
type PreprocessedText struct {
	Original   string  `json:"original_text"`
	Normalized string  `json:"normalized_text"`
	Tokens     []Token `json:"tokenized_elements_list,omitempty"`
}

// Words returns the lower-cased token texts, skipping punctuation tokens.
// When no tokens were supplied it falls back to splitting the normalized text.
func (p PreprocessedText) Words() []string {
	if len(p.Tokens) == 0 {
		src := p.Normalized
		if src == "" {
			src = p.Original
		}
		return strings.FieldsFunc(strings.ToLower(src), isSeparator)
	}
	var words []string
	for _, t := range p.Tokens {
		if t.TokenType == "SENTENCE_ENDPOINT_TOKEN" || t.TokenType == "PUNCTUATION" {
			continue
		}
		w := t.Lemma
		if w == "" {
			w = t.Text
		}
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			words = append(words, w)
		}
	}
	return words
}

func isSeparator(r rune) bool {
	return strings.ContainsRune(" \t\n.,:;!?\"'()[]«»-", r)
}
