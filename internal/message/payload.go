package message

import (
	"github.com/bytedance/sonic"
)

// Payload is the body of an inbound message. The fields the engine inspects
// are typed; Raw keeps every decoded key so integration replies can carry
// arbitrary data.
type Payload struct {
	Message        *Utterance     `json:"message,omitempty"`
	Intent         string         `json:"intent,omitempty"`
	OriginalIntent string         `json:"original_intent,omitempty"`
	ProjectName    string         `json:"projectName,omitempty"`
	NewSession     bool           `json:"new_session,omitempty"`
	Character      *Character     `json:"character,omitempty"`
	AppInfo        *AppInfo       `json:"app_info,omitempty"`
	Meta           *Meta          `json:"meta,omitempty"`
	ServerAction   *ServerAction  `json:"server_action,omitempty"`
	Device         map[string]any `json:"device,omitempty"`
	Strategies     map[string]any `json:"strategies,omitempty"`
	Annotations    map[string]any `json:"annotations,omitempty"`
	SelectedItem   map[string]any `json:"selected_item,omitempty"`

	Raw map[string]any `json:"-"`
}

// Utterance is the user's request text and its NLU preprocessing.
type Utterance struct {
	OriginalText         string         `json:"original_text"`
	NormalizedText       string         `json:"normalized_text,omitempty"`
	AsrNormalizedMessage string         `json:"asr_normalized_message,omitempty"`
	TokenizedElements    []Token        `json:"tokenized_elements_list,omitempty"`
	Entities             map[string]any `json:"entities,omitempty"`
}

// Token is one element of tokenized_elements_list.
type Token struct {
	Text      string `json:"text"`
	RawText   string `json:"raw_text,omitempty"`
	Lemma     string `json:"lemma,omitempty"`
	TokenType string `json:"token_type,omitempty"`
}

// Character is the assistant persona the user talks to (joy, athena, sber).
type Character struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Gender string `json:"gender,omitempty"`
	Appeal string `json:"appeal,omitempty"`
}

// AppInfo identifies the smart app a message is addressed to.
type AppInfo struct {
	ProjectID        string `json:"projectId,omitempty"`
	ApplicationID    string `json:"applicationId,omitempty"`
	AppVersionID     string `json:"appVersionId,omitempty"`
	FrontendEndpoint string `json:"frontendEndpoint,omitempty"`
	FrontendType     string `json:"frontendType,omitempty"`
}

// Meta carries client-side metadata.
type Meta struct {
	CurrentApp *CurrentApp `json:"current_app,omitempty"`
}

// CurrentApp holds the state the frontend reported.
type CurrentApp struct {
	State map[string]any `json:"state,omitempty"`
}

// ServerAction is a back-end initiated action.
type ServerAction struct {
	ActionID   string         `json:"action_id"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// payloadFields has Payload's fields without its methods, so the codec can
// decode into it without recursing.
type payloadFields Payload

// UnmarshalJSON decodes the typed fields and keeps the full map in Raw.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var fields payloadFields
	if err := sonic.Unmarshal(data, &fields); err != nil {
		return err
	}
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Payload(fields)
	p.Raw = raw
	return nil
}

// MarshalJSON writes Raw overlaid with the typed fields, so keys the typed
// view does not know survive a round trip and typed edits win.
func (p Payload) MarshalJSON() ([]byte, error) {
	typed, err := sonic.ConfigStd.Marshal(payloadFields(p))
	if err != nil {
		return nil, err
	}
	if len(p.Raw) == 0 {
		return typed, nil
	}
	var overlay map[string]any
	if err := sonic.Unmarshal(typed, &overlay); err != nil {
		return nil, err
	}
	merged := make(map[string]any, len(p.Raw)+len(overlay))
	for k, v := range p.Raw {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return sonic.ConfigStd.Marshal(merged)
}

// Get returns a raw payload value by key.
func (p *Payload) Get(key string) (any, bool) {
	if p.Raw == nil {
		return nil, false
	}
	v, ok := p.Raw[key]
	return v, ok
}

func (p Payload) clone() Payload {
	c := p
	if p.Message != nil {
		u := *p.Message
		c.Message = &u
	}
	if p.Character != nil {
		ch := *p.Character
		c.Character = &ch
	}
	if p.AppInfo != nil {
		ai := *p.AppInfo
		c.AppInfo = &ai
	}
	if p.ServerAction != nil {
		sa := *p.ServerAction
		c.ServerAction = &sa
	}
	if p.Raw != nil {
		c.Raw = make(map[string]any, len(p.Raw))
		for k, v := range p.Raw {
			c.Raw[k] = v
		}
	}
	return c
}
