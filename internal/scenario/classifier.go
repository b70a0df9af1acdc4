package scenario

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/zulandar/switchyard/internal/dialog"
	"github.com/zulandar/switchyard/internal/message"
	"go.uber.org/zap"
)

// Classifier maps a request to an event. "" means no event.
type Classifier interface {
	Classify(ctx context.Context, req *Request) (string, error)
}

// LegacyClassifier classifies the preprocessed text alone.
type LegacyClassifier interface {
	ClassifyText(text message.PreprocessedText, user *dialog.User) (string, error)
}

// ClassifierFunc adapts a function to a Classifier.
type ClassifierFunc func(ctx context.Context, req *Request) (string, error)

func (f ClassifierFunc) Classify(ctx context.Context, req *Request) (string, error) {
	return f(ctx, req)
}

type classifierEntry struct {
	native Classifier
	legacy LegacyClassifier
}

// classify runs the native signature, then the legacy one. Errors and panics
// count as no result.
func (e classifierEntry) classify(ctx context.Context, req *Request) string {
	ev, err := e.call(ctx, req)
	if err != nil {
		req.log().Warn("classifier failed", zap.String("scenario", req.Scenario), zap.Error(err))
		return ""
	}
	return ev
}

func (e classifierEntry) call(ctx context.Context, req *Request) (ev string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError("classifier", fmt.Sprintf("%T", e.impl()), r)
		}
	}()
	if e.native != nil {
		if ev, err = e.native.Classify(ctx, req); err != nil || ev != "" {
			return ev, err
		}
	}
	if e.legacy != nil {
		return e.legacy.ClassifyText(req.Preprocessed(), req.User)
	}
	return "", nil
}

func (e classifierEntry) impl() any {
	if e.native != nil {
		return e.native
	}
	return e.legacy
}

// entryFor accepts anything implementing either signature. A value
// implementing both is tried natively first.
func entryFor(c any) (classifierEntry, bool) {
	var e classifierEntry
	e.native, _ = c.(Classifier)
	e.legacy, _ = c.(LegacyClassifier)
	return e, e.native != nil || e.legacy != nil
}

// IntentClassifier maps payload.intent to an event. With an empty Map the
// intent itself is the event.
type IntentClassifier struct {
	Map map[string]string
}

func (c *IntentClassifier) Classify(ctx context.Context, req *Request) (string, error) {
	if req.Message == nil || req.Message.Payload.Intent == "" {
		return "", nil
	}
	intent := req.Message.Payload.Intent
	if len(c.Map) == 0 {
		return intent, nil
	}
	return c.Map[intent], nil
}

// RegexRule maps a pattern to an event.
type RegexRule struct {
	Pattern *regexp.Regexp
	Event   string
}

// RegexClassifier returns the event of the first rule matching the request
// text.
type RegexClassifier struct {
	Rules []RegexRule
}

// AddRule compiles expr and appends a rule.
func (c *RegexClassifier) AddRule(expr, event string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("scenario: regex classifier: %w", err)
	}
	c.Rules = append(c.Rules, RegexRule{Pattern: re, Event: event})
	return nil
}

func (c *RegexClassifier) Classify(ctx context.Context, req *Request) (string, error) {
	if req.Message == nil {
		return "", nil
	}
	text := req.Message.Text()
	for _, r := range c.Rules {
		if r.Pattern.MatchString(text) {
			return r.Event, nil
		}
	}
	return "", nil
}

// IntersectionClassifier returns the event of the first phrase whose words
// all occur in the request.
type IntersectionClassifier struct {
	Phrases map[string][]string
	order   []string
}

// NewIntersectionClassifier builds a classifier from event → phrases, with
// events tried in the given order.
func NewIntersectionClassifier(order []string, phrases map[string][]string) *IntersectionClassifier {
	return &IntersectionClassifier{Phrases: phrases, order: order}
}

func (c *IntersectionClassifier) ClassifyText(text message.PreprocessedText, user *dialog.User) (string, error) {
	words := text.Words()
	if len(words) == 0 {
		return "", nil
	}
	order := c.order
	if len(order) == 0 {
		for ev := range c.Phrases {
			order = append(order, ev)
		}
		slices.Sort(order)
	}
	for _, ev := range order {
		for _, phrase := range c.Phrases[ev] {
			if subset(phraseWords(phrase), words) {
				return ev, nil
			}
		}
	}
	return "", nil
}

func phraseWords(phrase string) []string {
	return message.PreprocessedText{Normalized: phrase}.Words()
}

func subset(want, have []string) bool {
	if len(want) == 0 {
		return false
	}
	for _, w := range want {
		if !slices.Contains(have, strings.ToLower(w)) {
			return false
		}
	}
	return true
}
