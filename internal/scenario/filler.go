package scenario

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/zulandar/switchyard/internal/dialog"
	"github.com/zulandar/switchyard/internal/message"
	"go.uber.org/zap"
)

// Filler extracts one form value from a request. A nil value means nothing
// was found.
type Filler interface {
	Fill(ctx context.Context, req *Request) (any, error)
}

// LegacyFiller extracts a value from the preprocessed text alone.
type LegacyFiller interface {
	Extract(text message.PreprocessedText, user *dialog.User) (any, error)
}

// FillerFunc adapts a function to a Filler.
type FillerFunc func(ctx context.Context, req *Request) (any, error)

func (f FillerFunc) Fill(ctx context.Context, req *Request) (any, error) { return f(ctx, req) }

type field struct {
	name   string
	native Filler
	legacy LegacyFiller
}

// Form is an ordered set of named fillers.
type Form struct {
	fields []field
}

// NewForm returns an empty form.
func NewForm() *Form { return &Form{} }

// Add registers a native filler. Re-adding a name replaces the filler in
// place.
func (f *Form) Add(name string, filler Filler) *Form {
	f.put(field{name: name, native: filler})
	return f
}

// AddLegacy registers a legacy filler.
func (f *Form) AddLegacy(name string, filler LegacyFiller) *Form {
	f.put(field{name: name, legacy: filler})
	return f
}

func (f *Form) put(fd field) {
	for i := range f.fields {
		if f.fields[i].name == fd.name {
			f.fields[i] = fd
			return
		}
	}
	f.fields = append(f.fields, fd)
}

// Merge copies other's fields into f; other wins on name collisions.
func (f *Form) Merge(other *Form) {
	if other == nil {
		return
	}
	for _, fd := range other.fields {
		f.put(fd)
	}
}

// Fields returns the field names in registration order.
func (f *Form) Fields() []string {
	if f == nil {
		return nil
	}
	names := make([]string, len(f.fields))
	for i, fd := range f.fields {
		names[i] = fd.name
	}
	return names
}

// Len returns the number of fields.
func (f *Form) Len() int {
	if f == nil {
		return 0
	}
	return len(f.fields)
}

// Fill runs every filler into out. Failing fields are logged and left out.
func (f *Form) Fill(ctx context.Context, req *Request, out map[string]any) {
	if f == nil {
		return
	}
	for _, fd := range f.fields {
		v, err := fd.run(ctx, req)
		if err != nil {
			req.log().Warn("filler failed",
				zap.String("field", fd.name),
				zap.String("scenario", req.Scenario),
				zap.Error(err))
			continue
		}
		out[fd.name] = v
	}
}

func (fd field) run(ctx context.Context, req *Request) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError("filler", fd.name, r)
		}
	}()
	if fd.native != nil {
		return fd.native.Fill(ctx, req)
	}
	return fd.legacy.Extract(req.Preprocessed(), req.User)
}

// RegexFiller returns the first match of Pattern in the request text: the
// named or first capture group when the pattern has one, else the whole
// match.
type RegexFiller struct {
	Pattern *regexp.Regexp
	Group   string
}

// NewRegexFiller compiles expr.
func NewRegexFiller(expr, group string) (*RegexFiller, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("scenario: regex filler: %w", err)
	}
	return &RegexFiller{Pattern: re, Group: group}, nil
}

func (f *RegexFiller) Fill(ctx context.Context, req *Request) (any, error) {
	text := req.Preprocessed().Original
	if text == "" && req.Message != nil {
		text = req.Message.Text()
	}
	m := f.Pattern.FindStringSubmatch(text)
	if m == nil {
		return nil, nil
	}
	if f.Group != "" {
		i := f.Pattern.SubexpIndex(f.Group)
		if i < 0 {
			return nil, fmt.Errorf("scenario: regex filler: no group %q", f.Group)
		}
		return m[i], nil
	}
	if len(m) > 1 {
		return m[1], nil
	}
	return m[0], nil
}

// Approval values.
const (
	Agreement    = "AGREEMENT"
	Disagreement = "DISAGREEMENT"
)

// ApproveFiller detects agreement or disagreement by phrase containment.
// Disagreement phrases are checked first so "не согласен" is not read as
// agreement.
type ApproveFiller struct {
	Yes []string
	No  []string
}

func (f *ApproveFiller) Extract(text message.PreprocessedText, user *dialog.User) (any, error) {
	s := normalizedText(text)
	if s == "" {
		return nil, nil
	}
	if containsAny(s, f.No) {
		return Disagreement, nil
	}
	if containsAny(s, f.Yes) {
		return Agreement, nil
	}
	return nil, nil
}

// ApproveStrictFiller matches only when the whole request is one of the
// phrases.
type ApproveStrictFiller struct {
	Yes []string
	No  []string
}

func (f *ApproveStrictFiller) Extract(text message.PreprocessedText, user *dialog.User) (any, error) {
	s := normalizedText(text)
	if s == "" {
		return nil, nil
	}
	if equalsAny(s, f.No) {
		return Disagreement, nil
	}
	if equalsAny(s, f.Yes) {
		return Agreement, nil
	}
	return nil, nil
}

// EntityFiller returns payload.message.entities[Entity]. With First set and a
// list value, only the first element is returned.
type EntityFiller struct {
	Entity string
	First  bool
}

func (f *EntityFiller) Fill(ctx context.Context, req *Request) (any, error) {
	if req.Message == nil || req.Message.Payload.Message == nil {
		return nil, nil
	}
	v, ok := req.Message.Payload.Message.Entities[f.Entity]
	if !ok {
		return nil, nil
	}
	if list, isList := v.([]any); isList && f.First {
		if len(list) == 0 {
			return nil, nil
		}
		return list[0], nil
	}
	return v, nil
}

// IntentFiller returns the intent of the message.
type IntentFiller struct{}

func (IntentFiller) Fill(ctx context.Context, req *Request) (any, error) {
	if req.Message == nil || req.Message.Payload.Intent == "" {
		return nil, nil
	}
	return req.Message.Payload.Intent, nil
}

// ServerActionParamFiller returns server_action.parameters[Param].
type ServerActionParamFiller struct {
	Param string
}

func (f *ServerActionParamFiller) Fill(ctx context.Context, req *Request) (any, error) {
	if req.Message == nil || req.Message.Payload.ServerAction == nil {
		return nil, nil
	}
	return req.Message.Payload.ServerAction.Parameters[f.Param], nil
}

func normalizedText(t message.PreprocessedText) string {
	s := t.Original
	if s == "" {
		s = t.Normalized
	}
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimRight(s, ".!?")
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if p != "" && strings.Contains(s, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func equalsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if s == strings.ToLower(p) {
			return true
		}
	}
	return false
}
