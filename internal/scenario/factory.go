package scenario

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"

	"github.com/zulandar/switchyard/internal/message"
	"github.com/zulandar/switchyard/internal/storage"
	"gopkg.in/yaml.v3"
)

// Builders turn a `{type: <tag>, ...}` YAML node into a component.
type (
	ActionBuilder      func(r *Registry, n *yaml.Node) (Action, error)
	RequirementBuilder func(r *Registry, n *yaml.Node) (Requirement, error)
	ClassifierBuilder  func(r *Registry, n *yaml.Node) (any, error)
	FillerBuilder      func(r *Registry, n *yaml.Node) (any, error)
)

// RegistryOpts holds parameters for creating a Registry.
type RegistryOpts struct {
	Storage *storage.Storage
	Toggles map[string]bool
}

// Registry maps type tags to builders. It comes with the built-in actions,
// requirements, classifiers and fillers registered.
type Registry struct {
	actions      map[string]ActionBuilder
	requirements map[string]RequirementBuilder
	classifiers  map[string]ClassifierBuilder
	fillers      map[string]FillerBuilder

	storage *storage.Storage
	toggles map[string]bool
}

// NewRegistry creates a Registry with the built-in types.
func NewRegistry(opts RegistryOpts) *Registry {
	r := &Registry{
		actions:      make(map[string]ActionBuilder),
		requirements: make(map[string]RequirementBuilder),
		classifiers:  make(map[string]ClassifierBuilder),
		fillers:      make(map[string]FillerBuilder),
		storage:      opts.Storage,
		toggles:      opts.Toggles,
	}
	if r.toggles == nil {
		r.toggles = map[string]bool{}
	}
	registerBuiltinActions(r)
	registerBuiltinRequirements(r)
	registerBuiltinClassifiers(r)
	registerBuiltinFillers(r)
	return r
}

func (r *Registry) RegisterAction(tag string, b ActionBuilder)           { r.actions[tag] = b }
func (r *Registry) RegisterRequirement(tag string, b RequirementBuilder) { r.requirements[tag] = b }
func (r *Registry) RegisterClassifier(tag string, b ClassifierBuilder)   { r.classifiers[tag] = b }
func (r *Registry) RegisterFiller(tag string, b FillerBuilder)           { r.fillers[tag] = b }

type typed struct {
	Type string `yaml:"type"`
}

func nodeType(n *yaml.Node) (string, error) {
	if n == nil || n.Kind != yaml.MappingNode {
		return "", fmt.Errorf("scenario: line %d: expected a {type: ...} mapping", line(n))
	}
	var t typed
	if err := n.Decode(&t); err != nil {
		return "", fmt.Errorf("scenario: line %d: %w", n.Line, err)
	}
	if t.Type == "" {
		return "", fmt.Errorf("scenario: line %d: type is required", n.Line)
	}
	return t.Type, nil
}

func line(n *yaml.Node) int {
	if n == nil {
		return 0
	}
	return n.Line
}

type actionCommon struct {
	Name         string      `yaml:"name"`
	Requirement  yaml.Node   `yaml:"requirement"`
	Requirements []yaml.Node `yaml:"requirements"`
}

// Action builds an action node. name, requirement and requirements are
// understood on every action type.
func (r *Registry) Action(n *yaml.Node) (Action, error) {
	tag, err := nodeType(n)
	if err != nil {
		return nil, err
	}
	b, ok := r.actions[tag]
	if !ok {
		return nil, fmt.Errorf("%w: action %q (line %d)", ErrUnknownType, tag, n.Line)
	}
	a, err := b(r, n)
	if err != nil {
		return nil, fmt.Errorf("scenario: action %q (line %d): %w", tag, n.Line, err)
	}
	var common actionCommon
	if err := n.Decode(&common); err != nil {
		return nil, err
	}
	var reqs []Requirement
	if !absent(&common.Requirement) {
		req, err := r.Requirement(&common.Requirement)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	for i := range common.Requirements {
		req, err := r.Requirement(&common.Requirements[i])
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return Guard(a, reqs...), nil
}

func (r *Registry) optionalAction(n *yaml.Node) (Action, error) {
	if absent(n) {
		return nil, nil
	}
	return r.Action(n)
}

// absent reports whether n was left unset by the decoder or given as null.
func absent(n *yaml.Node) bool {
	return n == nil || n.Kind == 0 || n.Tag == "!!null"
}

type requirementCommon struct {
	CacheResult bool `yaml:"cache_result"`
}

// Requirement builds a requirement node. cache_result: true memoizes the
// result per message under a hash of the node.
func (r *Registry) Requirement(n *yaml.Node) (Requirement, error) {
	tag, err := nodeType(n)
	if err != nil {
		return nil, err
	}
	b, ok := r.requirements[tag]
	if !ok {
		return nil, fmt.Errorf("%w: requirement %q (line %d)", ErrUnknownType, tag, n.Line)
	}
	req, err := b(r, n)
	if err != nil {
		return nil, fmt.Errorf("scenario: requirement %q (line %d): %w", tag, n.Line, err)
	}
	var common requirementCommon
	if err := n.Decode(&common); err != nil {
		return nil, err
	}
	if common.CacheResult {
		key, err := nodeHash(n)
		if err != nil {
			return nil, err
		}
		req = Cached(key, req)
	}
	return req, nil
}

func nodeHash(n *yaml.Node) (string, error) {
	data, err := yaml.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("scenario: hash requirement: %w", err)
	}
	h := fnv.New64a()
	h.Write(data)
	return strconv.FormatUint(h.Sum64(), 16), nil
}

// Classifier builds a classifier node. The result implements Classifier,
// LegacyClassifier or both.
func (r *Registry) Classifier(n *yaml.Node) (any, error) {
	tag, err := nodeType(n)
	if err != nil {
		return nil, err
	}
	b, ok := r.classifiers[tag]
	if !ok {
		return nil, fmt.Errorf("%w: classifier %q (line %d)", ErrUnknownType, tag, n.Line)
	}
	c, err := b(r, n)
	if err != nil {
		return nil, fmt.Errorf("scenario: classifier %q (line %d): %w", tag, n.Line, err)
	}
	if _, ok := entryFor(c); !ok {
		return nil, fmt.Errorf("scenario: classifier %q: %T has no classify method", tag, c)
	}
	return c, nil
}

// Filler builds a filler node. The result implements Filler or
// LegacyFiller.
func (r *Registry) Filler(n *yaml.Node) (any, error) {
	tag, err := nodeType(n)
	if err != nil {
		return nil, err
	}
	b, ok := r.fillers[tag]
	if !ok {
		return nil, fmt.Errorf("%w: filler %q (line %d)", ErrUnknownType, tag, n.Line)
	}
	f, err := b(r, n)
	if err != nil {
		return nil, fmt.Errorf("scenario: filler %q (line %d): %w", tag, n.Line, err)
	}
	switch f.(type) {
	case Filler, LegacyFiller:
		return f, nil
	}
	return nil, fmt.Errorf("scenario: filler %q: %T has no fill method", tag, f)
}

// --- actions ---

func registerBuiltinActions(r *Registry) {
	r.RegisterAction("answer", func(r *Registry, n *yaml.Node) (Action, error) {
		var s struct {
			Name    string         `yaml:"name"`
			Payload map[string]any `yaml:"payload"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		return &AnswerAction{ID: orDefault(s.Name, "answer"), Payload: s.Payload}, nil
	})
	r.RegisterAction("static", func(r *Registry, n *yaml.Node) (Action, error) {
		var s struct {
			Name string `yaml:"name"`
			Key  string `yaml:"key"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		if r.storage == nil {
			return nil, fmt.Errorf("no static storage configured")
		}
		if !r.storage.Has(s.Key) {
			return nil, fmt.Errorf("static key %q not found", s.Key)
		}
		return &StaticAction{ID: orDefault(s.Name, "static:"+s.Key), Key: s.Key, Storage: r.storage}, nil
	})
	r.RegisterAction("request", func(r *Registry, n *yaml.Node) (Action, error) {
		var s struct {
			Name         string            `yaml:"name"`
			MessageName  string            `yaml:"message_name"`
			RequestType  string            `yaml:"request_type"`
			Behavior     string            `yaml:"behavior"`
			Payload      map[string]any    `yaml:"payload"`
			TopicKey     string            `yaml:"topic_key"`
			KafkaKey     string            `yaml:"kafka_key"`
			ReplyTopic   string            `yaml:"reply_topic"`
			ExtraHeaders map[string]string `yaml:"extra_headers"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		if s.MessageName == "" {
			return nil, fmt.Errorf("message_name is required")
		}
		return &RequestAction{
			ID:          orDefault(s.Name, "request:"+s.MessageName),
			MessageName: s.MessageName,
			RequestType: s.RequestType,
			BehaviorID:  s.Behavior,
			Payload:     s.Payload,
			Data: message.RequestData{
				TopicKey:     s.TopicKey,
				KafkaKey:     s.KafkaKey,
				ReplyTopic:   s.ReplyTopic,
				ExtraHeaders: s.ExtraHeaders,
			},
		}, nil
	})
	r.RegisterAction("retry", func(r *Registry, n *yaml.Node) (Action, error) {
		var s struct {
			Name       string    `yaml:"name"`
			Request    yaml.Node `yaml:"request"`
			MaxRetries int       `yaml:"max_retries"`
			Exhausted  yaml.Node `yaml:"exhausted"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		if absent(&s.Request) {
			return nil, fmt.Errorf("request is required")
		}
		req, err := r.Action(&s.Request)
		if err != nil {
			return nil, err
		}
		exhausted, err := r.optionalAction(&s.Exhausted)
		if err != nil {
			return nil, err
		}
		return &RetryAction{ID: orDefault(s.Name, "retry"), Request: req, MaxRetries: s.MaxRetries, Exhausted: exhausted}, nil
	})
	r.RegisterAction("no_answer", func(r *Registry, n *yaml.Node) (Action, error) {
		return &NoAnswerAction{ID: nameOf(n, "no_answer")}, nil
	})
	r.RegisterAction("do_nothing", func(r *Registry, n *yaml.Node) (Action, error) {
		return &DoNothingAction{ID: nameOf(n, "do_nothing")}, nil
	})
	r.RegisterAction("set_local", func(r *Registry, n *yaml.Node) (Action, error) {
		var s struct {
			Name   string         `yaml:"name"`
			Values map[string]any `yaml:"values"`
			Then   yaml.Node      `yaml:"then"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		then, err := r.optionalAction(&s.Then)
		if err != nil {
			return nil, err
		}
		return &SetLocalAction{ID: orDefault(s.Name, "set_local"), Values: s.Values, Then: then}, nil
	})
	r.RegisterAction("choice", func(r *Registry, n *yaml.Node) (Action, error) {
		var s struct {
			Name     string `yaml:"name"`
			Branches []struct {
				Requirement yaml.Node `yaml:"requirement"`
				Action      yaml.Node `yaml:"action"`
			} `yaml:"branches"`
			Otherwise yaml.Node `yaml:"otherwise"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		branches := make([]Branch, 0, len(s.Branches))
		for i := range s.Branches {
			when, err := r.Requirement(&s.Branches[i].Requirement)
			if err != nil {
				return nil, err
			}
			then, err := r.Action(&s.Branches[i].Action)
			if err != nil {
				return nil, err
			}
			branches = append(branches, Branch{When: when, Then: then})
		}
		otherwise, err := r.optionalAction(&s.Otherwise)
		if err != nil {
			return nil, err
		}
		return Choice(orDefault(s.Name, "choice"), branches, otherwise), nil
	})
}

// --- requirements ---

func registerBuiltinRequirements(r *Registry) {
	composite := func(combine func(...Requirement) Requirement) RequirementBuilder {
		return func(r *Registry, n *yaml.Node) (Requirement, error) {
			var s struct {
				Requirements []yaml.Node `yaml:"requirements"`
			}
			if err := n.Decode(&s); err != nil {
				return nil, err
			}
			reqs := make([]Requirement, 0, len(s.Requirements))
			for i := range s.Requirements {
				req, err := r.Requirement(&s.Requirements[i])
				if err != nil {
					return nil, err
				}
				reqs = append(reqs, req)
			}
			return combine(reqs...), nil
		}
	}
	r.RegisterRequirement("and", composite(And))
	r.RegisterRequirement("or", composite(Or))
	r.RegisterRequirement("not", func(r *Registry, n *yaml.Node) (Requirement, error) {
		var s struct {
			Requirement yaml.Node `yaml:"requirement"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		inner, err := r.Requirement(&s.Requirement)
		if err != nil {
			return nil, err
		}
		return Not(inner), nil
	})
	r.RegisterRequirement("intent", func(r *Registry, n *yaml.Node) (Requirement, error) {
		var s struct {
			Intents []string `yaml:"intents"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		return Intent(s.Intents...), nil
	})
	r.RegisterRequirement("topic", func(r *Registry, n *yaml.Node) (Requirement, error) {
		var s struct {
			Topics []string `yaml:"topics"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		return Topic(s.Topics...), nil
	})
	r.RegisterRequirement("regex", func(r *Registry, n *yaml.Node) (Requirement, error) {
		var s struct {
			Pattern string `yaml:"pattern"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		return Regex(s.Pattern)
	})
	r.RegisterRequirement("template", func(r *Registry, n *yaml.Node) (Requirement, error) {
		var s struct {
			Template string `yaml:"template"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		return Template(s.Template)
	})
	r.RegisterRequirement("random", func(r *Registry, n *yaml.Node) (Requirement, error) {
		var s struct {
			Percent float64 `yaml:"percent"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		return Random(s.Percent), nil
	})
	r.RegisterRequirement("user_hash", func(r *Registry, n *yaml.Node) (Requirement, error) {
		var s struct {
			Percent float64 `yaml:"percent"`
			Salt    string  `yaml:"salt"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		return UserHash(s.Percent, s.Salt), nil
	})
	r.RegisterRequirement("cron", func(r *Registry, n *yaml.Node) (Requirement, error) {
		var s struct {
			Expression string `yaml:"expression"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		return Cron(s.Expression)
	})
	r.RegisterRequirement("toggle", func(r *Registry, n *yaml.Node) (Requirement, error) {
		var s struct {
			Name string `yaml:"toggle"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		if s.Name == "" {
			return nil, fmt.Errorf("toggle is required")
		}
		return Toggle(s.Name, r.toggles), nil
	})
	r.RegisterRequirement("character", func(r *Registry, n *yaml.Node) (Requirement, error) {
		var s struct {
			IDs []string `yaml:"ids"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		return Character(s.IDs...), nil
	})
	r.RegisterRequirement("classifier", func(r *Registry, n *yaml.Node) (Requirement, error) {
		var s struct {
			Classifier yaml.Node `yaml:"classifier"`
			Events     []string  `yaml:"events"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		c, err := r.Classifier(&s.Classifier)
		if err != nil {
			return nil, err
		}
		e, _ := entryFor(c)
		return ClassifiedAs(ClassifierFunc(func(ctx context.Context, req *Request) (string, error) {
			return e.call(ctx, req)
		}), s.Events...), nil
	})
	r.RegisterRequirement("new_session", func(r *Registry, n *yaml.Node) (Requirement, error) {
		return NewSession(), nil
	})
	r.RegisterRequirement("pending_behavior", func(r *Registry, n *yaml.Node) (Requirement, error) {
		var s struct {
			Behavior string `yaml:"behavior"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		return PendingBehavior(s.Behavior), nil
	})
}

// --- classifiers ---

func registerBuiltinClassifiers(r *Registry) {
	r.RegisterClassifier("intent", func(r *Registry, n *yaml.Node) (any, error) {
		var s struct {
			Map map[string]string `yaml:"map"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		return &IntentClassifier{Map: s.Map}, nil
	})
	r.RegisterClassifier("regex", func(r *Registry, n *yaml.Node) (any, error) {
		var s struct {
			Rules []struct {
				Pattern string `yaml:"pattern"`
				Event   string `yaml:"event"`
			} `yaml:"rules"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		c := &RegexClassifier{}
		for _, rule := range s.Rules {
			if err := c.AddRule(rule.Pattern, rule.Event); err != nil {
				return nil, err
			}
		}
		return c, nil
	})
	r.RegisterClassifier("intersection", func(r *Registry, n *yaml.Node) (any, error) {
		var s struct {
			Events yaml.Node `yaml:"events"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		if s.Events.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("events must map event names to phrases")
		}
		var order []string
		phrases := make(map[string][]string)
		for i := 0; i+1 < len(s.Events.Content); i += 2 {
			ev := s.Events.Content[i].Value
			var list []string
			if err := s.Events.Content[i+1].Decode(&list); err != nil {
				return nil, fmt.Errorf("event %s: %w", ev, err)
			}
			order = append(order, ev)
			phrases[ev] = list
		}
		return NewIntersectionClassifier(order, phrases), nil
	})
}

// --- fillers ---

func registerBuiltinFillers(r *Registry) {
	r.RegisterFiller("regex", func(r *Registry, n *yaml.Node) (any, error) {
		var s struct {
			Pattern string `yaml:"pattern"`
			Group   string `yaml:"group"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		return NewRegexFiller(s.Pattern, s.Group)
	})
	type phrases struct {
		Yes []string `yaml:"yes"`
		No  []string `yaml:"no"`
	}
	r.RegisterFiller("approve", func(r *Registry, n *yaml.Node) (any, error) {
		var s phrases
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		return &ApproveFiller{Yes: s.Yes, No: s.No}, nil
	})
	r.RegisterFiller("approve_strict", func(r *Registry, n *yaml.Node) (any, error) {
		var s phrases
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		return &ApproveStrictFiller{Yes: s.Yes, No: s.No}, nil
	})
	r.RegisterFiller("entity", func(r *Registry, n *yaml.Node) (any, error) {
		var s struct {
			Entity string `yaml:"entity"`
			First  bool   `yaml:"first"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		return &EntityFiller{Entity: s.Entity, First: s.First}, nil
	})
	r.RegisterFiller("intent", func(r *Registry, n *yaml.Node) (any, error) {
		return IntentFiller{}, nil
	})
	r.RegisterFiller("server_action_param", func(r *Registry, n *yaml.Node) (any, error) {
		var s struct {
			Param string `yaml:"param"`
		}
		if err := n.Decode(&s); err != nil {
			return nil, err
		}
		return &ServerActionParamFiller{Param: s.Param}, nil
	})
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func nameOf(n *yaml.Node, def string) string {
	var s struct {
		Name string `yaml:"name"`
	}
	_ = n.Decode(&s)
	return orDefault(s.Name, def)
}
