package scenario

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"regexp"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/robfig/cron/v3"
)

// Requirement is a side-effect free predicate over a request.
type Requirement interface {
	Check(ctx context.Context, req *Request) bool
}

// RequirementFunc adapts a function to a Requirement.
type RequirementFunc func(ctx context.Context, req *Request) bool

func (f RequirementFunc) Check(ctx context.Context, req *Request) bool { return f(ctx, req) }

// And holds when every requirement holds. An empty And holds.
func And(reqs ...Requirement) Requirement {
	return RequirementFunc(func(ctx context.Context, req *Request) bool {
		for _, r := range reqs {
			if !r.Check(ctx, req) {
				return false
			}
		}
		return true
	})
}

// Or holds when any requirement holds. An empty Or does not hold.
func Or(reqs ...Requirement) Requirement {
	return RequirementFunc(func(ctx context.Context, req *Request) bool {
		for _, r := range reqs {
			if r.Check(ctx, req) {
				return true
			}
		}
		return false
	})
}

// Not inverts a requirement.
func Not(r Requirement) Requirement {
	return RequirementFunc(func(ctx context.Context, req *Request) bool {
		return !r.Check(ctx, req)
	})
}

// Cached memoizes r per message under key. The cache lives in the context
// manager; without one, r is evaluated every time.
func Cached(key string, r Requirement) Requirement {
	return RequirementFunc(func(ctx context.Context, req *Request) bool {
		if req.cache == nil || req.Message == nil {
			return r.Check(ctx, req)
		}
		ck := fmt.Sprintf("%s|%s|%d|%s", req.Message.UserID(), req.Message.SessionID, req.Message.ID, key)
		if v, ok := req.cache.Get(ck); ok {
			return v
		}
		v := r.Check(ctx, req)
		req.cache.Add(ck, v)
		return v
	})
}

// Intent holds when payload.intent is one of intents.
func Intent(intents ...string) Requirement {
	return RequirementFunc(func(ctx context.Context, req *Request) bool {
		return req.Message != nil && slices.Contains(intents, req.Message.Payload.Intent)
	})
}

// Topic holds when the message arrived on one of topics.
func Topic(topics ...string) Requirement {
	return RequirementFunc(func(ctx context.Context, req *Request) bool {
		return req.Message != nil && slices.Contains(topics, req.Message.Headers[headerTopic])
	})
}

const headerTopic = "topic"

// Regex holds when the request text matches the expression.
func Regex(expr string) (Requirement, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("scenario: regex requirement: %w", err)
	}
	return RequirementFunc(func(ctx context.Context, req *Request) bool {
		if req.Message == nil {
			return false
		}
		return re.MatchString(req.Message.Text()) || re.MatchString(req.Preprocessed().Original)
	}), nil
}

// Template holds when the template renders to "true" (case-insensitive).
// The template sees .Message, .Payload, .Context, .Local, .Form and .Event.
func Template(text string) (Requirement, error) {
	tmpl, err := template.New("requirement").Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("scenario: template requirement: %w", err)
	}
	return RequirementFunc(func(ctx context.Context, req *Request) bool {
		data := map[string]any{
			"Message": req.Message,
			"Context": req.Context,
			"Local":   req.Local(),
			"Form":    req.Form,
			"Event":   req.Event,
		}
		if req.Message != nil {
			data["Payload"] = req.Message.Payload
		}
		var out strings.Builder
		if err := tmpl.Execute(&out, data); err != nil {
			req.log().Debug("template requirement failed")
			return false
		}
		return strings.EqualFold(strings.TrimSpace(out.String()), "true")
	}), nil
}

// Random holds for roughly percent of evaluations.
func Random(percent float64) Requirement {
	return randomRequirement(percent, rand.Float64)
}

func randomRequirement(percent float64, float func() float64) Requirement {
	return RequirementFunc(func(ctx context.Context, req *Request) bool {
		return float()*100 < percent
	})
}

// UserHash holds for a stable percent of users: the same user always gets
// the same result for the same salt.
func UserHash(percent float64, salt string) Requirement {
	return RequirementFunc(func(ctx context.Context, req *Request) bool {
		if req.User == nil {
			return false
		}
		return float64(userBucket(req.User.ID, salt)) < percent
	})
}

func userBucket(userID, salt string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(salt))
	h.Write([]byte(userID))
	return h.Sum32() % 100
}

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Cron holds when the request time falls in a minute the expression fires.
func Cron(expr string) (Requirement, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("scenario: cron requirement %q: %w", expr, err)
	}
	return RequirementFunc(func(ctx context.Context, req *Request) bool {
		now := req.Now
		if now.IsZero() {
			now = time.Now()
		}
		minute := now.Truncate(time.Minute)
		return sched.Next(minute.Add(-time.Second)).Equal(minute)
	}), nil
}

// Toggle holds when the named feature toggle is on.
func Toggle(name string, toggles map[string]bool) Requirement {
	return RequirementFunc(func(ctx context.Context, req *Request) bool {
		return toggles[name]
	})
}

// Character holds when the user talks to one of the characters.
func Character(ids ...string) Requirement {
	return RequirementFunc(func(ctx context.Context, req *Request) bool {
		id := ""
		if req.Message != nil {
			id = req.Message.CharacterID()
		}
		if id == "" && req.Local() != nil {
			id = req.Local().CharacterID
		}
		return slices.Contains(ids, id)
	})
}

// ClassifiedAs holds when the classifier maps the request to one of events.
func ClassifiedAs(c Classifier, events ...string) Requirement {
	return RequirementFunc(func(ctx context.Context, req *Request) bool {
		ev, err := c.Classify(ctx, req)
		if err != nil {
			req.log().Debug("classifier requirement failed")
			return false
		}
		return ev != "" && slices.Contains(events, ev)
	})
}

// NewSession holds for the first message of an assistant session.
func NewSession() Requirement {
	return RequirementFunc(func(ctx context.Context, req *Request) bool {
		return req.Message != nil && req.Message.Payload.NewSession
	})
}

// PendingBehavior holds when a callback of the behavior is already
// outstanding and the behavior has loop prevention enabled.
func PendingBehavior(behaviorID string) Requirement {
	return RequirementFunc(func(ctx context.Context, req *Request) bool {
		return req.Behaviors != nil && req.User != nil && req.Behaviors.CheckGotSavedID(req.User, behaviorID)
	})
}
