package scenario

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Definition is a complete set of scenarios built from YAML.
type Definition struct {
	Global    *Scenario
	Scenarios map[string]*Scenario
	Screens   []*Screen
	Isolated  []Isolated
	Behaviors []Behavior
}

type scenarioSpec struct {
	Extends        []string    `yaml:"extends"`
	Classifiers    []yaml.Node `yaml:"classifiers"`
	Form           yaml.Node   `yaml:"form"`
	Actions        yaml.Node   `yaml:"actions"`
	Timeouts       yaml.Node   `yaml:"timeouts"`
	DefaultTimeout yaml.Node   `yaml:"default_timeout"`
	Fallback       yaml.Node   `yaml:"fallback"`
	Error          yaml.Node   `yaml:"error"`
}

type isolatedSpec struct {
	Scenario  string    `yaml:"scenario"`
	Condition yaml.Node `yaml:"condition"`
}

type behaviorSpec struct {
	Timeout        float64   `yaml:"timeout"`
	SuccessAction  yaml.Node `yaml:"success_action"`
	FailAction     yaml.Node `yaml:"fail_action"`
	TimeoutAction  yaml.Node `yaml:"timeout_action"`
	MisstateAction yaml.Node `yaml:"misstate_action"`
	LoopDef        bool      `yaml:"loop_def"`
}

type definitionSpec struct {
	Global    scenarioSpec            `yaml:"global"`
	Scenarios map[string]scenarioSpec `yaml:"scenarios"`
	Screens   map[string]scenarioSpec `yaml:"screens"`
	Isolated  []isolatedSpec          `yaml:"isolated"`
	Behaviors map[string]behaviorSpec `yaml:"behaviors"`
}

// GlobalScenarioID is the id of the scenario under `global:`.
const GlobalScenarioID = "global"

// LoadDefinition reads and builds a definition file.
func (r *Registry) LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: read definition: %w", err)
	}
	return r.ParseDefinition(data)
}

// ParseDefinition builds a definition from YAML. Named scenarios may extend
// each other; the global scenario and screens may extend named scenarios.
func (r *Registry) ParseDefinition(data []byte) (*Definition, error) {
	var spec definitionSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("scenario: parse definition: %w", err)
	}

	d := &Definition{Scenarios: make(map[string]*Scenario, len(spec.Scenarios))}
	own := make(map[string]*Scenario, len(spec.Scenarios))
	for _, id := range sortedKeys(spec.Scenarios) {
		sc := spec.Scenarios[id]
		s, err := r.buildScenario(New(id), &sc)
		if err != nil {
			return nil, err
		}
		own[id] = s
	}

	// Resolve extends depth first so each parent is complete before it is
	// merged into its children.
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(own))
	var resolve func(id string, path []string) error
	resolve = func(id string, path []string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %v", ErrCyclicExtend, append(path, id))
		}
		state[id] = visiting
		for _, parent := range spec.Scenarios[id].Extends {
			if _, ok := own[parent]; !ok {
				return fmt.Errorf("scenario: %s extends unknown scenario %q", id, parent)
			}
			if err := resolve(parent, append(path, id)); err != nil {
				return err
			}
			if err := own[id].Extend(own[parent]); err != nil {
				return err
			}
		}
		state[id] = done
		d.Scenarios[id] = own[id]
		return nil
	}
	for _, id := range sortedKeys(spec.Scenarios) {
		if err := resolve(id, nil); err != nil {
			return nil, err
		}
	}

	extend := func(s *Scenario, parents []string) error {
		for _, parent := range parents {
			p, ok := d.Scenarios[parent]
			if !ok {
				return fmt.Errorf("scenario: %s extends unknown scenario %q", s.id, parent)
			}
			if err := s.Extend(p); err != nil {
				return err
			}
		}
		return nil
	}

	global, err := r.buildScenario(New(GlobalScenarioID), &spec.Global)
	if err != nil {
		return nil, err
	}
	if err := extend(global, spec.Global.Extends); err != nil {
		return nil, err
	}
	d.Global = global

	for _, id := range sortedKeys(spec.Screens) {
		sc := spec.Screens[id]
		screen := NewScreen(id)
		if _, err := r.buildScenario(screen.Scenario, &sc); err != nil {
			return nil, err
		}
		if err := extend(screen.Scenario, sc.Extends); err != nil {
			return nil, err
		}
		d.Screens = append(d.Screens, screen)
	}

	for i := range spec.Isolated {
		is := &spec.Isolated[i]
		s, ok := d.Scenarios[is.Scenario]
		if !ok {
			return nil, fmt.Errorf("scenario: isolated entry %d: unknown scenario %q", i, is.Scenario)
		}
		cond, err := r.Requirement(&is.Condition)
		if err != nil {
			return nil, fmt.Errorf("scenario: isolated %s condition: %w", is.Scenario, err)
		}
		d.Isolated = append(d.Isolated, Isolated{Condition: cond, Scenario: s})
	}

	for _, id := range sortedKeys(spec.Behaviors) {
		b, err := r.buildBehavior(id, spec.Behaviors[id])
		if err != nil {
			return nil, err
		}
		d.Behaviors = append(d.Behaviors, b)
	}
	return d, nil
}

// Manager builds a ContextManager over the definition. opts supplies the
// engine settings; its scenario fields are replaced, and a BehaviorRunner
// over the definition's behaviors is created when opts has none.
func (d *Definition) Manager(opts ContextManagerOpts, runner BehaviorRunnerOpts) (*ContextManager, error) {
	opts.Global = d.Global
	opts.Screens = d.Screens
	opts.Isolated = d.Isolated
	if opts.Behaviors == nil {
		runner.Behaviors = d.Behaviors
		if runner.Clock == nil {
			runner.Clock = opts.Clock
		}
		if runner.Logger == nil {
			runner.Logger = opts.Logger
		}
		br, err := NewBehaviorRunner(runner)
		if err != nil {
			return nil, err
		}
		opts.Behaviors = br
	}
	return NewContextManager(opts)
}

func (r *Registry) buildScenario(s *Scenario, spec *scenarioSpec) (*Scenario, error) {
	wrap := func(err error) error { return fmt.Errorf("scenario %s: %w", s.id, err) }

	for i := range spec.Classifiers {
		c, err := r.Classifier(&spec.Classifiers[i])
		if err != nil {
			return nil, wrap(err)
		}
		s.AddClassifier(c)
	}

	if spec.Form.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(spec.Form.Content); i += 2 {
			name := spec.Form.Content[i].Value
			f, err := r.Filler(spec.Form.Content[i+1])
			if err != nil {
				return nil, wrap(fmt.Errorf("field %s: %w", name, err))
			}
			switch f := f.(type) {
			case Filler:
				s.AddField(name, f)
			case LegacyFiller:
				s.AddLegacyField(name, f)
			}
		}
	}

	if err := r.buildTable(&spec.Actions, s.OnBase); err != nil {
		return nil, wrap(err)
	}
	if err := r.buildTable(&spec.Timeouts, s.OnTimeoutBase); err != nil {
		return nil, wrap(err)
	}

	singles := []struct {
		node *yaml.Node
		set  func(Action) *Scenario
	}{
		{&spec.DefaultTimeout, s.SetDefaultTimeout},
		{&spec.Fallback, s.SetFallback},
		{&spec.Error, s.SetError},
	}
	for _, single := range singles {
		a, err := r.optionalAction(single.node)
		if err != nil {
			return nil, wrap(err)
		}
		if a != nil {
			single.set(a)
		}
	}
	return s, nil
}

// buildTable reads `event: [actions]`, `event: {type: ...}` or
// `event: {base_event: [actions]}`.
func (r *Registry) buildTable(n *yaml.Node, add func(event, base string, a Action) *Scenario) error {
	if n.Kind == 0 {
		return nil
	}
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: action table must be a mapping", n.Line)
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		event, body := n.Content[i].Value, n.Content[i+1]
		if body.Kind == yaml.MappingNode && !hasKey(body, "type") {
			for j := 0; j+1 < len(body.Content); j += 2 {
				if err := r.addActions(event, body.Content[j].Value, body.Content[j+1], add); err != nil {
					return err
				}
			}
			continue
		}
		if err := r.addActions(event, DefaultBaseEvent, body, add); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) addActions(event, base string, n *yaml.Node, add func(event, base string, a Action) *Scenario) error {
	nodes := []*yaml.Node{n}
	if n.Kind == yaml.SequenceNode {
		nodes = n.Content
	}
	for _, an := range nodes {
		a, err := r.Action(an)
		if err != nil {
			return fmt.Errorf("event %s/%s: %w", event, base, err)
		}
		add(event, base, a)
	}
	return nil
}

func (r *Registry) buildBehavior(id string, spec behaviorSpec) (Behavior, error) {
	b := Behavior{
		ID:      id,
		Timeout: time.Duration(spec.Timeout * float64(time.Second)),
		LoopDef: spec.LoopDef,
	}
	var err error
	for _, slot := range []struct {
		node *yaml.Node
		dst  *Action
	}{
		{&spec.SuccessAction, &b.SuccessAction},
		{&spec.FailAction, &b.FailAction},
		{&spec.TimeoutAction, &b.TimeoutAction},
		{&spec.MisstateAction, &b.MisstateAction},
	} {
		if *slot.dst, err = r.optionalAction(slot.node); err != nil {
			return Behavior{}, fmt.Errorf("scenario: behavior %s: %w", id, err)
		}
	}
	return b, nil
}

func hasKey(n *yaml.Node, key string) bool {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
