package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// - a repository event (push, pull_request, manual) triggers a "Run"
// - the repository's definition file declares a list of jobs
// - jobs run in parallel unless a "needs" edge orders them
// - steps within a job run serially, fail-fast

type (
	// Definition is the parsed, validated form of a repository's
	// pipeline file. Immutable once compiled; runs never re-validate.
	Definition struct {
		Name string `yaml:"-"` // name of the definition file
		Jobs []Job  `yaml:"jobs"`

		compiled bool
	}

	Job struct {
		Name        string            `yaml:"name"`
		Needs       StringList        `yaml:"needs"`
		When        []Constraint      `yaml:"when"`
		Image       string            `yaml:"image"` // container engines only
		Environment map[string]string `yaml:"environment"`
		Timeout     Duration          `yaml:"timeout"`
		Steps       []Step            `yaml:"steps"`
	}

	Step struct {
		Name        string            `yaml:"name"`
		Command     string            `yaml:"command"`
		Environment map[string]string `yaml:"environment"`
	}

	Constraint struct {
		Event  StringList `yaml:"event"`
		Branch StringList `yaml:"branch"` // glob patterns, compiled at load

		matcher *BranchMatcher
	}

	StringList []string

	// Duration wraps time.Duration with "5m"-style yaml decoding.
	Duration time.Duration
)

const (
	TriggerKindPush        string = "push"
	TriggerKindPullRequest string = "pull_request"
	TriggerKindManual      string = "manual"
)

// TriggerEvent is the normalized form of an incoming repository event.
type TriggerEvent struct {
	Repo      string `json:"repository"`
	Branch    string `json:"branch"`
	CommitSHA string `json:"commit_sha"`
	Kind      string `json:"event_type"`
}

// Load parses and statically validates a raw definition. Parse failures
// come back as *ParseError, semantic failures as *ValidationError.
func Load(name string, contents []byte) (*Definition, error) {
	var def Definition

	if err := yaml.Unmarshal(contents, &def); err != nil {
		return nil, &ParseError{Name: name, Err: err}
	}

	def.Name = name

	if err := def.compile(); err != nil {
		return nil, err
	}

	return &def, nil
}

// Compiled reports whether this definition went through Load. The
// scheduler refuses definitions constructed by hand.
func (d *Definition) Compiled() bool {
	return d != nil && d.compiled
}

func (d *Definition) Job(name string) *Job {
	for i := range d.Jobs {
		if d.Jobs[i].Name == name {
			return &d.Jobs[i]
		}
	}
	return nil
}

// Match returns the jobs whose constraints accept the trigger, in
// declaration order.
func (d *Definition) Match(ev TriggerEvent) []Job {
	var matched []Job
	for _, j := range d.Jobs {
		if j.Match(ev) {
			matched = append(matched, j)
		}
	}
	return matched
}

// if any of the constraints on a job is true, return true
func (j *Job) Match(ev TriggerEvent) bool {
	// manual triggers always run the job
	if ev.Kind == TriggerKindManual {
		return true
	}

	for _, c := range j.When {
		if c.Match(ev) {
			return true
		}
	}

	// no constraints, always run this job
	if len(j.When) == 0 {
		return true
	}

	return false
}

func (c *Constraint) Match(ev TriggerEvent) bool {
	if ev.Kind == TriggerKindManual {
		return true
	}

	match := c.MatchEvent(ev.Kind)

	// branch constraints are optional
	if len(c.Branch) > 0 {
		match = match && c.MatchBranch(ev.Branch)
	}

	return match
}

func (c *Constraint) MatchEvent(event string) bool {
	for _, e := range c.Event {
		if e == event {
			return true
		}
	}
	return false
}

func (c *Constraint) MatchBranch(branch string) bool {
	if c.matcher == nil {
		return false
	}
	return c.matcher.Match(branch)
}

// NormalizeRef strips a fully qualified branch ref down to its short
// name; non-ref strings pass through untouched.
func NormalizeRef(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

// Custom unmarshaller for StringList: accepts a scalar or a sequence.
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {
		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("cannot parse '%s' as a duration: %w", raw, err)
	}

	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
