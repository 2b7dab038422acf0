package domain

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Workflow is the declarative build-verification document for a repository.
// It is loaded once at startup, validated, and then treated as immutable;
// every component that needs it receives it explicitly.
type Workflow struct {
	Name     string       `yaml:"name" json:"name"`
	Triggers TriggerRules `yaml:"on" json:"triggers"`
	Policy   Policy       `yaml:"policy" json:"policy"`
	Jobs     []JobSpec    `yaml:"jobs" json:"jobs"`
}

// TriggerRules declares which repository events launch a run. A nil rule
// means the event kind never triggers.
type TriggerRules struct {
	Push        *PushRule        `yaml:"push" json:"push,omitempty"`
	PullRequest *PullRequestRule `yaml:"pull_request" json:"pull_request,omitempty"`
}

// PushRule restricts push triggers to a branch list. An empty list admits
// every branch.
type PushRule struct {
	Branches []string `yaml:"branches" json:"branches,omitempty"`
}

// PullRequestRule enables pull request triggers. Pull requests from any
// branch apply; the rule carries no options.
type PullRequestRule struct{}

// UnmarshalYAML accepts the three trigger spellings: a single kind
// ("on: push"), a list of kinds, or a mapping with per-kind options.
func (t *TriggerRules) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var kind string
		if err := value.Decode(&kind); err != nil {
			return err
		}
		return t.enable(kind, nil)

	case yaml.SequenceNode:
		var kinds []string
		if err := value.Decode(&kinds); err != nil {
			return err
		}
		for _, kind := range kinds {
			if err := t.enable(kind, nil); err != nil {
				return err
			}
		}
		return nil

	case yaml.MappingNode:
		for i := 0; i+1 < len(value.Content); i += 2 {
			key := value.Content[i].Value
			if err := t.enable(key, value.Content[i+1]); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("invalid trigger declaration")
}

func (t *TriggerRules) enable(kind string, options *yaml.Node) error {
	switch EventKind(kind) {
	case EventPush:
		rule := &PushRule{}
		if options != nil && options.Tag != "!!null" {
			if err := options.Decode(rule); err != nil {
				return fmt.Errorf("invalid push trigger: %w", err)
			}
		}
		t.Push = rule
	case EventPullRequest:
		t.PullRequest = &PullRequestRule{}
	default:
		return fmt.Errorf("%w in trigger declaration: %q", ErrUnknownEventKind, kind)
	}
	return nil
}

// Policy controls run-level execution behavior.
type Policy struct {
	// FailFast cancels the remaining instances of a run after the first
	// instance failure. Off by default: one failing job never halts its
	// siblings.
	FailFast bool `yaml:"fail-fast" json:"fail_fast"`

	// CancelInProgress cancels an in-flight run when a newer event arrives
	// for the same concurrency group. Enabled when unset.
	CancelInProgress *bool `yaml:"cancel-in-progress" json:"cancel_in_progress,omitempty"`
}

// CancelInProgressEnabled resolves the superseding-run policy, defaulting
// to enabled.
func (p Policy) CancelInProgressEnabled() bool {
	return p.CancelInProgress == nil || *p.CancelInProgress
}

// JobSpec declares one verification job. RunsOn is the job's target
// environment axis: the matrix expander creates one instance per value.
// Specs are static configuration and are never mutated at run time.
type JobSpec struct {
	Name      string     `yaml:"name" json:"name"`
	RunsOn    StringList `yaml:"runs-on" json:"runs_on"`
	Toolchain *Toolchain `yaml:"toolchain" json:"toolchain,omitempty"`
	CacheKey  string     `yaml:"cache-key" json:"cache_key,omitempty"`
	Steps     []Step     `yaml:"steps" json:"steps"`
}

// Toolchain declares the toolchain a job needs provisioned in its
// environment before build steps can run.
type Toolchain struct {
	Channel    string   `yaml:"channel" json:"channel"`
	Components []string `yaml:"components" json:"components,omitempty"`
}

// StringList decodes a YAML scalar or sequence into a list of strings, so
// single-target jobs can write runs-on as a plain string.
type StringList []string

func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	return fmt.Errorf("expected a string or a list of strings")
}
