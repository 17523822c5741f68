package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// StepKind selects which component executes a pipeline step.
type StepKind string

const (
	// KindExec runs an external command and requires it to exit 0.
	// This is the default when a step does not declare a kind.
	KindExec StepKind = "exec"

	// KindClone fetches a fresh copy of a Git repository.
	KindClone StepKind = "clone"

	// KindCopy stages files matched by glob patterns into a directory.
	KindCopy StepKind = "copy"
)

// String returns the string representation of StepKind.
func (k StepKind) String() string {
	return string(k)
}

// IsValid checks whether the StepKind value is one of the predefined kinds.
func (k StepKind) IsValid() bool {
	switch k {
	case KindExec, KindClone, KindCopy:
		return true
	default:
		return false
	}
}

// ParseStepKind converts a string to a StepKind. An empty string maps to
// KindExec so that pipeline files may omit the field for commands.
func ParseStepKind(s string) (StepKind, error) {
	if strings.TrimSpace(s) == "" {
		return KindExec, nil
	}
	kind := StepKind(strings.ToLower(s))
	if !kind.IsValid() {
		return "", fmt.Errorf("invalid step kind: %q (valid: exec, clone, copy)", s)
	}
	return kind, nil
}

// StepStatus is the outcome of a single step within a run.
//
// The transitions are:
//
//	pending → succeeded
//	pending → failed
//	pending → skipped   (an earlier step failed or the run was cancelled)
type StepStatus string

const (
	StatusPending   StepStatus = "pending"
	StatusSucceeded StepStatus = "succeeded"
	StatusFailed    StepStatus = "failed"
	StatusSkipped   StepStatus = "skipped"
)

// String returns the string representation of StepStatus.
func (s StepStatus) String() string {
	return string(s)
}

// Step is one entry of a pipeline. Which fields are meaningful depends on
// Kind; Validate enforces the required ones.
type Step struct {
	// Name identifies the step in logs, results and error messages.
	Name string `yaml:"name" json:"name"`

	// Kind selects the executing component. Empty means exec.
	Kind StepKind `yaml:"kind,omitempty" json:"kind,omitempty"`

	// Command is the argv of an exec step. Command[0] is looked up on PATH.
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`

	// Dir is the working directory of an exec step. Empty means the workspace.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`

	// Env holds extra environment variables layered over the process env.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Repo and Branch name the repository fetched by a clone step.
	Repo   string `yaml:"repo,omitempty" json:"repo,omitempty"`
	Branch string `yaml:"branch,omitempty" json:"branch,omitempty"`

	// Depth limits clone history. Zero clones the full history.
	Depth int `yaml:"depth,omitempty" json:"depth,omitempty"`

	// Dest is the clone target directory or the copy destination.
	Dest string `yaml:"dest,omitempty" json:"dest,omitempty"`

	// Sources are the glob patterns staged by a copy step.
	Sources []string `yaml:"sources,omitempty" json:"sources,omitempty"`

	// Report, when set on an exec step, is an xUnit report the command must
	// leave behind. The step only succeeds if the report is well-formed.
	Report string `yaml:"report,omitempty" json:"report,omitempty"`
}

// EffectiveKind returns Kind, defaulting to KindExec.
func (s *Step) EffectiveKind() StepKind {
	if s.Kind == "" {
		return KindExec
	}
	return s.Kind
}

// Validate checks that the fields required by the step's kind are present.
func (s *Step) Validate() error {
	if err := ValidateName(s.Name); err != nil {
		return err
	}

	kind := s.EffectiveKind()
	if !kind.IsValid() {
		return fmt.Errorf("step %q: invalid kind %q (valid: exec, clone, copy)", s.Name, s.Kind)
	}

	switch kind {
	case KindExec:
		if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
			return fmt.Errorf("step %q: exec step requires a command", s.Name)
		}
	case KindClone:
		if s.Repo == "" {
			return fmt.Errorf("step %q: clone step requires a repo", s.Name)
		}
		if s.Dest == "" {
			return fmt.Errorf("step %q: clone step requires a dest", s.Name)
		}
		if s.Depth < 0 {
			return fmt.Errorf("step %q: clone depth must not be negative (got %d)", s.Name, s.Depth)
		}
	case KindCopy:
		if len(s.Sources) == 0 {
			return fmt.Errorf("step %q: copy step requires at least one source", s.Name)
		}
		if s.Dest == "" {
			return fmt.Errorf("step %q: copy step requires a dest", s.Name)
		}
	}
	return nil
}

// Pipeline is an ordered list of steps executed one after another.
type Pipeline struct {
	Name string `yaml:"name" json:"name"`

	// Vars are extra ${NAME} substitutions available to every step.
	Vars map[string]string `yaml:"vars,omitempty" json:"vars,omitempty"`

	Steps []Step `yaml:"steps" json:"steps"`
}

// Validate checks every step and rejects duplicate step names.
func (p *Pipeline) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("pipeline %q has no steps", p.Name)
	}

	seen := make(map[string]int, len(p.Steps))
	for i := range p.Steps {
		if err := p.Steps[i].Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		if prev, dup := seen[p.Steps[i].Name]; dup {
			return fmt.Errorf("duplicate step name %q (steps %d and %d)", p.Steps[i].Name, prev+1, i+1)
		}
		seen[p.Steps[i].Name] = i
	}
	return nil
}

// nameRegex validates step names: alphanumeric + hyphens only,
// must start and end with alphanumeric.
var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9]$|^[a-zA-Z0-9]$`)

// ValidateName checks if the given name is a valid step name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("step name must not be empty")
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("invalid step name %q: must contain only alphanumeric characters and hyphens, and start/end with alphanumeric", name)
	}
	return nil
}

// StepResult records what happened to one step during a run.
type StepResult struct {
	Name     string     `json:"name"`
	Kind     StepKind   `json:"kind"`
	Status   StepStatus `json:"status"`
	ExitCode int        `json:"exitCode"`

	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`

	// Error is the failure message. Empty unless Status is failed.
	Error string `json:"error,omitempty"`

	// Detail is a short kind-specific note: the cloned HEAD, the number of
	// staged files, or the test counts from the report.
	Detail string `json:"detail,omitempty"`
}

// Duration returns how long the step ran. Zero for steps that never started.
func (r *StepResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunSummary is the record of one pipeline run.
type RunSummary struct {
	RunID      string       `json:"runId"`
	Pipeline   string       `json:"pipeline"`
	Mode       string       `json:"mode"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	Results    []StepResult `json:"results"`
}

// Succeeded reports whether every step succeeded.
func (s *RunSummary) Succeeded() bool {
	if len(s.Results) == 0 {
		return false
	}
	for _, r := range s.Results {
		if r.Status != StatusSucceeded {
			return false
		}
	}
	return true
}

// FirstFailure returns the first failed step, or nil.
func (s *RunSummary) FirstFailure() *StepResult {
	for i := range s.Results {
		if s.Results[i].Status == StatusFailed {
			return &s.Results[i]
		}
	}
	return nil
}

// Count returns how many steps ended with the given status.
func (s *RunSummary) Count(status StepStatus) int {
	n := 0
	for _, r := range s.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}
