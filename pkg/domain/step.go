package domain

import (
	"context"
	"fmt"
	"time"
)

// Step is one entry in a job's step list. Exactly one of Uses or Run must be
// set: Uses invokes a named capability with parameters, Run executes a raw
// command line. Declaring both or neither is a configuration error.
type Step struct {
	Name string            `yaml:"name" json:"name"`
	Uses string            `yaml:"uses" json:"uses,omitempty"`
	With map[string]string `yaml:"with" json:"with,omitempty"`
	Run  string            `yaml:"run" json:"run,omitempty"`
}

// Invocation resolves the step into its executable variant.
func (s Step) Invocation() (Invocation, error) {
	switch {
	case s.Uses != "" && s.Run != "":
		return nil, fmt.Errorf("step %q declares both uses and run", s.Name)
	case s.Uses != "":
		return &ActionInvocation{Name: s.Uses, Params: s.With}, nil
	case s.Run != "":
		return &CommandInvocation{Line: s.Run}, nil
	default:
		return nil, fmt.Errorf("step %q declares neither uses nor run", s.Name)
	}
}

// Invocation is an executable step variant. Execute runs the step inside the
// given environment and classifies the outcome; it reports failures through
// the result rather than panicking.
type Invocation interface {
	Execute(ctx context.Context, env Environment) StepResult
}

// ActionInvocation invokes a named capability, such as checkout or
// toolchain, with its parameters.
type ActionInvocation struct {
	Name   string
	Params map[string]string
}

func (a *ActionInvocation) Execute(ctx context.Context, env Environment) StepResult {
	output, exitCode, err := env.InvokeAction(ctx, a.Name, a.Params)
	return classify(ctx, output, exitCode, err)
}

// CommandInvocation executes a raw command line.
type CommandInvocation struct {
	Line string
}

func (c *CommandInvocation) Execute(ctx context.Context, env Environment) StepResult {
	output, exitCode, err := env.RunCommand(ctx, c.Line)
	return classify(ctx, output, exitCode, err)
}

// classify turns raw execution output into a step result. A cancelled
// context wins over any error it caused; a deadline counts as a failure.
func classify(ctx context.Context, output string, exitCode int, err error) StepResult {
	res := StepResult{
		Status:   StepStatusSucceeded,
		ExitCode: exitCode,
		Output:   output,
	}
	switch {
	case ctx.Err() == context.Canceled:
		res.Status = StepStatusCancelled
		if err != nil {
			res.Error = err.Error()
		}
	case err != nil:
		res.Status = StepStatusFailed
		res.Error = err.Error()
	case exitCode != 0:
		res.Status = StepStatusFailed
	}
	return res
}

// StepStatus is the terminal status of a single step.
type StepStatus string

const (
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusCancelled StepStatus = "cancelled"
	StepStatusSkipped   StepStatus = "skipped"
)

// StepResult records the outcome of one executed step.
type StepResult struct {
	Name      string        `json:"name"`
	Status    StepStatus    `json:"status"`
	ExitCode  int           `json:"exit_code"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	Duration  time.Duration `json:"duration"`
}
