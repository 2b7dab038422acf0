package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/checkrun-ci/checkrun/pkg/domain"
)

// LoadWorkflow reads and parses a workflow document. Environment
// variable references in the document are expanded before parsing.
func LoadWorkflow(path string) (*domain.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var wf domain.Workflow
	if err := yaml.Unmarshal([]byte(expanded), &wf); err != nil {
		return nil, fmt.Errorf("failed to parse workflow file %s: %w", path, err)
	}

	applyWorkflowDefaults(&wf)
	return &wf, nil
}

// applyWorkflowDefaults fills in the optional parts of a workflow
// document. Unnamed steps are named after what they invoke.
func applyWorkflowDefaults(wf *domain.Workflow) {
	for ji := range wf.Jobs {
		job := &wf.Jobs[ji]
		for si := range job.Steps {
			step := &job.Steps[si]
			if step.Name != "" {
				continue
			}
			switch {
			case step.Uses != "":
				step.Name = step.Uses
			case step.Run != "":
				step.Name = firstLine(step.Run)
			}
		}
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}
