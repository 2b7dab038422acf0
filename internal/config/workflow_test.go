package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeWorkflow(t *testing.T, doc string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ci.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadWorkflow(t *testing.T) {
	path := writeWorkflow(t, `
name: ci
on:
  push:
    branches: [main, release/*]
  pull_request:
policy:
  fail-fast: true
  cancel-in-progress: false
jobs:
  - name: build
    runs-on: [ubuntu-22.04, macos-14]
    toolchain:
      channel: stable
      components: [rustfmt]
    cache-key: build
    steps:
      - name: checkout
        uses: checkout
      - name: compile
        run: cargo build --locked
  - name: lint
    runs-on: ubuntu-22.04
    steps:
      - name: fmt
        run: cargo fmt --check
`)

	wf, err := LoadWorkflow(path)
	if err != nil {
		t.Fatalf("LoadWorkflow: %v", err)
	}

	if wf.Name != "ci" {
		t.Errorf("Name = %s, want ci", wf.Name)
	}
	if wf.Triggers.Push == nil || len(wf.Triggers.Push.Branches) != 2 {
		t.Fatalf("push trigger = %+v, want two branch filters", wf.Triggers.Push)
	}
	if wf.Triggers.PullRequest == nil {
		t.Error("pull_request trigger missing")
	}
	if !wf.Policy.FailFast {
		t.Error("fail-fast not parsed")
	}
	if wf.Policy.CancelInProgressEnabled() {
		t.Error("cancel-in-progress false not parsed")
	}

	if len(wf.Jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(wf.Jobs))
	}
	build := wf.Jobs[0]
	if len(build.RunsOn) != 2 {
		t.Errorf("build runs-on = %v, want two targets", build.RunsOn)
	}
	if build.Toolchain == nil || build.Toolchain.Channel != "stable" {
		t.Errorf("build toolchain = %+v, want stable channel", build.Toolchain)
	}
	if build.CacheKey != "build" {
		t.Errorf("build cache-key = %s, want build", build.CacheKey)
	}

	// Scalar runs-on decodes into a single-element list.
	lint := wf.Jobs[1]
	if len(lint.RunsOn) != 1 || lint.RunsOn[0] != "ubuntu-22.04" {
		t.Errorf("lint runs-on = %v, want [ubuntu-22.04]", lint.RunsOn)
	}
}

func TestLoadWorkflowExpandsEnvironment(t *testing.T) {
	t.Setenv("RELEASE_BRANCH", "release-2024")
	path := writeWorkflow(t, `
name: ci
on:
  push:
    branches: [main, "${RELEASE_BRANCH}"]
jobs:
  - name: build
    runs-on: ubuntu-22.04
    steps:
      - name: compile
        run: cargo build
`)

	wf, err := LoadWorkflow(path)
	if err != nil {
		t.Fatalf("LoadWorkflow: %v", err)
	}

	branches := wf.Triggers.Push.Branches
	if len(branches) != 2 || branches[1] != "release-2024" {
		t.Errorf("branches = %v, want the expanded release branch", branches)
	}
}

func TestLoadWorkflowDefaultStepNames(t *testing.T) {
	path := writeWorkflow(t, `
name: ci
on: push
jobs:
  - name: build
    runs-on: ubuntu-22.04
    steps:
      - uses: checkout
      - run: |
          cargo build --locked
          cargo test
`)

	wf, err := LoadWorkflow(path)
	if err != nil {
		t.Fatalf("LoadWorkflow: %v", err)
	}

	steps := wf.Jobs[0].Steps
	if steps[0].Name != "checkout" {
		t.Errorf("steps[0].Name = %q, want checkout", steps[0].Name)
	}
	if steps[1].Name != "cargo build --locked" {
		t.Errorf("steps[1].Name = %q, want the first command line", steps[1].Name)
	}
}

func TestLoadWorkflowScalarTrigger(t *testing.T) {
	path := writeWorkflow(t, `
name: ci
on: pull_request
jobs:
  - name: build
    runs-on: ubuntu-22.04
    steps:
      - name: compile
        run: cargo build
`)

	wf, err := LoadWorkflow(path)
	if err != nil {
		t.Fatalf("LoadWorkflow: %v", err)
	}
	if wf.Triggers.PullRequest == nil {
		t.Error("pull_request trigger missing")
	}
	if wf.Triggers.Push != nil {
		t.Error("push trigger set without being declared")
	}
}

func TestLoadWorkflowMissingFile(t *testing.T) {
	if _, err := LoadWorkflow(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadWorkflow on a missing file = nil, want error")
	}
}

func TestLoadWorkflowInvalidTriggerKind(t *testing.T) {
	path := writeWorkflow(t, `
name: ci
on: schedule
jobs:
  - name: build
    runs-on: ubuntu-22.04
    steps:
      - name: compile
        run: cargo build
`)

	if _, err := LoadWorkflow(path); err == nil {
		t.Error("LoadWorkflow with an unknown trigger kind = nil, want error")
	}
}
