package workflow_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relayforge/orchestrator/internal/model"
	"github.com/relayforge/orchestrator/internal/workflow"
)

func TestRegister_IndexesByNameIntentAndTrigger(t *testing.T) {
	r := workflow.NewRegistry()
	wf := model.Workflow{
		Name:     "book_flight",
		Triggers: []model.Trigger{{Intent: "travel.book"}, {Text: "book me a flight"}},
		Steps:    []model.Step{{Name: "search", Tool: "internet.research"}},
	}
	if err := r.Register(wf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := r.ByName("book_flight"); !ok {
		t.Fatalf("expected lookup by name to succeed")
	}
	if got := r.ByIntent("travel.book"); len(got) != 1 {
		t.Fatalf("expected one workflow by intent, got %d", len(got))
	}
	if got := r.ByTrigger("Book Me A Flight"); len(got) != 1 {
		t.Fatalf("expected case-insensitive trigger match, got %d", len(got))
	}
}

func TestUnregister_RemovesFromAllIndices(t *testing.T) {
	r := workflow.NewRegistry()
	wf := model.Workflow{
		Name:     "wf1",
		Triggers: []model.Trigger{{Intent: "x"}},
		Steps:    []model.Step{{Name: "s", Tool: "t"}},
	}
	_ = r.Register(wf)
	r.Unregister("wf1")

	if _, ok := r.ByName("wf1"); ok {
		t.Fatalf("expected workflow removed")
	}
	if got := r.ByIntent("x"); len(got) != 0 {
		t.Fatalf("expected intent index cleared, got %d", len(got))
	}
}

func TestRegister_RejectsWorkflowWithoutSteps(t *testing.T) {
	r := workflow.NewRegistry()
	err := r.Register(model.Workflow{Name: "empty"})
	if err == nil {
		t.Fatalf("expected error for workflow with no steps")
	}
}

func TestParseFile_ParsesFrontmatterAndBody(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow.md")
	content := "---\n" +
		"name: research_topic\n" +
		"version: \"1.0\"\n" +
		"triggers:\n" +
		"  - research this\n" +
		"  - intent: research.general\n" +
		"steps:\n" +
		"  - name: search\n" +
		"    tool: internet.research\n" +
		"    args:\n" +
		"      query: \"{{topic}}\"\n" +
		"success_criteria:\n" +
		"  - search\n" +
		"---\n" +
		"# Research Topic\n\nRuns a general web research pass.\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	wf, err := workflow.ParseFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wf.Name != "research_topic" {
		t.Fatalf("expected name parsed, got %q", wf.Name)
	}
	if len(wf.Triggers) != 2 || wf.Triggers[0].Text != "research this" || wf.Triggers[1].Intent != "research.general" {
		t.Fatalf("expected mixed trigger shapes parsed, got %+v", wf.Triggers)
	}
	if len(wf.Steps) != 1 || wf.Steps[0].Tool != "internet.research" {
		t.Fatalf("expected one step parsed, got %+v", wf.Steps)
	}
	if wf.Body == "" {
		t.Fatalf("expected markdown body preserved")
	}
}

func TestLoadDir_RegistersBuiltinAndBundleWorkflows(t *testing.T) {
	dir := t.TempDir()
	builtin := "---\nname: builtin_wf\nsteps:\n  - name: s\n    tool: t\n---\nbody\n"
	if err := os.WriteFile(filepath.Join(dir, "builtin_wf.md"), []byte(builtin), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	bundleDir := filepath.Join(dir, "book_flight")
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	bundle := "---\nname: bundle_wf\nsteps:\n  - name: s\n    tool: t\n---\nbody\n"
	if err := os.WriteFile(filepath.Join(bundleDir, "workflow.md"), []byte(bundle), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	r := workflow.NewRegistry()
	if err := workflow.LoadDir(r, dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := r.ByName("builtin_wf"); !ok {
		t.Fatalf("expected builtin workflow registered")
	}
	if _, ok := r.ByName("bundle_wf"); !ok {
		t.Fatalf("expected bundle workflow registered")
	}
}
