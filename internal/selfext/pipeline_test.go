package selfext_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/relayforge/orchestrator/internal/planstate"
	"github.com/relayforge/orchestrator/internal/selfext"
	"github.com/relayforge/orchestrator/internal/toolcatalog"
)

type fakeRunner struct {
	result selfext.SandboxResult
}

func (f fakeRunner) RunTests(ctx context.Context, testFiles []string, workingDir string) selfext.SandboxResult {
	return f.result
}

func noopHandler(ctx context.Context, args map[string]any) (map[string]any, error) {
	return map[string]any{"status": "success"}, nil
}

func TestRun_RegistersToolOnPassingTests(t *testing.T) {
	dir := t.TempDir()
	cat := toolcatalog.New()
	plan := planstate.New()
	runner := fakeRunner{result: selfext.SandboxResult{Success: true, TestsRun: 1, TestsPassed: 1}}
	p := selfext.NewPipeline(cat, plan, runner)

	req := selfext.Request{
		BundleDir:  dir,
		ToolName:   "weather.lookup",
		SpecMD:     validSpec(),
		ImplSource: "package tools\n",
		TestSource: "package tools\nimport \"testing\"\nfunc TestX(t *testing.T){}\n",
		Handler:    noopHandler,
	}

	result, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || !result.Registered {
		t.Fatalf("expected success and registration, got %+v", result)
	}
	if !cat.Has("weather.lookup") {
		t.Fatalf("expected tool registered in catalog")
	}
	for _, p := range result.Paths {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("expected file %s to exist: %v", p, err)
		}
	}
}

func TestRun_RollsBackOnFailingTests(t *testing.T) {
	dir := t.TempDir()
	existingImpl := filepath.Join(dir, "weatherLookup.go")
	if err := os.WriteFile(existingImpl, []byte("package tools\n// original\n"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	cat := toolcatalog.New()
	plan := planstate.New()
	runner := fakeRunner{result: selfext.SandboxResult{Success: false, TestsRun: 1, TestsFailed: 1}}
	p := selfext.NewPipeline(cat, plan, runner)

	req := selfext.Request{
		BundleDir:  dir,
		ToolName:   "weather.lookup",
		SpecMD:     validSpec(),
		ImplSource: "package tools\n// new broken impl\n",
		TestSource: "package tools\nimport \"testing\"\nfunc TestX(t *testing.T){}\n",
		Handler:    noopHandler,
	}

	result, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatalf("expected rollback result, got success")
	}
	if cat.Has("weather.lookup") {
		t.Fatalf("expected tool not registered after rollback")
	}

	restored, err := os.ReadFile(existingImpl)
	if err != nil || string(restored) != "package tools\n// original\n" {
		t.Fatalf("expected original impl restored, got %q, err %v", restored, err)
	}

	failures := plan.Data().ToolCreationFailures
	if len(failures) != 1 || failures[0].ToolName != "weather.lookup" {
		t.Fatalf("expected tool creation failure recorded, got %+v", failures)
	}
}

func TestRun_FailsFastOnInvalidSpec(t *testing.T) {
	dir := t.TempDir()
	cat := toolcatalog.New()
	plan := planstate.New()
	p := selfext.NewPipeline(cat, plan, fakeRunner{})

	req := selfext.Request{
		BundleDir: dir,
		ToolName:  "broken",
		SpecMD:    "---\nname: broken\n---\nbody",
		Handler:   noopHandler,
	}

	result, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || len(result.ValidationErrors) == 0 {
		t.Fatalf("expected validation failure, got %+v", result)
	}
}
