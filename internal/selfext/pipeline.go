package selfext

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/relayforge/orchestrator/internal/model"
	"github.com/relayforge/orchestrator/internal/planstate"
	"github.com/relayforge/orchestrator/internal/toolcatalog"
)

// DefaultKeepCount is the number of backups retained per original filename.
const DefaultKeepCount = 5

// Request is the pipeline's input: a generated tool's spec/impl/test source
// and where to land it, per spec §4.9.
type Request struct {
	BundleDir   string // e.g. <workflows_root>/<workflow>
	ToolName    string
	SpecMD      string // full markdown+frontmatter spec content
	ImplSource  string // generated Go source, written for audit/review
	TestSource  string // generated _test.go content, empty if SkipTests
	SkipTests   bool
	Handler     toolcatalog.Handler // the compiled handler backing Entrypoint
	KeepBackups int                 // 0 selects DefaultKeepCount
}

// Result is the pipeline's outcome.
type Result struct {
	Success          bool
	Paths            []string
	Registered       bool
	TestSummary      string
	ValidationErrors []ValidationIssue
}

// TestRunner is the subset of SandboxRunner the pipeline needs, so tests can
// substitute a fake instead of shelling out to `go test`.
type TestRunner interface {
	RunTests(ctx context.Context, testFiles []string, workingDir string) SandboxResult
}

// Pipeline runs the full C9 sequence: validate → backup → write →
// sandbox-test → register or roll back.
type Pipeline struct {
	Catalog *toolcatalog.Catalog
	Plan    *planstate.State
	Sandbox TestRunner
}

// NewPipeline builds a Pipeline.
func NewPipeline(catalog *toolcatalog.Catalog, plan *planstate.State, sandbox TestRunner) *Pipeline {
	return &Pipeline{Catalog: catalog, Plan: plan, Sandbox: sandbox}
}

// Run executes the pipeline for one request.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	validation := ValidateSpecContent(req.SpecMD)
	if !validation.Valid {
		return Result{Success: false, ValidationErrors: validation.Errors}, nil
	}
	spec := validation.ParsedSpec

	if req.Handler == nil {
		return Result{}, fmt.Errorf("selfext: no compiled handler supplied for entrypoint %q", spec.Entrypoint)
	}

	specPath := filepath.Join(req.BundleDir, spec.Name+".md")
	implPath := filepath.Join(req.BundleDir, spec.Entrypoint+".go")
	paths := []string{specPath, implPath}
	var testPath string
	if !req.SkipTests && req.TestSource != "" {
		testPath = filepath.Join(req.BundleDir, spec.Entrypoint+"_test.go")
		paths = append(paths, testPath)
	}

	backupMgr := NewBackupManager(req.BundleDir)
	backups, err := backupMgr.CreateBackups(paths)
	if err != nil {
		return Result{}, fmt.Errorf("selfext: backup: %w", err)
	}

	rollback := func(reason string) (Result, error) {
		if restoreErr := backupMgr.RestoreBackups(backups); restoreErr != nil {
			reason = fmt.Sprintf("%s (rollback also failed: %v)", reason, restoreErr)
		}
		p.Plan.RecordToolCreationFailure(req.ToolName, reason, paths)
		return Result{Success: false, Paths: paths}, nil
	}

	if err := os.MkdirAll(req.BundleDir, 0o755); err != nil {
		return rollback(fmt.Sprintf("create bundle dir: %v", err))
	}
	if err := os.WriteFile(specPath, []byte(req.SpecMD), 0o644); err != nil {
		return rollback(fmt.Sprintf("write spec: %v", err))
	}
	if err := os.WriteFile(implPath, []byte(req.ImplSource), 0o644); err != nil {
		return rollback(fmt.Sprintf("write impl: %v", err))
	}
	if testPath != "" {
		if err := os.WriteFile(testPath, []byte(req.TestSource), 0o644); err != nil {
			return rollback(fmt.Sprintf("write test: %v", err))
		}
	}

	testSummary := "tests skipped"
	if testPath != "" && p.Sandbox != nil {
		sandboxResult := p.Sandbox.RunTests(ctx, []string{testPath}, req.BundleDir)
		testSummary = sandboxResult.Summary()
		if !sandboxResult.Success {
			return rollback(fmt.Sprintf("sandbox tests failed: %s", testSummary))
		}
	}

	keepCount := req.KeepBackups
	if keepCount <= 0 {
		keepCount = DefaultKeepCount
	}
	_, _ = backupMgr.CleanupOldBackups(keepCount)

	mode := model.ModeRequiredAny
	switch spec.ModeRequired {
	case string(model.ModeRequiredCode):
		mode = model.ModeRequiredCode
	case string(model.ModeRequiredChat):
		mode = model.ModeRequiredChat
	}

	if err := p.Catalog.Register(toolcatalog.Entry{
		Name:         spec.Name,
		Handler:      req.Handler,
		ModeRequired: mode,
		Description:  spec.Description,
	}, true); err != nil {
		return rollback(fmt.Sprintf("register: %v", err))
	}

	return Result{
		Success:     true,
		Paths:       paths,
		Registered:  true,
		TestSummary: testSummary,
	}, nil
}
