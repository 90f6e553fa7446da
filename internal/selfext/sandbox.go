package selfext

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// DefaultTestTimeout is the per-test subprocess timeout (spec §4.9 step 4).
const DefaultTestTimeout = 30 * time.Second

// TestResult is the outcome of running one test file.
type TestResult struct {
	Passed       bool
	ExitCode     int
	Stdout       string
	Stderr       string
	DurationMS   int64
	TestFile     string
	ErrorMessage string
}

// SandboxResult is the outcome of running every declared test file.
type SandboxResult struct {
	Success     bool
	TestsRun    int
	TestsPassed int
	TestsFailed int
	Results     []TestResult
	Error       string
}

func (r SandboxResult) Summary() string {
	if r.Error != "" {
		return fmt.Sprintf("sandbox error: %s", r.Error)
	}
	return fmt.Sprintf("%d/%d tests passed", r.TestsPassed, r.TestsRun)
}

// SandboxRunner runs tool tests in an isolated subprocess: `go test -run . -v`
// in each test file's directory. There is no other runner and no fallback;
// a directory that `go test` cannot build counts as a failed run.
type SandboxRunner struct {
	Timeout    time.Duration
	ProjectDir string
}

// NewSandboxRunner builds a SandboxRunner with the given per-test timeout
// (0 selects DefaultTestTimeout) and project root, injected into the
// subprocess environment for import resolution.
func NewSandboxRunner(timeout time.Duration, projectDir string) *SandboxRunner {
	if timeout <= 0 {
		timeout = DefaultTestTimeout
	}
	return &SandboxRunner{Timeout: timeout, ProjectDir: projectDir}
}

// RunTests runs every test file, stopping to record failures but not
// aborting early, mirroring the teacher's run_tests behavior.
func (s *SandboxRunner) RunTests(ctx context.Context, testFiles []string, workingDir string) SandboxResult {
	result := SandboxResult{Success: true}

	for _, tf := range testFiles {
		if _, err := os.Stat(tf); err != nil {
			continue
		}
		tr := s.runSingleTest(ctx, tf, workingDir)
		result.Results = append(result.Results, tr)
		result.TestsRun++
		if tr.Passed {
			result.TestsPassed++
		} else {
			result.TestsFailed++
			result.Success = false
		}
	}
	return result
}

func (s *SandboxRunner) runSingleTest(ctx context.Context, testFile, workingDir string) TestResult {
	start := time.Now()
	dir := workingDir
	if dir == "" {
		dir = filepath.Dir(testFile)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "go", "test", "-run", ".", "-v", filepath.Dir(testFile))
	cmd.Dir = dir
	cmd.Env = s.sandboxEnv()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start).Milliseconds()

	if runCtx.Err() == context.DeadlineExceeded {
		return TestResult{
			Passed:       false,
			ExitCode:     -1,
			DurationMS:   duration,
			TestFile:     testFile,
			ErrorMessage: fmt.Sprintf("test timed out after %s", s.Timeout),
		}
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return TestResult{
				Passed:       false,
				ExitCode:     -1,
				Stderr:       err.Error(),
				DurationMS:   duration,
				TestFile:     testFile,
				ErrorMessage: fmt.Sprintf("execution error: %v", err),
			}
		}
	}

	passed := exitCode == 0
	tr := TestResult{
		Passed:     passed,
		ExitCode:   exitCode,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: duration,
		TestFile:   testFile,
	}
	if !passed {
		tr.ErrorMessage = fmt.Sprintf("test failed with exit code %d", exitCode)
	}
	return tr
}

func (s *SandboxRunner) sandboxEnv() []string {
	env := os.Environ()
	if s.ProjectDir != "" {
		env = append(env, "ORCHESTRATOR_PROJECT_ROOT="+s.ProjectDir)
	}
	return env
}
