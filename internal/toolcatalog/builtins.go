package toolcatalog

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/relayforge/orchestrator/internal/model"
)

// Builtin tool limits, ported from the explore agent's Claude-Code-style
// tool set (glob/grep/read/bash) and generalized from a single-agent
// toolset to catalog entries any executor can invoke.
const (
	builtinBashTimeout   = 10 * time.Second
	builtinSearchTimeout = 10 * time.Second
	maxGlobResults       = 100
	maxGrepMatches       = 50
	maxReadLines         = 500
	defaultReadLines     = 200
	maxLineLength        = 2000
	maxBashOutput        = 10000
)

// Builtins returns the catalog's built-in read-only filesystem and shell
// tools (glob, grep, read, bash), rooted at repoRoot, keyed by name. Used
// both to populate a Catalog (RegisterBuiltins) and as the "known handler"
// registry planning/executorloop consult when a workflow declares
// CREATE_WORKFLOW over one of these names.
func Builtins(repoRoot string) Registry {
	return Registry{
		"glob": globHandler(repoRoot),
		"grep": grepHandler(repoRoot),
		"read": readHandler(repoRoot),
		"bash": bashHandler(repoRoot),
	}
}

// RegisterBuiltins wires the catalog's built-in read-only filesystem and
// shell tools (glob, grep, read, bash), rooted at repoRoot. These are the
// concrete tools the catalog ships with out of the box; workflow bundles
// register additional tools on top via LoadBundle.
func RegisterBuiltins(cat *Catalog, repoRoot string) error {
	descriptions := map[string]string{
		"glob": "Find files by glob pattern, newest first.",
		"grep": "Search file contents by regex.",
		"read": "Read a file with an optional line range.",
		"bash": "Run a read-only shell command (git log/diff/blame, ls, find, grep, cat).",
	}
	for name, handler := range Builtins(repoRoot) {
		e := Entry{Name: name, Handler: handler, ModeRequired: model.ModeRequiredAny, Description: descriptions[name]}
		if err := cat.Register(e, true); err != nil {
			return fmt.Errorf("toolcatalog: register builtin %q: %w", name, err)
		}
	}
	return nil
}

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func argBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func pathWithinRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func shouldSkipFile(path string) bool {
	for _, p := range strings.Split(path, string(filepath.Separator)) {
		if strings.HasPrefix(p, ".") && p != "." && p != ".." {
			return true
		}
	}
	skipDirs := []string{"node_modules", "vendor", "__pycache__", ".git", "dist", "build"}
	for _, skip := range skipDirs {
		if strings.Contains(path, string(filepath.Separator)+skip+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

type globMatch struct {
	path    string
	modTime time.Time
}

// globHandler finds files under repoRoot matching a pattern, falling back
// from fd to find when fd isn't on PATH.
func globHandler(repoRoot string) Handler {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		pattern := argString(args, "pattern")
		if pattern == "" {
			return nil, fmt.Errorf("pattern is required")
		}
		searchPath := repoRoot
		if p := argString(args, "path"); p != "" {
			searchPath = filepath.Join(repoRoot, p)
		}
		if !pathWithinRoot(repoRoot, searchPath) {
			return nil, fmt.Errorf("path outside repository")
		}

		timeoutCtx, cancel := context.WithTimeout(ctx, builtinSearchTimeout)
		defer cancel()

		fdCmd := exec.CommandContext(timeoutCtx, "fd",
			"--type", "f", "--hidden", "--no-ignore",
			"--exclude", ".git", "--exclude", "node_modules", "--exclude", "vendor", "--exclude", "__pycache__",
			"--glob", pattern,
		)
		fdCmd.Dir = searchPath
		output, err := fdCmd.Output()
		if err != nil {
			output, err = exec.CommandContext(timeoutCtx, "find", searchPath,
				"-type", "f", "-name", pattern,
				"-not", "-path", "*/.git/*", "-not", "-path", "*/node_modules/*", "-not", "-path", "*/vendor/*",
			).Output()
			if err != nil {
				if timeoutCtx.Err() != nil {
					return nil, fmt.Errorf("glob timed out, use a more specific pattern")
				}
				return nil, fmt.Errorf("glob failed: %w", err)
			}
		}

		var matches []globMatch
		for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
			if line == "" {
				continue
			}
			full := line
			if !filepath.IsAbs(full) {
				full = filepath.Join(searchPath, line)
			}
			info, err := os.Stat(full)
			if err != nil {
				continue
			}
			rel, _ := filepath.Rel(repoRoot, full)
			if shouldSkipFile(rel) {
				continue
			}
			matches = append(matches, globMatch{path: rel, modTime: info.ModTime()})
		}

		sort.Slice(matches, func(i, j int) bool { return matches[i].modTime.After(matches[j].modTime) })
		truncated := len(matches) > maxGlobResults
		if truncated {
			matches = matches[:maxGlobResults]
		}
		paths := make([]string, len(matches))
		for i, m := range matches {
			paths[i] = m.path
		}
		return map[string]any{"matches": paths, "truncated": truncated}, nil
	}
}

// grepHandler searches file contents with ripgrep.
func grepHandler(repoRoot string) Handler {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		pattern := argString(args, "pattern")
		if pattern == "" {
			return nil, fmt.Errorf("pattern is required")
		}

		rgArgs := []string{"-n", "--no-heading", "--color=never"}
		if argBool(args, "ignore_case") {
			rgArgs = append(rgArgs, "-i")
		}
		if c := argInt(args, "context"); c > 0 {
			rgArgs = append(rgArgs, fmt.Sprintf("-C%d", c))
		}
		if g := argString(args, "glob"); g != "" {
			rgArgs = append(rgArgs, "-g", g)
		}
		rgArgs = append(rgArgs, pattern)

		searchPath := repoRoot
		if p := argString(args, "path"); p != "" {
			searchPath = filepath.Join(repoRoot, p)
		}
		if !pathWithinRoot(repoRoot, searchPath) {
			return nil, fmt.Errorf("path outside repository")
		}
		rgArgs = append(rgArgs, searchPath)

		timeoutCtx, cancel := context.WithTimeout(ctx, builtinSearchTimeout)
		defer cancel()
		output, err := exec.CommandContext(timeoutCtx, "rg", rgArgs...).Output()
		if timeoutCtx.Err() != nil {
			return nil, fmt.Errorf("grep timed out, use a more specific pattern or path")
		}
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
				return map[string]any{"matches": []string{}}, nil
			}
			if len(output) == 0 {
				return nil, fmt.Errorf("grep failed: %w", err)
			}
		}

		lines := strings.Split(string(output), "\n")
		truncated := len(lines) > maxGrepMatches
		if truncated {
			lines = lines[:maxGrepMatches]
		}
		result := make([]string, 0, len(lines))
		for _, line := range lines {
			if line == "" {
				continue
			}
			result = append(result, strings.TrimPrefix(line, repoRoot+"/"))
		}
		return map[string]any{"matches": result, "truncated": truncated}, nil
	}
}

// readHandler reads a file with an optional 1-indexed line range,
// numbering lines cat -n style.
func readHandler(repoRoot string) Handler {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		relPath := argString(args, "file_path")
		if relPath == "" {
			return nil, fmt.Errorf("file_path is required")
		}
		fullPath := filepath.Join(repoRoot, relPath)
		if !pathWithinRoot(repoRoot, fullPath) {
			return nil, fmt.Errorf("path outside repository")
		}

		file, err := os.Open(fullPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("file not found: %s", relPath)
			}
			return nil, fmt.Errorf("cannot read file: %w", err)
		}
		defer file.Close()

		offset := argInt(args, "offset")
		if offset < 1 {
			offset = 1
		}
		limit := argInt(args, "limit")
		if limit < 1 {
			limit = defaultReadLines
		}
		if limit > maxReadLines {
			limit = maxReadLines
		}

		scanner := bufio.NewScanner(file)
		var out strings.Builder
		lineNum, linesRead := 0, 0
		for scanner.Scan() {
			lineNum++
			if lineNum < offset {
				continue
			}
			if linesRead >= limit {
				break
			}
			line := scanner.Text()
			if len(line) > maxLineLength {
				line = line[:maxLineLength] + "..."
			}
			fmt.Fprintf(&out, "%6d\t%s\n", lineNum, line)
			linesRead++
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading file: %w", err)
		}
		if linesRead == 0 {
			if lineNum == 0 {
				return map[string]any{"content": "", "empty": true}, nil
			}
			return nil, fmt.Errorf("no lines at offset %d (file has %d lines)", offset, lineNum)
		}
		return map[string]any{
			"content":  out.String(),
			"from":     offset,
			"to":       offset + linesRead - 1,
			"eof":      lineNum <= offset+linesRead-1,
			"total":    lineNum,
		}, nil
	}
}

// bashAllowedPrefixes mirrors the explore agent's read-only command
// allowlist: git history, directory/file inspection, no write operations.
var bashAllowedPrefixes = []string{
	"git log", "git show", "git diff", "git blame", "git status",
	"git branch", "git tag", "git remote", "git grep", "git rev-parse",
	"ls ", "ls", "wc ", "file ", "stat ", "tree ",
	"find ",
	"cat ", "head ", "tail ", "grep ", "rg ",
}

var bashBlockedPrefixes = []string{
	"rm ", "mv ", "cp ", "mkdir ", "touch ", "chmod ", "chown ",
	"git push", "git commit", "git checkout", "git reset", "git rebase",
	"git merge", "git pull", "git stash", "git clean", "git add",
	"echo ", "printf ", "sed ", "awk ",
	">", ">>",
}

var absPathPattern = regexp.MustCompile(`(?:^|[\s'"])(/[^\s'"]+)`)

func bashCommandAllowed(repoRoot, command string) (bool, string) {
	cmd := strings.TrimSpace(command)
	for _, prefix := range bashBlockedPrefixes {
		if strings.HasPrefix(cmd, prefix) {
			return false, fmt.Sprintf("%q not allowed, use a dedicated tool", strings.TrimSpace(prefix))
		}
	}
	if strings.Contains(cmd, " > ") || strings.Contains(cmd, " >> ") {
		return false, "output redirection not allowed"
	}
	if strings.HasPrefix(cmd, "..") || strings.Contains(cmd, "../") {
		return false, "path traversal outside repository not allowed"
	}
	for _, match := range absPathPattern.FindAllStringSubmatch(cmd, -1) {
		if len(match) < 2 {
			continue
		}
		token := strings.TrimRight(match[1], ".,;:")
		if !pathWithinRoot(repoRoot, token) {
			return false, "absolute path outside repository not allowed"
		}
	}
	for _, prefix := range bashAllowedPrefixes {
		if strings.HasPrefix(cmd, prefix) {
			return true, ""
		}
	}
	return false, "command not in allowed list"
}

func bashHandler(repoRoot string) Handler {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		command := strings.TrimSpace(argString(args, "command"))
		if command == "" {
			return nil, fmt.Errorf("command is required")
		}
		if allowed, reason := bashCommandAllowed(repoRoot, command); !allowed {
			return map[string]any{"status": string(model.ToolStatusBlocked), "reason": reason}, nil
		}

		timeoutCtx, cancel := context.WithTimeout(ctx, builtinBashTimeout)
		defer cancel()
		cmd := exec.CommandContext(timeoutCtx, "bash", "-c", command)
		cmd.Dir = repoRoot
		output, err := cmd.CombinedOutput()
		if timeoutCtx.Err() != nil {
			return nil, fmt.Errorf("command timed out after %s", builtinBashTimeout)
		}
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 && strings.HasPrefix(command, "find") {
				return map[string]any{"output": "no matches found"}, nil
			}
			if len(output) > 0 {
				return nil, fmt.Errorf("command failed: %w, output: %s", err, truncateOutput(output))
			}
			return nil, fmt.Errorf("command failed: %w", err)
		}
		return map[string]any{"output": truncateOutput(output)}, nil
	}
}

func truncateOutput(output []byte) string {
	if len(output) <= maxBashOutput {
		return string(output)
	}
	return string(output[:maxBashOutput]) + "\n... [truncated]"
}
