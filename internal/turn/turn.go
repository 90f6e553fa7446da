// Package turn implements the per-request filesystem layout (C1): turn
// directory allocation, canonical document paths, and the manifest that
// accounts for every file a turn produces.
//
// Writes follow the teacher's LocalSpecStore pattern: write to a sibling
// ".tmp" file, then rename, so a reader never observes a partial file.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relayforge/orchestrator/internal/model"
)

var (
	ErrInvalidPath  = errors.New("turn: path escapes turn scope")
	ErrNotFound     = errors.New("turn: document not found")
	ErrAlreadySealed = errors.New("turn: turn already sealed")
)

// Canonical document names, per spec §3/§6.
const (
	DocUserQuery       = "user_query.md"
	DocManifest        = "manifest.json"
	DocContext         = "context.md"
	DocQueryAnalysis   = "query_analysis.json"
	DocConstraints     = "constraints.json"
	DocPlanState       = "plan_state.json"
	DocToolResults     = "toolresults.md"
	DocTicket          = "ticket.md"
	DocSelfExtension   = "self_extension.json"
	DocExecutionState  = "execution_state.json"
	DocArtifactManifest = "artifact_manifest.json"
	DocRetryContext    = "retry_context.json"
	DocTurnMetrics     = "turn_metrics.json"
	BackupDirName      = ".backup"
)

// Allocator hands out the next monotonic turn id for a base path. The
// default implementation scans the directory; internal/turnindex provides a
// Postgres-backed implementation for multi-instance deployments.
type Allocator interface {
	NextTurnID(ctx context.Context, basePath string) (int, error)
}

// LocalAllocator scans basePath for the highest existing turn_NNNNNN
// directory and returns one past it. Safe for a single-process deployment;
// concurrent writers across processes should use internal/turnindex instead.
type LocalAllocator struct{}

func (LocalAllocator) NextTurnID(_ context.Context, basePath string) (int, error) {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, fmt.Errorf("read base path: %w", err)
	}

	max := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, ok := parseTurnDirName(e.Name())
		if ok && n > max {
			max = n
		}
	}
	return max + 1, nil
}

func parseTurnDirName(name string) (int, bool) {
	const prefix = "turn_"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
	if err != nil {
		return 0, false
	}
	return n, true
}

// FormatTurnID renders a turn number as "turn_NNNNNN", per spec §6.
func FormatTurnID(n int) string {
	return fmt.Sprintf("turn_%06d", n)
}

// PathType selects how Doc resolves a document path, per spec §3.
type PathType string

const (
	PathTurnLocal     PathType = model.PathTypeTurnLocal
	PathRepoRelative  PathType = model.PathTypeRepoRelative
	PathAbsolute      PathType = model.PathTypeAbsolute
	PathSessionScoped PathType = model.PathTypeSessionScoped
)

// Turn is one open turn directory: an exclusive owner of its files for the
// duration of the request (spec §5).
type Turn struct {
	ID        string
	Number    int
	SessionID string
	TraceID   string
	Mode      string
	dir       string
	repoRoot  string
	sessionRoot string

	manifest model.Manifest
}

// Open allocates a new turn id and creates its directory under basePath; it
// does not reopen an existing turn.
func Open(ctx context.Context, alloc Allocator, basePath, sessionID, traceID, mode, repoRoot, sessionRoot string) (*Turn, error) {
	n, err := alloc.NextTurnID(ctx, basePath)
	if err != nil {
		return nil, err
	}
	id := FormatTurnID(n)
	dir := filepath.Join(basePath, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create turn dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, BackupDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	if traceID == "" {
		traceID = newTraceID()
	}

	t := &Turn{
		ID:          id,
		Number:      n,
		SessionID:   sessionID,
		TraceID:     traceID,
		Mode:        mode,
		dir:         dir,
		repoRoot:    repoRoot,
		sessionRoot: sessionRoot,
		manifest: model.Manifest{
			TurnID:        id,
			SessionID:     sessionID,
			TraceID:       traceID,
			Mode:          mode,
			TokensByPhase: map[string]model.TokenUsage{},
			Status:        model.TurnInProgress,
			CreatedAt:     now(),
			UpdatedAt:     now(),
		},
	}
	return t, nil
}

// Dir returns the turn's root directory.
func (t *Turn) Dir() string { return t.dir }

// DocPath resolves name against pathType, honoring the four resolution
// modes from spec §3. session_scoped paths interpolate "{session_id}".
func (t *Turn) DocPath(name string, pathType PathType) (string, error) {
	var base string
	switch pathType {
	case PathTurnLocal, "":
		base = t.dir
	case PathRepoRelative:
		if t.repoRoot == "" {
			return "", fmt.Errorf("%w: repo_relative path with no repo scope", ErrInvalidPath)
		}
		base = t.repoRoot
	case PathAbsolute:
		base = ""
	case PathSessionScoped:
		base = strings.ReplaceAll(t.sessionRoot, "{session_id}", t.SessionID)
	default:
		return "", fmt.Errorf("%w: unknown path_type %q", ErrInvalidPath, pathType)
	}

	var full string
	if pathType == PathAbsolute {
		if !filepath.IsAbs(name) {
			return "", fmt.Errorf("%w: absolute path_type requires an absolute path", ErrInvalidPath)
		}
		full = filepath.Clean(name)
		return full, nil
	}

	full = filepath.Join(base, name)
	if err := validateWithin(base, full); err != nil {
		return "", err
	}
	return full, nil
}

// validateWithin guards against path traversal out of base, the same check
// the teacher's LocalSpecStore applies before any write.
func validateWithin(base, full string) error {
	cleanBase := filepath.Clean(base)
	cleanFull := filepath.Clean(full)
	if cleanFull != cleanBase && !strings.HasPrefix(cleanFull, cleanBase+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrInvalidPath, full)
	}
	return nil
}

// WriteDoc atomically writes a turn-local document and records it as
// created in the manifest. Every write that adds a file must go through
// this path (spec §4.1).
func (t *Turn) WriteDoc(name string, data []byte) error {
	path, err := t.DocPath(name, PathTurnLocal)
	if err != nil {
		return err
	}
	if err := atomicWrite(path, data); err != nil {
		return err
	}
	t.recordCreated(name)
	return nil
}

// WriteJSON marshals v and writes it as a turn-local document.
func (t *Turn) WriteJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return t.WriteDoc(name, data)
}

// ReadDoc reads a turn-local document.
func (t *Turn) ReadDoc(name string) ([]byte, error) {
	path, err := t.DocPath(name, PathTurnLocal)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	t.recordReferenced(name)
	return data, nil
}

// ReadJSON reads and unmarshals a turn-local JSON document into v.
func (t *Turn) ReadJSON(name string, v any) error {
	data, err := t.ReadDoc(name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return nil
}

// Exists reports whether a turn-local document exists, without recording it
// as referenced.
func (t *Turn) Exists(name string) bool {
	path, err := t.DocPath(name, PathTurnLocal)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

func (t *Turn) recordCreated(name string) {
	for _, d := range t.manifest.DocsCreated {
		if d == name {
			t.manifest.UpdatedAt = now()
			return
		}
	}
	t.manifest.DocsCreated = append(t.manifest.DocsCreated, name)
	t.manifest.UpdatedAt = now()
}

func (t *Turn) recordReferenced(name string) {
	for _, d := range t.manifest.DocsReferenced {
		if d == name {
			return
		}
	}
	t.manifest.DocsReferenced = append(t.manifest.DocsReferenced, name)
}

// RecordTokens accumulates prompt/completion token usage for a phase.
func (t *Turn) RecordTokens(phase string, prompt, completion int) {
	usage := t.manifest.TokensByPhase[phase]
	usage.PromptTokens += prompt
	usage.CompletionTokens += completion
	t.manifest.TokensByPhase[phase] = usage
	t.manifest.UpdatedAt = now()
}

// RecordCacheHit increments the manifest's cache-hit counter.
func (t *Turn) RecordCacheHit() {
	t.manifest.CacheHits++
}

// PersistManifest writes the current manifest state (spec: "persisted after
// every mutation").
func (t *Turn) PersistManifest() error {
	data, err := json.MarshalIndent(t.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	path := filepath.Join(t.dir, DocManifest)
	return atomicWrite(path, data)
}

// Manifest returns a copy of the current in-memory manifest.
func (t *Turn) Manifest() model.Manifest {
	return t.manifest
}

// Finalize seals the turn: sets status and archived_at, then persists.
func (t *Turn) Finalize(status model.TurnStatus) error {
	if t.manifest.ArchivedAt != nil {
		return ErrAlreadySealed
	}
	t.manifest.Status = status
	ts := now()
	t.manifest.ArchivedAt = &ts
	t.manifest.UpdatedAt = ts
	return t.PersistManifest()
}

// ArchiveAttempt copies every file currently in the turn directory (except
// attempt_*/ and .backup/) into attempt_<n>/, byte for byte, before a
// retry rewrites any section (invariant 6).
func (t *Turn) ArchiveAttempt(n int) error {
	attemptDir := filepath.Join(t.dir, fmt.Sprintf("attempt_%d", n))
	if err := os.MkdirAll(attemptDir, 0o755); err != nil {
		return fmt.Errorf("create attempt dir: %w", err)
	}

	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return fmt.Errorf("read turn dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if name == BackupDirName || strings.HasPrefix(name, "attempt_") {
			continue
		}
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(t.dir, name))
		if err != nil {
			return fmt.Errorf("read %s for archive: %w", name, err)
		}
		if err := atomicWrite(filepath.Join(attemptDir, name), data); err != nil {
			return fmt.Errorf("archive %s: %w", name, err)
		}
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func newTraceID() string {
	return uuid.NewString()
}

// now is a seam so tests can freeze time; production uses wall clock.
var now = time.Now
