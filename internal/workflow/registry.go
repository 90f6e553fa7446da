// Package workflow implements the Workflow Registry + Step Runner (C7):
// loading YAML-fronted markdown workflows, indexing them by name/intent/
// trigger, and running their step DAG with templated args.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/relayforge/orchestrator/internal/model"
)

// Registry indexes workflows by exact name, intent trigger, and arbitrary
// string trigger. Registration is copy-on-write, matching the Tool
// Catalog's "reader sees old or new, never half-built" guarantee (spec §5).
type Registry struct {
	mu        sync.RWMutex
	byName    map[string]model.Workflow
	byIntent  map[string][]string
	byTrigger map[string][]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:    make(map[string]model.Workflow),
		byIntent:  make(map[string][]string),
		byTrigger: make(map[string][]string),
	}
}

// Register adds or replaces a workflow, reindexing its triggers.
func (r *Registry) Register(wf model.Workflow) error {
	if wf.Name == "" {
		return fmt.Errorf("workflow: missing name")
	}
	if len(wf.Steps) == 0 {
		return fmt.Errorf("workflow %q: must declare at least one step", wf.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byName := cloneWorkflows(r.byName)
	byIntent := cloneIndex(r.byIntent)
	byTrigger := cloneIndex(r.byTrigger)

	byName[wf.Name] = wf
	for _, trig := range wf.Triggers {
		if trig.Intent != "" {
			byIntent[trig.Intent] = appendUnique(byIntent[trig.Intent], wf.Name)
		}
		if trig.Text != "" {
			byTrigger[strings.ToLower(trig.Text)] = appendUnique(byTrigger[strings.ToLower(trig.Text)], wf.Name)
		}
	}

	r.byName, r.byIntent, r.byTrigger = byName, byIntent, byTrigger
	return nil
}

// Unregister removes a workflow and its trigger index entries.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byName := cloneWorkflows(r.byName)
	delete(byName, name)
	byIntent := cloneIndex(r.byIntent)
	byTrigger := cloneIndex(r.byTrigger)
	for k, names := range byIntent {
		byIntent[k] = removeName(names, name)
	}
	for k, names := range byTrigger {
		byTrigger[k] = removeName(names, name)
	}
	r.byName, r.byIntent, r.byTrigger = byName, byIntent, byTrigger
}

// ByName returns a workflow by its exact name.
func (r *Registry) ByName(name string) (model.Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.byName[name]
	return wf, ok
}

// ByIntent returns every workflow registered against the given intent.
func (r *Registry) ByIntent(intent string) []model.Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolve(r.byIntent[intent])
}

// ByTrigger returns every workflow whose trigger text matches (case
// insensitive).
func (r *Registry) ByTrigger(text string) []model.Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolve(r.byTrigger[strings.ToLower(text)])
}

func (r *Registry) resolve(names []string) []model.Workflow {
	out := make([]model.Workflow, 0, len(names))
	for _, n := range names {
		if wf, ok := r.byName[n]; ok {
			out = append(out, wf)
		}
	}
	return out
}

// LoadDir scans a bundles root for "<name>/workflow.md" entries (and any
// "*.md" directly inside dir for the built-in workflows directory) and
// registers each.
func LoadDir(r *Registry, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("workflow: read dir %s: %w", dir, err)
	}

	for _, e := range entries {
		var path string
		switch {
		case e.IsDir():
			candidate := filepath.Join(dir, e.Name(), "workflow.md")
			if _, err := os.Stat(candidate); err != nil {
				continue
			}
			path = candidate
		case strings.HasSuffix(e.Name(), ".md"):
			path = filepath.Join(dir, e.Name())
		default:
			continue
		}

		wf, err := ParseFile(path)
		if err != nil {
			return fmt.Errorf("workflow: %s: %w", path, err)
		}
		if err := r.Register(wf); err != nil {
			return fmt.Errorf("workflow: register %s: %w", path, err)
		}
	}
	return nil
}

// ParseFile loads one workflow.md: YAML frontmatter plus markdown body.
func ParseFile(path string) (model.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Workflow{}, err
	}
	frontmatter, body := splitFrontmatter(string(data))

	var wf model.Workflow
	if err := yaml.Unmarshal([]byte(frontmatter), &wf); err != nil {
		return model.Workflow{}, fmt.Errorf("parse frontmatter: %w", err)
	}
	wf.Body = body
	wf.SourcePath = path
	return wf, nil
}

func splitFrontmatter(doc string) (frontmatter, body string) {
	const delim = "---"
	trimmed := strings.TrimLeft(doc, "\n")
	if !strings.HasPrefix(trimmed, delim) {
		return "", doc
	}
	rest := strings.TrimPrefix(trimmed, delim)
	idx := strings.Index(rest, "\n"+delim)
	if idx == -1 {
		return "", doc
	}
	frontmatter = strings.TrimPrefix(rest[:idx], "\n")
	body = rest[idx+len(delim)+1:]
	return frontmatter, body
}

func cloneWorkflows(m map[string]model.Workflow) map[string]model.Workflow {
	out := make(map[string]model.Workflow, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneIndex(m map[string][]string) map[string][]string {
	out := make(map[string][]string, len(m)+1)
	for k, v := range m {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

func appendUnique(names []string, name string) []string {
	for _, n := range names {
		if n == name {
			return names
		}
	}
	return append(names, name)
}

func removeName(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
