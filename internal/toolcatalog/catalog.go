// Package toolcatalog implements the Tool Catalog (C4): a registry of named
// tool handlers gated by runtime mode, plus a loader that pulls additional
// tools from workflow bundles at runtime.
package toolcatalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/relayforge/orchestrator/internal/model"
)

var (
	ErrNotFound    = errors.New("toolcatalog: tool not registered")
	ErrModeBlocked = errors.New("toolcatalog: tool not available in this mode")
)

// Handler is the uniform tool interface every tool implementation presents
// to the core — the "tool server" contract of spec §6, collapsed to an
// in-process call for tools that don't need an HTTP hop.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Entry is one registered tool.
type Entry struct {
	Name        string
	Handler     Handler
	ModeRequired model.ToolMode
	Description string
}

// Catalog is the process-wide, read-mostly registry of tools. Registration
// is a copy-on-write swap so readers never observe a half-built map (spec
// §5: "a reader either sees the old catalog or the new one").
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Entry
	aliases map[string]string
	metrics *Metrics
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		entries: make(map[string]Entry),
		aliases: make(map[string]string),
		metrics: NewMetrics(),
	}
}

// Register adds or replaces a tool entry. override=false preserves an
// existing entry of the same name.
func (c *Catalog) Register(e Entry, override bool) error {
	if e.Name == "" {
		return fmt.Errorf("toolcatalog: entry must have a name")
	}
	if e.Handler == nil {
		return fmt.Errorf("toolcatalog: entry %q has no handler", e.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[e.Name]; exists && !override {
		return nil
	}

	next := make(map[string]Entry, len(c.entries)+1)
	for k, v := range c.entries {
		next[k] = v
	}
	next[e.Name] = e
	c.entries = next
	return nil
}

// Unregister removes a tool entry.
func (c *Catalog) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[name]; !ok {
		return
	}
	next := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		if k != name {
			next[k] = v
		}
	}
	c.entries = next
}

// Alias registers a legacy URI that resolves to canonical.
func (c *Catalog) Alias(legacy, canonical string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make(map[string]string, len(c.aliases)+1)
	for k, v := range c.aliases {
		next[k] = v
	}
	next[legacy] = canonical
	c.aliases = next
}

func (c *Catalog) lookup(name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[name]; ok {
		return e, true
	}
	if canonical, ok := c.aliases[name]; ok {
		e, ok := c.entries[canonical]
		return e, ok
	}
	return Entry{}, false
}

// Metrics exposes the catalog's in-process call bookkeeping (spec §12
// supplement).
func (c *Catalog) Metrics() *Metrics {
	return c.metrics
}

// Invoke executes a tool call per spec §4.4: look up, enforce the mode
// gate, then call the handler, normalizing any panic or mismatched return
// shape into a {status: error} result rather than propagating it.
func (c *Catalog) Invoke(ctx context.Context, name string, args map[string]any, mode model.ToolMode) (result map[string]any, err error) {
	entry, ok := c.lookup(name)
	if !ok {
		c.metrics.recordError(name)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if mode != "" && entry.ModeRequired != model.ModeRequiredAny && entry.ModeRequired != mode {
		c.metrics.recordError(name)
		return map[string]any{
			"status": string(model.ToolStatusDenied),
			"error":  fmt.Sprintf("tool %q requires mode %q, got %q", name, entry.ModeRequired, mode),
		}, nil
	}

	stop := c.metrics.startCall(name)
	defer func() {
		if r := recover(); r != nil {
			stop(false)
			result = map[string]any{
				"status": string(model.ToolStatusError),
				"error":  fmt.Sprintf("tool %q panicked: %v", name, r),
			}
			err = nil
		}
	}()

	out, callErr := entry.Handler(ctx, args)
	if callErr != nil {
		stop(false)
		return map[string]any{
			"status": string(model.ToolStatusError),
			"error":  callErr.Error(),
		}, nil
	}

	stop(true)
	if out == nil {
		out = map[string]any{}
	}
	if _, ok := out["status"]; !ok {
		out = map[string]any{"status": string(model.ToolStatusSuccess), "result": out}
	}
	return out, nil
}

// Has reports whether a tool (or alias) is registered.
func (c *Catalog) Has(name string) bool {
	_, ok := c.lookup(name)
	return ok
}

// Get returns the registered entry for name, resolving aliases.
func (c *Catalog) Get(name string) (Entry, bool) {
	return c.lookup(name)
}
