// Package toolsurface implements the Control Tool Surface (spec.md §4.6):
// the only write path from the agent subprocess into the Store. Every
// operation validates its input before touching the Store; malformed
// input produces a structured error, never a state change.
package toolsurface

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"featurectl/internal/store"
)

// ErrRejected is returned for inputs the surface refuses to forward to the
// Store (unknown feature id, bad status value, empty content, or a retry
// request on a terminal feature).
var ErrRejected = errors.New("tool surface rejected input")

// MaxRetries is the retry bound forwarded to Store.Retry on a
// feature_status(pending) call — MAX_RETRIES from spec.md §3/§4.1.
const MaxRetries = 3

// AgentContext carries the per-session state a tool needs: the Store
// handle and the session id to stamp on new notes (spec.md §4.6 "Session
// ID propagation").
type AgentContext struct {
	Store     *store.Store
	SessionID int64
}

// ToolMeta describes a tool for documentation and discovery, mirroring the
// name/description/input-schema shape agent tool registries use.
type ToolMeta struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Tool is a single named operation the agent may invoke.
type Tool interface {
	Meta() ToolMeta
	Execute(ctx context.Context, ac *AgentContext, input map[string]any) (string, error)
}

// ToolFactory builds a Tool instance. Tools are stateless here (the Store
// handle travels via AgentContext at call time), so a factory takes no
// arguments.
type ToolFactory func() Tool

type registry struct {
	mu     sync.RWMutex
	sealed bool
	tools  map[string]ToolFactory
	meta   map[string]ToolMeta
}

//nolint:gochecknoglobals // immutable-after-seal registry, mirrors the teacher's tool registry
var global = &registry{
	tools: make(map[string]ToolFactory),
	meta:  make(map[string]ToolMeta),
}

// Register adds a tool factory to the global registry. Panics if called
// after Seal.
func Register(meta ToolMeta, factory ToolFactory) {
	global.mu.Lock()
	defer global.mu.Unlock()

	if global.sealed {
		panic(fmt.Sprintf("tool surface sealed: cannot register %q", meta.Name))
	}
	global.tools[meta.Name] = factory
	global.meta[meta.Name] = meta
}

// Seal prevents further registration. Called once at process start after
// the seven operations in spec.md §4.6 are registered, before the outer
// loop begins.
func Seal() {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.sealed = true
}

// ListTools returns metadata for every registered tool, sorted by name.
func ListTools() []ToolMeta {
	global.mu.RLock()
	defer global.mu.RUnlock()

	result := make([]ToolMeta, 0, len(global.meta))
	for _, m := range global.meta {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Provider creates and caches tool instances for one session.
type Provider struct {
	ctx   *AgentContext
	mu    sync.Mutex
	cache map[string]Tool
}

// NewProvider returns a Provider bound to the given session context.
func NewProvider(ctx *AgentContext) *Provider {
	return &Provider{ctx: ctx, cache: make(map[string]Tool)}
}

// Get returns a cached or newly constructed tool instance by name.
func (p *Provider) Get(name string) (Tool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.cache[name]; ok {
		return t, nil
	}

	global.mu.RLock()
	factory, exists := global.tools[name]
	global.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("tool %q not registered", name)
	}

	t := factory()
	p.cache[name] = t
	return t, nil
}

// Invoke looks up and executes a tool by name in one call.
func (p *Provider) Invoke(ctx context.Context, name string, input map[string]any) (string, error) {
	t, err := p.Get(name)
	if err != nil {
		return "", err
	}
	return t.Execute(ctx, p.ctx, input)
}

func stringField(input map[string]any, key string) (string, bool) {
	v, ok := input[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func intField(input map[string]any, key string) (int64, bool) {
	switch v := input[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
