package channel

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
)

// PluginInfo describes a registered adapter (for admin API responses).
type PluginInfo struct {
	Channel     string `json:"channel"`
	DisplayName string `json:"display_name"`
	Configured  bool   `json:"configured"`
	Initialized bool   `json:"initialized"`
}

// Registry manages channel adapters. It is populated at boot and immutable
// afterwards; lookups are the hot path.
type Registry struct {
	mu          sync.RWMutex
	plugins     []Plugin
	byChannel   map[string]Plugin
	initialized map[string]bool
	logger      *log.Logger
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins:     make([]Plugin, 0),
		byChannel:   make(map[string]Plugin),
		initialized: make(map[string]bool),
		logger:      log.New(log.Writer(), "[CHANNELS] ", log.LstdFlags),
	}
}

// Register adds an adapter. A second adapter for the same channel tag is an
// error; the first registration wins.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byChannel[p.Channel()]; exists {
		return fmt.Errorf("channel %q already registered", p.Channel())
	}

	r.plugins = append(r.plugins, p)
	r.byChannel[p.Channel()] = p

	sort.Slice(r.plugins, func(i, j int) bool {
		return r.plugins[i].Channel() < r.plugins[j].Channel()
	})

	r.logger.Printf("🔌 Registered adapter: %s (%s)", p.Channel(), p.DisplayName())
	return nil
}

// Get returns the adapter registered under the given channel tag.
func (r *Registry) Get(tag string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byChannel[tag]
	return p, ok
}

// All returns every registered adapter in tag order.
func (r *Registry) All() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

// Active returns the adapters that survived InitializeAll.
func (r *Registry) Active() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		if r.initialized[p.Channel()] {
			out = append(out, p)
		}
	}
	return out
}

// IsInitialized reports whether the adapter for tag initialized successfully.
func (r *Registry) IsInitialized(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized[tag]
}

// InitializeAll initializes every configured adapter. Individual failures
// are logged and skipped; the returned error is non-nil only when not a
// single adapter came up, which aborts boot.
func (r *Registry) InitializeAll(ctx context.Context, cfg map[string]string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	started := 0
	for _, p := range r.plugins {
		if !p.IsConfigured(cfg) {
			r.logger.Printf("⏭️  %s not configured, skipping", p.Channel())
			continue
		}
		if err := p.Initialize(ctx, cfg); err != nil {
			r.logger.Printf("❌ %s failed to initialize: %v", p.Channel(), err)
			continue
		}
		r.initialized[p.Channel()] = true
		started++
		r.logger.Printf("✅ %s initialized (%s)", p.Channel(), p.DisplayName())
	}

	if started == 0 && len(r.plugins) > 0 {
		return 0, fmt.Errorf("no channel adapter initialized (%d registered)", len(r.plugins))
	}
	return started, nil
}

// ShutdownAll stops every initialized adapter. Errors are logged, not
// returned; shutdown keeps going.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.plugins {
		if !r.initialized[p.Channel()] {
			continue
		}
		if err := p.Shutdown(ctx); err != nil {
			r.logger.Printf("⚠️ %s shutdown error: %v", p.Channel(), err)
		}
		r.initialized[p.Channel()] = false
	}
	r.logger.Printf("🔌 All adapters shut down")
}

// Status returns admin-facing info for every registered adapter.
func (r *Registry) Status(cfg map[string]string) []PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]PluginInfo, 0, len(r.plugins))
	for _, p := range r.plugins {
		infos = append(infos, PluginInfo{
			Channel:     p.Channel(),
			DisplayName: p.DisplayName(),
			Configured:  p.IsConfigured(cfg),
			Initialized: r.initialized[p.Channel()],
		})
	}
	return infos
}

// Count returns the number of registered adapters.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}
