// Package registry maps (class, name) pairs to live agent instances:
// classes register at startup, instances hydrate lazily on first access,
// idle instances hibernate, and later access transparently re-hydrates
// them from their on-disk stores.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/runtime/agent"
	"github.com/agenthost/agenthost/internal/runtime/names"
	"github.com/agenthost/agenthost/internal/runtime/storage"
)

// ErrUnknownClass is returned for routes naming an unregistered class.
var ErrUnknownClass = errors.New("unknown agent class")

// Config tunes the registry.
type Config struct {
	// DataDir is the root for per-agent databases, laid out as
	// <DataDir>/<class-kebab>/<agent-id>.db. Empty means in-memory
	// stores, which do not survive eviction.
	DataDir string

	// IdleEviction hibernates instances with no connections and no work
	// for this long. Zero disables eviction.
	IdleEviction time.Duration

	// MailboxSize is passed through to each instance.
	MailboxSize int

	// MCPCallbackBaseURL is passed through to each instance's MCP
	// manager.
	MCPCallbackBaseURL string
}

// Registry owns every registered class and live instance.
type Registry struct {
	cfg Config
	log *logger.Logger

	mu        sync.Mutex
	classes   map[string]*agent.Class
	instances map[string]*agent.Instance

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a registry and starts its eviction supervisor when idle
// eviction is enabled.
func New(cfg Config, log *logger.Logger) *Registry {
	r := &Registry{
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "registry")),
		classes:   make(map[string]*agent.Class),
		instances: make(map[string]*agent.Instance),
		stop:      make(chan struct{}),
	}
	if cfg.IdleEviction > 0 {
		go r.evictLoop()
	}
	return r
}

// RegisterClass adds one agent class. Classes whose names collide in
// kebab form are rejected, since routes could not distinguish them.
func (r *Registry) RegisterClass(c *agent.Class) error {
	if c == nil || c.Name == "" || c.New == nil {
		return errors.New("agent class needs a name and a constructor")
	}
	kebab := c.Kebab()
	if kebab == "" {
		return fmt.Errorf("agent class name %q has no routable form", c.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.classes[kebab]; ok {
		return fmt.Errorf("agent class %q conflicts with %q on route %q",
			c.Name, existing.Name, kebab)
	}
	r.classes[kebab] = c
	return nil
}

// Class resolves a class by its kebab route segment.
func (r *Registry) Class(kebab string) (*agent.Class, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.classes[kebab]
	return c, ok
}

// Get returns the live instance for (classKebab, name), hydrating it from
// its store when absent. Accessing any name of a registered class always
// succeeds: instances exist by virtue of being addressed.
func (r *Registry) Get(ctx context.Context, classKebab, name string) (*agent.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	class, ok := r.classes[classKebab]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, classKebab)
	}

	id := names.AgentID(class.Name, name)
	if inst, ok := r.instances[id]; ok {
		return inst, nil
	}

	store, err := r.openStore(classKebab, id)
	if err != nil {
		return nil, err
	}

	inst, err := agent.Start(ctx, agent.Options{
		Class:              class,
		Name:               name,
		Store:              store,
		Log:                r.log,
		MailboxSize:        r.cfg.MailboxSize,
		MCPCallbackBaseURL: r.cfg.MCPCallbackBaseURL,
		OnStop:             r.remove,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	r.instances[id] = inst
	r.log.Debug("agent instance hydrated",
		zap.String("class", classKebab),
		zap.String("name", name),
		zap.String("agent_id", id))
	return inst, nil
}

// Instances snapshots every live instance.
func (r *Registry) Instances() []*agent.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*agent.Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	return out
}

// Destroy wipes an agent's persisted rows and stops its instance.
func (r *Registry) Destroy(ctx context.Context, classKebab, name string) error {
	inst, err := r.Get(ctx, classKebab, name)
	if err != nil {
		return err
	}
	return inst.Destroy(ctx)
}

// Shutdown stops the eviction supervisor and hibernates every instance.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stop) })
	for _, inst := range r.Instances() {
		inst.Stop()
	}
}

func (r *Registry) openStore(classKebab, id string) (*storage.Store, error) {
	if r.cfg.DataDir == "" {
		return storage.OpenMemory()
	}
	dir := filepath.Join(r.cfg.DataDir, classKebab)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create agent data dir: %w", err)
	}
	return storage.Open(filepath.Join(dir, id+".db"))
}

func (r *Registry) remove(inst *agent.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.instances[inst.ID()] == inst {
		delete(r.instances, inst.ID())
	}
}

// evictLoop hibernates instances that have been idle past the configured
// window. Instances holding connections, pending schedules, or queued
// items stay resident: their alarm only fires while the instance is live.
func (r *Registry) evictLoop() {
	interval := r.cfg.IdleEviction / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-r.cfg.IdleEviction)
			for _, inst := range r.Instances() {
				if r.evictable(inst, cutoff) {
					r.log.Debug("evicting idle agent instance",
						zap.String("agent_id", inst.ID()))
					inst.Stop()
				}
			}
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) evictable(inst *agent.Instance, cutoff time.Time) bool {
	if inst.ConnCount() > 0 || inst.LastActive().After(cutoff) {
		return false
	}
	ctx := context.Background()
	if _, pending, err := inst.Store().NextScheduleTime(ctx); err != nil || pending {
		return false
	}
	depth, err := inst.QueueDepth(ctx)
	return err == nil && depth == 0
}
