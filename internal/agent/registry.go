package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"computeswarm/internal/logging"

	"go.uber.org/zap"
)

// InstanceDeleter deletes the cloud instance backing a retired node
type InstanceDeleter func(ctx context.Context, zone, name string) error

// Registry is the in-process node bookkeeping produced for the host
// job-scheduling system.
type Registry struct {
	mu    sync.Mutex
	nodes map[string]*Node
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]*Node)}
}

// AddNode registers a node. Names are unique.
func (r *Registry) AddNode(node *Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[node.Name]; exists {
		return fmt.Errorf("node %s is already registered", node.Name)
	}
	r.nodes[node.Name] = node
	return nil
}

// RemoveNode unregisters and closes a node
func (r *Registry) RemoveNode(name string) {
	r.mu.Lock()
	node := r.nodes[name]
	delete(r.nodes, name)
	r.mu.Unlock()

	if node != nil {
		if err := node.Close(); err != nil {
			logging.Logger().Warn("failed to close node channel",
				zap.String("node", name),
				zap.Error(err))
		}
	}
}

// Get returns a registered node
func (r *Registry) Get(name string) (*Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[name]
	return node, ok
}

// List returns a snapshot of all registered nodes
func (r *Registry) List() []*Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	nodes := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	return nodes
}

// Reaper retires nodes that are past their retention time or have finished
// their one-shot job, deleting the backing instance.
type Reaper struct {
	registry *Registry
	delete   InstanceDeleter
	interval time.Duration
}

// NewReaper creates a reaper over the registry. interval controls how often
// retirement is evaluated.
func NewReaper(registry *Registry, deleter InstanceDeleter, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		registry: registry,
		delete:   deleter,
		interval: interval,
	}
}

// Run evaluates retirement on every tick until ctx is canceled
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.ReapOnce(ctx, now)
		}
	}
}

// ReapOnce retires every node due at time now
func (r *Reaper) ReapOnce(ctx context.Context, now time.Time) {
	for _, node := range r.registry.List() {
		if !node.retireDue(now) {
			continue
		}

		logging.Logger().Info("Retiring node",
			zap.String("node", node.Name),
			zap.String("zone", node.Zone),
			zap.Bool("one_shot", node.OneShot))

		r.registry.RemoveNode(node.Name)
		if err := r.delete(ctx, node.Zone, node.Name); err != nil {
			logging.Logger().Error("failed to delete instance for retired node",
				zap.String("node", node.Name),
				zap.Error(err))
		}
	}
}
