// Package loopguard bounds workflow cascades. A Chain tracks the nesting
// depth of one logical call chain and the (workflow, entity) pairs already
// executed in it. Chains travel in context.Context and never live globally;
// across queue boundaries the depth is carried explicitly and restored with
// SetDepth.
package loopguard

import (
	"context"
	"sync"
)

// DefaultMaxDepth is the cascade ceiling used when none is configured.
const DefaultMaxDepth = 5

// Chain is the per-call-chain guard state. Safe for concurrent use.
type Chain struct {
	mu        sync.Mutex
	maxDepth  int
	depth     int
	processed map[string]struct{}
}

// NewChain creates an empty chain. maxDepth <= 0 selects DefaultMaxDepth.
func NewChain(maxDepth int) *Chain {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Chain{maxDepth: maxDepth, processed: make(map[string]struct{})}
}

// CanExecute reports whether the chain is below its depth ceiling.
func (c *Chain) CanExecute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depth < c.maxDepth
}

// Depth returns the current depth.
func (c *Chain) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depth
}

// MaxDepth returns the ceiling.
func (c *Chain) MaxDepth() int { return c.maxDepth }

// SetDepth restores depth after crossing a queue boundary.
func (c *Chain) SetDepth(n int) {
	if n < 0 {
		n = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.depth = n
}

// IncrementDepth enters one nesting level. The returned func leaves it and
// must be called exactly once; extra calls are ignored. When depth returns to
// zero the processed set is cleared.
func (c *Chain) IncrementDepth() (release func()) {
	c.mu.Lock()
	c.depth++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.depth > 0 {
				c.depth--
			}
			if c.depth == 0 {
				clear(c.processed)
			}
		})
	}
}

// TryMarkProcessed marks (workflowID, entityID) as executed in this chain.
// It returns false if the pair was already marked.
func (c *Chain) TryMarkProcessed(workflowID, entityID string) bool {
	key := workflowID + ":" + entityID
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := c.processed[key]; seen {
		return false
	}
	c.processed[key] = struct{}{}
	return true
}

type ctxKey struct{}

// WithChain returns a context carrying c.
func WithChain(ctx context.Context, c *Chain) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the chain carried by ctx, or nil.
func FromContext(ctx context.Context) *Chain {
	c, _ := ctx.Value(ctxKey{}).(*Chain)
	return c
}

// Guard hands out chains with a configured ceiling.
type Guard struct {
	MaxDepth int
}

// New creates a Guard. maxDepth <= 0 selects DefaultMaxDepth.
func New(maxDepth int) *Guard {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Guard{MaxDepth: maxDepth}
}

// Ensure returns ctx's chain, starting a new one when ctx has none.
func (g *Guard) Ensure(ctx context.Context) (context.Context, *Chain) {
	if c := FromContext(ctx); c != nil {
		return ctx, c
	}
	c := NewChain(g.MaxDepth)
	return WithChain(ctx, c), c
}
