package loopguard

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChain_DepthCeiling(t *testing.T) {
	c := NewChain(0)
	assert.Equal(t, DefaultMaxDepth, c.MaxDepth())

	var releases []func()
	for i := 0; i < DefaultMaxDepth; i++ {
		require.True(t, c.CanExecute(), "depth %d", i)
		releases = append(releases, c.IncrementDepth())
	}
	assert.False(t, c.CanExecute())
	assert.Equal(t, 5, c.Depth())

	for i := len(releases) - 1; i >= 0; i-- {
		releases[i]()
	}
	assert.Equal(t, 0, c.Depth())
	assert.True(t, c.CanExecute())
}

func TestChain_ProcessedSetClearsWhenChainCompletes(t *testing.T) {
	c := NewChain(5)

	outer := c.IncrementDepth()
	assert.True(t, c.TryMarkProcessed("wf-1", "deal-1"))
	assert.False(t, c.TryMarkProcessed("wf-1", "deal-1"))
	assert.True(t, c.TryMarkProcessed("wf-1", "deal-2"))

	inner := c.IncrementDepth()
	assert.False(t, c.TryMarkProcessed("wf-1", "deal-1"), "nested level shares the chain")
	inner()
	assert.False(t, c.TryMarkProcessed("wf-1", "deal-1"), "depth 1 keeps the set")

	outer()
	assert.True(t, c.TryMarkProcessed("wf-1", "deal-1"))
}

func TestChain_ReleaseIsIdempotent(t *testing.T) {
	c := NewChain(5)
	a := c.IncrementDepth()
	b := c.IncrementDepth()
	a()
	a()
	assert.Equal(t, 1, c.Depth())
	b()
	assert.Equal(t, 0, c.Depth())
}

func TestChain_SetDepth(t *testing.T) {
	c := NewChain(5)
	c.SetDepth(4)
	assert.True(t, c.CanExecute())

	release := c.IncrementDepth()
	assert.False(t, c.CanExecute())
	release()
	assert.Equal(t, 4, c.Depth())

	c.SetDepth(-3)
	assert.Equal(t, 0, c.Depth())
}

func TestChain_ConcurrentMarks(t *testing.T) {
	c := NewChain(5)
	release := c.IncrementDepth()
	defer release()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.TryMarkProcessed("wf", "e") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestGuard_Ensure(t *testing.T) {
	g := New(3)

	ctx, c := g.Ensure(context.Background())
	require.NotNil(t, c)
	assert.Equal(t, 3, c.MaxDepth())
	assert.Same(t, c, FromContext(ctx))

	ctx2, c2 := g.Ensure(ctx)
	assert.Same(t, c, c2)
	assert.Equal(t, ctx, ctx2)

	assert.Nil(t, FromContext(context.Background()))
}
