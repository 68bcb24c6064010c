package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/crmflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_RecordAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := Env(map[string]any{"Stage": "Won", "Amount": 1500.0}, nil, nil, nil)

	t.Run("string field", func(t *testing.T) {
		ok, err := e.Predicate(context.Background(), `record.Stage == "Won"`, data)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("numeric against int literal", func(t *testing.T) {
		ok, err := e.Predicate(context.Background(), `record.Amount > 1000`, data)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("has macro on missing field", func(t *testing.T) {
		ok, err := e.Predicate(context.Background(), `has(record.Owner)`, data)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCEL_ChangesAndPrevious(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := Env(
		map[string]any{"Stage": "Won"},
		map[string]any{"Stage": "Won"},
		map[string]any{"Stage": "Negotiation"},
		nil,
	)
	ok, err := e.Predicate(context.Background(),
		`"Stage" in changes && previous.Stage == "Negotiation"`, data)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_MissingKeysDefaultToEmptyMaps(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.Predicate(context.Background(), `size(changes) == 0`, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	t.Run("empty", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), "", nil)
		assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	})

	t.Run("compile error", func(t *testing.T) {
		err := e.Compile(`record.Stage ==`)
		assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	})

	t.Run("unknown variable", func(t *testing.T) {
		err := e.Compile(`steps.fetch == 1`)
		assert.Error(t, err)
	})

	t.Run("runtime error on missing key", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), `record.Missing == "x"`, Env(map[string]any{}, nil, nil, nil))
		assert.True(t, schema.HasCode(err, schema.ErrCodeEvaluation))
	})

	t.Run("non-bool predicate", func(t *testing.T) {
		_, err := e.Predicate(context.Background(), `1 + 2`, nil)
		assert.True(t, schema.HasCode(err, schema.ErrCodeEvaluation))
	})
}

func TestCEL_Caching(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	for range 3 {
		_, err := e.Evaluate(context.Background(), `true`, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.cache.len())

	require.NoError(t, e.Compile(`false`))
	assert.Equal(t, 2, e.cache.len())
}

func TestCEL_Concurrent(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]bool, 50)
	for i := range 50 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			data := Env(map[string]any{"n": float64(idx)}, nil, nil, nil)
			results[idx], _ = e.Predicate(context.Background(), `record.n >= 0.0`, data)
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		assert.True(t, r, "goroutine %d", i)
	}
}
