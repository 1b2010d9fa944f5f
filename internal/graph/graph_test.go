package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndDeps(t *testing.T) {
	g := New()

	g.Add("collector")
	g.Add("logger", "collector")
	g.Add("echo", "collector", "logger")

	assert.Equal(t, 3, g.Len())
	assert.Empty(t, g.Deps("collector"))
	assert.Equal(t, []string{"collector"}, g.Deps("logger"))
	assert.Equal(t, []string{"collector", "logger"}, g.Deps("echo"))
	assert.Nil(t, g.Deps("never-declared"))
}

func TestDepsReturnsCopy(t *testing.T) {
	g := New()
	g.Add("echo", "collector")

	got := g.Deps("echo")
	got[0] = "mutated"

	assert.Equal(t, []string{"collector"}, g.Deps("echo"))
}

func TestValidate(t *testing.T) {
	g := New()
	g.Add("collector")
	g.Add("logger", "collector")
	assert.NoError(t, g.Validate())
}

func TestValidate_UnknownDependency(t *testing.T) {
	g := New()
	g.Add("logger", "ghost")

	err := g.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownDependency))
	assert.Contains(t, err.Error(), "ghost")
}

func TestValidate_SelfDependency(t *testing.T) {
	g := New()
	g.Add("a", "a")

	err := g.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycle))
}

func TestValidate_Cycle(t *testing.T) {
	g := New()
	g.Add("a", "b")
	g.Add("b", "a")

	err := g.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycle))

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Len(t, cycleErr.Path, 3) // a -> b -> a
}

func TestValidate_LongCycle(t *testing.T) {
	g := New()
	g.Add("a", "c")
	g.Add("b", "a")
	g.Add("c", "b")

	err := g.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycle))
}

func TestLevels_Empty(t *testing.T) {
	levels, err := New().Levels()
	require.NoError(t, err)
	assert.Nil(t, levels)
}

func TestLevels_Independent(t *testing.T) {
	g := New()
	g.Add("c")
	g.Add("a")
	g.Add("b")

	levels, err := g.Levels()
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, []string{"a", "b", "c"}, levels[0])
}

func TestLevels_Chain(t *testing.T) {
	g := New()
	g.Add("a")
	g.Add("b", "a")
	g.Add("c", "b")

	levels, err := g.Levels()
	require.NoError(t, err)
	require.Equal(t, [][]string{{"a"}, {"b"}, {"c"}}, levels)
}

func TestLevels_Diamond(t *testing.T) {
	// a feeds b and c, both feed d.
	g := New()
	g.Add("a")
	g.Add("b", "a")
	g.Add("c", "a")
	g.Add("d", "b", "c")

	levels, err := g.Levels()
	require.NoError(t, err)
	require.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, levels)
}

func TestLevels_IndependentChains(t *testing.T) {
	g := New()
	g.Add("a")
	g.Add("b", "a")
	g.Add("x")
	g.Add("y", "x")

	levels, err := g.Levels()
	require.NoError(t, err)
	require.Equal(t, [][]string{{"a", "x"}, {"b", "y"}}, levels)
}

func TestLevels_FanInFanOut(t *testing.T) {
	g := New()
	g.Add("source-a")
	g.Add("source-b")
	g.Add("collector", "source-a", "source-b")
	g.Add("reporter", "collector")

	levels, err := g.Levels()
	require.NoError(t, err)
	require.Equal(t, [][]string{
		{"source-a", "source-b"},
		{"collector"},
		{"reporter"},
	}, levels)
}

func TestLevels_Deterministic(t *testing.T) {
	for i := 0; i < 10; i++ {
		g := New()
		g.Add("c")
		g.Add("a")
		g.Add("b")

		levels, err := g.Levels()
		require.NoError(t, err)
		require.Len(t, levels, 1)
		assert.Equal(t, []string{"a", "b", "c"}, levels[0])
	}
}

func TestLevels_RejectsCycle(t *testing.T) {
	g := New()
	g.Add("a", "b")
	g.Add("b", "a")

	levels, err := g.Levels()
	assert.Nil(t, levels)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycle))
}

func TestLevels_RejectsUnknownDependency(t *testing.T) {
	g := New()
	g.Add("a", "ghost")

	levels, err := g.Levels()
	assert.Nil(t, levels)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownDependency))
}

func TestCycleError_Message(t *testing.T) {
	err := &CycleError{Path: []string{"a", "b", "c", "a"}}
	assert.Equal(t, "dependency cycle detected: a -> b -> c -> a", err.Error())
}

func TestReAddReplacesDeps(t *testing.T) {
	g := New()
	g.Add("a", "ghost")
	g.Add("a")

	assert.NoError(t, g.Validate())
	assert.Equal(t, 1, g.Len())
}

func BenchmarkLevels(b *testing.B) {
	g := New()
	for i := 0; i < 10; i++ {
		g.Add(name(0, i))
	}
	for level := 1; level < 5; level++ {
		for i := 0; i < 10; i++ {
			deps := make([]string, 0, 5)
			for j := 0; j < 5; j++ {
				deps = append(deps, name(level-1, (i+j)%10))
			}
			g.Add(name(level, i), deps...)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = g.Levels()
	}
}

func name(level, index int) string {
	return string(rune('a'+level)) + string(rune('0'+index))
}
