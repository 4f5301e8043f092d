package pipeline_test

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/pipeline"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(name string, deps ...string) pipeline.Stage {
	return pipeline.NewStage(name, deps, func(_ context.Context, pc *models.PipelineContext) pipeline.Result {
		return pipeline.Completed(pc)
	})
}

func phaseIndex(phases []pipeline.Phase) map[string]int {
	idx := map[string]int{}
	for i, p := range phases {
		for _, name := range p {
			idx[name] = i
		}
	}
	return idx
}

func TestBuildPhases(t *testing.T) {
	t.Run("Diamond", func(t *testing.T) {
		phases, err := pipeline.BuildPhases([]pipeline.Stage{
			noop("A"), noop("B"), noop("C", "A", "B"), noop("D", "C"), noop("E", "A"),
		})
		require.NoError(t, err)
		assert.Equal(t, []pipeline.Phase{{"A", "B"}, {"C", "E"}, {"D"}}, phases)
	})

	t.Run("Empty", func(t *testing.T) {
		phases, err := pipeline.BuildPhases(nil)
		require.NoError(t, err)
		assert.Empty(t, phases)
	})

	t.Run("DuplicateDependencyCountsOnce", func(t *testing.T) {
		phases, err := pipeline.BuildPhases([]pipeline.Stage{noop("A"), noop("B", "A", "A")})
		require.NoError(t, err)
		assert.Equal(t, []pipeline.Phase{{"A"}, {"B"}}, phases)
	})
}

func TestBuildPhasesConfigurationErrors(t *testing.T) {
	tests := []struct {
		name     string
		stages   []pipeline.Stage
		contains string
	}{
		{name: "Cycle", stages: []pipeline.Stage{noop("A", "C"), noop("B", "A"), noop("C", "B"), noop("D")}, contains: "[A, B, C]"},
		{name: "SelfDependency", stages: []pipeline.Stage{noop("A", "A")}, contains: "cycle"},
		{name: "MissingDependency", stages: []pipeline.Stage{noop("A", "ghost")}, contains: "'ghost'"},
		{name: "DuplicateName", stages: []pipeline.Stage{noop("A"), noop("A")}, contains: "duplicate stage 'A'"},
		{name: "EmptyName", stages: []pipeline.Stage{noop("")}, contains: "no name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			phases, err := pipeline.BuildPhases(tt.stages)
			assert.Nil(t, phases)
			require.Error(t, err)
			assert.True(t, errors.Is(err, pipeline.ErrConfiguration))
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

// randomDAG builds n stages where stage i may only depend on stages declared before it.
func randomDAG(rnd *rand.Rand, n int) []pipeline.Stage {
	stages := make([]pipeline.Stage, n)
	for i := 0; i < n; i++ {
		var deps []string
		for j := 0; j < i; j++ {
			if rnd.Intn(4) == 0 {
				deps = append(deps, fmt.Sprintf("s%d", j))
			}
		}
		stages[i] = noop(fmt.Sprintf("s%d", i), deps...)
	}
	return stages
}

func TestBuildPhasesProperties(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		stages := randomDAG(rnd, 2+rnd.Intn(15))

		phases, err := pipeline.BuildPhases(stages)
		require.NoError(t, err)
		idx := phaseIndex(phases)

		count := 0
		for _, p := range phases {
			count += len(p)
		}
		assert.Equal(t, len(stages), count, "every stage in exactly one phase")
		for _, st := range stages {
			for _, dep := range st.DependsOn() {
				assert.Less(t, idx[dep], idx[st.Name()], "%s before %s", dep, st.Name())
			}
		}

		shuffled := append([]pipeline.Stage{}, stages...)
		rnd.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		again, err := pipeline.BuildPhases(shuffled)
		require.NoError(t, err)
		assert.Equal(t, idx, phaseIndex(again), "declaration order must not change phase membership")
	}
}
