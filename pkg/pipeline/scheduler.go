package pipeline

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrConfiguration is returned for a stage graph that cannot be scheduled.
var ErrConfiguration = errors.New("pipeline configuration error")

// Phase is a set of stages with no dependency among them, in declaration order.
type Phase []string

// BuildPhases groups stages into phases with Kahn's algorithm: a stage lands in
// the first phase after all of its dependencies.
func BuildPhases(stages []Stage) ([]Phase, error) {
	index := make(map[string]int, len(stages))
	for i, st := range stages {
		name := st.Name()
		if name == "" {
			return nil, errors.Wrapf(ErrConfiguration, "stage at position %d has no name", i)
		}
		if _, dup := index[name]; dup {
			return nil, errors.Wrapf(ErrConfiguration, "duplicate stage '%s'", name)
		}
		index[name] = i
	}

	indegree := make([]int, len(stages))
	dependents := make([][]int, len(stages))
	for i, st := range stages {
		seen := map[string]bool{}
		for _, dep := range st.DependsOn() {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			j, ok := index[dep]
			if !ok {
				return nil, errors.Wrapf(ErrConfiguration, "stage '%s' depends on unknown stage '%s'", st.Name(), dep)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	placed := make([]bool, len(stages))
	remaining := len(stages)
	var phases []Phase
	for remaining > 0 {
		var ready []int
		for i := range stages {
			if !placed[i] && indegree[i] == 0 {
				ready = append(ready, i)
			}
		}
		if len(ready) == 0 {
			var stuck []string
			for i, st := range stages {
				if !placed[i] {
					stuck = append(stuck, st.Name())
				}
			}
			return nil, errors.Wrapf(ErrConfiguration, "dependency cycle among stages [%s]", strings.Join(stuck, ", "))
		}

		phase := make(Phase, 0, len(ready))
		for _, i := range ready {
			placed[i] = true
			phase = append(phase, stages[i].Name())
		}
		// indegrees drop only after the whole phase is chosen
		for _, i := range ready {
			for _, d := range dependents[i] {
				indegree[d]--
			}
		}
		remaining -= len(ready)
		phases = append(phases, phase)
	}
	return phases, nil
}
