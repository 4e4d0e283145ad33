package graph

import (
	"sort"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

// Levels groups task ids into stages: every task in stage n depends only on
// tasks from earlier stages. Within a stage ids keep definition order.
func Levels(def *types.WorkflowDefinition) ([][]string, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}

	remaining := make(map[string]int, len(def.Tasks))
	dependents := make(map[string][]string, len(def.Tasks))
	for _, task := range def.Tasks {
		remaining[task.ID] = len(task.DependsOn)
		for _, dep := range task.DependsOn {
			dependents[dep] = append(dependents[dep], task.ID)
		}
	}

	var current []string
	for _, task := range def.Tasks {
		if remaining[task.ID] == 0 {
			current = append(current, task.ID)
		}
	}

	order := make(map[string]int, len(def.Tasks))
	for i, task := range def.Tasks {
		order[task.ID] = i
	}

	var levels [][]string
	for len(current) > 0 {
		levels = append(levels, current)

		var next []string
		for _, id := range current {
			for _, child := range dependents[id] {
				remaining[child]--
				if remaining[child] == 0 {
					next = append(next, child)
				}
			}
		}
		sortByDefinition(next, order)
		current = next
	}

	return levels, nil
}

func sortByDefinition(ids []string, order map[string]int) {
	sort.Slice(ids, func(i, j int) bool { return order[ids[i]] < order[ids[j]] })
}
