package goalset

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/goalflow/pkg/goal"
)

// Graph is the precondition graph of an assembled goal set.
type Graph struct {
	// Nodes maps goal keys to their nodes.
	Nodes map[string]*Node `json:"nodes"`

	// Levels groups goal keys that may run in parallel, in execution order.
	Levels [][]string `json:"levels"`

	// Roots are the goals without preconditions.
	Roots []string `json:"roots"`

	goals map[string]*goal.Instance
}

// Node is one goal in the graph.
type Node struct {
	ID           string   `json:"id"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

// Depth returns the number of levels.
func (g *Graph) Depth() int {
	return len(g.Levels)
}

// BuildGraph validates that the preconditions of goals form a DAG and computes
// the execution levels.
func BuildGraph(goals []*goal.Instance) (*Graph, error) {
	graph := &Graph{
		Nodes: make(map[string]*Node, len(goals)),
		goals: make(map[string]*goal.Instance, len(goals)),
	}

	for _, g := range goals {
		id := g.Key().String()
		if _, exists := graph.Nodes[id]; exists {
			return nil, goal.NewConfigurationError(fmt.Sprintf("duplicate goal key: %s", id), nil).
				WithCode(goal.ErrCodeDuplicate)
		}
		graph.Nodes[id] = &Node{ID: id, Dependencies: []string{}, Dependents: []string{}}
		graph.goals[id] = g
	}

	for _, g := range goals {
		id := g.Key().String()
		for _, pc := range g.PreConditions {
			dep := pc.String()
			target, exists := graph.Nodes[dep]
			if !exists {
				return nil, goal.NewIntegrityError(
					fmt.Sprintf("goal %s depends on non-existent goal %s", id, dep), nil,
				).WithGoal(id).WithCode(goal.ErrCodeMissingPrecondition)
			}
			graph.Nodes[id].Dependencies = append(graph.Nodes[id].Dependencies, dep)
			target.Dependents = append(target.Dependents, id)
		}
	}

	if cycle := graph.findCycle(); cycle != nil {
		return nil, goal.NewConfigurationError(
			fmt.Sprintf("circular precondition detected: %s", strings.Join(cycle, " -> ")), nil,
		).WithCode(goal.ErrCodeValidation)
	}

	graph.computeLevels()
	return graph, nil
}

// findCycle runs a depth-first search over dependents and returns the first cycle found.
func (g *Graph) findCycle() []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var visit func(id string, path []string) []string
	visit = func(id string, path []string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, next := range g.Nodes[id].Dependents {
			if !visited[next] {
				if cycle := visit(next, path); cycle != nil {
					return cycle
				}
			} else if onStack[next] {
				for i, p := range path {
					if p == next {
						return append(append([]string{}, path[i:]...), next)
					}
				}
			}
		}

		onStack[id] = false
		return nil
	}

	for _, id := range g.sortedIDs() {
		if !visited[id] {
			if cycle := visit(id, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// computeLevels assigns levels with Kahn's algorithm. Levels are sorted by key
// so output is stable.
func (g *Graph) computeLevels() {
	inDegree := make(map[string]int, len(g.Nodes))
	var current []string
	for _, id := range g.sortedIDs() {
		inDegree[id] = len(g.Nodes[id].Dependencies)
		if inDegree[id] == 0 {
			current = append(current, id)
			g.Roots = append(g.Roots, id)
		}
	}

	for level := 0; len(current) > 0; level++ {
		g.Levels = append(g.Levels, current)
		var next []string
		for _, id := range current {
			g.Nodes[id].Level = level
			for _, dependent := range g.Nodes[id].Dependents {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ToDOT renders the graph in Graphviz DOT format, one cluster per level.
func (g *Graph) ToDOT(name string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("digraph %q {\n", name))
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			inst := g.goals[id]
			label := fmt.Sprintf("%s\\n%s", inst.Definition.Label(), inst.State)
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, stateColor(inst.State)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range g.sortedIDs() {
		for _, dep := range g.Nodes[id].Dependencies {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func stateColor(s goal.State) string {
	switch s {
	case goal.StateSuccess:
		return "lightgreen"
	case goal.StateInProcess, goal.StateRequested:
		return "lightblue"
	case goal.StateFailure:
		return "lightcoral"
	case goal.StateWaitingForApproval, goal.StateWaitingForPreApproval:
		return "khaki"
	case goal.StateSkipped, goal.StateCanceled, goal.StateStopped:
		return "lightgray"
	default:
		return "white"
	}
}
