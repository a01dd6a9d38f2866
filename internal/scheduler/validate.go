package scheduler

import (
	"fmt"

	"github.com/gammazero/toposort"
)

// color marks a node's depth-first search state.
type color int

const (
	white color = iota // not yet visited
	gray               // on the active path
	black              // fully explored
)

// validate checks the graph against the registered tasks and returns the
// start nodes in registration order. It has no side effects.
func validate(g *Graph, order []string, tasks map[string]Task) ([]string, error) {
	for _, name := range g.Nodes() {
		if _, ok := tasks[name]; ok {
			continue
		}
		if deps := g.Dependents(name); len(deps) > 0 {
			return nil, fmt.Errorf("%w %q: prerequisite of %q", ErrUnknownTask, name, deps[0])
		}
		return nil, fmt.Errorf("%w %q: depends on %q", ErrUnknownTask, name, g.Prerequisites(name)[0])
	}

	var start []string
	for _, name := range order {
		if !g.HasPrerequisites(name) {
			start = append(start, name)
		}
	}
	if len(start) == 0 {
		return nil, fmt.Errorf("%w: every task has a prerequisite", ErrNoStartNodes)
	}

	colors := make(map[string]color, len(order))
	for _, name := range start {
		if err := visit(g, name, colors); err != nil {
			return nil, err
		}
	}
	// Anything still white is unreachable from the start frontier, which
	// means a cycle sits upstream of it.
	for _, name := range order {
		if colors[name] != white {
			continue
		}
		if err := visit(g, name, colors); err != nil {
			return nil, err
		}
	}
	return start, nil
}

func visit(g *Graph, name string, colors map[string]color) error {
	colors[name] = gray
	for _, next := range g.forward[name] {
		switch colors[next] {
		case gray:
			return &CycleError{From: name, To: next}
		case white:
			if err := visit(g, next, colors); err != nil {
				return err
			}
		}
	}
	colors[name] = black
	return nil
}

// topoOrder returns the registered tasks in a dependency-respecting order.
func topoOrder(g *Graph, order []string) ([]string, error) {
	var edges []toposort.Edge
	for _, name := range order {
		prereqs := g.reverse[name]
		if len(prereqs) == 0 {
			// Task with no dependencies - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, name})
			continue
		}
		for _, dep := range prereqs {
			edges = append(edges, toposort.Edge{dep, name})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycle, err)
	}

	plan := make([]string, 0, len(order))
	for _, id := range sorted {
		if id != nil {
			plan = append(plan, id.(string))
		}
	}
	return plan, nil
}
