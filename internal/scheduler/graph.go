package scheduler

import "slices"

// Graph holds the dependency edges between task names.
//
// Forward maps a prerequisite to the tasks that depend on it; reverse maps a
// task to its prerequisites. Every edge is present in both or in neither.
// Graph does no locking; Manager serialises access to it.
type Graph struct {
	forward map[string][]string
	reverse map[string][]string
	seen    map[string]struct{}
	nodes   []string // first-appearance order, for stable validation
}

// NewGraph creates an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		forward: make(map[string][]string),
		reverse: make(map[string][]string),
		seen:    make(map[string]struct{}),
	}
}

// AddEdge declares that to depends on from. Adding an existing edge is a no-op.
func (g *Graph) AddEdge(from, to string) {
	if slices.Contains(g.forward[from], to) {
		return
	}
	g.note(from)
	g.note(to)
	g.forward[from] = append(g.forward[from], to)
	g.reverse[to] = append(g.reverse[to], from)
}

// AddDep declares that name depends on dep.
func (g *Graph) AddDep(name, dep string) {
	g.AddEdge(dep, name)
}

// Dependents returns the direct dependents of name.
func (g *Graph) Dependents(name string) []string {
	return slices.Clone(g.forward[name])
}

// Prerequisites returns the direct prerequisites of name.
func (g *Graph) Prerequisites(name string) []string {
	return slices.Clone(g.reverse[name])
}

// HasPrerequisites reports whether name has at least one declared prerequisite.
func (g *Graph) HasPrerequisites(name string) bool {
	return len(g.reverse[name]) > 0
}

// Nodes returns every name mentioned by an edge, in first-appearance order.
func (g *Graph) Nodes() []string {
	return slices.Clone(g.nodes)
}

// EdgeCount returns the number of distinct edges.
func (g *Graph) EdgeCount() int {
	n := 0
	for _, tos := range g.forward {
		n += len(tos)
	}
	return n
}

func (g *Graph) note(name string) {
	if _, ok := g.seen[name]; ok {
		return
	}
	g.seen[name] = struct{}{}
	g.nodes = append(g.nodes, name)
}
