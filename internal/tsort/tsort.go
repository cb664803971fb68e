// Package tsort implements deterministic topological sort over a named
// dependency map, used by the packaging and build-task layers.
//
// Grounded on sourcery/tsort.py, reimplemented on top of
// gonum.org/v1/gonum/graph (simple.DirectedGraph for the graph
// structure, Kahn's algorithm with a sorted-name tie-break for
// determinism) rather than the source's hand-rolled recursive DFS, per
// this module's domain-stack wiring: gonum already ships a directed
// graph representation, so there is no reason to hand-roll adjacency
// tracking in Go, even though the traversal itself (order, cycle
// reporting) is reproduced here to match tsort.py's exact semantics.
package tsort

import (
	"sort"

	"github.com/sourcerytools/sbgo"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
)

// Sort topologically sorts the keys of deps, which maps each entity to
// the entities it depends on. The result lists each entity after all
// of its (transitive) dependencies, breaking ties by name to keep the
// order deterministic. It is an error for deps to contain a circular
// dependency, or for an entity to depend on a name absent from deps.
func Sort(ctx *sbgo.Ctx, deps map[string][]string) ([]string, error) {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	ids := make(map[string]int64, len(names))
	byID := make(map[int64]string, len(names))
	for i, name := range names {
		ids[name] = int64(i)
		byID[int64(i)] = name
	}

	g := simple.NewDirectedGraph()
	for _, name := range names {
		g.AddNode(simple.Node(ids[name]))
	}
	inDegree := make(map[int64]int, len(names))
	for _, name := range names {
		depNames := append([]string{}, deps[name]...)
		sort.Strings(depNames)
		for _, dep := range depNames {
			depID, ok := ids[dep]
			if !ok {
				return nil, sbgo.NewGraphError("dependency %q of %q is not a known entity", dep, name)
			}
			g.SetEdge(simple.Edge{F: simple.Node(depID), T: simple.Node(ids[name])})
			inDegree[ids[name]]++
		}
	}

	var ready []int64
	for _, name := range names {
		if inDegree[ids[name]] == 0 {
			ready = append(ready, ids[name])
		}
	}
	sortByName := func(ids []int64) {
		sort.Slice(ids, func(i, j int) bool { return byID[ids[i]] < byID[ids[j]] })
	}
	sortByName(ready)

	out := make([]string, 0, len(names))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, byID[id])

		successors := graph.NodesOf(g.From(id))
		var newlyReady []int64
		for _, s := range successors {
			inDegree[s.ID()]--
			if inDegree[s.ID()] == 0 {
				newlyReady = append(newlyReady, s.ID())
			}
		}
		sortByName(newlyReady)
		ready = append(ready, newlyReady...)
		sortByName(ready)
	}

	if len(out) != len(names) {
		for _, name := range names {
			if inDegree[ids[name]] > 0 {
				return nil, sbgo.NewGraphError("circular dependency for %s", name)
			}
		}
		return nil, sbgo.NewGraphError("circular dependency")
	}
	return out, nil
}
