package riskmodel

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/riskengine/internal/metricstore"
	"github.com/sells-group/riskengine/internal/trigger"
)

// CycleError reports a dependency cycle between metrics.
type CycleError struct {
	Path []metricstore.Kind
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, k := range e.Path {
		parts[i] = string(k)
	}
	return fmt.Sprintf("riskmodel: dependency cycle: %s", strings.Join(parts, " -> "))
}

// Graph is the static dependency declaration between triggers and metrics.
type Graph struct {
	defs        map[metricstore.Kind]*Definition
	dependents  map[metricstore.Kind][]metricstore.Kind
	rank        map[metricstore.Kind]int
	invalidates map[trigger.Kind][]metricstore.Kind
}

// NewGraph validates the declarations and orders the metrics so that
// inputs precede their dependents. It fails on unknown kinds and cycles.
func NewGraph(defs []Definition, invalidates map[trigger.Kind][]metricstore.Kind) (*Graph, error) {
	g := &Graph{
		defs:        make(map[metricstore.Kind]*Definition, len(defs)),
		dependents:  make(map[metricstore.Kind][]metricstore.Kind),
		rank:        make(map[metricstore.Kind]int, len(defs)),
		invalidates: make(map[trigger.Kind][]metricstore.Kind, len(invalidates)),
	}
	for i := range defs {
		d := defs[i]
		if _, err := metricstore.SpecOf(d.Kind); err != nil {
			return nil, eris.Wrap(err, "riskmodel: definition")
		}
		if _, dup := g.defs[d.Kind]; dup {
			return nil, eris.Errorf("riskmodel: duplicate definition of %s", d.Kind)
		}
		if d.Compute == nil {
			return nil, eris.Errorf("riskmodel: %s has no compute function", d.Kind)
		}
		g.defs[d.Kind] = &d
	}
	for _, d := range g.defs {
		for _, in := range d.Inputs {
			if _, ok := g.defs[in]; !ok {
				return nil, eris.Errorf("riskmodel: %s depends on undefined metric %s", d.Kind, in)
			}
			g.dependents[in] = append(g.dependents[in], d.Kind)
		}
		for _, in := range d.Deferrable {
			if !slices.Contains(d.Inputs, in) {
				return nil, eris.Errorf("riskmodel: %s defers on %s which is not an input", d.Kind, in)
			}
		}
	}
	for tk, kinds := range invalidates {
		if !tk.Valid() {
			return nil, eris.Errorf("riskmodel: unknown trigger kind %q", tk)
		}
		for _, k := range kinds {
			if _, ok := g.defs[k]; !ok {
				return nil, eris.Errorf("riskmodel: trigger %s invalidates undefined metric %s", tk, k)
			}
		}
		g.invalidates[tk] = append([]metricstore.Kind(nil), kinds...)
	}
	for k := range g.dependents {
		sortKinds(g.dependents[k])
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	for i, k := range order {
		g.rank[k] = i
	}
	return g, nil
}

// topoSort orders metrics by DFS post-order over inputs. Ties follow kind
// name so the order is stable.
func (g *Graph) topoSort() ([]metricstore.Kind, error) {
	visited := make(map[metricstore.Kind]bool)
	recStack := make(map[metricstore.Kind]bool)
	path := make([]metricstore.Kind, 0)
	order := make([]metricstore.Kind, 0, len(g.defs))

	var dfs func(k metricstore.Kind) error
	dfs = func(k metricstore.Kind) error {
		visited[k] = true
		recStack[k] = true
		path = append(path, k)

		inputs := append([]metricstore.Kind(nil), g.defs[k].Inputs...)
		sortKinds(inputs)
		for _, in := range inputs {
			if !visited[in] {
				if err := dfs(in); err != nil {
					return err
				}
			} else if recStack[in] {
				start := 0
				for i, n := range path {
					if n == in {
						start = i
						break
					}
				}
				cycle := append(append([]metricstore.Kind(nil), path[start:]...), in)
				return &CycleError{Path: cycle}
			}
		}

		path = path[:len(path)-1]
		recStack[k] = false
		order = append(order, k)
		return nil
	}

	for _, k := range g.Kinds() {
		if !visited[k] {
			if err := dfs(k); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

// Kinds returns every defined metric in name order.
func (g *Graph) Kinds() []metricstore.Kind {
	out := make([]metricstore.Kind, 0, len(g.defs))
	for k := range g.defs {
		out = append(out, k)
	}
	sortKinds(out)
	return out
}

// Definition returns the definition of a kind.
func (g *Graph) Definition(k metricstore.Kind) (*Definition, bool) {
	d, ok := g.defs[k]
	return d, ok
}

// Rank is the position of k in dependency order. Inputs rank lower than
// their dependents.
func (g *Graph) Rank(k metricstore.Kind) int {
	if r, ok := g.rank[k]; ok {
		return r
	}
	return len(g.rank)
}

// Inputs returns the declared inputs of k.
func (g *Graph) Inputs(k metricstore.Kind) []metricstore.Kind {
	if d, ok := g.defs[k]; ok {
		return d.Inputs
	}
	return nil
}

// Dependents returns the metrics that read k directly.
func (g *Graph) Dependents(k metricstore.Kind) []metricstore.Kind {
	return g.dependents[k]
}

// Expand returns the metrics a trigger invalidates directly plus every
// transitive dependent, in dependency order.
func (g *Graph) Expand(tk trigger.Kind) []metricstore.Kind {
	seen := make(map[metricstore.Kind]bool)
	var queue []metricstore.Kind
	for _, k := range g.invalidates[tk] {
		if !seen[k] {
			seen[k] = true
			queue = append(queue, k)
		}
	}
	for i := 0; i < len(queue); i++ {
		for _, dep := range g.dependents[queue[i]] {
			if !seen[dep] {
				seen[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	sort.SliceStable(queue, func(i, j int) bool { return g.Rank(queue[i]) < g.Rank(queue[j]) })
	return queue
}

func sortKinds(ks []metricstore.Kind) {
	sort.Slice(ks, func(i, j int) bool { return ks[i] < ks[j] })
}
