// Package graph models work item dependencies: edges, cycle detection and
// readiness. Results are computed on demand from the current edge set.
package graph

import (
	"fmt"
	"sort"

	"missionboard/internal/domain"
)

// DependencyNotFoundError is returned when an edge references an unknown item.
type DependencyNotFoundError struct {
	ItemID    string
	DependsOn string
	Missing   string
}

func (e *DependencyNotFoundError) Error() string {
	return fmt.Sprintf("dependency not found: %s (edge %s -> %s)", e.Missing, e.ItemID, e.DependsOn)
}

func (e *DependencyNotFoundError) Code() string { return "dependency_not_found" }

// ReadinessState classifies an item against its dependencies.
type ReadinessState string

const (
	Ready   ReadinessState = "ready"
	Pending ReadinessState = "pending"
	Cyclic  ReadinessState = "cyclic"
)

// Readiness is Ready, Pending with the unfinished dependencies, or Cyclic.
type Readiness struct {
	State   ReadinessState `json:"state"`
	Waiting []string       `json:"waiting,omitempty"`
}

type Graph struct {
	stage map[string]string
	deps  map[string]map[string]bool
}

func New() *Graph {
	return &Graph{stage: map[string]string{}, deps: map[string]map[string]bool{}}
}

// FromItems builds a graph from items and their recorded dependencies.
// Dependencies on items outside the set are reported, not dropped.
func FromItems(items []domain.Item) (*Graph, error) {
	g := New()
	for _, it := range items {
		g.AddNode(it.ID, it.StageID)
	}
	for _, it := range items {
		for _, dep := range it.Dependencies {
			if err := g.AddEdge(it.ID, dep); err != nil {
				return g, err
			}
		}
	}
	return g, nil
}

// AddNode registers an item or updates its stage.
func (g *Graph) AddNode(id, stage string) {
	g.stage[id] = stage
	if g.deps[id] == nil {
		g.deps[id] = map[string]bool{}
	}
}

func (g *Graph) Has(id string) bool {
	_, ok := g.stage[id]
	return ok
}

// AddEdge records that item depends on dependsOn. Duplicate edges are ignored.
func (g *Graph) AddEdge(item, dependsOn string) error {
	for _, id := range []string{item, dependsOn} {
		if !g.Has(id) {
			return &DependencyNotFoundError{ItemID: item, DependsOn: dependsOn, Missing: id}
		}
	}
	g.deps[item][dependsOn] = true
	return nil
}

// Dependencies returns the sorted direct dependencies of an item.
func (g *Graph) Dependencies(id string) []string {
	out := make([]string, 0, len(g.deps[id]))
	for d := range g.deps[id] {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// WouldCycle reports whether adding item -> dependsOn would close a cycle,
// i.e. whether item is already reachable from dependsOn.
func (g *Graph) WouldCycle(item, dependsOn string) bool {
	if item == dependsOn {
		return true
	}
	seen := map[string]bool{}
	stack := []string{dependsOn}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == item {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		for d := range g.deps[n] {
			stack = append(stack, d)
		}
	}
	return false
}

// Cycles returns every item that can reach itself, sorted.
func (g *Graph) Cycles() []string {
	t := tarjan{g: g, index: map[string]int{}, low: map[string]int{}, onStack: map[string]bool{}}
	ids := make([]string, 0, len(g.stage))
	for id := range g.stage {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, visited := t.index[id]; !visited {
			t.connect(id)
		}
	}
	sort.Strings(t.cyclic)
	return t.cyclic
}

// Readiness classifies one item. Unknown ids are reported as Pending on themselves.
func (g *Graph) Readiness(id string) Readiness {
	return g.readiness(id, g.cycleSet())
}

func (g *Graph) IsReady(id string) bool {
	return g.Readiness(id).State == Ready
}

// ReadinessAll classifies every item in one pass.
func (g *Graph) ReadinessAll() map[string]Readiness {
	cyclic := g.cycleSet()
	out := make(map[string]Readiness, len(g.stage))
	for id := range g.stage {
		out[id] = g.readiness(id, cyclic)
	}
	return out
}

func (g *Graph) cycleSet() map[string]bool {
	set := map[string]bool{}
	for _, id := range g.Cycles() {
		set[id] = true
	}
	return set
}

func (g *Graph) readiness(id string, cyclic map[string]bool) Readiness {
	if !g.Has(id) {
		return Readiness{State: Pending, Waiting: []string{id}}
	}
	if cyclic[id] {
		return Readiness{State: Cyclic}
	}
	var waiting []string
	for _, d := range g.Dependencies(id) {
		if g.stage[d] != domain.StageDone {
			waiting = append(waiting, d)
		}
	}
	if len(waiting) > 0 {
		return Readiness{State: Pending, Waiting: waiting}
	}
	return Readiness{State: Ready}
}

type tarjan struct {
	g       *Graph
	next    int
	index   map[string]int
	low     map[string]int
	stack   []string
	onStack map[string]bool
	cyclic  []string
}

func (t *tarjan) connect(v string) {
	t.index[v] = t.next
	t.low[v] = t.next
	t.next++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.g.Dependencies(v) {
		if _, visited := t.index[w]; !visited {
			t.connect(w)
			t.low[v] = min(t.low[v], t.low[w])
		} else if t.onStack[w] {
			t.low[v] = min(t.low[v], t.index[w])
		}
	}

	if t.low[v] != t.index[v] {
		return
	}
	var component []string
	for {
		w := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		t.onStack[w] = false
		component = append(component, w)
		if w == v {
			break
		}
	}
	if len(component) > 1 || t.g.deps[v][v] {
		t.cyclic = append(t.cyclic, component...)
	}
}
