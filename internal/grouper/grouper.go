// Package grouper computes the connected components of an event batch.
//
// Two events land in the same component when they share a correlation value,
// directly or through a chain of other events in the batch. The computation
// is pure: it never touches persistent state, and it knows nothing about
// journeys from earlier batches.
package grouper

import (
	"sort"

	"example.com/journey/internal/domain"
)

// Component is one equivalence class discovered within a batch.
type Component struct {
	Events            []domain.Event
	CorrelationValues []string
}

// Group partitions the batch by shared correlation values using union-find
// keyed by correlation value (path compression, union by size). An event
// whose values match nothing else forms a singleton component.
func Group(events []domain.Event) []Component {
	forest := newForest()

	for _, event := range events {
		first := -1
		for _, value := range event.CorrelationValues {
			node := forest.node(value)
			if first < 0 {
				first = node
				continue
			}
			forest.union(first, node)
		}
	}

	// Bucket events under the root of their first correlation value. All of
	// an event's values share a root after the union pass above.
	byRoot := make(map[int]*Component)
	for _, event := range events {
		root := forest.find(forest.node(event.CorrelationValues[0]))
		comp, ok := byRoot[root]
		if !ok {
			comp = &Component{}
			byRoot[root] = comp
		}
		comp.Events = append(comp.Events, event)
	}
	for value, node := range forest.index {
		root := forest.find(node)
		if comp, ok := byRoot[root]; ok {
			comp.CorrelationValues = append(comp.CorrelationValues, value)
		}
	}

	components := make([]Component, 0, len(byRoot))
	for _, comp := range byRoot {
		sort.Strings(comp.CorrelationValues)
		components = append(components, *comp)
	}
	// Deterministic output order keeps retries and tests stable.
	sort.Slice(components, func(i, j int) bool {
		return components[i].CorrelationValues[0] < components[j].CorrelationValues[0]
	})
	return components
}

// EventIDs lists the ids of the component's events.
func (c Component) EventIDs() []string {
	ids := make([]string, len(c.Events))
	for i, event := range c.Events {
		ids[i] = event.ID
	}
	return ids
}

// forest is an arena-backed union-find over correlation values.
type forest struct {
	index  map[string]int
	parent []int
	size   []int
}

func newForest() *forest {
	return &forest{index: make(map[string]int)}
}

// node interns a correlation value, allocating a singleton set on first use.
func (f *forest) node(value string) int {
	if id, ok := f.index[value]; ok {
		return id
	}
	id := len(f.parent)
	f.index[value] = id
	f.parent = append(f.parent, id)
	f.size = append(f.size, 1)
	return id
}

func (f *forest) find(id int) int {
	for f.parent[id] != id {
		f.parent[id] = f.parent[f.parent[id]]
		id = f.parent[id]
	}
	return id
}

// union joins the sets containing a and b, attaching the smaller tree under
// the larger one.
func (f *forest) union(a, b int) {
	ra, rb := f.find(a), f.find(b)
	if ra == rb {
		return
	}
	if f.size[ra] < f.size[rb] {
		ra, rb = rb, ra
	}
	f.parent[rb] = ra
	f.size[ra] += f.size[rb]
}
