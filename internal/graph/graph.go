// Package graph expands a pipeline definition into a task graph: one task per
// (per-sample stage, sample) plus one per dataset stage, connected through the
// artifacts they exchange.
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/example/riboflow/internal/contentstore"
	"github.com/example/riboflow/internal/domain"
)

// Handle indexes a task in the graph's arena.
type Handle int

// NoProducer marks artifacts owned by the run's static input set.
const NoProducer Handle = -1

// Graph is an immutable, acyclic task graph.
type Graph struct {
	name      string
	tasks     []*domain.Task
	byID      map[domain.TaskID]Handle
	producers [][]Handle
	consumers [][]Handle
	order     []Handle
	samples   []string
	external  []domain.ArtifactRef
	hash      domain.Hash
}

// Name returns the pipeline name.
func (g *Graph) Name() string { return g.name }

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.tasks) }

// Task returns the task behind a handle.
func (g *Graph) Task(h Handle) *domain.Task { return g.tasks[h] }

// Lookup finds a task by identity.
func (g *Graph) Lookup(id domain.TaskID) (Handle, bool) {
	h, ok := g.byID[id]
	return h, ok
}

// Producers returns the tasks h consumes artifacts from, in handle order.
func (g *Graph) Producers(h Handle) []Handle { return g.producers[h] }

// Consumers returns the tasks consuming artifacts of h, in handle order.
func (g *Graph) Consumers(h Handle) []Handle { return g.consumers[h] }

// TopologicalOrder returns every handle with producers before consumers.
// The order is deterministic for a given definition.
func (g *Graph) TopologicalOrder() []Handle { return slices.Clone(g.order) }

// Samples returns the run's samples in canonical order.
func (g *Graph) Samples() []string { return slices.Clone(g.samples) }

// ExternalInputs returns every static input artifact consumed by some task.
func (g *Graph) ExternalInputs() []domain.ArtifactRef { return slices.Clone(g.external) }

// Fingerprint identifies the graph's structure and commands.
func (g *Graph) Fingerprint() domain.Hash { return g.hash }

// Descendants returns every task reachable from h through consumer edges, in
// topological order.
func (g *Graph) Descendants(h Handle) []Handle {
	seen := make([]bool, len(g.tasks))
	stack := []Handle{h}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range g.consumers[cur] {
			if !seen[c] {
				seen[c] = true
				stack = append(stack, c)
			}
		}
	}
	var out []Handle
	for _, o := range g.order {
		if seen[o] {
			out = append(out, o)
		}
	}
	return out
}

// ProducerOf returns the handle of the task producing ref, or NoProducer.
func (g *Graph) ProducerOf(ref domain.ArtifactRef) Handle {
	if ref.External() {
		return NoProducer
	}
	h, ok := g.byID[ref.Producer]
	if !ok {
		return NoProducer
	}
	return h
}

// Dot renders the graph in Graphviz format.
func (g *Graph) Dot() string {
	var b strings.Builder
	name := g.name
	if name == "" {
		name = "pipeline"
	}
	fmt.Fprintf(&b, "digraph %q {\n", name)
	b.WriteString("  rankdir=LR;\n  node [shape=box];\n")
	for _, h := range g.order {
		t := g.tasks[h]
		shape := "box"
		if t.Scope != domain.ScopeSample {
			shape = "box3d"
		}
		fmt.Fprintf(&b, "  %q [shape=%s];\n", t.ID.String(), shape)
	}
	for _, h := range g.order {
		for _, c := range g.consumers[h] {
			fmt.Fprintf(&b, "  %q -> %q;\n", g.tasks[h].ID.String(), g.tasks[c].ID.String())
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func (g *Graph) computeFingerprint() domain.Hash {
	d := contentstore.NewDigest()
	d.Count(len(g.tasks))
	for _, t := range g.tasks {
		d.Field(t.ID.String()).Field(t.Scope.String()).Field(t.Command)
		d.Map(t.Params).Map(t.Env)
		d.Count(len(t.Outputs))
		for _, o := range t.Outputs {
			d.Field(o.Name).Field(o.Path)
		}
		d.Count(len(t.Samples))
		for _, s := range t.Samples {
			d.Field(s)
		}
	}
	for h := range g.tasks {
		d.Count(len(g.producers[h]))
		for _, p := range g.producers[h] {
			d.Count(int(p))
		}
	}
	return d.Sum()
}
