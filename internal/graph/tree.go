package graph

import (
	"slices"
	"strings"

	"github.com/example/riboflow/internal/domain"
)

// Tree renders the graph as a tree with box-drawing characters, starting
// from tasks that consume only external inputs. A task reachable from more
// than one producer is drawn in full once and referenced afterwards.
func (g *Graph) Tree() string {
	if len(g.tasks) == 0 {
		return "(no tasks)\n"
	}
	var roots []Handle
	for h := range g.tasks {
		if len(g.producers[h]) == 0 {
			roots = append(roots, Handle(h))
		}
	}
	g.sortByID(roots)

	var buf strings.Builder
	seen := make(map[Handle]bool)
	for _, h := range roots {
		g.renderNode(&buf, h, "", "", seen)
	}
	return buf.String()
}

// renderNode writes h after connector and its consumers below it, indented
// by prefix.
func (g *Graph) renderNode(buf *strings.Builder, h Handle, prefix, connector string, seen map[Handle]bool) {
	task := g.tasks[h]
	buf.WriteString(prefix + connector + task.ID.String())
	if seen[h] {
		buf.WriteString(" (see above)\n")
		return
	}
	seen[h] = true
	if task.Scope == domain.ScopeDemultiplex {
		buf.WriteString(" [demultiplex]")
	}
	buf.WriteString("\n")

	switch connector {
	case "├── ":
		prefix += "│   "
	case "└── ":
		prefix += "    "
	}
	children := append([]Handle(nil), g.consumers[h]...)
	g.sortByID(children)
	for i, c := range children {
		if i == len(children)-1 {
			g.renderNode(buf, c, prefix, "└── ", seen)
		} else {
			g.renderNode(buf, c, prefix, "├── ", seen)
		}
	}
}

func (g *Graph) sortByID(hs []Handle) {
	slices.SortFunc(hs, func(a, b Handle) int {
		return g.tasks[a].ID.Compare(g.tasks[b].ID)
	})
}
