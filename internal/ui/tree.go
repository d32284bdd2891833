package ui

import (
	"sort"
	"strings"

	"github.com/projgraph/syncd/internal/graph"
	"github.com/projgraph/syncd/internal/resource"
)

// TreeOptions controls RenderTree.
type TreeOptions struct {
	// Assets includes asset leaves.
	Assets bool

	// IDs appends the short form of each resource id.
	IDs bool

	// Depth limits how many levels below the root are shown (0 is unlimited).
	Depth int
}

// RenderTree draws a graph as an indented tree, children sorted by folder name.
func RenderTree(g *graph.Graph, styles Styles, opts TreeOptions) string {
	var sb strings.Builder
	root, ok := g.Container(g.Root())
	if !ok {
		return ""
	}
	sb.WriteString(styles.Container.Render(root.Properties.Name))
	sb.WriteString(suffix(root.ID, styles, opts))
	sb.WriteString("\n")
	renderChildren(&sb, g, root, "", 1, styles, opts)
	return sb.String()
}

type treeEntry struct {
	label string
	id    resource.ID
	child *resource.Container
}

func renderChildren(sb *strings.Builder, g *graph.Graph, c *resource.Container, prefix string, depth int, styles Styles, opts TreeOptions) {
	if opts.Depth > 0 && depth > opts.Depth {
		return
	}

	var entries []treeEntry
	for _, id := range c.Children {
		child, ok := g.Container(id)
		if !ok {
			continue
		}
		segment, _ := g.Segment(id)
		entries = append(entries, treeEntry{label: segment + "/", id: id, child: child})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].label < entries[j].label })

	if opts.Assets {
		var assets []treeEntry
		for _, id := range c.Assets {
			if a, ok := g.Asset(id); ok {
				assets = append(assets, treeEntry{label: a.Path, id: id})
			}
		}
		sort.Slice(assets, func(i, j int) bool { return assets[i].label < assets[j].label })
		entries = append(entries, assets...)
	}

	for i, e := range entries {
		branch, next := "├── ", "│   "
		if i == len(entries)-1 {
			branch, next = "└── ", "    "
		}
		sb.WriteString(styles.Dim.Render(prefix + branch))
		if e.child != nil {
			sb.WriteString(styles.Container.Render(e.label))
		} else {
			sb.WriteString(styles.Asset.Render(e.label))
		}
		sb.WriteString(suffix(e.id, styles, opts))
		sb.WriteString("\n")
		if e.child != nil {
			renderChildren(sb, g, e.child, prefix+next, depth+1, styles, opts)
		}
	}
}

func suffix(id resource.ID, styles Styles, opts TreeOptions) string {
	if !opts.IDs {
		return ""
	}
	return " " + styles.Dim.Render(ShortID(id))
}

// ShortID returns the first eight characters of an id.
func ShortID(id resource.ID) string {
	return id.String()[:8]
}
