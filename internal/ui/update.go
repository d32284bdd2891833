package ui

import (
	"fmt"
	"strings"

	"github.com/projgraph/syncd/internal/protocol"
)

// FormatUpdate renders one update as a single log-style line:
// time, kind and a short summary of the payload.
func FormatUpdate(u protocol.Update, styles Styles) string {
	kind := string(u.Kind)
	switch {
	case strings.HasSuffix(kind, "Removed"):
		kind = styles.Error.Render(kind)
	case strings.HasSuffix(kind, "Created"), u.Kind == protocol.ProjectLoaded:
		kind = styles.OK.Render(kind)
	case u.Kind == protocol.AnalysisFlag:
		kind = styles.Warn.Render(kind)
	default:
		kind = styles.Title.Render(kind)
	}

	line := fmt.Sprintf("%s %s", styles.Dim.Render(u.Timestamp.Local().Format("15:04:05.000")), kind)
	if s := summarize(u); s != "" {
		line += " " + s
	}
	return line
}

func summarize(u protocol.Update) string {
	switch u.Kind {
	case protocol.GraphCreated:
		var d protocol.GraphCreatedData
		if u.Decode(&d) == nil && d.Graph != nil {
			if c, ok := d.Graph.Container(d.Graph.Root()); ok {
				return fmt.Sprintf("%s (%d containers)", c.Properties.Name, d.Graph.Len())
			}
		}
	case protocol.GraphMoved:
		var d protocol.GraphMovedData
		if u.Decode(&d) == nil {
			return fmt.Sprintf("%s -> %s under %s", ShortID(d.Root), d.Name, ShortID(d.Parent))
		}
	case protocol.GraphRemoved:
		var d protocol.GraphRemovedData
		if u.Decode(&d) == nil {
			return ShortID(d.Root)
		}
	case protocol.ContainerProperties:
		var d protocol.ContainerPropertiesData
		if u.Decode(&d) == nil {
			return fmt.Sprintf("%s %q", ShortID(d.Container), d.Properties.Name)
		}
	case protocol.AssetCreated:
		var d protocol.AssetCreatedData
		if u.Decode(&d) == nil && d.Asset != nil {
			return fmt.Sprintf("%s in %s", d.Asset.Path, ShortID(d.Container))
		}
	case protocol.AssetPathChanged:
		var d protocol.AssetPathChangedData
		if u.Decode(&d) == nil {
			return fmt.Sprintf("%s -> %s", ShortID(d.Asset), d.Path)
		}
	case protocol.AssetMoved:
		var d protocol.AssetMovedData
		if u.Decode(&d) == nil {
			return fmt.Sprintf("%s -> %s in %s", ShortID(d.Asset), d.Path, ShortID(d.Container))
		}
	case protocol.AssetRemoved:
		var d protocol.AssetRemovedData
		if u.Decode(&d) == nil {
			return fmt.Sprintf("%s from %s", ShortID(d.Asset), ShortID(d.Container))
		}
	case protocol.AnalysisFlag:
		var d protocol.AnalysisFlagData
		if u.Decode(&d) == nil {
			return fmt.Sprintf("%s: %s", ShortID(d.Resource), d.Message)
		}
	case protocol.ProjectLoaded:
		var d protocol.ProjectLoadedData
		if u.Decode(&d) == nil {
			return fmt.Sprintf("%s (%s)", d.Project.Name, d.Project.Path)
		}
	case protocol.ProjectRemoved:
		var d protocol.ProjectRemovedData
		if u.Decode(&d) == nil {
			return d.Path
		}
	case protocol.ProjectMoved:
		var d protocol.ProjectMovedData
		if u.Decode(&d) == nil {
			return fmt.Sprintf("%s -> %s", d.From, d.To)
		}
	case protocol.ProjectProperties:
		var d protocol.ProjectPropertiesData
		if u.Decode(&d) == nil {
			return fmt.Sprintf("%q", d.Project.Name)
		}
	case protocol.AppProjectManifest, protocol.AppUserManifest:
		var d protocol.ManifestData
		if u.Decode(&d) == nil {
			return fmt.Sprintf("+%d -%d", len(d.Added), len(d.Removed))
		}
	}
	return ""
}
