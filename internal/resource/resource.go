// Package resource defines the data model shared by the graph, the store and the wire protocol:
// resource identifiers, standard properties, Containers and Assets.
package resource

import (
	"fmt"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
)

// ID is a stable identifier for a Container, Asset or Project.
// It is assigned once at creation and never derived from a path.
type ID = uuid.UUID

// Nil is the zero ID, used for "no resource" (e.g. the parent of a graph root).
var Nil = uuid.Nil

// NewID returns a fresh random ID.
func NewID() ID {
	return uuid.New()
}

// ParseID parses the canonical string form of an ID.
func ParseID(s string) (ID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("invalid resource id %q: %w", s, err)
	}
	return id, nil
}

// Kind distinguishes the two resource types held in a graph.
type Kind string

const (
	KindContainer Kind = "container"
	KindAsset     Kind = "asset"
)

// Properties are the user-editable attributes shared by Containers and Assets.
type Properties struct {
	Name        string         `json:"name"`
	Kind        string         `json:"kind,omitempty"`
	Description string         `json:"description,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Created     time.Time      `json:"created"`
	Creator     string         `json:"creator,omitempty"`
}

// NewProperties returns properties with the given name and the creation time set to now.
func NewProperties(name string) Properties {
	return Properties{
		Name:    name,
		Created: time.Now().UTC().Round(0),
	}
}

// Equal reports whether two property sets are equal. Empty and nil collections compare equal.
func (p Properties) Equal(other Properties) bool {
	// cmp would call this method again for a type that has it.
	type fields Properties
	return cmp.Equal(fields(p), fields(other), cmpopts.EquateEmpty())
}

// Clone returns a deep copy of the properties.
func (p Properties) Clone() Properties {
	c := p
	if p.Tags != nil {
		c.Tags = append([]string(nil), p.Tags...)
	}
	if p.Metadata != nil {
		c.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// HasTag reports whether the properties carry the given tag.
func (p Properties) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Resource is implemented by *Container and *Asset.
type Resource interface {
	ResourceID() ID
	ResourceKind() Kind
}

// Container is a folder-backed node of a resource graph.
type Container struct {
	ID         ID                    `json:"id"`
	Properties Properties            `json:"properties"`
	Parent     ID                    `json:"parent"`
	Children   []ID                  `json:"children"`
	Assets     []ID                  `json:"assets"`
	Analyses   []AnalysisAssociation `json:"analyses"`
}

// NewContainer returns a container with a fresh ID named after its folder.
func NewContainer(name string) *Container {
	return &Container{
		ID:         NewID(),
		Properties: NewProperties(name),
	}
}

func (c *Container) ResourceID() ID     { return c.ID }
func (c *Container) ResourceKind() Kind { return KindContainer }

// IsRoot reports whether the container has no parent.
func (c *Container) IsRoot() bool {
	return c.Parent == Nil
}

// Clone returns a deep copy of the container.
func (c *Container) Clone() *Container {
	out := *c
	out.Properties = c.Properties.Clone()
	out.Children = append([]ID(nil), c.Children...)
	out.Assets = append([]ID(nil), c.Assets...)
	out.Analyses = append([]AnalysisAssociation(nil), c.Analyses...)
	return &out
}

// Asset is a file-backed leaf owned by exactly one Container.
type Asset struct {
	ID         ID         `json:"id"`
	Properties Properties `json:"properties"`

	// Path is relative to the owning container's folder.
	Path string `json:"path"`

	// Container is a back-reference, not an ownership relation.
	Container ID `json:"container"`
}

// NewAsset returns an asset with a fresh ID for the given relative path.
func NewAsset(path string) *Asset {
	return &Asset{
		ID:         NewID(),
		Properties: NewProperties(""),
		Path:       path,
	}
}

func (a *Asset) ResourceID() ID     { return a.ID }
func (a *Asset) ResourceKind() Kind { return KindAsset }

// Clone returns a deep copy of the asset.
func (a *Asset) Clone() *Asset {
	out := *a
	out.Properties = a.Properties.Clone()
	return &out
}

// Project identifies an open project: a folder whose data root folder is the root of a graph.
type Project struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Path is the canonical project folder.
	Path string `json:"path"`

	// DataRoot is the folder name, relative to Path, of the graph root container.
	DataRoot string `json:"data_root"`
}
