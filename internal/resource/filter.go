package resource

import (
	"strings"

	"github.com/google/go-cmp/cmp"
)

// Filter selects resources by their properties. Zero fields match everything.
type Filter struct {
	// Type restricts results to containers or assets.
	Type Kind `json:"type,omitempty"`

	// Name matches case-insensitively.
	Name string `json:"name,omitempty"`

	Kind string `json:"kind,omitempty"`

	// Tags must all be present.
	Tags []string `json:"tags,omitempty"`

	// Metadata keys must all be present with equal values.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Matches reports whether props of a resource of kind k satisfy the filter.
func (f Filter) Matches(k Kind, props Properties) bool {
	if f.Type != "" && f.Type != k {
		return false
	}
	if f.Name != "" && !strings.EqualFold(f.Name, props.Name) {
		return false
	}
	if f.Kind != "" && f.Kind != props.Kind {
		return false
	}
	for _, tag := range f.Tags {
		if !props.HasTag(tag) {
			return false
		}
	}
	for key, want := range f.Metadata {
		got, ok := props.Metadata[key]
		if !ok || !cmp.Equal(got, want) {
			return false
		}
	}
	return true
}
