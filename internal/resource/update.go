package resource

import "slices"

// PropertiesUpdate describes a change applied to many resources at once.
// Nil fields are left untouched.
type PropertiesUpdate struct {
	Name        *string     `json:"name,omitempty"`
	Kind        *string     `json:"kind,omitempty"`
	Description *string     `json:"description,omitempty"`
	Tags        *ListUpdate `json:"tags,omitempty"`
	Metadata    *MapUpdate  `json:"metadata,omitempty"`
}

// ListUpdate inserts and removes tags.
type ListUpdate struct {
	Insert []string `json:"insert,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// MapUpdate sets and removes metadata keys.
type MapUpdate struct {
	Insert map[string]any `json:"insert,omitempty"`
	Remove []string       `json:"remove,omitempty"`
}

// IsEmpty reports whether the update changes nothing.
func (u PropertiesUpdate) IsEmpty() bool {
	return u.Name == nil && u.Kind == nil && u.Description == nil && u.Tags == nil && u.Metadata == nil
}

// Apply returns props with the update applied. props is not modified.
func (u PropertiesUpdate) Apply(props Properties) Properties {
	out := props.Clone()
	if u.Name != nil {
		out.Name = *u.Name
	}
	if u.Kind != nil {
		out.Kind = *u.Kind
	}
	if u.Description != nil {
		out.Description = *u.Description
	}
	if u.Tags != nil {
		out.Tags = slices.DeleteFunc(out.Tags, func(t string) bool {
			return slices.Contains(u.Tags.Remove, t)
		})
		for _, t := range u.Tags.Insert {
			if !slices.Contains(out.Tags, t) {
				out.Tags = append(out.Tags, t)
			}
		}
	}
	if u.Metadata != nil {
		for _, k := range u.Metadata.Remove {
			delete(out.Metadata, k)
		}
		if len(u.Metadata.Insert) > 0 && out.Metadata == nil {
			out.Metadata = make(map[string]any, len(u.Metadata.Insert))
		}
		for k, v := range u.Metadata.Insert {
			out.Metadata[k] = v
		}
	}
	return out
}
