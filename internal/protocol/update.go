// Package protocol defines the messages exchanged between the daemon and its clients:
// command requests and replies, update notifications and their topics.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/projgraph/syncd/internal/graph"
	"github.com/projgraph/syncd/internal/resource"
)

// Version is the protocol version reported by /health, in semver form.
const Version = "v1.2.0"

// UpdateKind tags the payload of an Update.
type UpdateKind string

const (
	// Graph updates
	GraphCreated UpdateKind = "Graph::Created"
	GraphMoved   UpdateKind = "Graph::Moved"
	GraphRemoved UpdateKind = "Graph::Removed"

	// Container updates
	ContainerProperties UpdateKind = "Container::Properties"
	ContainerAnalyses   UpdateKind = "Container::Analyses"

	// Asset updates
	AssetCreated     UpdateKind = "Asset::Created"
	AssetPathChanged UpdateKind = "Asset::PathChanged"
	AssetMoved       UpdateKind = "Asset::Moved"
	AssetRemoved     UpdateKind = "Asset::Removed"
	AssetProperties  UpdateKind = "Asset::Properties"

	// Analysis updates
	AnalysisFlag UpdateKind = "Analysis::Flag"

	// Project updates
	ProjectLoaded     UpdateKind = "Project::Loaded"
	ProjectRemoved    UpdateKind = "Project::Removed"
	ProjectMoved      UpdateKind = "Project::Moved"
	ProjectProperties UpdateKind = "Project::Properties"

	// App updates, published on the app topic
	AppProjectManifest UpdateKind = "App::ProjectManifest"
	AppUserManifest    UpdateKind = "App::UserManifest"
)

// Update is a domain-level change notification.
type Update struct {
	ID resource.ID `json:"id"`

	// Cause groups updates produced by the same batch or command.
	Cause resource.ID `json:"cause"`

	// Project is nil for app updates.
	Project   resource.ID     `json:"project"`
	Kind      UpdateKind      `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewUpdate builds an update with a time-ordered ID.
func NewUpdate(project, cause resource.ID, kind UpdateKind, data any) (Update, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Update{}, fmt.Errorf("failed to generate update id: %w", err)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Update{}, fmt.Errorf("failed to marshal %s update: %w", kind, err)
	}
	return Update{
		ID:        id,
		Cause:     cause,
		Project:   project,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// Topic returns the topic the update is published on.
func (u Update) Topic() string {
	if u.Project == resource.Nil {
		return AppTopic
	}
	return ProjectTopic(u.Project)
}

// Decode unmarshals the payload into v.
func (u Update) Decode(v any) error {
	if err := json.Unmarshal(u.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", u.Kind, err)
	}
	return nil
}

// AppTopic carries updates that are not tied to a project.
const AppTopic = "app"

const projectTopicPrefix = "project:"

// ProjectTopic returns the topic of a project.
func ProjectTopic(project resource.ID) string {
	return projectTopicPrefix + project.String()
}

// ParseProjectTopic extracts the project ID from a project topic.
func ParseProjectTopic(topic string) (resource.ID, bool) {
	rest, ok := strings.CutPrefix(topic, projectTopicPrefix)
	if !ok {
		return resource.Nil, false
	}
	id, err := resource.ParseID(rest)
	if err != nil {
		return resource.Nil, false
	}
	return id, true
}

// EncodeFrame renders an update as a publish frame: the topic, a newline, then the JSON update.
func EncodeFrame(u Update) ([]byte, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal update: %w", err)
	}
	frame := make([]byte, 0, len(u.Topic())+1+len(data))
	frame = append(frame, u.Topic()...)
	frame = append(frame, '\n')
	return append(frame, data...), nil
}

// DecodeFrame parses a publish frame.
func DecodeFrame(frame []byte) (string, Update, error) {
	topic, body, ok := strings.Cut(string(frame), "\n")
	if !ok {
		return "", Update{}, Transportf("publish frame has no topic line")
	}
	var u Update
	if err := json.Unmarshal([]byte(body), &u); err != nil {
		return "", Update{}, Transportf("invalid update: %v", err)
	}
	return topic, u, nil
}

// GraphCreatedData is the payload of GraphCreated.
type GraphCreatedData struct {
	Parent resource.ID  `json:"parent"`
	Graph  *graph.Graph `json:"graph"`
}

// GraphMovedData is the payload of GraphMoved.
type GraphMovedData struct {
	Root   resource.ID `json:"root"`
	Parent resource.ID `json:"parent"`
	Name   string      `json:"name"`
}

// GraphRemovedData is the payload of GraphRemoved.
type GraphRemovedData struct {
	Root  resource.ID  `json:"root"`
	Graph *graph.Graph `json:"graph"`
}

// ContainerPropertiesData is the payload of ContainerProperties.
type ContainerPropertiesData struct {
	Container  resource.ID         `json:"container"`
	Properties resource.Properties `json:"properties"`
}

// ContainerAnalysesData is the payload of ContainerAnalyses.
type ContainerAnalysesData struct {
	Container resource.ID                    `json:"container"`
	Analyses  []resource.AnalysisAssociation `json:"analyses"`
}

// AssetCreatedData is the payload of AssetCreated.
type AssetCreatedData struct {
	Container resource.ID     `json:"container"`
	Asset     *resource.Asset `json:"asset"`
}

// AssetPathChangedData is the payload of AssetPathChanged.
type AssetPathChangedData struct {
	Asset resource.ID `json:"asset"`
	Path  string      `json:"path"`
}

// AssetMovedData is the payload of AssetMoved.
type AssetMovedData struct {
	Asset     resource.ID `json:"asset"`
	Container resource.ID `json:"container"`
	Path      string      `json:"path"`
}

// AssetRemovedData is the payload of AssetRemoved.
type AssetRemovedData struct {
	Asset     resource.ID `json:"asset"`
	Container resource.ID `json:"container"`
}

// AssetPropertiesData is the payload of AssetProperties.
type AssetPropertiesData struct {
	Asset      resource.ID         `json:"asset"`
	Properties resource.Properties `json:"properties"`
}

// AnalysisFlagData is the payload of AnalysisFlag.
type AnalysisFlagData struct {
	Resource resource.ID `json:"resource"`
	Message  string      `json:"message"`
}

// ProjectLoadedData is the payload of ProjectLoaded.
type ProjectLoadedData struct {
	Project resource.Project `json:"project"`
	Root    resource.ID      `json:"root"`
}

// ProjectRemovedData is the payload of ProjectRemoved.
type ProjectRemovedData struct {
	Project resource.ID `json:"project"`
	Path    string      `json:"path"`
}

// ProjectMovedData is the payload of ProjectMoved.
type ProjectMovedData struct {
	Project resource.ID `json:"project"`
	From    string      `json:"from"`
	To      string      `json:"to"`
}

// ProjectPropertiesData is the payload of ProjectProperties.
type ProjectPropertiesData struct {
	Project resource.Project `json:"project"`
}

// ManifestData is the payload of the App manifest updates.
type ManifestData struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}
