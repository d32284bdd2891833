package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/projgraph/syncd/internal/resource"
)

// Command names.
const (
	CmdGet                  = "Get"
	CmdGetMany              = "GetMany"
	CmdGetByPath            = "GetByPath"
	CmdPath                 = "Path"
	CmdParent               = "Parent"
	CmdChildren             = "Children"
	CmdUpdateProperties     = "UpdateProperties"
	CmdBulkUpdateProperties = "BulkUpdateProperties"
	CmdFind                 = "Find"
	CmdAddAssets            = "AddAssets"
	CmdNewChild             = "NewChild"
	CmdRemove               = "Remove"
	CmdUpdateAnalyses       = "UpdateAnalyses"
	CmdLoadProject          = "LoadProject"
	CmdUnloadProject        = "UnloadProject"
	CmdListProjects         = "ListProjects"
	CmdGraph                = "Graph"
	CmdUpdatesSince         = "UpdatesSince"
)

// Request is one command frame.
type Request struct {
	ID   string          `json:"id"`
	Cmd  string          `json:"cmd"`
	Args json.RawMessage `json:"args,omitempty"`
}

// NewRequest builds a request with marshaled arguments.
func NewRequest(id, cmd string, args any) (Request, error) {
	req := Request{ID: id, Cmd: cmd}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return Request{}, fmt.Errorf("failed to marshal %s args: %w", cmd, err)
		}
		req.Args = raw
	}
	return req, nil
}

// DecodeRequest parses a command frame. Failures are transport errors.
func DecodeRequest(frame []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return Request{}, Transportf("invalid request: %v", err)
	}
	if req.Cmd == "" {
		return req, Transportf("request %q has no command", req.ID)
	}
	return req, nil
}

// Bind unmarshals the request arguments into v.
func (r Request) Bind(v any) error {
	if len(r.Args) == 0 {
		return Transportf("%s: missing arguments", r.Cmd)
	}
	if err := json.Unmarshal(r.Args, v); err != nil {
		return Transportf("%s: invalid arguments: %v", r.Cmd, err)
	}
	return nil
}

// Reply answers a Request with the same ID.
type Reply struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Value json.RawMessage `json:"value,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// OKReply builds a successful reply.
func OKReply(id string, value any) Reply {
	raw, err := json.Marshal(value)
	if err != nil {
		return ErrorReply(id, fmt.Errorf("failed to marshal reply: %w", err))
	}
	return Reply{ID: id, OK: true, Value: raw}
}

// ErrorReply builds a failed reply.
func ErrorReply(id string, err error) Reply {
	return Reply{ID: id, OK: false, Error: FromError(err)}
}

// Decode unmarshals a successful reply's value into v, or returns the reply error.
func (r Reply) Decode(v any) error {
	if !r.OK {
		if r.Error == nil {
			return Transportf("reply %q failed without error", r.ID)
		}
		return r.Error
	}
	if v == nil || len(r.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Value, v); err != nil {
		return Transportf("invalid reply value: %v", err)
	}
	return nil
}

// Resource is a container or asset in a reply, along with its absolute path.
type Resource struct {
	Type      resource.Kind       `json:"type"`
	Path      string              `json:"path,omitempty"`
	Container *resource.Container `json:"container,omitempty"`
	Asset     *resource.Asset     `json:"asset,omitempty"`
}

// ID returns the ID of the carried resource.
func (r Resource) ID() resource.ID {
	if r.Container != nil {
		return r.Container.ID
	}
	if r.Asset != nil {
		return r.Asset.ID
	}
	return resource.Nil
}

// Properties returns the properties of the carried resource.
func (r Resource) Properties() resource.Properties {
	if r.Container != nil {
		return r.Container.Properties
	}
	if r.Asset != nil {
		return r.Asset.Properties
	}
	return resource.Properties{}
}

// WrapResource converts a store resource into its reply form.
func WrapResource(r resource.Resource, path string) Resource {
	out := Resource{Type: r.ResourceKind(), Path: path}
	switch v := r.(type) {
	case *resource.Container:
		out.Container = v
	case *resource.Asset:
		out.Asset = v
	}
	return out
}

// IDArgs names one resource.
type IDArgs struct {
	ID resource.ID `json:"id"`
}

// IDsArgs names several resources.
type IDsArgs struct {
	IDs []resource.ID `json:"ids"`
}

// PathArgs names a path.
type PathArgs struct {
	Path string `json:"path"`
}

// UpdatePropertiesArgs replaces the properties of one resource.
type UpdatePropertiesArgs struct {
	ID         resource.ID         `json:"id"`
	Properties resource.Properties `json:"properties"`
}

// BulkUpdatePropertiesArgs applies one update to several resources.
type BulkUpdatePropertiesArgs struct {
	IDs    []resource.ID             `json:"ids"`
	Update resource.PropertiesUpdate `json:"update"`
}

// BulkUpdateResult reports per-ID outcomes of a bulk update.
type BulkUpdateResult struct {
	Updated  []resource.ID `json:"updated"`
	NotFound []resource.ID `json:"not_found"`

	// Failed maps IDs whose change could not be persisted to the failure.
	Failed map[string]*Error `json:"failed,omitempty"`
}

// FindArgs searches below Root, or everywhere when Root is nil.
type FindArgs struct {
	Root   resource.ID     `json:"root"`
	Filter resource.Filter `json:"filter"`
}

// AssetAction selects how AddAssets brings a file into a container.
type AssetAction string

const (
	ActionCopy AssetAction = "copy"
	ActionMove AssetAction = "move"
)

// AssetSource is one file to add.
type AssetSource struct {
	Path   string      `json:"path"`
	Action AssetAction `json:"action,omitempty"`
}

// AddAssetsArgs adds files to a container.
type AddAssetsArgs struct {
	Container resource.ID   `json:"container"`
	Assets    []AssetSource `json:"assets"`
}

// AddAssetsResult reports the assets created by AddAssets.
type AddAssetsResult struct {
	Added []*resource.Asset `json:"added"`

	// Failed maps source paths that could not be added to the failure.
	Failed map[string]*Error `json:"failed,omitempty"`
}

// NewChildArgs creates a child container.
type NewChildArgs struct {
	Parent resource.ID `json:"parent"`
	Name   string      `json:"name"`
}

// UpdateAnalysesArgs replaces a container's analysis associations.
type UpdateAnalysesArgs struct {
	ID       resource.ID                    `json:"id"`
	Analyses []resource.AnalysisAssociation `json:"analyses"`
}

// UpdatesSinceArgs requests journaled updates after Seq, or after Since when Seq is zero.
// A nil Project selects every topic.
type UpdatesSinceArgs struct {
	Seq     int64       `json:"seq,omitempty"`
	Since   time.Time   `json:"since,omitempty"`
	Project resource.ID `json:"project"`
	Limit   int         `json:"limit,omitempty"`
}

// JournaledUpdate is an update with its journal sequence number.
type JournaledUpdate struct {
	Seq    int64  `json:"seq"`
	Update Update `json:"update"`
}

// Health is the body of the health endpoint.
type Health struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Projects    int    `json:"projects"`
	Subscribers int    `json:"subscribers"`
}
