package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/projgraph/syncd/internal/pathutil"
	"github.com/projgraph/syncd/internal/resource"
)

// File names inside a container's reserved folder.
const (
	ContainerFile = "container.json"
	SettingsFile  = "settings.json"
	AssetsFile    = "assets.json"
)

// SettingsVersion is written to new settings files.
const SettingsVersion = 1

// ContainerRecord is the on-disk form of a container's properties file.
type ContainerRecord struct {
	ID         resource.ID                    `json:"id"`
	Properties resource.Properties            `json:"properties"`
	Analyses   []resource.AnalysisAssociation `json:"analyses,omitempty"`
}

// Settings is the on-disk form of a container's settings file.
type Settings struct {
	Version int `json:"version"`
}

// AssetRecord is one entry of a container's asset manifest.
type AssetRecord struct {
	ID         resource.ID         `json:"id"`
	Properties resource.Properties `json:"properties"`
	Path       string              `json:"path"`
}

// Adapter reads and writes the on-disk representation of resources.
type Adapter struct {
	logger *log.Logger
}

// NewAdapter creates an adapter. Warnings about skipped entries go to logger.
func NewAdapter(logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.New(os.Stderr, "[local] ", log.LstdFlags)
	}
	return &Adapter{logger: logger}
}

// ReservedPath returns the path of a file inside a container's reserved folder.
func ReservedPath(dir, name string) string {
	return filepath.Join(dir, pathutil.ReservedDir, name)
}

// IsContainerFolder reports whether dir already carries a container properties file.
func IsContainerFolder(dir string) bool {
	info, err := os.Stat(ReservedPath(dir, ContainerFile))
	return err == nil && !info.IsDir()
}

// LoadContainer reads a container and its asset manifest from dir.
// The container's Assets list and each asset's back-reference are filled in;
// Parent and Children are left for the graph to set.
func (a *Adapter) LoadContainer(dir string) (*resource.Container, []*resource.Asset, error) {
	var rec ContainerRecord
	if err := readJSON(ReservedPath(dir, ContainerFile), &rec); err != nil {
		return nil, nil, err
	}
	if rec.ID == resource.Nil {
		return nil, nil, fmt.Errorf("invalid container file in %s: id is required", dir)
	}

	c := &resource.Container{
		ID:         rec.ID,
		Properties: rec.Properties,
		Analyses:   rec.Analyses,
	}

	assets, err := a.LoadAssets(dir)
	if err != nil {
		return nil, nil, err
	}
	for _, asset := range assets {
		asset.Container = c.ID
		c.Assets = append(c.Assets, asset.ID)
	}
	return c, assets, nil
}

// LoadAssets reads the asset manifest of dir. A missing manifest is an empty one.
func (a *Adapter) LoadAssets(dir string) ([]*resource.Asset, error) {
	var records []AssetRecord
	if err := readJSON(ReservedPath(dir, AssetsFile), &records); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	assets := make([]*resource.Asset, 0, len(records))
	for _, r := range records {
		if r.ID == resource.Nil || r.Path == "" {
			a.logger.Printf("Warning: skipping invalid asset entry in %s", dir)
			continue
		}
		assets = append(assets, &resource.Asset{
			ID:         r.ID,
			Properties: r.Properties,
			Path:       filepath.FromSlash(r.Path),
		})
	}
	return assets, nil
}

// SaveContainer writes the container's properties file, creating the reserved
// folder and a settings file if they do not exist yet.
func (a *Adapter) SaveContainer(dir string, c *resource.Container) error {
	if err := os.MkdirAll(filepath.Join(dir, pathutil.ReservedDir), 0755); err != nil {
		return fmt.Errorf("failed to create reserved folder in %s: %w", dir, err)
	}

	settings := ReservedPath(dir, SettingsFile)
	if _, err := os.Stat(settings); errors.Is(err, fs.ErrNotExist) {
		if err := writeJSON(settings, Settings{Version: SettingsVersion}); err != nil {
			return err
		}
	}

	rec := ContainerRecord{
		ID:         c.ID,
		Properties: c.Properties,
		Analyses:   c.Analyses,
	}
	return writeJSON(ReservedPath(dir, ContainerFile), rec)
}

// SaveAssets writes the asset manifest of dir.
func (a *Adapter) SaveAssets(dir string, assets []*resource.Asset) error {
	if err := os.MkdirAll(filepath.Join(dir, pathutil.ReservedDir), 0755); err != nil {
		return fmt.Errorf("failed to create reserved folder in %s: %w", dir, err)
	}

	records := make([]AssetRecord, 0, len(assets))
	for _, asset := range assets {
		records = append(records, AssetRecord{
			ID:         asset.ID,
			Properties: asset.Properties,
			Path:       filepath.ToSlash(asset.Path),
		})
	}
	return writeJSON(ReservedPath(dir, AssetsFile), records)
}

// LoadSettings reads the settings file of dir.
func (a *Adapter) LoadSettings(dir string) (*Settings, error) {
	var s Settings
	if err := readJSON(ReservedPath(dir, SettingsFile), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
