package local

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/projgraph/syncd/internal/pathutil"
	"github.com/projgraph/syncd/internal/resource"
)

func newTestAdapter() *Adapter {
	return NewAdapter(log.New(io.Discard, "", 0))
}

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestSaveLoadContainer_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	a := newTestAdapter()

	c := resource.NewContainer("sample")
	c.Properties.Kind = "batch"
	c.Properties.Description = "first run"
	c.Properties.Tags = []string{"raw", "2024"}
	c.Properties.Metadata = map[string]any{"temperature": 21.5, "operator": "lab"}
	c.Analyses = []resource.AnalysisAssociation{{Analysis: resource.NewID(), Autorun: true, Priority: 2}}

	if err := a.SaveContainer(dir, c); err != nil {
		t.Fatalf("SaveContainer() failed: %v", err)
	}

	loaded, assets, err := a.LoadContainer(dir)
	if err != nil {
		t.Fatalf("LoadContainer() failed: %v", err)
	}
	if loaded.ID != c.ID {
		t.Errorf("ID = %s, want %s", loaded.ID, c.ID)
	}
	if !loaded.Properties.Equal(c.Properties) {
		t.Errorf("properties changed on round trip:\n got %+v\nwant %+v", loaded.Properties, c.Properties)
	}
	if len(loaded.Analyses) != 1 || loaded.Analyses[0] != c.Analyses[0] {
		t.Errorf("analyses = %+v, want %+v", loaded.Analyses, c.Analyses)
	}
	if len(assets) != 0 {
		t.Errorf("expected no assets, got %d", len(assets))
	}

	settings, err := a.LoadSettings(dir)
	if err != nil {
		t.Fatalf("LoadSettings() failed: %v", err)
	}
	if settings.Version != SettingsVersion {
		t.Errorf("settings version = %d, want %d", settings.Version, SettingsVersion)
	}
}

func TestLoadTree_InitializesFolders(t *testing.T) {
	root := t.TempDir()
	mustMkdir(t, filepath.Join(root, "child", "grandchild"))
	mustMkdir(t, filepath.Join(root, ".hidden"))
	mustWrite(t, filepath.Join(root, "top.csv"))
	mustWrite(t, filepath.Join(root, ".DS_Store"))
	mustWrite(t, filepath.Join(root, "child", "a.txt"))

	a := newTestAdapter()
	g, err := a.LoadTree(root, nil)
	if err != nil {
		t.Fatalf("LoadTree() failed: %v", err)
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("loaded graph invalid: %v", err)
	}

	if g.Len() != 3 {
		t.Errorf("expected 3 containers, got %d", g.Len())
	}
	if n := len(g.AssetIDs()); n != 2 {
		t.Errorf("expected 2 assets, got %d", n)
	}

	for _, dir := range []string{root, filepath.Join(root, "child"), filepath.Join(root, "child", "grandchild")} {
		if !IsContainerFolder(dir) {
			t.Errorf("%s was not initialized as a container", dir)
		}
	}
	if IsContainerFolder(filepath.Join(root, ".hidden")) {
		t.Error("hidden folder should not be initialized")
	}
}

func TestLoadTree_ReusesExistingIDs(t *testing.T) {
	root := t.TempDir()
	mustMkdir(t, filepath.Join(root, "child"))
	mustWrite(t, filepath.Join(root, "child", "a.txt"))

	a := newTestAdapter()
	first, err := a.LoadTree(root, nil)
	if err != nil {
		t.Fatalf("LoadTree() failed: %v", err)
	}
	second, err := a.LoadTree(root, nil)
	if err != nil {
		t.Fatalf("LoadTree() failed: %v", err)
	}

	if first.Root() != second.Root() {
		t.Errorf("root id changed across loads: %s vs %s", first.Root(), second.Root())
	}
	if first.AssetIDs()[0] != second.AssetIDs()[0] {
		t.Error("asset id changed across loads")
	}
}

func TestLoadTree_RegeneratesConflictingIDs(t *testing.T) {
	root := t.TempDir()
	a := newTestAdapter()

	// Two folders carrying the same container file, as after a copy.
	shared := resource.NewContainer("orig")
	for _, name := range []string{"one", "two"} {
		dir := filepath.Join(root, name)
		mustMkdir(t, dir)
		if err := a.SaveContainer(dir, shared); err != nil {
			t.Fatalf("SaveContainer() failed: %v", err)
		}
	}

	g, err := a.LoadTree(root, nil)
	if err != nil {
		t.Fatalf("LoadTree() failed: %v", err)
	}
	if g.Len() != 3 {
		t.Fatalf("expected 3 containers, got %d", g.Len())
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("loaded graph invalid: %v", err)
	}

	taken := func(id resource.ID) bool { return id == shared.ID }
	again, err := a.LoadTree(filepath.Join(root, "one"), taken)
	if err != nil {
		t.Fatalf("LoadTree() failed: %v", err)
	}
	if again.Root() == shared.ID {
		t.Error("id claimed by the caller should have been regenerated")
	}
}

func TestLoadTree_DropsMissingAssets(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "keep.txt"))
	mustWrite(t, filepath.Join(root, "gone.txt"))

	a := newTestAdapter()
	if _, err := a.LoadTree(root, nil); err != nil {
		t.Fatalf("LoadTree() failed: %v", err)
	}
	if err := os.Remove(filepath.Join(root, "gone.txt")); err != nil {
		t.Fatalf("Failed to remove file: %v", err)
	}

	g, err := a.LoadTree(root, nil)
	if err != nil {
		t.Fatalf("LoadTree() failed: %v", err)
	}
	ids := g.AssetIDs()
	if len(ids) != 1 {
		t.Fatalf("expected 1 asset, got %d", len(ids))
	}
	asset, _ := g.Asset(ids[0])
	if asset.Path != "keep.txt" {
		t.Errorf("asset path = %q, want keep.txt", asset.Path)
	}

	assets, err := a.LoadAssets(root)
	if err != nil {
		t.Fatalf("LoadAssets() failed: %v", err)
	}
	if len(assets) != 1 {
		t.Errorf("manifest should have been rewritten with 1 entry, has %d", len(assets))
	}
}

func TestInitProject(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "proj")
	a := newTestAdapter()

	p, err := a.InitProject(dir, "Demo")
	if err != nil {
		t.Fatalf("InitProject() failed: %v", err)
	}
	if !IsContainerFolder(DataRootPath(p)) {
		t.Error("data root should be a container")
	}

	loaded, err := a.LoadProject(dir)
	if err != nil {
		t.Fatalf("LoadProject() failed: %v", err)
	}
	if loaded.ID != p.ID || loaded.Name != "Demo" || loaded.DataRoot != DefaultDataRoot {
		t.Errorf("loaded project = %+v, want %+v", loaded, p)
	}

	if _, err := a.InitProject(dir, "Again"); err == nil {
		t.Error("InitProject() on an existing project should fail")
	}
}

func TestManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "projects.json")

	entries, err := ReadManifest(path)
	if err != nil {
		t.Fatalf("ReadManifest() on missing file failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty manifest, got %v", entries)
	}

	changed, err := AddToManifest(path, "/p/one")
	if err != nil || !changed {
		t.Fatalf("AddToManifest() = %v, %v", changed, err)
	}
	changed, err = AddToManifest(path, "/p/one")
	if err != nil || changed {
		t.Fatalf("AddToManifest() duplicate = %v, %v", changed, err)
	}

	changed, err = RemoveFromManifest(path, "/p/one")
	if err != nil || !changed {
		t.Fatalf("RemoveFromManifest() = %v, %v", changed, err)
	}
	entries, _ = ReadManifest(path)
	if len(entries) != 0 {
		t.Errorf("expected empty manifest, got %v", entries)
	}

	if pathutil.IsReserved(path) {
		t.Error("manifest path should not be reserved")
	}
}
