package client

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/projgraph/syncd/internal/local"
	"github.com/projgraph/syncd/internal/protocol"
	"github.com/projgraph/syncd/internal/server"
)

func startDaemon(t *testing.T) *server.Server {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	config := server.DefaultConfig(t.TempDir())
	config.Addr = "127.0.0.1:0"
	config.Logger = quiet
	config.Loggers = func(string) *log.Logger { return quiet }

	s, err := server.New(config)
	if err != nil {
		t.Fatalf("server.New() failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		version string
		wantErr bool
	}{
		{protocol.Version, false},
		{"v1.0.0", false},
		{"v1.99.3", false},
		{"v2.0.0", true},
		{"v0.9.0", true},
		{"1.2.0", true},
		{"", true},
	}

	for _, tt := range tests {
		err := CheckVersion(tt.version)
		if tt.wantErr && !errors.Is(err, ErrIncompatible) {
			t.Errorf("CheckVersion(%q) = %v, want ErrIncompatible", tt.version, err)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("CheckVersion(%q) = %v, want nil", tt.version, err)
		}
	}
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := Dial(ctx, "127.0.0.1:1"); err == nil {
		t.Error("Expected error dialing a closed port")
	}
}

func TestClient_CommandsAndSubscription(t *testing.T) {
	s := startDaemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := Dial(ctx, s.Addr())
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer c.Close()

	p, err := local.NewAdapter(log.New(io.Discard, "", 0)).InitProject(filepath.Join(t.TempDir(), "demo"), "demo")
	if err != nil {
		t.Fatalf("InitProject() failed: %v", err)
	}

	sub, err := c.Subscribe(ctx, protocol.AppTopic)
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	defer sub.Close()

	// the subscription is registered asynchronously by the server
	deadline := time.Now().Add(2 * time.Second)
	for s.Publisher().SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	loaded, err := c.LoadProject(ctx, p.Path)
	if err != nil {
		t.Fatalf("LoadProject() failed: %v", err)
	}

	select {
	case msg := <-sub.Updates():
		if msg.Topic != protocol.AppTopic || msg.Update.Kind != protocol.AppProjectManifest {
			t.Errorf("Got %s on %q, want %s", msg.Update.Kind, msg.Topic, protocol.AppProjectManifest)
		}
	case <-ctx.Done():
		t.Fatal("Timed out waiting for manifest update")
	}

	projects, err := c.ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects() failed: %v", err)
	}
	if len(projects) != 1 || projects[0].ID != p.ID {
		t.Errorf("ListProjects() = %+v, want the loaded project", projects)
	}

	g, err := c.Graph(ctx, p.ID)
	if err != nil {
		t.Fatalf("Graph() failed: %v", err)
	}
	if g.Root() != loaded.Root {
		t.Errorf("Graph root = %s, want %s", g.Root(), loaded.Root)
	}

	root, err := c.Get(ctx, loaded.Root)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if root.Path != local.DataRootPath(p) {
		t.Errorf("root path = %q, want %q", root.Path, local.DataRootPath(p))
	}

	journaled, err := c.UpdatesSince(ctx, protocol.UpdatesSinceArgs{})
	if err != nil {
		t.Fatalf("UpdatesSince() failed: %v", err)
	}
	if len(journaled) != 2 {
		t.Errorf("UpdatesSince() returned %d updates, want 2", len(journaled))
	}

	if err := c.UnloadProject(ctx, p.ID); err != nil {
		t.Fatalf("UnloadProject() failed: %v", err)
	}
	_, err = c.Get(ctx, loaded.Root)
	var perr *protocol.Error
	if !errors.As(err, &perr) || perr.Kind != protocol.KindNotFound {
		t.Errorf("Get() after unload = %v, want NotFound", err)
	}
}

func TestClient_Closed(t *testing.T) {
	s := startDaemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, s.Addr())
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
	if _, err := c.ListProjects(ctx); !errors.Is(err, protocol.ErrTransport) {
		t.Errorf("ListProjects() on closed client = %v, want transport failure", err)
	}
}
