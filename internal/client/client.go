// Package client talks to a running sync daemon over its websocket endpoints.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/mod/semver"

	"github.com/projgraph/syncd/internal/graph"
	"github.com/projgraph/syncd/internal/protocol"
	"github.com/projgraph/syncd/internal/resource"
)

// ErrIncompatible is returned when the daemon speaks a different major protocol version.
var ErrIncompatible = errors.New("incompatible protocol version")

// Client sends commands to the daemon. Commands on one client are sent one at a time.
type Client struct {
	addr string
	http *http.Client

	mu   sync.Mutex
	conn *websocket.Conn
	seq  atomic.Int64
}

// Dial connects to the daemon at addr (host:port) and checks its protocol version.
func Dial(ctx context.Context, addr string) (*Client, error) {
	c := &Client{
		addr: addr,
		http: &http.Client{Timeout: 5 * time.Second},
	}

	h, err := c.Health(ctx)
	if err != nil {
		return nil, err
	}
	if err := CheckVersion(h.Version); err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, c.url("ws", "/command", nil), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	conn.SetReadLimit(64 << 20)
	c.conn = conn
	return c, nil
}

// CheckVersion reports whether a daemon speaking version is usable by this client.
func CheckVersion(version string) error {
	if !semver.IsValid(version) {
		return fmt.Errorf("daemon reported invalid version %q: %w", version, ErrIncompatible)
	}
	if semver.Major(version) != semver.Major(protocol.Version) {
		return fmt.Errorf("daemon speaks %s, client speaks %s: %w", version, protocol.Version, ErrIncompatible)
	}
	return nil
}

func (c *Client) url(scheme, path string, query url.Values) string {
	u := url.URL{Scheme: scheme, Host: c.addr, Path: path}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// Close closes the command connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.conn = nil
	return err
}

// Health fetches the daemon's health endpoint.
func (c *Client) Health(ctx context.Context) (protocol.Health, error) {
	var h protocol.Health
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("http", "/health", nil), nil)
	if err != nil {
		return h, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return h, fmt.Errorf("daemon not reachable at %s: %w", c.addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return h, fmt.Errorf("health check failed: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return h, fmt.Errorf("invalid health response: %w", err)
	}
	return h, nil
}

// Do sends one command and decodes the reply value into out. Command failures are
// returned as *protocol.Error.
func (c *Client) Do(ctx context.Context, cmd string, args, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return protocol.Transportf("client closed")
	}

	req, err := protocol.NewRequest(strconv.FormatInt(c.seq.Add(1), 10), cmd, args)
	if err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", cmd, err)
	}

	_, frame, err := c.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read %s reply: %w", cmd, err)
	}
	var reply protocol.Reply
	if err := json.Unmarshal(frame, &reply); err != nil {
		return protocol.Transportf("invalid reply: %v", err)
	}
	if reply.ID != req.ID {
		return protocol.Transportf("reply %q does not answer request %q", reply.ID, req.ID)
	}
	return reply.Decode(out)
}

// ListProjects returns the open projects.
func (c *Client) ListProjects(ctx context.Context) ([]resource.Project, error) {
	var out []resource.Project
	err := c.Do(ctx, protocol.CmdListProjects, nil, &out)
	return out, err
}

// LoadProject opens the project folder at path.
func (c *Client) LoadProject(ctx context.Context, path string) (protocol.ProjectLoadedData, error) {
	var out protocol.ProjectLoadedData
	err := c.Do(ctx, protocol.CmdLoadProject, protocol.PathArgs{Path: path}, &out)
	return out, err
}

// UnloadProject closes a project.
func (c *Client) UnloadProject(ctx context.Context, project resource.ID) error {
	return c.Do(ctx, protocol.CmdUnloadProject, protocol.IDArgs{ID: project}, nil)
}

// Graph returns a snapshot of a project's graph.
func (c *Client) Graph(ctx context.Context, project resource.ID) (*graph.Graph, error) {
	g := &graph.Graph{}
	if err := c.Do(ctx, protocol.CmdGraph, protocol.IDArgs{ID: project}, g); err != nil {
		return nil, err
	}
	return g, nil
}

// Get returns a resource with its path.
func (c *Client) Get(ctx context.Context, id resource.ID) (protocol.Resource, error) {
	var out protocol.Resource
	err := c.Do(ctx, protocol.CmdGet, protocol.IDArgs{ID: id}, &out)
	return out, err
}

// GetByPath returns the resource at an absolute path.
func (c *Client) GetByPath(ctx context.Context, path string) (protocol.Resource, error) {
	var out protocol.Resource
	err := c.Do(ctx, protocol.CmdGetByPath, protocol.PathArgs{Path: path}, &out)
	return out, err
}

// UpdatesSince reads journaled updates.
func (c *Client) UpdatesSince(ctx context.Context, args protocol.UpdatesSinceArgs) ([]protocol.JournaledUpdate, error) {
	var out []protocol.JournaledUpdate
	err := c.Do(ctx, protocol.CmdUpdatesSince, args, &out)
	return out, err
}

// Subscription streams updates of one topic prefix.
type Subscription struct {
	conn    *websocket.Conn
	updates chan Message
	done    chan struct{}
	err     error
}

// Message is a received update with the topic it was published on.
type Message struct {
	Topic  string
	Update protocol.Update
}

// Subscribe opens an update stream for every topic starting with prefix.
// An empty prefix receives everything.
func (c *Client) Subscribe(ctx context.Context, prefix string) (*Subscription, error) {
	conn, _, err := websocket.Dial(ctx, c.url("ws", "/updates", url.Values{"topic": {prefix}}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %q: %w", prefix, err)
	}
	conn.SetReadLimit(64 << 20)

	s := &Subscription{
		conn:    conn,
		updates: make(chan Message, 64),
		done:    make(chan struct{}),
	}
	go s.readLoop(ctx)
	return s, nil
}

func (s *Subscription) readLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.updates)
	for {
		_, frame, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.err = err
			}
			return
		}
		topic, u, err := protocol.DecodeFrame(frame)
		if err != nil {
			s.err = err
			return
		}
		select {
		case s.updates <- Message{Topic: topic, Update: u}:
		case <-ctx.Done():
			s.err = ctx.Err()
			return
		}
	}
}

// Updates returns the stream. It is closed when the connection ends.
func (s *Subscription) Updates() <-chan Message {
	return s.updates
}

// Err returns why the stream ended, once Updates is closed.
func (s *Subscription) Err() error {
	<-s.done
	return s.err
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
