// Package publish fans updates out to subscribers by topic.
//
// Updates are published without blocking: the publisher queues them on a buffered
// channel and a single loop encodes each one once and hands the frame to every
// subscriber whose topic prefix matches. A subscriber whose buffer is full misses
// the frame; delivery is best effort and clients catch up through the journal.
package publish

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/projgraph/syncd/internal/protocol"
)

// Config holds publisher configuration.
type Config struct {
	// Queue is the number of updates buffered before Publish starts dropping (default: 100).
	Queue int

	// SubscriberBuffer is the number of frames buffered per subscriber (default: 64).
	SubscriberBuffer int

	// WriteTimeout bounds a single websocket write (default: 5s).
	WriteTimeout time.Duration

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Queue:            100,
		SubscriberBuffer: 64,
		WriteTimeout:     5 * time.Second,
		Logger:           log.New(os.Stderr, "[publish] ", log.LstdFlags),
	}
}

// Subscription receives the frames of one topic prefix.
type Subscription struct {
	prefix  string
	frames  chan []byte
	dropped atomic.Int64
	once    sync.Once
}

// Frames returns the channel of encoded frames. It is closed on Unsubscribe or when
// the publisher stops.
func (s *Subscription) Frames() <-chan []byte {
	return s.frames
}

// Prefix returns the topic prefix of the subscription.
func (s *Subscription) Prefix() string {
	return s.prefix
}

// Dropped returns the number of frames this subscriber missed.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.frames) })
}

// Publisher is the publish actor.
type Publisher struct {
	config *Config
	logger *log.Logger

	subs   map[*Subscription]bool
	subsMu sync.RWMutex

	queue chan protocol.Update

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup

	published atomic.Int64
	dropped   atomic.Int64
}

// New creates a publisher.
func New(config *Config) *Publisher {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Queue <= 0 {
		config.Queue = defaults.Queue
	}
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = defaults.SubscriberBuffer
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Publisher{
		config: config,
		logger: config.Logger,
		subs:   make(map[*Subscription]bool),
		queue:  make(chan protocol.Update, config.Queue),
	}
}

// Start launches the broadcast loop.
func (p *Publisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("publisher already running")
	}
	p.done = make(chan struct{})
	p.running = true

	p.wg.Add(1)
	go p.broadcastLoop(p.done)
	return nil
}

// Stop ends the broadcast loop and closes every subscription.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()

	p.subsMu.Lock()
	for sub := range p.subs {
		sub.close()
		delete(p.subs, sub)
	}
	p.subsMu.Unlock()
	return nil
}

// IsRunning reports whether the broadcast loop is active.
func (p *Publisher) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Publish queues an update. It never blocks; when the queue is full the update is dropped.
func (p *Publisher) Publish(u protocol.Update) {
	select {
	case p.queue <- u:
	default:
		p.dropped.Add(1)
		p.logger.Printf("Warning: publish queue full, dropping %s update", u.Kind)
	}
}

// Subscribe registers a subscriber for every topic starting with prefix.
// An empty prefix receives everything.
func (p *Publisher) Subscribe(prefix string) *Subscription {
	sub := &Subscription{
		prefix: prefix,
		frames: make(chan []byte, p.config.SubscriberBuffer),
	}

	p.subsMu.Lock()
	p.subs[sub] = true
	p.subsMu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (p *Publisher) Unsubscribe(sub *Subscription) {
	p.subsMu.Lock()
	if p.subs[sub] {
		delete(p.subs, sub)
		sub.close()
	}
	p.subsMu.Unlock()
}

// SubscriberCount returns the number of active subscriptions.
func (p *Publisher) SubscriberCount() int {
	p.subsMu.RLock()
	defer p.subsMu.RUnlock()
	return len(p.subs)
}

// Stats returns the number of delivered-to-loop updates and updates dropped at the queue.
func (p *Publisher) Stats() (published, dropped int64) {
	return p.published.Load(), p.dropped.Load()
}

func (p *Publisher) broadcastLoop(done <-chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case <-done:
			return
		case u := <-p.queue:
			p.fanOut(u)
		}
	}
}

func (p *Publisher) fanOut(u protocol.Update) {
	frame, err := protocol.EncodeFrame(u)
	if err != nil {
		p.logger.Printf("Failed to encode update: %v", err)
		return
	}
	p.published.Add(1)
	topic := u.Topic()

	// the read lock also orders sends before a concurrent close in Unsubscribe
	p.subsMu.RLock()
	defer p.subsMu.RUnlock()
	for sub := range p.subs {
		if !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.frames <- frame:
		default:
			if sub.dropped.Add(1) == 1 {
				p.logger.Printf("Warning: subscriber %q is slow, dropping frames", sub.prefix)
			}
		}
	}
}

// ServeHTTP streams frames to a websocket client. The topic prefix is taken from the
// "topic" query parameter.
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		p.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	sub := p.Subscribe(r.URL.Query().Get("topic"))
	p.logger.Printf("Subscriber connected on %q (total: %d)", sub.prefix, p.SubscriberCount())

	// subscribers never send; reading detects the disconnect
	ctx := conn.CloseRead(r.Context())

	defer func() {
		p.Unsubscribe(sub)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		p.logger.Printf("Subscriber disconnected (total: %d)", p.SubscriberCount())
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sub.frames:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := p.write(ctx, conn, frame); err != nil {
				p.logger.Printf("Failed to send to subscriber: %v", err)
				return
			}
		}
	}
}

func (p *Publisher) write(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}
