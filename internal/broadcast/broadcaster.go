package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/searchbroker/searchbroker/internal/model"
)

// Snapshot is one push payload: summary counters, the key list (secrets are
// masked by their JSON tags) and the most recent audit entries.
type Snapshot struct {
	Summary     *model.Summary     `json:"summary"`
	Keys        []model.APIKey     `json:"keys"`
	RecentLogs  []model.RequestLog `json:"recent_logs"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// BuildFunc assembles a snapshot from the live components.
type BuildFunc func() (*Snapshot, error)

// Broadcaster fans out state snapshots to SSE subscribers. It is purely an
// optimization over the pull API: no subscriber, a full buffer or a build
// failure never affects request handling, and every datum stays queryable
// through the regular endpoints.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan *Snapshot]struct{}
	notify chan struct{}

	build    BuildFunc
	interval time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// New builds a broadcaster that coalesces notifications to at most one
// snapshot per interval.
func New(build BuildFunc, interval time.Duration, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		subs:     make(map[chan *Snapshot]struct{}),
		notify:   make(chan struct{}, 1),
		build:    build,
		interval: interval,
		logger:   logger.With("component", "broadcast"),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the fan-out loop.
func (b *Broadcaster) Start() {
	go b.loop()
}

// Subscribe registers a listener. The returned cancel func must be called
// when the listener goes away.
func (b *Broadcaster) Subscribe() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, 4)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	// Wake the loop so a fresh subscriber gets a snapshot promptly.
	b.Notify()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Notify signals that state changed. Non-blocking; bursts coalesce into the
// next tick.
func (b *Broadcaster) Notify() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// SubscriberCount returns the number of connected listeners.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) loop() {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	pending := false
	for {
		select {
		case <-b.notify:
			pending = true
		case <-ticker.C:
			if !pending {
				continue
			}
			pending = false
			b.push()
		case <-b.stopChan:
			return
		}
	}
}

// push builds one snapshot and fans it out. Slow subscribers with a full
// buffer are skipped, never blocked on.
func (b *Broadcaster) push() {
	if b.SubscriberCount() == 0 {
		return
	}

	snapshot, err := b.build()
	if err != nil {
		b.logger.Warn("Failed to build snapshot, subscribers will fall back to polling", "error", err)
		return
	}

	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- snapshot:
		default:
			b.logger.Debug("Dropping snapshot for slow subscriber")
		}
	}
	b.mu.Unlock()
}

// Close stops the fan-out loop and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.stopOnce.Do(func() {
		close(b.stopChan)
		<-b.done
		b.mu.Lock()
		for ch := range b.subs {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	})
}
