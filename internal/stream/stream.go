package stream

import (
	"context"
	"sync"
	"time"
)

// Table names carried on change notifications.
const (
	TableSubscriptions = "subscriptions"
	TablePlanFeatures  = "plan_features"
	TableProfiles      = "profiles"
)

// Change signals that a row owned by UserID changed. It is a refresh trigger
// only; consumers reload full state instead of trusting the payload.
type Change struct {
	UserID string    `json:"user_id"`
	Table  string    `json:"table"`
	At     time.Time `json:"at"`
}

type subscriber struct {
	userID string
	ch     chan Change
}

// Hub fans changes out to subscribers filtered by user. Slow subscribers
// lose notifications instead of blocking publishers.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
	size int
}

// New returns an empty hub whose subscriber channels buffer bufSize changes.
func New(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 16
	}
	return &Hub{subs: make(map[int]subscriber), size: bufSize}
}

// Subscribe registers a subscriber for userID. An empty userID receives every
// change. The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, userID string) <-chan Change {
	ch := make(chan Change, h.size)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscriber{userID: userID, ch: ch}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish delivers c to every matching subscriber without blocking.
func (h *Hub) Publish(c Change) {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.userID != "" && s.userID != c.UserID {
			continue
		}
		select {
		case s.ch <- c:
		default:
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
