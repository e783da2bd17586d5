// Package events fans coordinator happenings out to SSE spectators,
// with a rolling buffer replaying the recent past to new connections.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type tags an event envelope.
type Type string

const (
	TypeConnected      Type = "connected"
	TypeAgentJoined    Type = "agent_joined"
	TypeAgentEvicted   Type = "agent_evicted"
	TypeGameResult     Type = "game_result"
	TypeTrashTalk      Type = "trash_talk"
	TypeAgentDesperate Type = "agent_desperate"
	TypeDonation       Type = "donation"
)

// Event is the envelope every SSE frame carries.
type Event struct {
	Type      Type        `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// DefaultReplay is how much history new spectators receive.
const DefaultReplay = 15 * time.Minute

const subscriberBuffer = 64

// Bus is an in-memory publish/subscribe hub. Slow subscribers lose
// frames rather than block publishers.
type Bus struct {
	replay time.Duration
	log    *zap.Logger

	mu     sync.Mutex
	subs   map[chan Event]struct{}
	buffer []Event
	now    func() time.Time
}

func NewBus(replay time.Duration, log *zap.Logger) *Bus {
	return &Bus{
		replay: replay,
		log:    log,
		subs:   make(map[chan Event]struct{}),
		now:    time.Now,
	}
}

// Publish stamps an event, appends it to the replay buffer and hands it
// to every subscriber.
func (b *Bus) Publish(t Type, data interface{}) {
	b.mu.Lock()
	ev := Event{Type: t, Data: data, Timestamp: b.now().UnixMilli()}
	b.buffer = append(b.buffer, ev)
	b.prune()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default: // subscriber not draining, drop the frame
		}
	}
	n := len(b.subs)
	b.mu.Unlock()

	b.log.Debug("event published",
		zap.String("type", string(t)),
		zap.Int("subscribers", n))
}

// Subscribe registers a listener and returns the replay backlog. The
// returned cancel must be called when the listener goes away; it is
// safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, []Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.prune()
	backlog := make([]Event, len(b.buffer))
	copy(backlog, b.buffer)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// Publish only sends while holding mu, so closing under
			// the same lock cannot race a send.
			b.mu.Lock()
			delete(b.subs, ch)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, backlog, cancel
}

// Subscribers reports the number of connected listeners.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// prune drops buffered events older than the replay window. Callers
// must hold mu.
func (b *Bus) prune() {
	cutoff := b.now().Add(-b.replay).UnixMilli()
	i := 0
	for i < len(b.buffer) && b.buffer[i].Timestamp < cutoff {
		i++
	}
	if i > 0 {
		b.buffer = append([]Event(nil), b.buffer[i:]...)
	}
}
