package event

import (
	"sync"
	"time"

	"github.com/alephworks/alephauto/internal/adapter/observability"
)

// DefaultMailbox is the per-subscriber buffer used when the caller does not
// configure one.
const DefaultMailbox = 64

type subscriber struct {
	patterns map[string]struct{}
	mailbox  chan Event
}

func (s *subscriber) matches(channel string) bool {
	if _, ok := s.patterns[Wildcard]; ok {
		return true
	}
	_, ok := s.patterns[channel]
	return ok
}

// Bus is the in-process pub/sub multiplexer. Publish never blocks: each
// subscriber owns a bounded mailbox and loses its oldest pending frame when
// the mailbox is full, so one slow consumer cannot stall the rest.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*subscriber
	mailbox int
	closed  bool
}

// NewBus constructs a bus whose subscriber mailboxes hold mailbox frames.
// Values below 1 fall back to DefaultMailbox.
func NewBus(mailbox int) *Bus {
	if mailbox < 1 {
		mailbox = DefaultMailbox
	}
	return &Bus{
		subs:    make(map[string]*subscriber),
		mailbox: mailbox,
	}
}

// Subscribe registers patterns for clientID and returns its mailbox. Calling
// it again for the same client adds patterns to the existing subscription and
// returns the same channel. Patterns are literal channel names or Wildcard.
func (b *Bus) Subscribe(clientID string, patterns ...string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	sub, ok := b.subs[clientID]
	if !ok {
		sub = &subscriber{
			patterns: make(map[string]struct{}, len(patterns)),
			mailbox:  make(chan Event, b.mailbox),
		}
		b.subs[clientID] = sub
	}
	for _, p := range patterns {
		sub.patterns[p] = struct{}{}
	}
	return sub.mailbox
}

// Unsubscribe removes the given patterns from clientID's subscription. With
// no patterns it removes the client entirely and closes its mailbox.
func (b *Bus) Unsubscribe(clientID string, patterns ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[clientID]
	if !ok {
		return
	}
	if len(patterns) == 0 {
		delete(b.subs, clientID)
		close(sub.mailbox)
		return
	}
	for _, p := range patterns {
		delete(sub.patterns, p)
	}
}

// Publish delivers payload on channel to every matching subscriber. It is
// fire-and-forget: errors never surface and a full mailbox drops that
// subscriber's oldest frame instead of blocking the publisher.
func (b *Bus) Publish(channel string, payload any) {
	ev := Event{Channel: channel, Timestamp: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	observability.EventPublished(channel)
	for _, sub := range b.subs {
		if !sub.matches(channel) {
			continue
		}
		select {
		case sub.mailbox <- ev:
		default:
			select {
			case <-sub.mailbox:
				observability.EventDropped(channel)
			default:
			}
			select {
			case sub.mailbox <- ev:
			default:
			}
		}
	}
}

// SubscriberCount reports the number of registered clients.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every mailbox and makes further publishes no-ops. Subscribes
// after Close return an already closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.mailbox)
	}
}
