package db

import "sync"

// Collection names emitted on the change bus.
const (
	CollectionConversations = "conversations"
	CollectionMembers       = "members"
	CollectionMessages      = "messages"
	CollectionReactions     = "reactions"
	CollectionInvites       = "invites"
	CollectionPreferences   = "preferences"
)

// Bus is the per-collection change-notification channel the UI layer
// observes to re-render. Subscriptions are explicit; there is no implicit
// lifetime coupling to any framework. Channels are buffered and the oldest
// pending signal is dropped on overflow: a signal only means "re-read this
// collection", so coalescing is safe.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan struct{})}
}

// Subscribe registers interest in a collection. The returned cancel func
// removes the subscription and closes the channel.
func (b *Bus) Subscribe(collection string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[collection] = append(b.subs[collection], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[collection]
		for i, c := range subs {
			if c == ch {
				b.subs[collection] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (b *Bus) publish(collection string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[collection] {
		select {
		case ch <- struct{}{}:
		default:
			// subscriber already has a pending signal
		}
	}
}
