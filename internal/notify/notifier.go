// Package notify is the discrete signal surface the UI layer listens on for
// conversation-level events that deserve user-visible notification.
package notify

import "time"

// SignalKind discriminates notification signals.
type SignalKind string

const (
	// SignalRemoved fires when the local user was removed from a conversation.
	SignalRemoved SignalKind = "removed_from_conversation"
	// SignalExpired fires when a conversation's explosion executed.
	SignalExpired SignalKind = "conversation_expired"
	// SignalScheduled fires when an explosion was scheduled for the future.
	SignalScheduled SignalKind = "conversation_scheduled_for_explosion"
)

// Signal is one notification event. At carries the target time for
// SignalScheduled and is zero otherwise.
type Signal struct {
	Kind           SignalKind
	ConversationID string
	At             time.Time
}

// Notifier posts signals toward the UI layer.
type Notifier interface {
	RemovedFromConversation(conversationID string)
	ConversationExpired(conversationID string)
	ExplosionScheduled(conversationID string, at time.Time)
}

// ChannelNotifier is the channel-backed Notifier implementation. Signals are
// buffered; when the consumer lags, the oldest signal is dropped rather than
// blocking a write path.
type ChannelNotifier struct {
	out chan Signal
}

// NewChannelNotifier creates a notifier with the given buffer size.
func NewChannelNotifier(buffer int) *ChannelNotifier {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChannelNotifier{out: make(chan Signal, buffer)}
}

// Signals yields posted notifications.
func (n *ChannelNotifier) Signals() <-chan Signal {
	return n.out
}

// RemovedFromConversation posts a removal signal.
func (n *ChannelNotifier) RemovedFromConversation(conversationID string) {
	n.post(Signal{Kind: SignalRemoved, ConversationID: conversationID})
}

// ConversationExpired posts an expiry signal.
func (n *ChannelNotifier) ConversationExpired(conversationID string) {
	n.post(Signal{Kind: SignalExpired, ConversationID: conversationID})
}

// ExplosionScheduled posts a scheduling signal with the target time.
func (n *ChannelNotifier) ExplosionScheduled(conversationID string, at time.Time) {
	n.post(Signal{Kind: SignalScheduled, ConversationID: conversationID, At: at})
}

func (n *ChannelNotifier) post(s Signal) {
	for {
		select {
		case n.out <- s:
			return
		default:
			select {
			case <-n.out:
			default:
			}
		}
	}
}
