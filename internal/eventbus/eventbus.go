// Package eventbus implements the Event Bus (EB, §4.7): a single-consumer,
// one-way, ordered channel of tagged events from the Conversation Loop to
// whatever renders them. Delivery is lossless and blocking by design —
// backpressure is the flow-control mechanism, not a buffer to grow.
package eventbus

// Kind tags one Event's variant.
type Kind int

const (
	StreamStart Kind = iota
	ReasoningDelta
	ContentDelta
	ToolCallSnapshot
	AssistantFinalized
	ToolStart
	ToolEnd
	TokenUsage
	SystemNotice
	Error
	TurnDone
)

// Event is one element of the ordered sequence EB delivers for a turn.
// Only the fields relevant to Kind are populated; the rest are zero.
type Event struct {
	Kind Kind

	Text string // ReasoningDelta / ContentDelta / SystemNotice / Error

	MessageID int64 // AssistantFinalized

	CallID  string // ToolCallSnapshot / ToolStart / ToolEnd
	Name    string // ToolCallSnapshot / ToolStart
	Args    string // ToolCallSnapshot: arguments-so-far
	Status  string // ToolEnd: "done" or "error"
	Preview map[string]any // ToolEnd: optional preview metadata

	TotalTokens int // TokenUsage
}

// Bus is a single-producer, single-consumer ordered event stream. Publish
// blocks until the consumer is ready to receive, or ctx is done is not
// applicable here — callers that need cancellation wrap Publish themselves
// with a select against their own context, since EB itself has no notion of
// turn cancellation (that lives in the Conversation Loop).
type Bus struct {
	events chan Event
}

// New creates an unbuffered Bus: Publish blocks until the consumer's
// receive loop over Events takes the event, which is the "no unbounded
// buffering" backpressure §4.7 calls for.
func New() *Bus {
	return &Bus{events: make(chan Event)}
}

// Publish delivers ev to the consumer, blocking until received.
func (b *Bus) Publish(ev Event) {
	b.events <- ev
}

// Events returns the receive-only channel consumers range over.
func (b *Bus) Events() <-chan Event {
	return b.events
}

// Close signals no further events will be published. Callers must not call
// Publish after Close.
func (b *Bus) Close() {
	close(b.events)
}
