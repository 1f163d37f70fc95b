// Package events defines the event stream emitted by search stages
// through their registered callback, and a small fan-out helper for
// hosts that want more than one observer per stage.
package events

import "github.com/google/uuid"

// Kind is one of the four event kinds a search stage emits.
type Kind int

const (
	// Start is emitted once a stage's worker task has observed
	// utterance start on its source.
	Start Kind = iota
	// Partial is emitted after each mid-utterance decode step that
	// processed at least one frame.
	Partial
	// End is emitted once the stage's source has reached end of
	// utterance, before finalization.
	End
	// Final is emitted after finalization, carrying the stage's
	// finished hypothesis.
	Final
)

func (k Kind) String() string {
	switch k {
	case Start:
		return "START"
	case Partial:
		return "PARTIAL"
	case End:
		return "END"
	case Final:
		return "FINAL"
	default:
		return "UNKNOWN"
	}
}

// Event is delivered to a stage's callback. Callbacks run on the stage's
// own worker task and must not block on that same stage.
type Event struct {
	Kind        Kind
	UtteranceID uuid.UUID
	StageName   string
	Hyp         string
	Score       int32
	FramesSoFar int
}

// Callback receives one event at a time, synchronously, on the emitting
// stage's worker task.
type Callback func(Event)

// Bus fans one stage's events out to any number of registered callbacks,
// for hosts that want multiple independent observers (e.g. a metrics
// sink and a transcript logger) without each one reimplementing
// dispatch.
type Bus struct {
	subs []Callback
}

// Subscribe registers cb to receive every future event published to the
// bus. Not safe to call concurrently with Publish.
func (b *Bus) Subscribe(cb Callback) {
	b.subs = append(b.subs, cb)
}

// Publish is a [Callback] that can be handed to stage.SetCallback,
// forwarding every event to each subscriber in registration order.
func (b *Bus) Publish(ev Event) {
	for _, cb := range b.subs {
		cb(ev)
	}
}
