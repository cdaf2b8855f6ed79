package orchestrator

import (
	"log"
	"sync/atomic"
	"time"
)

// emitDropGrace is how long a full event channel gets before a lifecycle
// event is dropped rather than stalling the run loop.
const emitDropGrace = 100 * time.Millisecond

// eventEmitter fans project and task lifecycle events out to the single
// consumer of Events(). Emission never blocks the run loop for longer
// than emitDropGrace: a slow consumer loses events and the loss is
// counted, it never stalls scheduling decisions.
type eventEmitter struct {
	events  chan Event
	dropped atomic.Uint64
}

func newEventEmitter(buffer int) *eventEmitter {
	return &eventEmitter{events: make(chan Event, buffer)}
}

// Emit delivers the event, waiting up to emitDropGrace when the channel
// is full. Dropped events are counted; every tenth drop is logged.
func (e *eventEmitter) Emit(event Event) {
	select {
	case e.events <- event:
		return
	default:
	}

	timer := time.NewTimer(emitDropGrace)
	defer timer.Stop()
	select {
	case e.events <- event:
	case <-timer.C:
		n := e.dropped.Add(1)
		if n%10 == 1 {
			log.Printf("[orchestrator] dropped %s event for project %s, consumer too slow (%d dropped so far)",
				event.Type, event.ProjectID, n)
		}
	}
}

// DroppedCount reports how many events were lost to a slow consumer.
func (e *eventEmitter) DroppedCount() uint64 {
	return e.dropped.Load()
}

// Events returns the consumer side of the event stream.
func (e *eventEmitter) Events() <-chan Event {
	return e.events
}

// Close ends the stream. Callers must not Emit afterwards.
func (e *eventEmitter) Close() {
	close(e.events)
}
