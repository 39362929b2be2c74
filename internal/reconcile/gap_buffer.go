package reconcile

import (
	"container/heap"
	"time"

	"github.com/quanterra/optiondesk/internal/schema"
)

// gapBuffer holds out-of-order events for one entity while a sequence gap is
// outstanding. Events are released in sequence order: contiguously once the
// gap closes, or wholesale when the bounded wait expires.
type gapBuffer struct {
	openedAt time.Time
	events   eventHeap
}

type bufferedEvent struct {
	arrival time.Time
	event   *schema.Event
}

func newGapBuffer(now time.Time) *gapBuffer {
	buffer := new(gapBuffer)
	buffer.openedAt = now
	buffer.events = make(eventHeap, 0)
	return buffer
}

// add buffers the event unless its sequence marker is already covered or
// already buffered.
func (b *gapBuffer) add(now time.Time, last uint64, evt *schema.Event) bool {
	if evt.Seq <= last {
		return false
	}
	for _, held := range b.events {
		if held.event.Seq == evt.Seq {
			return false
		}
	}
	heap.Push(&b.events, &bufferedEvent{arrival: now, event: evt})
	return true
}

// enforceMax pops the lowest-sequence events until the buffer is back within
// max. The caller releases them best-effort; the gap below them is abandoned.
func (b *gapBuffer) enforceMax(max int, last uint64) []*schema.Event {
	if max <= 0 {
		return nil
	}
	var released []*schema.Event
	for b.events.Len() > max {
		be := heap.Pop(&b.events).(*bufferedEvent)
		if be.event.Seq <= last {
			continue
		}
		released = append(released, be.event)
		last = be.event.Seq
	}
	return released
}

// releaseContiguous pops events that directly extend the last applied marker.
func (b *gapBuffer) releaseContiguous(last uint64) []*schema.Event {
	var ready []*schema.Event
	for b.events.Len() > 0 {
		be := b.events[0]
		if be.event.Seq <= last {
			heap.Pop(&b.events)
			continue
		}
		if be.event.Seq != last+1 {
			break
		}
		heap.Pop(&b.events)
		ready = append(ready, be.event)
		last = be.event.Seq
	}
	return ready
}

// drain pops every buffered event in sequence order regardless of
// contiguity. Used when the gap wait expires.
func (b *gapBuffer) drain(last uint64) []*schema.Event {
	var ready []*schema.Event
	for b.events.Len() > 0 {
		be := heap.Pop(&b.events).(*bufferedEvent)
		if be.event.Seq <= last {
			continue
		}
		ready = append(ready, be.event)
		last = be.event.Seq
	}
	return ready
}

// missing reports the lowest sequence range still absent between the last
// applied marker and the lowest buffered event.
func (b *gapBuffer) missing(last uint64) (from, to uint64, ok bool) {
	if b.events.Len() == 0 {
		return 0, 0, false
	}
	lowest := b.events[0].event.Seq
	if lowest <= last+1 {
		return 0, 0, false
	}
	return last + 1, lowest - 1, true
}

func (b *gapBuffer) empty() bool {
	return b.events.Len() == 0
}

func (b *gapBuffer) len() int {
	return b.events.Len()
}

type eventHeap []*bufferedEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].event.Seq != h[j].event.Seq {
		return h[i].event.Seq < h[j].event.Seq
	}
	return h[i].arrival.Before(h[j].arrival)
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(*bufferedEvent))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
