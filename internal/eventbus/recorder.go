package eventbus

import (
	"context"
	"sync"
)

const defaultRecorderCapacity = 300

// Recorder subscribes to a bus and keeps a capped in-memory history of
// lifecycle events plus per-type totals, for the events endpoint. Oldest
// entries fall off once the cap is reached.
type Recorder struct {
	ch    <-chan Event
	unsub func()
	cap   int

	mu      sync.Mutex
	history []Event
	counts  map[string]uint64
}

func NewRecorder(bus Bus, capacity int) *Recorder {
	if capacity <= 0 {
		capacity = defaultRecorderCapacity
	}
	ch, unsub := bus.Subscribe(capacity)
	return &Recorder{
		ch:     ch,
		unsub:  unsub,
		cap:    capacity,
		counts: map[string]uint64{},
	}
}

// Run consumes the subscription until ctx cancels.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-r.ch:
			if !ok {
				return nil
			}
			r.record(e)
		}
	}
}

func (r *Recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, e)
	if len(r.history) > r.cap {
		r.history = r.history[len(r.history)-r.cap:]
	}
	r.counts[e.Type]++
}

// Recent returns recorded events, oldest first.
func (r *Recorder) Recent() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.history))
	copy(out, r.history)
	return out
}

// Counts returns the total recorded events per type, including ones that
// have already fallen out of the history window.
func (r *Recorder) Counts() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}
