package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestRecorderCapsHistoryAndKeepsTotals(t *testing.T) {
	t.Parallel()
	bus := New()
	r := NewRecorder(bus, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: TypeTaskSubmitted, Data: i})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Counts()[TypeTaskSubmitted] == 5 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := r.Counts()[TypeTaskSubmitted]; got != 5 {
		t.Fatalf("total = %d, want 5", got)
	}

	recent := r.Recent()
	if len(recent) != 3 {
		t.Fatalf("history len = %d, want cap 3", len(recent))
	}
	// Oldest entries fell off; the window holds the last three publishes.
	if recent[0].Data != 2 || recent[2].Data != 4 {
		t.Fatalf("history window = %+v", recent)
	}
}
