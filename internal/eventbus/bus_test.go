package eventbus

import (
	"testing"
	"time"
)

func TestPublishPrefixFilter(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	disp, unsubDisp := b.Subscribe(4, "dispatch.")
	defer unsubDisp()

	b.Publish(Event{Type: "task.started"})
	b.Publish(Event{Type: "dispatch.sent", Data: 1})

	if got := len(all); got != 2 {
		t.Fatalf("all subscriber got %d events, want 2", got)
	}
	if got := len(disp); got != 1 {
		t.Fatalf("dispatch subscriber got %d events, want 1", got)
	}
	e := <-disp
	if e.Type != "dispatch.sent" || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Publish(Event{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}
	if got := b.Dropped(); got != 4 {
		t.Fatalf("dropped=%d, want 4", got)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}
