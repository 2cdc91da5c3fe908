package notify

import (
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestListenClose(t *testing.T) {
	hub := NewHub(slog.Default())

	l1 := hub.Listen()
	l2 := hub.Listen()
	if got := hub.ListenerCount(); got != 2 {
		t.Fatalf("expected 2 listeners, got %d", got)
	}

	l1.Close()
	if got := hub.ListenerCount(); got != 1 {
		t.Fatalf("expected 1 listener after close, got %d", got)
	}

	l2.Close()
	// Closing twice should not panic
	l2.Close()

	if got := hub.ListenerCount(); got != 0 {
		t.Fatalf("expected 0 listeners, got %d", got)
	}
	if _, ok := <-l2.C; ok {
		t.Error("expected closed channel")
	}
}

func TestBroadcast(t *testing.T) {
	hub := NewHub(slog.Default())
	l1 := hub.Listen()
	l2 := hub.Listen()
	defer l1.Close()
	defer l2.Close()

	hub.Broadcast(NewMessage("balance", "changed", "c1", map[string]any{"balance": 350}))

	for _, l := range []*Listener{l1, l2} {
		select {
		case got := <-l.C:
			if got.Type != "balance_changed" {
				t.Errorf("expected type balance_changed, got %s", got.Type)
			}
			if got.ID != "c1" {
				t.Errorf("expected id c1, got %s", got.ID)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for message")
		}
	}
}

func TestBroadcastNilHub(t *testing.T) {
	var hub *Hub
	// Should not panic
	hub.Broadcast(NewMessage("balance", "changed", "c1", nil))
}

func TestBroadcastFullBuffer(t *testing.T) {
	hub := NewHub(slog.Default())
	l := hub.Listen()
	defer l.Close()

	for i := 0; i < listenerBufferSize; i++ {
		hub.Broadcast(NewMessage("test", "fill", "", nil))
	}
	// This should drop the message, not block
	hub.Broadcast(NewMessage("test", "dropped", "", nil))

	count := 0
	for len(l.C) > 0 {
		<-l.C
		count++
	}
	if count != listenerBufferSize {
		t.Errorf("expected %d messages, got %d", listenerBufferSize, count)
	}
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewHub(slog.Default())
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := hub.Listen()
			hub.Broadcast(NewMessage("test", "concurrent", "", nil))
			l.Close()
		}()
	}
	wg.Wait()

	if got := hub.ListenerCount(); got != 0 {
		t.Errorf("expected 0 listeners after concurrent test, got %d", got)
	}
}
