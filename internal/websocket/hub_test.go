package websocket

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/screenpoints/internal/model"
	"github.com/dukerupert/screenpoints/internal/recordstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub, zone, exclude string) *Client {
	return &Client{
		hub:     hub,
		zone:    zone,
		exclude: exclude,
		send:    make(chan []byte, sendBufferSize),
		lagged:  make(chan struct{}),
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(testLogger())

	c1 := mockClient(hub, "family-1", "")
	c2 := mockClient(hub, "family-1", "")

	hub.Register(c1)
	hub.Register(c2)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	hub.Unregister(c1)
	// Should not panic
	hub.Unregister(c1)
	hub.Unregister(c2)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestBroadcastFiltersZoneAndDevice(t *testing.T) {
	hub := NewHub(testLogger())

	same := mockClient(hub, "family-1", "dev-b")
	origin := mockClient(hub, "family-1", "dev-a")
	other := mockClient(hub, "family-2", "dev-c")
	for _, c := range []*Client{same, origin, other} {
		hub.Register(c)
	}

	hub.Broadcast(recordstore.Change{ZoneID: "family-1", Type: recordstore.TypeSetting, ID: "k", DeviceID: "dev-a", Op: model.OperationUpdate, Seq: 4})

	select {
	case data := <-same.send:
		var got recordstore.Change
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Seq != 4 || got.ID != "k" {
			t.Errorf("got %+v", got)
		}
	default:
		t.Fatal("subscriber in the zone did not receive the change")
	}

	if len(origin.send) != 0 {
		t.Error("originating device should not receive its own change")
	}
	if len(other.send) != 0 {
		t.Error("subscriber of another zone should not receive the change")
	}
}

func TestBroadcastMarksFullClientLagged(t *testing.T) {
	hub := NewHub(testLogger())
	c := mockClient(hub, "family-1", "")
	hub.Register(c)

	for i := 0; i < sendBufferSize+10; i++ {
		hub.Broadcast(recordstore.Change{ZoneID: "family-1", Seq: int64(i)})
	}

	if got := len(c.send); got != sendBufferSize {
		t.Errorf("buffered %d messages, want %d", got, sendBufferSize)
	}
	select {
	case <-c.lagged:
	default:
		t.Error("client should be marked lagged")
	}
}

func TestHandleSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	broker := recordstore.NewBroker()
	hub := NewHub(testLogger())
	go hub.Run(ctx, broker)

	mux := http.NewServeMux()
	mux.Handle("/zones/{zone}/subscribe", HandleSubscribe(hub, func(r *http.Request) string {
		return r.PathValue("zone")
	}))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/zones/family-1/subscribe?exclude=dev-b"
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	for hub.ClientCount() == 0 {
		if ctx.Err() != nil {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	broker.Publish(recordstore.Change{ZoneID: "family-1", DeviceID: "dev-b", Seq: 1})
	broker.Publish(recordstore.Change{ZoneID: "family-1", DeviceID: "dev-a", Seq: 2})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got recordstore.Change
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Seq != 2 || got.DeviceID != "dev-a" {
		t.Errorf("got %+v, want the change from dev-a", got)
	}
}
