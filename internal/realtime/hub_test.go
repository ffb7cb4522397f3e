package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/vndev/sentinel/internal/logging"
	"github.com/vndev/sentinel/internal/sentinel"
)

func testHub() *Hub {
	return NewHub(logging.Discard(), 16)
}

func decision(status sentinel.Status, reason sentinel.Reason, amount string) *sentinel.Decision {
	return &sentinel.Decision{
		ID:       "dec_test",
		Approved: status == sentinel.StatusApproved,
		Status:   status,
		Reason:   reason,
		Transaction: sentinel.TransactionRequest{
			CardToken: "tok_1",
			Amount:    decimal.RequireFromString(amount),
		},
		Timestamp: time.Now().UTC(),
	}
}

func decisionEvent(d *sentinel.Decision) *Event {
	return &Event{Type: EventDecision, Topic: sentinel.TopicTransactions, Timestamp: d.Timestamp, Data: d}
}

// ---------------------------------------------------------------------------
// Subscription filter tests
// ---------------------------------------------------------------------------

func TestMatches_AllEvents(t *testing.T) {
	sub := Subscription{AllEvents: true, Topics: []string{"/topic/other"}}
	if !sub.Matches(decisionEvent(decision(sentinel.StatusApproved, sentinel.ReasonNone, "1"))) {
		t.Error("AllEvents should override other filters")
	}
}

func TestMatches_EmptySubscription(t *testing.T) {
	if !(Subscription{}).Matches(decisionEvent(decision(sentinel.StatusDenied, sentinel.ReasonHighFrequency, "1"))) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestMatches_TopicFilter(t *testing.T) {
	sub := Subscription{Topics: []string{"/topic/other"}}
	if sub.Matches(decisionEvent(decision(sentinel.StatusApproved, sentinel.ReasonNone, "1"))) {
		t.Error("Should NOT receive events on other topics")
	}

	sub.Topics = append(sub.Topics, sentinel.TopicTransactions)
	if !sub.Matches(decisionEvent(decision(sentinel.StatusApproved, sentinel.ReasonNone, "1"))) {
		t.Error("Should receive events on subscribed topic")
	}
}

func TestMatches_StatusAndReason(t *testing.T) {
	deniedOnly := Subscription{Statuses: []sentinel.Status{sentinel.StatusDenied}}
	travelOnly := Subscription{Reasons: []sentinel.Reason{sentinel.ReasonImpossibleTravel}}

	approved := decisionEvent(decision(sentinel.StatusApproved, sentinel.ReasonNone, "1"))
	velocity := decisionEvent(decision(sentinel.StatusDenied, sentinel.ReasonHighFrequency, "1"))
	travel := decisionEvent(decision(sentinel.StatusDenied, sentinel.ReasonImpossibleTravel, "1"))

	if deniedOnly.Matches(approved) {
		t.Error("denied-only client should not get approvals")
	}
	if !deniedOnly.Matches(velocity) || !deniedOnly.Matches(travel) {
		t.Error("denied-only client should get every denial")
	}
	if travelOnly.Matches(velocity) {
		t.Error("travel-only client should not get velocity denials")
	}
	if !travelOnly.Matches(travel) {
		t.Error("travel-only client should get travel denials")
	}
}

func TestMatches_CardFilter(t *testing.T) {
	sub := Subscription{CardTokens: []string{"tok_other"}}
	if sub.Matches(decisionEvent(decision(sentinel.StatusApproved, sentinel.ReasonNone, "1"))) {
		t.Error("Should NOT match unrelated cards")
	}
}

func TestMatches_MinAmount(t *testing.T) {
	sub := Subscription{MinAmount: decimal.NewFromInt(10)}

	if !sub.Matches(decisionEvent(decision(sentinel.StatusApproved, sentinel.ReasonNone, "15"))) {
		t.Error("Should receive large transaction")
	}
	if !sub.Matches(decisionEvent(decision(sentinel.StatusApproved, sentinel.ReasonNone, "10"))) {
		t.Error("Threshold amount should pass")
	}
	if sub.Matches(decisionEvent(decision(sentinel.StatusApproved, sentinel.ReasonNone, "9.99"))) {
		t.Error("Should NOT receive small transaction")
	}
}

func TestMatches_NonDecisionData(t *testing.T) {
	sub := Subscription{Statuses: []sentinel.Status{sentinel.StatusDenied}}
	if !sub.Matches(&Event{Type: EventDecision, Data: "string data"}) {
		t.Error("Decision filters should not apply to other payloads")
	}
}

func TestSubscription_DecodesFromJSON(t *testing.T) {
	var sub Subscription
	err := json.Unmarshal([]byte(`{"statuses":["DENIED"],"minAmount":100}`), &sub)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(sub.Statuses) != 1 || sub.Statuses[0] != sentinel.StatusDenied {
		t.Errorf("unexpected statuses %v", sub.Statuses)
	}
	if !sub.MinAmount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("unexpected minAmount %v", sub.MinAmount)
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_PublishAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	h.Publish(sentinel.TopicTransactions, decision(sentinel.StatusApproved, sentinel.ReasonNone, "1"))

	deadline := time.Now().Add(time.Second)
	for h.Stats()["totalEvents"].(int64) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected 1 total event, got %v", h.Stats()["totalEvents"])
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_BroadcastNeverBlocks(t *testing.T) {
	h := NewHub(logging.Discard(), 2)

	// Hub loop is not running, so the queue fills and the rest are dropped.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(sentinel.TopicTransactions, decision(sentinel.StatusApproved, sentinel.ReasonNone, "1"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}

	if got := h.Stats()["droppedEvents"].(int64); got != 8 {
		t.Errorf("Expected 8 dropped events, got %d", got)
	}
}

func TestNewHub_DefaultBuffer(t *testing.T) {
	h := NewHub(logging.Discard(), 0)
	if cap(h.broadcast) != DefaultBufferSize {
		t.Errorf("Expected buffer %d, got %d", DefaultBufferSize, cap(h.broadcast))
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_FilteredDelivery(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{Statuses: []sentinel.Status{sentinel.StatusDenied}},
	}
	h.register <- client

	h.Publish(sentinel.TopicTransactions, decision(sentinel.StatusApproved, sentinel.ReasonNone, "1"))
	h.Publish(sentinel.TopicTransactions, decision(sentinel.StatusDenied, sentinel.ReasonHighFrequency, "1"))

	select {
	case msg := <-client.send:
		var ev struct {
			Type  EventType          `json:"type"`
			Topic string             `json:"topic"`
			Data  sentinel.Decision `json:"data"`
		}
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Type != EventDecision || ev.Topic != sentinel.TopicTransactions {
			t.Errorf("unexpected envelope %+v", ev)
		}
		if ev.Data.Status != sentinel.StatusDenied {
			t.Errorf("approval leaked through filter: %+v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("Client should receive the denial")
	}

	select {
	case <-client.send:
		t.Error("Client should receive exactly one event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_SlowClientDropped(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte), sub: Subscription{AllEvents: true}}
	h.register <- client

	// Nobody reads client.send, so delivery finds it full.
	h.Publish(sentinel.TopicTransactions, decision(sentinel.StatusApproved, sentinel.ReasonNone, "1"))

	deadline := time.Now().Add(time.Second)
	for h.Stats()["totalEvents"].(int64) == 0 || h.Stats()["connectedClients"].(int) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow client was not dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, ok := <-client.send; ok {
		t.Error("slow client channel should be closed")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	h.Publish(sentinel.TopicTransactions, decision(sentinel.StatusDenied, sentinel.ReasonImpossibleTravel, "3"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), `"reason":"impossible-travel"`) {
		t.Errorf("unexpected payload %s", msg)
	}
}

func TestHub_RejectsAfterShutdown(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/ws", nil))
	if w.Code != 503 {
		t.Errorf("expected 503 after shutdown, got %d", w.Code)
	}
}
