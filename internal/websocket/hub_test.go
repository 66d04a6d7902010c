package websocket

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestClient(topics ...string) *Client {
	set := map[string]bool{}
	for _, t := range topics {
		set[t] = true
	}
	return &Client{Send: make(chan []byte, 4), topics: set, logger: zap.NewNop()}
}

func runHub(t *testing.T) *Hub {
	h := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func TestHub_AllTopicClientReceivesEveryBroadcast(t *testing.T) {
	h := runHub(t)
	c := newTestClient("all")
	h.RegisterClient(c)
	waitForClientCount(t, h, 1)

	h.Broadcast("high", []byte("alarm"))

	select {
	case msg := <-c.Send:
		if string(msg) != "alarm" {
			t.Errorf("got %q, want %q", msg, "alarm")
		}
	case <-time.After(time.Second):
		t.Fatal("client subscribed to all did not receive severity-scoped broadcast")
	}
}

func TestHub_ScopedClientIgnoresOtherTopics(t *testing.T) {
	h := runHub(t)
	c := newTestClient("high")
	h.RegisterClient(c)
	waitForClientCount(t, h, 1)

	h.Broadcast("low", []byte("alarm"))

	select {
	case msg := <-c.Send:
		t.Fatalf("client subscribed to high should not receive low broadcast, got %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_UnregisterClosesSendChannel(t *testing.T) {
	h := runHub(t)
	c := newTestClient("all")
	h.RegisterClient(c)
	waitForClientCount(t, h, 1)

	h.UnregisterClient(c)
	waitForClientCount(t, h, 0)

	if _, ok := <-c.Send; ok {
		t.Error("expected Send channel closed after unregister")
	}
}

func waitForClientCount(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if h.ClientCount() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for client count %d, got %d", want, h.ClientCount())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
