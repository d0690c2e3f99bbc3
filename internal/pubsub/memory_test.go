package pubsub_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"papermill/internal/pubsub"
)

func receive(t *testing.T, ch pubsub.Channel) pubsub.Message {
	t.Helper()
	select {
	case msg, ok := <-ch.Messages():
		if !ok {
			t.Fatal("channel closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
	return pubsub.Message{}
}

func TestHubBroadcastsToAllSubscribers(t *testing.T) {
	hub := pubsub.NewHub(nil)
	defer hub.Close()

	a := hub.Subscribe()
	b := hub.Subscribe()

	payload, _ := json.Marshal(map[string]string{"key": "doc1"})
	sent := pubsub.Message{Type: pubsub.TypeInvalidateCache, DocID: "doc1", Data: payload}
	if err := a.Publish(context.Background(), sent); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, ch := range []pubsub.Channel{a, b} {
		got := receive(t, ch)
		if got.Type != pubsub.TypeInvalidateCache || got.DocID != "doc1" {
			t.Fatalf("received %+v, want %+v", got, sent)
		}
	}
}

func TestClosedSubscriberStopsReceiving(t *testing.T) {
	hub := pubsub.NewHub(nil)
	defer hub.Close()

	a := hub.Subscribe()
	b := hub.Subscribe()
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := a.Publish(context.Background(), pubsub.Message{Type: pubsub.TypeShutdown}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := receive(t, a); got.Type != pubsub.TypeShutdown {
		t.Fatalf("received %+v, want shutdown", got)
	}
	if _, ok := <-b.Messages(); ok {
		t.Fatal("closed subscriber still receives")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload, _ := json.Marshal(map[string]int{"status": 1})
	msg := pubsub.Message{Type: pubsub.TypeTaskResult, DocID: "doc1", NodeID: "node-a", Data: payload}

	raw, err := pubsub.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := pubsub.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != msg.Type || got.DocID != msg.DocID || got.NodeID != msg.NodeID {
		t.Fatalf("round trip lost fields: %+v", got)
	}
	if string(got.Data) != string(payload) {
		t.Fatalf("payload = %s, want %s", got.Data, payload)
	}
}
