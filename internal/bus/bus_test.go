package bus

import (
	"errors"
	"testing"
	"time"

	"fableforge/pkg/models"
)

func recvOne(t *testing.T, sub *Subscription) models.AgentMessage {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
		return models.AgentMessage{}
	}
}

func TestPublishRoutesToReceiver(t *testing.T) {
	b := New()
	defer b.Close()

	artist, _ := b.Subscribe("image_artist")
	composer, _ := b.Subscribe("composer")

	msg := NewRequest("image_artist", "p1", map[string]any{"scene": 1}, 1)
	if err := b.Publish(msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := recvOne(t, artist)
	if got.Receiver != "image_artist" || got.ContextRef != "p1" {
		t.Errorf("routed message = %+v", got)
	}
	select {
	case stray := <-composer.Messages():
		t.Errorf("composer received stray message %+v", stray)
	default:
	}
}

func TestWildcardSeesEverything(t *testing.T) {
	b := New()
	defer b.Close()

	watcher, _ := b.Subscribe(Wildcard)
	b.Publish(NewRequest("image_artist", "p1", nil, 1))
	b.Publish(NewResponse("m1", "image_artist", "p1", map[string]any{"ok": true}))

	first := recvOne(t, watcher)
	second := recvOne(t, watcher)
	if first.Type != models.MessageTypeRequest || second.Type != models.MessageTypeResponse {
		t.Errorf("wildcard messages = %v, %v", first.Type, second.Type)
	}
	if len(second.Metadata.Dependencies) != 1 || second.Metadata.Dependencies[0] != "m1" {
		t.Errorf("response dependency lost: %+v", second.Metadata)
	}
}

func TestPublishValidation(t *testing.T) {
	b := New()
	defer b.Close()

	tests := []struct {
		name string
		msg  models.AgentMessage
	}{
		{"missing sender", models.AgentMessage{Receiver: "x", Type: models.MessageTypeUpdate}},
		{"missing receiver", models.AgentMessage{Sender: "x", Type: models.MessageTypeUpdate}},
		{"unknown type", models.AgentMessage{Sender: "a", Receiver: "b", Type: "gossip"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := b.Publish(tt.msg); !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("expected ErrInvalidMessage, got %v", err)
			}
		})
	}
}

func TestPublishStampsIDAndTimestamp(t *testing.T) {
	b := New()
	defer b.Close()

	sub, _ := b.Subscribe("orchestrator")
	b.Publish(models.AgentMessage{
		Sender:   "composer",
		Receiver: "orchestrator",
		Type:     models.MessageTypeUpdate,
	})

	got := recvOne(t, sub)
	if got.MessageID == "" {
		t.Errorf("message id not stamped")
	}
	if got.Metadata.Timestamp.IsZero() {
		t.Errorf("timestamp not stamped")
	}
}

func TestFullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	defer b.Close()

	sub, _ := b.Subscribe("slow")
	for i := 0; i < DefaultSubscriberBuffer+5; i++ {
		if err := b.Publish(NewRequest("slow", "p1", nil, 1)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if got := b.DroppedCount(); got != 5 {
		t.Errorf("expected 5 dropped, got %d", got)
	}
	// The buffered messages are still deliverable.
	recvOne(t, sub)
}

func TestCancelRemovesSubscription(t *testing.T) {
	b := New()
	defer b.Close()

	sub, _ := b.Subscribe("composer")
	sub.Cancel()
	sub.Cancel() // idempotent

	if _, ok := <-sub.Messages(); ok {
		t.Errorf("expected closed channel after cancel")
	}
	if err := b.Publish(NewRequest("composer", "p1", nil, 1)); err != nil {
		t.Errorf("publish to cancelled receiver should not error: %v", err)
	}
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := New()
	sub, _ := b.Subscribe("x")
	b.Close()
	b.Close() // idempotent

	if _, ok := <-sub.Messages(); ok {
		t.Errorf("expected subscription channel closed")
	}
	if err := b.Publish(NewRequest("x", "p1", nil, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on publish, got %v", err)
	}
	if _, err := b.Subscribe("y"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on subscribe, got %v", err)
	}
}

func TestCancelAfterCloseIsSafe(t *testing.T) {
	b := New()
	sub, _ := b.Subscribe("composer")
	b.Close()

	// A subscriber deferring Cancel must survive the bus shutting down first.
	sub.Cancel()
	sub.Cancel()

	if _, ok := <-sub.Messages(); ok {
		t.Errorf("expected subscription channel closed")
	}
}
