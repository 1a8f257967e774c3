package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/twinsync/internal/audit"
)

func TestEventDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "")
	defer cleanup()

	dispatcher.Publish(audit.Event{
		ID:         "event-1",
		Kind:       audit.KindChangeApplied,
		Collection: "accounts",
		RecordID:   "A1",
		Status:     audit.StatusSuccess,
		At:         time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.Kind != audit.KindChangeApplied {
			t.Fatalf("expected kind %s, got %s", audit.KindChangeApplied, received.Kind)
		}
		if received.RecordID != "A1" {
			t.Fatalf("expected record A1, got %s", received.RecordID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event within deadline")
	}
}

func TestEventDispatcherIsolatedByCollection(t *testing.T) {
	dispatcher := NewEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	contactsStream, cleanup := dispatcher.Subscribe(ctx, "contacts")
	defer cleanup()
	accountsStream, accountsCleanup := dispatcher.Subscribe(ctx, "accounts")
	defer accountsCleanup()

	dispatcher.Publish(audit.Event{ID: "event-2", Kind: audit.KindChangeApplied, Collection: "accounts"})

	select {
	case <-contactsStream:
		t.Fatal("did not expect event for unrelated collection")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case event := <-accountsStream:
		if event.Collection != "accounts" {
			t.Fatalf("expected accounts, received %s", event.Collection)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event for subscribed collection")
	}
}

func TestEventDispatcherAttachAndCancel(t *testing.T) {
	dispatcher := NewEventDispatcher()
	ledger := audit.NewLogger(audit.Config{})
	detach := dispatcher.Attach(ledger)

	ctx, cancel := context.WithCancel(context.Background())
	stream, _ := dispatcher.Subscribe(ctx, "")
	ledger.Log(audit.Entry{Kind: audit.KindConfigure})

	select {
	case event := <-stream:
		if event.Kind != audit.KindConfigure {
			t.Fatalf("expected configure event, got %s", event.Kind)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected ledger event to be forwarded")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected subscription to end with its context, still %d", dispatcher.SubscriberCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	detach()
	ledger.Log(audit.Entry{Kind: audit.KindConfigure})
}
