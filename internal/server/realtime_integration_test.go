package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/twinsync/internal/audit"
	"github.com/gorilla/websocket"
)

func TestEventStreamDeliversAuditEvents(t *testing.T) {
	fixture := newAPIFixture(t)
	server := httptest.NewServer(fixture.handler)
	defer server.Close()

	endpoint := "ws" + strings.TrimPrefix(server.URL, "http") + "/events?access_token=" + fixture.token
	conn, response, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		t.Fatalf("failed to dial event stream: %v", err)
	}
	defer conn.Close()
	if response.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected protocol switch, got %d", response.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fixture.events.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected stream subscription to register")
		}
		time.Sleep(5 * time.Millisecond)
	}

	interval := 30 * time.Second
	if _, err := fixture.guardian.Configure(&interval, nil); err != nil {
		t.Fatalf("configure failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event audit.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if event.Kind != audit.KindConfigure {
		t.Fatalf("expected configure event, got %s", event.Kind)
	}
	if event.Status != audit.StatusSuccess {
		t.Fatalf("expected success status, got %s", event.Status)
	}
}

func TestEventStreamRejectsMissingToken(t *testing.T) {
	fixture := newAPIFixture(t)
	server := httptest.NewServer(fixture.handler)
	defer server.Close()

	endpoint := "ws" + strings.TrimPrefix(server.URL, "http") + "/events"
	_, response, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err == nil {
		t.Fatal("expected dial without token to fail")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %+v", response)
	}
}
