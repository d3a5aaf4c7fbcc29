package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"relay-backend/metrics"
)

type recorder struct {
	mu     sync.Mutex
	topics []string
	events []Event
	err    error
}

func (r *recorder) Publish(_ context.Context, topic string, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.events = append(r.events, ev)
	return r.err
}

func TestNotifierEmit(t *testing.T) {
	rec := &recorder{}
	n := NewNotifier(rec)

	n.Emit(RequestTopic("r1"), Event{Type: EventClosed, RequestID: "r1"})
	n.EmitFormatted(ProviderTopic("p1"), "slack", Event{Type: EventMessage, RequestID: "r1", ReferenceCode: "REQ-ABC234"})
	n.Wait()

	if len(rec.events) != 2 {
		t.Fatalf("published %d events, want 2", len(rec.events))
	}
	for i, ev := range rec.events {
		if ev.At.IsZero() {
			t.Errorf("event %d has no timestamp", i)
		}
		if rec.topics[i] == ProviderTopic("p1") && !strings.Contains(ev.Text, "*New message*") {
			t.Errorf("slack text = %q", ev.Text)
		}
	}
}

func TestNotifierSwallowsErrors(t *testing.T) {
	before := testutil.ToFloat64(metrics.PublishFailures)
	n := NewNotifier(&recorder{err: errors.New("broker down")})
	n.Emit(AccountTopic("a1"), Event{Type: EventCreated})
	n.Wait()
	if got := testutil.ToFloat64(metrics.PublishFailures) - before; got != 1 {
		t.Errorf("publish failures delta = %v, want 1", got)
	}
}

func TestFormatters(t *testing.T) {
	ev := Event{Type: EventResponded, ReferenceCode: "REQ-<X>"}
	tests := []struct {
		channel string
		want    string
	}{
		{"web", "Response delivered: REQ-<X>"},
		{"slack", ":bell: *Response delivered* `REQ-<X>`"},
		{"telegram", "<b>Response delivered</b> <code>REQ-&lt;X&gt;</code>"},
		{"unknown", "Response delivered: REQ-<X>"},
	}
	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			if got := FormatterFor(tt.channel).Format(ev); got != tt.want {
				t.Errorf("Format() = %q, want %q", got, tt.want)
			}
		})
	}
	if got := FormatterFor("email").Format(ev); !strings.HasPrefix(got, "Subject: [REQ-<X>] Response delivered") {
		t.Errorf("email = %q", got)
	}
}

func TestHTTPPublisher(t *testing.T) {
	var got brokerEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewHTTPPublisher(srv.URL)
	if err := p.Publish(context.Background(), "request:r1", Event{Type: EventClosed, RequestID: "r1"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got.Topic != "request:r1" || got.Event.RequestID != "r1" {
		t.Errorf("broker received %+v", got)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	if err := NewHTTPPublisher(failing.URL).Publish(context.Background(), "t", Event{}); err == nil {
		t.Error("Publish() to failing broker error = nil")
	}
}

func TestTopics(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{RequestTopic("r1"), "request:r1"},
		{ProviderTopic("p1"), "provider:p1"},
		{AccountTopic("a1"), "account:a1"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}
