package reactor

import (
	"strings"
	"testing"
	"time"
)

func TestLiveStatsJSIncludesEachConnection(t *testing.T) {
	s := &Server{connsByFD: map[int]*Connection{
		5: {
			fd:            5,
			id:            "abc123",
			acceptTime:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			bytesReceived: 10,
			bytesSent:     20,
			request:       &Request{RequestURI: "/chat"},
		},
	}}

	js := string(s.liveStatsJS())
	if !strings.HasPrefix(js, "clear();\n") {
		t.Fatalf("expected leading clear() call, got %q", js)
	}
	if !strings.Contains(js, `"id":"abc123"`) {
		t.Errorf("expected connection id in snapshot: %q", js)
	}
	if !strings.Contains(js, `"uri":"/chat"`) {
		t.Errorf("expected uri in snapshot: %q", js)
	}
	if !strings.Contains(js, `"user":"(not authed)"`) {
		t.Errorf("expected default unauthenticated user label: %q", js)
	}
	if !strings.Contains(js, "connection({") {
		t.Errorf("expected a connection({...}) call: %q", js)
	}
}

func TestConnectionStatsReportsAuthenticatedUser(t *testing.T) {
	s := &Server{connsByFD: map[int]*Connection{
		5: {
			id:      "abc",
			request: &Request{Credentials: Credentials{Username: "alice"}},
		},
	}}
	stats := s.connectionStats()
	if len(stats) != 1 || stats[0].User != "alice" {
		t.Fatalf("stats = %+v", stats)
	}
}
