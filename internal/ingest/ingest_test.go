package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"spamguard/internal/config"
	"spamguard/internal/model"
)

func TestParseJSONMapSplitsIPAndMetadata(t *testing.T) {
	fields, err := ParseJSONBytes([]byte(`{
		"visitor_ip": "203.0.113.5",
		"ts": "2026-02-23T12:34:56Z",
		"Email": "bot@example.com",
		"attempts": 3,
		"metadata": {"User_Agent": "curl/8"},
		"nested": {"ignored": true}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if fields.IP != "203.0.113.5" {
		t.Fatalf("ip: %s", fields.IP)
	}
	if fields.Timestamp != "2026-02-23T12:34:56Z" {
		t.Fatalf("timestamp: %s", fields.Timestamp)
	}
	if fields.Extras["email"] != "bot@example.com" || fields.Extras["attempts"] != "3" || fields.Extras["user_agent"] != "curl/8" {
		t.Fatalf("extras: %v", fields.Extras)
	}
	if _, ok := fields.Extras["visitor_ip"]; ok {
		t.Fatalf("ip key leaked into extras")
	}
	if _, ok := fields.Extras["nested"]; ok {
		t.Fatalf("nested object leaked into extras")
	}
}

func TestDecodeKafkaMessage(t *testing.T) {
	ev, err := decodeMessage([]byte(`{"ip":"::ffff:192.0.2.1","ts":"1772359200"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.IP != "192.0.2.1" || ev.Source != sourceKafka {
		t.Fatalf("event: %+v", ev)
	}
	if !ev.Timestamp.Equal(time.Unix(1772359200, 0)) {
		t.Fatalf("timestamp: %s", ev.Timestamp)
	}
	if _, err := decodeMessage([]byte(`not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestRESTAcceptsObjectsAndArrays(t *testing.T) {
	out := make(chan model.VisitorEvent, 4)
	srv := NewRESTServer(config.NewStaticManager(nil), out, nil)
	h := srv.Handler()

	body := `[{"ip":"203.0.113.5"},{"ip":"bogus"},{"remote_addr":"2001:db8::1","comment":"hi"}]`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"accepted":2`) || !strings.Contains(rec.Body.String(), `"failed":1`) {
		t.Fatalf("body: %s", rec.Body.String())
	}
	first := <-out
	second := <-out
	if first.IP != "203.0.113.5" || first.Source != sourceREST {
		t.Fatalf("first: %+v", first)
	}
	if second.IP != "2001:db8::1" || second.Metadata["comment"] != "hi" {
		t.Fatalf("second: %+v", second)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(`{"ip":"198.51.100.9"}`)))
	if !strings.Contains(rec.Body.String(), `"accepted":1`) {
		t.Fatalf("body: %s", rec.Body.String())
	}
}

func TestRESTRejectsBadRequests(t *testing.T) {
	h := NewRESTServer(config.NewStaticManager(nil), make(chan model.VisitorEvent, 1), nil).Handler()
	cases := []struct {
		method string
		body   string
		want   int
	}{
		{http.MethodGet, "", http.StatusMethodNotAllowed},
		{http.MethodPost, "   ", http.StatusBadRequest},
		{http.MethodPost, "{oops", http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, "/events", strings.NewReader(tc.body)))
		if rec.Code != tc.want {
			t.Fatalf("%s %q: got %d want %d", tc.method, tc.body, rec.Code, tc.want)
		}
	}
}

func TestSendNonBlockingDropsWhenFull(t *testing.T) {
	out := make(chan model.VisitorEvent, 1)
	ev := model.VisitorEvent{IP: "203.0.113.5", Source: "test"}
	if !SendNonBlocking(context.Background(), out, ev, nil) {
		t.Fatalf("first send should succeed")
	}
	if SendNonBlocking(context.Background(), out, ev, nil) {
		t.Fatalf("second send should drop")
	}
}

func TestBackoffSleepStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if BackoffSleep(ctx, time.Hour) {
		t.Fatalf("expected cancelled sleep")
	}
}
