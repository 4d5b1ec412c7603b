package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/RomanMuteki/random-chats/pkg/otelhelper"
)

func newTestServer(t *testing.T) (*server, *httptest.Server) {
	t.Helper()
	dir, _, _ := newTestDirectory()

	// The global meter is a no-op in tests.
	meter := otel.Meter("presence-service-test")
	connectCounter, _ := meter.Int64Counter("presence_connects_total")
	disconnectCounter, _ := meter.Int64Counter("presence_disconnects_total")
	lookupCounter, _ := meter.Int64Counter("presence_lookups_total")

	requestDuration, _ := otelhelper.NewDurationHistogram(meter, "presence_request_duration_seconds", "request duration")

	s := &server{
		dir:               dir,
		connectCounter:    connectCounter,
		disconnectCounter: disconnectCounter,
		lookupCounter:     lookupCounter,
		requestDuration:   requestDuration,
	}
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestConnectDisconnectFlow(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/connect", `{"user_id":"u1","handler_id":"h1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("connect status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/handler/u1")
	if err != nil {
		t.Fatalf("get handler: %v", err)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if out["handler_id"] != "h1" {
		t.Errorf("handler_id = %q, want h1", out["handler_id"])
	}

	resp = postJSON(t, ts.URL+"/disconnect", `{"user_id":"u1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disconnect status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/handler/u1")
	if err != nil {
		t.Fatalf("get handler after disconnect: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status after disconnect = %d, want 404", resp.StatusCode)
	}
}

func TestDisconnectAbsentUserReturnsOK(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/disconnect", `{"user_id":"ghost"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestConnectRejectsMissingFields(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/connect", `{"user_id":"u1"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestMembersEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	for _, uid := range []string{"u1", "u2"} {
		resp := postJSON(t, ts.URL+"/connect", `{"user_id":"`+uid+`","handler_id":"h1"}`)
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/users/h1")
	if err != nil {
		t.Fatalf("get users: %v", err)
	}
	defer resp.Body.Close()
	var out map[string][]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out["users"]) != 2 {
		t.Errorf("users = %v, want two entries", out["users"])
	}

	resp2, err := http.Get(ts.URL + "/users/empty-handler")
	if err != nil {
		t.Fatalf("get users empty: %v", err)
	}
	defer resp2.Body.Close()
	var empty map[string][]string
	if err := json.NewDecoder(resp2.Body).Decode(&empty); err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if empty["users"] == nil || len(empty["users"]) != 0 {
		t.Errorf("users for unknown handler = %v, want []", empty["users"])
	}
}

func TestHandlerRegistration(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/register_handler", `{"handler_id":"h1","url":"http://handler-1:8001"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/handler_url/h1")
	if err != nil {
		t.Fatalf("get handler_url: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["url"] != "http://handler-1:8001" {
		t.Errorf("url = %q", out["url"])
	}

	resp2, err := http.Get(ts.URL + "/handler_url/unknown")
	if err != nil {
		t.Fatalf("get unknown handler_url: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("unknown handler status = %d, want 404", resp2.StatusCode)
	}
}
