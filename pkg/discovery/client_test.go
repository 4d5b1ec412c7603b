package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// fakeGateway answers /get_service_instance with the given backend URL and
// counts how many resolutions it served.
func fakeGateway(t *testing.T, backendURL *atomic.Value, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get_service_instance" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		json.NewEncoder(w).Encode(instanceResponse{Instance: Instance{URL: backendURL.Load().(string)}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientCachesResolution(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	var target atomic.Value
	target.Store(backend.URL)
	var hits atomic.Int64
	gw := fakeGateway(t, &target, &hits)

	c := NewClient(gw.URL)
	for i := 0; i < 3; i++ {
		resp, err := c.Do(context.Background(), http.MethodGet, "message_service", "/healthz", nil)
		if err != nil {
			t.Fatalf("do %d: %v", i, err)
		}
		resp.Body.Close()
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("gateway resolutions = %d, want 1", got)
	}
}

func TestClientRetriesOnTransportError(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()

	bad := httptest.NewServer(http.NotFoundHandler())
	badURL := bad.URL
	bad.Close()

	// First resolution points at the dead backend, later ones at the live one.
	var hits atomic.Int64
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		url := good.URL
		if hits.Add(1) == 1 {
			url = badURL
		}
		json.NewEncoder(w).Encode(instanceResponse{Instance: Instance{URL: url}})
	}))
	defer gw.Close()

	c := NewClient(gw.URL)
	resp, err := c.Do(context.Background(), http.MethodGet, "message_service", "/healthz", nil)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if hits.Load() < 2 {
		t.Errorf("gateway resolutions = %d, want at least 2 (cache dropped after failure)", hits.Load())
	}
}

func TestClientRetriesServerError(t *testing.T) {
	var calls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	var target atomic.Value
	target.Store(backend.URL)
	var hits atomic.Int64
	gw := fakeGateway(t, &target, &hits)

	c := NewClient(gw.URL)
	resp, err := c.Do(context.Background(), http.MethodPost, "message_service", "/send_message", map[string]string{"text": "hi"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("backend calls = %d, want 3", got)
	}
}

func TestClientDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer backend.Close()

	var target atomic.Value
	target.Store(backend.URL)
	var hits atomic.Int64
	gw := fakeGateway(t, &target, &hits)

	c := NewClient(gw.URL)
	resp, err := c.Do(context.Background(), http.MethodGet, "presence_service", "/get_user/42", nil)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}
}

func TestClientExhaustsAttempts(t *testing.T) {
	var calls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	var target atomic.Value
	target.Store(backend.URL)
	var hits atomic.Int64
	gw := fakeGateway(t, &target, &hits)

	c := NewClient(gw.URL, WithMaxAttempts(3))
	_, err := c.Do(context.Background(), http.MethodGet, "message_service", "/get_chats/1", nil)
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("got %v, want ErrRequestFailed", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("backend calls = %d, want 3", got)
	}
}

func TestClientDoJSON(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"handler_id": "h-1"})
	}))
	defer backend.Close()

	var target atomic.Value
	target.Store(backend.URL)
	var hits atomic.Int64
	gw := fakeGateway(t, &target, &hits)

	c := NewClient(gw.URL)
	var out struct {
		HandlerID string `json:"handler_id"`
	}
	status, err := c.DoJSON(context.Background(), http.MethodGet, "presence_service", "/get_user/7", nil, &out)
	if err != nil {
		t.Fatalf("dojson: %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if out.HandlerID != "h-1" {
		t.Errorf("handler_id = %q, want %q", out.HandlerID, "h-1")
	}
}
