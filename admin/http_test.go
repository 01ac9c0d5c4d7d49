package admin

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

type fakeStatsSource struct {
	stats map[string]interface{}
}

func (f *fakeStatsSource) Stats() map[string]interface{} { return f.stats }

func TestStatsEndpointReturnsSourceStats(t *testing.T) {
	src := &fakeStatsSource{stats: map[string]interface{}{"endpoint": "tcp://127.0.0.1:9000"}}
	s := New(src)

	req := httptest.NewRequest("GET", "/stats", nil)
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["endpoint"] != "tcp://127.0.0.1:9000" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestHealthzReturns200(t *testing.T) {
	s := New(&fakeStatsSource{stats: map[string]interface{}{}})

	req := httptest.NewRequest("GET", "/healthz", nil)
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
