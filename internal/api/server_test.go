// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/tomtom215/notifeed/internal/bus"
	"github.com/tomtom215/notifeed/internal/clock"
	"github.com/tomtom215/notifeed/internal/coordination"
	"github.com/tomtom215/notifeed/internal/ingest"
	"github.com/tomtom215/notifeed/internal/monitor"
	"github.com/tomtom215/notifeed/internal/pipeline"
	"github.com/tomtom215/notifeed/internal/rules"
	"github.com/tomtom215/notifeed/internal/store"
)

func newTestServer(t *testing.T) (*Server, *monitor.Controller) {
	t.Helper()
	b := bus.NewGoChannel(nil)
	clk := clock.New()
	deduper := coordination.NewDeduper(b, "inst-a", coordination.DeduperConfig{}, clk)
	elector := coordination.NewElector(b, "inst-a", coordination.DefaultElectorConfig(), clk, nil, nil)
	pipe := pipeline.New(&rules.StaticSource{}, rules.NewMatcher(), nil, pipeline.Config{}, nil)
	ing := ingest.New(ingest.Config{URL: "http://unused/stream"}, pipe, b, deduper, "inst-a", clk)
	ctrl := monitor.New(monitor.Config{}, store.New(), deduper, b, clk, nil, nil)
	return New(Config{}, "inst-a", elector, ing, ctrl), ctrl
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: undecodable body %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := doJSON(t, s.Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["instance"] != "inst-a" {
		t.Errorf("instance = %v, want inst-a", body["instance"])
	}
	if body["role"] != "unknown" {
		t.Errorf("role = %v, want unknown before election", body["role"])
	}
	feed, ok := body["feed"].(map[string]any)
	if !ok {
		t.Fatalf("feed section missing: %v", body)
	}
	if feed["sort_policy"] != "newest_first" {
		t.Errorf("sort policy = %v, want newest_first", feed["sort_policy"])
	}
}

func TestPauseUnpause(t *testing.T) {
	s, ctrl := newTestServer(t)

	rec, body := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/feed/pause", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d", rec.Code)
	}
	if body["paused"] != true {
		t.Errorf("paused = %v, want true", body["paused"])
	}
	if !ctrl.Status().Paused {
		t.Error("controller not paused")
	}

	rec, body = doJSON(t, s.Handler(), http.MethodPost, "/api/v1/feed/unpause", "")
	if rec.Code != http.StatusOK || body["paused"] != false {
		t.Errorf("unpause: status %d paused %v", rec.Code, body["paused"])
	}
}

func TestSortEndpoint(t *testing.T) {
	s, ctrl := newTestServer(t)

	rec, body := doJSON(t, s.Handler(), http.MethodPut, "/api/v1/feed/sort", `{"policy":"price_low_first"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %v", rec.Code, body)
	}
	if got := ctrl.Status().SortPolicy; got != store.PriceLowFirst {
		t.Errorf("policy = %q, want price_low_first", got)
	}

	rec, _ = doJSON(t, s.Handler(), http.MethodPut, "/api/v1/feed/sort", `{"policy":"shuffled"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad policy status = %d, want 400", rec.Code)
	}

	rec, _ = doJSON(t, s.Handler(), http.MethodPut, "/api/v1/feed/sort", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", rec.Code)
	}
}

func TestFilterEndpoint(t *testing.T) {
	s, ctrl := newTestServer(t)

	rec, _ := doJSON(t, s.Handler(), http.MethodPut, "/api/v1/feed/filter", `{"search":"lamp","tier":"premium"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	f := ctrl.Filter()
	if f.Search != "lamp" || f.Tier != "premium" {
		t.Errorf("filter = %+v", f)
	}
}

func TestBulkFetchRejectedWhileNotMaster(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/bulk-fetch", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if body["error"] == "" {
		t.Error("expected error message")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "notifeed_") {
		t.Error("expected notifeed metrics in exposition")
	}
}
