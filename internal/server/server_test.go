/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/grimnir_kiosk/internal/engine"
	"github.com/friendsincode/grimnir_kiosk/internal/events"
	"github.com/friendsincode/grimnir_kiosk/internal/logbuffer"
	"github.com/friendsincode/grimnir_kiosk/internal/selector"
	"github.com/friendsincode/grimnir_kiosk/internal/statesync"
)

type fakeEngine struct {
	mu       sync.Mutex
	snap     engine.Snapshot
	calls    []string
	syncErr  error
	clearErr error
	bus      *events.Bus
}

func (f *fakeEngine) call(name string) engine.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.snap
}

func (f *fakeEngine) Snapshot() engine.Snapshot { return f.call("snapshot") }
func (f *fakeEngine) Next() engine.Snapshot     { return f.call("next") }
func (f *fakeEngine) Prev() engine.Snapshot     { return f.call("prev") }
func (f *fakeEngine) ItemFinished(itemID string) engine.Snapshot {
	return f.call("finished:" + itemID)
}
func (f *fakeEngine) Sync(ctx context.Context) error       { f.call("sync"); return f.syncErr }
func (f *fakeEngine) ClearCache(ctx context.Context) error { f.call("clear"); return f.clearErr }
func (f *fakeEngine) Bus() *events.Bus                     { return f.bus }

func (f *fakeEngine) called(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == name {
			return true
		}
	}
	return false
}

type fakeFiles map[string][2]string

func (f fakeFiles) File(id string) (string, string, bool) {
	v, ok := f[id]
	return v[0], v[1], ok
}

func newTestServer(t *testing.T, eng *fakeEngine, files fakeFiles, degraded bool) *httptest.Server {
	t.Helper()
	srv, err := New(Options{
		Engine:   eng,
		Media:    files,
		Degraded: func() bool { return degraded },
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		bus: events.NewBus(),
		snap: engine.Snapshot{
			DeviceID:   "d1",
			Kind:       selector.KindItems,
			PlaylistID: "p1",
			Online:     true,
		},
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error without engine and media")
	}
}

func TestRoutes(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantCall   string
	}{
		{"now", http.MethodGet, "/api/v1/now", http.StatusOK, "snapshot"},
		{"next", http.MethodPost, "/api/v1/rotation/next", http.StatusOK, "next"},
		{"prev", http.MethodPost, "/api/v1/rotation/prev", http.StatusOK, "prev"},
		{"finished", http.MethodPost, "/api/v1/rotation/finished/item-7", http.StatusOK, "finished:item-7"},
		{"sync", http.MethodPost, "/api/v1/sync", http.StatusAccepted, "sync"},
		{"clear cache", http.MethodDelete, "/api/v1/cache", http.StatusNoContent, "clear"},
		{"wrong method", http.MethodGet, "/api/v1/rotation/next", http.StatusMethodNotAllowed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newFakeEngine()
			ts := newTestServer(t, eng, fakeFiles{}, false)

			req, _ := http.NewRequest(tt.method, ts.URL+tt.path, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantCall != "" && !eng.called(tt.wantCall) {
				t.Fatalf("expected engine call %q", tt.wantCall)
			}
		})
	}
}

func TestNowReturnsSnapshot(t *testing.T) {
	ts := newTestServer(t, newFakeEngine(), fakeFiles{}, false)

	resp, err := http.Get(ts.URL + "/api/v1/now")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var snap engine.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Kind != selector.KindItems || snap.PlaylistID != "p1" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestSyncErrors(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{statesync.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{statesync.ErrNotInitialized, http.StatusServiceUnavailable, "not_ready"},
		{statesync.ErrMalformedState, http.StatusBadGateway, "malformed_state"},
		{errors.New("dial tcp: refused"), http.StatusBadGateway, "sync_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			eng := newFakeEngine()
			eng.syncErr = tt.err
			ts := newTestServer(t, eng, fakeFiles{}, false)

			resp, err := http.Post(ts.URL+"/api/v1/sync", "application/json", nil)
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var body map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["error"] != tt.wantCode {
				t.Fatalf("error = %q, want %q", body["error"], tt.wantCode)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	for _, degraded := range []bool{false, true} {
		ts := newTestServer(t, newFakeEngine(), fakeFiles{}, degraded)

		resp, err := http.Get(ts.URL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		resp.Body.Close()

		want := "ok"
		if degraded {
			want = "degraded"
		}
		if body["status"] != want {
			t.Fatalf("degraded=%v status = %v, want %s", degraded, body["status"], want)
		}
		if body["online"] != true {
			t.Fatalf("expected online flag, got %v", body["online"])
		}
	}
}

func TestMediaServesCachedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m1")
	if err := os.WriteFile(path, []byte("pixels"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ts := newTestServer(t, newFakeEngine(), fakeFiles{"m1": {path, "image/png"}}, false)

	resp, err := http.Get(ts.URL + "/media/m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type = %q", ct)
	}

	missing, err := http.Get(ts.URL + "/media/unknown")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing media status = %d", missing.StatusCode)
	}
}

func TestStreamPushesSnapshotThenEvents(t *testing.T) {
	eng := newFakeEngine()
	ts := newTestServer(t, eng, fakeFiles{}, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/stream"
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(ws.StatusNormalClosure, "")

	read := func() map[string]any {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return msg
	}

	if msg := read(); msg["type"] != string(events.EventSnapshot) {
		t.Fatalf("first message type = %v", msg["type"])
	}

	eng.bus.Publish(events.EventIdentify, events.Payload{"device_id": "d1"})
	msg := read()
	if msg["type"] != string(events.EventIdentify) {
		t.Fatalf("message type = %v", msg["type"])
	}
	payload, _ := msg["payload"].(map[string]any)
	if payload["device_id"] != "d1" {
		t.Fatalf("unexpected payload %v", msg["payload"])
	}
}

func TestParseEventTypes(t *testing.T) {
	got := parseEventTypes(" snapshot, ,command.identify ")
	if len(got) != 2 || got[0] != events.EventSnapshot || got[1] != events.EventIdentify {
		t.Fatalf("parseEventTypes = %v", got)
	}
	if parseEventTypes("") != nil {
		t.Fatal("empty input should yield nil")
	}
}

func TestLogs(t *testing.T) {
	logs := logbuffer.New(10)
	logs.Add(logbuffer.LogEntry{Level: "info", Component: "engine", Message: "selection changed"})
	logs.Add(logbuffer.LogEntry{Level: "warn", Component: "statesync", Message: "source offline"})

	srv, err := New(Options{Engine: newFakeEngine(), Media: fakeFiles{}, Logs: logs}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/logs?level=warn")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Entries []logbuffer.LogEntry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Entries) != 1 || body.Entries[0].Message != "source offline" {
		t.Fatalf("entries = %+v", body.Entries)
	}

	bad, err := http.Get(ts.URL + "/api/v1/logs?limit=zero")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", bad.StatusCode)
	}

	disabled := newTestServer(t, newFakeEngine(), fakeFiles{}, false)
	off, err := http.Get(disabled.URL + "/api/v1/logs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	off.Body.Close()
	if off.StatusCode != http.StatusNotFound {
		t.Fatalf("disabled status = %d", off.StatusCode)
	}
}

func TestMediaServesEscapedIDs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob")
	if err := os.WriteFile(path, []byte("pixels"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	files := fakeFiles{
		"campaign/spring": {path, "image/png"},
		"50% off":         {path, "image/png"},
	}
	ts := newTestServer(t, newFakeEngine(), files, false)

	for _, id := range []string{"campaign/spring", "50% off"} {
		resp, err := http.Get(ts.URL + "/media/" + url.PathEscape(id))
		if err != nil {
			t.Fatalf("get %q: %v", id, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%q status = %d", id, resp.StatusCode)
		}
	}
}
