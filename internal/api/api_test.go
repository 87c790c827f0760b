package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wustus/vibes/internal/app/session"
	"github.com/wustus/vibes/internal/domain"
	"github.com/wustus/vibes/internal/health"
	"github.com/wustus/vibes/internal/infra/network"
	"github.com/wustus/vibes/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("Open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestServer(t *testing.T, db *sqlite.DB, hr HealthReporter) (*Server, *EventHub) {
	t.Helper()
	hub := NewEventHub(DefaultHubConfig())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Start(ctx)
	t.Cleanup(cancel)

	srv := NewServer(db, hr, hub)
	srv.SetVersion("1.2.3")
	srv.EnableMetrics()
	return srv, hub
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func sampleRecord(id string, startedAt time.Time, outcome string) domain.SessionRecord {
	return domain.SessionRecord{
		ID:          id,
		Self:        "10.0.0.2",
		Roster:      domain.Roster{"10.0.0.1", "10.0.0.2"},
		Coordinator: "10.0.0.1",
		Offset:      -12,
		StartTime:   3_900_000_000,
		Stage:       "done",
		Outcome:     outcome,
		StartedAt:   startedAt,
		FinishedAt:  startedAt.Add(4 * time.Second),
		Matches:     []domain.MatchRecord{{Winner: "10.0.0.1", Loser: "10.0.0.2", Status: "WIN"}},
	}
}

type fakeHealth struct {
	healthy bool
}

func (f fakeHealth) IsHealthy() bool { return f.healthy }

func (f fakeHealth) Statuses() []health.Status {
	s := health.Status{Name: "network", Healthy: f.healthy}
	if !f.healthy {
		s.Error = "fabric not running"
	}
	return []health.Status{s}
}

type fakeSession struct {
	stage  session.Stage
	record session.Result
}

func (f fakeSession) ID() string { return f.record.ID }
func (f fakeSession) Stage() session.Stage { return f.stage }
func (f fakeSession) Result() session.Result { return f.record }

type brokenStore struct{}

func (brokenStore) GetSession(string) (domain.SessionRecord, error) {
	return domain.SessionRecord{}, errors.New("disk on fire")
}
func (brokenStore) ListSessions(int) ([]domain.SessionRecord, error) {
	return nil, errors.New("disk on fire")
}
func (brokenStore) CountSessions() (map[string]int, error) { return nil, errors.New("disk on fire") }

// ─── Health / Version / Metrics ─────────────────────────────────────────────

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		hr     HealthReporter
		code   int
		status string
	}{
		{"no checker", nil, http.StatusOK, "ok"},
		{"healthy", fakeHealth{healthy: true}, http.StatusOK, "ok"},
		{"degraded", fakeHealth{healthy: false}, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, newTestDB(t), tt.hr)
			w := get(t, srv.Handler(), "/health")
			if w.Code != tt.code {
				t.Fatalf("status = %d, want %d", w.Code, tt.code)
			}
			var body struct {
				Status string          `json:"status"`
				Checks []health.Status `json:"checks"`
			}
			decode(t, w, &body)
			if body.Status != tt.status {
				t.Errorf("status = %q, want %q", body.Status, tt.status)
			}
		})
	}
}

func TestVersion(t *testing.T) {
	srv, _ := newTestServer(t, newTestDB(t), nil)
	w := get(t, srv.Handler(), "/api/version")

	var body map[string]string
	decode(t, w, &body)
	if body["version"] != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", body["version"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, newTestDB(t), nil)
	w := get(t, srv.Handler(), "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("metrics output missing go_goroutines")
	}
}

func TestMetricsDisabled(t *testing.T) {
	srv := NewServer(newTestDB(t), nil, nil)
	if w := get(t, srv.Handler(), "/metrics"); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, newTestDB(t), nil)
	srv.SetCORSOrigins([]string{"http://player.local"})

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "http://player.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://player.local" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

// ─── Sessions ───────────────────────────────────────────────────────────────

func TestCurrentSession(t *testing.T) {
	srv, _ := newTestServer(t, newTestDB(t), nil)
	h := srv.Handler()

	if w := get(t, h, "/api/session"); w.Code != http.StatusNotFound {
		t.Fatalf("status before SetSession = %d, want 404", w.Code)
	}

	rec := sampleRecord("cur", time.Now(), domain.OutcomeRunning)
	srv.SetSession(fakeSession{stage: session.StageSync, record: rec})

	w := get(t, h, "/api/session")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Stage   session.Stage        `json:"stage"`
		Session domain.SessionRecord `json:"session"`
	}
	decode(t, w, &body)
	if body.Stage != session.StageSync {
		t.Errorf("stage = %q, want sync", body.Stage)
	}
	if body.Session.ID != "cur" || body.Session.Coordinator != "10.0.0.1" {
		t.Errorf("session = %+v", body.Session)
	}
}

type fakeNetwork struct{ status network.Status }

func (f fakeNetwork) Snapshot() network.Status { return f.status }

func TestNetworkStatus(t *testing.T) {
	srv, _ := newTestServer(t, newTestDB(t), nil)
	h := srv.Handler()

	if w := get(t, h, "/api/network"); w.Code != http.StatusNotFound {
		t.Fatalf("status before SetNetwork = %d, want 404", w.Code)
	}

	srv.SetNetwork(fakeNetwork{status: network.Status{
		Self:    "10.0.0.2",
		Running: true,
		Endpoints: []network.EndpointStatus{
			{Role: network.RoleDiscovery, Port: 1900, Active: true, Buffered: 3},
			{Role: network.RoleAck, Port: 1901, Active: false, Evicted: 7},
		},
	}})

	w := get(t, h, "/api/network")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body network.Status
	decode(t, w, &body)
	if body.Self != "10.0.0.2" || !body.Running || len(body.Endpoints) != 2 {
		t.Fatalf("network = %+v", body)
	}
	if ep := body.Endpoints[1]; ep.Role != network.RoleAck || ep.Active || ep.Evicted != 7 {
		t.Errorf("ack endpoint = %+v", ep)
	}
}

func TestListAndGetSessions(t *testing.T) {
	db := newTestDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range 3 {
		if err := db.SaveSession(sampleRecord(fmt.Sprintf("s%d", i), base.Add(time.Duration(i)*time.Minute), domain.OutcomeOK)); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
	}
	srv, _ := newTestServer(t, db, nil)
	h := srv.Handler()

	w := get(t, h, "/api/sessions?limit=2")
	var list struct {
		Sessions []domain.SessionRecord `json:"sessions"`
	}
	decode(t, w, &list)
	if len(list.Sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(list.Sessions))
	}
	if list.Sessions[0].ID != "s2" {
		t.Errorf("first = %q, want newest s2", list.Sessions[0].ID)
	}

	w = get(t, h, "/api/sessions/s1")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var rec domain.SessionRecord
	decode(t, w, &rec)
	if rec.ID != "s1" || len(rec.Matches) != 1 {
		t.Errorf("record = %+v", rec)
	}

	if w := get(t, h, "/api/sessions/missing"); w.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", w.Code)
	}

	w = get(t, h, "/api/sessions/stats")
	var stats struct {
		Outcomes map[string]int `json:"outcomes"`
	}
	decode(t, w, &stats)
	if stats.Outcomes[domain.OutcomeOK] != 3 {
		t.Errorf("outcomes = %v, want ok=3", stats.Outcomes)
	}
}

func TestListSessions_Empty(t *testing.T) {
	srv, _ := newTestServer(t, newTestDB(t), nil)
	w := get(t, srv.Handler(), "/api/sessions")
	if strings.TrimSpace(w.Body.String()) != `{"sessions":[]}` {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestListSessions_BadLimit(t *testing.T) {
	srv, _ := newTestServer(t, newTestDB(t), nil)
	for _, q := range []string{"0", "-3", "ten"} {
		if w := get(t, srv.Handler(), "/api/sessions?limit="+q); w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", q, w.Code)
		}
	}
}

func TestStoreErrors(t *testing.T) {
	srv := NewServer(brokenStore{}, nil, nil)
	h := srv.Handler()
	for _, path := range []string{"/api/sessions", "/api/sessions/x", "/api/sessions/stats"} {
		w := get(t, h, path)
		if w.Code != http.StatusInternalServerError {
			t.Errorf("%s status = %d, want 500", path, w.Code)
		}
		body, _ := io.ReadAll(w.Body)
		if !strings.Contains(string(body), "disk on fire") {
			t.Errorf("%s body = %s", path, body)
		}
	}
}

// ─── Event feed ─────────────────────────────────────────────────────────────

func readEvent(t *testing.T, conn *websocket.Conn) session.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev session.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return ev
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventFeed(t *testing.T) {
	srv, hub := newTestServer(t, newTestDB(t), nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	hub.Publish(session.Event{SessionID: "abc", Stage: session.StageDiscover, Status: session.EventStarted})
	waitFor(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.backlog) == 1
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if ev := readEvent(t, conn); ev.Stage != session.StageDiscover || ev.SessionID != "abc" {
		t.Errorf("backlog event = %+v", ev)
	}

	waitFor(t, func() bool { return hub.Clients() == 1 })
	hub.Publish(session.Event{SessionID: "abc", Stage: session.StageElect, Status: session.EventCompleted})
	if ev := readEvent(t, conn); ev.Stage != session.StageElect || ev.Status != session.EventCompleted {
		t.Errorf("live event = %+v", ev)
	}
}

func TestEventFeed_BacklogBounded(t *testing.T) {
	cfg := DefaultHubConfig()
	cfg.Backlog = 3
	hub := NewEventHub(cfg)
	for i := range 5 {
		hub.broadcast(session.Event{SessionID: fmt.Sprint(i)})
	}
	if len(hub.backlog) != 3 {
		t.Fatalf("backlog = %d, want 3", len(hub.backlog))
	}
	var first session.Event
	if err := json.Unmarshal(hub.backlog[0], &first); err != nil {
		t.Fatal(err)
	}
	if first.SessionID != "2" {
		t.Errorf("oldest kept = %q, want 2", first.SessionID)
	}
}

func TestEventFeed_ClientsDropOnShutdown(t *testing.T) {
	hub := NewEventHub(DefaultHubConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Start(ctx)
		close(done)
	}()

	ts := httptest.NewServer(http.HandlerFunc(hub.HandleEvents))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return hub.Clients() == 1 })

	cancel()
	<-done
	if hub.Clients() != 0 {
		t.Errorf("Clients() = %d after shutdown, want 0", hub.Clients())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the feed to close")
	}
}
