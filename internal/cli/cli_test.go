package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wustus/vibes/internal/app/session"
	"github.com/wustus/vibes/internal/daemon"
	"github.com/wustus/vibes/internal/domain"
)

// ─── Progress ───────────────────────────────────────────────────────────────

func TestBar(t *testing.T) {
	tests := []struct {
		done int
		want string
	}{
		{-1, "[" + strings.Repeat(".", barWidth) + "]"},
		{0, "[" + strings.Repeat(".", barWidth) + "]"},
		{2, "[" + strings.Repeat("=", 11) + ">" + strings.Repeat(".", 12) + "]"},
		{4, "[" + strings.Repeat("=", barWidth) + "]"},
		{9, "[" + strings.Repeat("=", barWidth) + "]"},
	}
	for _, tt := range tests {
		if got := bar(tt.done); got != tt.want {
			t.Errorf("bar(%d) = %q, want %q", tt.done, got, tt.want)
		}
	}
}

func TestProgressObserve(t *testing.T) {
	var buf bytes.Buffer
	p := newProgress(&buf)

	p.observe(session.Event{Stage: session.StageElect, Status: session.EventStarted, Elapsed: 1500 * time.Millisecond})
	p.observe(session.Event{Stage: session.StageSync, Status: session.EventFailed, Error: "no reply", Elapsed: 40 * time.Millisecond})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "elect") || !strings.Contains(lines[0], "+1.5s") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "FAILED: no reply") || !strings.Contains(lines[1], "+40ms") {
		t.Errorf("line 1 = %q", lines[1])
	}
}

// ─── Run flags ──────────────────────────────────────────────────────────────

func TestApplyRunFlags(t *testing.T) {
	defer func() { runDevices, runInterface, runAddress, runAPI = 0, "", "", "" }()

	tests := []struct {
		name    string
		devices int
		address string
		api     string
		wantErr bool
		check   func(t *testing.T, c daemon.Config)
	}{
		{"defaults untouched", 0, "", "", false, func(t *testing.T, c daemon.Config) {
			if c.Node.Devices != 2 || !c.API.Enabled {
				t.Errorf("config = %+v", c)
			}
		}},
		{"devices and api", 4, "10.0.0.7", "0.0.0.0:9000", false, func(t *testing.T, c daemon.Config) {
			if c.Node.Devices != 4 || c.Node.Address != "10.0.0.7" {
				t.Errorf("node = %+v", c.Node)
			}
			if c.API.Host != "0.0.0.0" || c.API.Port != 9000 {
				t.Errorf("api = %+v", c.API)
			}
		}},
		{"api off", 0, "", "off", false, func(t *testing.T, c daemon.Config) {
			if c.API.Enabled {
				t.Error("api should be disabled")
			}
		}},
		{"negative devices", -1, "", "", true, nil},
		{"ipv6 address", 0, "::1", "", true, nil},
		{"bad api", 0, "", "localhost", true, nil},
		{"bad api port", 0, "", "localhost:http-ish", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runDevices, runAddress, runAPI = tt.devices, tt.address, tt.api
			cfg := daemon.DefaultConfig()
			err := applyRunFlags(&cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

// ─── Output ─────────────────────────────────────────────────────────────────

func sampleSession() domain.SessionRecord {
	started := time.Date(2026, 5, 2, 20, 0, 0, 0, time.UTC)
	return domain.SessionRecord{
		ID:            "8c1f2a9e-0000-4000-8000-000000000000",
		Self:          "10.0.0.1",
		Roster:        domain.Roster{"10.0.0.2", "10.0.0.3"},
		IsCoordinator: true,
		Coordinator:   "10.0.0.1",
		StartTime:     domain.UnixToNTP(started.Add(10 * time.Second).Unix()),
		Stage:         "done",
		Outcome:       domain.OutcomeOK,
		StartedAt:     started,
		FinishedAt:    started.Add(2500 * time.Millisecond),
	}
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, sampleSession())
	out := buf.String()

	for _, want := range []string{"OUTCOME", "ok", "coordinator", "[10.0.0.2 10.0.0.3]", "DURATION", "2.5s"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintResult_Failed(t *testing.T) {
	rec := sampleSession()
	rec.Outcome = domain.OutcomeFailed
	rec.Stage = "discover"
	rec.Error = "discovery: 1 of 3 peers: stage timed out"

	var buf bytes.Buffer
	printResult(&buf, rec)
	if !strings.Contains(buf.String(), "(stage discover)") {
		t.Errorf("output missing failed stage:\n%s", buf.String())
	}
	if strings.Contains(buf.String(), "START") {
		t.Error("failed session should not print a start time")
	}
}

func TestPrintHistory(t *testing.T) {
	var buf bytes.Buffer
	if err := printHistory(&buf, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No sessions") {
		t.Errorf("empty history = %q", buf.String())
	}

	buf.Reset()
	if err := printHistory(&buf, []domain.SessionRecord{sampleSession()}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "8c1f2a9e") || strings.Contains(out, "8c1f2a9e-") {
		t.Errorf("id not shortened:\n%s", out)
	}
	if !strings.Contains(out, "10.0.0.1 (self)") {
		t.Errorf("coordinator column:\n%s", out)
	}
}

func TestFetchStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/session" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(sessionStatus{Stage: session.StageSync, Session: sampleSession()})
	}))
	defer ts.Close()

	st, err := fetchStatus(ts.Client(), ts.URL)
	if err != nil {
		t.Fatalf("fetchStatus: %v", err)
	}
	if st.Stage != session.StageSync || st.Session.Coordinator != "10.0.0.1" {
		t.Errorf("status = %+v", st)
	}
}

func TestFetchStatus_NoSession(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"no session running"}}`, http.StatusNotFound)
	}))
	defer ts.Close()

	_, err := fetchStatus(ts.Client(), ts.URL)
	if err == nil || !strings.Contains(err.Error(), "no session running") {
		t.Errorf("err = %v", err)
	}
}
