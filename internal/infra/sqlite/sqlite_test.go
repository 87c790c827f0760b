package sqlite

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/wustus/vibes/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testSession(id string, started time.Time) domain.SessionRecord {
	return domain.SessionRecord{
		ID:            id,
		Self:          "10.0.0.1",
		Roster:        domain.Roster{"10.0.0.2", "10.0.0.3"},
		IsCoordinator: true,
		Coordinator:   "10.0.0.1",
		StartTime:     1_700_000_000,
		Stage:         "start",
		Outcome:       domain.OutcomeOK,
		StartedAt:     started,
		FinishedAt:    started.Add(3 * time.Second),
		Matches: []domain.MatchRecord{
			{Winner: "10.0.0.1", Loser: "10.0.0.2", Status: "WIN"},
			{Winner: "10.0.0.1", Loser: "10.0.0.3", Status: "LOSE"},
		},
	}
}

// ─── Database Lifecycle ─────────────────────────────────────────────────────

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "state.db")); os.IsNotExist(err) {
		t.Error("state.db should exist")
	}
}

func TestOpen_Ping(t *testing.T) {
	db := newTestDB(t)
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SaveSession(testSession("s1", time.Now())); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if _, err := db.GetSession("s1"); err != nil {
		t.Errorf("session lost across reopen: %v", err)
	}
}

// ─── Node Info ──────────────────────────────────────────────────────────────

func TestNodeInfo(t *testing.T) {
	db := newTestDB(t)

	if v, err := db.GetNodeInfo("address"); err != nil || v != "" {
		t.Errorf("GetNodeInfo(missing) = %q, %v", v, err)
	}
	if err := db.SetNodeInfo("address", "10.0.0.1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetNodeInfo("address", "10.0.0.9"); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.GetNodeInfo("address"); v != "10.0.0.9" {
		t.Errorf("GetNodeInfo = %q, want 10.0.0.9", v)
	}
}

// ─── Sessions ───────────────────────────────────────────────────────────────

func TestSaveSession_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	started := time.UnixMilli(time.Now().UnixMilli())
	want := testSession("s1", started)
	want.Samples = []domain.ClockSample{{ReqSent: 1, ReqRecv: 3, ResSent: 3, ResRecv: 4}}

	if err := db.SaveSession(want); err != nil {
		t.Fatalf("SaveSession() error: %v", err)
	}

	got, err := db.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession() error: %v", err)
	}
	if got.Self != want.Self || got.Coordinator != want.Coordinator || !got.IsCoordinator {
		t.Errorf("got %+v", got)
	}
	if !slices.Equal(got.Roster, want.Roster) {
		t.Errorf("Roster = %v, want %v", got.Roster, want.Roster)
	}
	if !got.StartedAt.Equal(want.StartedAt) || got.Duration() != 3*time.Second {
		t.Errorf("times = %v / %v", got.StartedAt, got.Duration())
	}
	if !slices.Equal(got.Matches, want.Matches) {
		t.Errorf("Matches = %+v", got.Matches)
	}
	if !slices.Equal(got.Samples, want.Samples) {
		t.Errorf("Samples = %+v", got.Samples)
	}
}

func TestSaveSession_UpdateReplacesChildren(t *testing.T) {
	db := newTestDB(t)
	r := testSession("s1", time.Now())
	r.Outcome = domain.OutcomeRunning
	r.FinishedAt = time.Time{}
	if err := db.SaveSession(r); err != nil {
		t.Fatal(err)
	}

	r.Outcome = domain.OutcomeFailed
	r.Error = "election: session stage timed out"
	r.Matches = r.Matches[:1]
	r.FinishedAt = time.Now()
	if err := db.SaveSession(r); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetSession("s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Outcome != domain.OutcomeFailed || got.Error == "" || got.FinishedAt.IsZero() {
		t.Errorf("got %+v", got)
	}
	if len(got.Matches) != 1 {
		t.Errorf("Matches = %d, want 1", len(got.Matches))
	}
}

func TestGetSession_NotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetSession("nope")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("GetSession() = %v, want ErrSessionNotFound", err)
	}
}

func TestListSessions_NewestFirst(t *testing.T) {
	db := newTestDB(t)
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		r := testSession(id, base.Add(time.Duration(i)*time.Minute))
		r.Roster = nil
		if err := db.SaveSession(r); err != nil {
			t.Fatal(err)
		}
	}

	all, err := db.ListSessions(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Errorf("order = %v", ids(all))
	}
	if len(all[0].Roster) != 0 {
		t.Errorf("empty roster loaded as %v", all[0].Roster)
	}

	top, err := db.ListSessions(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 {
		t.Errorf("ListSessions(2) = %d rows", len(top))
	}
}

func TestCountAndPruneSessions(t *testing.T) {
	db := newTestDB(t)
	old := testSession("old", time.Now().Add(-48*time.Hour))
	old.Outcome = domain.OutcomeFailed
	for _, r := range []domain.SessionRecord{old, testSession("new", time.Now())} {
		if err := db.SaveSession(r); err != nil {
			t.Fatal(err)
		}
	}

	counts, err := db.CountSessions()
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.OutcomeOK] != 1 || counts[domain.OutcomeFailed] != 1 {
		t.Errorf("counts = %v", counts)
	}

	n, err := db.PruneSessions(time.Now().Add(-24 * time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PruneSessions = %d, %v", n, err)
	}
	if _, err := db.GetSession("old"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Error("pruned session still present")
	}
}

func ids(rs []domain.SessionRecord) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
