package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wustus/vibes/internal/domain"
)

// ─── Session Repository ─────────────────────────────────────────────────────

// SaveSession inserts or replaces a session with its matches and clock
// samples in one transaction.
func (d *DB) SaveSession(r domain.SessionRecord) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO sessions (id, self, roster, is_coordinator, coordinator, clock_offset, start_time, stage, outcome, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			roster=excluded.roster,
			is_coordinator=excluded.is_coordinator,
			coordinator=excluded.coordinator,
			clock_offset=excluded.clock_offset,
			start_time=excluded.start_time,
			stage=excluded.stage,
			outcome=excluded.outcome,
			error=excluded.error,
			finished_at=excluded.finished_at`,
		r.ID, string(r.Self), strings.Join(r.Roster.Strings(), ","), r.IsCoordinator,
		string(r.Coordinator), r.Offset, r.StartTime, r.Stage, r.Outcome, r.Error,
		r.StartedAt.UnixMilli(), nullableUnixMilli(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM matches WHERE session_id = ?`, r.ID); err != nil {
		return fmt.Errorf("clear matches: %w", err)
	}
	for _, m := range r.Matches {
		if _, err := tx.Exec(
			`INSERT INTO matches (session_id, winner, loser, status) VALUES (?, ?, ?, ?)`,
			r.ID, string(m.Winner), string(m.Loser), m.Status,
		); err != nil {
			return fmt.Errorf("insert match: %w", err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM clock_samples WHERE session_id = ?`, r.ID); err != nil {
		return fmt.Errorf("clear samples: %w", err)
	}
	for i, s := range r.Samples {
		if _, err := tx.Exec(
			`INSERT INTO clock_samples (session_id, seq, req_sent, req_recv, res_sent, res_recv) VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, i, s.ReqSent, s.ReqRecv, s.ResSent, s.ResRecv,
		); err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
	}

	return tx.Commit()
}

// GetSession loads one session with its matches and samples.
func (d *DB) GetSession(id string) (domain.SessionRecord, error) {
	row := d.db.QueryRow(sessionColumns+` WHERE id = ?`, id)
	r, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SessionRecord{}, fmt.Errorf("session %s: %w", id, domain.ErrSessionNotFound)
	}
	if err != nil {
		return domain.SessionRecord{}, err
	}

	if r.Matches, err = d.matches(id); err != nil {
		return domain.SessionRecord{}, err
	}
	if r.Samples, err = d.samples(id); err != nil {
		return domain.SessionRecord{}, err
	}
	return r, nil
}

// ListSessions returns the newest sessions first, without matches and
// samples. limit <= 0 returns all.
func (d *DB) ListSessions(limit int) ([]domain.SessionRecord, error) {
	q := sessionColumns + ` ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SessionRecord
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountSessions returns the number of sessions per outcome.
func (d *DB) CountSessions() (map[string]int, error) {
	rows, err := d.db.Query(`SELECT outcome, COUNT(*) FROM sessions GROUP BY outcome`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		out[outcome] = n
	}
	return out, rows.Err()
}

// PruneSessions deletes sessions started before cutoff and returns how
// many were removed.
func (d *DB) PruneSessions(cutoff time.Time) (int64, error) {
	res, err := d.db.Exec(`DELETE FROM sessions WHERE started_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *DB) matches(id string) ([]domain.MatchRecord, error) {
	rows, err := d.db.Query(`SELECT winner, loser, status FROM matches WHERE session_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MatchRecord
	for rows.Next() {
		var m domain.MatchRecord
		var winner, loser string
		if err := rows.Scan(&winner, &loser, &m.Status); err != nil {
			return nil, err
		}
		m.Winner, m.Loser = domain.DeviceAddress(winner), domain.DeviceAddress(loser)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (d *DB) samples(id string) ([]domain.ClockSample, error) {
	rows, err := d.db.Query(
		`SELECT req_sent, req_recv, res_sent, res_recv FROM clock_samples WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ClockSample
	for rows.Next() {
		var s domain.ClockSample
		if err := rows.Scan(&s.ReqSent, &s.ReqRecv, &s.ResSent, &s.ResRecv); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ─── Helpers ────────────────────────────────────────────────────────────────

const sessionColumns = `SELECT id, self, roster, is_coordinator, coordinator, clock_offset, start_time, stage, outcome, error, started_at, finished_at FROM sessions`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(s scanner) (domain.SessionRecord, error) {
	var (
		r                         domain.SessionRecord
		self, roster, coordinator string
		startedAt                 int64
		finishedAt                sql.NullInt64
	)
	err := s.Scan(&r.ID, &self, &roster, &r.IsCoordinator, &coordinator,
		&r.Offset, &r.StartTime, &r.Stage, &r.Outcome, &r.Error, &startedAt, &finishedAt)
	if err != nil {
		return domain.SessionRecord{}, err
	}

	r.Self = domain.DeviceAddress(self)
	r.Coordinator = domain.DeviceAddress(coordinator)
	r.Roster = domain.Roster{}
	if roster != "" {
		for _, a := range strings.Split(roster, ",") {
			r.Roster = append(r.Roster, domain.DeviceAddress(a))
		}
	}
	r.StartedAt = time.UnixMilli(startedAt)
	if finishedAt.Valid {
		r.FinishedAt = time.UnixMilli(finishedAt.Int64)
	}
	return r, nil
}

func nullableUnixMilli(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
