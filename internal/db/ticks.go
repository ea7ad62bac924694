package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/ctrlbridge/internal/actuation"
	"github.com/banshee-data/ctrlbridge/internal/control"
)

// Run is one control session, from process start to shutdown.
type Run struct {
	RunID       string `json:"run_id"`
	StartedUnix int64  `json:"started_unix"`
	StoppedUnix *int64 `json:"stopped_unix,omitempty"`
	PolicyMode  string `json:"policy_mode"`
	Transport   string `json:"transport"`
	ConfigJSON  string `json:"config_json"`
	Version     string `json:"version"`
}

// TickRecord is the persisted outcome of one control tick.
type TickRecord struct {
	RunID            string
	Seq              uint64
	Time             time.Time
	Command          control.Vector
	Applied          control.Vector
	Fallback         bool
	RefineFailed     bool
	Latency          time.Duration
	StabilityLoss    *float64
	ManipulationLoss *float64
	PolicyLoss       *float64
	Error            string
}

// ErrRunNotFound is returned when no run matches.
var ErrRunNotFound = errors.New("db: run not found")

// StartRun inserts a run row, assigning a new UUID when RunID is empty.
func (db *DB) StartRun(r Run) (Run, error) {
	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
	if r.StartedUnix == 0 {
		r.StartedUnix = time.Now().Unix()
	}
	if r.ConfigJSON == "" {
		r.ConfigJSON = "{}"
	}
	_, err := db.Exec(
		`INSERT INTO control_runs (run_id, started_unix, policy_mode, transport, config_json, version)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.RunID, r.StartedUnix, r.PolicyMode, r.Transport, r.ConfigJSON, r.Version,
	)
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return r, nil
}

// StopRun stamps the run's stop time.
func (db *DB) StopRun(runID string, at time.Time) error {
	res, err := db.Exec(`UPDATE control_runs SET stopped_unix = ? WHERE run_id = ?`, at.Unix(), runID)
	if err != nil {
		return fmt.Errorf("stop run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (db *DB) ListRuns(limit int) ([]Run, error) {
	rows, err := db.Query(
		`SELECT run_id, started_unix, stopped_unix, policy_mode, transport, config_json, version
		 FROM control_runs ORDER BY started_unix DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var stopped sql.NullInt64
		if err := rows.Scan(&r.RunID, &r.StartedUnix, &stopped, &r.PolicyMode, &r.Transport, &r.ConfigJSON, &r.Version); err != nil {
			return nil, err
		}
		if stopped.Valid {
			v := stopped.Int64
			r.StoppedUnix = &v
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestRun returns the newest run.
func (db *DB) LatestRun() (Run, error) {
	runs, err := db.ListRuns(1)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, ErrRunNotFound
	}
	return runs[0], nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// InsertTicks writes a batch of tick records in one transaction.
func (db *DB) InsertTicks(ticks []TickRecord) error {
	if len(ticks) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO control_ticks (
			run_id, seq, tick_unix_nanos, command, applied, fallback, refine_failed,
			latency_nanos, stability_loss, manipulation_loss, policy_loss, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range ticks {
		cmd := actuation.EncodeFrame(t.Command)
		applied := actuation.EncodeFrame(t.Applied)
		if _, err := stmt.Exec(
			t.RunID, int64(t.Seq), t.Time.UnixNano(), cmd[:], applied[:], t.Fallback, t.RefineFailed,
			t.Latency.Nanoseconds(), nullFloat(t.StabilityLoss), nullFloat(t.ManipulationLoss),
			nullFloat(t.PolicyLoss), nullString(t.Error),
		); err != nil {
			return fmt.Errorf("insert tick %d: %w", t.Seq, err)
		}
	}
	return tx.Commit()
}

// RecentTicks returns up to limit of the run's newest ticks in ascending
// sequence order.
func (db *DB) RecentTicks(runID string, limit int) ([]TickRecord, error) {
	rows, err := db.Query(
		`SELECT run_id, seq, tick_unix_nanos, command, applied, fallback, refine_failed,
		        latency_nanos, stability_loss, manipulation_loss, policy_loss, error
		 FROM (SELECT * FROM control_ticks WHERE run_id = ? ORDER BY seq DESC LIMIT ?)
		 ORDER BY seq ASC`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TickRecord
	for rows.Next() {
		var (
			t                   TickRecord
			seq, nanos, latency int64
			cmd, applied        []byte
			stab, manip, pol    sql.NullFloat64
			errText             sql.NullString
		)
		if err := rows.Scan(&t.RunID, &seq, &nanos, &cmd, &applied, &t.Fallback, &t.RefineFailed,
			&latency, &stab, &manip, &pol, &errText); err != nil {
			return nil, err
		}
		t.Seq = uint64(seq)
		t.Time = time.Unix(0, nanos)
		t.Latency = time.Duration(latency)
		if t.Command, err = actuation.DecodeFrame(cmd); err != nil {
			return nil, fmt.Errorf("tick %d command: %w", seq, err)
		}
		if t.Applied, err = actuation.DecodeFrame(applied); err != nil {
			return nil, fmt.Errorf("tick %d applied: %w", seq, err)
		}
		if stab.Valid {
			t.StabilityLoss = &stab.Float64
		}
		if manip.Valid {
			t.ManipulationLoss = &manip.Float64
		}
		if pol.Valid {
			t.PolicyLoss = &pol.Float64
		}
		t.Error = errText.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTicks returns the number of ticks and fallbacks recorded for a run.
func (db *DB) CountTicks(runID string) (ticks, fallbacks int64, err error) {
	err = db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(fallback), 0) FROM control_ticks WHERE run_id = ?`, runID,
	).Scan(&ticks, &fallbacks)
	return ticks, fallbacks, err
}
