// Package journal records published selections to SQLite for offline
// analysis of the selection policies. The selector never reads it back.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	"gonum.org/v1/gonum/spatial/r3"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/spirit/internal/monitoring"
	"github.com/banshee-data/spirit/internal/pastimage"
	"github.com/banshee-data/spirit/internal/transport"
)

// ErrNoRun is returned by Record before StartRun.
var ErrNoRun = errors.New("no journal run started")

// Journal is a SQLite-backed selection log.
type Journal struct {
	*sql.DB
	path string

	mu    sync.Mutex
	runID string
}

// Open opens (creating if needed) the journal at path and applies pending
// migrations.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	} else {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
			}
		}
	}

	j := &Journal{DB: db, path: path}
	if err := j.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// StartRun begins a new run for the given policy and makes it the target of
// subsequent Records. It returns the run ID.
func (j *Journal) StartRun(policy pastimage.Policy, startedAt time.Time) (string, error) {
	id := uuid.New().String()
	_, err := j.Exec(
		`INSERT INTO runs (run_id, started_at, policy, description) VALUES (?, ?, ?, ?)`,
		id, transport.StampSeconds(startedAt), string(policy.Kind), policy.Describe(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	j.mu.Lock()
	j.runID = id
	j.mu.Unlock()
	monitoring.Logf("[journal] run %s started with %s", id, policy.Describe())
	return id, nil
}

// RunID returns the current run, or "" before StartRun.
func (j *Journal) RunID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runID
}

// FinishRun stamps the current run's end time and selection count.
func (j *Journal) FinishRun(finishedAt time.Time) error {
	runID := j.RunID()
	if runID == "" {
		return ErrNoRun
	}
	_, err := j.Exec(`
		UPDATE runs
		   SET finished_at = ?,
		       selections = (SELECT COUNT(*) FROM selections WHERE run_id = ?)
		 WHERE run_id = ?`,
		transport.StampSeconds(finishedAt), runID, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// Record appends a selection to the current run.
func (j *Journal) Record(sel pastimage.Selection) error {
	runID := j.RunID()
	if runID == "" {
		return ErrNoRun
	}
	f := sel.Frame
	if f == nil {
		return fmt.Errorf("selection without a frame")
	}
	p := sel.Pose
	_, err := j.Exec(`
		INSERT INTO selections (
			run_id, pose_stamp, pose_x, pose_y, pose_z, pose_qx, pose_qy, pose_qz, pose_qw,
			frame_id, frame_stamp, frame_x, frame_y, frame_z, frame_qx, frame_qy, frame_qz, frame_qw,
			delay_s, distance_m
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, transport.StampSeconds(p.Stamp),
		p.Position.X, p.Position.Y, p.Position.Z,
		p.Orientation.Imag, p.Orientation.Jmag, p.Orientation.Kmag, p.Orientation.Real,
		int64(f.ID), transport.StampSeconds(f.Stamp),
		f.Position.X, f.Position.Y, f.Position.Z,
		f.Orientation.Imag, f.Orientation.Jmag, f.Orientation.Kmag, f.Orientation.Real,
		p.Stamp.Sub(f.Stamp).Seconds(), f.DistanceFrom(p.Position),
	)
	if err != nil {
		return fmt.Errorf("failed to record selection: %w", err)
	}
	return nil
}

// Consume records every selection received on msgs until the channel is
// closed or ctx is done. Transforms are ignored. Write failures are logged
// and do not stop consumption.
//
// The bus drops messages for a full subscriber, so msgs should come from
// Bus.SubscribeKind(transport.KindSelection, n) with n sized for the
// slowest expected write. Anything dropped shows up only in Bus.Dropped.
func (j *Journal) Consume(ctx context.Context, msgs <-chan transport.Message) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			if m.Kind != transport.KindSelection || m.Selection == nil {
				continue
			}
			if err := j.Record(*m.Selection); err != nil {
				failures++
				if failures == 1 || failures%100 == 0 {
					monitoring.Logf("[journal] %v (%d failures)", err, failures)
				}
			}
		}
	}
}

// SelectionRow is one recorded selection.
type SelectionRow struct {
	ID            int64
	RunID         string
	PoseStamp     time.Time
	PosePosition  r3.Vec
	FrameID       pastimage.FrameID
	FrameStamp    time.Time
	FramePosition r3.Vec
	Delay         time.Duration
	Distance      float64
}

// RecentSelections returns up to n selections of the current run, newest
// first.
func (j *Journal) RecentSelections(n int) ([]SelectionRow, error) {
	rows, err := j.Query(`
		SELECT selection_id, run_id, pose_stamp, pose_x, pose_y, pose_z,
		       frame_id, frame_stamp, frame_x, frame_y, frame_z, delay_s, distance_m
		  FROM selections
		 WHERE run_id = ?
		 ORDER BY selection_id DESC
		 LIMIT ?`, j.RunID(), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SelectionRow
	for rows.Next() {
		var r SelectionRow
		var poseStamp, frameStamp, delay float64
		var frameID int64
		if err := rows.Scan(
			&r.ID, &r.RunID, &poseStamp, &r.PosePosition.X, &r.PosePosition.Y, &r.PosePosition.Z,
			&frameID, &frameStamp, &r.FramePosition.X, &r.FramePosition.Y, &r.FramePosition.Z,
			&delay, &r.Distance,
		); err != nil {
			return nil, err
		}
		r.PoseStamp = transport.FromSeconds(poseStamp)
		r.FrameStamp = transport.FromSeconds(frameStamp)
		r.FrameID = pastimage.FrameID(frameID)
		r.Delay = time.Duration(delay * float64(time.Second))
		out = append(out, r)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts a tailsql console over the journal on the debug
// mux.
func (j *Journal) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logf("[journal] failed to create tailsql server: %v", err)
		return
	}
	tsql.SetDB("sqlite://"+j.path, j.DB, &tailsql.DBOptions{
		Label: "Selection journal",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL over the selection journal", tsql.NewMux())
}
