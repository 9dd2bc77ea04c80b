// Package store keeps the history of check results and incidents in Postgres.
// It is optional: the monitor loop never reads escalation state from it.
package store

import (
	"context"
	"strings"
	"time"

	"server-health/internal/config"
	"server-health/internal/monitor"

	"github.com/cenkalti/backoff/v4"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

const (
	statusUp      = "UP"
	statusDown    = "DOWN"
	statusTimeout = "TIMEOUT"

	// probe names the vantage point of a result. There is only one.
	probe = "primary"
)

// querier is the subset of *pgxpool.Pool the store uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store records monitor results. It implements monitor.Recorder.
type Store struct {
	db   querier
	pool *pgxpool.Pool
	log  logrus.FieldLogger
}

// Connect opens a pool to dbURL, waits for the database to answer and
// creates the schema if needed.
func Connect(ctx context.Context, dbURL string) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, trace.BadParameter("failed to parse database url: %v", err)
	}
	// PgBouncer in transaction pooling mode rejects prepared statements.
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	db, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, trace.Wrap(err, "failed to create database pool")
	}

	logger := logrus.WithField(trace.Component, "store")
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = time.Minute
	err = backoff.RetryNotify(func() error {
		return db.Ping(ctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.WithError(err).WithField("retry_in", next).Warn("Database not ready.")
	})
	if err != nil {
		db.Close()
		return nil, trace.ConnectionProblem(err, "database ping failed")
	}

	s := &Store{db: db, pool: db, log: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return s, nil
}

var _ monitor.Recorder = (*Store)(nil)

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return trace.Wrap(err, "failed to apply schema")
		}
	}
	s.log.Debug("Schema applied.")
	return nil
}

var schema = []string{`
	CREATE TABLE IF NOT EXISTS check_results (
		id          BIGSERIAL PRIMARY KEY,
		target_name TEXT NOT NULL,
		checked_at  TIMESTAMPTZ NOT NULL,
		status      TEXT NOT NULL,
		status_code INTEGER,
		error       TEXT,
		actions_run INTEGER NOT NULL DEFAULT 0,
		probe       TEXT NOT NULL
	)`, `
	CREATE INDEX IF NOT EXISTS check_results_target_checked_at
		ON check_results (target_name, checked_at DESC)`, `
	CREATE TABLE IF NOT EXISTS incidents (
		id                BIGSERIAL PRIMARY KEY,
		target_name       TEXT NOT NULL,
		probe             TEXT NOT NULL,
		started_at        TIMESTAMPTZ NOT NULL,
		start_status      TEXT NOT NULL,
		start_status_code INTEGER,
		start_error       TEXT,
		ended_at          TIMESTAMPTZ,
		end_status        TEXT,
		end_status_code   INTEGER,
		end_error         TEXT,
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// RecordCheck stores the outcome of one cycle for a target. A healthy result
// also closes any incident still open for the target, including one opened
// before a restart that the loop never saw recover.
func (s *Store) RecordCheck(ctx context.Context, t config.Target, res monitor.Result, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO check_results
			(target_name, checked_at, status, status_code, error, actions_run, probe)
		VALUES
			($1, $2, $3, NULLIF($4, 0), $5, $6, $7)
	`, t.Name, at, checkStatus(res), res.Status.StatusCode, nullableString(res.Status.ExecError), res.ActionsRun, probe)
	if err != nil {
		return trace.Wrap(err)
	}
	if !res.Up {
		return nil
	}
	return trace.Wrap(s.closeIncident(ctx, t.Name, at, res.Status.StatusCode, ""))
}

// RecordTransition opens an incident when a target goes down and closes the
// open one when it comes back. There is at most one open incident per target.
func (s *Store) RecordTransition(ctx context.Context, ev monitor.Event) error {
	if ev.To {
		return trace.Wrap(s.closeIncident(ctx, ev.TargetName, ev.At, ev.StatusCode, ev.Reason))
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO incidents (
			target_name, probe,
			started_at,
			start_status,
			start_status_code,
			start_error
		)
		SELECT $1, $2, $3, $4, NULLIF($5, 0), NULLIF($6, '')
		WHERE NOT EXISTS (
			SELECT 1 FROM incidents WHERE target_name = $1 AND probe = $2 AND ended_at IS NULL
		)
	`, ev.TargetName, probe, ev.At, transitionStatus(ev), ev.StatusCode, ev.Reason)
	return trace.Wrap(err)
}

func (s *Store) closeIncident(ctx context.Context, target string, at time.Time, statusCode int, reason string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE incidents
		   SET ended_at = $1,
		       end_status = $2,
		       end_status_code = NULLIF($3, 0),
		       end_error = NULLIF($4, ''),
		       updated_at = now()
		 WHERE target_name = $5
		   AND probe = $6
		   AND ended_at IS NULL
	`, at, statusUp, statusCode, reason, target, probe)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() > 0 {
		s.log.WithField("target", target).Info("Closed incident.")
	}
	return nil
}

// Uptime summarizes the recorded checks of a target since from.
type Uptime struct {
	Target      string  `json:"target"`
	TotalChecks int64   `json:"total_checks"`
	TotalUp     int64   `json:"total_up"`
	UptimePct   float64 `json:"uptime_pct"`
}

func (s *Store) Uptime(ctx context.Context, target string, from time.Time) (*Uptime, error) {
	u := Uptime{Target: target}
	err := s.db.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'UP') AS up
		  FROM check_results
		 WHERE target_name = $1 AND checked_at >= $2`,
		target, from,
	).Scan(&u.TotalChecks, &u.TotalUp)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if u.TotalChecks == 0 {
		return nil, trace.NotFound("no checks recorded for %v", target)
	}
	u.UptimePct = percent(u.TotalUp, u.TotalChecks)
	return &u, nil
}

// UptimeAll summarizes every target with recorded checks since from.
func (s *Store) UptimeAll(ctx context.Context, from time.Time) ([]Uptime, error) {
	rows, err := s.db.Query(ctx, `
		SELECT
			target_name,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'UP') AS up
		  FROM check_results
		 WHERE checked_at >= $1
		 GROUP BY target_name
		 ORDER BY target_name`,
		from,
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var out []Uptime
	for rows.Next() {
		var u Uptime
		if err := rows.Scan(&u.Target, &u.TotalChecks, &u.TotalUp); err != nil {
			return nil, trace.Wrap(err)
		}
		u.UptimePct = percent(u.TotalUp, u.TotalChecks)
		out = append(out, u)
	}
	return out, trace.Wrap(rows.Err())
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func checkStatus(res monitor.Result) string {
	switch {
	case res.Up:
		return statusUp
	case isTimeout(res.Status.ExecError):
		return statusTimeout
	}
	return statusDown
}

func transitionStatus(ev monitor.Event) string {
	switch {
	case ev.To:
		return statusUp
	case isTimeout(ev.Reason):
		return statusTimeout
	}
	return statusDown
}

func isTimeout(reason string) bool {
	return strings.Contains(strings.ToLower(reason), "timeout")
}

func nullableString(parts ...string) any {
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			return p
		}
	}
	return nil
}
