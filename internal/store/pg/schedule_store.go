package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/serialagent/internal/scheduler"
)

// ScheduleStore persists Schedules and Runs to Postgres and implements
// scheduler.Store, grounded on the teacher's PGSessionStore direct-SQL
// idiom (no cache layer is needed here: the in-process Scheduler already
// holds the authoritative live copy of every Schedule in its heap).
type ScheduleStore struct {
	db *sql.DB
}

// NewScheduleStore wraps db, matching the teacher's NewPGSessionStore(db)
// constructor shape.
func NewScheduleStore(db *sql.DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

// SaveSchedule upserts a Schedule row (spec §4.6 step 4: persisted after
// every reschedule so a restart resumes from the correct next_run_at).
func (s *ScheduleStore) SaveSchedule(ctx context.Context, sch *scheduler.Schedule) error {
	payload, err := json.Marshal(sch.Payload)
	if err != nil {
		return fmt.Errorf("marshal schedule payload: %w", err)
	}
	backoff := sch.Backoff
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (
			id, cron_expr, timezone, agent_id, payload, digest_mode, missed_policy,
			max_concurrency, backoff_base_ms, backoff_factor, backoff_max_ms,
			delivery_targets, last_run_at, next_run_at, consecutive_failures,
			last_output_hash, enabled, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,now())
		ON CONFLICT (id) DO UPDATE SET
			cron_expr = $2, timezone = $3, agent_id = $4, payload = $5,
			digest_mode = $6, missed_policy = $7, max_concurrency = $8,
			backoff_base_ms = $9, backoff_factor = $10, backoff_max_ms = $11,
			delivery_targets = $12, last_run_at = $13, next_run_at = $14,
			consecutive_failures = $15, last_output_hash = $16, enabled = $17,
			updated_at = now()`,
		sch.ID, sch.CronExpr, sch.Timezone, sch.AgentID, payload, sch.DigestMode,
		sch.MissedPolicy, sch.MaxConcurrency, backoff.BaseMs, backoff.Factor, backoff.MaxMs,
		pq.Array(sch.DeliveryTargets), sch.LastRunAt, sch.NextRunAt, sch.ConsecutiveFailures,
		sch.LastOutputHash, sch.Enabled,
	)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

// SaveRun inserts an immutable Run record (spec §4.6 step 3, §3 Data Model).
func (s *ScheduleStore) SaveRun(ctx context.Context, run *scheduler.Run) error {
	var endedAt *time.Time
	if !run.EndedAt.IsZero() {
		endedAt = &run.EndedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, schedule_id, started_at, ended_at, status, output, output_hash, error, delivered)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			ended_at = $4, status = $5, output = $6, output_hash = $7, error = $8, delivered = $9`,
		run.ID, run.ScheduleID, run.StartedAt, endedAt, run.Status, run.Output, run.OutputHash, run.Error, run.Delivered,
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// LoadSchedules hydrates every enabled Schedule on boot (spec §4.6: a
// restarted gateway must resume firing at each schedule's persisted
// next_run_at rather than re-seeding from config).
func (s *ScheduleStore) LoadSchedules(ctx context.Context) ([]*scheduler.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cron_expr, timezone, agent_id, payload, digest_mode, missed_policy,
		       max_concurrency, backoff_base_ms, backoff_factor, backoff_max_ms,
		       delivery_targets, last_run_at, next_run_at, consecutive_failures,
		       last_output_hash, enabled
		FROM schedules WHERE enabled`)
	if err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}
	defer rows.Close()

	var out []*scheduler.Schedule
	for rows.Next() {
		sch := &scheduler.Schedule{}
		var payload []byte
		var targets pq.StringArray
		if err := rows.Scan(
			&sch.ID, &sch.CronExpr, &sch.Timezone, &sch.AgentID, &payload, &sch.DigestMode,
			&sch.MissedPolicy, &sch.MaxConcurrency, &sch.Backoff.BaseMs, &sch.Backoff.Factor,
			&sch.Backoff.MaxMs, &targets, &sch.LastRunAt, &sch.NextRunAt, &sch.ConsecutiveFailures,
			&sch.LastOutputHash, &sch.Enabled,
		); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if err := json.Unmarshal(payload, &sch.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal schedule payload %s: %w", sch.ID, err)
		}
		sch.DeliveryTargets = []string(targets)
		out = append(out, sch)
	}
	return out, rows.Err()
}

// RecentRuns returns the most recent runs for a schedule, newest first, for
// GET /v1/runs (spec §6).
func (s *ScheduleStore) RecentRuns(ctx context.Context, scheduleID string, limit int) ([]*scheduler.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_id, started_at, ended_at, status, output, output_hash, error, delivered
		FROM runs WHERE schedule_id = $1 ORDER BY started_at DESC LIMIT $2`, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []*scheduler.Run
	for rows.Next() {
		run := &scheduler.Run{}
		var endedAt sql.NullTime
		if err := rows.Scan(&run.ID, &run.ScheduleID, &run.StartedAt, &endedAt, &run.Status,
			&run.Output, &run.OutputHash, &run.Error, &run.Delivered); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if endedAt.Valid {
			run.EndedAt = endedAt.Time
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
