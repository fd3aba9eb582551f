// Package scheduler implements the Scheduler (spec §4.6): a min-heap of
// Schedules keyed by next_run_at, one evaluator goroutine sleeping to the
// next fire time, missed-run policy, max_concurrency enforcement, failure
// backoff and digest-mode output suppression. Cron evaluation is delegated
// to github.com/adhocore/gronx, matching the teacher's go.mod dependency
// declared for this concern (the retrieved pack does not include the
// teacher's own scheduler source, only its call site in cmd/gateway_cron.go
// and its dependency on gronx).
package scheduler

import "time"

// MissedPolicy controls what happens when a schedule's next_run_at falls
// more than one cron period behind wall-clock time (spec §4.6 step 1).
type MissedPolicy string

const (
	MissedSkip    MissedPolicy = "skip"
	MissedOnce    MissedPolicy = "run_once"
	MissedCatchUp MissedPolicy = "catch_up"
)

// DigestMode controls whether a run's output is always delivered or only
// when it differs from the previous run (spec §4.6 step 5).
type DigestMode string

const (
	DigestNone         DigestMode = "none"
	DigestFull         DigestMode = "full"
	DigestChangesOnly  DigestMode = "changes_only"
)

// Backoff parameterizes the failure-retry delay: next = base * factor^n +
// jitter, capped at max (spec §4.6 step 4).
type Backoff struct {
	BaseMs int64 `json:"base_ms"`
	Factor float64 `json:"factor"`
	MaxMs  int64 `json:"max_ms"`
}

func (b Backoff) normalized() Backoff {
	if b.BaseMs <= 0 {
		b.BaseMs = 1000
	}
	if b.Factor <= 1 {
		b.Factor = 2
	}
	if b.MaxMs <= 0 {
		b.MaxMs = 10 * 60 * 1000
	}
	return b
}

// Payload is the synthetic message content a schedule fires with.
type Payload struct {
	Message string `json:"message"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
	Deliver bool   `json:"deliver,omitempty"`
}

// Schedule is the persisted unit of recurring work (spec §3 Data Model).
type Schedule struct {
	ID                 string       `json:"id"`
	CronExpr           string       `json:"cron_expr"`
	Timezone           string       `json:"timezone"`
	AgentID            string       `json:"agent_id"`
	Payload            Payload      `json:"payload"`
	DigestMode         DigestMode   `json:"digest_mode"`
	MissedPolicy       MissedPolicy `json:"missed_policy"`
	MaxConcurrency     int          `json:"max_concurrency"`
	Backoff            Backoff      `json:"backoff"`
	DeliveryTargets    []string     `json:"delivery_targets,omitempty"`
	LastRunAt          *time.Time   `json:"last_run_at,omitempty"`
	NextRunAt          time.Time    `json:"next_run_at"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastOutputHash     string       `json:"last_output_hash,omitempty"`
	Enabled            bool         `json:"enabled"`
}

// RunStatus is the lifecycle state of a single Run.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
)

// Run records one firing of a Schedule, for SSE observability and digest
// comparison (spec §4.6 step 3).
type Run struct {
	ID         string    `json:"id"`
	ScheduleID string    `json:"schedule_id"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
	Status     RunStatus `json:"status"`
	Output     string    `json:"output,omitempty"`
	OutputHash string    `json:"output_hash,omitempty"`
	Error      string    `json:"error,omitempty"`
	Delivered  bool      `json:"delivered"`
}
