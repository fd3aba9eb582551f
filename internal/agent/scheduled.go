package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/serialagent/internal/bus"
	"github.com/nextlevelbuilder/serialagent/internal/scheduler"
	"github.com/nextlevelbuilder/serialagent/internal/sessions"
)

// ScheduledDispatcher adapts an Engine+Registry pair to scheduler.Dispatcher
// (spec §4.6 step 3: "under an internal agent identity"), so the scheduler
// package itself never needs to know about turns or sessions.
type ScheduledDispatcher struct {
	Engine   *Engine
	Registry *sessions.Registry
}

// DispatchScheduled runs one synthetic turn for a cron firing and returns
// the assistant's final text, used for digest/dedup hashing upstream.
func (d *ScheduledDispatcher) DispatchScheduled(ctx context.Context, sch scheduler.Schedule) (string, error) {
	runID := fmt.Sprintf("%d", time.Now().UnixNano())
	key := sessions.BuildCronSessionKey(sch.AgentID, sch.ID, runID)

	lease, err := d.Registry.AcquireTurn(key, sch.AgentID, "cron")
	if err != nil {
		return "", fmt.Errorf("schedule %s: %w", sch.ID, err)
	}
	defer lease.Release()

	req := bus.TurnRequest{
		AgentID:  sch.AgentID,
		PeerID:   sch.Payload.To,
		ChatID:   sch.Payload.To,
		ChatType: bus.ChatDirect,
		Text:     sch.Payload.Message,
	}

	var final string
	for ev := range d.Engine.RunTurn(ctx, lease, req) {
		switch ev.Kind {
		case EventFinal:
			final = ev.Content
		case EventError:
			return final, fmt.Errorf("schedule %s: %s", sch.ID, ev.Message)
		}
	}
	return final, nil
}
