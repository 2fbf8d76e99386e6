package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/nkoutso/federa/internal/federation"
	"github.com/nkoutso/federa/internal/natsbus"
)

// Announcer periodically publishes the federation stats aggregate on the
// events bus, driven by a cron expression.
type Announcer struct {
	schedule string
	stats    func() federation.Stats
	events   *natsbus.Client
}

func NewAnnouncer(schedule string, stats func() federation.Stats, events *natsbus.Client) (*Announcer, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid cron expression: %q", schedule)
	}
	return &Announcer{
		schedule: schedule,
		stats:    stats,
		events:   events,
	}, nil
}

// Start runs the announce loop until ctx is cancelled. Each iteration sleeps
// until the next cron tick rather than polling.
func (a *Announcer) Start(ctx context.Context) {
	slog.Info("stats announcer started", "schedule", a.schedule)

	for {
		next, err := gronx.NextTick(a.schedule, false)
		if err != nil {
			slog.Error("stats announcer cannot compute next tick", "schedule", a.schedule, "error", err)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("stats announcer stopped")
			return
		case <-timer.C:
			a.announce()
		}
	}
}

func (a *Announcer) announce() {
	if a.events == nil {
		return
	}

	stats := a.stats()
	event := map[string]any{
		"type":      "stats_announced",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      stats,
	}
	if err := a.events.PublishJSON(natsbus.TopicEventsStats, event); err != nil {
		slog.Warn("failed to publish stats announcement", "error", err)
		return
	}
	slog.Info("stats announced", "swarms", stats.TotalSwarms, "active", stats.ActiveSwarms)
}
