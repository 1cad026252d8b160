package gateway

import (
	"context"
	"fmt"
	"time"
)

// JobScheduler runs named jobs on a cron schedule.
type JobScheduler interface {
	Add(name, spec string, fn func(context.Context)) error
}

// RegisterReaper schedules Sweep every interval.
func (g *Gateway) RegisterReaper(s JobScheduler, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("reaper interval must be positive, got %s", interval)
	}
	spec := "@every " + interval.String()
	if err := s.Add("session-reaper", spec, func(context.Context) { g.Sweep() }); err != nil {
		return fmt.Errorf("register reaper: %w", err)
	}
	g.logger.Info("session reaper scheduled", "interval", interval, "stale_after", g.staleAfter)
	return nil
}
