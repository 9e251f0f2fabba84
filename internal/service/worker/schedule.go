package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

const DefaultMaintenanceSchedule = "@every 1m"

var scheduleParser = cronv3.NewParser(cronv3.SecondOptional | cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor)

// ParseSchedule accepts five or six field expressions and descriptors such
// as "@every 30s".
func ParseSchedule(spec string) (cronv3.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultMaintenanceSchedule
	}
	schedule, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", spec, err)
	}
	return schedule, nil
}

// RunMaintenance runs Maintain on schedule until ctx is done. Overlapping
// passes are skipped.
func (w *Worker) RunMaintenance(ctx context.Context, spec string) error {
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	c := cronv3.New(
		cronv3.WithParser(scheduleParser),
		cronv3.WithChain(cronv3.SkipIfStillRunning(cronv3.DiscardLogger)),
	)
	c.Schedule(schedule, cronv3.FuncJob(func() {
		started := time.Now()
		if _, err := w.Maintain(ctx); err != nil && ctx.Err() == nil {
			w.deps.Logger.Error("maintenance pass failed", "error", err)
			return
		}
		w.deps.Logger.Debug("maintenance pass done", "duration_ms", time.Since(started).Milliseconds())
	}))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
