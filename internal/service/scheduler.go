package service

import (
	"context"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/tapedeck/tapedeck/internal/model"
)

// newScheduler returns a scheduler running task on cfg. A cron expression
// wins over a duration. Returns nil when both are empty.
func newScheduler(ctx context.Context, cfg model.TimerSchedule, task func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		every, err := model.ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing service.cleanup.schedule.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron, "every", every.String())
	case cfg.Duration != "":
		d, err := model.ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing service.cleanup.schedule.duration: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("service.cleanup.schedule.duration must be positive: %s", cfg.Duration)
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
	default:
		slog.DebugContext(ctx, "cleanup schedule is empty: periodic cleanup disabled")
		return nil, nil
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
