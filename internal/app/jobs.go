package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"tradewatch/internal/scheduler"
)

// ListJobs prints configured jobs with their next run and stored last run.
func (a *App) ListJobs(ctx context.Context, out io.Writer) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	sched := scheduler.New(scheduler.Options{Location: a.Config.Location()}, a.Logger)
	var skipped [][2]string
	for _, jc := range a.Config.Jobs {
		// listing only needs the schedule, not a runnable body
		noop := func(context.Context, scheduler.Job) error { return nil }
		if err := sched.AddJob(jobDefinition(jc), noop); err != nil {
			skipped = append(skipped, [2]string{jc.ID, err.Error()})
		}
	}

	records, err := store.LoadScheduledJobs(ctx)
	if err != nil {
		return err
	}
	lastRun := make(map[string]string, len(records))
	lastErr := make(map[string]string, len(records))
	for _, rec := range records {
		if rec.LastRun != nil {
			lastRun[rec.ID] = rec.LastRun.In(a.Config.Location()).Format(time.RFC3339)
		}
		if rec.LastError != nil {
			lastErr[rec.ID] = sanitizeInline(*rec.LastError)
		}
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tKind\tSchedule\tNext run\tLast run\tLast error")
	for _, job := range sched.ListJobs() {
		schedule := job.Cron
		if schedule == "" {
			days := "daily"
			if len(job.Weekdays) > 0 {
				days = strings.Join(job.Weekdays, ",")
			}
			schedule = fmt.Sprintf("%s %s", job.TimeOfDay, days)
		}
		nextRun := "disabled"
		if job.Enabled() {
			nextRun = job.NextRun.Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			job.ID, job.Kind, schedule, nextRun,
			orDash(lastRun[job.ID]), orDash(lastErr[job.ID]))
	}
	for _, s := range skipped {
		fmt.Fprintf(writer, "%s\t-\t-\t-\t-\t%s\n", s[0], s[1])
	}
	return writer.Flush()
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
