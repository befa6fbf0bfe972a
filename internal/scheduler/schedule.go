package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// WeeklySchedule fires at a fixed time of day on a set of weekdays.
type WeeklySchedule struct {
	Hour     int
	Minute   int
	Days     [7]bool
	Location *time.Location
}

var _ cron.Schedule = WeeklySchedule{}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekly builds a schedule from "HH:MM" and weekday names. An empty
// weekday list means every day.
func ParseWeekly(timeOfDay string, weekdays []string, loc *time.Location) (WeeklySchedule, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(timeOfDay))
	if err != nil {
		return WeeklySchedule{}, fmt.Errorf("%w: time of day %q: want HH:MM", ErrInvalidJob, timeOfDay)
	}
	if loc == nil {
		loc = time.UTC
	}

	s := WeeklySchedule{Hour: parsed.Hour(), Minute: parsed.Minute(), Location: loc}
	if len(weekdays) == 0 {
		for i := range s.Days {
			s.Days[i] = true
		}
		return s, nil
	}
	for _, name := range weekdays {
		day, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return WeeklySchedule{}, fmt.Errorf("%w: unknown weekday %q", ErrInvalidJob, name)
		}
		s.Days[day] = true
	}
	return s, nil
}

// Next returns today's slot when today matches and the slot is strictly after
// t, otherwise the first matching day within the following week.
func (s WeeklySchedule) Next(t time.Time) time.Time {
	loc := s.Location
	if loc == nil {
		loc = t.Location()
	}
	local := t.In(loc)

	for offset := 0; offset <= 7; offset++ {
		day := local.AddDate(0, 0, offset)
		if !s.Days[day.Weekday()] {
			continue
		}
		candidate := time.Date(day.Year(), day.Month(), day.Day(), s.Hour, s.Minute, 0, 0, loc)
		if candidate.After(t) {
			return candidate
		}
	}
	return time.Time{}
}

// Weekdays lists the enabled days as short names, Sunday first.
func (s WeeklySchedule) Weekdays() []string {
	short := [7]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}
	out := make([]string, 0, 7)
	for i, on := range s.Days {
		if on {
			out = append(out, short[i])
		}
	}
	return out
}

// parseSchedule picks a cron expression when present and the weekly form otherwise.
func parseSchedule(def Definition, loc *time.Location) (cron.Schedule, error) {
	if def.Cron != "" {
		sched, err := cron.ParseStandard(def.Cron)
		if err != nil {
			return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidJob, def.Cron, err)
		}
		return inLocation{sched: sched, loc: loc}, nil
	}
	return ParseWeekly(def.TimeOfDay, def.Weekdays, loc)
}

// inLocation evaluates a cron spec in the scheduler's timezone.
type inLocation struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s inLocation) Next(t time.Time) time.Time {
	if s.loc == nil {
		return s.sched.Next(t)
	}
	return s.sched.Next(t.In(s.loc))
}
