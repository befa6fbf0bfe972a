package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradewatch/internal/rules"
)

// exerciseBackend runs the same contract against every backend implementation.
func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

	t.Run("monitor state round trip", func(t *testing.T) {
		_, err := b.LoadMonitorState(ctx, "desk")
		require.True(t, errors.Is(err, ErrNotFound), "fresh monitor should be ErrNotFound, got %v", err)

		rule := rules.Rule{Symbol: "spy", Kind: rules.KindCrosses, Threshold: decimal.RequireFromString("450.5"), Channels: []string{"log"}}
		rule.Normalize(now)
		state := MonitorState{
			Key:      "desk",
			Settings: MonitorSettings{Interval: 30 * time.Second, Account: "5WT00001", MinSeverity: "warning"},
			Rules:    []rules.Rule{rule},
			Observations: []rules.Observation{{
				ObservationKey: rules.ObservationKey{Symbol: "SPY", Metric: rules.MetricPrice},
				Value:          decimal.RequireFromString("449.9"),
				ObservedAt:     now,
			}},
			Ticks:     7,
			UpdatedAt: now,
		}
		require.NoError(t, b.SaveMonitorState(ctx, state))

		state.Ticks = 8
		require.NoError(t, b.SaveMonitorState(ctx, state))

		got, err := b.LoadMonitorState(ctx, "desk")
		require.NoError(t, err)
		assert.Equal(t, int64(8), got.Ticks)
		assert.Equal(t, state.Settings, got.Settings)
		require.Len(t, got.Rules, 1)
		assert.Equal(t, rule.ID, got.Rules[0].ID)
		assert.True(t, rule.Threshold.Equal(got.Rules[0].Threshold))
		require.Len(t, got.Observations, 1)
		assert.True(t, got.Observations[0].Value.Equal(decimal.RequireFromString("449.9")))

		list, err := b.ListMonitorStates(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)

		require.NoError(t, b.DeleteMonitorState(ctx, "desk"))
		_, err = b.LoadMonitorState(ctx, "desk")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("scheduled jobs", func(t *testing.T) {
		next := now.Add(24 * time.Hour)
		msg := "upstream 503"
		job := JobRecord{
			ID:        "morning-report",
			Kind:      "portfolio-report",
			TimeOfDay: "09:30",
			Weekdays:  []string{"mon", "tue", "wed", "thu", "fri"},
			Enabled:   true,
			Params:    map[string]string{"account": "5WT00001"},
			LastRun:   &now,
			NextRun:   &next,
			LastError: &msg,
		}
		require.NoError(t, b.SaveScheduledJob(ctx, job))
		require.NoError(t, b.SaveScheduledJob(ctx, JobRecord{ID: "prune", Kind: "prune-deliveries", Cron: "0 3 * * *"}))

		jobs, err := b.LoadScheduledJobs(ctx)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, "morning-report", jobs[0].ID)
		assert.Equal(t, job.Weekdays, jobs[0].Weekdays)
		assert.Equal(t, "5WT00001", jobs[0].Params["account"])
		require.NotNil(t, jobs[0].NextRun)
		assert.True(t, next.Equal(*jobs[0].NextRun))
		require.NotNil(t, jobs[0].LastError)
		assert.Equal(t, msg, *jobs[0].LastError)
		assert.False(t, jobs[1].Enabled)

		require.NoError(t, b.DeleteScheduledJob(ctx, "prune"))
		jobs, err = b.LoadScheduledJobs(ctx)
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
	})

	t.Run("deliveries", func(t *testing.T) {
		for i, outcome := range []string{OutcomeDelivered, OutcomeRateLimited, OutcomeDelivered} {
			require.NoError(t, b.RecordDelivery(ctx, DeliveryRecord{
				MonitorKey:  "desk",
				Fingerprint: "fp",
				Channel:     "log",
				Outcome:     outcome,
				CreatedAt:   now.Add(time.Duration(i) * time.Hour),
			}))
		}

		count, err := b.CountDeliveries(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)

		recent, err := b.ListRecentDeliveries(ctx, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.True(t, recent[0].CreatedAt.After(recent[1].CreatedAt))

		between, err := b.ListDeliveriesBetween(ctx, now, now.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Len(t, between, 2)

		removed, err := b.DeleteDeliveriesBefore(ctx, now.Add(90*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)
	})
}

func TestMemoryStore(t *testing.T) {
	exerciseBackend(t, NewMemoryStore())
}

func TestLocalStore(t *testing.T) {
	store, err := OpenLocal(":memory:")
	require.NoError(t, err)
	defer store.Close()

	exerciseBackend(t, store)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SaveMonitorState(ctx, MonitorState{Key: "k", Rules: []rules.Rule{{ID: "a", Channels: []string{"log"}}}}))

	got, err := store.LoadMonitorState(ctx, "k")
	require.NoError(t, err)
	got.Rules[0].Channels[0] = "mutated"

	again, err := store.LoadMonitorState(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "log", again.Rules[0].Channels[0])
}

func TestNilStoreNotConfigured(t *testing.T) {
	var s *Store
	_, err := s.LoadMonitorState(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
