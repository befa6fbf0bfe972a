package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradewatch/internal/rules"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Notify.DedupWindow)
	assert.Equal(t, time.Hour, cfg.Notify.RateWindow)
	assert.Equal(t, 50, cfg.Notify.GlobalCap)
	assert.Equal(t, 10, cfg.Notify.CategoryCaps["price"])
	assert.Equal(t, 5, cfg.Notify.CategoryCaps["portfolio_risk"])
	assert.Equal(t, 100, cfg.Monitor.CheckpointEvery)
	assert.Equal(t, 30*time.Second, cfg.Monitor.ShutdownGrace)
	assert.Equal(t, time.Minute, cfg.Scheduler.CheckInterval)
	assert.Equal(t, time.UTC, cfg.Location())
	assert.Equal(t, 100000, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 10, cfg.ResolveMaxPoints(10))
}

func TestLoadMonitorsAndJobs(t *testing.T) {
	path := writeConfig(t, `
monitors:
  - key: main
    account: "5WT0001"
    rules:
      - symbol: AAPL
        kind: above
        threshold: 200
        channels: [log]
      - symbol: "*"
        kind: pnl-threshold
        threshold: -200
        pnl_side: loss
        channels: [log]
jobs:
  - id: morning
    kind: portfolio-report
    time: "09:30"
    weekdays: [mon, fri]
  - id: prune
    kind: prune-deliveries
    cron: "0 3 * * *"
    enabled: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Monitors, 1)
	m := cfg.Monitors[0]
	require.Len(t, m.Rules, 2)

	rule := m.Rules[0].Rule(m.Key, time.Now())
	assert.Equal(t, rules.KindAbove, rule.Kind)
	assert.Equal(t, "main", rule.MonitorKey)
	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, "200", rule.Threshold.String())

	require.Len(t, cfg.Jobs, 2)
	assert.True(t, cfg.Jobs[0].IsEnabled())
	assert.Equal(t, []string{"mon", "fri"}, cfg.Jobs[0].Weekdays)
	assert.False(t, cfg.Jobs[1].IsEnabled())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TRADEWATCH_NOTIFY_GLOBAL_CAP", "7")
	t.Setenv("TRADEWATCH_SCHEDULER_TIMEZONE", "America/New_York")

	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Notify.GlobalCap)
	assert.Equal(t, "America/New_York", cfg.Location().String())
}

func TestValidateErrors(t *testing.T) {
	cases := map[string]string{
		"driver":       "database:\n  driver: mongo\n",
		"postgres dsn": "database:\n  driver: postgres\n",
		"telegram":     "notify:\n  telegram:\n    enabled: true\n",
		"cache":        "quotes:\n  cache:\n    backend: disk\n",
		"timezone":     "scheduler:\n  timezone: Mars/Base\n",
		"lock key":     "scheduler:\n  advisory_lock_key: 4294967296\n",
		"bad rule": `
monitors:
  - key: main
    rules:
      - symbol: "*"
        kind: above
        threshold: 1
        channels: [log]
`,
		"duplicate monitor": `
monitors:
  - key: main
  - key: main
`,
		"job schedule": `
jobs:
  - id: nightly
    kind: prune-deliveries
`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}
