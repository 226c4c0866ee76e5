package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumio/loyalty-engine/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loyalty.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	// GIVEN no config file at all
	cfg, err := config.Load("")
	require.NoError(t, err)

	// THEN development defaults apply
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "./data/loyalty.db", cfg.DB.Path)
	assert.Equal(t, 12*time.Hour, cfg.SchedulerInterval())
	assert.Equal(t, int64(10), cfg.Earn.InvoiceDivisor)
	assert.Equal(t, 7, cfg.Streaks["daily_login"].Length)
	assert.Equal(t, 4, cfg.Streaks["consistent_month"].Length)

	// AND a path that does not exist behaves the same
	missing, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, cfg, missing)
}

func TestLoad_PartialFileOverridesOnlyNamedFields(t *testing.T) {
	// GIVEN a file that only overrides the listen address and one payout
	path := writeConfig(t, `
[server]
addr = ":9090"

[scheduler]
enabled = false
interval = "30m"

[earn]
daily_login = 3
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	// THEN the named fields change and everything else keeps its default
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 30*time.Minute, cfg.SchedulerInterval())
	assert.Equal(t, int64(3), cfg.Earn.DailyLogin)
	assert.Equal(t, int64(20), cfg.Earn.SurveyComplete)
	assert.Equal(t, "./data/loyalty.db", cfg.DB.Path)
}

func TestLoad_StreakOverrides(t *testing.T) {
	path := writeConfig(t, `
[streaks.daily_login]
enabled = true
length = 5
payout = 250

[streaks.consistent_month]
enabled = false
length = 4
payout = 200
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Streak{Enabled: true, Length: 5, Payout: 250}, cfg.Streaks["daily_login"])
	assert.False(t, cfg.Streaks["consistent_month"].Enabled)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"zero divisor": `
[earn]
invoice_divisor = 0
`,
		"bad streak length": `
[streaks.daily_login]
enabled = true
length = 0
`,
		"negative payout": `
[streaks.daily_login]
enabled = true
length = 7
payout = -10
`,
		"unparseable interval": `
[scheduler]
interval = "soonish"
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
