package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schulmacher/krupton-sub002/internal/config"
)

func getenv(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestLoadFrom_Defaults(t *testing.T) {
	cfg := config.LoadFrom(getenv(nil))

	assert.Equal(t, []string{"BTCUSDT"}, cfg.Symbols)
	assert.Equal(t, 200, cfg.ConsumerBatchSize)
	assert.Equal(t, 500, cfg.FlushMaxBatch)
	assert.Equal(t, 2*time.Second, cfg.FlushMaxWait)
	assert.False(t, cfg.ArchiveEnabled())
	require.NoError(t, cfg.ValidateRecorder())
	require.NoError(t, cfg.ValidateTransformer())
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg := config.LoadFrom(getenv(map[string]string{
		"KRUPTON_SYMBOLS":             " btcusdt, ethusdt ,,",
		"KRUPTON_CONSUMER_BATCH_SIZE": "50",
		"KRUPTON_FLUSH_MAX_WAIT":      "250ms",
		"KRUPTON_FLUSH_MAX_BATCH":     "not-a-number",
		"KRUPTON_ARCHIVE_BUCKET":      "archive",
	}))

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Symbols)
	assert.Equal(t, 50, cfg.ConsumerBatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.FlushMaxWait)
	assert.Equal(t, 500, cfg.FlushMaxBatch, "unparsable values fall back to the default")
	assert.True(t, cfg.ArchiveEnabled())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(config.Config) error
	}{
		{"empty dsn", func(c *config.Config) { c.PostgresDSN = "" }, config.Config.Validate},
		{"no symbols", func(c *config.Config) { c.Symbols = nil }, config.Config.Validate},
		{"wildcard symbol", func(c *config.Config) { c.Symbols = []string{"BTC*"} }, config.Config.Validate},
		{"zero batch", func(c *config.Config) { c.ConsumerBatchSize = 0 }, config.Config.ValidateTransformer},
		{"zero wait", func(c *config.Config) { c.FlushMaxWait = 0 }, config.Config.ValidateTransformer},
		{"zero poll", func(c *config.Config) { c.RESTPollInterval = 0 }, config.Config.ValidateRecorder},
		{"inherits base", func(c *config.Config) { c.NATSURL = "" }, config.Config.ValidateRecorder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.LoadFrom(getenv(nil))
			tt.mutate(&cfg)
			assert.Error(t, tt.check(cfg))
		})
	}
}
