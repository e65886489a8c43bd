package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{name: "json stdout debug", config: Config{Level: "debug", Format: "json", OutputPath: "stdout"}},
		{name: "console stderr info", config: Config{Level: "info", Format: "console", OutputPath: "stderr"}},
		{name: "defaults", config: Config{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := New(tt.config)
			require.NoError(t, err)
			require.NotNil(t, log)
			require.NotNil(t, log.Logger)
		})
	}
}

func TestNewInvalidLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")

	log, err := New(Config{Level: "info", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.Info("hello", String("user", "alice"), Int("count", 2))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"user":"alice"`)
	assert.Contains(t, string(data), `"count":2`)
}

func TestWithAndNamed(t *testing.T) {
	log := Nop().Named("hub").With(String("conn_id", "c1"))
	require.NotNil(t, log)
	log.Debug("discarded")
}
