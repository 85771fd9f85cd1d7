package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Limits.MaxPageSize)
	assert.Equal(t, 30*time.Second, cfg.Engine.RequestTimeout.Duration)
	assert.Equal(t, int64(256*1024*1024), cfg.Cache.MaxBytes)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"backend": {"kind": "gogit"},
		"engine": {"request_timeout": "5s", "max_concurrent": 2},
		"limits": {"max_page_size": 50},
		"log_level": "debug"
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gogit", cfg.Backend.Kind)
	assert.Equal(t, 5*time.Second, cfg.Engine.RequestTimeout.Duration)
	assert.Equal(t, 2, cfg.Engine.MaxConcurrent)
	assert.Equal(t, 50, cfg.Limits.MaxPageSize)
	assert.Equal(t, 10000, cfg.Limits.MaxHunks)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero page size", `{"limits": {"max_page_size": 0}}`},
		{"bad backend", `{"backend": {"kind": "svn"}}`},
		{"bad duration", `{"engine": {"request_timeout": "soon"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}
