package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regioncron/internal/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMigrate(t *testing.T) {
	db := filepath.Join(t.TempDir(), "default.db")
	_, err := run(t, "--db", db, "migrate")
	require.NoError(t, err)
	assert.FileExists(t, db)
}

func TestRegionsAddAndDiscover(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "default.db")
	eu := filepath.Join(dir, "eu.db")

	_, err := run(t, "--db", db, "regions", "add", "eu", eu)
	require.NoError(t, err)

	out, err := run(t, "--db", db, "regions", "list")
	require.NoError(t, err)
	assert.Equal(t, "default\tsqlite\n", out)

	t.Setenv("REGIONCRON_REGIONS_DISCOVER", "true")
	out, err = run(t, "--db", db, "regions", "list")
	require.NoError(t, err)
	assert.Equal(t, "default\tsqlite\neu\tsqlite\n", out)
}

func TestRegionsRejectsReservedAndUnknown(t *testing.T) {
	db := filepath.Join(t.TempDir(), "default.db")

	_, err := run(t, "--db", db, "regions", "add", "default", "other.db")
	assert.ErrorContains(t, err, "reserved")

	_, err = run(t, "--db", db, "regions", "assign", "proj-1", "mars")
	assert.Error(t, err)

	_, err = run(t, "--db", db, "regions", "assign", "proj-1", "default")
	assert.NoError(t, err)
}

func TestInvalidConfigFails(t *testing.T) {
	t.Setenv("REGIONCRON_NOTIFY_DRIVER", "carrier-pigeon")
	_, err := run(t, "--db", filepath.Join(t.TempDir(), "x.db"), "migrate")
	assert.ErrorContains(t, err, "carrier-pigeon")
}

func TestSetupLogger(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	setupLogger(config.LogConfig{Level: "warn", Format: "json"})
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	setupLogger(config.LogConfig{Level: "nonsense", Format: "console"})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
