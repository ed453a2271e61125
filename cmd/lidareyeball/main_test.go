package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bregeon/LidarEyeball/internal/constants"
	"github.com/bregeon/LidarEyeball/internal/storage/catalog"
	"github.com/bregeon/LidarEyeball/internal/trigger"
	"github.com/bregeon/LidarEyeball/internal/types"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	reset := func(f *pflag.Flag) {
		f.Changed = false
		require.NoError(t, f.Value.Set(f.DefValue))
	}
	rootCmd.PersistentFlags().VisitAll(reset)
	for _, c := range rootCmd.Commands() {
		c.Flags().VisitAll(reset)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, constants.AppName+" "+constants.Version+"\n", out)
}

// writeConfig writes a configuration using a catalog in dir
func writeConfig(t *testing.T, dir string) (cfgPath, dbPath string) {
	t.Helper()
	dbPath = filepath.Join(dir, "catalog.db")
	cfgPath = filepath.Join(dir, "lidareyeball.yaml")
	doc := fmt.Sprintf(`
lidar: {bin-width: 7.5, observer-altitude: 1800}
atmosphere: {pressure: 820, temperature: 285}
storage:
  catalog:
    path: %s
`, dbPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(doc), 0o644))
	return cfgPath, dbPath
}

func TestRunsCommand(t *testing.T) {
	cfgPath, dbPath := writeConfig(t, t.TempDir())

	night := time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC)
	cat, err := catalog.Open(dbPath, nil)
	require.NoError(t, err)
	for _, s := range []types.RunSummary{
		{RunNumber: 67217, Start: night.Add(9 * time.Hour), End: night.Add(9*time.Hour + 28*time.Minute), Tau4: 0.05, IsGood: true, FileName: "Lidar_67217_0.txt", TriggerRate: 212.5},
		{RunNumber: 67218, Start: night.Add(10 * time.Hour), Tau4: 0.001},
	} {
		require.NoError(t, cat.Save(context.Background(), s))
	}
	require.NoError(t, cat.Close())

	out, err := execute(t, "runs", "--config", cfgPath, "--night", "2024-03-12")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "RUN"))
	assert.Contains(t, lines[1], "67217")
	assert.Contains(t, lines[1], "212.5")
	assert.Contains(t, lines[1], "Lidar_67217_0.txt")
	assert.Equal(t, "Transmission probability from 0.90 (run 67217) to 0.90 (run 67217), variation +0.00", lines[2])

	out, err = execute(t, "runs", "--config", cfgPath, "--night", "2024-03-20")
	require.NoError(t, err)
	assert.Contains(t, out, "No good run this night")

	out, err = execute(t, "runs", "--config", cfgPath, "--from", "2024-03-12", "--to", "2024-03-14")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 3)

	_, err = execute(t, "runs", "--config", cfgPath, "--night", "tomorrow")
	assert.Error(t, err)
}

func TestMigrateCommand(t *testing.T) {
	cfgPath, _ := writeConfig(t, t.TempDir())

	out, err := execute(t, "migrate", "status", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "Current version: 0\nPending migrations: 2\n  1: create runs\n  2: add trigger rate\n", out)

	out, err = execute(t, "migrate", "up", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "Migration completed successfully\n", out)

	out, err = execute(t, "migrate", "version", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "Current version: 2\n", out)

	_, err = execute(t, "migrate", "down", "1", "--config", cfgPath)
	require.NoError(t, err)
	out, err = execute(t, "migrate", "status", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "Current version: 1\nPending migrations: 1\n  2: add trigger rate\n", out)

	_, err = execute(t, "migrate", "down", "--config", cfgPath)
	assert.Error(t, err)

	_, err = execute(t, "migrate", "down", "0", "--config", cfgPath)
	require.NoError(t, err)
	out, err = execute(t, "migrate", "version", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "Current version: 0\n", out)
}

func TestWriteCorrected(t *testing.T) {
	corrected := &trigger.CorrectedSeries{RunNumber: 67217, Mode: trigger.OneWay, Bins: []trigger.CorrectedBin{
		{Time: time.Date(2024, 3, 12, 21, 0, 0, 0, time.UTC), Count: 200, Duration: time.Second, RawRate: 200, Rate: 250, Factor: 1.25, Transmission: 0.8},
	}}

	var stdout bytes.Buffer
	require.NoError(t, writeCorrected(&stdout, "-", corrected))
	assert.True(t, strings.HasPrefix(stdout.String(), "time,count,"))

	path := filepath.Join(t.TempDir(), "corrected.csv")
	require.NoError(t, writeCorrected(&stdout, path, corrected))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, stdout.String(), string(data), "file and stdout output match")

	err = writeCorrected(&stdout, filepath.Join(t.TempDir(), "missing", "corrected.csv"), corrected)
	assert.ErrorContains(t, err, "creating output")
}

func TestParseFlagTime(t *testing.T) {
	ts, err := parseFlagTime("from", "2024-03-12T21:00:00Z")
	require.NoError(t, err)
	assert.True(t, ts.Equal(time.Date(2024, 3, 12, 21, 0, 0, 0, time.UTC)))

	ts, err = parseFlagTime("from", "2024-03-12")
	require.NoError(t, err)
	assert.True(t, ts.Equal(time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)))

	_, err = parseFlagTime("to", "soon")
	assert.ErrorContains(t, err, "--to")
}
