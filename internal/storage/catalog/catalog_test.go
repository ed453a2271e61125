package catalog

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bregeon/LidarEyeball/internal/errors"
	"github.com/bregeon/LidarEyeball/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var night = time.Date(2024, 3, 12, 18, 0, 0, 0, time.UTC)

func openCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "runs.db"), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func summary(run int, start time.Time, good bool) types.RunSummary {
	return types.RunSummary{
		RunNumber:     run,
		FileName:      "Lidar_run.txt",
		Start:         start,
		End:           start.Add(28 * time.Minute),
		MJD:           types.ModifiedJulianDate(start),
		Wavelength:    532,
		Windows:       6,
		Background:    12.5,
		Tau4:          0.04,
		TriggerRate:   187.25,
		IsGood:        good,
		ProcessingID:  "8c6b1d3e-0c55-4c8e-9f0a-3f1d2b8e6a11",
		FailedWindows: 0,
	}
}

func TestSaveAndGet(t *testing.T) {
	ctx := context.Background()
	c := openCatalog(t)

	in := summary(67217, night.Add(3*time.Hour+250*time.Millisecond), true)
	require.NoError(t, c.Save(ctx, in))

	out, err := c.Get(ctx, 67217)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	in.Tau4 = 0.001
	in.IsGood = false
	require.NoError(t, c.Save(ctx, in))
	out, err = c.Get(ctx, 67217)
	require.NoError(t, err)
	assert.False(t, out.IsGood)
	assert.Equal(t, 0.001, out.Tau4)

	_, err = c.Get(ctx, 1)
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestRunsForNightAndPeriod(t *testing.T) {
	ctx := context.Background()
	c := openCatalog(t)

	runs := []types.RunSummary{
		summary(103, night.Add(16*time.Hour), true), // last instant of the night
		summary(101, night, true),                   // first instant
		summary(102, night.Add(5*time.Hour), false), // bad run
		summary(104, night.Add(16*time.Hour+time.Second), true),
		summary(100, night.Add(-time.Hour), true),
	}
	for _, r := range runs {
		require.NoError(t, c.Save(ctx, r))
	}

	good, err := c.RunsForNight(ctx, night)
	require.NoError(t, err)
	assert.Equal(t, []int{101, 103}, runNumbers(good))

	period, err := c.RunsBetween(ctx, night, night.Add(16*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []int{101, 102, 103}, runNumbers(period))

	all, err := c.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{100, 101, 102, 103, 104}, runNumbers(all))

	_, err = c.RunsBetween(ctx, night, night.Add(-time.Hour))
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestReopenKeepsRuns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")

	c, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, c.Save(ctx, summary(5, night, true)))
	require.NoError(t, c.Close())

	c, err = Open(path, nil)
	require.NoError(t, err)
	defer c.Close()
	s, err := c.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, s.RunNumber)
}

func TestOpenUpgradesVersionOneCatalog(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	require.NoError(t, NewMigrator(db, nil).MigrateTo(1))
	_, err = db.Exec(`INSERT INTO runs (run_number, start_time, end_time, mjd, wavelength,
		windows, failed_windows, background, tau4, is_good, processing_id)
		VALUES (67100, ?, 0, 0, 532, 6, 0, 12.5, 0.04, 1, 'old')`, night.UnixNano())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	c, err := Open(path, nil)
	require.NoError(t, err)
	defer c.Close()
	s, err := c.Get(ctx, 67100)
	require.NoError(t, err)
	assert.Zero(t, s.TriggerRate)
	assert.Equal(t, 0.04, s.Tau4)
}

func TestStorageEngine(t *testing.T) {
	c := openCatalog(t)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	failures := make(chan error, 1)
	ch := c.StartStorageEngine(ctx, &wg, failures)
	ch <- types.RunResult{Summary: summary(9, night, true)}

	require.Eventually(t, func() bool {
		_, err := c.Get(context.Background(), 9)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
	assert.Empty(t, failures)
}

func TestStorageEngineReportsFailures(t *testing.T) {
	c := openCatalog(t)
	require.NoError(t, c.Close())
	var wg sync.WaitGroup

	failures := make(chan error, 1)
	ch := c.StartStorageEngine(context.Background(), &wg, failures)
	ch <- types.RunResult{Summary: summary(9, night, true)}
	close(ch)
	wg.Wait()

	require.Len(t, failures, 1)
	assert.ErrorContains(t, <-failures, "saving run 9")
}

func runNumbers(runs []types.RunSummary) []int {
	out := []int{}
	for _, r := range runs {
		out = append(out, r.RunNumber)
	}
	return out
}
