// Package catalog keeps the summary of every processed Lidar run in a SQLite
// database and answers the run lookups used to select data for a night or a
// period.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"sync"
	"time"

	"github.com/bregeon/LidarEyeball/internal/errors"
	"github.com/bregeon/LidarEyeball/internal/types"
	"github.com/bregeon/LidarEyeball/pkg/migrate"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// NightLength is the span after a night's start date searched by RunsForNight
const NightLength = 16 * time.Hour

// ErrRunNotFound is returned by Get for unknown run numbers
var ErrRunNotFound = errors.New("run not found")

const summaryColumns = `run_number, file_name, start_time, end_time, mjd, wavelength,
	windows, failed_windows, background, tau4, trigger_rate, is_good, processing_id`

// Catalog is a SQLite-backed run catalog. It is safe for concurrent use.
type Catalog struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// Open opens or creates the catalog at path and brings its schema up to date
func Open(path string, logger *zap.SugaredLogger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening catalog %s", path)
	}
	// a single writer avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	if err := NewMigrator(db, logger).MigrateUp(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrating catalog schema")
	}
	logger.Infow("run catalog ready", "path", path)
	return &Catalog{db: db, logger: logger}, nil
}

// NewMigrator returns a migrator over the embedded catalog schema
func NewMigrator(db *sql.DB, logger *zap.SugaredLogger) *migrate.Migrator {
	return migrate.NewMigrator(db, migrate.NewFSProvider(migrations, "migrations", "", migrate.DialectSQLite), logger)
}

// Close closes the database
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Save inserts or replaces the summary of s.RunNumber
func (c *Catalog) Save(ctx context.Context, s types.RunSummary) error {
	_, err := c.db.ExecContext(ctx, `INSERT INTO runs (`+summaryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_number) DO UPDATE SET
			file_name = excluded.file_name,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			mjd = excluded.mjd,
			wavelength = excluded.wavelength,
			windows = excluded.windows,
			failed_windows = excluded.failed_windows,
			background = excluded.background,
			tau4 = excluded.tau4,
			trigger_rate = excluded.trigger_rate,
			is_good = excluded.is_good,
			processing_id = excluded.processing_id`,
		s.RunNumber, s.FileName, toNanos(s.Start), toNanos(s.End), s.MJD, s.Wavelength,
		s.Windows, s.FailedWindows, s.Background, s.Tau4, s.TriggerRate, s.IsGood, s.ProcessingID)
	if err != nil {
		return errors.Wrapf(err, "saving run %d", s.RunNumber)
	}
	return nil
}

// Get returns the summary of one run
func (c *Catalog) Get(ctx context.Context, runNumber int) (types.RunSummary, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+summaryColumns+` FROM runs WHERE run_number = ?`, runNumber)
	s, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.RunSummary{}, errors.Mark(errors.Newf("run %d is not in the catalog", runNumber), ErrRunNotFound)
	}
	if err != nil {
		return types.RunSummary{}, errors.Wrapf(err, "reading run %d", runNumber)
	}
	return s, nil
}

// RunsBetween returns the runs started in [from, to], ordered by run number
func (c *Catalog) RunsBetween(ctx context.Context, from, to time.Time) ([]types.RunSummary, error) {
	if to.Before(from) {
		return nil, errors.InvalidInputf("period end %s precedes start %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	return c.query(ctx, `SELECT `+summaryColumns+` FROM runs
		WHERE start_time >= ? AND start_time <= ? ORDER BY run_number`, from.UnixNano(), to.UnixNano())
}

// RunsForNight returns the good runs started in the NightLength following
// start, ordered by run number
func (c *Catalog) RunsForNight(ctx context.Context, start time.Time) ([]types.RunSummary, error) {
	return c.query(ctx, `SELECT `+summaryColumns+` FROM runs
		WHERE start_time >= ? AND start_time <= ? AND is_good ORDER BY run_number`,
		start.UnixNano(), start.Add(NightLength).UnixNano())
}

// All returns every run, ordered by run number
func (c *Catalog) All(ctx context.Context) ([]types.RunSummary, error) {
	return c.query(ctx, `SELECT `+summaryColumns+` FROM runs ORDER BY run_number`)
}

func (c *Catalog) query(ctx context.Context, q string, args ...interface{}) ([]types.RunSummary, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying catalog")
	}
	defer rows.Close()

	var out []types.RunSummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning run")
		}
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "iterating runs")
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSummary(row scanner) (types.RunSummary, error) {
	var s types.RunSummary
	var start, end int64
	err := row.Scan(&s.RunNumber, &s.FileName, &start, &end, &s.MJD, &s.Wavelength,
		&s.Windows, &s.FailedWindows, &s.Background, &s.Tau4, &s.TriggerRate, &s.IsGood, &s.ProcessingID)
	if err != nil {
		return types.RunSummary{}, err
	}
	s.Start = fromNanos(start)
	s.End = fromNanos(end)
	return s, nil
}

// toNanos stores the zero time as 0
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// StartStorageEngine saves the summary of every RunResult received on the
// returned channel until the channel is closed or ctx is cancelled. Failed
// saves are sent to failures.
func (c *Catalog) StartStorageEngine(ctx context.Context, wg *sync.WaitGroup, failures chan<- error) chan<- types.RunResult {
	c.logger.Info("starting run catalog storage engine")
	results := make(chan types.RunResult, 10)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case r, ok := <-results:
				if !ok {
					return
				}
				if err := c.Save(ctx, r.Summary); err != nil {
					c.logger.Errorw("could not store run summary", "run", r.Summary.RunNumber, "error", err)
					failures <- err
				}
			case <-ctx.Done():
				c.logger.Info("cancellation request received, stopping run catalog engine")
				return
			}
		}
	}()
	return results
}
