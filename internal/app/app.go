// Package app wires the configuration to the processing pipeline, the
// storage engines and the REST server.
package app

import (
	"context"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/bregeon/LidarEyeball/internal/controllers/restserver"
	"github.com/bregeon/LidarEyeball/internal/errors"
	"github.com/bregeon/LidarEyeball/internal/lidar"
	"github.com/bregeon/LidarEyeball/internal/lidarrun"
	"github.com/bregeon/LidarEyeball/internal/managers"
	"github.com/bregeon/LidarEyeball/internal/reader"
	"github.com/bregeon/LidarEyeball/internal/trigger"
	"github.com/bregeon/LidarEyeball/internal/types"
	"github.com/bregeon/LidarEyeball/pkg/config"
	"github.com/bregeon/LidarEyeball/pkg/rayleigh"
	"github.com/soniakeys/unit"
	"go.uber.org/zap"
)

// App holds the loaded configuration and the state shared between runs
type App struct {
	cfg    *config.ConfigData
	logger *zap.SugaredLogger
	cache  *rayleigh.Cache
}

// New creates a new application instance
func New(cfg *config.ConfigData, logger *zap.SugaredLogger) *App {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		cache:  rayleigh.NewCache(),
	}
}

// Config returns the configuration the app was built with
func (a *App) Config() *config.ConfigData { return a.cfg }

// Geometry returns the configured instrument geometry
func (a *App) Geometry() lidar.Geometry {
	l := a.cfg.Lidar
	return lidar.Geometry{
		BinWidth:         l.BinWidth,
		FirstBinRange:    l.FirstBinRange,
		ZenithAngle:      unit.AngleFromDeg(l.ZenithAngleDeg),
		ObserverAltitude: l.ObserverAltitude,
		BackgroundMin:    l.BackgroundMin,
		BackgroundMax:    l.BackgroundMax,
	}
}

// Options maps the configuration onto run processing options for geom
func (a *App) Options(geom lidar.Geometry) lidarrun.Options {
	an := a.cfg.Analysis
	return lidarrun.Options{
		Geometry: geom,
		Conditions: rayleigh.Conditions{
			PressureHPa:      a.cfg.Atmosphere.PressureHPa,
			TemperatureK:     a.cfg.Atmosphere.TemperatureK,
			ObserverAltitude: geom.ObserverAltitude,
			Model:            rayleigh.AtmosphereModel(a.cfg.Atmosphere.Model),
		},
		Wavelength:     a.cfg.Lidar.Wavelength,
		WindowDuration: an.WindowDuration,
		AltitudeMin:    an.AltitudeMin,
		AltitudeMax:    an.AltitudeMax,
		Rebin:          an.Rebin,
		Estimator: lidar.EstimatorOptions{
			CalibrationMin: an.CalibrationMin,
			CalibrationMax: an.CalibrationMax,
			CloudThreshold: an.CloudThreshold,
			LidarRatio:     an.LidarRatio,
			Method:         lidar.Method(an.Method),
			Direction:      lidar.Direction(an.Direction),
		},
		Workers: an.Workers,
		MinTau:  an.MinTau,
		Cache:   a.cache,
		Logger:  a.logger,
	}
}

// Input is the set of shots of one run, ready to be processed
type Input struct {
	RunNumber int
	FileName  string
	Geometry  lidar.Geometry
	Shots     []lidar.Shot
	Channel   int // run-file channel of the shots, -1 when not read from run files
}

// LoadRunFiles reads Lidar text files of one run. Each file contributes one
// shot taken from channel. The range column of the first file overrides the
// configured binning and every other file must share it.
func (a *App) LoadRunFiles(paths []string, channel int) (*Input, error) {
	if len(paths) == 0 {
		return nil, errors.InvalidInputf("no run file given")
	}
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	in := &Input{FileName: filepath.Base(sorted[0]), Channel: channel}
	for i, p := range sorted {
		rf, err := reader.ReadRunFile(p)
		if err != nil {
			return nil, err
		}
		geom, err := rf.Geometry(a.Geometry())
		if err != nil {
			return nil, errors.Wrapf(err, "%s", p)
		}
		if i == 0 {
			in.RunNumber, in.Geometry = rf.RunNumber, geom
		} else {
			if rf.RunNumber != in.RunNumber {
				return nil, errors.InvalidInputf("%s belongs to run %d, not %d", p, rf.RunNumber, in.RunNumber)
			}
			if geom != in.Geometry {
				return nil, errors.InvalidInputf("%s does not share the range binning of %s", p, in.FileName)
			}
		}
		shot, err := rf.Shot(channel)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", p)
		}
		in.Shots = append(in.Shots, shot)
	}
	a.logger.Debugw("run files loaded", "run", in.RunNumber, "files", len(sorted), "channel", channel)
	return in, nil
}

// LoadShotsCSV reads a shots CSV for runNumber using the configured geometry
func (a *App) LoadShotsCSV(path string, runNumber int) (*Input, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	shots, err := reader.ReadShots(f)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return &Input{
		RunNumber: runNumber,
		FileName:  filepath.Base(path),
		Geometry:  a.Geometry(),
		Shots:     shots,
		Channel:   -1,
	}, nil
}

// Process inverts every window of in. A run with failed windows is returned
// without error; its failures are logged. The run is judged against the Tau4
// threshold of its channel.
func (a *App) Process(ctx context.Context, in *Input) (*lidarrun.Run, error) {
	opts := a.Options(in.Geometry)
	opts.MinTau = a.cfg.Analysis.MinTauFor(in.Channel)
	run, err := lidarrun.Process(ctx, in.RunNumber, in.Shots, opts)
	if err != nil {
		return run, errors.Wrapf(err, "processing run %d", in.RunNumber)
	}
	if perr := run.Err(); perr != nil {
		a.logger.Warnw("run processed with failures", "run", in.RunNumber, "error", perr)
	}
	return run, nil
}

// TriggerInput carries the trigger data of a run, either pre-binned or as
// raw event times
type TriggerInput struct {
	Bins   []trigger.Bin
	Events []time.Time
}

// Series builds the trigger-rate series of runNumber. Events are binned from
// the earliest one with the configured bin width, so triggers recorded
// before the first Lidar shot are kept and later flagged out of range.
func (a *App) Series(runNumber int, in TriggerInput) (*trigger.Series, error) {
	switch {
	case len(in.Bins) > 0 && len(in.Events) > 0:
		return nil, errors.InvalidInputf("give trigger bins or event times, not both")
	case len(in.Bins) > 0:
		return trigger.NewSeries(runNumber, in.Bins)
	case len(in.Events) > 0:
		return trigger.FromEventTimes(runNumber, time.Time{}, in.Events, a.cfg.Correction.BinWidth)
	}
	return nil, errors.InvalidInputf("run %d has no trigger data", runNumber)
}

// Correct corrects series with the transmission of run at the configured
// altitude and mode. It also returns the transmission series it used.
func (a *App) Correct(run *lidarrun.Run, series *trigger.Series) (*trigger.CorrectedSeries, []trigger.TransmissionPoint, error) {
	points, err := run.TransmissionSeries(a.cfg.Correction.Altitude)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "run %d transmission at %.0f m", run.RunNumber, a.cfg.Correction.Altitude)
	}
	mode, err := trigger.ParseMode(a.cfg.Correction.Mode)
	if err != nil {
		return nil, nil, err
	}
	corrector, err := trigger.NewCorrector(mode)
	if err != nil {
		return nil, nil, err
	}
	corrected, err := corrector.Correct(series, points)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "correcting run %d", run.RunNumber)
	}
	if n := corrected.FlaggedCount(); n > 0 {
		a.logger.Infow("trigger bins left uncorrected", "run", run.RunNumber, "flagged", n, "bins", len(corrected.Bins))
	}
	return corrected, points, nil
}

// Result assembles what the storage engines record for run. The summary
// carries the average trigger rate when corrected is given.
func (a *App) Result(run *lidarrun.Run, fileName string, points []trigger.TransmissionPoint, corrected *trigger.CorrectedSeries) types.RunResult {
	summary := run.Summary(fileName)
	if corrected != nil {
		if rate := corrected.AverageRawRate(); !math.IsNaN(rate) {
			summary.TriggerRate = rate
		}
	}
	return types.RunResult{
		Summary:      summary,
		Altitude:     a.cfg.Correction.Altitude,
		Transmission: points,
		Corrected:    corrected,
	}
}

// Store hands r to every configured storage engine and waits for them to
// drain. A backend that could not store r makes Store fail with
// ErrPartialFailure.
func (a *App) Store(ctx context.Context, r types.RunResult) error {
	sm, err := managers.NewStorageManager(ctx, a.cfg.Storage, a.logger)
	if err != nil {
		return err
	}
	if err := sm.Submit(ctx, r); err != nil {
		sm.Close()
		return err
	}
	return sm.Close()
}

// Serve runs the REST server over the run catalog and blocks until a signal
// arrives or ctx is cancelled
func (a *App) Serve(ctx context.Context) error {
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	storageManager, err := managers.NewStorageManager(ctx, a.cfg.Storage, a.logger)
	if err != nil {
		return err
	}
	defer storageManager.Close()

	cat := storageManager.Catalog()
	if cat == nil {
		return errors.InvalidInputf("the REST server needs a run catalog: set storage.catalog.path")
	}
	ctrl, err := restserver.NewController(ctx, &wg, a.cfg.REST, cat, a.logger.Named("restserver"))
	if err != nil {
		return err
	}
	if err := ctrl.StartController(); err != nil {
		return err
	}

	a.logger.Info("application started successfully")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-sigs:
		a.logger.Info("shutdown signal received, initiating graceful shutdown...")
	case <-ctx.Done():
		a.logger.Info("context cancelled, shutting down...")
	}

	cancel()

	a.logger.Info("waiting for all workers to terminate...")
	wg.Wait()
	a.logger.Info("shutdown complete")
	return nil
}
