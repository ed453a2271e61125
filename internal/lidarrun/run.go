// Package lidarrun processes the shots of a whole Lidar run: it cuts the
// shot stream into time windows, inverts every window on a bounded worker
// pool and exposes the resulting transmission-vs-time series.
package lidarrun

import (
	"context"
	"math"
	"runtime"
	"sort"
	"time"

	"github.com/bregeon/LidarEyeball/internal/errors"
	"github.com/bregeon/LidarEyeball/internal/lidar"
	"github.com/bregeon/LidarEyeball/internal/trigger"
	"github.com/bregeon/LidarEyeball/internal/types"
	"github.com/bregeon/LidarEyeball/pkg/rayleigh"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

// Defaults applied by Options.withDefaults
const (
	DefaultWavelength     = 532.0 // nm
	DefaultWindowDuration = 5 * time.Minute
	DefaultMinTau         = 0.002
	Tau4Height            = 4000.0 // m above the first profile bin
)

// Failure reasons
const (
	ReasonEmpty     = "empty"
	ReasonFailed    = "failed"
	ReasonCancelled = "cancelled"
)

// Options configure Process
type Options struct {
	Geometry       lidar.Geometry
	Conditions     rayleigh.Conditions
	Wavelength     float64 // nm
	WindowDuration time.Duration
	Start          time.Time // first window start, first shot when zero

	// Optional altitude cut applied to every profile, disabled when
	// AltitudeMax is zero.
	AltitudeMin float64
	AltitudeMax float64
	Rebin       int

	Estimator lidar.EstimatorOptions
	Workers   int     // worker pool size, runtime.NumCPU() when zero
	MinTau    float64 // Tau4 below which a run is not good

	Cache  *rayleigh.Cache // shared molecular references, a fresh cache when nil
	Logger *zap.SugaredLogger
}

func (o Options) withDefaults() Options {
	if o.Wavelength == 0 {
		o.Wavelength = DefaultWavelength
	}
	if o.WindowDuration == 0 {
		o.WindowDuration = DefaultWindowDuration
	}
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.MinTau == 0 {
		o.MinTau = DefaultMinTau
	}
	if o.Rebin == 0 {
		o.Rebin = 1
	}
	if o.Cache == nil {
		o.Cache = rayleigh.NewCache()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	if o.Estimator == (lidar.EstimatorOptions{}) {
		o.Estimator = lidar.DefaultEstimatorOptions()
	}
	return o
}

// Window is one time window of a run, either a result or an error
type Window struct {
	Index int
	lidar.TimeWindow
	Shots   int
	Profile *lidar.Profile
	Result  *lidar.ExtinctionResult
	Err     error
}

// OK reports whether the window was inverted successfully
func (w *Window) OK() bool { return w.Err == nil && w.Result != nil }

// Time returns the mean shot time of the window, or its start if it has no
// profile
func (w *Window) Time() time.Time {
	if w.Profile != nil {
		return w.Profile.Time
	}
	return w.Start
}

// Failure records a window that produced no result
type Failure struct {
	Index  int
	Window lidar.TimeWindow
	Reason string
	Err    error
}

// Run is the outcome of Process. It is read-only once returned.
type Run struct {
	RunNumber    int
	ProcessingID uuid.UUID
	Wavelength   float64
	Start        time.Time
	End          time.Time

	// Windows holds every window that contained shots, in chronological
	// order. Windows without shots appear only in Failures.
	Windows  []Window
	Failures []Failure

	minTau float64
}

// FailedCount returns the number of failed or empty windows
func (r *Run) FailedCount() int { return len(r.Failures) }

// Err returns nil when every window succeeded, an ErrPartialFailure otherwise
func (r *Run) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return errors.PartialFailuref("run %d: %d of %d windows failed",
		r.RunNumber, len(r.Failures), len(r.Windows)+r.countReason(ReasonEmpty))
}

func (r *Run) countReason(reason string) int {
	n := 0
	for _, f := range r.Failures {
		if f.Reason == reason {
			n++
		}
	}
	return n
}

// Results returns the successful windows
func (r *Run) Results() []Window {
	var ok []Window
	for _, w := range r.Windows {
		if w.OK() {
			ok = append(ok, w)
		}
	}
	return ok
}

// Process cuts shots into consecutive windows of opts.WindowDuration and
// inverts each one. A failing window is recorded on the run and does not stop
// the others. When ctx is cancelled the remaining windows are abandoned and
// the partial run is returned together with ctx.Err().
func Process(ctx context.Context, runNumber int, shots []lidar.Shot, opts Options) (*Run, error) {
	opts = opts.withDefaults()
	if opts.WindowDuration < 0 {
		return nil, errors.InvalidInputf("window duration %s must be positive", opts.WindowDuration)
	}
	if len(shots) == 0 {
		return nil, errors.InvalidInputf("run %d has no shots", runNumber)
	}
	if err := opts.Geometry.Validate(); err != nil {
		return nil, err
	}

	sorted := append([]lidar.Shot(nil), shots...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	start := opts.Start
	if start.IsZero() {
		start = sorted[0].Time
	}
	last := sorted[len(sorted)-1].Time
	if last.Before(start) {
		return nil, errors.InvalidInputf("run %d: all shots precede %s", runNumber, start.Format(time.RFC3339))
	}
	nWindows := int(last.Sub(start)/opts.WindowDuration) + 1

	run := &Run{
		RunNumber:    runNumber,
		ProcessingID: uuid.New(),
		Wavelength:   opts.Wavelength,
		Start:        start,
		End:          start.Add(time.Duration(nWindows) * opts.WindowDuration),
		minTau:       opts.MinTau,
	}

	// bucket shots per window
	buckets := make([][]lidar.Shot, nWindows)
	skipped := 0
	for _, s := range sorted {
		if s.Time.Before(start) {
			skipped++
			continue
		}
		i := int(s.Time.Sub(start) / opts.WindowDuration)
		buckets[i] = append(buckets[i], s)
	}
	if skipped > 0 {
		opts.Logger.Warnw("shots before run start ignored", "run", runNumber, "count", skipped)
	}

	for i, b := range buckets {
		tw := lidar.TimeWindow{
			Start: start.Add(time.Duration(i) * opts.WindowDuration),
			End:   start.Add(time.Duration(i+1) * opts.WindowDuration),
		}
		if len(b) == 0 {
			run.Failures = append(run.Failures, Failure{Index: i, Window: tw, Reason: ReasonEmpty})
			continue
		}
		run.Windows = append(run.Windows, Window{Index: i, TimeWindow: tw, Shots: len(b)})
	}

	g := new(errgroup.Group)
	g.SetLimit(opts.Workers)
	for i := range run.Windows {
		w := &run.Windows[i]
		if ctx.Err() != nil {
			w.Err = errors.Wrap(ctx.Err(), "window abandoned")
			continue
		}
		shotsInWindow := buckets[w.Index]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				w.Err = errors.Wrap(err, "window abandoned")
				return nil
			}
			w.Profile, w.Result, w.Err = processWindow(shotsInWindow, w.TimeWindow, opts)
			return nil
		})
	}
	_ = g.Wait()

	for i := range run.Windows {
		w := &run.Windows[i]
		if w.Err == nil {
			continue
		}
		reason := ReasonFailed
		if errors.Is(w.Err, context.Canceled) || errors.Is(w.Err, context.DeadlineExceeded) {
			reason = ReasonCancelled
		} else {
			opts.Logger.Warnw("window failed", "run", runNumber, "window", w.Index,
				"start", w.Start, "error", w.Err, "kind", errors.Kind(w.Err))
		}
		run.Failures = append(run.Failures, Failure{Index: w.Index, Window: w.TimeWindow, Reason: reason, Err: w.Err})
	}
	sort.Slice(run.Failures, func(i, j int) bool { return run.Failures[i].Index < run.Failures[j].Index })

	hits, misses := opts.Cache.Stats()
	opts.Logger.Infow("run processed", "run", runNumber, "windows", len(run.Windows),
		"failures", len(run.Failures), "reference_cache_hits", hits, "reference_cache_misses", misses)

	if err := ctx.Err(); err != nil {
		return run, err
	}
	return run, nil
}

func processWindow(shots []lidar.Shot, tw lidar.TimeWindow, opts Options) (*lidar.Profile, *lidar.ExtinctionResult, error) {
	profile, err := lidar.BuildProfile(shots, tw, opts.Geometry)
	if err != nil {
		return nil, nil, errors.Wrap(err, "building profile")
	}
	if opts.AltitudeMax > 0 {
		if profile, err = profile.Slice(opts.AltitudeMin, opts.AltitudeMax); err != nil {
			return nil, nil, err
		}
	}
	if opts.Rebin > 1 {
		if profile, err = profile.Rebin(opts.Rebin); err != nil {
			return nil, nil, err
		}
	}

	ref, err := opts.Cache.Get(opts.Wavelength, opts.Conditions, profile.Altitude)
	if err != nil {
		return profile, nil, errors.Wrap(err, "computing molecular reference")
	}
	res, err := lidar.EstimateExtinction(profile, ref, opts.Estimator)
	if err != nil {
		return profile, nil, errors.Wrap(err, "estimating extinction")
	}
	return profile, res, nil
}

// TransmissionSeries returns the two-way transmission at altitude for every
// successful window. Windows obscured at that altitude are included with
// Valid set to false.
func (r *Run) TransmissionSeries(altitude float64) ([]trigger.TransmissionPoint, error) {
	var points []trigger.TransmissionPoint
	for _, w := range r.Windows {
		if !w.OK() {
			continue
		}
		tr, err := w.Result.TransmissionAt(altitude)
		if err != nil {
			return nil, errors.Wrapf(err, "window %d", w.Index)
		}
		points = append(points, trigger.TransmissionPoint{
			Time:         w.Time(),
			Transmission: tr,
			RelErr:       w.Result.RelativeResidual,
			Valid:        !math.IsNaN(tr),
		})
	}
	return points, nil
}

// Tau4 returns the median over successful windows of the aerosol optical
// depth in the first 4 km of the profile, and false when no window succeeded.
// Windows whose inversion does not reach that high are skipped.
func (r *Run) Tau4() (float64, bool) {
	var taus []float64
	for _, w := range r.Windows {
		if !w.OK() {
			continue
		}
		bins := w.Result.Bins
		top := math.Min(bins[0].Altitude+Tau4Height, bins[len(bins)-1].Altitude)
		tau, err := w.Result.OpticalDepth(top)
		if err != nil || math.IsNaN(tau) {
			continue
		}
		taus = append(taus, tau)
	}
	if len(taus) == 0 {
		return 0, false
	}
	sort.Float64s(taus)
	return stat.Quantile(0.5, stat.Empirical, taus, nil), true
}

// Summary builds the catalog entry for the run
func (r *Run) Summary(fileName string) types.RunSummary {
	var bkg []float64
	for _, w := range r.Windows {
		if w.Profile != nil {
			bkg = append(bkg, w.Profile.Background)
		}
	}
	s := types.RunSummary{
		RunNumber:     r.RunNumber,
		FileName:      fileName,
		Start:         r.Start,
		End:           r.End,
		MJD:           types.ModifiedJulianDate(r.Start),
		Wavelength:    r.Wavelength,
		Windows:       len(r.Windows) + r.countReason(ReasonEmpty),
		FailedWindows: len(r.Failures),
		ProcessingID:  r.ProcessingID.String(),
	}
	if len(bkg) > 0 {
		s.Background = stat.Mean(bkg, nil)
	}
	tau4, ok := r.Tau4()
	s.Tau4 = tau4
	s.IsGood = ok && len(r.Failures) == 0 && tau4 >= r.minTau
	return s
}
