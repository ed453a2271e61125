package lidar

import (
	"math"
	"time"

	"github.com/bregeon/LidarEyeball/internal/errors"
	"github.com/bregeon/LidarEyeball/pkg/rayleigh"
	"github.com/soniakeys/unit"
	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/stat"
)

// Method selects the inversion algorithm
type Method string

const (
	// MethodFernald is the two-component (molecular + aerosol) inversion
	MethodFernald Method = "fernald"
	// MethodKlett is the single-component inversion with a constant lidar ratio
	MethodKlett Method = "klett"
)

// Direction selects which way the recursion runs from the reference bin
type Direction string

const (
	// Backward starts at the top of the calibration range and descends
	Backward Direction = "backward"
	// Forward starts at the bottom of the calibration range and ascends
	Forward Direction = "forward"
)

// Default estimator settings
const (
	DefaultLidarRatio     = 50.0   // sr
	DefaultCloudThreshold = 1e-4   // m⁻¹
	DefaultCalibrationMin = 8000.0 // m a.s.l.
	DefaultCalibrationMax = 9000.0 // m a.s.l.
)

// EstimatorOptions parameterize EstimateExtinction
type EstimatorOptions struct {
	CalibrationMin float64 // m a.s.l., aerosol-free interval used for normalization
	CalibrationMax float64
	CloudThreshold float64 // aerosol extinction (m⁻¹) classified as cloud
	LidarRatio     float64 // aerosol extinction-to-backscatter ratio, sr
	Method         Method
	Direction      Direction
}

// DefaultEstimatorOptions returns backward Fernald with a 50 sr lidar ratio
func DefaultEstimatorOptions() EstimatorOptions {
	return EstimatorOptions{
		CalibrationMin: DefaultCalibrationMin,
		CalibrationMax: DefaultCalibrationMax,
		CloudThreshold: DefaultCloudThreshold,
		LidarRatio:     DefaultLidarRatio,
		Method:         MethodFernald,
		Direction:      Backward,
	}
}

func (o EstimatorOptions) withDefaults() EstimatorOptions {
	if o.LidarRatio == 0 {
		o.LidarRatio = DefaultLidarRatio
	}
	if o.CloudThreshold == 0 {
		o.CloudThreshold = DefaultCloudThreshold
	}
	if o.Method == "" {
		o.Method = MethodFernald
	}
	if o.Direction == "" {
		o.Direction = Backward
	}
	return o
}

// Validate checks the options after defaults are applied
func (o EstimatorOptions) Validate() error {
	if !(o.CalibrationMax > o.CalibrationMin) {
		return errors.InvalidInputf("calibration range [%.1f, %.1f] m is empty", o.CalibrationMin, o.CalibrationMax)
	}
	if !(o.CloudThreshold > 0) {
		return errors.InvalidInputf("cloud threshold %g m⁻¹ must be positive", o.CloudThreshold)
	}
	if !(o.LidarRatio > 0) {
		return errors.InvalidInputf("lidar ratio %g sr must be positive", o.LidarRatio)
	}
	switch o.Method {
	case MethodFernald, MethodKlett:
	default:
		return errors.InvalidInputf("unknown inversion method %q", o.Method)
	}
	switch o.Direction {
	case Backward, Forward:
	default:
		return errors.InvalidInputf("unknown inversion direction %q", o.Direction)
	}
	return nil
}

// ExtinctionBin is one altitude bin of an ExtinctionResult
type ExtinctionBin struct {
	Altitude     float64 // m a.s.l.
	Aerosol      float64 // aerosol extinction, m⁻¹, never negative, NaN when not inverted
	Molecular    float64 // molecular extinction, m⁻¹
	Transmission float64 // two-way vertical transmission from the observer, NaN when obscured or not inverted
}

// ExtinctionResult is the inversion of one profile
type ExtinctionResult struct {
	Time        time.Time
	ZenithAngle unit.Angle
	Method      Method
	Direction   Direction
	Bins        []ExtinctionBin

	// InvertedMin and InvertedMax bound the bins reached by the recursion.
	// Bins outside carry NaN aerosol and transmission.
	InvertedMin float64
	InvertedMax float64

	// CloudBase is the altitude of the lowest bin whose aerosol extinction
	// exceeds the cloud threshold, nil for a clear profile.
	CloudBase *float64

	Scale            float64 // normalization constant of the profile
	Residual         float64 // sum of squared residuals over the calibration range
	RelativeResidual float64 // RMS residual over mean reconstructed signal

	aerosolDepth []float64
}

// Obscured reports whether a cloud base was detected
func (r *ExtinctionResult) Obscured() bool { return r.CloudBase != nil }

// TransmissionAt linearly interpolates the two-way transmission at alt. The
// result is NaN above the cloud base and outside the inverted span.
func (r *ExtinctionResult) TransmissionAt(alt float64) (float64, error) {
	ys := make([]float64, len(r.Bins))
	for i, b := range r.Bins {
		ys[i] = b.Transmission
	}
	return r.interpolate(alt, ys)
}

// OpticalDepth returns the vertical aerosol optical depth between the first
// inverted bin and alt, NaN outside the inverted span.
func (r *ExtinctionResult) OpticalDepth(alt float64) (float64, error) {
	return r.interpolate(alt, r.aerosolDepth)
}

func (r *ExtinctionResult) interpolate(alt float64, ys []float64) (float64, error) {
	if len(r.Bins) < 2 {
		return math.NaN(), errors.InvalidInputf("result has %d bins", len(r.Bins))
	}
	lo, hi := r.Bins[0].Altitude, r.Bins[len(r.Bins)-1].Altitude
	if alt < lo || alt > hi {
		return math.NaN(), errors.OutOfRangef("altitude %.1f m outside [%.1f, %.1f] m", alt, lo, hi)
	}
	xs := make([]float64, len(r.Bins))
	for i, b := range r.Bins {
		xs[i] = b.Altitude
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		return math.NaN(), errors.Wrap(err, "fitting transmission")
	}
	return pl.Predict(alt), nil
}

// EstimateExtinction normalizes profile to the molecular reference over the
// calibration range and inverts it for the aerosol extinction. The
// calibration range is assumed aerosol-free. The recursion only reaches the
// bins on the observer side of the reference bin for a backward inversion,
// and the bins above it for a forward one; the rest are left undefined so
// a layer beyond the calibration range never reads as clear sky. A forward
// inversion takes the air below the calibration range as aerosol-free.
//
// The reference is resampled onto the profile grid when the grids differ.
func EstimateExtinction(profile *Profile, ref *rayleigh.Reference, opts EstimatorOptions) (*ExtinctionResult, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	n := profile.Len()
	if n < 2 || len(profile.Signal) != n {
		return nil, errors.InvalidInputf("profile has %d altitudes and %d signal bins", n, len(profile.Signal))
	}
	if !ref.SameGrid(profile.Altitude) {
		var err error
		if ref, err = ref.Resample(profile.Altitude); err != nil {
			return nil, errors.Wrap(err, "resampling molecular reference onto profile grid")
		}
	}

	cosZ := profile.ZenithAngle.Cos()
	alt := profile.Altitude

	// molecular two-way slant attenuation
	betaM := make([]float64, n)
	alphaM := make([]float64, n)
	attM := make([]float64, n)
	for i, b := range ref.Bins {
		betaM[i] = b.Backscatter
		alphaM[i] = b.Extinction
		attM[i] = math.Exp(-2 * ref.OpticalDepth(i) / cosZ)
	}

	half := profile.Spacing() / 2
	if opts.CalibrationMin < alt[0]-half || opts.CalibrationMax > alt[n-1]+half {
		return nil, errors.OutOfRangef("calibration range [%.1f, %.1f] m outside profile [%.1f, %.1f] m",
			opts.CalibrationMin, opts.CalibrationMax, alt[0], alt[n-1])
	}
	calLo, calHi := -1, -1
	for i, h := range alt {
		if h >= opts.CalibrationMin && h <= opts.CalibrationMax {
			if calLo < 0 {
				calLo = i
			}
			calHi = i
		}
	}
	if calLo < 0 {
		return nil, errors.OutOfRangef("calibration range [%.1f, %.1f] m holds no profile bin",
			opts.CalibrationMin, opts.CalibrationMax)
	}

	// least squares through the origin: signal = scale * betaM * attM
	x := make([]float64, 0, calHi-calLo+1)
	y := make([]float64, 0, calHi-calLo+1)
	for i := calLo; i <= calHi; i++ {
		x = append(x, betaM[i]*attM[i])
		y = append(y, profile.Signal[i])
	}
	var scale float64
	if len(x) == 1 {
		scale = y[0] / x[0]
	} else {
		_, scale = stat.LinearRegression(x, y, nil, true)
	}
	if !(scale > 0) || math.IsInf(scale, 0) {
		return nil, errors.DegenerateFitf("normalization scale %g over [%.1f, %.1f] m is not positive",
			scale, opts.CalibrationMin, opts.CalibrationMax)
	}

	norm := make([]float64, n)
	for i, s := range profile.Signal {
		norm[i] = s / scale
	}

	inv := inversion{
		signal: norm,
		betaM:  betaM,
		alphaM: alphaM,
		alt:    alt,
		cosZ:   cosZ,
		sa:     opts.LidarRatio,
	}
	var aerosol []float64
	var err error
	switch {
	case opts.Method == MethodFernald && opts.Direction == Backward:
		aerosol, err = inv.fernald(calHi, -1)
	case opts.Method == MethodFernald:
		aerosol, err = inv.fernald(calLo, +1)
	case opts.Direction == Backward:
		aerosol, err = inv.klett(calHi, -1)
	default:
		aerosol, err = inv.klett(calLo, +1)
	}
	if err != nil {
		return nil, err
	}

	// inverted span
	lo, hi := 0, calHi
	if opts.Direction == Forward {
		lo, hi = calLo, n-1
	}

	res := &ExtinctionResult{
		Time:         profile.Time,
		ZenithAngle:  profile.ZenithAngle,
		Method:       opts.Method,
		Direction:    opts.Direction,
		Bins:         make([]ExtinctionBin, n),
		InvertedMin:  alt[lo],
		InvertedMax:  alt[hi],
		Scale:        scale,
		aerosolDepth: make([]float64, n),
	}

	tau := make([]float64, n)
	for i := range alt {
		res.Bins[i] = ExtinctionBin{Altitude: alt[i], Molecular: alphaM[i]}
		if i < lo || i > hi {
			res.Bins[i].Aerosol = math.NaN()
			res.Bins[i].Transmission = math.NaN()
			res.aerosolDepth[i] = math.NaN()
			tau[i] = math.NaN()
			continue
		}
		if i > lo {
			res.aerosolDepth[i] = res.aerosolDepth[i-1] + 0.5*(aerosol[i-1]+aerosol[i])*(alt[i]-alt[i-1])
		}
		tau[i] = ref.OpticalDepth(i) + res.aerosolDepth[i]
		res.Bins[i].Aerosol = aerosol[i]
		res.Bins[i].Transmission = math.Exp(-2 * tau[i])
	}

	for i, b := range res.Bins {
		if b.Aerosol > opts.CloudThreshold {
			base := b.Altitude
			res.CloudBase = &base
			for j := i + 1; j < n; j++ {
				res.Bins[j].Transmission = math.NaN()
			}
			break
		}
	}

	// reconstructed normalized signal over the calibration range
	var rss, sumRec float64
	for i := calLo; i <= calHi; i++ {
		rec := (betaM[i] + aerosol[i]/opts.LidarRatio) * math.Exp(-2*tau[i]/cosZ)
		d := norm[i] - rec
		rss += d * d
		sumRec += rec
	}
	nCal := float64(calHi - calLo + 1)
	res.Residual = rss
	if sumRec > 0 {
		res.RelativeResidual = math.Sqrt(rss/nCal) / (sumRec / nCal)
	}
	return res, nil
}

// inversion holds the normalized signal and molecular terms shared by the
// recursions. step is -1 for a backward recursion and +1 for a forward one.
type inversion struct {
	signal []float64
	betaM  []float64
	alphaM []float64
	alt    []float64
	cosZ   float64
	sa     float64
}

// dr returns the slant path length between bins i and j
func (v inversion) dr(i, j int) float64 {
	return math.Abs(v.alt[j]-v.alt[i]) / v.cosZ
}

// fernald runs the two-component recursion from the reference bin ref and
// returns the aerosol extinction per bin.
func (v inversion) fernald(ref, step int) ([]float64, error) {
	n := len(v.signal)
	sm := rayleigh.MolecularLidarSr
	beta := make([]float64, n)
	copy(beta, v.betaM)

	for k := ref; k+step >= 0 && k+step < n; k += step {
		i, prev := k+step, k // prev is already solved
		dr := v.dr(i, prev)
		a := (v.sa - sm) * (v.betaM[i] + v.betaM[prev]) * dr
		xi, xp := v.signal[i], v.signal[prev]

		var num, den float64
		if step < 0 {
			ea := math.Exp(a)
			num = xi * ea
			den = xp/beta[prev] + v.sa*(xp+xi*ea)*dr
		} else {
			ea := math.Exp(-a)
			num = xi * ea
			den = xp/beta[prev] - v.sa*(xp+xi*ea)*dr
			if !(den > 0) {
				return nil, errors.DegenerateFitf("forward inversion diverged at %.1f m", v.alt[i])
			}
		}
		b := num / den
		if math.IsNaN(b) || math.IsInf(b, 0) {
			return nil, errors.DegenerateFitf("inversion produced %g at %.1f m", b, v.alt[i])
		}
		beta[i] = math.Max(b, v.betaM[i])
	}

	aerosol := make([]float64, n)
	for i := range beta {
		aerosol[i] = v.sa * (beta[i] - v.betaM[i])
	}
	return aerosol, nil
}

// klett runs the single-component recursion on the total extinction with the
// molecular extinction as boundary value.
func (v inversion) klett(ref, step int) ([]float64, error) {
	n := len(v.signal)
	alpha := make([]float64, n)
	copy(alpha, v.alphaM)

	for k := ref; k+step >= 0 && k+step < n; k += step {
		i, prev := k+step, k
		dr := v.dr(i, prev)
		xi, xp := v.signal[i], v.signal[prev]

		var den float64
		if step < 0 {
			den = xp/alpha[prev] + (xi+xp)*dr
		} else {
			den = xp/alpha[prev] - (xi+xp)*dr
			if !(den > 0) {
				return nil, errors.DegenerateFitf("forward inversion diverged at %.1f m", v.alt[i])
			}
		}
		a := xi / den
		if math.IsNaN(a) || math.IsInf(a, 0) {
			return nil, errors.DegenerateFitf("inversion produced %g at %.1f m", a, v.alt[i])
		}
		alpha[i] = math.Max(a, v.alphaM[i])
	}

	aerosol := make([]float64, n)
	for i := range alpha {
		aerosol[i] = alpha[i] - v.alphaM[i]
	}
	return aerosol, nil
}
