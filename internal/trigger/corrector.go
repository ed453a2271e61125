package trigger

import (
	"math"
	"sort"
	"time"

	"github.com/bregeon/LidarEyeball/internal/errors"
)

// Mode selects how the Lidar two-way transmission maps onto the attenuation
// seen by the cameras
type Mode string

const (
	// OneWay uses √T: Cherenkov light crosses the atmosphere once
	OneWay Mode = "one-way"
	// TwoWay uses the Lidar transmission as is
	TwoWay Mode = "two-way"
)

// ParseMode accepts one-way, two-way and their camel-case spellings
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", string(OneWay), "oneWay":
		return OneWay, nil
	case string(TwoWay), "twoWay":
		return TwoWay, nil
	}
	return "", errors.InvalidInputf("unknown transmission mode %q", s)
}

// TransmissionPoint is one entry of a Lidar transmission-vs-time series
type TransmissionPoint struct {
	Time         time.Time
	Transmission float64 // two-way
	RelErr       float64 // relative fit residual of the profile
	Valid        bool    // false when the altitude is above a cloud base
}

// Outcome classifies the interpolation of a transmission series
type Outcome int

const (
	Interpolated Outcome = iota
	OutOfRange
	Obscured
)

func (o Outcome) String() string {
	switch o {
	case Interpolated:
		return "interpolated"
	case OutOfRange:
		return "out_of_range"
	case Obscured:
		return "obscured"
	}
	return "unknown"
}

// Interpolation is the transmission found for one instant. Transmission and
// RelErr are only meaningful when Outcome is Interpolated.
type Interpolation struct {
	Outcome      Outcome
	Transmission float64
	RelErr       float64
}

// Interpolate linearly interpolates points at t. It never extrapolates: an
// instant outside the series is OutOfRange, one bracketed by an invalid point
// is Obscured. Points must be sorted by time.
func Interpolate(points []TransmissionPoint, t time.Time) Interpolation {
	n := len(points)
	if n == 0 || t.Before(points[0].Time) || t.After(points[n-1].Time) {
		return Interpolation{Outcome: OutOfRange}
	}

	// first point at or after t
	i := sort.Search(n, func(i int) bool { return !points[i].Time.Before(t) })
	hi := points[i]
	if hi.Time.Equal(t) {
		return fromPoint(hi)
	}
	lo := points[i-1]
	if !lo.Valid || !hi.Valid {
		return Interpolation{Outcome: Obscured}
	}
	w := float64(t.Sub(lo.Time)) / float64(hi.Time.Sub(lo.Time))
	return checked(Interpolation{
		Outcome:      Interpolated,
		Transmission: lo.Transmission + w*(hi.Transmission-lo.Transmission),
		RelErr:       lo.RelErr + w*(hi.RelErr-lo.RelErr),
	})
}

func fromPoint(p TransmissionPoint) Interpolation {
	if !p.Valid {
		return Interpolation{Outcome: Obscured}
	}
	return checked(Interpolation{Outcome: Interpolated, Transmission: p.Transmission, RelErr: p.RelErr})
}

// checked rejects transmissions that cannot be divided by
func checked(in Interpolation) Interpolation {
	if math.IsNaN(in.Transmission) || !(in.Transmission > 0) {
		return Interpolation{Outcome: Obscured}
	}
	if in.Transmission > 1 {
		in.Transmission = 1
	}
	return in
}

// Flag marks a bin left uncorrected
type Flag string

const (
	FlagNone       Flag = ""
	FlagOutOfRange Flag = "out_of_range"
	FlagObscured   Flag = "obscured"
)

// CorrectedBin is one bin of a CorrectedSeries
type CorrectedBin struct {
	Time         time.Time
	Count        int64
	Duration     time.Duration
	RawRate      float64 // Hz
	Rate         float64 // Hz, RawRate * Factor
	Factor       float64 // 1 / effective transmission, 1 when flagged
	Transmission float64 // effective transmission applied, NaN when flagged
	Uncertainty  float64 // Hz, on Rate
	Flag         Flag
}

// Flagged reports whether the bin was left uncorrected
func (b CorrectedBin) Flagged() bool { return b.Flag != FlagNone }

// CorrectedSeries is the trigger-rate series corrected for transmission
type CorrectedSeries struct {
	RunNumber int
	Mode      Mode
	Bins      []CorrectedBin
}

// FlaggedCount returns the number of uncorrected bins
func (s *CorrectedSeries) FlaggedCount() int {
	n := 0
	for _, b := range s.Bins {
		if b.Flagged() {
			n++
		}
	}
	return n
}

// AverageRawRate is the uncorrected rate over the whole series, ΣN / ΣΔt,
// NaN for an empty series
func (s *CorrectedSeries) AverageRawRate() float64 {
	var counts int64
	var live time.Duration
	for _, b := range s.Bins {
		counts += b.Count
		live += b.Duration
	}
	if live <= 0 {
		return math.NaN()
	}
	return float64(counts) / live.Seconds()
}

// Corrector divides trigger rates by the interpolated atmospheric transmission
type Corrector struct {
	Mode Mode
}

// NewCorrector returns a corrector for mode, one-way when empty
func NewCorrector(mode Mode) (*Corrector, error) {
	m, err := ParseMode(string(mode))
	if err != nil {
		return nil, err
	}
	return &Corrector{Mode: m}, nil
}

// Correct applies points to every bin of series. Bins outside the
// transmission series or above a cloud base are kept uncorrected and
// flagged; they never make Correct fail.
func (c *Corrector) Correct(series *Series, points []TransmissionPoint) (*CorrectedSeries, error) {
	if series == nil {
		return nil, errors.InvalidInputf("nil trigger series")
	}
	mode, err := ParseMode(string(c.Mode))
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(points); i++ {
		if !points[i].Time.After(points[i-1].Time) {
			return nil, errors.InvalidInputf("transmission point %d at %s is not after %s", i,
				points[i].Time.Format(time.RFC3339Nano), points[i-1].Time.Format(time.RFC3339Nano))
		}
	}

	out := &CorrectedSeries{
		RunNumber: series.RunNumber,
		Mode:      mode,
		Bins:      make([]CorrectedBin, len(series.bins)),
	}
	for i, b := range series.bins {
		raw := b.Rate()
		poisson := math.Sqrt(float64(b.Count)) / b.Duration.Seconds()
		cb := CorrectedBin{
			Time:         b.Time,
			Count:        b.Count,
			Duration:     b.Duration,
			RawRate:      raw,
			Rate:         raw,
			Factor:       1,
			Transmission: math.NaN(),
			Uncertainty:  poisson,
		}

		in := Interpolate(points, b.Time)
		switch in.Outcome {
		case OutOfRange:
			cb.Flag = FlagOutOfRange
		case Obscured:
			cb.Flag = FlagObscured
		default:
			teff, relErr := in.Transmission, in.RelErr
			if mode == OneWay {
				teff = math.Sqrt(teff)
				relErr /= 2
			}
			cb.Transmission = teff
			cb.Factor = 1 / teff
			cb.Rate = raw * cb.Factor
			cb.Uncertainty = math.Hypot(poisson*cb.Factor, cb.Rate*relErr)
		}
		out.Bins[i] = cb
	}
	return out, nil
}
