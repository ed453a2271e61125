// Package lidar turns raw Lidar shots into range-corrected backscatter
// profiles and inverts those profiles against the molecular reference to
// obtain aerosol extinction and atmospheric transmission.
package lidar

import (
	"math"
	"time"

	"github.com/bregeon/LidarEyeball/internal/errors"
	"github.com/soniakeys/unit"
	"gonum.org/v1/gonum/stat"
)

// Shot is one digitized Lidar return: the raw signal per range bin
type Shot struct {
	Time    time.Time
	Samples []float64
}

// Geometry describes the range binning and pointing shared by all shots of a run
type Geometry struct {
	BinWidth         float64    // m, along the line of sight
	FirstBinRange    float64    // m, range of sample 0
	ZenithAngle      unit.Angle // pointing, fixed for the run
	ObserverAltitude float64    // m a.s.l.

	// Range interval (m) averaged as sky background. Zero width disables
	// background subtraction.
	BackgroundMin float64
	BackgroundMax float64
}

// Validate reports whether the geometry can produce an altitude grid
func (g Geometry) Validate() error {
	if !(g.BinWidth > 0) {
		return errors.InvalidInputf("range bin width %.3f m must be positive", g.BinWidth)
	}
	if g.FirstBinRange < 0 {
		return errors.InvalidInputf("first bin range %.3f m is negative", g.FirstBinRange)
	}
	if z := g.ZenithAngle.Deg(); z < 0 || z >= 90 {
		return errors.InvalidInputf("zenith angle %.2f° outside [0, 90)", z)
	}
	if g.BackgroundMax < g.BackgroundMin {
		return errors.InvalidInputf("background range [%.1f, %.1f] m is inverted", g.BackgroundMin, g.BackgroundMax)
	}
	return nil
}

// Range returns the line-of-sight range of sample i
func (g Geometry) Range(i int) float64 {
	return g.FirstBinRange + float64(i)*g.BinWidth
}

// Altitude returns the altitude a.s.l. of sample i
func (g Geometry) Altitude(i int) float64 {
	return g.ObserverAltitude + g.Range(i)*g.ZenithAngle.Cos()
}

// TimeWindow is the half-open interval [Start, End)
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Duration returns the window length
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Profile is a range-corrected, background-subtracted backscatter profile
// averaged over the shots of one time window. Altitudes are strictly
// increasing with uniform spacing.
type Profile struct {
	Start       time.Time
	End         time.Time
	Time        time.Time // mean shot time
	Shots       int
	ZenithAngle unit.Angle

	Altitude   []float64 // m a.s.l.
	Signal     []float64 // (P - background) * r²
	Noise      []float64 // standard error of Signal
	Background float64   // raw counts per sample
}

// Len returns the number of altitude bins
func (p *Profile) Len() int { return len(p.Altitude) }

// Spacing returns the vertical distance between two adjacent bins
func (p *Profile) Spacing() float64 {
	if len(p.Altitude) < 2 {
		return 0
	}
	return p.Altitude[1] - p.Altitude[0]
}

// BuildProfile averages the shots falling inside window sample by sample,
// subtracts the sky background and applies the range² correction.
func BuildProfile(shots []Shot, window TimeWindow, geom Geometry) (*Profile, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}

	var selected []Shot
	for _, s := range shots {
		if window.Contains(s.Time) {
			selected = append(selected, s)
		}
	}
	if len(selected) == 0 {
		return nil, errors.InvalidInputf("no shots in window [%s, %s)",
			window.Start.Format(time.RFC3339), window.End.Format(time.RFC3339))
	}

	nBins := len(selected[0].Samples)
	if nBins < 2 {
		return nil, errors.InvalidInputf("shot at %s has %d samples, need at least 2",
			selected[0].Time.Format(time.RFC3339), nBins)
	}
	for _, s := range selected[1:] {
		if len(s.Samples) != nBins {
			return nil, errors.InvalidInputf("shot at %s has %d samples, expected %d",
				s.Time.Format(time.RFC3339), len(s.Samples), nBins)
		}
	}

	n := len(selected)
	mean := make([]float64, nBins)
	std := make([]float64, nBins)
	column := make([]float64, n)
	for b := 0; b < nBins; b++ {
		for i, s := range selected {
			column[i] = s.Samples[b]
		}
		if n == 1 {
			mean[b] = column[0]
			continue
		}
		m, v := stat.MeanVariance(column, nil)
		mean[b], std[b] = m, math.Sqrt(v)
	}

	bkg, err := background(mean, geom)
	if err != nil {
		return nil, err
	}

	p := &Profile{
		Start:       window.Start,
		End:         window.End,
		Time:        meanTime(selected),
		Shots:       n,
		ZenithAngle: geom.ZenithAngle,
		Altitude:    make([]float64, nBins),
		Signal:      make([]float64, nBins),
		Noise:       make([]float64, nBins),
		Background:  bkg,
	}
	sqrtN := math.Sqrt(float64(n))
	for b := 0; b < nBins; b++ {
		r := geom.Range(b)
		r2 := r * r
		p.Altitude[b] = geom.Altitude(b)
		p.Signal[b] = (mean[b] - bkg) * r2
		p.Noise[b] = std[b] / sqrtN * r2
	}
	return p, nil
}

func background(mean []float64, geom Geometry) (float64, error) {
	if geom.BackgroundMax <= geom.BackgroundMin {
		return 0, nil
	}
	var sum float64
	var count int
	for b := range mean {
		r := geom.Range(b)
		if r >= geom.BackgroundMin && r <= geom.BackgroundMax {
			sum += mean[b]
			count++
		}
	}
	if count == 0 {
		return 0, errors.InvalidInputf("background range [%.1f, %.1f] m holds no samples",
			geom.BackgroundMin, geom.BackgroundMax)
	}
	return sum / float64(count), nil
}

func meanTime(shots []Shot) time.Time {
	first := shots[0].Time
	var offset float64
	for _, s := range shots {
		offset += float64(s.Time.Sub(first))
	}
	return first.Add(time.Duration(offset / float64(len(shots))))
}

// Slice returns the bins with minAlt <= altitude <= maxAlt. It is used to
// drop the overlap region near the telescope and the noisy far range.
func (p *Profile) Slice(minAlt, maxAlt float64) (*Profile, error) {
	lo, hi := -1, -1
	for i, h := range p.Altitude {
		if h < minAlt || h > maxAlt {
			continue
		}
		if lo < 0 {
			lo = i
		}
		hi = i
	}
	if lo < 0 || hi-lo < 1 {
		return nil, errors.InvalidInputf("altitude cut [%.1f, %.1f] m keeps fewer than 2 bins", minAlt, maxAlt)
	}

	out := *p
	out.Altitude = append([]float64(nil), p.Altitude[lo:hi+1]...)
	out.Signal = append([]float64(nil), p.Signal[lo:hi+1]...)
	out.Noise = append([]float64(nil), p.Noise[lo:hi+1]...)
	return &out, nil
}

// Rebin merges groups of factor consecutive bins. Trailing bins that do not
// fill a whole group are dropped so the spacing stays uniform.
func (p *Profile) Rebin(factor int) (*Profile, error) {
	if factor < 1 {
		return nil, errors.InvalidInputf("rebin factor %d must be at least 1", factor)
	}
	groups := p.Len() / factor
	if groups < 2 {
		return nil, errors.InvalidInputf("rebinning %d bins by %d leaves fewer than 2 bins", p.Len(), factor)
	}

	out := *p
	out.Altitude = make([]float64, groups)
	out.Signal = make([]float64, groups)
	out.Noise = make([]float64, groups)
	for g := 0; g < groups; g++ {
		lo, hi := g*factor, (g+1)*factor
		out.Altitude[g] = stat.Mean(p.Altitude[lo:hi], nil)
		out.Signal[g] = stat.Mean(p.Signal[lo:hi], nil)
		var sumSq float64
		for _, e := range p.Noise[lo:hi] {
			sumSq += e * e
		}
		out.Noise[g] = math.Sqrt(sumSq) / float64(factor)
	}
	return &out, nil
}
