// Package trigger holds camera trigger-rate series and their correction for
// atmospheric transmission measured by the Lidar.
package trigger

import (
	"math"
	"sort"
	"time"

	"github.com/bregeon/LidarEyeball/internal/errors"
)

// DefaultBinWidth is the histogram width used for raw event times
const DefaultBinWidth = time.Second

// Bin is one trigger-count interval. Time is the instant the rate is
// attributed to, normally the bin centre.
type Bin struct {
	Time     time.Time
	Count    int64
	Duration time.Duration
}

// Rate returns the raw trigger rate in Hz
func (b Bin) Rate() float64 {
	return float64(b.Count) / b.Duration.Seconds()
}

// Series is the trigger-rate time series of one run. It is immutable once
// built.
type Series struct {
	RunNumber int
	bins      []Bin
}

// NewSeries validates bins and returns the series. Times must be strictly
// increasing, durations positive and counts non-negative.
func NewSeries(runNumber int, bins []Bin) (*Series, error) {
	for i, b := range bins {
		if b.Duration <= 0 {
			return nil, errors.InvalidInputf("bin %d at %s has non-positive duration %s",
				i, b.Time.Format(time.RFC3339), b.Duration)
		}
		if b.Count < 0 {
			return nil, errors.InvalidInputf("bin %d at %s has negative count %d",
				i, b.Time.Format(time.RFC3339), b.Count)
		}
		if i > 0 && !b.Time.After(bins[i-1].Time) {
			return nil, errors.InvalidInputf("bin %d at %s does not follow %s",
				i, b.Time.Format(time.RFC3339Nano), bins[i-1].Time.Format(time.RFC3339Nano))
		}
	}
	return &Series{
		RunNumber: runNumber,
		bins:      append([]Bin(nil), bins...),
	}, nil
}

// FromEventTimes histograms raw trigger timestamps into bins of binWidth
// starting at start (the earliest event when start is zero). Events before
// start are ignored. Empty bins are kept since they still carry live time.
func FromEventTimes(runNumber int, start time.Time, events []time.Time, binWidth time.Duration) (*Series, error) {
	if binWidth <= 0 {
		return nil, errors.InvalidInputf("bin width %s must be positive", binWidth)
	}
	if len(events) == 0 {
		return nil, errors.InvalidInputf("no trigger events for run %d", runNumber)
	}

	sorted := append([]time.Time(nil), events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
	if start.IsZero() {
		start = sorted[0]
	}
	last := sorted[len(sorted)-1]
	if last.Before(start) {
		return nil, errors.InvalidInputf("all %d events precede %s", len(events), start.Format(time.RFC3339))
	}

	n := int(last.Sub(start)/binWidth) + 1
	bins := make([]Bin, n)
	for i := range bins {
		bins[i] = Bin{
			Time:     start.Add(time.Duration(i)*binWidth + binWidth/2),
			Duration: binWidth,
		}
	}
	for _, t := range sorted {
		if t.Before(start) {
			continue
		}
		bins[int(t.Sub(start)/binWidth)].Count++
	}
	return NewSeries(runNumber, bins)
}

// Len returns the number of bins
func (s *Series) Len() int { return len(s.bins) }

// Bins returns a copy of the bins
func (s *Series) Bins() []Bin { return append([]Bin(nil), s.bins...) }

// AverageRate is the constant rate that best fits the series, ΣN / ΣΔt
func (s *Series) AverageRate() float64 {
	var counts int64
	var live time.Duration
	for _, b := range s.bins {
		counts += b.Count
		live += b.Duration
	}
	if live <= 0 {
		return math.NaN()
	}
	return float64(counts) / live.Seconds()
}
