// Package plots renders transmission profiles, transmission time series and
// corrected trigger rates with gonum/plot.
package plots

import (
	"fmt"
	"image/color"
	"io"
	"math"

	"github.com/bregeon/LidarEyeball/internal/errors"
	"github.com/bregeon/LidarEyeball/internal/lidarrun"
	"github.com/bregeon/LidarEyeball/internal/trigger"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Default canvas size
const (
	Width  = 14 * vg.Inch
	Height = 6 * vg.Inch
)

const timeFormat = "15:04"

var flaggedColor = color.RGBA{R: 220, G: 40, B: 40, A: 255}

// TransmissionProfiles draws two-way transmission against altitude, one
// line per successful window of run. Obscured bins are left out.
func TransmissionProfiles(run *lidarrun.Run) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Run %d - two-way transmission", run.RunNumber)
	p.X.Label.Text = "Transmission"
	p.Y.Label.Text = "Altitude (km)"

	lines := 0
	for i, w := range run.Results() {
		pts := make(plotter.XYs, 0, len(w.Result.Bins))
		for _, b := range w.Result.Bins {
			if math.IsNaN(b.Transmission) {
				continue
			}
			pts = append(pts, plotter.XY{X: b.Transmission, Y: b.Altitude / 1000})
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, errors.Wrapf(err, "window %d", w.Index)
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(w.Time().UTC().Format(timeFormat), line)
		lines++
	}
	if lines == 0 {
		return nil, errors.InvalidInputf("run %d has no transmission profile to draw", run.RunNumber)
	}
	p.Legend.Top = true
	p.Legend.Left = true
	p.Add(plotter.NewGrid())
	return p, nil
}

// TransmissionSeries draws the transmission at one altitude against time.
// Invalid points are marked at zero.
func TransmissionSeries(runNumber int, altitude float64, points []trigger.TransmissionPoint) (*plot.Plot, error) {
	if len(points) == 0 {
		return nil, errors.InvalidInputf("run %d has no transmission point to draw", runNumber)
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Run %d - transmission at %.0f m", runNumber, altitude)
	p.X.Label.Text = "Time (UTC)"
	p.X.Tick.Marker = plot.TimeTicks{Format: timeFormat}
	p.Y.Label.Text = "Transmission"

	valid := make(plotter.XYs, 0, len(points))
	invalid := make(plotter.XYs, 0)
	for _, pt := range points {
		x := float64(pt.Time.Unix())
		if pt.Valid && !math.IsNaN(pt.Transmission) {
			valid = append(valid, plotter.XY{X: x, Y: pt.Transmission})
		} else {
			invalid = append(invalid, plotter.XY{X: x, Y: 0})
		}
	}

	if len(valid) > 0 {
		line, marks, err := plotter.NewLinePoints(valid)
		if err != nil {
			return nil, errors.Wrap(err, "transmission line")
		}
		line.Color = plotutil.Color(0)
		marks.Color = plotutil.Color(0)
		p.Add(line, marks)
		p.Legend.Add("transmission", line, marks)
	}
	if len(invalid) > 0 {
		sc, err := plotter.NewScatter(invalid)
		if err != nil {
			return nil, errors.Wrap(err, "obscured points")
		}
		sc.Color = flaggedColor
		p.Add(sc)
		p.Legend.Add("obscured", sc)
	}
	p.Add(plotter.NewGrid())
	return p, nil
}

// rateErrors pairs corrected rates with their uncertainties
type rateErrors struct {
	plotter.XYs
	plotter.YErrors
}

// CorrectedRates draws the raw and corrected trigger rates against time.
// Corrected rates carry their uncertainty; flagged bins are marked.
func CorrectedRates(s *trigger.CorrectedSeries) (*plot.Plot, error) {
	if s == nil || len(s.Bins) == 0 {
		return nil, errors.InvalidInputf("no corrected bin to draw")
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Run %d - trigger rate (%s correction)", s.RunNumber, s.Mode)
	p.X.Label.Text = "Time (UTC)"
	p.X.Tick.Marker = plot.TimeTicks{Format: timeFormat}
	p.Y.Label.Text = "Rate (Hz)"

	raw := make(plotter.XYs, len(s.Bins))
	corrected := rateErrors{XYs: make(plotter.XYs, len(s.Bins)), YErrors: make(plotter.YErrors, len(s.Bins))}
	var flagged plotter.XYs
	for i, b := range s.Bins {
		x := float64(b.Time.Unix())
		raw[i] = plotter.XY{X: x, Y: b.RawRate}
		corrected.XYs[i] = plotter.XY{X: x, Y: b.Rate}
		corrected.YErrors[i].Low = b.Uncertainty
		corrected.YErrors[i].High = b.Uncertainty
		if b.Flagged() {
			flagged = append(flagged, plotter.XY{X: x, Y: b.Rate})
		}
	}

	rawLine, err := plotter.NewLine(raw)
	if err != nil {
		return nil, errors.Wrap(err, "raw rate line")
	}
	rawLine.Color = color.Gray{Y: 128}
	rawLine.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}

	corrLine, err := plotter.NewLine(corrected.XYs)
	if err != nil {
		return nil, errors.Wrap(err, "corrected rate line")
	}
	corrLine.Color = plotutil.Color(0)
	corrLine.Width = vg.Points(1)

	bars, err := plotter.NewYErrorBars(corrected)
	if err != nil {
		return nil, errors.Wrap(err, "rate uncertainties")
	}
	bars.Color = plotutil.Color(0)

	p.Add(plotter.NewGrid(), rawLine, corrLine, bars)
	p.Legend.Add("raw", rawLine)
	p.Legend.Add("corrected", corrLine)

	if len(flagged) > 0 {
		sc, err := plotter.NewScatter(flagged)
		if err != nil {
			return nil, errors.Wrap(err, "flagged bins")
		}
		sc.Color = flaggedColor
		p.Add(sc)
		p.Legend.Add(fmt.Sprintf("not corrected (%d)", len(flagged)), sc)
	}
	p.Legend.Top = true
	return p, nil
}

// Save writes p to path; the image format follows the file extension
func Save(p *plot.Plot, path string) error {
	if err := p.Save(Width, Height, path); err != nil {
		return errors.Wrapf(err, "saving plot %s", path)
	}
	return nil
}

// WritePNG renders p as PNG into w
func WritePNG(p *plot.Plot, w io.Writer) error {
	wt, err := p.WriterTo(Width, Height, "png")
	if err != nil {
		return errors.Wrap(err, "rendering plot")
	}
	_, err = wt.WriteTo(w)
	return errors.Wrap(err, "writing plot")
}
