// Package rayleigh computes the molecular (Rayleigh) scattering reference used
// to calibrate Lidar backscatter profiles: range-resolved molecular
// backscatter and extinction coefficients and the cumulative molecular
// transmission above the observer, for a given wavelength and set of ground
// conditions.
//
// All coefficients are SI: extinction in m⁻¹, backscatter in m⁻¹ sr⁻¹,
// altitudes in metres above sea level. Wavelengths are given in nanometres.
package rayleigh

import (
	"math"

	"github.com/bregeon/LidarEyeball/internal/errors"
	"gonum.org/v1/gonum/interp"
)

// Physical constants
const (
	Boltzmann        = 1.380649e-23 // J/K
	GasConstant      = 8.3144598    // J/(mol K)
	MolarMassAir     = 0.0289644    // kg/mol
	Gravity          = 9.80665      // m/s²
	LapseRate        = 0.0065       // K/m, troposphere
	TropopauseAlt    = 11000.0      // m a.s.l.
	StandardDensity  = 2.54743e25   // m⁻³ at 288.15 K and 1013.25 hPa
	Depolarization   = 0.0279       // King-factor depolarization ratio of air
	MolecularLidarSr = 8 * math.Pi / 3
)

// AtmosphereModel selects the vertical profile used for the air number density
type AtmosphereModel string

const (
	// ModelUSStandard uses a 6.5 K/km lapse rate up to the tropopause and an
	// isothermal layer above it.
	ModelUSStandard AtmosphereModel = "us-standard"

	// ModelIsothermal uses a single exponential with the scale height of the
	// ground temperature.
	ModelIsothermal AtmosphereModel = "isothermal"
)

// Conditions holds the ambient conditions measured at the observer
type Conditions struct {
	PressureHPa      float64
	TemperatureK     float64
	ObserverAltitude float64 // m a.s.l.
	Model            AtmosphereModel
}

// Validate reports whether the conditions are physical
func (c Conditions) Validate() error {
	if !(c.PressureHPa > 0) {
		return errors.InvalidInputf("ground pressure %.2f hPa must be positive", c.PressureHPa)
	}
	if !(c.TemperatureK > 0) {
		return errors.InvalidInputf("ground temperature %.2f K must be positive", c.TemperatureK)
	}
	switch c.Model {
	case "", ModelUSStandard, ModelIsothermal:
	default:
		return errors.InvalidInputf("unknown atmosphere model %q", c.Model)
	}
	return nil
}

func (c Conditions) model() AtmosphereModel {
	if c.Model == "" {
		return ModelUSStandard
	}
	return c.Model
}

// Bin is one altitude bin of a Reference
type Bin struct {
	Altitude     float64 // m a.s.l.
	Backscatter  float64 // m⁻¹ sr⁻¹
	Extinction   float64 // m⁻¹
	Transmission float64 // one-way, vertical, from the observer
}

// Reference is the molecular scattering reference for one wavelength and set
// of conditions. It is never modified after ComputeReference returns.
type Reference struct {
	Wavelength float64 // nm
	Conditions Conditions
	Bins       []Bin
}

// Len returns the number of altitude bins
func (r *Reference) Len() int { return len(r.Bins) }

// Altitudes returns a copy of the altitude grid
func (r *Reference) Altitudes() []float64 {
	alts := make([]float64, len(r.Bins))
	for i, b := range r.Bins {
		alts[i] = b.Altitude
	}
	return alts
}

// TwoWay returns the two-way molecular transmission of bin i
func (r *Reference) TwoWay(i int) float64 {
	t := r.Bins[i].Transmission
	return t * t
}

// OpticalDepth returns the vertical molecular optical depth from the observer
// to bin i
func (r *Reference) OpticalDepth(i int) float64 {
	return -math.Log(r.Bins[i].Transmission)
}

// SameGrid reports whether the reference is defined on exactly the given grid
func (r *Reference) SameGrid(grid []float64) bool {
	if len(grid) != len(r.Bins) {
		return false
	}
	for i, h := range grid {
		if math.Abs(r.Bins[i].Altitude-h) > 1e-6 {
			return false
		}
	}
	return true
}

// ComputeReference computes the molecular reference on altitudeGrid.
//
// The grid must be strictly increasing and lie at or above the observer.
// Transmission is integrated with the trapezoid rule starting at the observer
// altitude, so the first bin already carries the attenuation between the
// observer and the bottom of the grid.
func ComputeReference(wavelength float64, cond Conditions, altitudeGrid []float64) (*Reference, error) {
	if !(wavelength > 0) {
		return nil, errors.InvalidInputf("wavelength %.2f nm must be positive", wavelength)
	}
	if err := cond.Validate(); err != nil {
		return nil, err
	}
	if err := checkGrid(altitudeGrid); err != nil {
		return nil, err
	}
	if altitudeGrid[0] < cond.ObserverAltitude {
		return nil, errors.InvalidInputf("altitude grid starts at %.1f m, below the observer at %.1f m",
			altitudeGrid[0], cond.ObserverAltitude)
	}

	sigma := CrossSection(wavelength)

	ref := &Reference{
		Wavelength: wavelength,
		Conditions: cond,
		Bins:       make([]Bin, len(altitudeGrid)),
	}

	prevAlt := cond.ObserverAltitude
	prevExt := NumberDensity(cond, prevAlt) * sigma
	tau := 0.0
	for i, h := range altitudeGrid {
		ext := NumberDensity(cond, h) * sigma
		tau += 0.5 * (ext + prevExt) * (h - prevAlt)
		ref.Bins[i] = Bin{
			Altitude:     h,
			Backscatter:  ext / MolecularLidarSr,
			Extinction:   ext,
			Transmission: math.Exp(-tau),
		}
		prevAlt, prevExt = h, ext
	}

	return ref, nil
}

// Resample returns the reference linearly interpolated onto grid. Extinction
// and backscatter are interpolated directly, transmission through its optical
// depth. Every grid altitude must lie within the reference grid.
func (r *Reference) Resample(grid []float64) (*Reference, error) {
	if err := checkGrid(grid); err != nil {
		return nil, err
	}
	if len(r.Bins) < 2 {
		return nil, errors.InvalidInputf("cannot resample a reference with %d bins", len(r.Bins))
	}
	lo, hi := r.Bins[0].Altitude, r.Bins[len(r.Bins)-1].Altitude
	if grid[0] < lo || grid[len(grid)-1] > hi {
		return nil, errors.OutOfRangef("grid [%.1f, %.1f] m outside reference [%.1f, %.1f] m",
			grid[0], grid[len(grid)-1], lo, hi)
	}

	alts := r.Altitudes()
	ext := make([]float64, len(r.Bins))
	bsc := make([]float64, len(r.Bins))
	tau := make([]float64, len(r.Bins))
	for i, b := range r.Bins {
		ext[i] = b.Extinction
		bsc[i] = b.Backscatter
		tau[i] = r.OpticalDepth(i)
	}

	var extFit, bscFit, tauFit interp.PiecewiseLinear
	if err := extFit.Fit(alts, ext); err != nil {
		return nil, errors.Wrap(err, "fitting extinction")
	}
	if err := bscFit.Fit(alts, bsc); err != nil {
		return nil, errors.Wrap(err, "fitting backscatter")
	}
	if err := tauFit.Fit(alts, tau); err != nil {
		return nil, errors.Wrap(err, "fitting optical depth")
	}

	out := &Reference{
		Wavelength: r.Wavelength,
		Conditions: r.Conditions,
		Bins:       make([]Bin, len(grid)),
	}
	for i, h := range grid {
		out.Bins[i] = Bin{
			Altitude:     h,
			Backscatter:  bscFit.Predict(h),
			Extinction:   extFit.Predict(h),
			Transmission: math.Exp(-tauFit.Predict(h)),
		}
	}
	return out, nil
}

// NumberDensity returns the air number density in m⁻³ at altitude h (m a.s.l.)
func NumberDensity(cond Conditions, h float64) float64 {
	p, t := PressureTemperature(cond, h)
	return p * 100 / (Boltzmann * t)
}

// PressureTemperature returns pressure (hPa) and temperature (K) at altitude h
// (m a.s.l.) extrapolated from the observer conditions.
func PressureTemperature(cond Conditions, h float64) (float64, float64) {
	p0, t0, h0 := cond.PressureHPa, cond.TemperatureK, cond.ObserverAltitude
	gmr := Gravity * MolarMassAir / GasConstant

	if cond.model() == ModelIsothermal || h0 >= TropopauseAlt {
		return p0 * math.Exp(-gmr*(h-h0)/t0), t0
	}

	exponent := gmr / LapseRate
	if h <= TropopauseAlt {
		t := t0 - LapseRate*(h-h0)
		return p0 * math.Pow(t/t0, exponent), t
	}

	tTrop := t0 - LapseRate*(TropopauseAlt-h0)
	pTrop := p0 * math.Pow(tTrop/t0, exponent)
	return pTrop * math.Exp(-gmr*(h-TropopauseAlt)/tTrop), tTrop
}

// CrossSection returns the Rayleigh scattering cross-section per molecule in
// m² at the given wavelength (nm), including the King correction factor.
func CrossSection(wavelength float64) float64 {
	lambda := wavelength * 1e-9
	n := RefractiveIndex(wavelength)
	n2 := n * n
	king := (6 + 3*Depolarization) / (6 - 7*Depolarization)
	num := 24 * math.Pow(math.Pi, 3) * (n2 - 1) * (n2 - 1)
	den := math.Pow(lambda, 4) * StandardDensity * StandardDensity * (n2 + 2) * (n2 + 2)
	return num / den * king
}

// RefractiveIndex returns the refractive index of standard air at the given
// wavelength (nm) using the Peck & Reeder dispersion formula.
func RefractiveIndex(wavelength float64) float64 {
	nu2 := math.Pow(1000/wavelength, 2) // µm⁻²
	return 1 + (5791817/(238.0185-nu2)+167909/(57.362-nu2))*1e-8
}

// Grid returns the altitudes min, min+step, ... up to and including max
func Grid(min, max, step float64) []float64 {
	if !(step > 0) || max < min {
		return nil
	}
	n := int(math.Round((max-min)/step)) + 1
	grid := make([]float64, n)
	for i := range grid {
		grid[i] = min + float64(i)*step
	}
	return grid
}

func checkGrid(grid []float64) error {
	if len(grid) == 0 {
		return errors.InvalidInputf("altitude grid is empty")
	}
	for i := 1; i < len(grid); i++ {
		if !(grid[i] > grid[i-1]) {
			return errors.InvalidInputf("altitude grid not strictly increasing at index %d (%.2f after %.2f)",
				i, grid[i], grid[i-1])
		}
	}
	return nil
}
