package lidar

import (
	"math"
	"testing"

	"github.com/bregeon/LidarEyeball/internal/errors"
	"github.com/bregeon/LidarEyeball/pkg/rayleigh"
	"github.com/soniakeys/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const syntheticScale = 3.7e9

func testReference(t *testing.T, grid []float64) *rayleigh.Reference {
	t.Helper()
	ref, err := rayleigh.ComputeReference(532, rayleigh.Conditions{
		PressureHPa:      820,
		TemperatureK:     285,
		ObserverAltitude: 1800,
	}, grid)
	require.NoError(t, err)
	return ref
}

// syntheticProfile builds the range-corrected signal a lidar would record in
// an atmosphere made of the reference plus the given aerosol extinction.
func syntheticProfile(ref *rayleigh.Reference, aerosol []float64, lidarRatio float64, zenith unit.Angle) *Profile {
	n := ref.Len()
	p := &Profile{
		Time:        t0,
		ZenithAngle: zenith,
		Altitude:    ref.Altitudes(),
		Signal:      make([]float64, n),
		Noise:       make([]float64, n),
	}
	cosZ := zenith.Cos()
	tauA := 0.0
	for i, b := range ref.Bins {
		var a float64
		if aerosol != nil {
			a = aerosol[i]
		}
		if i > 0 && aerosol != nil {
			tauA += 0.5 * (aerosol[i-1] + a) * (b.Altitude - ref.Bins[i-1].Altitude)
		}
		beta := b.Backscatter + a/lidarRatio
		p.Signal[i] = syntheticScale * beta * math.Exp(-2*(ref.OpticalDepth(i)+tauA)/cosZ)
	}
	return p
}

func assertPhysicalTransmission(t *testing.T, res *ExtinctionResult) {
	t.Helper()
	prev := 1.0
	for i, b := range res.Bins {
		if math.IsNaN(b.Transmission) {
			continue
		}
		assert.GreaterOrEqual(t, b.Transmission, 0.0, "bin %d", i)
		assert.LessOrEqual(t, b.Transmission, prev, "bin %d", i)
		prev = b.Transmission
	}
}

func TestEstimateExtinctionClearSky(t *testing.T) {
	grid := rayleigh.Grid(2000, 12000, 100)
	ref := testReference(t, grid)

	tests := []struct {
		name   string
		zenith unit.Angle
		opts   EstimatorOptions
	}{
		{"fernald backward", 0, EstimatorOptions{CalibrationMin: 9000, CalibrationMax: 10000}},
		{"fernald backward inclined", unit.AngleFromDeg(30), EstimatorOptions{CalibrationMin: 9000, CalibrationMax: 10000}},
		{"fernald forward", 0, EstimatorOptions{CalibrationMin: 2000, CalibrationMax: 2500, Direction: Forward}},
		{"klett backward", 0, EstimatorOptions{CalibrationMin: 9000, CalibrationMax: 10000, Method: MethodKlett}},
		{"klett forward", 0, EstimatorOptions{CalibrationMin: 2000, CalibrationMax: 2500, Method: MethodKlett, Direction: Forward}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profile := syntheticProfile(ref, nil, DefaultLidarRatio, tt.zenith)

			res, err := EstimateExtinction(profile, ref, tt.opts)
			require.NoError(t, err)
			require.Len(t, res.Bins, len(grid))

			assert.InEpsilon(t, syntheticScale, res.Scale, 1e-9)
			assert.Nil(t, res.CloudBase)
			assert.False(t, res.Obscured())
			for i, b := range res.Bins {
				if b.Altitude < res.InvertedMin || b.Altitude > res.InvertedMax {
					assert.True(t, math.IsNaN(b.Transmission), "bin %d at %.0f m", i, b.Altitude)
					continue
				}
				assert.InDelta(t, 0.0, b.Aerosol, 1e-7, "bin %d at %.0f m", i, b.Altitude)
				assert.InEpsilon(t, ref.TwoWay(i), b.Transmission, 1e-6, "bin %d", i)
			}
			assertPhysicalTransmission(t, res)
			assert.Less(t, res.RelativeResidual, 1e-3)

			tau, err := res.OpticalDepth(6000)
			require.NoError(t, err)
			assert.InDelta(t, 0.0, tau, 1e-5)
		})
	}
}

func TestEstimateExtinctionCloudBase(t *testing.T) {
	grid := rayleigh.Grid(2000, 12000, 100)
	ref := testReference(t, grid)

	aerosol := make([]float64, len(grid))
	for i, h := range grid {
		if h >= 5000 && h <= 5200 {
			aerosol[i] = 2e-3
		}
	}
	profile := syntheticProfile(ref, aerosol, DefaultLidarRatio, 0)

	res, err := EstimateExtinction(profile, ref, EstimatorOptions{CalibrationMin: 9000, CalibrationMax: 10000})
	require.NoError(t, err)

	require.NotNil(t, res.CloudBase)
	assert.InDelta(t, 5000.0, *res.CloudBase, 100)
	assert.True(t, res.Obscured())

	for _, b := range res.Bins {
		switch {
		case b.Altitude > *res.CloudBase:
			assert.True(t, math.IsNaN(b.Transmission), "bin at %.0f m above cloud base", b.Altitude)
		default:
			assert.False(t, math.IsNaN(b.Transmission), "bin at %.0f m below cloud base", b.Altitude)
		}
		if b.Altitude < 4800 {
			assert.Less(t, b.Aerosol, DefaultCloudThreshold)
		}
	}
	assertPhysicalTransmission(t, res)

	below, err := res.TransmissionAt(4000)
	require.NoError(t, err)
	assert.Greater(t, below, 0.0)
	assert.LessOrEqual(t, below, 1.0)

	above, err := res.TransmissionAt(7000)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(above))

	_, err = res.TransmissionAt(20000)
	assert.True(t, errors.Is(err, errors.ErrOutOfRange))
}

func TestEstimateExtinctionCloudAboveCalibration(t *testing.T) {
	grid := rayleigh.Grid(2000, 12000, 100)
	ref := testReference(t, grid)

	aerosol := make([]float64, len(grid))
	for i, h := range grid {
		if h >= 11000 && h <= 11200 {
			aerosol[i] = 2e-3
		}
	}
	profile := syntheticProfile(ref, aerosol, DefaultLidarRatio, 0)

	res, err := EstimateExtinction(profile, ref, EstimatorOptions{CalibrationMin: 9000, CalibrationMax: 10000})
	require.NoError(t, err)
	assert.Equal(t, 2000.0, res.InvertedMin)
	assert.Equal(t, 10000.0, res.InvertedMax)

	// the layer sits beyond the reference bin, nothing above it is known
	for _, h := range []float64{10500, 11100, 11500, 12000} {
		tr, err := res.TransmissionAt(h)
		require.NoError(t, err)
		assert.True(t, math.IsNaN(tr), "transmission at %.0f m is %g", h, tr)

		tau, err := res.OpticalDepth(h)
		require.NoError(t, err)
		assert.True(t, math.IsNaN(tau), "optical depth at %.0f m is %g", h, tau)
	}

	below, err := res.TransmissionAt(8000)
	require.NoError(t, err)
	assert.InEpsilon(t, ref.TwoWay(60), below, 1e-6)

	clearSky := syntheticProfile(ref, nil, DefaultLidarRatio, 0)
	forward, err := EstimateExtinction(clearSky, ref, EstimatorOptions{CalibrationMin: 4000, CalibrationMax: 5000, Direction: Forward})
	require.NoError(t, err)
	assert.Equal(t, 4000.0, forward.InvertedMin)
	assert.Equal(t, 12000.0, forward.InvertedMax)
	for _, b := range forward.Bins {
		if b.Altitude < 4000 {
			assert.True(t, math.IsNaN(b.Transmission), "bin at %.0f m below the forward reference", b.Altitude)
		} else {
			assert.InDelta(t, 0.0, b.Aerosol, 1e-7, "bin at %.0f m", b.Altitude)
		}
	}
	tau, err := forward.OpticalDepth(8000)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, tau, 1e-5)
}

func TestEstimateExtinctionResamplesReference(t *testing.T) {
	fine := testReference(t, rayleigh.Grid(1800, 14000, 50))
	coarse := testReference(t, rayleigh.Grid(2000, 12000, 100))
	profile := syntheticProfile(coarse, nil, DefaultLidarRatio, 0)

	res, err := EstimateExtinction(profile, fine, EstimatorOptions{CalibrationMin: 9000, CalibrationMax: 10000})
	require.NoError(t, err)
	assert.Nil(t, res.CloudBase)
	assert.Equal(t, 10000.0, res.InvertedMax)
	for _, b := range res.Bins {
		if b.Altitude > res.InvertedMax {
			assert.True(t, math.IsNaN(b.Aerosol), "bin at %.0f m", b.Altitude)
			continue
		}
		assert.InDelta(t, 0.0, b.Aerosol, 1e-6, "bin at %.0f m", b.Altitude)
	}

	narrow := testReference(t, rayleigh.Grid(5000, 12000, 100))
	_, err = EstimateExtinction(profile, narrow, EstimatorOptions{CalibrationMin: 9000, CalibrationMax: 10000})
	assert.True(t, errors.Is(err, errors.ErrOutOfRange), "got %v", err)
}

func TestEstimateExtinctionErrors(t *testing.T) {
	grid := rayleigh.Grid(2000, 12000, 100)
	ref := testReference(t, grid)
	clearSky := syntheticProfile(ref, nil, DefaultLidarRatio, 0)

	zero := syntheticProfile(ref, nil, DefaultLidarRatio, 0)
	for i := range zero.Signal {
		zero.Signal[i] = 0
	}
	negative := syntheticProfile(ref, nil, DefaultLidarRatio, 0)
	for i := range negative.Signal {
		negative.Signal[i] = -negative.Signal[i]
	}
	// a spike far above the molecular return makes the forward
	// denominator negative
	diverging := syntheticProfile(ref, nil, DefaultLidarRatio, 0)
	diverging.Signal[10] *= 1e4

	calibrated := EstimatorOptions{CalibrationMin: 9000, CalibrationMax: 10000}
	tests := []struct {
		name    string
		profile *Profile
		opts    EstimatorOptions
		want    error
	}{
		{"calibration above profile", clearSky, EstimatorOptions{CalibrationMin: 20000, CalibrationMax: 21000}, errors.ErrOutOfRange},
		{"calibration below profile", clearSky, EstimatorOptions{CalibrationMin: 500, CalibrationMax: 1000}, errors.ErrOutOfRange},
		{"zero signal", zero, calibrated, errors.ErrDegenerateFit},
		{"negative signal", negative, calibrated, errors.ErrDegenerateFit},
		{"forward divergence", diverging, EstimatorOptions{CalibrationMin: 2000, CalibrationMax: 2500, Direction: Forward}, errors.ErrDegenerateFit},
		{"klett forward divergence", diverging, EstimatorOptions{CalibrationMin: 2000, CalibrationMax: 2500, Method: MethodKlett, Direction: Forward}, errors.ErrDegenerateFit},
		{"inverted calibration", clearSky, EstimatorOptions{CalibrationMin: 10000, CalibrationMax: 9000}, errors.ErrInvalidInput},
		{"negative lidar ratio", clearSky, EstimatorOptions{CalibrationMin: 9000, CalibrationMax: 10000, LidarRatio: -1}, errors.ErrInvalidInput},
		{"unknown method", clearSky, EstimatorOptions{CalibrationMin: 9000, CalibrationMax: 10000, Method: "raman"}, errors.ErrInvalidInput},
		{"single bin profile", &Profile{Altitude: []float64{2000}, Signal: []float64{1}}, calibrated, errors.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EstimateExtinction(tt.profile, ref, tt.opts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestDefaultEstimatorOptions(t *testing.T) {
	opts := DefaultEstimatorOptions()
	require.NoError(t, opts.Validate())
	assert.Equal(t, MethodFernald, opts.Method)
	assert.Equal(t, Backward, opts.Direction)
	assert.Equal(t, EstimatorOptions{CalibrationMin: 1, CalibrationMax: 2}.withDefaults().LidarRatio, DefaultLidarRatio)
}
