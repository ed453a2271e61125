package lidar

import (
	"testing"
	"time"

	"github.com/bregeon/LidarEyeball/internal/errors"
	"github.com/soniakeys/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 12, 21, 30, 0, 0, time.UTC)

func testGeometry() Geometry {
	return Geometry{
		BinWidth:         10,
		FirstBinRange:    100,
		ObserverAltitude: 1800,
	}
}

func TestBuildProfileAveraging(t *testing.T) {
	shots := []Shot{
		{Time: t0, Samples: []float64{1, 2, 3, 4}},
		{Time: t0.Add(10 * time.Second), Samples: []float64{3, 4, 5, 6}},
		{Time: t0.Add(2 * time.Minute), Samples: []float64{100, 100, 100, 100}},
	}
	window := TimeWindow{Start: t0, End: t0.Add(time.Minute)}

	p, err := BuildProfile(shots, window, testGeometry())
	require.NoError(t, err)

	assert.Equal(t, 2, p.Shots)
	assert.Equal(t, t0.Add(5*time.Second), p.Time)
	assert.Equal(t, []float64{1900, 1910, 1920, 1930}, p.Altitude)
	assert.InDelta(t, 10.0, p.Spacing(), 1e-9)

	for i, want := range []float64{2, 3, 4, 5} {
		r := 100 + 10*float64(i)
		assert.InDelta(t, want*r*r, p.Signal[i], 1e-6, "bin %d", i)
		// sample std of {a, a+2} is √2, divided by √2 shots
		assert.InDelta(t, r*r, p.Noise[i], 1e-6, "bin %d", i)
	}
}

func TestBuildProfileSingleShot(t *testing.T) {
	shots := []Shot{{Time: t0, Samples: []float64{5, 5, 5}}}
	p, err := BuildProfile(shots, TimeWindow{Start: t0, End: t0.Add(time.Second)}, testGeometry())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Shots)
	for _, e := range p.Noise {
		assert.Equal(t, 0.0, e)
	}
}

func TestBuildProfileBackground(t *testing.T) {
	geom := testGeometry()
	geom.BackgroundMin = 130
	geom.BackgroundMax = 140
	shots := []Shot{{Time: t0, Samples: []float64{12, 7, 3, 2, 2}}}

	p, err := BuildProfile(shots, TimeWindow{Start: t0, End: t0.Add(time.Second)}, geom)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, p.Background, 1e-12)
	assert.InDelta(t, 10*100.0*100.0, p.Signal[0], 1e-6)
	assert.InDelta(t, 0.0, p.Signal[4], 1e-12)
}

func TestBuildProfileZenithAngle(t *testing.T) {
	geom := testGeometry()
	geom.ZenithAngle = unit.AngleFromDeg(60)
	shots := []Shot{{Time: t0, Samples: []float64{1, 1}}}

	p, err := BuildProfile(shots, TimeWindow{Start: t0, End: t0.Add(time.Second)}, geom)
	require.NoError(t, err)
	assert.InDelta(t, 1850.0, p.Altitude[0], 1e-9)
	assert.InDelta(t, 1855.0, p.Altitude[1], 1e-9)
	assert.Equal(t, geom.ZenithAngle, p.ZenithAngle)
}

func TestBuildProfileInvalidInput(t *testing.T) {
	window := TimeWindow{Start: t0, End: t0.Add(time.Minute)}
	good := testGeometry()

	tests := []struct {
		name  string
		shots []Shot
		geom  Geometry
	}{
		{"no shots", nil, good},
		{"no shots in window", []Shot{{Time: t0.Add(time.Hour), Samples: []float64{1, 2}}}, good},
		{"shot at window end", []Shot{{Time: t0.Add(time.Minute), Samples: []float64{1, 2}}}, good},
		{"mismatched bins", []Shot{
			{Time: t0, Samples: []float64{1, 2, 3}},
			{Time: t0.Add(time.Second), Samples: []float64{1, 2}},
		}, good},
		{"single sample", []Shot{{Time: t0, Samples: []float64{1}}}, good},
		{"zero bin width", []Shot{{Time: t0, Samples: []float64{1, 2}}}, Geometry{}},
		{"horizontal pointing", []Shot{{Time: t0, Samples: []float64{1, 2}}},
			Geometry{BinWidth: 10, ZenithAngle: unit.AngleFromDeg(95)}},
		{"empty background range", []Shot{{Time: t0, Samples: []float64{1, 2}}},
			Geometry{BinWidth: 10, BackgroundMin: 5000, BackgroundMax: 6000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildProfile(tt.shots, window, tt.geom)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidInput), "got %v", err)
		})
	}
}

func TestProfileSlice(t *testing.T) {
	p := &Profile{
		Altitude: []float64{1000, 1100, 1200, 1300, 1400},
		Signal:   []float64{1, 2, 3, 4, 5},
		Noise:    []float64{0.1, 0.2, 0.3, 0.4, 0.5},
	}
	s, err := p.Slice(1100, 1300)
	require.NoError(t, err)
	assert.Equal(t, []float64{1100, 1200, 1300}, s.Altitude)
	assert.Equal(t, []float64{2, 3, 4}, s.Signal)
	assert.Equal(t, []float64{0.2, 0.3, 0.4}, s.Noise)

	s.Signal[0] = 42
	assert.Equal(t, 2.0, p.Signal[1], "slice must not alias the source")

	_, err = p.Slice(1150, 1190)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestProfileRebin(t *testing.T) {
	p := &Profile{
		Altitude: []float64{1000, 1100, 1200, 1300, 1400},
		Signal:   []float64{1, 3, 5, 7, 100},
		Noise:    []float64{3, 4, 0, 0, 1},
	}
	r, err := p.Rebin(2)
	require.NoError(t, err)
	assert.Equal(t, []float64{1050, 1250}, r.Altitude)
	assert.Equal(t, []float64{2, 6}, r.Signal)
	assert.InDelta(t, 2.5, r.Noise[0], 1e-12)
	assert.InDelta(t, 200.0, r.Spacing(), 1e-12)

	same, err := p.Rebin(1)
	require.NoError(t, err)
	assert.Equal(t, p.Signal, same.Signal)

	_, err = p.Rebin(3)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
	_, err = p.Rebin(0)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}
