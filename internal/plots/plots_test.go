package plots

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bregeon/LidarEyeball/internal/errors"
	"github.com/bregeon/LidarEyeball/internal/lidar"
	"github.com/bregeon/LidarEyeball/internal/lidarrun"
	"github.com/bregeon/LidarEyeball/internal/trigger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0        = time.Date(2024, 3, 12, 21, 0, 0, 0, time.UTC)
	pngHeader = []byte("\x89PNG\r\n\x1a\n")
)

func sampleRun() *lidarrun.Run {
	run := &lidarrun.Run{RunNumber: 67217}
	for w := 0; w < 3; w++ {
		var bins []lidar.ExtinctionBin
		for i := 0; i < 50; i++ {
			alt := 2000 + float64(i)*200
			tr := math.Exp(-2 * 1e-5 * (alt - 2000))
			if w == 2 && alt > 6000 {
				tr = math.NaN()
			}
			bins = append(bins, lidar.ExtinctionBin{Altitude: alt, Transmission: tr})
		}
		start := t0.Add(time.Duration(w) * 5 * time.Minute)
		run.Windows = append(run.Windows, lidarrun.Window{
			Index:      w,
			TimeWindow: lidar.TimeWindow{Start: start, End: start.Add(5 * time.Minute)},
			Result:     &lidar.ExtinctionResult{Bins: bins},
		})
	}
	return run
}

func TestTransmissionProfilesPNG(t *testing.T) {
	p, err := TransmissionProfiles(sampleRun())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WritePNG(p, &buf))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), pngHeader))

	_, err = TransmissionProfiles(&lidarrun.Run{RunNumber: 1})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestTransmissionSeriesSave(t *testing.T) {
	points := []trigger.TransmissionPoint{
		{Time: t0, Transmission: 0.82, Valid: true},
		{Time: t0.Add(5 * time.Minute), Transmission: 0.80, Valid: true},
		{Time: t0.Add(10 * time.Minute), Transmission: math.NaN()},
	}
	p, err := TransmissionSeries(67217, 8000, points)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "transmission.png")
	require.NoError(t, Save(p, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, pngHeader))

	_, err = TransmissionSeries(67217, 8000, nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestCorrectedRatesPNG(t *testing.T) {
	s := &trigger.CorrectedSeries{RunNumber: 67217, Mode: trigger.TwoWay}
	for i := 0; i < 120; i++ {
		b := trigger.CorrectedBin{
			Time:        t0.Add(time.Duration(i) * time.Second),
			Count:       200,
			Duration:    time.Second,
			RawRate:     200,
			Rate:        250,
			Factor:      1.25,
			Uncertainty: 18,
		}
		if i > 100 {
			b.Rate, b.Factor, b.Flag = 200, 1, trigger.FlagOutOfRange
			b.Transmission = math.NaN()
		}
		s.Bins = append(s.Bins, b)
	}
	p, err := CorrectedRates(s)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WritePNG(p, &buf))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), pngHeader))

	_, err = CorrectedRates(&trigger.CorrectedSeries{})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}
