// Package reader parses the text inputs of the pipeline: ASCII Lidar run
// files, shot streams, binned trigger counts and raw trigger event times.
package reader

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bregeon/LidarEyeball/internal/errors"
	"github.com/bregeon/LidarEyeball/internal/lidar"
)

// RunFileDateLayout is the layout of the first line of an ASCII run file,
// e.g. "Tue Mar 12 21:30:00 2024"
const RunFileDateLayout = time.ANSIC

// RunFile is an ASCII Lidar run: one averaged return per wavelength channel
// tabulated against range.
type RunFile struct {
	RunNumber int
	FileName  string
	Time      time.Time
	Range     []float64   // m from the telescope
	Channels  [][]float64 // Channels[c][i] is the raw return of channel c at Range[i]
}

// ReadRunFile opens and parses an ASCII run file. The run number is taken
// from the second underscore-separated field of the file name.
func ReadRunFile(path string) (*RunFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening run file")
	}
	defer f.Close()

	run, err := RunNumberFromFileName(path)
	if err != nil {
		return nil, err
	}
	rf, err := ParseRunFile(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	rf.RunNumber = run
	rf.FileName = filepath.Base(path)
	return rf, nil
}

// RunNumberFromFileName extracts 123456 from names like Lidar_123456_532.txt
func RunNumberFromFileName(path string) (int, error) {
	parts := strings.Split(filepath.Base(path), "_")
	if len(parts) < 2 {
		return 0, errors.InvalidInputf("file name %q carries no run number", filepath.Base(path))
	}
	field := strings.TrimSuffix(parts[1], filepath.Ext(parts[1]))
	run, err := strconv.Atoi(field)
	if err != nil {
		return 0, errors.InvalidInputf("file name %q: run number %q is not an integer", filepath.Base(path), field)
	}
	return run, nil
}

// ParseRunFile reads the date header and the "range(km) ch1 ch2 ..." rows
func ParseRunFile(r io.Reader) (*RunFile, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, errors.Wrap(err, "reading header")
		}
		return nil, errors.InvalidInputf("empty run file")
	}
	header := strings.TrimSpace(sc.Text())
	ts, err := time.Parse(RunFileDateLayout, header)
	if err != nil {
		return nil, errors.InvalidInputf("header %q is not a date: %v", header, err)
	}

	rf := &RunFile{Time: ts}
	line := 1
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if len(fields) < 2 {
			return nil, errors.InvalidInputf("line %d: expected range and at least one channel", line)
		}
		if rf.Channels == nil {
			rf.Channels = make([][]float64, len(fields)-1)
		}
		if len(fields)-1 != len(rf.Channels) {
			return nil, errors.InvalidInputf("line %d: %d channels, expected %d", line, len(fields)-1, len(rf.Channels))
		}

		values, err := parseFloats(fields)
		if err != nil {
			return nil, errors.InvalidInputf("line %d: %v", line, err)
		}
		rf.Range = append(rf.Range, values[0]*1000)
		for c := range rf.Channels {
			rf.Channels[c] = append(rf.Channels[c], values[c+1])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "reading rows")
	}
	if len(rf.Range) < 2 {
		return nil, errors.InvalidInputf("run file has %d rows, need at least 2", len(rf.Range))
	}
	return rf, nil
}

// Shot returns channel c as a single shot. Channel numbering starts at 0.
func (rf *RunFile) Shot(c int) (lidar.Shot, error) {
	if c < 0 || c >= len(rf.Channels) {
		return lidar.Shot{}, errors.InvalidInputf("run file has %d channels, no channel %d", len(rf.Channels), c)
	}
	return lidar.Shot{Time: rf.Time, Samples: append([]float64(nil), rf.Channels[c]...)}, nil
}

// Geometry derives the range binning of the file. base supplies pointing,
// observer altitude and background range; its bin width and first range are
// replaced by the file's.
func (rf *RunFile) Geometry(base lidar.Geometry) (lidar.Geometry, error) {
	width := rf.Range[1] - rf.Range[0]
	for i := 2; i < len(rf.Range); i++ {
		if d := rf.Range[i] - rf.Range[i-1]; d <= 0 || abs(d-width) > 1e-6*width+1e-9 {
			return lidar.Geometry{}, errors.InvalidInputf("range column is not uniform at row %d", i)
		}
	}
	base.BinWidth = width
	base.FirstBinRange = rf.Range[0]
	return base, base.Validate()
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
