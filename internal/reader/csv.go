package reader

import (
	"bufio"
	"encoding/csv"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bregeon/LidarEyeball/internal/errors"
	"github.com/bregeon/LidarEyeball/internal/lidar"
	"github.com/bregeon/LidarEyeball/internal/trigger"
)

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true
	return cr
}

// ParseTime accepts RFC 3339 timestamps and Unix seconds with a fraction
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return time.Time{}, errors.InvalidInputf("timestamp %q is neither RFC 3339 nor Unix seconds", s)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC(), nil
}

// ReadShots parses a shot stream, one shot per row: time,sample0,sample1,...
// A first row starting with "time" is taken as a header.
func ReadShots(r io.Reader) ([]lidar.Shot, error) {
	cr := newCSVReader(r)
	var shots []lidar.Shot
	for row := 1; ; row++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "shots row %d", row), errors.ErrInvalidInput)
		}
		if row == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "time") {
			continue
		}
		if len(rec) < 2 {
			return nil, errors.InvalidInputf("shots row %d: expected time and samples", row)
		}
		ts, err := ParseTime(rec[0])
		if err != nil {
			return nil, errors.Wrapf(err, "shots row %d", row)
		}
		samples, err := parseFloats(rec[1:])
		if err != nil {
			return nil, errors.InvalidInputf("shots row %d: %v", row, err)
		}
		shots = append(shots, lidar.Shot{Time: ts, Samples: samples})
	}
	return shots, nil
}

// ReadTriggerBins parses binned trigger counts with a header naming the
// time, count and duration columns. Duration is in seconds.
func ReadTriggerBins(r io.Reader) ([]trigger.Bin, error) {
	cr := newCSVReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "reading trigger header"), errors.ErrInvalidInput)
	}

	cols := make(map[string]int)
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, req := range []string{"time", "count", "duration"} {
		if _, ok := cols[req]; !ok {
			return nil, errors.InvalidInputf("missing required trigger column: %s", req)
		}
	}

	var bins []trigger.Bin
	for row := 2; ; row++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "trigger row %d", row), errors.ErrInvalidInput)
		}
		get := func(col string) string {
			if idx := cols[col]; idx < len(rec) {
				return rec[idx]
			}
			return ""
		}

		ts, err := ParseTime(get("time"))
		if err != nil {
			return nil, errors.Wrapf(err, "trigger row %d", row)
		}
		count, err := strconv.ParseInt(strings.TrimSpace(get("count")), 10, 64)
		if err != nil {
			return nil, errors.InvalidInputf("trigger row %d: invalid count %q", row, get("count"))
		}
		secs, err := strconv.ParseFloat(strings.TrimSpace(get("duration")), 64)
		if err != nil {
			return nil, errors.InvalidInputf("trigger row %d: invalid duration %q", row, get("duration"))
		}
		bins = append(bins, trigger.Bin{
			Time:     ts,
			Count:    count,
			Duration: time.Duration(secs * float64(time.Second)),
		})
	}
	return bins, nil
}

// ReadEventTimes parses one trigger timestamp per line
func ReadEventTimes(r io.Reader) ([]time.Time, error) {
	sc := bufio.NewScanner(r)
	var events []time.Time
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		ts, err := ParseTime(text)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		events = append(events, ts)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "reading event times")
	}
	return events, nil
}

// WriteCorrected writes a corrected series as CSV with a header row
func WriteCorrected(w io.Writer, s *trigger.CorrectedSeries) error {
	cw := csv.NewWriter(w)
	header := []string{"time", "count", "duration", "raw_rate", "rate", "factor", "transmission", "uncertainty", "flag"}
	if err := cw.Write(header); err != nil {
		return errors.Wrap(err, "writing header")
	}
	for _, b := range s.Bins {
		rec := []string{
			b.Time.UTC().Format(time.RFC3339Nano),
			strconv.FormatInt(b.Count, 10),
			strconv.FormatFloat(b.Duration.Seconds(), 'g', -1, 64),
			strconv.FormatFloat(b.RawRate, 'g', 10, 64),
			strconv.FormatFloat(b.Rate, 'g', 10, 64),
			strconv.FormatFloat(b.Factor, 'g', 10, 64),
			strconv.FormatFloat(b.Transmission, 'g', 10, 64),
			strconv.FormatFloat(b.Uncertainty, 'g', 10, 64),
			string(b.Flag),
		}
		if err := cw.Write(rec); err != nil {
			return errors.Wrap(err, "writing row")
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flushing csv")
}
