package types

import (
	"time"

	"github.com/bregeon/LidarEyeball/internal/trigger"
	"github.com/soniakeys/meeus/v3/julian"
)

// RunSummary is the catalog entry of one processed Lidar run
type RunSummary struct {
	RunNumber     int       `json:"run_number" db:"run_number"`
	FileName      string    `json:"file_name" db:"file_name"`
	Start         time.Time `json:"start" db:"start_time"`
	End           time.Time `json:"end" db:"end_time"`
	MJD           float64   `json:"mjd" db:"mjd"`
	Wavelength    float64   `json:"wavelength_nm" db:"wavelength"`
	Windows       int       `json:"windows" db:"windows"`
	FailedWindows int       `json:"failed_windows" db:"failed_windows"`
	Background    float64   `json:"background" db:"background"`
	Tau4          float64   `json:"tau4" db:"tau4"`
	TriggerRate   float64   `json:"trigger_rate" db:"trigger_rate"` // Hz, average raw rate, 0 without trigger data
	IsGood        bool      `json:"is_good" db:"is_good"`
	ProcessingID  string    `json:"processing_id" db:"processing_id"`
}

// RunResult is everything a processed run hands to the storage engines
type RunResult struct {
	Summary      RunSummary
	Altitude     float64 // m a.s.l. at which Transmission was sampled
	Transmission []trigger.TransmissionPoint
	Corrected    *trigger.CorrectedSeries // nil when no trigger data was supplied
}

// ModifiedJulianDate converts t to MJD
func ModifiedJulianDate(t time.Time) float64 {
	return julian.TimeToJD(t.UTC()) - 2400000.5
}
