// Package config loads the LidarEyeball configuration and applies defaults.
package config

import (
	"time"

	"github.com/bregeon/LidarEyeball/internal/errors"
)

// ConfigProvider defines the interface for configuration data sources
type ConfigProvider interface {
	// Load complete configuration, defaults applied and validated
	LoadConfig() (*ConfigData, error)

	// Get specific configuration sections
	GetStorageConfig() (*StorageData, error)
	GetRESTConfig() (*RESTServerData, error)

	IsReadOnly() bool
	Close() error
}

// ConfigData represents the complete configuration structure
type ConfigData struct {
	Lidar      LidarData      `yaml:"lidar" json:"lidar"`
	Atmosphere AtmosphereData `yaml:"atmosphere" json:"atmosphere"`
	Analysis   AnalysisData   `yaml:"analysis" json:"analysis"`
	Correction CorrectionData `yaml:"correction" json:"correction"`
	Storage    StorageData    `yaml:"storage,omitempty" json:"storage,omitempty"`
	REST       RESTServerData `yaml:"rest,omitempty" json:"rest,omitempty"`
}

// LidarData describes the instrument geometry
type LidarData struct {
	Wavelength       float64 `yaml:"wavelength" json:"wavelength"` // nm
	BinWidth         float64 `yaml:"bin-width" json:"bin_width"`   // m along the line of sight
	FirstBinRange    float64 `yaml:"first-bin-range" json:"first_bin_range"`
	ZenithAngleDeg   float64 `yaml:"zenith-angle" json:"zenith_angle"`
	ObserverAltitude float64 `yaml:"observer-altitude" json:"observer_altitude"` // m a.s.l.
	BackgroundMin    float64 `yaml:"background-min,omitempty" json:"background_min,omitempty"`
	BackgroundMax    float64 `yaml:"background-max,omitempty" json:"background_max,omitempty"`
}

// AtmosphereData holds the ground conditions fed to the molecular model
type AtmosphereData struct {
	PressureHPa  float64 `yaml:"pressure" json:"pressure"`
	TemperatureK float64 `yaml:"temperature" json:"temperature"`
	Model        string  `yaml:"model,omitempty" json:"model,omitempty"`
}

// AnalysisData parameterizes the per-window inversion
type AnalysisData struct {
	WindowDuration time.Duration `yaml:"window-duration" json:"window_duration"`
	AltitudeMin    float64       `yaml:"altitude-min,omitempty" json:"altitude_min,omitempty"`
	AltitudeMax    float64       `yaml:"altitude-max,omitempty" json:"altitude_max,omitempty"`
	Rebin          int           `yaml:"rebin,omitempty" json:"rebin,omitempty"`
	CalibrationMin float64       `yaml:"calibration-min" json:"calibration_min"`
	CalibrationMax float64       `yaml:"calibration-max" json:"calibration_max"`
	CloudThreshold float64       `yaml:"cloud-threshold" json:"cloud_threshold"`
	LidarRatio     float64       `yaml:"lidar-ratio" json:"lidar_ratio"`
	Method         string        `yaml:"method" json:"method"`
	Direction      string        `yaml:"direction" json:"direction"`
	Workers        int           `yaml:"workers,omitempty" json:"workers,omitempty"`
	MinTau         float64       `yaml:"min-tau" json:"min_tau"`

	// ChannelMinTau overrides MinTau for the run-file channel of the same
	// index, one wavelength per channel
	ChannelMinTau []float64 `yaml:"channel-min-tau,omitempty" json:"channel_min_tau,omitempty"`
}

// MinTauFor returns the Tau4 threshold of a run inverted from channel,
// MinTau when the channel has none or is negative
func (a AnalysisData) MinTauFor(channel int) float64 {
	if channel >= 0 && channel < len(a.ChannelMinTau) {
		return a.ChannelMinTau[channel]
	}
	return a.MinTau
}

// CorrectionData parameterizes the trigger-rate correction
type CorrectionData struct {
	Mode     string        `yaml:"mode" json:"mode"`
	Altitude float64       `yaml:"altitude" json:"altitude"` // m a.s.l. where transmission is read
	BinWidth time.Duration `yaml:"bin-width" json:"bin_width"`
}

// StorageData holds the configuration for the storage backends
type StorageData struct {
	Catalog     *CatalogData     `yaml:"catalog,omitempty" json:"catalog,omitempty"`
	TimescaleDB *TimescaleDBData `yaml:"timescaledb,omitempty" json:"timescaledb,omitempty"`
}

// CatalogData locates the SQLite run catalog
type CatalogData struct {
	Path string `yaml:"path" json:"path"`
}

// TimescaleDBData holds the PostgreSQL connection of the result sink
type TimescaleDBData struct {
	ConnectionString string `yaml:"connection-string" json:"connection_string"`
}

// RESTServerData configures the read API
type RESTServerData struct {
	Cert       string `yaml:"cert,omitempty" json:"cert,omitempty"`
	Key        string `yaml:"key,omitempty" json:"key,omitempty"`
	Port       int    `yaml:"port,omitempty" json:"port,omitempty"`
	ListenAddr string `yaml:"listen-addr,omitempty" json:"listen_addr,omitempty"`
}

// Defaults
const (
	DefaultWavelength     = 532.0
	DefaultWindowDuration = 5 * time.Minute
	DefaultCalibrationMin = 8000.0
	DefaultCalibrationMax = 9000.0
	DefaultCloudThreshold = 1e-4
	DefaultLidarRatio     = 50.0
	DefaultMethod         = "fernald"
	DefaultDirection      = "backward"
	DefaultMinTau         = 0.002
	DefaultMode           = "one-way"
	DefaultCorrectionAlt  = 8000.0
	DefaultTriggerBin     = time.Second
	DefaultRESTPort       = 8080
	DefaultListenAddr     = "0.0.0.0"
	DefaultAtmosphere     = "us-standard"
)

// ApplyDefaults fills every unset field with its default
func (c *ConfigData) ApplyDefaults() {
	if c.Lidar.Wavelength == 0 {
		c.Lidar.Wavelength = DefaultWavelength
	}
	if c.Atmosphere.Model == "" {
		c.Atmosphere.Model = DefaultAtmosphere
	}

	a := &c.Analysis
	if a.WindowDuration == 0 {
		a.WindowDuration = DefaultWindowDuration
	}
	if a.Rebin == 0 {
		a.Rebin = 1
	}
	if a.CalibrationMin == 0 && a.CalibrationMax == 0 {
		a.CalibrationMin, a.CalibrationMax = DefaultCalibrationMin, DefaultCalibrationMax
	}
	if a.CloudThreshold == 0 {
		a.CloudThreshold = DefaultCloudThreshold
	}
	if a.LidarRatio == 0 {
		a.LidarRatio = DefaultLidarRatio
	}
	if a.Method == "" {
		a.Method = DefaultMethod
	}
	if a.Direction == "" {
		a.Direction = DefaultDirection
	}
	if a.MinTau == 0 {
		a.MinTau = DefaultMinTau
	}

	if c.Correction.Mode == "" {
		c.Correction.Mode = DefaultMode
	}
	if c.Correction.Altitude == 0 {
		c.Correction.Altitude = DefaultCorrectionAlt
	}
	if c.Correction.BinWidth == 0 {
		c.Correction.BinWidth = DefaultTriggerBin
	}

	if c.REST.Port == 0 {
		c.REST.Port = DefaultRESTPort
	}
	if c.REST.ListenAddr == "" {
		c.REST.ListenAddr = DefaultListenAddr
	}
}

// Validate checks the configuration after defaults are applied
func (c *ConfigData) Validate() error {
	switch {
	case c.Lidar.BinWidth <= 0:
		return errors.InvalidInputf("lidar.bin-width must be positive, got %g", c.Lidar.BinWidth)
	case c.Lidar.ZenithAngleDeg < 0 || c.Lidar.ZenithAngleDeg >= 90:
		return errors.InvalidInputf("lidar.zenith-angle must be in [0, 90), got %g", c.Lidar.ZenithAngleDeg)
	case c.Atmosphere.PressureHPa <= 0:
		return errors.InvalidInputf("atmosphere.pressure must be positive, got %g", c.Atmosphere.PressureHPa)
	case c.Atmosphere.TemperatureK <= 0:
		return errors.InvalidInputf("atmosphere.temperature must be positive (kelvin), got %g", c.Atmosphere.TemperatureK)
	case c.Analysis.WindowDuration < 0:
		return errors.InvalidInputf("analysis.window-duration must be positive, got %s", c.Analysis.WindowDuration)
	case c.Analysis.CalibrationMax <= c.Analysis.CalibrationMin:
		return errors.InvalidInputf("analysis calibration range [%g, %g] is empty",
			c.Analysis.CalibrationMin, c.Analysis.CalibrationMax)
	case c.Analysis.AltitudeMax != 0 && c.Analysis.AltitudeMax <= c.Analysis.AltitudeMin:
		return errors.InvalidInputf("analysis altitude cut [%g, %g] is empty",
			c.Analysis.AltitudeMin, c.Analysis.AltitudeMax)
	case c.Analysis.Rebin < 1:
		return errors.InvalidInputf("analysis.rebin must be at least 1, got %d", c.Analysis.Rebin)
	}

	switch c.Analysis.Method {
	case "fernald", "klett":
	default:
		return errors.InvalidInputf("analysis.method must be fernald or klett, got %q", c.Analysis.Method)
	}
	switch c.Analysis.Direction {
	case "backward", "forward":
	default:
		return errors.InvalidInputf("analysis.direction must be backward or forward, got %q", c.Analysis.Direction)
	}
	switch c.Correction.Mode {
	case "one-way", "two-way":
	default:
		return errors.InvalidInputf("correction.mode must be one-way or two-way, got %q", c.Correction.Mode)
	}
	switch c.Atmosphere.Model {
	case "us-standard", "isothermal":
	default:
		return errors.InvalidInputf("atmosphere.model must be us-standard or isothermal, got %q", c.Atmosphere.Model)
	}
	return nil
}
