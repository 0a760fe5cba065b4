// Package config loads and validates run configuration for the ROI
// analytics engine. Fields use pointer types so a partial JSON file only
// overrides what it names; the Get* accessors supply defaults for the rest.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/roadscope-data/roi.report/internal/geometry"
	"github.com/roadscope-data/roi.report/internal/trackstore"
	"github.com/roadscope-data/roi.report/internal/units"
)

// DefaultConfigPath is the path to the canonical analysis defaults file.
const DefaultConfigPath = "config/analysis.defaults.json"

// HomographyConfig holds pixel->world point correspondences for a
// perspective-correct calibration. At least four pairs are required.
type HomographyConfig struct {
	Pixel [][2]float64 `json:"pixel"`
	World [][2]float64 `json:"world"`
}

// AnalysisConfig represents one run's configuration. The ROI polygon is the
// only required field. Supplied once before a run; read-only during it.
type AnalysisConfig struct {
	// ROI polygon vertices in pixel coordinates, in drawing order.
	ROI [][2]float64 `json:"roi"`

	// Calibration: scalar factor or homography. At most one should be set;
	// the homography wins when both are present.
	MetresPerPixel *float64          `json:"metres_per_pixel,omitempty"`
	Homography     *HomographyConfig `json:"homography,omitempty"`

	// Track lifecycle params
	GracePeriod        *string `json:"grace_period,omitempty"` // duration string like "1s"
	MinContainedFrames *int    `json:"min_contained_frames,omitempty"`
	Anchor             *string `json:"anchor,omitempty"` // "centroid" or "bottom-centre"
	KeepFinalized      *bool   `json:"keep_finalized,omitempty"`
	MaxTrackSamples    *int    `json:"max_track_samples,omitempty"`

	// Speed params
	SpeedWindow      *int    `json:"speed_window,omitempty"`
	MinSpeedElapsed  *string `json:"min_speed_elapsed,omitempty"` // duration string like "10ms"
	SpeedRegionWide  *bool   `json:"speed_region_wide,omitempty"`
	AvgSpeedInterval *string `json:"avg_speed_interval,omitempty"` // duration string like "2s"

	// Congestion params
	CongestionWindow *string `json:"congestion_window,omitempty"` // duration string like "5s"
	MaxCapacity      *int    `json:"max_capacity,omitempty"`
	ClampUtilisation *bool   `json:"clamp_utilisation,omitempty"`

	// Output params
	Units *string `json:"units,omitempty"`

	// Classes restricts analysis to the named object classes. Empty keeps
	// every class the external tracker emits.
	Classes []string `json:"classes,omitempty"`
}

// EmptyAnalysisConfig returns an AnalysisConfig with all optional fields
// unset. The ROI must still be supplied before Validate will pass.
func EmptyAnalysisConfig() *AnalysisConfig {
	return &AnalysisConfig{}
}

// LoadAnalysisConfig loads an AnalysisConfig from a JSON file. The file is
// validated to have a .json extension and to be under the max file size.
// Fields omitted from the JSON retain their defaults, so partial configs
// are safe.
func LoadAnalysisConfig(path string) (*AnalysisConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyAnalysisConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid. Configuration
// errors are the only fatal errors in the system: a run never starts with
// a malformed ROI or unparseable parameters.
func (c *AnalysisConfig) Validate() error {
	if err := c.Polygon().Validate(); err != nil {
		return err
	}

	if c.MetresPerPixel != nil && *c.MetresPerPixel <= 0 {
		return fmt.Errorf("metres_per_pixel must be positive, got %f", *c.MetresPerPixel)
	}
	if c.Homography != nil {
		if len(c.Homography.Pixel) != len(c.Homography.World) {
			return fmt.Errorf("homography pixel/world point counts differ: %d vs %d",
				len(c.Homography.Pixel), len(c.Homography.World))
		}
		if len(c.Homography.Pixel) < 4 {
			return fmt.Errorf("homography needs at least 4 point pairs, got %d", len(c.Homography.Pixel))
		}
	}

	for name, v := range map[string]*string{
		"grace_period":       c.GracePeriod,
		"min_speed_elapsed":  c.MinSpeedElapsed,
		"avg_speed_interval": c.AvgSpeedInterval,
		"congestion_window":  c.CongestionWindow,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}

	if c.MinContainedFrames != nil && *c.MinContainedFrames < 1 {
		return fmt.Errorf("min_contained_frames must be >= 1, got %d", *c.MinContainedFrames)
	}
	if c.SpeedWindow != nil && *c.SpeedWindow < 2 {
		return fmt.Errorf("speed_window must be >= 2, got %d", *c.SpeedWindow)
	}
	if c.MaxCapacity != nil && *c.MaxCapacity <= 0 {
		return fmt.Errorf("max_capacity must be positive, got %d", *c.MaxCapacity)
	}
	if c.Anchor != nil {
		switch trackstore.Anchor(*c.Anchor) {
		case trackstore.AnchorCentroid, trackstore.AnchorBottomCentre:
		default:
			return fmt.Errorf("anchor must be %q or %q, got %q",
				trackstore.AnchorCentroid, trackstore.AnchorBottomCentre, *c.Anchor)
		}
	}
	if c.Units != nil && !units.IsValid(*c.Units) {
		return fmt.Errorf("units must be one of %s, got %q", units.GetValidUnitsString(), *c.Units)
	}

	return nil
}

// Polygon converts the configured ROI vertices into a geometry.Polygon.
func (c *AnalysisConfig) Polygon() geometry.Polygon {
	poly := make(geometry.Polygon, len(c.ROI))
	for i, v := range c.ROI {
		poly[i] = geometry.Point{X: v[0], Y: v[1]}
	}
	return poly
}

// BuildCalibration constructs the calibration from the configured factor or
// homography. Returns nil when neither is configured: speed then falls back
// to pixels/second, flagged as uncalibrated in the output.
func (c *AnalysisConfig) BuildCalibration() (*geometry.Calibration, error) {
	if c.Homography != nil {
		pixel := make([]geometry.Point, len(c.Homography.Pixel))
		world := make([]geometry.Point, len(c.Homography.World))
		for i := range c.Homography.Pixel {
			pixel[i] = geometry.Point{X: c.Homography.Pixel[i][0], Y: c.Homography.Pixel[i][1]}
			world[i] = geometry.Point{X: c.Homography.World[i][0], Y: c.Homography.World[i][1]}
		}
		return geometry.NewHomography(pixel, world)
	}
	if c.MetresPerPixel != nil {
		return geometry.NewScaleCalibration(*c.MetresPerPixel)
	}
	return nil, nil
}

// GetGracePeriod parses and returns the grace period as a time.Duration.
func (c *AnalysisConfig) GetGracePeriod() time.Duration {
	if c.GracePeriod == nil || *c.GracePeriod == "" {
		return time.Second // default
	}
	d, err := time.ParseDuration(*c.GracePeriod)
	if err != nil {
		return time.Second // default on parse error
	}
	return d
}

// GetMinContainedFrames returns the min_contained_frames value or the default.
func (c *AnalysisConfig) GetMinContainedFrames() int {
	if c.MinContainedFrames == nil {
		return 1 // default: keep single-frame residency
	}
	return *c.MinContainedFrames
}

// GetAnchor returns the configured anchor point or the default.
func (c *AnalysisConfig) GetAnchor() trackstore.Anchor {
	if c.Anchor == nil {
		return trackstore.AnchorCentroid
	}
	return trackstore.Anchor(*c.Anchor)
}

// GetKeepFinalized returns the keep_finalized value or the default.
func (c *AnalysisConfig) GetKeepFinalized() bool {
	if c.KeepFinalized == nil {
		return false // default: discard after emission
	}
	return *c.KeepFinalized
}

// GetMaxTrackSamples returns the max_track_samples value or the default.
func (c *AnalysisConfig) GetMaxTrackSamples() int {
	if c.MaxTrackSamples == nil {
		return 1000
	}
	return *c.MaxTrackSamples
}

// GetSpeedWindow returns the speed_window value or the default.
func (c *AnalysisConfig) GetSpeedWindow() int {
	if c.SpeedWindow == nil {
		return 5
	}
	return *c.SpeedWindow
}

// GetMinSpeedElapsed parses and returns the minimum window span for a
// speed estimate.
func (c *AnalysisConfig) GetMinSpeedElapsed() time.Duration {
	if c.MinSpeedElapsed == nil || *c.MinSpeedElapsed == "" {
		return 10 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.MinSpeedElapsed)
	if err != nil {
		return 10 * time.Millisecond // default on parse error
	}
	return d
}

// GetSpeedRegionWide returns the speed_region_wide value or the default.
func (c *AnalysisConfig) GetSpeedRegionWide() bool {
	if c.SpeedRegionWide == nil {
		return false // default: measure only while ROI-resident
	}
	return *c.SpeedRegionWide
}

// GetAvgSpeedInterval parses and returns the interval-averaged speed
// cadence.
func (c *AnalysisConfig) GetAvgSpeedInterval() time.Duration {
	if c.AvgSpeedInterval == nil || *c.AvgSpeedInterval == "" {
		return 2 * time.Second // default
	}
	d, err := time.ParseDuration(*c.AvgSpeedInterval)
	if err != nil {
		return 2 * time.Second // default on parse error
	}
	return d
}

// GetCongestionWindow parses and returns the trailing congestion window.
func (c *AnalysisConfig) GetCongestionWindow() time.Duration {
	if c.CongestionWindow == nil || *c.CongestionWindow == "" {
		return 5 * time.Second // default
	}
	d, err := time.ParseDuration(*c.CongestionWindow)
	if err != nil {
		return 5 * time.Second // default on parse error
	}
	return d
}

// GetMaxCapacity returns the max_capacity value or the default.
func (c *AnalysisConfig) GetMaxCapacity() int {
	if c.MaxCapacity == nil {
		return 10
	}
	return *c.MaxCapacity
}

// GetClampUtilisation returns the clamp_utilisation value or the default.
func (c *AnalysisConfig) GetClampUtilisation() bool {
	if c.ClampUtilisation == nil {
		return false // default: surface over-capacity rather than hide it
	}
	return *c.ClampUtilisation
}

// GetUnits returns the output speed units or the default.
func (c *AnalysisConfig) GetUnits() string {
	if c.Units == nil || !units.IsValid(*c.Units) {
		return units.MPS
	}
	return *c.Units
}

// ClassSet returns the configured class allow-list as a set, or nil when
// every class is kept.
func (c *AnalysisConfig) ClassSet() map[string]bool {
	if len(c.Classes) == 0 {
		return nil
	}
	set := make(map[string]bool, len(c.Classes))
	for _, cls := range c.Classes {
		set[cls] = true
	}
	return set
}
