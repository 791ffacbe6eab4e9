// Package config provides configuration loading and management for occmesh.
// It handles loading configuration from YAML files, provides default values
// and resolves the model toggles into a fixed capability set.
package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Model toggles and network shapes
	Model struct {
		// UseAttention routes ROI features through the attention predictor
		UseAttention bool `yaml:"useAttention"`

		// PixelAttention and ChannelAttention select the attention outputs
		PixelAttention   bool `yaml:"pixelAttention"`
		ChannelAttention bool `yaml:"channelAttention"`

		// ROIAlign resamples each level onto the crop box grid
		ROIAlign bool `yaml:"roiAlign"`

		// GlobalRecon adds an occupancy branch driven only by the global descriptor
		GlobalRecon bool `yaml:"globalRecon"`

		// GlobalFeature appends the global descriptor to every point vector
		GlobalFeature bool `yaml:"globalFeature"`

		// SkipFeature appends a low-level image feature to every point vector
		SkipFeature bool `yaml:"skipFeature"`

		// InputSize is the square size images are resized to
		InputSize int `yaml:"inputSize"`

		// FeatureLevels is the number of feature stack levels
		FeatureLevels int `yaml:"featureLevels"`

		// ROISize is the height and width of the ROI grid
		ROISize int `yaml:"roiSize"`

		// ClassDim is the width of the class code
		ClassDim int `yaml:"classDim"`

		// HiddenDims are the hidden layer widths of the occupancy heads
		HiddenDims []int `yaml:"hiddenDims"`

		// Seed initializes weights that are not loaded from files
		Seed int64 `yaml:"seed"`

		// OccupancyWeights and GlobalWeights are optional JSON weight files
		OccupancyWeights string `yaml:"occupancyWeights"`
		GlobalWeights    string `yaml:"globalWeights"`
	} `yaml:"model"`

	// Data describes the dataset variant and point encoding
	Data struct {
		// Dataset selects the loss variant ("pix3d_recon" or anything else)
		Dataset string `yaml:"dataset"`

		// PositionalEmbedding replaces raw xyz with a frequency encoding
		PositionalEmbedding bool `yaml:"positionalEmbedding"`

		// Multires is the number of encoding frequencies
		Multires int `yaml:"multires"`

		// InstanceMask enables the auxiliary mask loss
		InstanceMask bool `yaml:"instanceMask"`

		// UseCrop normalizes projections by the crop box instead of the image
		UseCrop bool `yaml:"useCrop"`

		// NearSurfaceSamples is the size of the near-surface label block
		NearSurfaceSamples int `yaml:"nearSurfaceSamples"`
	} `yaml:"data"`

	// Reconstruction parameters
	Reconstruction struct {
		// Resolution is the lattice size per axis
		Resolution int `yaml:"resolution"`

		// Extent is the lattice half-size in canonical units
		Extent float64 `yaml:"extent"`

		// ChunkSize is the number of points per occupancy call
		ChunkSize int `yaml:"chunkSize"`

		// NumWorkers bounds concurrently evaluated chunks. Peak memory grows
		// to NumWorkers chunks of feature vectors.
		NumWorkers int `yaml:"numWorkers"`

		// Threshold is the iso-level used for extraction
		Threshold float64 `yaml:"threshold"`

		// FallbackRadius is the radius of the sentinel sphere
		FallbackRadius float64 `yaml:"fallbackRadius"`

		// MinProjectionDepth clamps camera depth before perspective division
		MinProjectionDepth float64 `yaml:"minProjectionDepth"`
	} `yaml:"reconstruction"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// SaveSlices writes probability volume slices next to the mesh
		SaveSlices bool `yaml:"saveSlices"`

		// SliceAxis is the lattice axis slices are cut along
		SliceAxis string `yaml:"sliceAxis"`

		// SliceScale enlarges saved slices
		SliceScale int `yaml:"sliceScale"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Model.UseAttention = true
	cfg.Model.PixelAttention = true
	cfg.Model.ChannelAttention = true
	cfg.Model.ROIAlign = true
	cfg.Model.GlobalRecon = false
	cfg.Model.GlobalFeature = true
	cfg.Model.SkipFeature = false
	cfg.Model.InputSize = 128
	cfg.Model.FeatureLevels = 2
	cfg.Model.ROISize = 32
	cfg.Model.ClassDim = 9
	cfg.Model.HiddenDims = []int{256, 128, 64}
	cfg.Model.Seed = 1

	cfg.Data.Dataset = "front3d_recon"
	cfg.Data.PositionalEmbedding = false
	cfg.Data.Multires = 6
	cfg.Data.InstanceMask = true
	cfg.Data.UseCrop = false
	cfg.Data.NearSurfaceSamples = 2048

	cfg.Reconstruction.Resolution = 64
	cfg.Reconstruction.Extent = 1.2
	cfg.Reconstruction.ChunkSize = 200000
	cfg.Reconstruction.NumWorkers = 1
	cfg.Reconstruction.Threshold = 0.5
	cfg.Reconstruction.FallbackRadius = 0.5
	cfg.Reconstruction.MinProjectionDepth = 1e-6

	cfg.Output.Verbose = true
	cfg.Output.SaveSlices = false
	cfg.Output.SliceAxis = "z"
	cfg.Output.SliceScale = 4

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing config file")
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "error creating config directory")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "error marshaling config")
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrap(err, "error writing config file")
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfig, format, args...)
}

// Validate reports every inconsistent or out-of-range setting at once
func (c *Config) Validate() error {
	var err error
	m, d, r := c.Model, c.Data, c.Reconstruction

	if !m.UseAttention && (m.PixelAttention || m.ChannelAttention) {
		err = multierr.Append(err, invalid("pixel or channel attention requires useAttention"))
	}
	if m.InputSize < 1<<(max(m.FeatureLevels, 1)-1) {
		err = multierr.Append(err, invalid("inputSize %d too small for %d feature levels", m.InputSize, m.FeatureLevels))
	}
	if m.FeatureLevels < 1 {
		err = multierr.Append(err, invalid("featureLevels must be at least 1, got %d", m.FeatureLevels))
	}
	if m.ROISize < 1 {
		err = multierr.Append(err, invalid("roiSize must be positive, got %d", m.ROISize))
	}
	if m.ClassDim < 0 {
		err = multierr.Append(err, invalid("classDim must not be negative, got %d", m.ClassDim))
	}
	for i, h := range m.HiddenDims {
		if h <= 0 {
			err = multierr.Append(err, invalid("hiddenDims[%d] must be positive, got %d", i, h))
		}
	}
	if d.PositionalEmbedding && d.Multires < 1 {
		err = multierr.Append(err, invalid("multires must be at least 1 with positional embedding, got %d", d.Multires))
	}
	if d.NearSurfaceSamples < 0 {
		err = multierr.Append(err, invalid("nearSurfaceSamples must not be negative, got %d", d.NearSurfaceSamples))
	}
	if r.Resolution < 2 {
		err = multierr.Append(err, invalid("resolution must be at least 2, got %d", r.Resolution))
	}
	if r.Extent <= 0 {
		err = multierr.Append(err, invalid("extent must be positive, got %g", r.Extent))
	}
	if r.ChunkSize <= 0 {
		err = multierr.Append(err, invalid("chunkSize must be positive, got %d", r.ChunkSize))
	}
	if r.Threshold <= 0 || r.Threshold >= 1 {
		err = multierr.Append(err, invalid("threshold must be in (0, 1), got %g", r.Threshold))
	}
	if r.FallbackRadius <= 0 {
		err = multierr.Append(err, invalid("fallbackRadius must be positive, got %g", r.FallbackRadius))
	}
	if r.MinProjectionDepth <= 0 {
		err = multierr.Append(err, invalid("minProjectionDepth must be positive, got %g", r.MinProjectionDepth))
	}
	switch c.Output.SliceAxis {
	case "x", "y", "z":
	default:
		err = multierr.Append(err, invalid("sliceAxis must be x, y or z, got %q", c.Output.SliceAxis))
	}
	return err
}

// Capabilities is the resolved, immutable set of pipeline features
type Capabilities struct {
	Attention        bool
	PixelAttention   bool
	ChannelAttention bool
	ROIAlign         bool
	GlobalRecon      bool
	GlobalFeature    bool
	SkipFeature      bool
	InstanceMask     bool
	UseCrop          bool

	// Multires is zero when raw xyz is used
	Multires int

	Dataset            string
	NearSurfaceSamples int
}

// NeedsGlobal reports whether any component consumes the global descriptor
func (c Capabilities) NeedsGlobal() bool {
	return c.Attention || c.GlobalRecon || c.GlobalFeature
}

// Capabilities validates the configuration and resolves its toggles
func (c *Config) Capabilities() (Capabilities, error) {
	if err := c.Validate(); err != nil {
		return Capabilities{}, err
	}
	caps := Capabilities{
		Attention:          c.Model.UseAttention,
		PixelAttention:     c.Model.UseAttention && c.Model.PixelAttention,
		ChannelAttention:   c.Model.UseAttention && c.Model.ChannelAttention,
		ROIAlign:           c.Model.ROIAlign,
		GlobalRecon:        c.Model.GlobalRecon,
		GlobalFeature:      c.Model.GlobalFeature,
		SkipFeature:        c.Model.SkipFeature,
		InstanceMask:       c.Data.InstanceMask,
		UseCrop:            c.Data.UseCrop,
		Dataset:            c.Data.Dataset,
		NearSurfaceSamples: c.Data.NearSurfaceSamples,
	}
	if c.Data.PositionalEmbedding {
		caps.Multires = c.Data.Multires
	}
	return caps, nil
}
