package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/spirit/internal/pastimage"
)

// DefaultConfigPath is the path to the canonical selector defaults file.
const DefaultConfigPath = "config/selector.defaults.json"

// ErrMissingParameter is returned when a required startup parameter is absent.
var ErrMissingParameter = errors.New("missing required parameter")

// SelectorConfig is the on-disk selector configuration. Pointer fields are
// optional; the Get* methods supply defaults for anything left unset.
// eval_method is always required, delay is required for
// constant_time_delay and distance for constant_distance.
type SelectorConfig struct {
	EvalMethod *string  `json:"eval_method,omitempty" yaml:"eval_method,omitempty"`
	Delay      *string  `json:"delay,omitempty" yaml:"delay,omitempty"` // duration string like "1.5s"
	Distance   *float64 `json:"distance,omitempty" yaml:"distance,omitempty"`
	Neighbors  *int     `json:"neighbors,omitempty" yaml:"neighbors,omitempty"`

	// Index bounds and quantization
	IndexCenter     *[3]float64 `json:"index_center,omitempty" yaml:"index_center,omitempty"`
	IndexHalfExtent *float64    `json:"index_half_extent,omitempty" yaml:"index_half_extent,omitempty"`
	Resolution      *float64    `json:"resolution,omitempty" yaml:"resolution,omitempty"`

	// Transform frame names
	ParentFrame *string `json:"parent_frame,omitempty" yaml:"parent_frame,omitempty"`
	ChildFrame  *string `json:"child_frame,omitempty" yaml:"child_frame,omitempty"`

	Murata *MurataConfig `json:"murata,omitempty" yaml:"murata,omitempty"`
}

// MurataConfig overrides the weighted policy coefficients.
type MurataConfig struct {
	Weights          *[5]float64 `json:"weights,omitempty" yaml:"weights,omitempty"`
	HeightRef        *float64    `json:"height_ref,omitempty" yaml:"height_ref,omitempty"`
	DistanceRef      *float64    `json:"distance_ref,omitempty" yaml:"distance_ref,omitempty"`
	HorizontalFOVDeg *float64    `json:"horizontal_fov_deg,omitempty" yaml:"horizontal_fov_deg,omitempty"`
	AspectRatio      *float64    `json:"aspect_ratio,omitempty" yaml:"aspect_ratio,omitempty"`
}

// LoadSelectorConfig loads a SelectorConfig from a .json, .yaml or .yml file
// and validates it.
func LoadSelectorConfig(path string) (*SelectorConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
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

	cfg := &SelectorConfig{}
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", ext, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that required parameters are present and values are sane.
func (c *SelectorConfig) Validate() error {
	if c.EvalMethod == nil || *c.EvalMethod == "" {
		return fmt.Errorf("%w: eval_method", ErrMissingParameter)
	}
	kind, err := pastimage.ParsePolicyKind(*c.EvalMethod)
	if err != nil {
		return err
	}

	switch kind {
	case pastimage.ConstantTimeDelay:
		if c.Delay == nil || *c.Delay == "" {
			return fmt.Errorf("%w: delay (required by %s)", ErrMissingParameter, kind)
		}
	case pastimage.ConstantDistance:
		if c.Distance == nil {
			return fmt.Errorf("%w: distance (required by %s)", ErrMissingParameter, kind)
		}
	}

	if c.Delay != nil && *c.Delay != "" {
		d, err := time.ParseDuration(*c.Delay)
		if err != nil {
			return fmt.Errorf("invalid delay '%s': %w", *c.Delay, err)
		}
		if d < 0 {
			return fmt.Errorf("delay must be non-negative, got %s", d)
		}
	}
	if c.Distance != nil && (*c.Distance < 0 || math.IsNaN(*c.Distance)) {
		return fmt.Errorf("distance must be non-negative, got %f", *c.Distance)
	}
	if c.Neighbors != nil && *c.Neighbors < 1 {
		return fmt.Errorf("neighbors must be positive, got %d", *c.Neighbors)
	}
	if c.IndexHalfExtent != nil && *c.IndexHalfExtent <= 0 {
		return fmt.Errorf("index_half_extent must be positive, got %f", *c.IndexHalfExtent)
	}
	if c.Resolution != nil && *c.Resolution <= 0 {
		return fmt.Errorf("resolution must be positive, got %f", *c.Resolution)
	}

	if m := c.Murata; m != nil {
		for name, v := range map[string]*float64{
			"murata.height_ref":   m.HeightRef,
			"murata.distance_ref": m.DistanceRef,
			"murata.aspect_ratio": m.AspectRatio,
		} {
			if v != nil && *v == 0 {
				return fmt.Errorf("%s must be non-zero", name)
			}
		}
		if m.HorizontalFOVDeg != nil && (*m.HorizontalFOVDeg <= 0 || *m.HorizontalFOVDeg >= 180) {
			return fmt.Errorf("murata.horizontal_fov_deg must be in (0, 180), got %f", *m.HorizontalFOVDeg)
		}
	}
	return nil
}

// GetDelay returns the delay as a time.Duration, zero when unset.
func (c *SelectorConfig) GetDelay() time.Duration {
	if c.Delay == nil || *c.Delay == "" {
		return 0
	}
	d, err := time.ParseDuration(*c.Delay)
	if err != nil {
		return 0
	}
	return d
}

// GetDistance returns the target distance in metres, zero when unset.
func (c *SelectorConfig) GetDistance() float64 {
	if c.Distance == nil {
		return 0
	}
	return *c.Distance
}

// GetNeighbors returns the k-NN candidate count or the default.
func (c *SelectorConfig) GetNeighbors() int {
	if c.Neighbors == nil {
		return pastimage.DefaultNeighbors
	}
	return *c.Neighbors
}

// GetIndexCenter returns the index center or the origin.
func (c *SelectorConfig) GetIndexCenter() r3.Vec {
	if c.IndexCenter == nil {
		return r3.Vec{}
	}
	return r3.Vec{X: c.IndexCenter[0], Y: c.IndexCenter[1], Z: c.IndexCenter[2]}
}

// GetIndexHalfExtent returns the index half extent or the default.
func (c *SelectorConfig) GetIndexHalfExtent() float64 {
	if c.IndexHalfExtent == nil {
		return pastimage.DefaultConfig().HalfExtent
	}
	return *c.IndexHalfExtent
}

// GetResolution returns the quantization resolution or the default.
func (c *SelectorConfig) GetResolution() float64 {
	if c.Resolution == nil {
		return pastimage.DefaultResolution
	}
	return *c.Resolution
}

// GetParentFrame returns the transform parent frame or the default.
func (c *SelectorConfig) GetParentFrame() string {
	if c.ParentFrame == nil || *c.ParentFrame == "" {
		return pastimage.DefaultConfig().ParentFrame
	}
	return *c.ParentFrame
}

// GetChildFrame returns the transform child frame or the default.
func (c *SelectorConfig) GetChildFrame() string {
	if c.ChildFrame == nil || *c.ChildFrame == "" {
		return pastimage.DefaultConfig().ChildFrame
	}
	return *c.ChildFrame
}

// GetWeightedParams returns the murata coefficients with overrides applied.
func (c *SelectorConfig) GetWeightedParams() pastimage.WeightedParams {
	p := pastimage.DefaultWeightedParams()
	m := c.Murata
	if m == nil {
		return p
	}
	if m.Weights != nil {
		p.Weights = *m.Weights
	}
	if m.HeightRef != nil {
		p.HeightRef = *m.HeightRef
	}
	if m.DistanceRef != nil {
		p.DistanceRef = *m.DistanceRef
	}
	if m.HorizontalFOVDeg != nil {
		p.HorizontalFOV = *m.HorizontalFOVDeg * math.Pi / 180
	}
	if m.AspectRatio != nil {
		p.AspectRatio = *m.AspectRatio
	}
	return p
}

// ToSelectorConfig resolves the file into the Selector's immutable config.
func (c *SelectorConfig) ToSelectorConfig() (pastimage.Config, error) {
	if err := c.Validate(); err != nil {
		return pastimage.Config{}, err
	}
	kind, _ := pastimage.ParsePolicyKind(*c.EvalMethod)

	cfg := pastimage.DefaultConfig()
	cfg.Policy = pastimage.Policy{
		Kind:      kind,
		Delay:     c.GetDelay(),
		Distance:  c.GetDistance(),
		Weighted:  c.GetWeightedParams(),
		Neighbors: c.GetNeighbors(),
	}
	cfg.Center = c.GetIndexCenter()
	cfg.HalfExtent = c.GetIndexHalfExtent()
	cfg.Resolution = c.GetResolution()
	cfg.ParentFrame = c.GetParentFrame()
	cfg.ChildFrame = c.GetChildFrame()
	return cfg, nil
}
