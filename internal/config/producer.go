package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
)

// DefaultProducerConfigPath is the canonical producer defaults file.
const DefaultProducerConfigPath = "config/muonbs.defaults.json"

// ProducerConfig configures the constrained-pt producer. Every field is
// optional; the Get* accessors supply the built-in default when a field is
// omitted, so partial JSON files are safe.
type ProducerConfig struct {
	// Input labels, recorded for provenance only.
	Src          *string `json:"src,omitempty"`
	BeamSpot     *string `json:"beamspot,omitempty"`
	Vertices     *string `json:"vertices,omitempty"`
	VertexScores *string `json:"vertex_scores,omitempty"`

	// Beam-spot quality gate
	BeamWidthRelErrMax *float64 `json:"beam_width_rel_err_max,omitempty"`
	MinBeamWidth       *float64 `json:"min_beam_width,omitempty"`

	// Constrained fit
	FitMaxChi2       *float64 `json:"fit_max_chi2,omitempty"`
	FitMaxIterations *int     `json:"fit_max_iterations,omitempty"`
	FitTolerance     *float64 `json:"fit_tolerance,omitempty"`
	FitMinVariance   *float64 `json:"fit_min_variance,omitempty"`

	// Execution
	Workers *int `json:"workers,omitempty"`
}

// EmptyProducerConfig returns a ProducerConfig with all fields unset.
func EmptyProducerConfig() *ProducerConfig {
	return &ProducerConfig{}
}

// DefaultProducerConfig returns a config with every field populated from
// the built-in defaults.
func DefaultProducerConfig() *ProducerConfig {
	empty := EmptyProducerConfig()
	return &ProducerConfig{
		Src:                ptrString(empty.GetSrc()),
		BeamSpot:           ptrString(empty.GetBeamSpot()),
		Vertices:           ptrString(empty.GetVertices()),
		VertexScores:       ptrString(empty.GetVertexScores()),
		BeamWidthRelErrMax: ptrFloat64(empty.GetBeamWidthRelErrMax()),
		MinBeamWidth:       ptrFloat64(empty.GetMinBeamWidth()),
		FitMaxChi2:         ptrFloat64(empty.GetFitMaxChi2()),
		FitMaxIterations:   ptrInt(empty.GetFitMaxIterations()),
		FitTolerance:       ptrFloat64(empty.GetFitTolerance()),
		FitMinVariance:     ptrFloat64(empty.GetFitMinVariance()),
		Workers:            ptrInt(empty.GetWorkers()),
	}
}

// LoadProducerConfig loads a ProducerConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadProducerConfig(path string) (*ProducerConfig, error) {
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

	cfg := EmptyProducerConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultProducerConfigPath, searching the
// current directory and its parents. Panics if the file cannot be loaded,
// intended for test setup.
func MustLoadDefaultConfig() *ProducerConfig {
	candidates := []string{
		DefaultProducerConfigPath,
		"../" + DefaultProducerConfigPath,
		"../../" + DefaultProducerConfigPath, // from internal/config/
		"../../../" + DefaultProducerConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadProducerConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultProducerConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *ProducerConfig) Validate() error {
	if c.BeamWidthRelErrMax != nil {
		v := *c.BeamWidthRelErrMax
		if math.IsNaN(v) || v <= 0 {
			return fmt.Errorf("beam_width_rel_err_max must be positive, got %f", v)
		}
	}
	if c.MinBeamWidth != nil && !(*c.MinBeamWidth >= 0) {
		return fmt.Errorf("min_beam_width must be non-negative, got %g", *c.MinBeamWidth)
	}
	if c.FitMaxChi2 != nil && !(*c.FitMaxChi2 > 0) {
		return fmt.Errorf("fit_max_chi2 must be positive, got %g", *c.FitMaxChi2)
	}
	if c.FitMaxIterations != nil && *c.FitMaxIterations < 1 {
		return fmt.Errorf("fit_max_iterations must be at least 1, got %d", *c.FitMaxIterations)
	}
	if c.FitTolerance != nil && !(*c.FitTolerance > 0) {
		return fmt.Errorf("fit_tolerance must be positive, got %g", *c.FitTolerance)
	}
	if c.FitMinVariance != nil && !(*c.FitMinVariance >= 0) {
		return fmt.Errorf("fit_min_variance must be non-negative, got %g", *c.FitMinVariance)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	return nil
}

// GetSrc returns the muon collection label or the default.
func (c *ProducerConfig) GetSrc() string {
	if c.Src == nil || *c.Src == "" {
		return "muons"
	}
	return *c.Src
}

// GetBeamSpot returns the beam-spot label or the default.
func (c *ProducerConfig) GetBeamSpot() string {
	if c.BeamSpot == nil || *c.BeamSpot == "" {
		return "offlineBeamSpot"
	}
	return *c.BeamSpot
}

// GetVertices returns the vertex collection label or the default.
func (c *ProducerConfig) GetVertices() string {
	if c.Vertices == nil || *c.Vertices == "" {
		return "offlineSlimmedPrimaryVertices"
	}
	return *c.Vertices
}

// GetVertexScores returns the vertex score map label or the default.
func (c *ProducerConfig) GetVertexScores() string {
	if c.VertexScores == nil || *c.VertexScores == "" {
		return "offlineSlimmedPrimaryVertices"
	}
	return *c.VertexScores
}

// GetBeamWidthRelErrMax returns the maximum relative beam-width uncertainty
// (per transverse axis) for which the beam spot is still usable.
func (c *ProducerConfig) GetBeamWidthRelErrMax() float64 {
	if c.BeamWidthRelErrMax == nil {
		return 0.3
	}
	return *c.BeamWidthRelErrMax
}

// GetMinBeamWidth returns the width at or below which a beam width is
// treated as degenerate.
func (c *ProducerConfig) GetMinBeamWidth() float64 {
	if c.MinBeamWidth == nil {
		return 1e-12
	}
	return *c.MinBeamWidth
}

// GetFitMaxChi2 returns the constraint chi2 above which a fit is rejected.
func (c *ProducerConfig) GetFitMaxChi2() float64 {
	if c.FitMaxChi2 == nil {
		return 1e6
	}
	return *c.FitMaxChi2
}

// GetFitMaxIterations returns the relinearisation limit of the fit.
func (c *ProducerConfig) GetFitMaxIterations() int {
	if c.FitMaxIterations == nil {
		return 10
	}
	return *c.FitMaxIterations
}

// GetFitTolerance returns the phi convergence tolerance (radians).
func (c *ProducerConfig) GetFitTolerance() float64 {
	if c.FitTolerance == nil {
		return 1e-9
	}
	return *c.FitTolerance
}

// GetFitMinVariance returns the smallest reference-point variance accepted.
func (c *ProducerConfig) GetFitMinVariance() float64 {
	if c.FitMinVariance == nil {
		return 1e-18
	}
	return *c.FitMinVariance
}

// GetWorkers returns the number of concurrent event workers. Zero in the
// file means one worker per CPU.
func (c *ProducerConfig) GetWorkers() int {
	if c.Workers == nil {
		return 4
	}
	if *c.Workers == 0 {
		return runtime.NumCPU()
	}
	return *c.Workers
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
