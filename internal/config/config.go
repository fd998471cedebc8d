package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mcuadros/go-defaults"
)

const defaultConfigPath = "~/.config/lapse/config.json"

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing Processing      `json:"processing" toml:"processing"`
	Logging    Logging         `json:"logging" toml:"logging"`
	Paths      Paths           `json:"paths" toml:"paths"`
	Alignment  AlignmentConfig `json:"alignment" toml:"alignment"`
	Overlay    Overlay         `json:"overlay" toml:"overlay"`
	Encoding   Encoding        `json:"encoding" toml:"encoding"`
	Sink       Sink            `json:"sink" toml:"sink"`
	Watch      Watch           `json:"watch" toml:"watch"`
	Server     Server          `json:"server" toml:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs" toml:"parallel_jobs" default:"2"`
	TempDir      string `json:"temp_dir" toml:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" toml:"level" default:"info"`   // debug, info, warn, error
	Format     string `json:"format" toml:"format" default:"text"` // text, json
	FileOutput bool   `json:"file_output" toml:"file_output" default:"true"`
	LogDir     string `json:"log_dir" toml:"log_dir" default:"./logs"`
	MaxAge     int    `json:"max_age" toml:"max_age" default:"30"` // days to keep log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input" toml:"default_input" default:"."`
	DefaultOutput string `json:"default_output" toml:"default_output" default:"./aligned"`
	DatabasePath  string `json:"database_path" toml:"database_path"`
}

// AlignmentConfig controls the alignment engine and batch policy.
type AlignmentConfig struct {
	DefaultProcessor string   `json:"default_processor" toml:"default_processor" default:"native"`
	MaxConcurrency   int      `json:"max_concurrency" toml:"max_concurrency"` // 0 means NumCPU
	FailFast         bool     `json:"fail_fast" toml:"fail_fast"`
	Order            string   `json:"order" toml:"order" default:"lexicographic"` // lexicographic, timestamp
	MinKeypoints     int      `json:"min_keypoints" toml:"min_keypoints"`
	SIFT             SIFT     `json:"sift" toml:"sift"`
	Matcher          Matcher  `json:"matcher" toml:"matcher"`
	RANSAC           RANSAC   `json:"ransac" toml:"ransac"`
	PreCrop          Crop     `json:"pre_crop" toml:"pre_crop"`
	PostCrop         PostCrop `json:"post_crop" toml:"post_crop"`
	Equalize         Equalize `json:"equalize" toml:"equalize"`
}

type SIFT struct {
	Layers            int     `json:"layers" toml:"layers" default:"3"`
	Sigma             float64 `json:"sigma" toml:"sigma" default:"1.6"`
	ContrastThreshold float64 `json:"contrast_threshold" toml:"contrast_threshold" default:"0.04"`
	EdgeThreshold     float64 `json:"edge_threshold" toml:"edge_threshold" default:"10"`
	MaxOctaves        int     `json:"max_octaves" toml:"max_octaves"`
	MaxFeatures       int     `json:"max_features" toml:"max_features"`
	Upsample          bool    `json:"upsample" toml:"upsample"`
}

type Matcher struct {
	Ratio  float64 `json:"ratio" toml:"ratio" default:"0.7"`
	Trees  int     `json:"trees" toml:"trees" default:"5"`
	Checks int     `json:"checks" toml:"checks" default:"50"`
	Seed   int64   `json:"seed" toml:"seed" default:"1"`
	Exact  bool    `json:"exact" toml:"exact"`
}

type RANSAC struct {
	Threshold    float64 `json:"threshold" toml:"threshold" default:"3"`
	MaxIters     int     `json:"max_iters" toml:"max_iters" default:"2000"`
	Confidence   float64 `json:"confidence" toml:"confidence" default:"0.995"`
	Seed         int64   `json:"seed" toml:"seed" default:"1"`
	MaxScale     float64 `json:"max_scale" toml:"max_scale" default:"4"`
	MaxCondition float64 `json:"max_condition" toml:"max_condition" default:"10"`
	MinInliers   int     `json:"min_inliers" toml:"min_inliers" default:"4"`
}

// Crop is the pre-crop rectangle. Width/Height win over the fractions.
type Crop struct {
	Disabled       bool    `json:"disabled" toml:"disabled"`
	Anchor         string  `json:"anchor" toml:"anchor" default:"top-right"`
	Width          int     `json:"width" toml:"width" default:"3000"`
	Height         int     `json:"height" toml:"height" default:"3000"`
	WidthFraction  float64 `json:"width_fraction" toml:"width_fraction"`
	HeightFraction float64 `json:"height_fraction" toml:"height_fraction"`
	OffsetX        int     `json:"offset_x" toml:"offset_x"`
	OffsetY        int     `json:"offset_y" toml:"offset_y"`
}

type PostCrop struct {
	Border int `json:"border" toml:"border" default:"200"`
}

type Equalize struct {
	Enabled   bool    `json:"enabled" toml:"enabled"`
	Tiles     int     `json:"tiles" toml:"tiles" default:"8"`
	Bins      int     `json:"bins" toml:"bins" default:"128"`
	ClipLimit float64 `json:"clip_limit" toml:"clip_limit" default:"2"`
}

// Overlay configures the timestamp stamp drawn on the with_timestamps copies.
type Overlay struct {
	Enabled     bool    `json:"enabled" toml:"enabled"`
	Subdir      string  `json:"subdir" toml:"subdir" default:"with_timestamps"`
	X           float64 `json:"x" toml:"x" default:"100"`
	Y           float64 `json:"y" toml:"y" default:"200"`
	FontSize    float64 `json:"font_size" toml:"font_size" default:"180"`
	LineHeight  float64 `json:"line_height" toml:"line_height" default:"190"`
	Fill        string  `json:"fill" toml:"fill" default:"white"`
	Stroke      string  `json:"stroke" toml:"stroke" default:"black"`
	StrokeWidth float64 `json:"stroke_width" toml:"stroke_width" default:"6"`
	Font        string  `json:"font" toml:"font"`
}

type Encoding struct {
	JPEGQuality int   `json:"jpeg_quality" toml:"jpeg_quality" default:"95"`
	Video       Video `json:"video" toml:"video"`
	GIF         GIF   `json:"gif" toml:"gif"`
}

type Video struct {
	Enabled bool    `json:"enabled" toml:"enabled" default:"true"`
	Tool    string  `json:"tool" toml:"tool" default:"ffmpeg"`
	FPS     float64 `json:"fps" toml:"fps" default:"7"`
	Codec   string  `json:"codec" toml:"codec" default:"libx264"`
	PixFmt  string  `json:"pix_fmt" toml:"pix_fmt" default:"yuv420p"`
	Repeat  int     `json:"repeat" toml:"repeat" default:"1"`
	Resize  int     `json:"resize" toml:"resize"`
	Output  string  `json:"output" toml:"output" default:"timelapse.mp4"`
}

type GIF struct {
	Enabled             bool    `json:"enabled" toml:"enabled" default:"true"`
	FPS                 float64 `json:"fps" toml:"fps" default:"3"`
	Resize              int     `json:"resize" toml:"resize" default:"1024"`
	LastDelayMultiplier float64 `json:"last_delay_multiplier" toml:"last_delay_multiplier" default:"2"`
	Output              string  `json:"output" toml:"output" default:"timelapse.gif"`
}

type Sink struct {
	S3 S3Sink `json:"s3" toml:"s3"`
}

type S3Sink struct {
	Enabled   bool   `json:"enabled" toml:"enabled"`
	Endpoint  string `json:"endpoint" toml:"endpoint" default:"localhost:9000"`
	Bucket    string `json:"bucket" toml:"bucket" default:"lapse"`
	Prefix    string `json:"prefix" toml:"prefix"`
	AccessKey string `json:"access_key" toml:"access_key"`
	SecretKey string `json:"secret_key" toml:"secret_key"`
	UseSSL    bool   `json:"use_ssl" toml:"use_ssl"`
	Region    string `json:"region" toml:"region"`
}

type Watch struct {
	Debounce    Duration `json:"debounce" toml:"debounce"`
	MinInterval Duration `json:"min_interval" toml:"min_interval"`
	Video       bool     `json:"video" toml:"video" default:"true"`
	GIF         bool     `json:"gif" toml:"gif"`
}

type Server struct {
	Addr string `json:"addr" toml:"addr" default:":8080"`
}

// Duration reads "3s" style strings from JSON and TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("LAPSE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads the config at path. A .toml file is parsed as TOML, anything
// else as JSON. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(filepath.Ext(expanded), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Processing.TempDir = filepath.Join(os.TempDir(), "lapse")
	cfg.Paths.DatabasePath = filepath.Join(os.TempDir(), "lapse.db")
	cfg.Watch.Debounce = Duration{3 * time.Second}
	cfg.Watch.MinInterval = Duration{30 * time.Second}
	return cfg
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
