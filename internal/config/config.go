// Package config provides file and environment based configuration for the screening server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. GLAUCOMA_SERVER_PORT.
const EnvPrefix = "GLAUCOMA"

// AppConfig represents the root configuration structure
type AppConfig struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Model      ModelConfig      `mapstructure:"model"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Advanced   AdvancedConfig   `mapstructure:"advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	BindAddress  string        `mapstructure:"bind_address"`
	EnableCORS   bool          `mapstructure:"enable_cors"`
	AllowOrigins string        `mapstructure:"allow_origins"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	BodyLimit    string        `mapstructure:"body_limit"`
}

// StorageConfig contains upload storage and retention settings
type StorageConfig struct {
	DataDirectory     string        `mapstructure:"data_directory"`
	UploadsDirectory  string        `mapstructure:"uploads_directory"`
	MaxUploadBytes    int64         `mapstructure:"max_upload_bytes"`
	AllowedExtensions []string      `mapstructure:"allowed_extensions"`
	Retention         time.Duration `mapstructure:"retention"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	DeleteAfterReport bool          `mapstructure:"delete_after_report"`
}

// ModelConfig locates the pretrained classifier artifacts
type ModelConfig struct {
	Path         string `mapstructure:"path"`
	MetadataPath string `mapstructure:"metadata_path"`
	LibraryPath  string `mapstructure:"library_path"` // onnxruntime shared library, empty for the system default
	Name         string `mapstructure:"name"`
}

// ProcessingConfig contains analysis pipeline settings
type ProcessingConfig struct {
	PolicyPath        string        `mapstructure:"policy_path"`
	AnalysisTimeout   time.Duration `mapstructure:"analysis_timeout"`
	MaxImagePixels    int           `mapstructure:"max_image_pixels"`
	AnalysisRateLimit float64       `mapstructure:"analysis_rate_limit"` // requests per second per client, 0 disables
	AnalysisBurst     int           `mapstructure:"analysis_burst"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel             string `mapstructure:"log_level"`
	EnableRequestLogging bool   `mapstructure:"enable_request_logging"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         5000,
			BindAddress:  "0.0.0.0",
			EnableCORS:   false,
			AllowOrigins: "*",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
			BodyLimit:    "17M",
		},
		Storage: StorageConfig{
			DataDirectory:     "./data",
			UploadsDirectory:  "./data/uploads",
			MaxUploadBytes:    16 << 20,
			AllowedExtensions: []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff"},
			Retention:         time.Hour,
			SweepInterval:     5 * time.Minute,
			DeleteAfterReport: false,
		},
		Model: ModelConfig{
			Path:         "./models/DenseNet121_glaucoma.onnx",
			MetadataPath: "./models/model_metadata.json",
			Name:         "DenseNet121",
		},
		Processing: ProcessingConfig{
			PolicyPath:        "./data/policy.yaml",
			AnalysisTimeout:   20 * time.Second,
			MaxImagePixels:    40_000_000,
			AnalysisRateLimit: 2,
			AnalysisBurst:     5,
		},
		Advanced: AdvancedConfig{
			LogLevel:             "info",
			EnableRequestLogging: true,
		},
	}
}

// Load reads configuration from path (optional, any format viper understands)
// and applies GLAUCOMA_* environment overrides on top of the defaults.
// A missing file is not an error; defaults and environment still apply.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if path != "" {
		cfg.resolvePaths(filepath.Dir(path))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, d *AppConfig) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.bind_address", d.Server.BindAddress)
	v.SetDefault("server.enable_cors", d.Server.EnableCORS)
	v.SetDefault("server.allow_origins", d.Server.AllowOrigins)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.body_limit", d.Server.BodyLimit)

	v.SetDefault("storage.data_directory", d.Storage.DataDirectory)
	v.SetDefault("storage.uploads_directory", d.Storage.UploadsDirectory)
	v.SetDefault("storage.max_upload_bytes", d.Storage.MaxUploadBytes)
	v.SetDefault("storage.allowed_extensions", d.Storage.AllowedExtensions)
	v.SetDefault("storage.retention", d.Storage.Retention)
	v.SetDefault("storage.sweep_interval", d.Storage.SweepInterval)
	v.SetDefault("storage.delete_after_report", d.Storage.DeleteAfterReport)

	v.SetDefault("model.path", d.Model.Path)
	v.SetDefault("model.metadata_path", d.Model.MetadataPath)
	v.SetDefault("model.library_path", d.Model.LibraryPath)
	v.SetDefault("model.name", d.Model.Name)

	v.SetDefault("processing.policy_path", d.Processing.PolicyPath)
	v.SetDefault("processing.analysis_timeout", d.Processing.AnalysisTimeout)
	v.SetDefault("processing.max_image_pixels", d.Processing.MaxImagePixels)
	v.SetDefault("processing.analysis_rate_limit", d.Processing.AnalysisRateLimit)
	v.SetDefault("processing.analysis_burst", d.Processing.AnalysisBurst)

	v.SetDefault("advanced.log_level", d.Advanced.LogLevel)
	v.SetDefault("advanced.enable_request_logging", d.Advanced.EnableRequestLogging)
}

// Validate rejects settings the pipeline cannot run with.
func (c *AppConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Storage.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive")
	}
	if c.Storage.Retention <= 0 {
		return fmt.Errorf("retention must be positive")
	}
	if c.Storage.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	if len(c.Storage.AllowedExtensions) == 0 {
		return fmt.Errorf("at least one allowed extension is required")
	}
	if c.Processing.AnalysisTimeout <= 0 {
		return fmt.Errorf("analysis timeout must be positive")
	}
	if c.Model.Path == "" || c.Model.MetadataPath == "" {
		return fmt.Errorf("model path and metadata path are required")
	}
	return nil
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	for _, p := range []*string{
		&c.Storage.DataDirectory,
		&c.Storage.UploadsDirectory,
		&c.Model.Path,
		&c.Model.MetadataPath,
		&c.Processing.PolicyPath,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
}

// GetUploadDir returns the uploads directory path
func (c *AppConfig) GetUploadDir() string {
	return c.Storage.UploadsDirectory
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		c.Storage.UploadsDirectory,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
