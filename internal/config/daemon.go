package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/openparcel/parcelkeeper/internal/bytesize"
)

// DaemonConfig is everything about a parcelkeeper run that isn't part of
// any one parcel's parcel.cfg: cache sizing, retry policy, mount point,
// and the ambient logging/metrics surfaces.
//
// Precedence, highest to lowest: DITTOFS_-style environment variables
// (here PARCELKEEPER_*) > config file > defaults. Load builds its own
// viper instance, so command-line flags are not layered in.
type DaemonConfig struct {
	Logging LoggingConfig `mapstructure:"logging" validate:"required"`
	Metrics MetricsConfig `mapstructure:"metrics" validate:"required"`

	// CacheSize bounds the WritebackCache's RAM quota. The canonical
	// policy (spec's MAX_CACHE_MULT/MAX_CACHE_DIV) is 1/10 of physical
	// memory; this package doesn't probe the OS for that, so the default
	// below is a fixed, documented stand-in an operator can override.
	CacheSize bytesize.ByteSize `mapstructure:"cache_size" validate:"required"`

	// HoardPath is the directory containing the shared hoard pool's
	// hoard.db and hoard.dat.
	HoardPath string `mapstructure:"hoard_path" validate:"required"`

	// DataDir is the root directory under which each mounted parcel gets
	// its own subdirectory (keyed by UUID) holding keyring.db, the local
	// cache's slot file and index, and the Modified store's staging
	// files. Unlike HoardPath, this is never shared between parcels.
	DataDir string `mapstructure:"data_dir" validate:"required"`

	// MountPoint is the default FUSE mountpoint used when a command
	// doesn't pass one explicitly.
	MountPoint string `mapstructure:"mount_point"`

	// DirtyWritebackDelay is loaded and validated, but nothing reads it:
	// the writeback cache flushes on its own DirtyWritebackDelay constant
	// (5s).
	DirtyWritebackDelay time.Duration `mapstructure:"dirty_writeback_delay" validate:"required,gt=0"`

	// TransportTries and TransportRetryDelay are loaded and validated, but
	// nothing reads them: the origin transport retries on its own Tries
	// constant and RetryDelay variable (5 attempts, 5s apart).
	TransportTries      int           `mapstructure:"transport_tries" validate:"required,gt=0"`
	TransportRetryDelay time.Duration `mapstructure:"transport_retry_delay" validate:"required,gt=0"`
}

// LoggingConfig controls internal/logger's behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
	Output string `mapstructure:"output" validate:"required"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
}

// Load reads daemon configuration from defaults, the config file, and
// PARCELKEEPER_*-prefixed environment variables, in that order of
// increasing precedence, then validates the result. configPath == "" searches the
// default location.
func Load(configPath string) (*DaemonConfig, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := DefaultDaemonConfig()
	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(byteSizeDecodeHook())); err != nil {
			return nil, fmt.Errorf("unmarshal daemon config: %w", err)
		}
	}
	applyEnvOverrides(v, cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("daemon config validation failed: %w", err)
	}
	return cfg, nil
}

// DefaultDaemonConfig returns the configuration used when no config file is
// present.
func DefaultDaemonConfig() *DaemonConfig {
	return &DaemonConfig{
		Logging:             LoggingConfig{Level: "INFO", Format: "text", Output: "stdout"},
		Metrics:             MetricsConfig{Enabled: false, Port: 9090},
		CacheSize:           256 * bytesize.MiB,
		HoardPath:           filepath.Join(defaultStateDir(), "hoard"),
		DataDir:             filepath.Join(defaultStateDir(), "parcels"),
		MountPoint:          filepath.Join(defaultStateDir(), "mnt"),
		DirtyWritebackDelay: 5 * time.Second,
		TransportTries:      5,
		TransportRetryDelay: 5 * time.Second,
	}
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("PARCELKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(defaultConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read config file: %w", err)
	}
	return true, nil
}

// applyEnvOverrides copies any PARCELKEEPER_* environment variable viper
// picked up for a known key onto cfg, so env vars still take effect even
// when no config file was found (viper.Unmarshal only walks keys present
// in the file in that case).
func applyEnvOverrides(v *viper.Viper, cfg *DaemonConfig) {
	if s := v.GetString("logging.level"); s != "" {
		cfg.Logging.Level = s
	}
	if s := v.GetString("logging.format"); s != "" {
		cfg.Logging.Format = s
	}
	if s := v.GetString("logging.output"); s != "" {
		cfg.Logging.Output = s
	}
	if v.IsSet("metrics.enabled") {
		cfg.Metrics.Enabled = v.GetBool("metrics.enabled")
	}
	if n := v.GetInt("metrics.port"); n != 0 {
		cfg.Metrics.Port = n
	}
	if s := v.GetString("hoard_path"); s != "" {
		cfg.HoardPath = s
	}
	if s := v.GetString("data_dir"); s != "" {
		cfg.DataDir = s
	}
	if s := v.GetString("mount_point"); s != "" {
		cfg.MountPoint = s
	}
}

// byteSizeDecodeHook lets config files write human-readable sizes like
// "512Mi" for cache_size, converting them to bytesize.ByteSize the way
// pkg/config's equivalent hook does for its own ByteSize fields.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "parcelkeeper")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "parcelkeeper")
}

func defaultStateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "parcelkeeper")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "state", "parcelkeeper")
}
