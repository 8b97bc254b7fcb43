package tilecache

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/hupe1980/tilecache/internal/cache"
	"github.com/hupe1980/tilecache/internal/pipeline"
	"github.com/hupe1980/tilecache/internal/resource"
)

// envPrefix is the environment variable prefix, e.g. TILECACHE_MEMORY_MAX_BYTES.
const envPrefix = "TILECACHE"

// AutoMemory selects a budget derived from physical memory.
const AutoMemory = "auto"

const (
	DefaultMaxMemory         = AutoMemory
	DefaultHardEvictionBatch = 8
	DefaultPressureInterval  = 250 * time.Millisecond
	DefaultTargetSize        = 256
	DefaultNegativeTTL       = 30 * time.Second
	DefaultDiskMaxBytes      = "1GiB"
	DefaultDiskCodec         = "lz4"
	DefaultTileWidth         = 200
	DefaultTileHeight        = 200
	DefaultGutter            = 10
	DefaultBufferTiles       = 24
	DefaultDecodeWorkers     = 4
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

// Config is the static configuration snapshot of a Gallery.
// Field tags use mapstructure for viper unmarshalling.
type Config struct {
	Memory    MemoryConfig    `mapstructure:"memory"`
	Thumbnail ThumbnailConfig `mapstructure:"thumbnail"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Viewport  ViewportConfig  `mapstructure:"viewport"`
	Decode    DecodeConfig    `mapstructure:"decode"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// MemoryConfig holds the budget knobs.
type MemoryConfig struct {
	// MaxBytes is a human byte size ("512MiB") or "auto".
	MaxBytes          string        `mapstructure:"max_bytes"`
	HardEvictionBatch int           `mapstructure:"hard_eviction_batch"`
	PressureInterval  time.Duration `mapstructure:"pressure_interval"`
}

// ThumbnailConfig holds build and cache settings.
type ThumbnailConfig struct {
	TargetSize  int           `mapstructure:"target_size"`
	NegativeTTL time.Duration `mapstructure:"negative_ttl"`
	// DiskDir enables the on-disk tier when set.
	DiskDir      string `mapstructure:"disk_dir"`
	DiskMaxBytes string `mapstructure:"disk_max_bytes"`
	DiskCodec    string `mapstructure:"disk_codec"`
}

// PipelineConfig holds batch pipeline settings.
type PipelineConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	Workers          int           `mapstructure:"workers"`
	FlushThreshold   int           `mapstructure:"flush_threshold"`
	HighWater        int           `mapstructure:"high_water"`
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`
}

// ViewportConfig holds the tile geometry.
type ViewportConfig struct {
	TileWidth   int `mapstructure:"tile_width"`
	TileHeight  int `mapstructure:"tile_height"`
	Gutter      int `mapstructure:"gutter"`
	BufferTiles int `mapstructure:"buffer_tiles"`
}

// DecodeConfig holds decoder concurrency and IO limits.
type DecodeConfig struct {
	Workers int `mapstructure:"workers"`
	// IOBytesPerSec is a human byte size; empty means unlimited.
	IOBytesPerSec string `mapstructure:"io_bytes_per_sec"`
}

// LoggingConfig selects the default logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Memory: MemoryConfig{
			MaxBytes:          DefaultMaxMemory,
			HardEvictionBatch: DefaultHardEvictionBatch,
			PressureInterval:  DefaultPressureInterval,
		},
		Thumbnail: ThumbnailConfig{
			TargetSize:   DefaultTargetSize,
			NegativeTTL:  DefaultNegativeTTL,
			DiskMaxBytes: DefaultDiskMaxBytes,
			DiskCodec:    DefaultDiskCodec,
		},
		Pipeline: PipelineConfig{
			BatchSize:        pipeline.DefaultBatchSize,
			Workers:          pipeline.DefaultWorkers,
			FlushThreshold:   pipeline.DefaultFlushThreshold,
			HighWater:        pipeline.DefaultHighWater,
			DebounceInterval: pipeline.DefaultDebounceInterval,
		},
		Viewport: ViewportConfig{
			TileWidth:   DefaultTileWidth,
			TileHeight:  DefaultTileHeight,
			Gutter:      DefaultGutter,
			BufferTiles: DefaultBufferTiles,
		},
		Decode: DecodeConfig{
			Workers: DefaultDecodeWorkers,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// LoadConfig loads configuration from defaults, an optional YAML file and
// TILECACHE_* environment variables, in increasing precedence.
// An empty path skips the file; a named file must exist.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	applyDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("memory.max_bytes", d.Memory.MaxBytes)
	v.SetDefault("memory.hard_eviction_batch", d.Memory.HardEvictionBatch)
	v.SetDefault("memory.pressure_interval", d.Memory.PressureInterval)

	v.SetDefault("thumbnail.target_size", d.Thumbnail.TargetSize)
	v.SetDefault("thumbnail.negative_ttl", d.Thumbnail.NegativeTTL)
	v.SetDefault("thumbnail.disk_dir", d.Thumbnail.DiskDir)
	v.SetDefault("thumbnail.disk_max_bytes", d.Thumbnail.DiskMaxBytes)
	v.SetDefault("thumbnail.disk_codec", d.Thumbnail.DiskCodec)

	v.SetDefault("pipeline.batch_size", d.Pipeline.BatchSize)
	v.SetDefault("pipeline.workers", d.Pipeline.Workers)
	v.SetDefault("pipeline.flush_threshold", d.Pipeline.FlushThreshold)
	v.SetDefault("pipeline.high_water", d.Pipeline.HighWater)
	v.SetDefault("pipeline.debounce_interval", d.Pipeline.DebounceInterval)

	v.SetDefault("viewport.tile_width", d.Viewport.TileWidth)
	v.SetDefault("viewport.tile_height", d.Viewport.TileHeight)
	v.SetDefault("viewport.gutter", d.Viewport.Gutter)
	v.SetDefault("viewport.buffer_tiles", d.Viewport.BufferTiles)

	v.SetDefault("decode.workers", d.Decode.Workers)
	v.SetDefault("decode.io_bytes_per_sec", d.Decode.IOBytesPerSec)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate checks the configuration for contradictions.
func (c Config) Validate() error {
	if c.Thumbnail.TargetSize <= 0 {
		return fmt.Errorf("%w: thumbnail.target_size must be positive, got %d", ErrInvalidConfig, c.Thumbnail.TargetSize)
	}
	if c.Thumbnail.NegativeTTL < 0 {
		return fmt.Errorf("%w: thumbnail.negative_ttl must not be negative", ErrInvalidConfig)
	}
	if _, err := cache.ParseCodec(c.Thumbnail.DiskCodec); err != nil {
		return fmt.Errorf("%w: thumbnail.disk_codec: %w", ErrInvalidConfig, err)
	}
	if c.Thumbnail.DiskDir != "" {
		if _, err := parseBytes(c.Thumbnail.DiskMaxBytes); err != nil {
			return fmt.Errorf("%w: thumbnail.disk_max_bytes: %w", ErrInvalidConfig, err)
		}
	}

	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("%w: pipeline.batch_size must be positive, got %d", ErrInvalidConfig, c.Pipeline.BatchSize)
	}
	if c.Pipeline.Workers < 0 || c.Pipeline.FlushThreshold < 0 || c.Pipeline.HighWater < 0 || c.Pipeline.DebounceInterval < 0 {
		return fmt.Errorf("%w: pipeline settings must not be negative", ErrInvalidConfig)
	}

	v := c.Viewport
	if v.TileWidth <= 0 || v.TileHeight <= 0 || v.Gutter < 0 || v.BufferTiles < 0 {
		return fmt.Errorf("%w: viewport tile %dx%d, gutter %d, buffer %d", ErrInvalidConfig, v.TileWidth, v.TileHeight, v.Gutter, v.BufferTiles)
	}

	if c.Decode.Workers < 0 {
		return fmt.Errorf("%w: decode.workers must not be negative", ErrInvalidConfig)
	}
	if _, err := c.IOLimit(); err != nil {
		return fmt.Errorf("%w: decode.io_bytes_per_sec: %w", ErrInvalidConfig, err)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: logging.format %q", ErrInvalidConfig, c.Logging.Format)
	}

	if c.Memory.HardEvictionBatch < 0 || c.Memory.PressureInterval < 0 {
		return fmt.Errorf("%w: memory settings must not be negative", ErrInvalidConfig)
	}
	if !c.AutoMemory() {
		maxBytes, err := parseBytes(c.Memory.MaxBytes)
		if err != nil {
			return fmt.Errorf("%w: memory.max_bytes: %w", ErrInvalidConfig, err)
		}
		if minTile := resource.EstimateBytes(c.Thumbnail.TargetSize); maxBytes < minTile {
			return fmt.Errorf("%w: memory.max_bytes %s holds no %dpx thumbnail (%s)",
				ErrBudgetTooSmall, humanize.IBytes(uint64(max(maxBytes, 0))), c.Thumbnail.TargetSize, humanize.IBytes(uint64(minTile)))
		}
	}
	return nil
}

// AutoMemory reports whether the budget is derived from system memory.
func (c Config) AutoMemory() bool {
	return strings.EqualFold(strings.TrimSpace(c.Memory.MaxBytes), AutoMemory) || c.Memory.MaxBytes == ""
}

// MemoryBytes resolves the memory budget.
func (c Config) MemoryBytes() (int64, error) {
	if c.AutoMemory() {
		return resource.SystemMemoryBudget()
	}
	return parseBytes(c.Memory.MaxBytes)
}

// DiskBytes resolves the disk tier limit.
func (c Config) DiskBytes() (int64, error) {
	if c.Thumbnail.DiskMaxBytes == "" {
		return 0, nil
	}
	return parseBytes(c.Thumbnail.DiskMaxBytes)
}

// IOLimit resolves the decode read limit. Zero means unlimited.
func (c Config) IOLimit() (int64, error) {
	if c.Decode.IOBytesPerSec == "" {
		return 0, nil
	}
	return parseBytes(c.Decode.IOBytesPerSec)
}

func parseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("byte size %q out of range", s)
	}
	return int64(n), nil
}
