// Package config loads the YAML configuration of a search host and builds
// the host, its storage backend and the writer options from it.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jnicholls/paradedb"
	"github.com/jnicholls/paradedb/fts"
	"github.com/jnicholls/paradedb/index"
	"github.com/jnicholls/paradedb/internal/buffer"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory     = "memory"
	BackendLocal      = "local"
	BackendMemoryBlob = "memory-blob"
	BackendS3         = "s3"
	BackendMinIO      = "minio"
)

// ByteSize is a byte count written either as a number or as a
// human readable size such as "64MiB".
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	return b.parse(value.Value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	return b.parse(strings.Trim(string(data), `"`))
}

func (b *ByteSize) parse(s string) error {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// Config is the configuration of one search host.
type Config struct {
	Storage   StorageConfig  `yaml:"storage" json:"storage"`
	Buffers   BufferConfig   `yaml:"buffers" json:"buffers"`
	Writer    WriterConfig   `yaml:"writer" json:"writer"`
	Resources ResourceConfig `yaml:"resources" json:"resources"`
	Log       LogConfig      `yaml:"log" json:"log"`
	Metrics   MetricsConfig  `yaml:"metrics" json:"metrics"`
}

// StorageConfig selects and configures the block storage backend.
type StorageConfig struct {
	Backend string `yaml:"backend" json:"backend"`

	// Local data directory
	Path string `yaml:"path" json:"path"`

	// Object storage
	Bucket    string `yaml:"bucket" json:"bucket"`
	Prefix    string `yaml:"prefix" json:"prefix"`
	Region    string `yaml:"region" json:"region"`
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl"`

	// SizeTable names the DynamoDB table holding relation sizes. Without
	// it relation sizes are kept in process memory, which only suits a
	// single process.
	SizeTable string `yaml:"size_table" json:"size_table"`
}

// BufferConfig sizes the shared buffer pool.
type BufferConfig struct {
	Capacity int `yaml:"capacity" json:"capacity"`
	RingSize int `yaml:"ring_size" json:"ring_size"`
}

// WriterConfig configures writer sessions.
type WriterConfig struct {
	QueueSize       int               `yaml:"queue_size" json:"queue_size"`
	ChannelCapacity int               `yaml:"channel_capacity" json:"channel_capacity"`
	Compression     string            `yaml:"compression" json:"compression"`
	MergePolicy     MergePolicyConfig `yaml:"merge_policy" json:"merge_policy"`
}

// MergePolicyConfig configures the merge policy of merging commits.
type MergePolicyConfig struct {
	Kind               string  `yaml:"kind" json:"kind"`
	MinNumSegments     int     `yaml:"min_num_segments" json:"min_num_segments"`
	MaxDocsBeforeMerge uint32  `yaml:"max_docs_before_merge" json:"max_docs_before_merge"`
	DelDocsRatio       float64 `yaml:"del_docs_ratio" json:"del_docs_ratio"`
}

// ResourceConfig bounds memory, merge concurrency and vacuum I/O.
type ResourceConfig struct {
	MemoryLimit     ByteSize `yaml:"memory_limit" json:"memory_limit"`
	MaxMergeWorkers int64    `yaml:"max_merge_workers" json:"max_merge_workers"`
	VacuumIORate    ByteSize `yaml:"vacuum_io_rate" json:"vacuum_io_rate"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// MetricsConfig configures the Prometheus exporter. An empty Listen
// address disables it.
type MetricsConfig struct {
	Listen  string `yaml:"listen" json:"listen"`
	Runtime bool   `yaml:"runtime" json:"runtime"`
}

// Default returns the configuration used for unset values.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Backend: BackendMemory},
		Buffers: BufferConfig{
			Capacity: buffer.DefaultCapacity,
			RingSize: buffer.DefaultRingSize,
		},
		Writer: WriterConfig{
			QueueSize:       index.DefaultInsertQueueSize,
			ChannelCapacity: index.DefaultChannelCapacity,
			Compression:     fts.DefaultSettings().DocStoreCompression.String(),
			MergePolicy:     MergePolicyConfig{Kind: "log"},
		},
		Resources: ResourceConfig{MaxMergeWorkers: 1},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML file, or a JSON file when path ends in ".json", on top
// of the defaults. An empty path yields the defaults. CONFIG_PATH is used
// when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if strings.HasSuffix(path, ".json") {
			err = json.Unmarshal(data, cfg)
		} else {
			err = yaml.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize lowercases enumerations and fills zero sizes with defaults.
func (c *Config) Normalize() {
	d := Default()
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = d.Storage.Backend
	}
	if c.Buffers.Capacity <= 0 {
		c.Buffers.Capacity = d.Buffers.Capacity
	}
	if c.Buffers.RingSize <= 0 {
		c.Buffers.RingSize = d.Buffers.RingSize
	}
	if c.Writer.QueueSize <= 0 {
		c.Writer.QueueSize = d.Writer.QueueSize
	}
	if c.Writer.ChannelCapacity <= 0 {
		c.Writer.ChannelCapacity = d.Writer.ChannelCapacity
	}
	c.Writer.Compression = strings.ToLower(c.Writer.Compression)
	c.Writer.MergePolicy.Kind = strings.ToLower(c.Writer.MergePolicy.Kind)
	if c.Writer.MergePolicy.Kind == "" {
		c.Writer.MergePolicy.Kind = d.Writer.MergePolicy.Kind
	}
	if c.Resources.MaxMergeWorkers <= 0 {
		c.Resources.MaxMergeWorkers = d.Resources.MaxMergeWorkers
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendMemory, BackendMemoryBlob:
	case BackendLocal:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for the local backend"))
		}
	case BackendS3:
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for the s3 backend"))
		}
	case BackendMinIO:
		if c.Storage.Bucket == "" || c.Storage.Endpoint == "" {
			errs = append(errs, errors.New("storage.bucket and storage.endpoint are required for the minio backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	if c.Buffers.RingSize > c.Buffers.Capacity {
		errs = append(errs, fmt.Errorf("buffers.ring_size %d exceeds buffers.capacity %d", c.Buffers.RingSize, c.Buffers.Capacity))
	}
	if _, err := fts.ParseCompression(c.Writer.Compression); err != nil {
		errs = append(errs, fmt.Errorf("writer.compression: %w", err))
	}
	if _, err := c.Writer.MergePolicy.Policy(); err != nil {
		errs = append(errs, err)
	}
	if c.Resources.MemoryLimit < 0 {
		errs = append(errs, errors.New("resources.memory_limit must not be negative"))
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Policy converts the configuration into an engine merge policy.
func (m MergePolicyConfig) Policy() (fts.MergePolicy, error) {
	switch m.Kind {
	case "none":
		return fts.NoMergePolicy(), nil
	case "log", "":
		p := fts.LogMergePolicy()
		if m.MinNumSegments > 0 {
			p.MinNumSegments = m.MinNumSegments
		}
		if m.MaxDocsBeforeMerge > 0 {
			p.MaxDocsBeforeMerge = m.MaxDocsBeforeMerge
		}
		if m.DelDocsRatio > 0 {
			p.DelDocsRatioBeforeMerge = m.DelDocsRatio
		}
		return p, nil
	}
	return fts.MergePolicy{}, fmt.Errorf("writer.merge_policy.kind must be log or none, got %q", m.Kind)
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// Logger builds the configured logger.
func (l LogConfig) Logger() (*paradedb.Logger, error) {
	lvl, err := l.level()
	if err != nil {
		return nil, err
	}
	if l.Format == "json" {
		return paradedb.NewJSONLogger(lvl), nil
	}
	return paradedb.NewTextLogger(lvl), nil
}

// WriterOptions converts the writer configuration into index options.
func (c *Config) WriterOptions() ([]index.Option, error) {
	comp, err := fts.ParseCompression(c.Writer.Compression)
	if err != nil {
		return nil, err
	}
	policy, err := c.Writer.MergePolicy.Policy()
	if err != nil {
		return nil, err
	}
	return []index.Option{
		index.WithQueueSize(c.Writer.QueueSize),
		index.WithChannelCapacity(c.Writer.ChannelCapacity),
		index.WithDocStoreCompression(comp),
		index.WithMergePolicy(policy),
	}, nil
}
