// Package config holds the scan configuration and the loader that resolves
// it from an optional yaml file plus command line overrides.
package config

import (
	"fmt"
	"io/ioutil"

	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"

	"github.com/TritonDataCenter/sharkspotter/common"
	"github.com/TritonDataCenter/sharkspotter/metadata"
)

const (
	// DefaultChunkSize is the number of records requested per page.
	DefaultChunkSize = 100
	// DefaultLogLevel is used when no level is configured.
	DefaultLogLevel = "info"
)

type (
	// Config is the fully resolved configuration for one scan run.
	Config struct {
		// Domain is the region domain the shards live under, e.g.
		// east.joyent.us.
		Domain string `yaml:"domain" validate:"nonzero"`
		// Sharks lists the storage nodes whose objects the scan reports.
		Sharks []string `yaml:"sharks"`
		// MinShard and MaxShard bound the inclusive range of shard numbers
		// to scan.
		MinShard uint32 `yaml:"minShard" validate:"min=1"`
		MaxShard uint32 `yaml:"maxShard" validate:"min=1"`
		// Begin is the index value each shard scan starts from.
		Begin uint64 `yaml:"begin"`
		// End bounds the scan window exclusively; zero means scan until the
		// shard is exhausted.
		End uint64 `yaml:"end"`
		// ChunkSize is the maximum number of records per page request.
		ChunkSize int `yaml:"chunkSize" validate:"min=1"`
		// IndexColumns names the manta bucket index columns to walk. A
		// complete scan of a migrated shard needs both _id and _idx.
		IndexColumns []string `yaml:"indexColumns"`
		// MinCopies, when greater than zero, restricts matches to objects
		// with at least that many copies.
		MinCopies int `yaml:"minCopies" validate:"min=0"`
		// Multithreaded scans shards concurrently instead of one at a time.
		Multithreaded bool `yaml:"multithreaded"`
		// MaxThreads caps the number of concurrent shard scans; zero means
		// one scanner per shard.
		MaxThreads int `yaml:"maxThreads" validate:"min=0"`
		// DirectDB reads each shard's database replica directly instead of
		// going through the metadata service rpc.
		DirectDB bool `yaml:"directDB"`
		// ObjectIDOnly emits bare object ids instead of full metadata.
		ObjectIDOnly bool `yaml:"objectIDOnly"`
		// SkipSharkValidation disables the pre-flight check that each shark
		// exists exactly once in the region.
		SkipSharkValidation bool `yaml:"skipSharkValidation"`
		// OutputFile, when set, routes every match into this single file
		// instead of the per shark and shard layout.
		OutputFile string `yaml:"outputFile"`
		// PageRPS bounds page requests per second across the whole run.
		PageRPS float64 `yaml:"pageRPS"`
		// StubDB configures the local store that backs duplicate detection.
		StubDB StubDB `yaml:"stubDB"`
		// Metrics configures the metrics reporter, if any.
		Metrics *Metrics `yaml:"metrics"`
		// LogLevel sets the minimum level emitted by the logger.
		LogLevel string `yaml:"logLevel"`
	}

	// StubDB configures the database holding object stubs and duplicate
	// snapshots. An empty DSN selects an in-memory store whose findings do
	// not survive the run.
	StubDB struct {
		DSN string `yaml:"dsn"`
	}

	// Metrics configures the metrics reporter.
	Metrics struct {
		M3 *M3 `yaml:"m3"`
	}

	// M3 configures an m3 metrics reporter.
	M3 struct {
		HostPort string `yaml:"hostPort" validate:"nonzero"`
		Service  string `yaml:"service" validate:"nonzero"`
		Env      string `yaml:"env"`
	}
)

// Default returns a Config populated with the default values every run
// starts from.
func Default() *Config {
	return &Config{
		MinShard:     1,
		MaxShard:     1,
		Begin:        0,
		End:          0,
		ChunkSize:    DefaultChunkSize,
		IndexColumns: []string{metadata.IndexColumnID, metadata.IndexColumnIdx},
		PageRPS:      common.DefaultPageRPS,
		LogLevel:     DefaultLogLevel,
	}
}

// Load resolves a Config from the yaml file at path, layered over the
// defaults. The returned config is not yet validated so callers can apply
// command line overrides first.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, common.NewConfigError(fmt.Sprintf("failed to read config file %v", path), err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, common.NewConfigError(fmt.Sprintf("failed to parse config file %v", path), err)
	}
	return cfg, nil
}

// Validate checks the config for use, returning a ConfigError describing the
// first problem found.
func (c *Config) Validate() error {
	if err := validator.Validate(c); err != nil {
		return common.NewConfigError("invalid config", err)
	}
	if len(c.Sharks) == 0 {
		return common.NewConfigError("at least one shark must be specified", nil)
	}
	for _, shark := range c.Sharks {
		if shark == "" {
			return common.NewConfigError("shark names must be non-empty", nil)
		}
	}
	if c.MaxShard < c.MinShard {
		return common.NewConfigError(fmt.Sprintf("max shard %v is below min shard %v", c.MaxShard, c.MinShard), nil)
	}
	if c.End != 0 && c.End <= c.Begin {
		return common.NewConfigError(fmt.Sprintf("end index %v is not beyond begin index %v", c.End, c.Begin), nil)
	}
	if len(c.IndexColumns) == 0 {
		return common.NewConfigError("at least one index column must be specified", nil)
	}
	seen := make(map[string]struct{}, len(c.IndexColumns))
	for _, column := range c.IndexColumns {
		if !metadata.IsIndexColumn(column) {
			return common.NewConfigError(fmt.Sprintf("unsupported index column %q", column), nil)
		}
		if _, ok := seen[column]; ok {
			return common.NewConfigError(fmt.Sprintf("index column %q specified twice", column), nil)
		}
		seen[column] = struct{}{}
	}
	if c.PageRPS <= 0 {
		return common.NewConfigError("pageRPS must be positive", nil)
	}
	return nil
}
