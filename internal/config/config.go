// Package config provides configuration loading for the capsule binaries.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/nucleus/nwb-capsule/internal/objectstore"
)

// Config holds every setting the capsule, inspector and worker read.
type Config struct {
	// Input and output locations
	DataRoot     string
	ResultsRoot  string
	ContractFile string
	TopLevel     string

	// Packaging behavior
	Workers       int
	Strict        bool
	Compression   string
	ParquetExport bool
	ProcessSites  bool

	// Logging
	LogLevel  string
	LogFormat string

	// Object store; empty endpoint keeps results on the local filesystem
	StoreEndpoint   string
	StoreRegion     string
	StoreAccessKey  string
	StoreSecretKey  string
	StoreBucket     string
	StoreUseSSL     bool
	StoreUploadRate float64

	// Catalog; empty DSN disables registration
	CatalogDSN string

	// Temporal settings
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
	HealthAddr        string
}

var defaults = map[string]any{
	"data_root":           "/data",
	"results_root":        "/results",
	"top_level":           "Behavior",
	"workers":             4,
	"strict":              false,
	"compression":         "zstd",
	"parquet_export":      false,
	"process_sites":       false,
	"log_level":           "info",
	"log_format":          "text",
	"store_region":        "us-east-1",
	"store_use_ssl":       true,
	"temporal_host":       "localhost:7233",
	"temporal_namespace":  "default",
	"temporal_task_queue": "nwb-packaging",
	"health_addr":         ":8089",
}

// Load reads configuration from NWB_* environment variables and, when
// file is set, from that config file. Environment wins over the file.
func Load(file string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("NWB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, k := range []string{"contract_file", "store_endpoint", "store_access_key", "store_secret_key", "store_bucket", "store_upload_rate", "catalog_dsn"} {
		_ = v.BindEnv(k)
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{
		DataRoot:          v.GetString("data_root"),
		ResultsRoot:       v.GetString("results_root"),
		ContractFile:      v.GetString("contract_file"),
		TopLevel:          v.GetString("top_level"),
		Workers:           v.GetInt("workers"),
		Strict:            v.GetBool("strict"),
		Compression:       v.GetString("compression"),
		ParquetExport:     v.GetBool("parquet_export"),
		ProcessSites:      v.GetBool("process_sites"),
		LogLevel:          v.GetString("log_level"),
		LogFormat:         v.GetString("log_format"),
		StoreEndpoint:     v.GetString("store_endpoint"),
		StoreRegion:       v.GetString("store_region"),
		StoreAccessKey:    v.GetString("store_access_key"),
		StoreSecretKey:    v.GetString("store_secret_key"),
		StoreBucket:       v.GetString("store_bucket"),
		StoreUseSSL:       v.GetBool("store_use_ssl"),
		StoreUploadRate:   v.GetFloat64("store_upload_rate"),
		CatalogDSN:        v.GetString("catalog_dsn"),
		TemporalHost:      v.GetString("temporal_host"),
		TemporalNamespace: v.GetString("temporal_namespace"),
		TemporalTaskQueue: v.GetString("temporal_task_queue"),
		HealthAddr:        v.GetString("health_addr"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	if c.DataRoot == "" {
		return fmt.Errorf("data_root is required")
	}
	if c.ResultsRoot == "" && c.StoreEndpoint == "" {
		return fmt.Errorf("results_root is required without a store endpoint")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	switch c.Compression {
	case "none", "zstd", "gzip":
	default:
		return fmt.Errorf("compression must be none, zstd or gzip, got %q", c.Compression)
	}
	return nil
}

// StoreConfig maps the store settings onto the object store config. Local
// stores are rooted at ResultsRoot.
func (c *Config) StoreConfig() *objectstore.Config {
	return &objectstore.Config{
		EndpointURL:     c.StoreEndpoint,
		Region:          c.StoreRegion,
		UseSSL:          c.StoreUseSSL,
		AccessKeyID:     c.StoreAccessKey,
		SecretAccessKey: c.StoreSecretKey,
		Bucket:          c.StoreBucket,
		RootPath:        c.ResultsRoot,
		UploadRate:      c.StoreUploadRate,
	}
}
