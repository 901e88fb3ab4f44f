package config

import (
	"reflect"

	"github.com/spf13/viper"
)

// Config carries every tuning knob of the ingestion daemon. Fields map to
// yaml keys and LINEPIPE_* environment variables.
type Config struct {
	Root       string `json:"root" mapstructure:"root"`
	ListenAddr string `json:"listen_addr" mapstructure:"listen_addr"`
	HTTPAddr   string `json:"http_addr" mapstructure:"http_addr"`
	Precision  string `json:"precision" mapstructure:"precision"`

	IOWorkers     int `json:"io_workers" mapstructure:"io_workers"`
	WriterWorkers int `json:"writer_workers" mapstructure:"writer_workers"`
	CopyWorkers   int `json:"copy_workers" mapstructure:"copy_workers"`

	WriterQueueCapacity int `json:"writer_queue_capacity" mapstructure:"writer_queue_capacity"`
	CopyQueueCapacity   int `json:"copy_queue_capacity" mapstructure:"copy_queue_capacity"`
	MaxMeasurementSize  int `json:"max_measurement_size" mapstructure:"max_measurement_size"`

	NUpdatesPerLoadRebalance int     `json:"n_updates_per_load_rebalance" mapstructure:"n_updates_per_load_rebalance"`
	MaxLoadRatio             float64 `json:"max_load_ratio" mapstructure:"max_load_ratio"`

	MaxUncommittedRows           int   `json:"max_uncommitted_rows" mapstructure:"max_uncommitted_rows"`
	MaintenanceIntervalMs        int64 `json:"maintenance_interval_ms" mapstructure:"maintenance_interval_ms"`
	MinIdleMsBeforeWriterRelease int64 `json:"min_idle_ms_before_writer_release" mapstructure:"min_idle_ms_before_writer_release"`
	CommitLagUs                  int64 `json:"commit_lag_us" mapstructure:"commit_lag_us"`

	DefaultPartitionBy     string `json:"default_partition_by" mapstructure:"default_partition_by"`
	DefaultSymbolCacheFlag bool   `json:"default_symbol_cache" mapstructure:"default_symbol_cache"`
	DefaultSymbolCapacity  int    `json:"default_symbol_capacity" mapstructure:"default_symbol_capacity"`
}

func Default() *Config {
	return &Config{
		Root:                         "/var/lib/linepipe",
		ListenAddr:                   "0.0.0.0:9009",
		HTTPAddr:                     "0.0.0.0:9010",
		Precision:                    "ns",
		IOWorkers:                    2,
		WriterWorkers:                2,
		CopyWorkers:                  2,
		WriterQueueCapacity:          128,
		CopyQueueCapacity:            128,
		MaxMeasurementSize:           4096,
		NUpdatesPerLoadRebalance:     1024,
		MaxLoadRatio:                 1.9,
		MaxUncommittedRows:           1000,
		MaintenanceIntervalMs:        100,
		MinIdleMsBeforeWriterRelease: 30000,
		CommitLagUs:                  0,
		DefaultPartitionBy:           "none",
		DefaultSymbolCacheFlag:       true,
		DefaultSymbolCapacity:        256,
	}
}

// Load reads the configuration file and environment overrides on top of the
// defaults.
func Load(file string) (*Config, error) {
	v := viper.New()
	cfg := Default()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	v.SetEnvPrefix("LINEPIPE")
	v.AutomaticEnv()
	// Unmarshal only sees keys viper already knows; bind every field so its
	// environment variable applies even when the file does not set the key.
	t := reflect.TypeOf(*cfg)
	for i := 0; i < t.NumField(); i++ {
		if err := v.BindEnv(t.Field(i).Tag.Get("mapstructure")); err != nil {
			return nil, err
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
