// Package config loads the daemon's INI configuration file into typed,
// validated records.
package config

// GlobalRecord is the [global] section: the pool and persistence tunables
// consumed by the core as an opaque configuration provider.
type GlobalRecord struct {
	MaxEntropyBytes   int64 `mapstructure:"max_entropy_bytes" validate:"required,gt=0" default:"10485760"`
	PersistFile       string `mapstructure:"persist_file" validate:"required"`
	PersistIntervalS  int    `mapstructure:"persist_interval_s" validate:"gte=0" default:"300"`
	PoolChunkMaxBytes int64 `mapstructure:"pool_chunk_max_bytes" validate:"required,gt=0" default:"65536"`
	TCPPort           int    `mapstructure:"tcp_port" validate:"required,gte=1,lte=65535" default:"8888"`
}

// SourceRecord is one [source "name"] section: the declarative form of a
// core.Source descriptor.
type SourceRecord struct {
	Name        string  `mapstructure:"-"`
	Enabled     bool    `mapstructure:"enabled" default:"true"`
	Kind        string  `mapstructure:"kind" validate:"required,oneof=http http-dynamic file command"`
	URL         string  `mapstructure:"url"`
	Path        string  `mapstructure:"path"`
	Command     string  `mapstructure:"command"`
	IntervalS   float64 `mapstructure:"interval_s" validate:"required,gt=0"`
	InitDelayS  float64 `mapstructure:"init_delay_s" default:"0" validate:"gte=0"`
	PrefetchURL string  `mapstructure:"prefetch_url"`
	SizeHint    int64   `mapstructure:"size_hint" validate:"gte=0"`
	MinSize     int64   `mapstructure:"min_size" validate:"gte=0"`
	Compress    bool    `mapstructure:"compress" default:"true"`
	Scale       float64 `mapstructure:"scale" default:"1.0" validate:"gte=0,lte=1"`
}

// File is the fully decoded and validated configuration.
type File struct {
	Global  GlobalRecord
	Sources []SourceRecord
}
