package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	MempoolWatch MempoolWatchConfig `yaml:"mempoolwatch"`
}

// MempoolWatchConfig is the project configuration.
type MempoolWatchConfig struct {
	Input    InputConfig    `yaml:"input"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Store    StoreConfig    `yaml:"store"`
	Rules    RulesConfig    `yaml:"rules"`
	Dedup    DedupConfig    `yaml:"dedup"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// InputConfig controls the feed reader.
type InputConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig controls Redis feed input.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// PipelineConfig controls processor sizing.
type PipelineConfig struct {
	Workers       int `yaml:"workers"`
	QueueCapacity int `yaml:"queue_capacity"`
}

// StoreConfig controls the window store.
type StoreConfig struct {
	Shards           int           `yaml:"shards"`
	MaxEntriesPerKey int           `yaml:"max_entries_per_key"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// RulesConfig carries per-rule windows and thresholds.
type RulesConfig struct {
	Sandwich SandwichRuleConfig `yaml:"sandwich"`
	Approval ApprovalRuleConfig `yaml:"approval"`
	Fanout   FanRuleConfig      `yaml:"fanout"`
	Sigma    SigmaRuleConfig    `yaml:"sigma"`
}

// SandwichRuleConfig controls sandwich detection. A nil Enabled means
// enabled.
type SandwichRuleConfig struct {
	Enabled *bool         `yaml:"enabled"`
	Window  time.Duration `yaml:"window"`
	Pairing string        `yaml:"pairing"` // earliest|tightest
}

// ApprovalRuleConfig controls dangerous-approval detection.
type ApprovalRuleConfig struct {
	Enabled        *bool    `yaml:"enabled"`
	AllowList      []string `yaml:"allow_list"`
	LargeAllowance string   `yaml:"large_allowance"`
	RiskyTokens    []string `yaml:"risky_tokens"`
}

// FanRuleConfig controls the transfer-graph anomaly rules.
type FanRuleConfig struct {
	Enabled         *bool         `yaml:"enabled"`
	Window          time.Duration `yaml:"window"`
	FanoutThreshold int           `yaml:"fanout_threshold"`
	FaninThreshold  int           `yaml:"fanin_threshold"`
}

// SigmaRuleConfig points at operator-supplied Sigma rules. An empty path
// disables the Sigma adapter even when Enabled is set.
type SigmaRuleConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DedupConfig controls alert suppression at the sink boundary.
type DedupConfig struct {
	Mode  string           `yaml:"mode"` // memory|redis|off
	TTL   time.Duration    `yaml:"ttl"`
	Redis DedupRedisConfig `yaml:"redis"`
}

// DedupRedisConfig controls Redis-backed suppression.
type DedupRedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// AlertsConfig controls alert delivery.
type AlertsConfig struct {
	Output AlertOutputConfig `yaml:"output"`
}

// AlertOutputConfig selects the alert sink.
type AlertOutputConfig struct {
	Mode       string                 `yaml:"mode"` // file|http|kafka|clickhouse
	File       FileOutputConfig       `yaml:"file"`
	HTTP       HTTPOutputConfig       `yaml:"http"`
	Kafka      KafkaOutputConfig      `yaml:"kafka"`
	ClickHouse ClickHouseOutputConfig `yaml:"clickhouse"`
}

// FileOutputConfig config for local JSON output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// KafkaOutputConfig config for Kafka output.
type KafkaOutputConfig struct {
	Brokers []string      `yaml:"brokers"`
	Topic   string        `yaml:"topic"`
	Timeout time.Duration `yaml:"timeout"`
}

// ClickHouseOutputConfig config for ClickHouse HTTP JSONEachRow writes.
type ClickHouseOutputConfig struct {
	URL      string            `yaml:"url"`
	Database string            `yaml:"database"`
	Table    string            `yaml:"table"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file. Unrecognized keys are a
// startup error.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
