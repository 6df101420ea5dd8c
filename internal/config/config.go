// Package config loads and validates server configuration from a YAML
// file and STORYSIGN_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Video     VideoConfig     `mapstructure:"video" yaml:"video"`
	Extractor ExtractorConfig `mapstructure:"extractor" yaml:"extractor"`
	Gesture   GestureConfig   `mapstructure:"gesture" yaml:"gesture"`
	Pool      PoolConfig      `mapstructure:"pool" yaml:"pool"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Limits    LimitsConfig    `mapstructure:"limits" yaml:"limits"`
}

type ServerConfig struct {
	Host          string `mapstructure:"host" yaml:"host"`
	Port          int    `mapstructure:"port" yaml:"port"`
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat     string `mapstructure:"log_format" yaml:"log_format"`
	LogFile       string `mapstructure:"log_file" yaml:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`
	// WorkerCount sizes the CPU-bound worker pool; 0 means one per core.
	WorkerCount int `mapstructure:"worker_count" yaml:"worker_count"`
}

type VideoConfig struct {
	DefaultProfile         string `mapstructure:"default_profile" yaml:"default_profile"`
	AdaptationEnabled      bool   `mapstructure:"adaptation_enabled" yaml:"adaptation_enabled"`
	AdaptationIntervalMs   int    `mapstructure:"adaptation_interval_ms" yaml:"adaptation_interval_ms"`
	StabilityThresholdMs   int    `mapstructure:"stability_threshold_ms" yaml:"stability_threshold_ms"`
	DegradationThresholdMs int    `mapstructure:"degradation_threshold_ms" yaml:"degradation_threshold_ms"`
}

type ExtractorConfig struct {
	DefaultComplexity   int     `mapstructure:"default_complexity" yaml:"default_complexity"`
	DetectionConfidence float64 `mapstructure:"detection_confidence" yaml:"detection_confidence"`
	TrackingConfidence  float64 `mapstructure:"tracking_confidence" yaml:"tracking_confidence"`
}

type GestureConfig struct {
	Enabled              bool    `mapstructure:"enabled" yaml:"enabled"`
	VelocityThreshold    float64 `mapstructure:"velocity_threshold" yaml:"velocity_threshold"`
	PauseDurationMs      int     `mapstructure:"pause_duration_ms" yaml:"pause_duration_ms"`
	MinGestureDurationMs int     `mapstructure:"min_gesture_duration_ms" yaml:"min_gesture_duration_ms"`
	LandmarkBufferSize   int     `mapstructure:"landmark_buffer_size" yaml:"landmark_buffer_size"`
	SmoothingWindow      int     `mapstructure:"smoothing_window" yaml:"smoothing_window"`
}

type PoolConfig struct {
	MaxConnections             int `mapstructure:"max_connections" yaml:"max_connections"`
	MaxQueueSize               int `mapstructure:"max_queue_size" yaml:"max_queue_size"`
	HealthCheckIntervalSeconds int `mapstructure:"health_check_interval_seconds" yaml:"health_check_interval_seconds"`
	IdleTimeoutSeconds         int `mapstructure:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`
	BatchSize                  int `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeoutMs             int `mapstructure:"batch_timeout_ms" yaml:"batch_timeout_ms"`
	EgressBuffer               int `mapstructure:"egress_buffer" yaml:"egress_buffer"`
	ShutdownGraceSeconds       int `mapstructure:"shutdown_grace_seconds" yaml:"shutdown_grace_seconds"`
	MaxInboundErrors           int `mapstructure:"max_inbound_errors" yaml:"max_inbound_errors"`
}

type QueueConfig struct {
	MaxSize        int `mapstructure:"max_size" yaml:"max_size"`
	BatchSize      int `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeoutMs int `mapstructure:"batch_timeout_ms" yaml:"batch_timeout_ms"`
	ProcessorCount int `mapstructure:"processor_count" yaml:"processor_count"`
	MaxRetries     int `mapstructure:"max_retries" yaml:"max_retries"`
	RateLimit      int `mapstructure:"rate_limit" yaml:"rate_limit"`
}

type LLMConfig struct {
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	APIKey         string `mapstructure:"api_key" yaml:"api_key"`
	StoryModel     string `mapstructure:"story_model" yaml:"story_model"`
	AnalysisModel  string `mapstructure:"analysis_model" yaml:"analysis_model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries" yaml:"max_retries"`
}

type LimitsConfig struct {
	MemorySoftMB       int `mapstructure:"memory_soft_mb" yaml:"memory_soft_mb"`
	CPUSoftPercent     int `mapstructure:"cpu_soft_percent" yaml:"cpu_soft_percent"`
	ViolationThreshold int `mapstructure:"violation_threshold" yaml:"violation_threshold"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8000,
			LogLevel:      "info",
			LogFormat:     "text",
			LogMaxSizeMB:  50,
			LogMaxBackups: 3,
		},
		Video: VideoConfig{
			DefaultProfile:         "high",
			AdaptationEnabled:      true,
			AdaptationIntervalMs:   2000,
			StabilityThresholdMs:   5000,
			DegradationThresholdMs: 1000,
		},
		Extractor: ExtractorConfig{
			DefaultComplexity:   1,
			DetectionConfidence: 0.5,
			TrackingConfidence:  0.5,
		},
		Gesture: GestureConfig{
			Enabled:              true,
			VelocityThreshold:    0.02,
			PauseDurationMs:      1000,
			MinGestureDurationMs: 500,
			LandmarkBufferSize:   150,
			SmoothingWindow:      5,
		},
		Pool: PoolConfig{
			MaxConnections:             100,
			MaxQueueSize:               100,
			HealthCheckIntervalSeconds: 30,
			IdleTimeoutSeconds:         300,
			BatchSize:                  10,
			BatchTimeoutMs:             10,
			EgressBuffer:               100,
			ShutdownGraceSeconds:       30,
			MaxInboundErrors:           10,
		},
		Queue: QueueConfig{
			MaxSize:        100,
			BatchSize:      1,
			BatchTimeoutMs: 10,
			ProcessorCount: 1,
			MaxRetries:     3,
			RateLimit:      8,
		},
		LLM: LLMConfig{
			StoryModel:     "gpt-4o-mini",
			AnalysisModel:  "gpt-4o-mini",
			TimeoutSeconds: 30,
			MaxRetries:     3,
		},
		Limits: LimitsConfig{
			MemorySoftMB:       512,
			CPUSoftPercent:     80,
			ViolationThreshold: 5,
		},
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("storysign")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/storysign")
		v.AddConfigPath("$HOME/.storysign")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("STORYSIGN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// WriteDefault writes the default configuration as YAML, for
// `storysign-server config init`.
func WriteDefault(path string) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// SafeView returns the subset of the config that may be exposed over
// the admin API. Secrets are omitted.
func (c *Config) SafeView() map[string]any {
	return map[string]any{
		"server": map[string]any{
			"host":      c.Server.Host,
			"port":      c.Server.Port,
			"log_level": c.Server.LogLevel,
		},
		"video": map[string]any{
			"default_profile":    c.Video.DefaultProfile,
			"adaptation_enabled": c.Video.AdaptationEnabled,
		},
		"extractor": map[string]any{
			"default_complexity":   c.Extractor.DefaultComplexity,
			"detection_confidence": c.Extractor.DetectionConfidence,
			"tracking_confidence":  c.Extractor.TrackingConfidence,
		},
		"gesture": map[string]any{
			"enabled":                 c.Gesture.Enabled,
			"velocity_threshold":      c.Gesture.VelocityThreshold,
			"pause_duration_ms":       c.Gesture.PauseDurationMs,
			"min_gesture_duration_ms": c.Gesture.MinGestureDurationMs,
		},
		"pool": map[string]any{
			"max_connections": c.Pool.MaxConnections,
			"max_queue_size":  c.Pool.MaxQueueSize,
			"batch_size":      c.Pool.BatchSize,
		},
		"llm": map[string]any{
			"base_url":       c.LLM.BaseURL,
			"story_model":    c.LLM.StoryModel,
			"analysis_model": c.LLM.AnalysisModel,
		},
	}
}
