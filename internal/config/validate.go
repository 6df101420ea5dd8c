package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validProfiles = map[string]bool{
	"ultra_low":  true,
	"low":        true,
	"medium":     true,
	"high":       true,
	"ultra_high": true,
}

// ValidationResult separates errors that must abort startup from
// warnings where the offending value was clamped to a safe default.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r *ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

func (r *ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

func (r *ValidationResult) fatalf(format string, args ...any) {
	r.Fatals = append(r.Fatals, fmt.Errorf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Errorf(format, args...))
}

// clampInt clamps v into [min, max] and records a warning when it had to.
func (r *ValidationResult) clampInt(v *int, min, max int, name string) {
	if *v < min {
		r.warnf("%s %d is below minimum %d, clamping", name, *v, min)
		*v = min
	} else if *v > max {
		r.warnf("%s %d exceeds maximum %d, clamping", name, *v, max)
		*v = max
	}
}

// ValidateTiered checks the config. Values that would break the server
// outright (bad port, malformed URL, control characters in secrets) are
// fatal; out-of-range tuning knobs are clamped and reported as warnings.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		r.fatalf("server.port %d is out of range [1, 65535]", c.Server.Port)
	}

	if c.Server.LogLevel != "" && !validLogLevels[strings.ToLower(c.Server.LogLevel)] {
		r.warnf("server.log_level %q is not valid (use debug, info, warn, error)", c.Server.LogLevel)
	}
	if c.Server.LogFormat != "" && c.Server.LogFormat != "text" && c.Server.LogFormat != "json" {
		r.warnf("server.log_format %q is not valid (use text or json)", c.Server.LogFormat)
	}
	r.clampInt(&c.Server.WorkerCount, 0, 256, "server.worker_count")

	if !validProfiles[c.Video.DefaultProfile] {
		r.warnf("video.default_profile %q is not a known preset, using high", c.Video.DefaultProfile)
		c.Video.DefaultProfile = "high"
	}
	r.clampInt(&c.Video.AdaptationIntervalMs, 100, 60000, "video.adaptation_interval_ms")
	r.clampInt(&c.Video.StabilityThresholdMs, 100, 300000, "video.stability_threshold_ms")
	r.clampInt(&c.Video.DegradationThresholdMs, 100, 60000, "video.degradation_threshold_ms")

	r.clampInt(&c.Extractor.DefaultComplexity, 0, 2, "extractor.default_complexity")
	if c.Extractor.DetectionConfidence < 0 || c.Extractor.DetectionConfidence > 1 {
		r.warnf("extractor.detection_confidence %v is out of [0, 1], using 0.5", c.Extractor.DetectionConfidence)
		c.Extractor.DetectionConfidence = 0.5
	}
	if c.Extractor.TrackingConfidence < 0 || c.Extractor.TrackingConfidence > 1 {
		r.warnf("extractor.tracking_confidence %v is out of [0, 1], using 0.5", c.Extractor.TrackingConfidence)
		c.Extractor.TrackingConfidence = 0.5
	}

	if c.Gesture.VelocityThreshold <= 0 {
		r.warnf("gesture.velocity_threshold %v must be positive, using 0.02", c.Gesture.VelocityThreshold)
		c.Gesture.VelocityThreshold = 0.02
	}
	r.clampInt(&c.Gesture.PauseDurationMs, 100, 10000, "gesture.pause_duration_ms")
	r.clampInt(&c.Gesture.MinGestureDurationMs, 100, 10000, "gesture.min_gesture_duration_ms")
	r.clampInt(&c.Gesture.LandmarkBufferSize, 10, 10000, "gesture.landmark_buffer_size")
	r.clampInt(&c.Gesture.SmoothingWindow, 1, 60, "gesture.smoothing_window")

	r.clampInt(&c.Pool.MaxConnections, 1, 10000, "pool.max_connections")
	r.clampInt(&c.Pool.MaxQueueSize, 1, 10000, "pool.max_queue_size")
	r.clampInt(&c.Pool.HealthCheckIntervalSeconds, 5, 3600, "pool.health_check_interval_seconds")
	r.clampInt(&c.Pool.IdleTimeoutSeconds, 10, 86400, "pool.idle_timeout_seconds")
	r.clampInt(&c.Pool.BatchSize, 1, 100, "pool.batch_size")
	r.clampInt(&c.Pool.BatchTimeoutMs, 1, 1000, "pool.batch_timeout_ms")
	r.clampInt(&c.Pool.EgressBuffer, 1, 10000, "pool.egress_buffer")
	r.clampInt(&c.Pool.ShutdownGraceSeconds, 1, 300, "pool.shutdown_grace_seconds")
	r.clampInt(&c.Pool.MaxInboundErrors, 1, 1000, "pool.max_inbound_errors")

	r.clampInt(&c.Queue.MaxSize, 1, 100000, "queue.max_size")
	r.clampInt(&c.Queue.BatchSize, 1, 100, "queue.batch_size")
	r.clampInt(&c.Queue.BatchTimeoutMs, 1, 1000, "queue.batch_timeout_ms")
	r.clampInt(&c.Queue.ProcessorCount, 1, 64, "queue.processor_count")
	r.clampInt(&c.Queue.MaxRetries, 0, 10, "queue.max_retries")
	r.clampInt(&c.Queue.RateLimit, 1, 1024, "queue.rate_limit")

	if c.LLM.BaseURL != "" {
		u, err := url.Parse(c.LLM.BaseURL)
		if err != nil {
			r.fatalf("llm.base_url %q is not a valid URL: %v", c.LLM.BaseURL, err)
		} else if u.Scheme != "http" && u.Scheme != "https" {
			r.fatalf("llm.base_url scheme must be http or https, got %q", u.Scheme)
		}
	}
	if c.LLM.APIKey != "" {
		for _, ch := range c.LLM.APIKey {
			if unicode.IsControl(ch) {
				r.fatalf("llm.api_key contains control characters")
				break
			}
		}
	}
	r.clampInt(&c.LLM.TimeoutSeconds, 1, 300, "llm.timeout_seconds")
	r.clampInt(&c.LLM.MaxRetries, 0, 10, "llm.max_retries")

	r.clampInt(&c.Limits.MemorySoftMB, 16, 65536, "limits.memory_soft_mb")
	r.clampInt(&c.Limits.CPUSoftPercent, 1, 100, "limits.cpu_soft_percent")
	r.clampInt(&c.Limits.ViolationThreshold, 1, 100, "limits.violation_threshold")

	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}

	return r
}
