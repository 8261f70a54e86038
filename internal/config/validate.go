package config

import (
	"fmt"
	"os"
)

var knownBackends = map[string]bool{
	"videotoolbox": true,
	"mediacodec":   true,
	"emulated":     true,
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if c.Registry.Enabled {
		if err := c.Redis.Validate(); err != nil {
			return fmt.Errorf("redis config: %w", err)
		}
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	if err := c.Decoder.Validate(); err != nil {
		return fmt.Errorf("decoder config: %w", err)
	}

	if err := c.Emulated.Validate(); err != nil {
		return fmt.Errorf("emulated config: %w", err)
	}

	if err := c.Player.Validate(); err != nil {
		return fmt.Errorf("player config: %w", err)
	}

	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("registry config: %w", err)
	}

	return nil
}

func (s *ServerConfig) Validate() error {
	if s.HTTPPort < 1 || s.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", s.HTTPPort)
	}

	if s.ReadTimeout < 0 || s.WriteTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	if !s.EnableHTTP3 {
		return nil
	}

	if s.HTTP3Port < 1 || s.HTTP3Port > 65535 {
		return fmt.Errorf("invalid HTTP3 port: %d", s.HTTP3Port)
	}

	if s.TLSCertFile == "" {
		return fmt.Errorf("TLS certificate file is required")
	}

	if s.TLSKeyFile == "" {
		return fmt.Errorf("TLS key file is required")
	}

	// Check if certificate files exist
	if _, err := os.Stat(s.TLSCertFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS certificate file not found: %s", s.TLSCertFile)
	}

	if _, err := os.Stat(s.TLSKeyFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS key file not found: %s", s.TLSKeyFile)
	}

	return nil
}

func (r *RedisConfig) Validate() error {
	if len(r.Addresses) == 0 {
		return fmt.Errorf("at least one Redis address is required")
	}

	if r.DB < 0 {
		return fmt.Errorf("invalid Redis database number: %d", r.DB)
	}

	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}

	if r.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive")
	}

	if r.MinIdleConns < 0 {
		return fmt.Errorf("min_idle_conns cannot be negative")
	}

	if r.MinIdleConns > r.PoolSize {
		return fmt.Errorf("min_idle_conns cannot be greater than pool_size")
	}

	return nil
}

func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"panic": true,
		"fatal": true,
		"error": true,
		"warn":  true,
		"info":  true,
		"debug": true,
		"trace": true,
	}

	if !validLevels[l.Level] {
		return fmt.Errorf("invalid log level: %s", l.Level)
	}

	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("log format must be 'json' or 'text'")
	}

	if l.Output != "stdout" && l.Output != "stderr" {
		if l.MaxSize <= 0 {
			return fmt.Errorf("max_size must be positive for file output")
		}
		if l.MaxBackups < 0 {
			return fmt.Errorf("max_backups cannot be negative")
		}
		if l.MaxAge < 0 {
			return fmt.Errorf("max_age cannot be negative")
		}
	}

	return nil
}

func (m *MetricsConfig) Validate() error {
	if m.Enabled && m.Path == "" {
		return fmt.Errorf("metrics path cannot be empty")
	}
	return nil
}

func (d *DecoderConfig) Validate() error {
	if len(d.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}

	seen := make(map[string]bool, len(d.Backends))
	for _, b := range d.Backends {
		if !knownBackends[b] {
			return fmt.Errorf("unknown backend: %q", b)
		}
		if seen[b] {
			return fmt.Errorf("backend listed twice: %q", b)
		}
		seen[b] = true
	}

	if d.StartupDiscardLimit < 1 {
		return fmt.Errorf("startup_discard_limit must be positive")
	}

	if d.ConvergenceClamp < d.StartupDiscardLimit {
		return fmt.Errorf("convergence_clamp (%d) must be >= startup_discard_limit (%d)",
			d.ConvergenceClamp, d.StartupDiscardLimit)
	}

	if d.MinQueueDepth < 1 {
		return fmt.Errorf("min_queue_depth must be positive")
	}

	if d.QueueDepthPadding < 0 {
		return fmt.Errorf("queue_depth_padding cannot be negative")
	}

	if d.MaxQueueDepth < 1 || d.MaxQueueDepth > 16 {
		return fmt.Errorf("max_queue_depth must be between 1 and 16, got %d", d.MaxQueueDepth)
	}

	if d.DestroyTimeout <= 0 {
		return fmt.Errorf("destroy_timeout must be positive")
	}

	if d.RestartBurst < 1 {
		return fmt.Errorf("restart_burst must be positive")
	}

	if d.RestartInterval <= 0 {
		return fmt.Errorf("restart_interval must be positive")
	}

	if d.MediaCodec.InputQueueLimit < 1 {
		return fmt.Errorf("mediacodec input_queue_limit must be positive")
	}

	return nil
}

func (e *EmulatedConfig) Validate() error {
	if e.Workers < 1 {
		return fmt.Errorf("workers must be positive")
	}

	if e.DecodeLatency < 0 || e.LatencyJitter < 0 {
		return fmt.Errorf("latencies cannot be negative")
	}

	if e.BadSessionEvery < 0 || e.MalfunctionAt < 0 {
		return fmt.Errorf("fault injection counters cannot be negative")
	}

	return nil
}

func (p *PlayerConfig) Validate() error {
	if p.Input == "" {
		return fmt.Errorf("input cannot be empty")
	}

	if p.Codec != "h264" && p.Codec != "hevc" {
		return fmt.Errorf("unsupported codec: %q", p.Codec)
	}

	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", p.Width, p.Height)
	}

	if p.FrameRate <= 0 {
		return fmt.Errorf("frame_rate must be positive")
	}

	if p.Aspect < 0 {
		return fmt.Errorf("aspect cannot be negative")
	}

	if p.Loop < 1 {
		return fmt.Errorf("loop must be at least 1")
	}

	if p.Input == "synthetic" && (p.Frames < 1 || p.GOPSize < 1) {
		return fmt.Errorf("synthetic input needs positive frames and gop_size")
	}

	return nil
}

func (r *RegistryConfig) Validate() error {
	if !r.Enabled {
		return nil
	}

	if r.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	if r.HeartbeatInterval <= 0 || r.HeartbeatInterval >= r.TTL {
		return fmt.Errorf("heartbeat_interval must be positive and shorter than ttl")
	}

	return nil
}
