package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Decoder  DecoderConfig  `mapstructure:"decoder"`
	Emulated EmulatedConfig `mapstructure:"emulated"`
	Player   PlayerConfig   `mapstructure:"player"`
	Registry RegistryConfig `mapstructure:"registry"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	DebugEndpoints  bool          `mapstructure:"debug_endpoints"`

	// HTTP/3 listener, off unless certificates are configured
	EnableHTTP3    bool          `mapstructure:"enable_http3"`
	HTTP3Port      int           `mapstructure:"http3_port"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
	MaxIdleTimeout time.Duration `mapstructure:"max_idle_timeout"`
}

type RedisConfig struct {
	Addresses    []string      `mapstructure:"addresses"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`   // json or text
	Output     string `mapstructure:"output"`   // stdout, stderr, or file path
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DecoderConfig drives backend selection and the lifecycle tunables of the
// decode controller.
type DecoderConfig struct {
	// Backends is the preference order tried by the factory
	Backends         []string `mapstructure:"backends"`
	SoftwareFallback bool     `mapstructure:"software_fallback"`

	StartupDiscardLimit int `mapstructure:"startup_discard_limit"`
	ConvergenceClamp    int `mapstructure:"convergence_clamp"`

	// queue depth target = min(max, max(refs+1, min) + padding)
	MinQueueDepth     int `mapstructure:"min_queue_depth"`
	QueueDepthPadding int `mapstructure:"queue_depth_padding"`
	MaxQueueDepth     int `mapstructure:"max_queue_depth"`

	AllowHEVCHDR   bool          `mapstructure:"allow_hevc_hdr"`
	DestroyTimeout time.Duration `mapstructure:"destroy_timeout"`

	// Session restarts beyond this rate surface as errors
	RestartBurst    int           `mapstructure:"restart_burst"`
	RestartInterval time.Duration `mapstructure:"restart_interval"`

	MediaCodec MediaCodecConfig `mapstructure:"mediacodec"`
}

type MediaCodecConfig struct {
	InputQueueLimit int           `mapstructure:"input_queue_limit"`
	DequeueTimeout  time.Duration `mapstructure:"dequeue_timeout"`
}

// EmulatedConfig tunes the in-process decoder used for software fallback,
// tests and demos.
type EmulatedConfig struct {
	Workers       int           `mapstructure:"workers"`
	DecodeLatency time.Duration `mapstructure:"decode_latency"`
	LatencyJitter time.Duration `mapstructure:"latency_jitter"`
	// Fault injection, 0 disables
	BadSessionEvery int `mapstructure:"bad_session_every"`
	MalfunctionAt   int `mapstructure:"malfunction_at"`
}

type PlayerConfig struct {
	// Input is an Annex-B file path or "synthetic"
	Input        string  `mapstructure:"input"`
	Codec        string  `mapstructure:"codec"`
	Width        int     `mapstructure:"width"`
	Height       int     `mapstructure:"height"`
	FrameRate    float64 `mapstructure:"frame_rate"`
	Aspect       float64 `mapstructure:"aspect"`
	ForcedAspect bool    `mapstructure:"forced_aspect"`
	Realtime     bool    `mapstructure:"realtime"`
	Loop         int     `mapstructure:"loop"`
	// synthetic input only
	Frames  int `mapstructure:"frames"`
	GOPSize int `mapstructure:"gop_size"`
}

type RegistryConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	TTL               time.Duration `mapstructure:"ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// Load reads configuration from configPath. An empty path loads defaults
// plus HWDEC_* environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Environment variable override
	v.SetEnvPrefix("HWDEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration Load produces with no file and no
// environment overrides.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// defaults always decode
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.debug_endpoints", false)
	v.SetDefault("server.enable_http3", false)
	v.SetDefault("server.http3_port", 8443)
	v.SetDefault("server.max_idle_timeout", "30s")

	// Redis defaults
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Decoder defaults
	v.SetDefault("decoder.backends", []string{"videotoolbox", "mediacodec", "emulated"})
	v.SetDefault("decoder.software_fallback", true)
	v.SetDefault("decoder.startup_discard_limit", 64)
	v.SetDefault("decoder.convergence_clamp", 300)
	v.SetDefault("decoder.min_queue_depth", 5)
	v.SetDefault("decoder.queue_depth_padding", 4)
	v.SetDefault("decoder.max_queue_depth", 16)
	v.SetDefault("decoder.allow_hevc_hdr", false)
	v.SetDefault("decoder.destroy_timeout", "2s")
	v.SetDefault("decoder.restart_burst", 3)
	v.SetDefault("decoder.restart_interval", "5s")
	v.SetDefault("decoder.mediacodec.input_queue_limit", 16)
	v.SetDefault("decoder.mediacodec.dequeue_timeout", "10ms")

	// Emulated decoder defaults
	v.SetDefault("emulated.workers", 2)
	v.SetDefault("emulated.decode_latency", "2ms")
	v.SetDefault("emulated.latency_jitter", "1ms")
	v.SetDefault("emulated.bad_session_every", 0)
	v.SetDefault("emulated.malfunction_at", 0)

	// Player defaults
	v.SetDefault("player.input", "synthetic")
	v.SetDefault("player.codec", "h264")
	v.SetDefault("player.width", 1920)
	v.SetDefault("player.height", 1080)
	v.SetDefault("player.frame_rate", 30.0)
	v.SetDefault("player.aspect", 16.0/9.0)
	v.SetDefault("player.forced_aspect", false)
	v.SetDefault("player.realtime", true)
	v.SetDefault("player.loop", 1)
	v.SetDefault("player.frames", 300)
	v.SetDefault("player.gop_size", 30)

	// Registry defaults
	v.SetDefault("registry.enabled", false)
	v.SetDefault("registry.ttl", "30s")
	v.SetDefault("registry.heartbeat_interval", "10s")
}
