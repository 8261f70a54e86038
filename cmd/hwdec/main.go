package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/hwdec/internal/config"
	"github.com/zsiec/hwdec/internal/dashboard"
	"github.com/zsiec/hwdec/internal/decoder/factory"
	"github.com/zsiec/hwdec/internal/health"
	"github.com/zsiec/hwdec/internal/hw/emulated"
	"github.com/zsiec/hwdec/internal/logger"
	"github.com/zsiec/hwdec/internal/player"
	"github.com/zsiec/hwdec/internal/registry"
	"github.com/zsiec/hwdec/internal/server"
	"github.com/zsiec/hwdec/pkg/version"
)

func main() {
	var (
		configPath    string
		input         string
		showVersion   bool
		showDashboard bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&input, "input", "", "Annex-B elementary stream to play, or \"synthetic\"")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showDashboard, "dashboard", false, "Show the decoder dashboard in the terminal")
	flag.Parse()

	// Show version and exit if requested
	if showVersion {
		fmt.Println(version.GetInfo().String())
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if input != "" {
		cfg.Player.Input = input
	}

	// Initialize logger
	log, err := logger.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if showDashboard && (cfg.Logging.Output == "stdout" || cfg.Logging.Output == "stderr") {
		// the dashboard owns the terminal
		log.SetOutput(io.Discard)
	}

	log.WithField("version", version.GetInfo().Short()).Info("Starting hwdec")
	log.WithField("config_path", configPath).Debug("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, showDashboard); err != nil {
		log.WithError(err).Error("hwdec failed")
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger, showDashboard bool) error {
	appLog := logger.NewLogrusAdapter(logrus.NewEntry(log))

	reg, redisClient, err := openRegistry(ctx, cfg, appLog)
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			log.WithError(err).Error("Failed to close registry")
		}
	}()

	decoders := factory.New(cfg, factory.Platform{}, appLog.WithField("component", "decoder"))

	src, err := player.NewSource(cfg.Player)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	p := player.New(cfg.Player, decoders, src, nil, appLog)

	srv := server.New(cfg, log, server.Options{
		Registry: reg,
		Backends: decoders,
		Software: emulated.SoftwareName,
	})
	if redisClient != nil {
		srv.RegisterChecker(health.NewRedisChecker(redisClient))
	}

	hints := src.Hints()
	record := registry.Decoder{
		ID:       "dec-" + uuid.New().String()[:8],
		Instance: instanceName(),
		Codec:    hints.Codec.String(),
		Width:    hints.Width,
		Height:   hints.Height,
		Input:    src.Name(),
	}
	if err := reg.Register(ctx, &record); err != nil {
		return fmt.Errorf("register decoder: %w", err)
	}
	defer func() {
		if err := reg.Unregister(context.Background(), record.ID); err != nil {
			log.WithError(err).Debug("Failed to unregister decoder")
		}
	}()

	// Playback finishing stops everything else
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Start(gctx)
	})

	g.Go(func() error {
		registry.Heartbeat(gctx, reg, record, cfg.Registry.HeartbeatInterval, p.Stats, appLog)
		return nil
	})

	g.Go(func() error {
		defer cancel()
		summary, err := p.Run(gctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("playback: %w", err)
		}
		log.WithFields(logrus.Fields{
			"pictures":  summary.Pictures,
			"dropped":   summary.Dropped,
			"reopens":   summary.Reopens,
			"fallbacks": summary.Fallbacks,
			"backend":   summary.Backend,
			"elapsed":   summary.Elapsed.String(),
		}).Info("Playback complete")
		return nil
	})

	if showDashboard {
		g.Go(func() error {
			defer cancel()
			return dashboard.Run(gctx, reg, time.Second)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openRegistry shares decoder records through Redis when the registry is
// enabled and keeps them in process otherwise.
func openRegistry(ctx context.Context, cfg *config.Config, log logger.Logger) (registry.Registry, redis.UniversalClient, error) {
	if !cfg.Registry.Enabled {
		return registry.NewMemoryRegistry(cfg.Registry.TTL), nil, nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Redis.Addresses,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.WithField("addresses", cfg.Redis.Addresses).Info("Connected to Redis")

	return registry.NewRedisRegistry(client, log, cfg.Registry.TTL), client, nil
}

func instanceName() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}
