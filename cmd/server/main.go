// Command server starts the watch-party HTTP service: synced playback
// rooms over WebSocket, the media library API, and the conversion
// supervisor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"watchparty/internal/api"
	"watchparty/internal/auth"
	"watchparty/internal/config"
	"watchparty/internal/convert"
	"watchparty/internal/library"
	"watchparty/internal/observability/logging"
	"watchparty/internal/observability/metrics"
	"watchparty/internal/room"
	"watchparty/internal/server"
	"watchparty/internal/serverutil"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	addr := flag.String("addr", "", "HTTP listen address")
	hostSecret := flag.String("host-secret", "", "room host secret (plain or pbkdf2 encoded)")
	publicDir := flag.String("public-dir", "", "directory with the web client assets")
	videosDir := flag.String("videos-dir", "", "directory holding converted video folders")
	rawDir := flag.String("raw-dir", "", "directory holding unconverted source files")
	dataDir := flag.String("data-dir", "", "directory for runtime state such as the instance lock")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	archiveDriver := flag.String("archive-driver", "", "chat archive driver (memory or redis)")
	archiveRedisAddr := flag.String("archive-redis-addr", "", "Redis address for the chat archive stream")
	archiveRedisStream := flag.String("archive-redis-stream", "", "Redis stream key for chat archive events")
	archiveRedisGroup := flag.String("archive-redis-group", "", "Redis consumer group for chat archive workers")
	flag.Parse()

	cfg, err := config.Load(firstNonEmpty(*configPath, os.Getenv("WATCHPARTY_CONFIG")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	override(&cfg.Server.Bind, *addr, "WATCHPARTY_ADDR")
	override(&cfg.Server.TLSCertFile, *tlsCert, "WATCHPARTY_TLS_CERT")
	override(&cfg.Server.TLSKeyFile, *tlsKey, "WATCHPARTY_TLS_KEY")
	override(&cfg.Room.HostSecret, *hostSecret, "WATCHPARTY_HOST_SECRET")
	override(&cfg.Paths.PublicDir, *publicDir, "WATCHPARTY_PUBLIC_DIR")
	override(&cfg.Paths.VideosDir, *videosDir, "WATCHPARTY_VIDEOS_DIR")
	override(&cfg.Paths.RawDir, *rawDir, "WATCHPARTY_RAW_DIR")
	override(&cfg.Paths.DataDir, *dataDir, "WATCHPARTY_DATA_DIR")
	override(&cfg.Encode.FFmpegPath, *ffmpegPath, "WATCHPARTY_FFMPEG")
	override(&cfg.Log.Level, *logLevel, "WATCHPARTY_LOG_LEVEL")
	override(&cfg.Log.Format, *logFormat, "WATCHPARTY_LOG_FORMAT")
	override(&cfg.Archive.Driver, *archiveDriver, "WATCHPARTY_ARCHIVE_DRIVER")
	override(&cfg.Archive.RedisAddr, *archiveRedisAddr, "WATCHPARTY_ARCHIVE_REDIS_ADDR")
	override(&cfg.Archive.RedisStream, *archiveRedisStream, "WATCHPARTY_ARCHIVE_REDIS_STREAM")
	override(&cfg.Archive.RedisGroup, *archiveRedisGroup, "WATCHPARTY_ARCHIVE_REDIS_GROUP")

	if err := cfg.Normalize(); err != nil {
		fmt.Fprintf(os.Stderr, "normalize configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "prepare directories: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	recorder := metrics.Default()

	// A second instance sharing the media directories would race the
	// conversion folders, so the data dir carries an exclusive lock.
	lock := flock.New(filepath.Join(cfg.Paths.DataDir, "watchparty.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		logger.Error("acquire instance lock", "error", err)
		os.Exit(1)
	}
	if !locked {
		logger.Error("another instance already holds the lock", "path", lock.Path())
		os.Exit(1)
	}
	defer lock.Unlock()

	queue, err := configureArchiveQueue(cfg.Archive, logger)
	if err != nil {
		logger.Error("configure chat archive queue", "error", err)
		os.Exit(1)
	}

	gateway := room.NewGateway(room.GatewayConfig{
		Store:             room.NewStore(),
		Queue:             queue,
		Secret:            auth.NewSecret(cfg.Room.HostSecret),
		Logger:            logging.WithComponent(logger, "room"),
		Metrics:           recorder,
		HeartbeatInterval: 30 * time.Second,
	})

	registry := convert.NewRegistry(convert.RegistryConfig{
		RawDir:    cfg.Paths.RawDir,
		VideosDir: cfg.Paths.VideosDir,
		Encoder:   convert.NewFFmpegEncoder(cfg.Encode),
		Logger:    logging.WithComponent(logger, "convert"),
		Metrics:   recorder,
	})

	handler := api.NewHandler(
		library.NewService(cfg.Paths.VideosDir, cfg.Paths.RawDir),
		registry,
		logging.WithComponent(logger, "api"),
	)

	srv, err := server.New(handler, gateway, server.Config{
		Addr:      cfg.Server.Bind,
		TLS:       server.TLSConfig{CertFile: cfg.Server.TLSCertFile, KeyFile: cfg.Server.TLSKeyFile},
		PublicDir: cfg.Paths.PublicDir,
		VideosDir: cfg.Paths.VideosDir,
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		logger.Error("initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("watch party server listening",
		"addr", cfg.Server.Bind,
		"videos_dir", cfg.Paths.VideosDir,
		"raw_dir", cfg.Paths.RawDir,
		"archive_driver", cfg.Archive.Driver)

	err = serverutil.Run(ctx, serverutil.Config{
		Server: srv.HTTPServer(),
		TLS: serverutil.TLSConfig{
			CertFile: cfg.Server.TLSCertFile,
			KeyFile:  cfg.Server.TLSKeyFile,
		},
		ShutdownTimeout: 10 * time.Second,
	})
	if err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func configureArchiveQueue(cfg config.Archive, logger *slog.Logger) (room.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "redis":
		return room.NewRedisQueue(room.RedisQueueConfig{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUser,
			Password: cfg.RedisPass,
			Stream:   cfg.RedisStream,
			Group:    cfg.RedisGroup,
			Logger:   logging.WithComponent(logger, "archive-queue"),
		})
	case "", "memory":
		return room.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported archive driver %q", cfg.Driver)
	}
}

// override applies flag and environment values over the configured one, in
// that order of precedence.
func override(target *string, flagValue, envKey string) {
	if value := firstNonEmpty(flagValue, os.Getenv(envKey)); value != "" {
		*target = value
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
