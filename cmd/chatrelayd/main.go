package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/pkg/auth"
	"github.com/chatrelay/chatrelay/pkg/bus"
	"github.com/chatrelay/chatrelay/pkg/queue"
	"github.com/chatrelay/chatrelay/pkg/server"
	"github.com/chatrelay/chatrelay/pkg/store"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "~/.chatrelay/config.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	pretty := flag.Bool("pretty", false, "Human-readable log output instead of JSON")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("chatrelayd %s\n", Version)
		os.Exit(0)
	}

	var logOut = os.Stderr
	log := zerolog.New(logOut).With().Timestamp().Logger()
	if *pretty {
		log = log.Output(zerolog.ConsoleWriter{Out: logOut, TimeFormat: time.StampMicro})
	}
	if *debug {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *port != 0 {
		config.Server.TCPPort = *port
	}

	ctx := context.Background()

	historyStore, err := openStore(config, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open history store")
	}
	defer historyStore.Close()

	messageBus, err := openBus(ctx, config, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect bus")
	}
	defer messageBus.Close()

	workQueue, err := openQueue(config, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect queues")
	}

	authenticator, err := buildAuthenticator(config, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build authenticator")
	}

	srv := server.NewServer(config.ToServerConfig(), server.Deps{
		Store:   historyStore,
		Bus:     messageBus,
		Queue:   workQueue,
		Auth:    authenticator,
		Logger:  log,
		Metrics: server.NewMetrics(prometheus.DefaultRegisterer),
	})

	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}
	log.Info().Str("version", Version).Int("tcp_port", config.Server.TCPPort).Msg("chatrelayd started")

	var metricsServer *http.Server
	if config.Server.MetricsPort > 0 {
		metricsServer = startMetrics(config.Server.MetricsPort, log)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	if err := srv.Stop(); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

func openStore(config server.TOMLConfig, log zerolog.Logger) (store.HistoryStore, error) {
	switch config.Store.Backend {
	case "sqlite", "":
		path, err := server.ExpandPath(config.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		log.Info().Str("path", path).Msg("using sqlite history store")
		return store.OpenSQLite(path)
	case "dynamo":
		log.Info().Str("region", config.Store.DynamoRegion).Str("prefix", config.Store.DynamoPrefix).
			Msg("using dynamodb history store")
		return store.NewDynamoStore(config.Store.DynamoRegion, config.Store.DynamoPrefix)
	case "memory":
		log.Warn().Msg("using in-memory history store; nothing survives a restart")
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", config.Store.Backend)
	}
}

func openBus(ctx context.Context, config server.TOMLConfig, log zerolog.Logger) (bus.Bus, error) {
	if len(config.Redis.Addrs) == 0 {
		log.Warn().Msg("no redis configured; using in-process bus (single instance only)")
		return bus.NewMemoryBus(), nil
	}
	log.Info().Strs("addrs", config.Redis.Addrs).Msg("using redis bus")
	return bus.NewRedisBus(ctx, bus.RedisConfig{
		Addrs:      config.Redis.Addrs,
		MasterName: config.Redis.MasterName,
		Username:   config.Redis.Username,
		Password:   config.Redis.Password,
		DB:         config.Redis.DB,
	})
}

func openQueue(config server.TOMLConfig, log zerolog.Logger) (queue.Queue, error) {
	if config.Queues.NotificationQueue == "" && config.Queues.AuditQueue == "" {
		log.Warn().Msg("no queues configured; notification and audit payloads are discarded")
		return queue.NewMemoryQueue(), nil
	}
	log.Info().Str("region", config.Queues.Region).Msg("using sqs queues")
	return queue.NewSQSQueue(config.Queues.Region)
}

func buildAuthenticator(config server.TOMLConfig, log zerolog.Logger) (auth.Authenticator, error) {
	switch config.Auth.Mode {
	case "token":
		if len(config.Auth.Tokens) == 0 {
			return nil, fmt.Errorf("auth mode is token but no tokens are configured")
		}
		return auth.NewTokenAuthenticator(config.Auth.Tokens), nil
	case "insecure", "":
		log.Warn().Msg("insecure auth mode: clients are trusted to declare their own user_id")
		return auth.InsecureAuthenticator{}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", config.Auth.Mode)
	}
}

func startMetrics(port int, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		log.Info().Int("port", port).Msg("metrics listener started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	return srv
}
