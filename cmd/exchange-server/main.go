// Command exchange-server spawns a local HTTP exchange: a standalone
// process hosting a mailbox backend behind the HTTP wire protocol, for
// clients that don't want to embed the exchange in-process. Grounded on
// cmd/main/main.go's signal-driven graceful shutdown shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fluxorio/exchange/pkg/config"
	"github.com/fluxorio/exchange/pkg/exchange/httpx"
	"github.com/fluxorio/exchange/pkg/logging"
	"github.com/fluxorio/exchange/pkg/mailbox"
	"github.com/fluxorio/exchange/pkg/mailbox/redisbackend"
)

// serverConfig is the CLI configuration surface: host, port, log level, and
// the startup timeout bounding how long the listener has to come up. It
// doubles as the target struct for an optional YAML config file (loaded
// via pkg/config, with EXCHANGE_-prefixed environment overrides applied on
// top), layered beneath explicit command-line flags.
type serverConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	LogLevel       string        `yaml:"log_level"`
	LogJSON        bool          `yaml:"log_json"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	RedisURL       string        `yaml:"redis_url"`
	RedisNamespace string        `yaml:"redis_namespace"`
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		Host:           "0.0.0.0",
		Port:           8700,
		LogLevel:       "INFO",
		StartupTimeout: 10 * time.Second,
		RedisNamespace: "exchange",
	}
}

// configFilePath extracts -config from args without triggering flag's usage
// output for the rest of the flag set, since the config file (if any) must
// be loaded before the full flag set's defaults are established.
func configFilePath(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name != "config" || !strings.HasPrefix(arg, "-") {
			continue
		}
		if hasValue || i+1 >= len(args) {
			return value
		}
		return args[i+1]
	}
	return ""
}

func parseFlags(args []string) (serverConfig, error) {
	cfg := defaultServerConfig()

	if path := configFilePath(args); path != "" {
		if err := config.LoadWithEnv(path, "EXCHANGE", &cfg); err != nil {
			err = fmt.Errorf("load config file %s: %w", path, err)
			fmt.Fprintln(os.Stderr, err)
			return serverConfig{}, err
		}
	}

	fs := flag.NewFlagSet("exchange-server", flag.ContinueOnError)
	fs.String("config", "", "path to an optional YAML config file (EXCHANGE_* environment variables override it)")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "address to bind the HTTP exchange server to")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "port to bind the HTTP exchange server to")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "minimum log level (DEBUG, INFO, WARN, ERROR)")
	fs.BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "emit structured JSON log lines instead of plain text")
	fs.DurationVar(&cfg.StartupTimeout, "startup-timeout", cfg.StartupTimeout, "how long the listener has to come up before main exits with an error")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis connection URL for a shared mailbox backend; empty uses an in-process backend")
	fs.StringVar(&cfg.RedisNamespace, "redis-namespace", cfg.RedisNamespace, "key namespace prefix when -redis-url is set")
	if err := fs.Parse(args); err != nil {
		return serverConfig{}, err
	}
	return cfg, nil
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(1) // parseFlags or the flag package already printed the error
	}

	logger := logging.New(logging.Config{JSONOutput: cfg.LogJSON, Level: cfg.LogLevel})

	if err := run(cfg, logger); err != nil {
		logger.Errorf("exchange-server: %v", err)
		os.Exit(1)
	}
}

func run(cfg serverConfig, logger logging.Logger) error {
	backend, closeBackend, err := newBackend(cfg)
	if err != nil {
		return fmt.Errorf("construct mailbox backend: %w", err)
	}
	defer closeBackend()

	server := httpx.NewServer(backend, httpx.ServerConfig{
		Addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Logger: logger,
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-time.After(cfg.StartupTimeout):
		logger.Infof("exchange-server listening on %s:%d", cfg.Host, cfg.Port)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("exchange-server: shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("exchange-server: stopped")
	return nil
}

// newBackend builds either a Redis-backed or in-process mailbox backend,
// depending on whether -redis-url was given, along with a cleanup func.
func newBackend(cfg serverConfig) (mailbox.Backend, func(), error) {
	if cfg.RedisURL == "" {
		backend := mailbox.NewInProcess(mailbox.DefaultInProcessConfig())
		return backend, func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	backend := redisbackend.New(rdb, redisbackend.DefaultConfig(cfg.RedisNamespace))
	return backend, func() { _ = rdb.Close() }, nil
}
