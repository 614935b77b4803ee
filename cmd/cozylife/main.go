package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/soulripper13/cozylife-local/internal/hub"
	"github.com/soulripper13/cozylife-local/internal/scanner"
	"github.com/soulripper13/cozylife-local/internal/session"
	"github.com/soulripper13/cozylife-local/internal/store"
	"github.com/soulripper13/cozylife-local/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type DeviceConfig struct {
	IP             string `yaml:"ip"`
	Name           string `yaml:"name"`
	GangCount      int    `yaml:"gang_count"`
	SkipValidation bool   `yaml:"skip_validation"`
	DeviceID       string `yaml:"device_id"`   // required with skip_validation
	ProductID      string `yaml:"product_id"`  // optional assumed identity
	DeviceType     string `yaml:"device_type"` // "00", "01" or "02"
	DPIDs          []int  `yaml:"dpids"`
}

type Config struct {
	Devices []DeviceConfig `yaml:"devices"`
	Hub     struct {
		DefaultGangCount  int    `yaml:"default_gang_count"`
		ConnectTimeout    string `yaml:"connect_timeout"`
		RequestTimeout    string `yaml:"request_timeout"`
		KeepaliveInterval string `yaml:"keepalive_interval"`
		PollInterval      string `yaml:"poll_interval"`
	} `yaml:"hub"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	for i, dev := range c.Devices {
		if dev.IP == "" {
			return fmt.Errorf("devices[%d]: ip is required", i)
		}
		if dev.SkipValidation && dev.DeviceID == "" {
			return fmt.Errorf("devices[%d]: skip_validation requires device_id", i)
		}
		if dev.GangCount < 0 {
			return fmt.Errorf("devices[%d]: gang_count must not be negative", i)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	for _, field := range []struct{ name, value string }{
		{"hub.connect_timeout", c.Hub.ConnectTimeout},
		{"hub.request_timeout", c.Hub.RequestTimeout},
		{"hub.keepalive_interval", c.Hub.KeepaliveInterval},
		{"hub.poll_interval", c.Hub.PollInterval},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("cozylife-local starting", "version", version)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	events := hub.NewEventBus(logger)
	h := hub.New(db, events, hubConfig(cfg), logger)
	if err := h.Start(); err != nil {
		logger.Error("start hub", "err", err)
		os.Exit(1)
	}

	// Adopt devices declared in config that the store does not know yet.
	go adoptConfigured(h, db, cfg, logger)

	// Start automation engine (no-op when built with no_automation tag).
	auto := initAutomation(h, cfg, logger)

	// Start web server
	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithScanner(&scanner.Scanner{Logger: logger}),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}

	webServer := web.NewServer(h, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(h, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	h.Stop()

	logger.Info("goodbye")
}

// adoptConfigured registers config-file devices that are not in the store.
// Probing happens over the LAN, so failures are logged and retried on the
// next restart rather than blocking startup.
func adoptConfigured(h *hub.Hub, db store.Store, cfg *Config, logger *slog.Logger) {
	known, err := db.ListDevices()
	if err != nil {
		logger.Error("list stored devices", "err", err)
		return
	}
	knownIPs := make(map[string]bool, len(known))
	for _, dev := range known {
		knownIPs[dev.IP] = true
	}

	for _, dc := range cfg.Devices {
		if knownIPs[dc.IP] {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		_, err := h.AddDevice(ctx, dc.IP, hub.AddOptions{
			FriendlyName:   dc.Name,
			GangCount:      dc.GangCount,
			SkipValidation: dc.SkipValidation,
			AssumedIdentity: session.Identity{
				DeviceID:   dc.DeviceID,
				ProductID:  dc.ProductID,
				DeviceType: dc.DeviceType,
			},
			AssumedDPIDs: dc.DPIDs,
		})
		cancel()
		if err != nil {
			logger.Error("adopt configured device", "ip", dc.IP, "err", err)
			continue
		}
		logger.Info("adopted configured device", "ip", dc.IP, "name", dc.Name)
	}
}

func hubConfig(cfg *Config) hub.Config {
	return hub.Config{
		ConnectTimeout:    parseDuration(cfg.Hub.ConnectTimeout),
		RequestTimeout:    parseDuration(cfg.Hub.RequestTimeout),
		KeepaliveInterval: parseDuration(cfg.Hub.KeepaliveInterval),
		PollInterval:      parseDuration(cfg.Hub.PollInterval),
		DefaultGangCount:  cfg.Hub.DefaultGangCount,
	}
}

// parseDuration returns zero (meaning "use the default") for empty strings.
// validate() has already rejected malformed values.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, _ := time.ParseDuration(s)
	return d
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "cozylife.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "cozylife"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
