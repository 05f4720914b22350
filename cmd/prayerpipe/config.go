package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/PrayerPipe/internal/util"
)

// Default configuration constants.
const (
	DefaultStateDir      = "/var/lib/prayerpipe"
	DefaultDBFileName    = "prayerpipe.db"
	DefaultAPIAddr       = ":8080"
	DefaultLogLevel      = "info"
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 3 * time.Second
)

// Config holds environment configuration.
type Config struct {
	StateDir       string
	DatabaseURL    string
	OpenAIKey      string
	APIAddr        string
	FlowFile       string
	LogLevel       string
	CrashDetection bool
	GenAIDebug     bool
	ProbeInterval  time.Duration
}

// LocalDBPath is the SQLite file of the local store.
func (c Config) LocalDBPath() string {
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

// loadDotEnv loads a .env file from the working directory when present.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("loadDotEnv: no .env file loaded", "error", err)
	}
}

// loadEnvironmentConfig reads configuration from the environment.
func loadEnvironmentConfig() Config {
	cfg := Config{
		StateDir:       util.EnvOr("PRAYERPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		APIAddr:        util.EnvOr("API_ADDR", DefaultAPIAddr),
		FlowFile:       os.Getenv("PRAYERPIPE_FLOW_FILE"),
		LogLevel:       util.EnvOr("PRAYERPIPE_LOG_LEVEL", DefaultLogLevel),
		CrashDetection: util.ParseBoolEnv("PRAYERPIPE_CRASH_DETECTION", true),
		GenAIDebug:     util.ParseBoolEnv("PRAYERPIPE_GENAI_DEBUG", false),
		ProbeInterval:  util.ParseDurationEnv("PRAYERPIPE_PROBE_INTERVAL", DefaultProbeInterval),
	}
	slog.Debug("environment variables loaded",
		"PRAYERPIPE_STATE_DIR", cfg.StateDir,
		"DATABASE_URL_SET", cfg.DatabaseURL != "",
		"OPENAI_API_KEY_SET", cfg.OpenAIKey != "",
		"API_ADDR", cfg.APIAddr,
		"PRAYERPIPE_FLOW_FILE", cfg.FlowFile,
		"PRAYERPIPE_CRASH_DETECTION", cfg.CrashDetection,
		"PRAYERPIPE_PROBE_INTERVAL", cfg.ProbeInterval)
	return cfg
}

// parseLogLevel maps debug/info/warn/error to a slog level.
func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: must be debug, info, warn or error", s)
	}
}

// initializeLogger installs a text handler on w as the default logger.
func initializeLogger(w io.Writer, level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// envLogLevel returns PRAYERPIPE_LOG_LEVEL or the default level.
func envLogLevel() string {
	return util.EnvOr("PRAYERPIPE_LOG_LEVEL", DefaultLogLevel)
}
