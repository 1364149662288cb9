package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	defaultListenAddr    = ":8080"
	defaultDBPath        = "pipelined.db"
	defaultArtifactDir   = "artifacts"
	defaultStageFile     = "stages.yaml"
	defaultScratchRoot   = "/tmp/pipelined"
	defaultReaperSpec    = "@every 1m"
	defaultQueueWorkers  = 4
	defaultQueueCapacity = 64

	envListenAddr    = "PIPELINED_LISTEN_ADDR"
	envDBPath        = "PIPELINED_DB_PATH"
	envArtifactDir   = "PIPELINED_ARTIFACT_DIR"
	envStageFile     = "PIPELINED_STAGE_FILE"
	envRemoteBaseURL = "PIPELINED_REMOTE_BASE_URL"
	envScratchRoot   = "PIPELINED_SCRATCH_ROOT"
	envReaperSpec    = "PIPELINED_REAPER_SCHEDULE"
	envLogLevel      = "PIPELINED_LOG_LEVEL"
)

// Config holds application configuration loaded from environment variables.
// Stage definitions are loaded separately from the YAML file at StageFile.
type Config struct {
	ListenAddr    string
	DBPath        string
	ArtifactDir   string
	StageFile     string
	RemoteBaseURL string
	ScratchRoot   string
	ReaperSpec    string
	QueueWorkers  int
	QueueCapacity int
	LogLevel      slog.Level
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:    defaultListenAddr,
		DBPath:        defaultDBPath,
		ArtifactDir:   defaultArtifactDir,
		StageFile:     defaultStageFile,
		ScratchRoot:   defaultScratchRoot,
		ReaperSpec:    defaultReaperSpec,
		QueueWorkers:  defaultQueueWorkers,
		QueueCapacity: defaultQueueCapacity,
		LogLevel:      slog.LevelInfo,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envArtifactDir); v != "" {
		cfg.ArtifactDir = v
	}
	if v := os.Getenv(envStageFile); v != "" {
		cfg.StageFile = v
	}
	if v := os.Getenv(envRemoteBaseURL); v != "" {
		cfg.RemoteBaseURL = v
	}
	if v := os.Getenv(envScratchRoot); v != "" {
		cfg.ScratchRoot = v
	}
	if v := os.Getenv(envReaperSpec); v != "" {
		cfg.ReaperSpec = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
