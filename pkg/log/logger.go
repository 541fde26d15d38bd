// Package log provides structured logging utilities for the pool services.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// Options configures a Logger. File enables a rotated log file written in
// addition to stdout.
type Options struct {
	Service    string
	Version    string
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithOptions(Options{
		Service: service,
		Version: version,
		Level:   level,
		Format:  format,
	})
}

// NewWithOptions creates a logger from Options
func NewWithOptions(o Options) *Logger {
	logLevel := ParseLevel(o.Level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var out io.Writer = os.Stdout
	if o.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    o.MaxSizeMB,
			MaxBackups: o.MaxBackups,
			MaxAge:     o.MaxAgeDays,
			Compress:   true,
		})
	}

	var handler slog.Handler
	switch strings.ToLower(o.Format) {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", o.Service,
		"version", o.Version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: o.Service,
		version: o.Version,
	}
}

// Nop returns a logger that discards everything. Used by tests and by
// components constructed without a logger.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type contextKey string

const (
	// RequestIDKey is the context key for request identifiers
	RequestIDKey contextKey = "request_id"
	// ConnectionIDKey is the context key for stratum connection identifiers
	ConnectionIDKey contextKey = "connection_id"
)

// WithContext returns a logger with fields extracted from ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		logger = logger.With(string(RequestIDKey), reqID)
	}
	if connID := ctx.Value(ConnectionIDKey); connID != nil {
		logger = logger.With(string(ConnectionIDKey), connID)
	}

	return &Logger{
		Logger:  logger,
		service: l.service,
		version: l.version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithMiner returns a logger with miner-specific fields
func (l *Logger) WithMiner(address, worker string) *Logger {
	return l.WithFields("miner_address", address, "worker_name", worker)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string, blockHeight uint64) *Logger {
	return l.WithFields("job_id", jobID, "block_height", blockHeight)
}

// WithEpoch returns a logger scoped to a dataset epoch
func (l *Logger) WithEpoch(epoch uint64) *Logger {
	return l.WithFields("epoch", epoch)
}

// WithShare returns a logger with share-specific fields
func (l *Logger) WithShare(shareID string, difficulty float64) *Logger {
	return l.WithFields("share_id", shareID, "difficulty", difficulty)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Performance logging helpers

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ms", float64(duration)/float64(time.Millisecond),
	)
}

// LogThroughput logs throughput metrics
func (l *Logger) LogThroughput(operation string, count int64, duration time.Duration) {
	l.Info("throughput metrics",
		"operation", operation,
		"count", count,
		"duration_ms", float64(duration)/float64(time.Millisecond),
		"throughput_ops_sec", float64(count)/duration.Seconds(),
	)
}

// LogDatasetProgress logs verification dataset build progress
func (l *Logger) LogDatasetProgress(epoch uint64, percent int) {
	l.Info("generating dataset",
		"epoch", epoch,
		"percent", percent,
	)
}

// Connection logging helpers

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs Stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// Mining-specific logging helpers

// LogShareSubmission logs share submissions
func (l *Logger) LogShareSubmission(minerAddr, workerName, jobID string, difficulty float64, status string) {
	l.Info("share submission",
		"miner_address", minerAddr,
		"worker_name", workerName,
		"job_id", jobID,
		"difficulty", difficulty,
		"status", status,
	)
}

// LogBlockFound logs when a block candidate is found
func (l *Logger) LogBlockFound(mixDigest string, blockHeight uint64, minerAddr, workerName string, difficulty float64) {
	l.Info("block candidate found",
		"mix_digest", mixDigest,
		"block_height", blockHeight,
		"miner_address", minerAddr,
		"worker_name", workerName,
		"difficulty", difficulty,
	)
}

// LogJobDistribution logs job distribution
func (l *Logger) LogJobDistribution(jobID string, blockHeight uint64, cleanJobs bool, minerCount int) {
	l.Info("job distributed",
		"job_id", jobID,
		"block_height", blockHeight,
		"clean_jobs", cleanJobs,
		"miner_count", minerCount,
	)
}
