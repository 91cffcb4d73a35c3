// Package telemetry provides the structured logging the rest of the module
// emits through. It owns no sink: callers choose OutputPaths (stdout,
// stderr, a file) and this package only shapes records consistently
// (SPEC_FULL §1 — the core emits log records and metric observations, it
// does not own where they go).
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level            string
	Format           string
	OutputPaths      []string
	ErrorOutputPaths []string
	EnableCaller     bool
	EnableStacktrace bool
	ReplicaID        string
	Environment      string
}

// DefaultLogConfig returns default logging configuration for a replica
// identified by replicaID (typically its device ID, hex-encoded).
func DefaultLogConfig(replicaID string) *LogConfig {
	return &LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EnableCaller:     true,
		EnableStacktrace: true,
		ReplicaID:        replicaID,
		Environment:      "development",
	}
}

// NewLogger creates a structured logger carrying the replica's identity as
// an initial field on every record.
func NewLogger(cfg *LogConfig) (*zap.Logger, error) {
	if cfg == nil {
		cfg = DefaultLogConfig("unknown")
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeDuration = zapcore.SecondsDurationEncoder
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Environment == "development",
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: cfg.ErrorOutputPaths,
		InitialFields: map[string]interface{}{
			"replica_id":  cfg.ReplicaID,
			"environment": cfg.Environment,
		},
	}

	return zapConfig.Build()
}

// WithTraceContext adds trace correlation fields to logger when ctx carries
// a recording span.
func WithTraceContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return logger
	}
	spanCtx := span.SpanContext()
	return logger.With(
		zap.String("trace_id", spanCtx.TraceID().String()),
		zap.String("span_id", spanCtx.SpanID().String()),
		zap.Bool("trace_sampled", spanCtx.IsSampled()),
	)
}

// Field constructors for the values sync operations log repeatedly.
var (
	DeviceID    = func(id string) zap.Field { return zap.String("device_id", id) }
	PeerID      = func(id string) zap.Field { return zap.String("peer_id", id) }
	TableName   = func(name string) zap.Field { return zap.String("table_name", name) }
	OpType      = func(opType string) zap.Field { return zap.String("op_type", opType) }
	BundleID    = func(id string) zap.Field { return zap.String("bundle_id", id) }
	ConflictID  = func(id string) zap.Field { return zap.String("conflict_id", id) }
	Operation   = func(op string) zap.Field { return zap.String("operation", op) }
	Status      = func(status string) zap.Field { return zap.String("status", status) }
	DurationMS  = func(ms int64) zap.Field { return zap.Int64("duration_ms", ms) }
	SizeBytes   = func(bytes int64) zap.Field { return zap.Int64("size_bytes", bytes) }
	Count       = func(count int) zap.Field { return zap.Int("count", count) }
	SchemaVer   = func(v int) zap.Field { return zap.Int("schema_version", v) }
)

// DebugCtx logs a debug message with trace context attached.
func DebugCtx(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	WithTraceContext(ctx, logger).Debug(msg, fields...)
}

// InfoCtx logs an info message with trace context attached.
func InfoCtx(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	WithTraceContext(ctx, logger).Info(msg, fields...)
}

// WarnCtx logs a warning message with trace context attached.
func WarnCtx(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	WithTraceContext(ctx, logger).Warn(msg, fields...)
}

// ErrorCtx logs an error message with trace context attached.
func ErrorCtx(ctx context.Context, logger *zap.Logger, msg string, fields ...zap.Field) {
	WithTraceContext(ctx, logger).Error(msg, fields...)
}
