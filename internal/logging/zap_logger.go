package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/core"
)

const TraceIDKey = "trace_id"

// Logger is the structured logging interface used across the module. Every
// entry carries a trace_id taken from the context or freshly generated.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...zap.Field)
	Info(ctx context.Context, msg string, fields ...zap.Field)
	Warn(ctx context.Context, msg string, fields ...zap.Field)
	Error(ctx context.Context, msg string, fields ...zap.Field)
	Fatal(ctx context.Context, msg string, fields ...zap.Field)
	With(fields ...zap.Field) Logger
	Sync() error
}

// ZapLoggerComponent wraps a zap.Logger behind the component lifecycle so it
// starts before and stops after everything that logs.
type ZapLoggerComponent struct {
	*core.BaseComponent
	config    Config
	zapLogger *zap.Logger
}

func NewZapLoggerComponent(cfg Config) *ZapLoggerComponent {
	return &ZapLoggerComponent{
		BaseComponent: core.NewBaseComponent(consts.CompLogging),
		config:        cfg.withDefaults(),
	}
}

func (lc *ZapLoggerComponent) Start(ctx context.Context) error {
	if err := lc.BaseComponent.Start(ctx); err != nil {
		return err
	}

	encoder := lc.buildEncoder()
	writeSyncer, err := lc.buildWriteSyncer()
	if err != nil {
		return fmt.Errorf("failed to create write syncer: %w", err)
	}
	level := parseLevel(lc.config.Level)

	zc := zapcore.NewCore(encoder, writeSyncer, level)
	lc.zapLogger = zap.New(zc, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	SetGlobalLogger(lc)

	lc.zapLogger.Info("logger component started",
		zap.String("level", lc.config.Level),
		zap.String("encoding", lc.config.Encoding),
	)
	return nil
}

func (lc *ZapLoggerComponent) Stop(ctx context.Context) error {
	if lc.zapLogger != nil {
		lc.zapLogger.Info("logger component stopping")
		_ = lc.zapLogger.Sync()
	}
	return lc.BaseComponent.Stop(ctx)
}

func (lc *ZapLoggerComponent) HealthCheck() error {
	if err := lc.BaseComponent.HealthCheck(); err != nil {
		return err
	}
	if lc.zapLogger == nil {
		return fmt.Errorf("zap logger is not initialized")
	}
	return nil
}

func (lc *ZapLoggerComponent) buildEncoder() zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if lc.config.Encoding == "json" {
		return zapcore.NewJSONEncoder(encoderConfig)
	}
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func (lc *ZapLoggerComponent) buildWriteSyncer() (zapcore.WriteSyncer, error) {
	var syncers []zapcore.WriteSyncer
	if lc.config.Console || lc.config.Dir == "" {
		syncers = append(syncers, zapcore.AddSync(os.Stdout))
	}
	if lc.config.Dir != "" {
		if err := os.MkdirAll(lc.config.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		lumber := &lumberjack.Logger{
			Filename:   filepath.Join(lc.config.Dir, lc.config.Filename+".log"),
			MaxSize:    lc.config.MaxSizeMB,
			MaxAge:     lc.config.MaxAgeDays,
			MaxBackups: lc.config.MaxBackups,
			Compress:   lc.config.Compress,
			LocalTime:  true,
		}
		syncers = append(syncers, zapcore.AddSync(lumber))
	}
	return zapcore.NewMultiWriteSyncer(syncers...), nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "INFO":
		return zapcore.InfoLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	case "FATAL":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func (lc *ZapLoggerComponent) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	lc.logWithContext(ctx, zapcore.DebugLevel, msg, fields...)
}

func (lc *ZapLoggerComponent) Info(ctx context.Context, msg string, fields ...zap.Field) {
	lc.logWithContext(ctx, zapcore.InfoLevel, msg, fields...)
}

func (lc *ZapLoggerComponent) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	lc.logWithContext(ctx, zapcore.WarnLevel, msg, fields...)
}

func (lc *ZapLoggerComponent) Error(ctx context.Context, msg string, fields ...zap.Field) {
	lc.logWithContext(ctx, zapcore.ErrorLevel, msg, fields...)
}

func (lc *ZapLoggerComponent) Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	lc.logWithContext(ctx, zapcore.FatalLevel, msg, fields...)
	os.Exit(1)
}

func (lc *ZapLoggerComponent) With(fields ...zap.Field) Logger {
	return &ZapLoggerComponent{
		BaseComponent: lc.BaseComponent,
		config:        lc.config,
		zapLogger:     lc.zapLogger.With(fields...),
	}
}

func (lc *ZapLoggerComponent) Sync() error {
	if lc.zapLogger != nil {
		return lc.zapLogger.Sync()
	}
	return nil
}

func (lc *ZapLoggerComponent) logWithContext(ctx context.Context, level zapcore.Level, msg string, fields ...zap.Field) {
	if lc.zapLogger == nil {
		return
	}
	traceID := traceIDFrom(ctx)
	allFields := append([]zap.Field{zap.String(TraceIDKey, traceID)}, fields...)

	switch level {
	case zapcore.DebugLevel:
		lc.zapLogger.Debug(msg, allFields...)
	case zapcore.InfoLevel:
		lc.zapLogger.Info(msg, allFields...)
	case zapcore.WarnLevel:
		lc.zapLogger.Warn(msg, allFields...)
	case zapcore.ErrorLevel:
		lc.zapLogger.Error(msg, allFields...)
	case zapcore.FatalLevel:
		lc.zapLogger.Fatal(msg, allFields...)
	}
}

func traceIDFrom(ctx context.Context) string {
	if ctx != nil {
		if v := ctx.Value(TraceIDKey); v != nil {
			if id, ok := v.(string); ok && id != "" {
				return id
			}
		}
	}
	return uuid.New().String()
}

// GetZapLogger exposes the raw zap.Logger for libraries that need one.
func (lc *ZapLoggerComponent) GetZapLogger() *zap.Logger {
	return lc.zapLogger
}
