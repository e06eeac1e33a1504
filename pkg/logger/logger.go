// Package logger builds the zap logger shared by the pagestore binaries.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and destination of the node log.
type Config struct {
	// Level is one of debug, info, warn, error. Unknown values mean info.
	Level string `yaml:"level"`
	// Format is "json" (default) or "console".
	Format string `yaml:"format"`
	// OutputFile is a path, or "stdout" (default) or "stderr".
	OutputFile string `yaml:"output_file"`
	// Component is added as a "component" field when set.
	Component string `yaml:"component"`
}

// New builds a logger tagged with service=pagestore. Errors carry a stack
// trace.
func New(config Config) (*zap.Logger, error) {
	sink, err := openSink(config.OutputFile)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(newEncoder(config.Format), sink, parseLevel(config.Level))

	fields := []zap.Field{zap.String("service", "pagestore")}
	if config.Component != "" {
		fields = append(fields, zap.String("component", config.Component))
	}
	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(fields...),
	), nil
}

func parseLevel(s string) zap.AtomicLevel {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if s != "" {
		// keeps info on failure
		_ = level.UnmarshalText([]byte(strings.ToLower(s)))
	}
	return level
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

func openSink(output string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", output, err)
	}
	return zapcore.AddSync(f), nil
}
