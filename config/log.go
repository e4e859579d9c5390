package config

import (
	"fmt"
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log configures the logger of courier tools.
type Log struct {
	Level string `toml:"level" env:"COURIER_LOG_LEVEL"`

	// File, when set, receives a copy of the log rotated by size.
	File       string `toml:"file" env:"COURIER_LOG_FILE"`
	MaxSizeMB  int    `toml:"max_size_mb" env:"COURIER_LOG_MAX_SIZE_MB"`
	MaxBackups int    `toml:"max_backups" env:"COURIER_LOG_MAX_BACKUPS"`
	MaxAgeDays int    `toml:"max_age_days" env:"COURIER_LOG_MAX_AGE_DAYS"`
}

func (l Log) validate() error {
	if _, err := zapcore.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalidConfig, err)
	}
	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		return fmt.Errorf("%w: log rotation limits must not be negative", ErrInvalidConfig)
	}
	return nil
}

// NewLogger builds a JSON logger writing to console and, when File is set,
// to a rotating file.
func (l Log) NewLogger(console io.Writer) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: log.level: %w", ErrInvalidConfig, err)
	}
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())

	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(console)), level)}
	if l.File != "" {
		w := zapcore.AddSync(&lumberjack.Logger{
			Filename:   l.File,
			MaxSize:    l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAge:     l.MaxAgeDays,
		})
		cores = append(cores, zapcore.NewCore(enc.Clone(), w, level))
	}
	return zap.New(zapcore.NewTee(cores...)), nil
}
