// Package logging builds the zap logger shared by the relay. Output always
// goes to stdout; when a file is configured a second JSON core writes to a
// size-rotated file.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation settings for the file sink
const (
	fileMaxSizeMB  = 10
	fileMaxBackups = 2
	fileMaxAgeDays = 3
)

// Options configures New
type Options struct {
	Level string // debug, info, warn, error
	File  string // empty disables the file sink
}

// New returns a production zap logger writing JSON to stdout and, if
// opts.File is set, to a lumberjack-rotated file.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("parsing log level %q: %w", opts.Level, err)
		}
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.Lock(os.Stdout), level),
	}

	if opts.File != "" {
		hook := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    fileMaxSizeMB,
			MaxBackups: fileMaxBackups,
			MaxAge:     fileMaxAgeDays,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(hook), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}
