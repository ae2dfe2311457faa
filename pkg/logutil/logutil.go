// Copyright 2024 Joinery Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logutil

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the global logger. Zero value logs to stderr at info level.
type Config struct {
	Level string `toml:"level"`
	// Filename enables file output with rotation when non-empty.
	Filename   string `toml:"filename"`
	MaxSizeMB  int    `toml:"max-size-mb"`
	MaxBackups int    `toml:"max-backups"`
}

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// Setup installs the global logger. Safe to call more than once.
func Setup(cfg Config) error {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return err
		}
	}

	var ws zapcore.WriteSyncer
	if cfg.Filename != "" {
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		})
	} else {
		ws, _, _ = zap.Open("stderr")
	}

	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), ws, level)

	mu.Lock()
	logger = zap.New(core)
	mu.Unlock()
	return nil
}

func getLogger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Info(msg string, fields ...zap.Field) {
	getLogger().Info(msg, fields...)
}

func Infof(msg string, args ...any) {
	getLogger().Sugar().Infof(msg, args...)
}

func Warnf(msg string, args ...any) {
	getLogger().Sugar().Warnf(msg, args...)
}

func Errorf(msg string, args ...any) {
	getLogger().Sugar().Errorf(msg, args...)
}
