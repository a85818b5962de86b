// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ipc

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the logger described by c: JSON in production, colored
// console output with stack traces in development.
func NewLogger(c LogConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if c.Level != "" {
		if err := level.UnmarshalText([]byte(c.Level)); err != nil {
			return nil, invalid("log level %q", c.Level)
		}
	}
	enc := zap.NewProductionEncoderConfig()
	encoding := "json"
	if c.Development {
		enc = zap.NewDevelopmentEncoderConfig()
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoding = "console"
	}
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	zc := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       c.Development,
		Encoding:          encoding,
		EncoderConfig:     enc,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: !c.Development,
	}
	return zc.Build()
}
