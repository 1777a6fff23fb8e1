// Licensed to the Apache Software Foundation (ASF) under one or more
// contributor license agreements.  See the NOTICE file distributed with
// this work for additional information regarding copyright ownership.
// The ASF licenses this file to You under the Apache License, Version 2.0
// (the "License"); you may not use this file except in compliance with
// the License.  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logx routes Beam SDK logging through zap.
package logx

import (
	"context"

	"github.com/apache/beam/sdks/v2/go/pkg/beam/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger implements log.Logger on top of a zap logger.
type Logger struct {
	l *zap.Logger
}

// New wraps l.
func New(l *zap.Logger) *Logger {
	return &Logger{l: l}
}

// Log writes msg at the zap level matching sev. Fatal messages are logged at
// error level; the SDK exits by itself after logging them.
func (z *Logger) Log(ctx context.Context, sev log.Severity, calldepth int, msg string) {
	l := z.l.WithOptions(zap.AddCallerSkip(calldepth))
	if ce := l.Check(Level(sev), msg); ce != nil {
		ce.Write()
	}
}

// Level maps a Beam severity to a zap level.
func Level(sev log.Severity) zapcore.Level {
	switch sev {
	case log.SevDebug:
		return zapcore.DebugLevel
	case log.SevWarn:
		return zapcore.WarnLevel
	case log.SevError, log.SevFatal:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Install builds a console logger and makes it the SDK logger. Debug messages
// are only written when verbose is set.
func Install(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	log.SetLogger(New(l))
	return l, nil
}
