/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging holds the logr/zap setup shared by authctl and authagent.
package logging

import (
	"context"

	"github.com/go-logr/logr"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Verbosity levels passed to logger.V. The -v flag selects the highest level
// that is emitted.
const (
	DEFAULT = 2
	VERBOSE = 3
	DEBUG   = 4
	TRACE   = 5
)

// level is installed once by InitSetupLogging and adjusted in place afterwards,
// since the controller-runtime logger delegation can only be fulfilled once.
var level = uberzap.NewAtomicLevelAt(zapcore.InfoLevel)

// LevelForVerbosity maps a logr verbosity (the -v flag) to the zap level that
// enables it. Negative values are treated as zero.
func LevelForVerbosity(v int) zapcore.Level {
	if v < 0 {
		v = 0
	}
	if v > 127 {
		v = 127
	}
	return zapcore.Level(-int8(v))
}

// InitSetupLogging installs the process logger before flags are parsed.
func InitSetupLogging() {
	ctrl.SetLogger(zap.New(zap.Level(level), zap.RawZapOpts(uberzap.AddCaller())))
}

// InitLogging applies the level from the parsed zap options to the logger
// installed by InitSetupLogging. Other options are ignored.
func InitLogging(opts *zap.Options) {
	switch lvl := opts.Level.(type) {
	case uberzap.AtomicLevel:
		level.SetLevel(lvl.Level())
	case zapcore.Level:
		level.SetLevel(lvl)
	}
}

// NewTestLogger returns a development logger that emits every level up to TRACE.
func NewTestLogger() logr.Logger {
	return zap.New(
		zap.UseDevMode(true),
		zap.Level(LevelForVerbosity(TRACE)),
		zap.RawZapOpts(uberzap.AddCaller()),
	)
}

// NewTestLoggerIntoContext returns ctx carrying NewTestLogger.
func NewTestLoggerIntoContext(ctx context.Context) context.Context {
	return log.IntoContext(ctx, NewTestLogger())
}
