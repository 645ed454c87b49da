/*
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

// Package log carries a structured logger on context.Context, the same
// shape the teacher's knative.dev/pkg/logging.WithLogger/FromContext pair
// uses, but backed directly by go-logr/zapr instead of a knative
// dependency this module has no other use for.
package log

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey struct{}

// NewZap builds the process-wide zap backend. level is parsed via
// zapcore.Level's UnmarshalText ("debug", "info", "warn", "error").
func NewZap(levelName string, development bool) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// IntoContext stores l on ctx for retrieval by FromContext.
func IntoContext(ctx context.Context, l logr.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the logger stored on ctx, or a no-op logger if none
// was ever set (mirrors the teacher's defensive fallback rather than
// panicking, since logging must never be the reason a tick fails).
func FromContext(ctx context.Context) logr.Logger {
	if l, ok := ctx.Value(contextKey{}).(logr.Logger); ok {
		return l
	}
	return logr.Discard()
}

// FromZap adapts a *zap.Logger into the logr.Logger this module threads
// through context, following the teacher's zapr.NewLogger wiring.
func FromZap(z *zap.Logger) logr.Logger {
	return zapr.NewLogger(z)
}
