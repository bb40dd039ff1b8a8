// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type rateLimitedLogger struct {
	logger Logger
	limit  *rate.Limiter
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.Debugf(format, v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.Infof(format, v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.Warningf(format, v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}

// KeyedRateLimitedLogger hands out one rate-limited Logger per key, so that a
// noisy key cannot starve the others. Loggers are created on first use and
// never released; keys should come from a small closed set.
type KeyedRateLimitedLogger struct {
	logger Logger
	every  time.Duration

	// loggers maps a uint64 key to a Logger.
	loggers sync.Map
}

// NewKeyedRateLimitedLogger returns a KeyedRateLimitedLogger that logs to
// logger no more than once per every for each key.
func NewKeyedRateLimitedLogger(logger Logger, every time.Duration) *KeyedRateLimitedLogger {
	return &KeyedRateLimitedLogger{logger: logger, every: every}
}

// For returns the Logger for key.
func (k *KeyedRateLimitedLogger) For(key uint64) Logger {
	if l, ok := k.loggers.Load(key); ok {
		return l.(Logger)
	}
	l, _ := k.loggers.LoadOrStore(key, RateLimitedLogger(k.logger, k.every))
	return l.(Logger)
}
