// Copyright 2022 The gVisor Authors.
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
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitedLogger passes at most one message per interval to the
// underlying Logger. Messages over the limit are counted, and the count is
// appended to the next message that gets through.
type RateLimitedLogger struct {
	next    Logger
	limit   *rate.Limiter
	dropped atomic.Uint64
}

// NewRateLimitedLogger returns a Logger that logs to next no more than once
// per the provided duration.
func NewRateLimitedLogger(next Logger, every time.Duration) *RateLimitedLogger {
	return &RateLimitedLogger{
		next:  next,
		limit: rate.NewLimiter(rate.Every(every), 1),
	}
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration.
func BasicRateLimitedLogger(every time.Duration) *RateLimitedLogger {
	return NewRateLimitedLogger(Log(), every)
}

func (l *RateLimitedLogger) logf(f func(string, ...any), format string, v []any) {
	if !l.limit.Allow() {
		l.dropped.Add(1)
		return
	}
	if n := l.dropped.Swap(0); n > 0 {
		format += " (%d more suppressed)"
		v = append(v[:len(v):len(v)], n)
	}
	f(format, v...)
}

// Debugf implements Logger.Debugf.
func (l *RateLimitedLogger) Debugf(format string, v ...any) {
	if l.next.IsLogging(Debug) {
		l.logf(l.next.Debugf, format, v)
	}
}

// Infof implements Logger.Infof.
func (l *RateLimitedLogger) Infof(format string, v ...any) {
	if l.next.IsLogging(Info) {
		l.logf(l.next.Infof, format, v)
	}
}

// Warningf implements Logger.Warningf.
func (l *RateLimitedLogger) Warningf(format string, v ...any) {
	l.logf(l.next.Warningf, format, v)
}

// IsLogging implements Logger.IsLogging.
func (l *RateLimitedLogger) IsLogging(level Level) bool {
	return l.next.IsLogging(level)
}

// Dropped returns the number of messages suppressed since the last one that
// was logged.
func (l *RateLimitedLogger) Dropped() uint64 {
	return l.dropped.Load()
}
