// Package logging is the ambient structured-logging layer every
// package in this repo logs through. It is a thin
// wrapper over github.com/charmbracelet/log giving every component
// leveled, key-value logging without re-deriving a color scheme.
package logging

import (
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// suppressWindow bounds how often a repeating warning (e.g. a bounded
// buffer staying full) is allowed to log.
const suppressWindow = time.Second

// New builds the module's root logger. name identifies the module in
// every emitted record (e.g. the module_id).
func New(name string) *log.Logger {
	var l = log.NewWithOptions(os.Stderr, log.Options{ //nolint:exhaustruct
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          name,
	})

	return l
}

// RateLimiter suppresses repeated warnings for the same key within
// suppressWindow, so a stuck condition (e.g. a full consumer buffer)
// logs once per window instead of once per datagram.
type RateLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewRateLimiter constructs a RateLimiter keyed by caller-chosen strings
// (typically an io_id).
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{last: map[string]time.Time{}, now: time.Now}
}

// Allow reports whether a log line for key may be emitted now, and
// records that it was.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var now = r.now()

	var prev, seen = r.last[key]
	if seen && now.Sub(prev) < suppressWindow {
		return false
	}

	r.last[key] = now

	return true
}
