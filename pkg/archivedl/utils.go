// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package archivedl

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
)

// pathEscapeSegments path-escapes each "/"-separated segment of p without
// escaping the separators themselves.
func pathEscapeSegments(p string) string {
	segs := strings.Split(p, "/")
	for i := range segs {
		segs[i] = url.PathEscape(segs[i])
	}
	return strings.Join(segs, "/")
}

// speedTracker computes an instantaneous bytes/s figure over a sliding
// window using an exponentially weighted moving average, fed by periodic
// byte-count samples from one or more progressReaders.
type speedTracker struct {
	mu       sync.Mutex
	avg      ewma.MovingAverage
	window   time.Duration
	lastTick time.Time
	pending  int64
}

func newSpeedTracker() *speedTracker {
	return &speedTracker{
		avg:      ewma.NewMovingAverage(),
		window:   time.Second,
		lastTick: time.Now(),
	}
}

// addBytes records n bytes just transferred.
func (s *speedTracker) addBytes(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending += n
	elapsed := time.Since(s.lastTick)
	if elapsed >= s.window {
		rate := float64(s.pending) / elapsed.Seconds()
		s.avg.Add(rate)
		s.pending = 0
		s.lastTick = time.Now()
	}
}

// value returns the current smoothed bytes/s estimate.
func (s *speedTracker) value() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avg.Value()
}

// estimateETA renders a human string for remaining work at the given speed.
func estimateETA(remaining int64, bytesPerSecond float64) string {
	if bytesPerSecond <= 0 || remaining <= 0 {
		return "unknown"
	}
	secs := float64(remaining) / bytesPerSecond
	d := time.Duration(secs * float64(time.Second))
	return d.Round(time.Second).String()
}
