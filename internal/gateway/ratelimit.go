package gateway

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow admits at most limit calls per rolling window. Callers
// over the ceiling block in Wait until the oldest admission ages out,
// so bursts queue instead of firing and drawing a hard throttle from
// the broker.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time // Admission times still inside the window, oldest first
}

// NewSlidingWindow creates a limiter admitting limit calls per window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &SlidingWindow{
		limit:  limit,
		window: window,
		stamps: make([]time.Time, 0, limit),
	}
}

// Wait blocks until a slot is free or ctx ends, then records the
// admission. Returns ctx.Err() when the context wins.
func (s *SlidingWindow) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		now := time.Now()
		cut := 0
		for cut < len(s.stamps) && now.Sub(s.stamps[cut]) >= s.window {
			cut++
		}
		s.stamps = s.stamps[cut:]

		if len(s.stamps) < s.limit {
			s.stamps = append(s.stamps, now)
			s.mu.Unlock()
			return nil
		}
		// The oldest admission decides when the next slot frees.
		wait := s.window - now.Sub(s.stamps[0])
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// InFlight reports how many admissions currently occupy the window.
func (s *SlidingWindow) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := 0
	for _, ts := range s.stamps {
		if now.Sub(ts) < s.window {
			n++
		}
	}
	return n
}
