package sender

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/foxcpp/mailout/internal/config"
)

var errZoneClosing = errors.New("sender: zone is closing")

// Speedometer admits at most N deliveries in any rolling window of the
// configured unit, across all workers of one zone. It remembers the
// admission times of the last N deliveries; one more is let through
// once the oldest of them leaves the window, callers sleep until then.
type Speedometer struct {
	rate config.Rate
	zone string

	mu     sync.Mutex
	stamps []time.Time // ring, stamps[next] is the oldest admission
	next   int

	closeOnce sync.Once
	closing   chan struct{}
}

// NewSpeedometer creates a throttle for one zone instance. A disabled
// rate admits everything.
func NewSpeedometer(rate config.Rate, zone string) *Speedometer {
	s := &Speedometer{rate: rate, zone: zone, closing: make(chan struct{})}
	if rate.Enabled() {
		s.stamps = make([]time.Time, rate.N)
	}
	return s
}

// Take blocks until one more delivery may be admitted. It fails only
// when ctx is done or the speedometer is closed.
func (s *Speedometer) Take(ctx context.Context) error {
	if s == nil || !s.rate.Enabled() {
		return nil
	}

	for {
		select {
		case <-s.closing:
			return errZoneClosing
		default:
		}

		s.mu.Lock()
		now := time.Now()
		oldest := s.stamps[s.next]
		if oldest.IsZero() || now.Sub(oldest) >= s.rate.Unit {
			s.stamps[s.next] = now
			s.next = (s.next + 1) % len(s.stamps)
			s.mu.Unlock()
			return nil
		}
		wait := s.rate.Unit - now.Sub(oldest)
		s.mu.Unlock()

		throttleWaits.WithLabelValues(s.zone).Inc()
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.closing:
			timer.Stop()
			return errZoneClosing
		}
	}
}

// Close releases the blocked Take callers.
func (s *Speedometer) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}
