package swarm

import (
	"sync"
	"time"
)

const speedWindow = 5

// speedometer tracks bytes per second over the last speedWindow seconds.
type speedometer struct {
	mu      sync.Mutex
	now     func() time.Time
	buckets [speedWindow]int64
	last    int64 // unix second of the newest bucket
}

func newSpeedometer(now func() time.Time) *speedometer {
	if now == nil {
		now = time.Now
	}
	return &speedometer{now: now, last: now().Unix()}
}

// advance zeroes the buckets that fell out of the window.
func (s *speedometer) advance() int64 {
	sec := s.now().Unix()
	if gap := sec - s.last; gap > 0 {
		if gap > speedWindow {
			gap = speedWindow
		}
		for i := int64(1); i <= gap; i++ {
			s.buckets[(s.last+i)%speedWindow] = 0
		}
		s.last = sec
	}
	return sec
}

func (s *speedometer) add(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sec := s.advance()
	s.buckets[sec%speedWindow] += int64(n)
}

// Rate in bytes per second.
func (s *speedometer) rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.advance()
	var total int64
	for _, b := range s.buckets {
		total += b
	}
	return float64(total) / speedWindow
}
