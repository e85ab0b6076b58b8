package retry

import (
	"time"

	"membersync/internal/platform/models"
)

// Scheduler computes retry delays and decides when an item's budget is
// spent. Delays double from 1s and cap at 16s; an item also dies once its
// total window from first enqueue elapses, however few attempts it made.
type Scheduler struct {
	MaxAttempts int
	Window      time.Duration
}

func NewScheduler(maxAttempts int, window time.Duration) *Scheduler {
	return &Scheduler{MaxAttempts: maxAttempts, Window: window}
}

// NextDelay returns the backoff for the given attempt number (1-based).
func (s *Scheduler) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Second << (attempt - 1)
	if d > 16*time.Second {
		d = 16 * time.Second
	}
	return d
}

// Exhausted reports whether the item has no retry budget left.
func (s *Scheduler) Exhausted(item *models.QueuedWorkItem, now time.Time) bool {
	if item.AttemptCount >= s.MaxAttempts {
		return true
	}
	return now.Sub(item.FirstEnqueuedAt) >= s.Window
}
