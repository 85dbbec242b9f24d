package logging

import (
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Throttle limits how often a noisy warning reaches the log. Suppressed calls
// are counted and reported with the next emitted entry.
type Throttle struct {
	sometimes  rate.Sometimes
	suppressed atomic.Int64
}

func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Throttle{sometimes: rate.Sometimes{First: 1, Interval: interval}}
}

func (t *Throttle) Warn(logger *Logger, message string, fields map[string]string) {
	if t == nil {
		logger.Warn(message, fields)
		return
	}
	emitted := false
	t.sometimes.Do(func() {
		emitted = true
		merged := mergeFields(fields, nil)
		if merged == nil {
			merged = map[string]string{}
		}
		if skipped := t.suppressed.Swap(0); skipped > 0 {
			merged["suppressed"] = strconv.FormatInt(skipped, 10)
		}
		logger.Warn(message, merged)
	})
	if !emitted {
		t.suppressed.Add(1)
	}
}
