// Package readiness decides when a file written by another process has
// stopped changing and is safe to read.
package readiness

import (
	"context"
	"os"
	"time"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultQuietPeriod  = 500 * time.Millisecond
	DefaultTimeout      = 2 * time.Minute
	// DefaultModTimeSlack covers filesystems that store coarse modification
	// times.
	DefaultModTimeSlack = 2 * time.Second
)

type Reason string

const (
	ReasonReady     Reason = "ready"
	ReasonMissing   Reason = "missing"
	ReasonTimeout   Reason = "timeout"
	ReasonCancelled Reason = "cancelled"
)

type Snapshot struct {
	Exists  bool
	Size    int64
	ModTime time.Time
}

func (s Snapshot) Equal(other Snapshot) bool {
	return s.Exists == other.Exists && s.Size == other.Size && s.ModTime.Equal(other.ModTime)
}

func Take(path string) Snapshot {
	info, err := os.Stat(path)
	if err != nil {
		return Snapshot{}
	}
	return Snapshot{Exists: true, Size: info.Size(), ModTime: info.ModTime()}
}

type Result struct {
	Ready    bool
	Reason   Reason
	Snapshot Snapshot
	Waited   time.Duration
}

type Options struct {
	PollInterval time.Duration
	QuietPeriod  time.Duration
	Timeout      time.Duration
	ModTimeSlack time.Duration
	Prober       Prober
}

type Detector struct {
	pollInterval time.Duration
	quiet        time.Duration
	timeout      time.Duration
	modTimeSlack time.Duration
	prober       Prober
	now          func() time.Time
}

func NewDetector(opts Options) *Detector {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = DefaultQuietPeriod
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ModTimeSlack < 0 {
		opts.ModTimeSlack = 0
	} else if opts.ModTimeSlack == 0 {
		opts.ModTimeSlack = DefaultModTimeSlack
	}
	if opts.Prober == nil {
		opts.Prober = DefaultProber()
	}
	return &Detector{
		pollInterval: opts.PollInterval,
		quiet:        opts.QuietPeriod,
		timeout:      opts.Timeout,
		modTimeSlack: opts.ModTimeSlack,
		prober:       opts.Prober,
		now:          time.Now,
	}
}

func (d *Detector) QuietPeriod() time.Duration {
	return d.quiet
}

// Wait blocks until path has been unchanged for quiet (the detector default
// when quiet <= 0), the file disappears, the timeout elapses or ctx ends.
func (d *Detector) Wait(ctx context.Context, path string, quiet time.Duration) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	if quiet <= 0 {
		quiet = d.quiet
	}
	start := d.now()
	deadline := start.Add(d.timeout)

	last := Take(path)
	if !last.Exists {
		return Result{Reason: ReasonMissing, Snapshot: last}
	}
	stableSince := start
	if settled := last.ModTime.Add(quiet + d.modTimeSlack); !last.ModTime.IsZero() && !settled.After(start) {
		stableSince = last.ModTime
	}

	timer := time.NewTimer(d.pollInterval)
	defer timer.Stop()
	nextPoll := start.Add(d.pollInterval)

	for {
		now := d.now()
		if now.Sub(stableSince) >= quiet {
			if d.prober.Probe(path) != ProbeBusy {
				return Result{Ready: true, Reason: ReasonReady, Snapshot: last, Waited: now.Sub(start)}
			}
		}
		if !now.Before(deadline) {
			return Result{Reason: ReasonTimeout, Snapshot: last, Waited: now.Sub(start)}
		}

		// Wake at the next poll, or earlier when the quiet period or the
		// deadline runs out in between. Every wake re-reads the file, so a
		// change is seen at most one poll after it happens.
		wake := nextPoll
		if settled := stableSince.Add(quiet); settled.After(now) && settled.Before(wake) {
			wake = settled
		}
		if deadline.Before(wake) {
			wake = deadline
		}
		timer.Reset(max(wake.Sub(now), 0))

		select {
		case <-ctx.Done():
			return Result{Reason: ReasonCancelled, Snapshot: last, Waited: d.now().Sub(start)}
		case <-timer.C:
		}
		now = d.now()
		for !nextPoll.After(now) {
			nextPoll = nextPoll.Add(d.pollInterval)
		}

		current := Take(path)
		if !current.Exists {
			return Result{Reason: ReasonMissing, Snapshot: current, Waited: d.now().Sub(start)}
		}
		if !current.Equal(last) {
			last = current
			stableSince = d.now()
		}
	}
}
