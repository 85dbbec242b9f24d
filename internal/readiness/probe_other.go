//go:build !windows

package readiness

// DefaultProber has no exclusive-open primitive off Windows.
func DefaultProber() Prober {
	return unknownProber{}
}
