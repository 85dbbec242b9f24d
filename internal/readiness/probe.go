package readiness

type ProbeResult int

const (
	ProbeUnknown ProbeResult = iota
	ProbeBusy
	ProbeFree
)

func (r ProbeResult) String() string {
	switch r {
	case ProbeBusy:
		return "busy"
	case ProbeFree:
		return "free"
	default:
		return "unknown"
	}
}

// Prober reports whether another process still holds a file open for
// writing. ProbeUnknown leaves the decision to the quiet period.
type Prober interface {
	Probe(path string) ProbeResult
}

type ProberFunc func(path string) ProbeResult

func (f ProberFunc) Probe(path string) ProbeResult {
	return f(path)
}

type unknownProber struct{}

func (unknownProber) Probe(string) ProbeResult {
	return ProbeUnknown
}
