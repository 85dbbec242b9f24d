//go:build windows

package readiness

import (
	"errors"

	"golang.org/x/sys/windows"
)

func DefaultProber() Prober {
	return exclusiveOpenProber{}
}

// exclusiveOpenProber opens the file with no sharing. A sharing violation
// means a writer still holds it.
type exclusiveOpenProber struct{}

func (exclusiveOpenProber) Probe(path string) ProbeResult {
	name, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return ProbeUnknown
	}
	handle, err := windows.CreateFile(
		name,
		windows.GENERIC_READ,
		0,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_ATTRIBUTE_NORMAL,
		0,
	)
	if err != nil {
		if errors.Is(err, windows.ERROR_SHARING_VIOLATION) {
			return ProbeBusy
		}
		return ProbeUnknown
	}
	_ = windows.CloseHandle(handle)
	return ProbeFree
}
