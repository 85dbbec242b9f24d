package version

import (
	"runtime"
	"runtime/debug"
)

// Set at build time with -ldflags "-X resultd/internal/version.Version=...".
var (
	Version   = "dev"
	GitCommit = ""
	Built     = ""
)

type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit,omitempty"`
	Built     string `json:"built,omitempty"`
	GoVersion string `json:"go_version"`
}

// Get reports the linked values, falling back to VCS stamps recorded by the
// Go toolchain when the commit was not set explicitly.
func Get() Info {
	info := Info{
		Version:   Version,
		GitCommit: GitCommit,
		Built:     Built,
		GoVersion: runtime.Version(),
	}
	if info.GitCommit != "" && info.Built != "" {
		return info
	}
	build, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, setting := range build.Settings {
		switch setting.Key {
		case "vcs.revision":
			if info.GitCommit == "" {
				info.GitCommit = setting.Value
			}
		case "vcs.time":
			if info.Built == "" {
				info.Built = setting.Value
			}
		}
	}
	return info
}

func (i Info) String() string {
	text := "resultd " + i.Version
	if i.GitCommit != "" {
		commit := i.GitCommit
		if len(commit) > 12 {
			commit = commit[:12]
		}
		text += " (" + commit + ")"
	}
	return text
}
