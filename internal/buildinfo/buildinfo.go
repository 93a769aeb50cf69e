// Package buildinfo reports the running binary's version.
package buildinfo

import (
	"runtime"
	"runtime/debug"
	"sync"
)

// Set via -ldflags "-X webhookd/internal/buildinfo.Version=...". Commit and
// BuiltAt fall back to the VCS stamp recorded by the Go toolchain.
var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

var vcsOnce sync.Once

func fillFromVCS() {
	vcsOnce.Do(func() {
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if Commit == "" {
					Commit = s.Value
				}
			case "vcs.time":
				if BuiltAt == "" {
					BuiltAt = s.Value
				}
			}
		}
	})
}

func Info() map[string]string {
	fillFromVCS()
	return map[string]string{
		"version":   Version,
		"commit":    Commit,
		"builtAt":   BuiltAt,
		"goVersion": runtime.Version(),
	}
}

// UserAgent is sent on every outbound webhook request.
func UserAgent() string { return "webhookd/" + Version }
