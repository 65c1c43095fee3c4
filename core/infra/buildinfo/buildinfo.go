// Package buildinfo reports the version stamped into flowlog binaries.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/cordum/flowlog/core/infra/logging"
)

// Set with -ldflags "-X github.com/cordum/flowlog/core/infra/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, resolveCommit(), Date)
}

// Log writes the build summary under the service name.
func Log(service string) {
	logging.Info(service, "build", "version", Version, "commit", resolveCommit(), "date", Date, "go", runtime.Version())
}

// resolveCommit falls back to the VCS revision the toolchain embeds when
// the binary was built without ldflags.
func resolveCommit() string {
	if Commit != "unknown" {
		return Commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Commit
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return Commit
}
