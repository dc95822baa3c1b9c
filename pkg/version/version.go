// Package version exposes build metadata stamped at link time.
package version

import "runtime/debug"

// Populated via -ldflags "-X github.com/stillframe/shoebox/pkg/version.Version=...".
var (
	// Version is the semantic version of the binary.
	Version = "dev"

	// Commit is the VCS revision the binary was built from.
	Commit = "unknown"

	// Date is the build timestamp in RFC 3339 form.
	Date = "unknown"
)

// vcsRevisionKey is the build-info setting that carries the VCS revision.
const vcsRevisionKey = "vcs.revision"

// Resolve fills unset fields from debug.ReadBuildInfo when the binary was
// built without ldflags (plain `go build` or `go install`).
func Resolve() {
	if Commit != "unknown" {
		return
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, setting := range info.Settings {
		if setting.Key == vcsRevisionKey && setting.Value != "" {
			Commit = setting.Value

			return
		}
	}
}
