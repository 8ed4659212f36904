// Package version records build information for regent binaries.
package version

import "runtime/debug"

// Populated through -ldflags at release build time; Resolve fills the gaps
// from the binary's embedded build info.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Resolve completes unset fields from debug.ReadBuildInfo.
func Resolve() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}

	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if Commit == "unknown" {
				Commit = setting.Value
			}
		case "vcs.time":
			if Date == "unknown" {
				Date = setting.Value
			}
		}
	}
}
