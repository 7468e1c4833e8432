// Package version exposes the application version derived from build
// metadata. The commit is resolved in priority order: -ldflags override,
// VCS info from debug.BuildInfo, then a "dev" fallback.
package version

import "runtime/debug"

// AppName is the application name used in version strings and log fields.
const AppName = "memoryd"

// commitOverride is set via -ldflags for container builds where the .git
// directory is unavailable. Empty means no override.
var commitOverride string

// GitCommit is the short git commit hash resolved at process start.
// "dev" when no build info is available (e.g., `go test`, non-git builds).
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commitOverride != "" {
		return shortRev(commitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return shortRev(s.Value)
		}
	}
	return "dev"
}

func shortRev(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "memoryd/<commit>" for use in user-agent strings and logs.
func Full() string {
	return AppName + "/" + GitCommit
}
