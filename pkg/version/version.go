// Package version derives the build identity reported in startup logs
// and the health endpoint. An -ldflags override wins over VCS build
// info; without either the commit reads "dev".
package version

import "runtime/debug"

// AppName prefixes every version string.
const AppName = "veritas"

// commitOverride is injected with -ldflags for builds where the VCS
// metadata is stripped (container builds without .git).
var commitOverride string

// GitCommit is the short commit hash, or "dev" when no build metadata
// exists (go test, source tarballs).
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commitOverride != "" {
		return shorten(commitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return shorten(s.Value)
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "veritas/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}
