// Package buildinfo provides build-time information (version, commit, build time).
// These variables are injected at build time via -ldflags.
package buildinfo

var (
	// Version is the application version (e.g. "v0.1.0" or "dev").
	// Set via: -ldflags "-X github.com/terrpan/runnervm/internal/buildinfo.Version=<value>"
	Version = "dev"

	// Commit is the git commit hash.
	// Set via: -ldflags "-X github.com/terrpan/runnervm/internal/buildinfo.Commit=<value>"
	Commit = "unknown"

	// BuildTime is the build timestamp (e.g. "2026-10-19T12:34:56Z").
	// Set via: -ldflags "-X github.com/terrpan/runnervm/internal/buildinfo.BuildTime=<value>"
	BuildTime = "unknown"
)

// String returns a one-line summary suitable for `runnervm version`.
func String() string {
	return Version + " (commit " + Commit + ", built " + BuildTime + ")"
}
