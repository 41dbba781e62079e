package version

import (
	"fmt"
	"runtime/debug"
)

// AppName identifies the service in logs, metrics, traces and profiles.
const AppName = "linnemanlabs-api"

// Set at build time with -ldflags "-X .../internal/version.Version=...".
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	AppName    string `json:"app"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

// Get merges the ldflags values with what the toolchain embedded in the
// binary. ldflags win; vcs settings only fill gaps.
func Get() Info {
	out := Info{
		AppName:    AppName,
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" {
				out.Commit = s.Value
			}
		case "vcs.time":
			out.CommitDate = s.Value
			if out.BuildDate == "" {
				out.BuildDate = s.Value
			}
		case "vcs.modified":
			dirty := s.Value == "true"
			out.VCSDirty = &dirty
		}
	}
	return out
}

// ShortCommit is the first 12 characters of the commit.
func (i Info) ShortCommit() string {
	if len(i.Commit) > 12 {
		return i.Commit[:12]
	}
	return i.Commit
}

// Dirty reports a build from a modified tree; unknown counts as clean.
func (i Info) Dirty() bool { return i.VCSDirty != nil && *i.VCSDirty }

// String is the -V output.
func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)",
		i.AppName, i.Version, i.Commit, i.CommitDate, i.BuildId, i.BuildDate, i.GoVersion, i.Dirty())
}
