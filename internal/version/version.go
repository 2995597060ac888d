package version

import (
	"runtime/debug"
	"strconv"
)

// AppName labels metrics, traces and logs.
const AppName = "cardshare"

// release builds set these with -ldflags -X
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
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

// Get reports the running build. Linker-set values win, the module's
// embedded VCS stamp fills what the linker left unset.
func Get() Info {
	info := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.GoVersion = bi.GoVersion
		info.applyVCS(bi.Settings)
	}
	return info
}

func (info *Info) applyVCS(settings []debug.BuildSetting) {
	for _, s := range settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "none" {
				info.Commit = s.Value
			}
		case "vcs.time":
			info.CommitDate = s.Value
			if info.BuildDate == "" {
				info.BuildDate = s.Value
			}
		case "vcs.modified":
			if dirty, err := strconv.ParseBool(s.Value); err == nil {
				info.VCSDirty = &dirty
			}
		}
	}
}
