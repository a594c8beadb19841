package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Release builds stamp these through the linker, for example
//
//	go build -ldflags "-X github.com/lkarlslund/tokenmeter/pkg/version.Version=v0.3.0"
//
// Commit, Date and Dirty take the same form. Unset values fall back to the
// VCS stamp the go tool embeds.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
	Dirty   = ""
)

// Info is the resolved build identity of the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Date      string `json:"date,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
}

func Current() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
		Dirty:   strings.EqualFold(strings.TrimSpace(Dirty), "true"),
	}
	if info.Version == "" {
		info.Version = "dev"
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		info.GoVersion = bi.GoVersion
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = strings.TrimSpace(s.Value)
				}
			case "vcs.time":
				if info.Date == "" {
					info.Date = strings.TrimSpace(s.Value)
				}
			case "vcs.modified":
				if !info.Dirty {
					info.Dirty = strings.EqualFold(strings.TrimSpace(s.Value), "true")
				}
			}
		}
	}
	return info
}

// String renders version, short commit and a dirty marker joined by "+".
func String() string {
	v := Current()
	parts := []string{v.Version}
	if v.Commit != "" {
		short := v.Commit
		if len(short) > 12 {
			short = short[:12]
		}
		parts = append(parts, short)
	}
	if v.Dirty {
		parts = append(parts, "dirty")
	}
	return strings.Join(parts, "+")
}

// Detailed is the multi-line banner printed by the version command.
func Detailed(component string) string {
	v := Current()
	if strings.TrimSpace(component) == "" {
		component = "tokenmeter"
	}
	out := fmt.Sprintf("%s %s", component, String())
	if v.Date != "" {
		out += "\nBuilt: " + v.Date
	}
	if v.GoVersion != "" {
		out += "\nGo: " + v.GoVersion
	}
	return out
}
