package version

import "strings"

const App = "YorkiExchange"

// Set with -ldflags "-X yorkiexchange/internal/version.Commit=...".
var (
	Version = "0.1.0"
	Commit  = "unknown"
	Build   = ""
)

type Info struct {
	App     string `json:"app"`
	Version string `json:"version"`
	Build   string `json:"build,omitempty"`
	Commit  string `json:"commit"`
}

// Current reports provenance. buildID and gitSHA come from the environment
// and take precedence over link-time values when set.
func Current(buildID, gitSHA string) Info {
	out := Info{
		App:     App,
		Version: strings.TrimSpace(Version),
		Build:   strings.TrimSpace(Build),
		Commit:  strings.TrimSpace(Commit),
	}
	if v := strings.TrimSpace(buildID); v != "" {
		out.Build = v
	}
	if v := strings.TrimSpace(gitSHA); v != "" {
		out.Commit = v
	}
	if out.Version == "" {
		out.Version = "dev"
	}
	if out.Commit == "" {
		out.Commit = "unknown"
	}
	return out
}
