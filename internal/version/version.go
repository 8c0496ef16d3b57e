package version

import "strings"

// Version values are set at build time using -ldflags.
var Version = "dev"
var Built = ""
var GitCommit = ""

type Info struct {
	Version   string `json:"version"`
	Built     string `json:"built,omitempty"`
	GitCommit string `json:"git_commit,omitempty"`
}

func Get() Info {
	return Info{
		Version:   Version,
		Built:     Built,
		GitCommit: GitCommit,
	}
}

// String renders the info the way the version subcommand prints it,
// e.g. "dirwatch dev (abc123, built 2026-01-11T12:34:56Z)".
func (info Info) String() string {
	var builder strings.Builder
	builder.WriteString("dirwatch ")
	builder.WriteString(info.Version)
	details := make([]string, 0, 2)
	if info.GitCommit != "" {
		details = append(details, info.GitCommit)
	}
	if info.Built != "" {
		details = append(details, "built "+info.Built)
	}
	if len(details) > 0 {
		builder.WriteString(" (")
		builder.WriteString(strings.Join(details, ", "))
		builder.WriteString(")")
	}
	return builder.String()
}
