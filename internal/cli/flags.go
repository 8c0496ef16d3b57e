// Package cli holds small helpers shared by command-line parsing.
package cli

import (
	"flag"
	"strings"
)

// HelpVersionFlags captures the conventional --help/--version pair with
// their single-letter aliases.
type HelpVersionFlags struct {
	Help    bool
	Version bool
}

// AddHelpVersionFlags registers -h/--help and -v/--version on fs. Empty
// descriptions fall back to the conventional wording.
func AddHelpVersionFlags(fs *flag.FlagSet, helpDesc, versionDesc string) *HelpVersionFlags {
	flags := &HelpVersionFlags{}
	if fs == nil {
		return flags
	}
	if helpDesc == "" {
		helpDesc = "Show help"
	}
	if versionDesc == "" {
		versionDesc = "Print version and exit"
	}
	fs.BoolVar(&flags.Help, "help", false, helpDesc)
	fs.BoolVar(&flags.Help, "h", false, helpDesc)
	fs.BoolVar(&flags.Version, "version", false, versionDesc)
	fs.BoolVar(&flags.Version, "v", false, versionDesc)
	return flags
}

// List is a flag.Value collecting every occurrence of a repeatable
// flag. Register the same List under a short and a long name to merge
// both spellings.
type List struct {
	Values []string
}

func (l *List) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(l.Values, ",")
}

func (l *List) Set(value string) error {
	l.Values = append(l.Values, value)
	return nil
}
