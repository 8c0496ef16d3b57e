package patterns

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// Defaults mirror the classic watch-tool behavior: everything is
// interesting except hidden files and directories.
var (
	DefaultInclude = []string{"*"}
	DefaultExclude = []string{".*"}
)

// Matcher filters paths with include/exclude globs. Includes are
// matched against the path relative to its watch root and against the
// basename; excludes additionally match every path component, so
// excluding ".*" hides a hidden directory's contents at any depth. An
// exclude hit wins over any include.
type Matcher struct {
	include []compiledPattern
	exclude []compiledPattern
}

type compiledPattern struct {
	source  string
	matcher glob.Glob
}

func New(include, exclude []string) (*Matcher, error) {
	matcher := &Matcher{}
	for _, pattern := range include {
		compiled, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile include pattern %q: %w", pattern, err)
		}
		matcher.include = append(matcher.include, compiledPattern{source: pattern, matcher: compiled})
	}
	for _, pattern := range exclude {
		compiled, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile exclude pattern %q: %w", pattern, err)
		}
		matcher.exclude = append(matcher.exclude, compiledPattern{source: pattern, matcher: compiled})
	}
	return matcher, nil
}

// Match reports whether a path should be watched. The argument is the
// path relative to its watch root.
func (m *Matcher) Match(rel string) bool {
	if m == nil {
		return true
	}

	rel = filepath.ToSlash(rel)
	components := strings.Split(rel, "/")
	base := components[len(components)-1]
	for _, pattern := range m.exclude {
		if pattern.matcher.Match(rel) {
			return false
		}
		for _, component := range components {
			if pattern.matcher.Match(component) {
				return false
			}
		}
	}
	if len(m.include) == 0 {
		return true
	}
	for _, pattern := range m.include {
		if pattern.matcher.Match(rel) || pattern.matcher.Match(base) {
			return true
		}
	}
	return false
}
