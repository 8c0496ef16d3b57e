package fsutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Normalize converts a path to its absolute cleaned form. Registry keys
// and every path compared against them go through this first.
func Normalize(pathValue string) (string, error) {
	if strings.TrimSpace(pathValue) == "" {
		return "", os.ErrInvalid
	}
	abs, err := filepath.Abs(pathValue)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// Within reports whether path sits at or below root. Both arguments
// must already be normalized.
func Within(pathValue, root string) bool {
	if pathValue == "" || root == "" {
		return false
	}
	if pathValue == root {
		return true
	}
	if root == string(os.PathSeparator) {
		return strings.HasPrefix(pathValue, root)
	}
	return strings.HasPrefix(pathValue, root+string(os.PathSeparator))
}

// RelativeTo returns path relative to root, or the path unchanged when
// it does not sit under the root.
func RelativeTo(pathValue, root string) string {
	if !Within(pathValue, root) {
		return pathValue
	}
	rel, err := filepath.Rel(root, pathValue)
	if err != nil {
		return pathValue
	}
	return rel
}
