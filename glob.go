package diagcache

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// expandGlob expands a glob pattern (supporting **) and returns matching file paths.
func expandGlob(pattern string, fs afero.Fs) ([]string, error) {
	hasRecursive := strings.Contains(pattern, "**")

	var baseDir string
	if hasRecursive {
		parts := strings.Split(pattern, "**")
		baseDir = filepath.Dir(parts[0])
		if baseDir == "." && parts[0] != "" && !strings.HasSuffix(parts[0], "/") && !strings.HasSuffix(parts[0], string(filepath.Separator)) {
			baseDir = parts[0]
		}
	} else {
		baseDir = filepath.Dir(pattern)
	}

	// Patterns without a directory part walk "." and Walk yields their
	// paths without a "./" prefix.
	exists, err := afero.DirExists(fs, baseDir)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil // No matches, not an error
	}

	cleanPattern := filepath.Clean(pattern)

	var matches []string
	err = afero.Walk(fs, baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if !hasRecursive && filepath.Clean(path) != filepath.Clean(baseDir) {
				return filepath.SkipDir
			}
			return nil
		}

		if hasRecursive {
			if matchesGlobPattern(path, cleanPattern) {
				matches = append(matches, path)
			}
			return nil
		}

		matched, err := filepath.Match(filepath.Base(pattern), filepath.Base(path))
		if err != nil {
			return err
		}
		if matched && filepath.Dir(filepath.Clean(path)) == filepath.Dir(cleanPattern) {
			matches = append(matches, path)
		}
		return nil
	})

	return matches, err
}

// matchesGlobPattern checks if a path matches a pattern with ** support.
func matchesGlobPattern(path, pattern string) bool {
	pattern = filepath.ToSlash(pattern)
	path = filepath.ToSlash(path)

	return matchGlobParts(strings.Split(path, "/"), strings.Split(pattern, "/"))
}

// matchGlobParts matches path segments against pattern segments; "**"
// consumes zero or more segments.
func matchGlobParts(pathParts, patternParts []string) bool {
	if len(patternParts) == 0 {
		return len(pathParts) == 0
	}

	if patternParts[0] == "**" {
		if matchGlobParts(pathParts, patternParts[1:]) {
			return true
		}
		return len(pathParts) > 0 && matchGlobParts(pathParts[1:], patternParts)
	}

	if len(pathParts) == 0 {
		return false
	}

	matched, err := filepath.Match(patternParts[0], pathParts[0])
	if err != nil || !matched {
		return false
	}
	return matchGlobParts(pathParts[1:], patternParts[1:])
}
