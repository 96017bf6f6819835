package assets

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

// Match is a file found by Resolve. Base is the static part of the pattern that produced it and Rel is the
// slash-separated path of the file below Base.
type Match struct {
	Path  string
	Base  string
	Rel   string
	IsDir bool
}

func shellReadDir(path string) ([]os.FileInfo, error) {
	if path == "" {
		path = "."
	}

	return ioutil.ReadDir(path)
}

func isGlobSegment(segment string) bool {
	return strings.ContainsAny(segment, "*?[{")
}

// GlobBase returns the leading directory of pattern that doesn't contain any wildcards. For a pattern without
// wildcards it returns the parent directory.
func GlobBase(pattern string) string {
	pattern = filepath.ToSlash(pattern)
	parts := strings.Split(pattern, "/")

	for idx, part := range parts {
		if isGlobSegment(part) {
			base := strings.Join(parts[:idx], "/")
			if base == "" && strings.HasPrefix(pattern, "/") {
				base = "/"
			}
			if base == "" {
				base = "."
			}
			return filepath.FromSlash(base)
		}
	}

	return filepath.Dir(filepath.FromSlash(pattern))
}

// quotePattern single-quotes the static prefix of pattern so that spaces and other special characters in
// directory names don't confuse the shell word parser.
func quotePattern(pattern string) string {
	base := filepath.ToSlash(GlobBase(pattern))
	slashed := filepath.ToSlash(pattern)
	if !strings.HasPrefix(slashed, base) || base == "." || !strings.ContainsAny(base, " $'\"\\") {
		return slashed
	}

	return "'" + strings.ReplaceAll(base, "'", `'\''`) + "'" + slashed[len(base):]
}

// Resolve expands the passed patterns (with ** support) into a sorted, de-duplicated list of existing files and
// directories. Patterns that don't match anything are silently skipped.
func Resolve(patterns []string) ([]Match, error) {
	result := make([]Match, 0)
	seen := make(map[string]bool)
	cfg := expand.Config{
		ReadDir:  shellReadDir,
		GlobStar: true,
	}
	parser := syntax.NewParser()

	for _, pattern := range patterns {
		base := filepath.Clean(GlobBase(pattern))

		words := make([]*syntax.Word, 0)
		err := parser.Words(strings.NewReader(quotePattern(pattern)), func(w *syntax.Word) bool {
			words = append(words, w)
			return true
		})
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse pattern %s", pattern)
		}

		fields, err := expand.Fields(&cfg, words...)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", pattern)
		}

		sort.Strings(fields)
		for _, field := range fields {
			// If a pattern didn't match anything, it's returned as a result. Skip those results.
			if strings.Contains(field, "*") {
				continue
			}

			path := filepath.Clean(filepath.FromSlash(field))
			if seen[path] {
				continue
			}

			info, err := os.Lstat(path)
			if err != nil {
				if eris.Is(err, os.ErrNotExist) {
					continue
				}
				return nil, eris.Wrapf(err, "failed to check %s", path)
			}

			rel, err := filepath.Rel(base, path)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to relate %s to %s", path, base)
			}

			seen[path] = true
			result = append(result, Match{
				Path:  path,
				Base:  base,
				Rel:   filepath.ToSlash(rel),
				IsDir: info.IsDir(),
			})
		}
	}

	return result, nil
}

// Files returns the paths of all matches that aren't directories.
func Files(matches []Match) []string {
	result := make([]string, 0, len(matches))
	for _, m := range matches {
		if !m.IsDir {
			result = append(result, m.Path)
		}
	}
	return result
}
