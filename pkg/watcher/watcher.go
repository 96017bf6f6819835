// Package watcher reports batched file changes below a directory.
package watcher

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/cortesi/moddwatch"
	"github.com/rotisserie/eris"
)

// DefaultLull is the quiet period after the last change before a batch is reported.
const DefaultLull = 300 * time.Millisecond

// Excludes are never reported.
var Excludes = []string{
	"**/.git/**",
	"**/.sitepipe/**",
	"**/node_modules/**",
	"**/*~",
	"**/.#*",
	"**/#*#",
	"**/.DS_Store",
}

// Handler receives the paths of one batch of changes.
type Handler func(paths []string)

// Patterns converts absolute glob patterns into patterns relative to root. Patterns outside of root are rejected.
func Patterns(root string, patterns []string) ([]string, error) {
	result := make([]string, len(patterns))
	for idx, pattern := range patterns {
		if !filepath.IsAbs(pattern) {
			result[idx] = filepath.ToSlash(pattern)
			continue
		}

		rel, err := filepath.Rel(root, pattern)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to relate %s to %s", pattern, root)
		}

		rel = filepath.ToSlash(rel)
		if rel == ".." || strings.HasPrefix(rel, "../") {
			return nil, eris.Errorf("pattern %s is outside of %s", pattern, root)
		}
		result[idx] = rel
	}

	return result, nil
}

// Watch calls fn for every batch of changes to files below root matching one of the (root-relative) patterns.
// It blocks until ctx is cancelled. Calls to fn are serialised.
func Watch(ctx context.Context, root string, patterns []string, lull time.Duration, fn Handler) error {
	if lull <= 0 {
		lull = DefaultLull
	}

	modChan := make(chan *moddwatch.Mod, 1)
	w, err := moddwatch.Watch(root, patterns, Excludes, lull, modChan)
	if err != nil {
		return eris.Wrapf(err, "failed to watch %s", root)
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case mod, ok := <-modChan:
			if !ok {
				return nil
			}

			if mod == nil || mod.Empty() {
				continue
			}
			fn(mod.All())
		}
	}
}
