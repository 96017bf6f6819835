package buildsys

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/yanula20/sitepipe/pkg/assets"
	"github.com/yanula20/sitepipe/pkg/devserver"
	"github.com/yanula20/sitepipe/pkg/watcher"
)

func (s *Session) rel(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

// CopyStep copies files into Dest, keeping their paths relative to the pattern's glob base.
type CopyStep struct {
	Patterns  []string
	Dest      string
	CleanHTML bool
	root      string
}

func (c *CopyStep) Describe() string {
	return fmt.Sprintf("copy %s -> %s", relTo(c.root, c.Patterns), relTo(c.root, []string{c.Dest}))
}

func (c *CopyStep) Run(ctx context.Context, s *Session) error {
	matches, err := assets.Resolve(c.Patterns)
	if err != nil {
		return err
	}

	var transform assets.Transform
	if c.CleanHTML {
		transform = func(path string, data []byte) ([]byte, error) {
			if assets.MediaType(path) != "text/html" {
				return data, nil
			}
			return s.minifier.CleanHTML(path, data)
		}
	}

	written, err := assets.Copy(matches, c.Dest, transform)
	if err != nil {
		return err
	}

	log(ctx).Debug().Int("files", len(written)).Msgf("copied into %s", s.rel(c.Dest))
	return nil
}

// BundleStep concatenates files into a single (optionally minified) file.
type BundleStep struct {
	Patterns []string
	Dest     string
	Minify   bool
	root     string
}

func (b *BundleStep) Describe() string {
	return fmt.Sprintf("bundle %s -> %s", relTo(b.root, b.Patterns), relTo(b.root, []string{b.Dest}))
}

func (b *BundleStep) Run(ctx context.Context, s *Session) error {
	matches, err := assets.Resolve(b.Patterns)
	if err != nil {
		return err
	}

	if len(assets.Files(matches)) == 0 {
		log(ctx).Warn().Msgf("%s: no files matched, writing an empty bundle", b.Describe())
	}

	var minifier *assets.Minifier
	if b.Minify {
		minifier = s.minifier
	}
	return assets.Bundle(matches, b.Dest, minifier)
}

// CleanStep deletes files and directories. Missing entries are ignored.
type CleanStep struct {
	Patterns []string
	root     string
}

func (c *CleanStep) Describe() string {
	return "clean " + relTo(c.root, c.Patterns)
}

func (c *CleanStep) Run(ctx context.Context, s *Session) error {
	matches, err := assets.Resolve(c.Patterns)
	if err != nil {
		return err
	}

	return assets.Delete(matches)
}

// InjectStep writes references to the source files into the inject regions of each target page.
type InjectStep struct {
	Targets  []string
	Sources  []string
	Name     string
	Relative bool
	// Root is the directory absolute references are relative to. Defaults to the target's glob base.
	Root string
	root string
}

func (i *InjectStep) Describe() string {
	return fmt.Sprintf("inject %s -> %s", relTo(i.root, i.Sources), relTo(i.root, i.Targets))
}

func (i *InjectStep) Run(ctx context.Context, s *Session) error {
	targets, err := assets.Resolve(i.Targets)
	if err != nil {
		return err
	}

	if len(assets.Files(targets)) == 0 {
		log(ctx).Warn().Msgf("%s: no target found", i.Describe())
		return nil
	}

	sourceMatches, err := assets.Resolve(i.Sources)
	if err != nil {
		return err
	}
	sources := assets.Files(sourceMatches)

	for _, target := range targets {
		if target.IsDir {
			continue
		}

		opts := assets.InjectOptions{
			Name:     i.Name,
			Relative: i.Relative,
			Root:     i.Root,
		}
		if opts.Root == "" {
			opts.Root = target.Base
		}

		result, err := assets.Inject(target.Path, sources, opts)
		if err != nil {
			return err
		}

		for _, marker := range result.MissingMarkers {
			log(ctx).Warn().Str("path", target.Path).Msgf("%s has no %s region", s.rel(target.Path), marker)
		}
		for _, region := range result.EmptyRegions {
			log(ctx).Warn().Str("path", target.Path).Msgf("no sources for %s in %s, leaving it unchanged", region, s.rel(target.Path))
		}
		for ext, count := range result.Injected {
			log(ctx).Debug().Msgf("injected %d %s files into %s", count, ext, s.rel(target.Path))
		}
	}

	return nil
}

// CompressStep writes brotli compressed siblings for each matched file.
type CompressStep struct {
	Patterns []string
	root     string
}

func (c *CompressStep) Describe() string {
	return "compress " + relTo(c.root, c.Patterns)
}

func (c *CompressStep) Run(ctx context.Context, s *Session) error {
	matches, err := assets.Resolve(c.Patterns)
	if err != nil {
		return err
	}

	written, err := assets.Compress(matches)
	if err != nil {
		return err
	}

	log(ctx).Debug().Int("files", len(written)).Msg("compressed")
	return nil
}

// ArchiveStep packs a directory into a .tar.xz file.
type ArchiveStep struct {
	Dir  string
	Dest string
	root string
}

func (a *ArchiveStep) Describe() string {
	return fmt.Sprintf("archive %s -> %s", relTo(a.root, []string{a.Dir}), relTo(a.root, []string{a.Dest}))
}

func (a *ArchiveStep) Run(ctx context.Context, s *Session) error {
	count, err := assets.Archive(a.Dir, a.Dest, s.opts.Progress)
	if err != nil {
		return err
	}

	log(ctx).Info().Msgf("packed %d files into %s", count, s.rel(a.Dest))
	return nil
}

// ServeStep starts a dev server in the background. Unset fields fall back to the session's server options.
type ServeStep struct {
	Dir        string
	Host       string
	Port       int
	LiveReload *bool
	root       string
}

func (v *ServeStep) Describe() string {
	return "serve " + relTo(v.root, []string{v.Dir})
}

func (v *ServeStep) options(s *Session) devserver.Options {
	opts := devserver.Options{
		Root:       v.Dir,
		Host:       s.opts.Server.Host,
		Port:       s.opts.Server.Port,
		LiveReload: s.opts.Server.LiveReload,
		Lull:       s.opts.Lull,
	}

	if v.Host != "" {
		opts.Host = v.Host
	}
	if v.Port != 0 {
		opts.Port = v.Port
	}
	if v.LiveReload != nil {
		opts.LiveReload = *v.LiveReload
	}
	return opts
}

func (v *ServeStep) Run(ctx context.Context, s *Session) error {
	opts := v.options(s)
	opts.Logger = log(ctx)

	srv := devserver.New(opts)
	// bind right away so that port conflicts fail the task
	err := srv.Listen()
	if err != nil {
		return err
	}

	s.svcLock.Lock()
	s.servers = append(s.servers, srv)
	s.svcLock.Unlock()

	s.startService(ctx, v.Describe(), srv.Serve)
	return nil
}

// WatchStep reruns Tasks whenever a file matching Patterns changes.
type WatchStep struct {
	Patterns []string
	Tasks    []string
	Lull     time.Duration
	root     string
}

func (w *WatchStep) Describe() string {
	return fmt.Sprintf("watch %s -> %s", relTo(w.root, w.Patterns), strings.Join(w.Tasks, ", "))
}

func (w *WatchStep) Run(ctx context.Context, s *Session) error {
	patterns, err := watcher.Patterns(s.root, w.Patterns)
	if err != nil {
		return err
	}

	for _, name := range w.Tasks {
		if _, ok := s.tasks[name]; !ok {
			return eris.Errorf("watch refers to unknown task %s", name)
		}
	}

	lull := w.Lull
	if lull == 0 {
		lull = s.opts.Lull
	}

	s.startService(ctx, w.Describe(), func(svcCtx context.Context) error {
		log(svcCtx).Info().Msgf("Watching %s", strings.Join(patterns, " "))
		return watcher.Watch(svcCtx, s.root, patterns, lull, func(paths []string) {
			s.rerun(svcCtx, w.Tasks, paths)
		})
	})
	return nil
}

func relTo(root string, paths []string) string {
	parts := make([]string, len(paths))
	for idx, path := range paths {
		rel, err := filepath.Rel(root, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			parts[idx] = filepath.ToSlash(path)
		} else {
			parts[idx] = filepath.ToSlash(rel)
		}
	}
	return strings.Join(parts, " ")
}
