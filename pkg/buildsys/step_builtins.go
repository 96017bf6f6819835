package buildsys

import (
	"time"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

func singlePath(ctx *parserCtx, value starlark.Value, field string) (string, error) {
	path, err := pathArg(value, field)
	if err != nil {
		return "", err
	}

	return normalizePath(ctx, path), nil
}

func starCopy(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src, dest starlark.Value
	var cleanHTML bool

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "src", &src, "dest", &dest, "clean_html?", &cleanHTML)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	step := &CopyStep{CleanHTML: cleanHTML, root: ctx.projectRoot}
	step.Patterns, err = patternArg(ctx, src, "src")
	if err != nil {
		return nil, err
	}

	step.Dest, err = singlePath(ctx, dest, "dest")
	if err != nil {
		return nil, err
	}

	return &StarlarkStep{Step: step}, nil
}

func starBundle(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src, dest starlark.Value
	minify := true

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "src", &src, "dest", &dest, "minify?", &minify)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	step := &BundleStep{Minify: minify, root: ctx.projectRoot}
	step.Patterns, err = patternArg(ctx, src, "src")
	if err != nil {
		return nil, err
	}

	step.Dest, err = singlePath(ctx, dest, "dest")
	if err != nil {
		return nil, err
	}

	return &StarlarkStep{Step: step}, nil
}

func starClean(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var paths starlark.Value

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "paths", &paths)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	patterns, err := patternArg(ctx, paths, "paths")
	if err != nil {
		return nil, err
	}

	for _, pattern := range patterns {
		if pattern == ctx.projectRoot {
			return nil, eris.Errorf("%s: refusing to delete the project root", fn.Name())
		}
	}

	return &StarlarkStep{Step: &CleanStep{Patterns: patterns, root: ctx.projectRoot}}, nil
}

func starInject(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target, sources, root starlark.Value
	var relative bool
	var name string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "target", &target, "sources", &sources,
		"relative?", &relative, "name?", &name, "root?", &root)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	step := &InjectStep{Relative: relative, Name: name, root: ctx.projectRoot}
	step.Targets, err = patternArg(ctx, target, "target")
	if err != nil {
		return nil, err
	}

	step.Sources, err = patternArg(ctx, sources, "sources")
	if err != nil {
		return nil, err
	}

	if root != nil && root != starlark.None {
		step.Root, err = singlePath(ctx, root, "root")
		if err != nil {
			return nil, err
		}
	}

	return &StarlarkStep{Step: step}, nil
}

func starCompress(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src starlark.Value

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "src", &src)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	patterns, err := patternArg(ctx, src, "src")
	if err != nil {
		return nil, err
	}

	return &StarlarkStep{Step: &CompressStep{Patterns: patterns, root: ctx.projectRoot}}, nil
}

func starArchive(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dir, dest starlark.Value

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "dir", &dir, "dest", &dest)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	step := &ArchiveStep{root: ctx.projectRoot}
	step.Dir, err = singlePath(ctx, dir, "dir")
	if err != nil {
		return nil, err
	}

	step.Dest, err = singlePath(ctx, dest, "dest")
	if err != nil {
		return nil, err
	}

	return &StarlarkStep{Step: step}, nil
}

func starServe(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dir, liveReload starlark.Value
	var host string
	var port int

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "dir", &dir, "host?", &host, "port?", &port,
		"livereload?", &liveReload)
	if err != nil {
		return nil, err
	}

	if port < 0 || port > 65535 {
		return nil, eris.Errorf("%s: invalid port %d", fn.Name(), port)
	}

	ctx := getCtx(thread)
	step := &ServeStep{Host: host, Port: port, root: ctx.projectRoot}
	step.Dir, err = singlePath(ctx, dir, "dir")
	if err != nil {
		return nil, err
	}

	switch value := liveReload.(type) {
	case nil, starlark.NoneType:
	case starlark.Bool:
		enabled := bool(value)
		step.LiveReload = &enabled
	default:
		return nil, eris.Errorf("%s: livereload must be a bool, got %s", fn.Name(), liveReload.Type())
	}

	return &StarlarkStep{Step: step}, nil
}

func starWatch(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var patterns starlark.Value
	var tasks *starlark.List
	var lullMs int

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "patterns", &patterns, "tasks", &tasks, "lull_ms?", &lullMs)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	step := &WatchStep{
		Lull: time.Duration(lullMs) * time.Millisecond,
		root: ctx.projectRoot,
	}
	step.Patterns, err = patternArg(ctx, patterns, "patterns")
	if err != nil {
		return nil, err
	}

	iter := tasks.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			step.Tasks = append(step.Tasks, value.GoString())
		case *Task:
			step.Tasks = append(step.Tasks, value.Short)
		default:
			return nil, eris.Errorf("%s: tasks must be names or tasks, got %s", fn.Name(), item.Type())
		}
	}

	if len(step.Tasks) == 0 {
		return nil, eris.Errorf("%s: needs at least one task to run", fn.Name())
	}

	return &StarlarkStep{Step: step}, nil
}
