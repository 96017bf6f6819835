package buildsys

import (
	"encoding/json"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"

	"github.com/yanula20/sitepipe/pkg/buildinfo"
)

type builtinFn func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

// scriptBuiltins lists every function available to task scripts.
var scriptBuiltins = map[string]builtinFn{
	"info":            logBuiltin(zerolog.InfoLevel),
	"warn":            logBuiltin(zerolog.WarnLevel),
	"error":           starError,
	"resolve_path":    resolvePath,
	"option":          option,
	"getenv":          getenv,
	"setenv":          setenv,
	"prepend_path":    prependPathDir,
	"read_yaml":       readData,
	"read_json":       readData,
	"isdir":           statBuiltin(os.FileInfo.IsDir),
	"isfile":          statBuiltin(func(info os.FileInfo) bool { return info.Mode().IsRegular() }),
	"execute":         starExec,
	"require_version": requireVersion,
	"task":            task,
	"copy":            starCopy,
	"bundle":          starBundle,
	"clean":           starClean,
	"inject":          starInject,
	"compress":        starCompress,
	"archive":         starArchive,
	"serve":           starServe,
	"watch":           starWatch,
}

func resolvePath(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var baseArg starlark.Value
	err := starlark.UnpackArgs(fn.Name(), nil, kwargs, "base?", &baseArg)
	if err != nil {
		return nil, err
	}

	if len(args) < 1 {
		return nil, eris.Errorf("%s: expects at least one argument", fn.Name())
	}

	parts := make([]string, len(args))
	for idx, value := range args {
		parts[idx], err = pathArg(value, "argument "+strconv.Itoa(idx+1))
		if err != nil {
			return nil, err
		}
	}

	ctx := getCtx(thread)
	result := normalizePath(ctx, parts...)
	if baseArg != nil && baseArg != starlark.None {
		base, err := singlePath(ctx, baseArg, "base")
		if err != nil {
			return nil, err
		}

		result, err = filepath.Rel(base, result)
		if err != nil {
			return nil, err
		}
	}

	return StarlarkPath(result), nil
}

// logBuiltin returns a builtin which logs its message together with the calling script position.
func logBuiltin(level zerolog.Level) builtinFn {
	return func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var message string

		err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
		if err != nil {
			return nil, err
		}

		scriptLog(thread, level, "%s", message)
		return starlark.None, nil
	}
}

func starError(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	return nil, eris.New(message)
}

// lookupEnv prefers values set through setenv() over the process environment.
func lookupEnv(ctx *parserCtx, key string) string {
	value, ok := ctx.envOverrides[key]
	if !ok {
		value = os.Getenv(key)
	}
	return value
}

func getenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &key)
	if err != nil {
		return nil, err
	}

	return starlark.String(lookupEnv(getCtx(thread), key)), nil
}

func setenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key, value string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &key, &value)
	if err != nil {
		return nil, err
	}

	getCtx(thread).envOverrides[key] = value
	return starlark.True, nil
}

func prependPathDir(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dir starlark.Value

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &dir)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	pathDir, err := singlePath(ctx, dir, "dir")
	if err != nil {
		return nil, err
	}

	path := pathDir + string(os.PathListSeparator) + lookupEnv(ctx, "PATH")
	ctx.envOverrides["PATH"] = path
	return starlark.String(path), nil
}

// lookupKey follows a dotted key through nested maps and lists. Numeric segments index lists.
func lookupKey(doc interface{}, key string) (interface{}, bool, error) {
	value := reflect.ValueOf(doc)
	for _, segment := range strings.Split(key, ".") {
		for value.Kind() == reflect.Interface {
			value = value.Elem()
		}

		switch value.Kind() {
		case reflect.Map:
			value = value.MapIndex(reflect.ValueOf(segment))
		case reflect.Slice:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= value.Len() {
				return nil, false, nil
			}
			value = value.Index(idx)
		case reflect.Invalid:
			return nil, false, nil
		default:
			return nil, false, eris.Errorf("can't look up %s in a value of kind %v", segment, value.Kind())
		}
	}

	for value.Kind() == reflect.Interface {
		value = value.Elem()
	}
	if !value.IsValid() {
		return nil, false, nil
	}
	return value.Interface(), true, nil
}

// readData backs read_yaml and read_json. JSON documents are valid YAML so both use the same decoder.
func readData(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var file, key string
	defaultValue := starlark.Value(starlark.None)

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &file, &key, &defaultValue)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	file = normalizePath(ctx, file)

	doc, loaded := ctx.dataCache[file]
	if !loaded {
		content, err := ioutil.ReadFile(file)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to open file %s", file)
		}

		err = yaml.Unmarshal(content, &doc)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse file %s", file)
		}
		ctx.dataCache[file] = doc
	}

	value, found, err := lookupKey(doc, key)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: invalid key %s for %s", fn.Name(), key, simplifyPath(ctx, file))
	}
	if !found {
		return defaultValue, nil
	}

	return interfaceToStarlark(value)
}

// statBuiltin returns a builtin which reports whether its argument exists and passes check.
func statBuiltin(check func(os.FileInfo) bool) builtinFn {
	return func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var path string

		err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &path)
		if err != nil {
			return nil, err
		}

		info, err := os.Stat(normalizePath(getCtx(thread), path))
		return starlark.Bool(err == nil && check(info)), nil
	}
}

// starExec runs a command while the script is evaluated and returns its output. Failures return False instead
// of aborting the script.
func starExec(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var command starlark.Value
	var outputFormat string
	var showError bool

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "command", &command, "format?", &outputFormat, "show_error?", &showError)
	if err != nil {
		return nil, err
	}

	switch outputFormat {
	case "":
		outputFormat = "text"
	case "text", "json":
	default:
		return nil, eris.Errorf("unsupported format %s", outputFormat)
	}

	ctx := getCtx(thread)
	base := filepath.Dir(ctx.filepath)
	parser := syntax.NewParser()

	var stmts []*syntax.Stmt
	switch command := command.(type) {
	case starlark.String:
		stmts, err = TaskCmdScript{TaskName: fn.Name(), Content: command.GoString()}.ToShellStmts(parser)
	case starlark.Tuple:
		var call *syntax.CallExpr
		call, err = processCmdParts(command, parser, base)
		stmts = []*syntax.Stmt{{Cmd: call}}
	default:
		return nil, eris.Errorf("unexpected type %s for command parameter, only strings and tuples are valid", command.Type())
	}
	if err != nil {
		return nil, err
	}

	var output strings.Builder
	var errOut io.Writer
	if showError {
		errOut = os.Stderr
	}

	runner, err := newShell(base, expand.ListEnviron(getEnvVars(ctx)...), &output, errOut)
	if err != nil {
		return nil, err
	}

	for _, stmt := range stmts {
		err = runner.Run(ctx.ctx, stmt)
		if err != nil {
			if showError {
				log(ctx.ctx).Error().Err(err).Msg("shell error")
			}
			return starlark.False, nil
		}
	}

	if outputFormat == "json" {
		var decoded interface{}
		err = json.Unmarshal([]byte(output.String()), &decoded)
		if err != nil {
			return nil, eris.Wrap(err, "failed to parse command output")
		}

		return interfaceToStarlark(decoded)
	}

	return starlark.String(output.String()), nil
}

func requireVersion(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var constraint string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &constraint)
	if err != nil {
		return nil, err
	}

	err = buildinfo.Require(constraint)
	if err != nil {
		return nil, err
	}

	return starlark.True, nil
}
