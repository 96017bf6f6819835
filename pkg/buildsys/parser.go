package buildsys

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"mvdan.cc/sh/v3/syntax"

	"github.com/yanula20/sitepipe/pkg/buildinfo"
)

type parserCtx struct {
	ctx          context.Context
	options      map[string]ScriptOption
	optionValues map[string]string
	envOverrides map[string]string
	dataCache    map[string]interface{}
	filepath     string
	projectRoot  string
	tasks        []*Task
	initPhase    bool
}

// * Helpers

func getCtx(thread *starlark.Thread) *parserCtx {
	return thread.Local("parserCtx").(*parserCtx)
}

type starlarkIterable interface {
	Len() int
	Iterate() starlark.Iterator
}

func starlarkIterable2stringSlice(input starlarkIterable, field string) ([]string, error) {
	if value, ok := input.(*starlark.List); ok && value == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			result = append(result, value.GoString())
		default:
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, item.Type())
		}
	}
	return result, nil
}

func starlarkDict2stringMap(input *starlark.Dict, field string) (map[string]string, error) {
	result := map[string]string{}
	if input == nil {
		return result, nil
	}

	for _, item := range input.Items() {
		key, ok := item[0].(starlark.String)
		if !ok {
			return nil, eris.Errorf("found key type %s in %s but only strings are supported", item[0].Type(), field)
		}

		value, ok := item[1].(starlark.String)
		if !ok {
			return nil, eris.Errorf("found value of type %s for key %s in %s but only strings are supported", item[1].Type(), key.GoString(), field)
		}
		result[key.GoString()] = value.GoString()
	}
	return result, nil
}

func processCmdParts(parts starlark.Tuple, parser *syntax.Parser, base string) (*syntax.CallExpr, error) {
	envVars := make([]string, 0, len(parts))
	for _, part := range parts {
		end := false
		switch value := part.(type) {
		case starlark.String:
			if strings.Contains(value.GoString(), "=") {
				envVars = append(envVars, value.GoString())
			} else {
				end = true
			}
		default:
			break
		}

		if end {
			break
		}
	}

	var cmd *syntax.CallExpr
	if len(envVars) > 0 {
		joinedEnvVars := strings.Join(envVars, " ")
		result, err := parser.Parse(strings.NewReader(joinedEnvVars), "env vars")
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse command vars %s", joinedEnvVars)
		}

		if len(result.Stmts) != 1 || result.Stmts[0].Cmd == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}

		var ok bool
		cmd, ok = result.Stmts[0].Cmd.(*syntax.CallExpr)
		if !ok || cmd.Assigns == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}
	} else {
		cmd = new(syntax.CallExpr)
	}

	argCount := len(parts) - len(envVars)
	cmd.Args = make([]*syntax.Word, argCount)
	for a, arg := range parts[len(envVars):] {
		var encodedValue string

		switch value := arg.(type) {
		case starlark.String:
			encodedValue = value.GoString()
		case StarlarkPath:
			encodedValue = string(value)

			if filepath.IsAbs(encodedValue) {
				// absolute paths cause issues on Windows
				var err error
				relValue, err := filepath.Rel(base, encodedValue)
				if err == nil {
					encodedValue = relValue
				}
			}

			encodedValue = filepath.ToSlash(encodedValue)
		default:
			return nil, eris.Errorf("found argument of type %s but only strings and paths are supported: %s", arg.Type(), arg.String())
		}

		var wordPart syntax.WordPart

		if strings.ContainsAny(encodedValue, " $'") {
			node := new(syntax.SglQuoted)
			node.Left = syntax.Pos{}
			node.Right = syntax.Pos{}
			node.Value = encodedValue

			wordPart = syntax.WordPart(node)
		} else {
			node := new(syntax.Lit)
			node.ValuePos = syntax.Pos{}
			node.ValueEnd = syntax.Pos{}
			node.Value = encodedValue

			wordPart = syntax.WordPart(node)
		}

		cmd.Args[a] = new(syntax.Word)
		cmd.Args[a].Parts = []syntax.WordPart{wordPart}
	}

	return cmd, nil
}

// scriptLog logs msg at level, prefixed with the script position of the current builtin call.
func scriptLog(thread *starlark.Thread, level zerolog.Level, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	log(ctx.ctx).WithLevel(level).
		Msgf("%s:%d:%d: %s", simplifyPath(ctx, ctx.filepath), pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

// toTaskCmd converts an entry of task(cmds = [...]). Tuples and lists are turned into a single quoted shell
// command.
func toTaskCmd(item starlark.Value, task *Task, idx int) (TaskCmd, error) {
	var parts starlark.Tuple
	switch value := item.(type) {
	case starlark.String:
		return TaskCmdScript{TaskName: task.Short, Index: idx, Content: value.GoString()}, nil
	case *Task:
		return TaskCmdTaskRef{Task: value}, nil
	case *StarlarkStep:
		return TaskCmdStep{Step: value.Step}, nil
	case starlark.Tuple:
		parts = value
	case *starlark.List:
		parts = make(starlark.Tuple, value.Len())
		for i := range parts {
			parts[i] = value.Index(i)
		}
	default:
		return nil, eris.Errorf("unexpected type %s. Only strings, tuples, lists, tasks and steps are valid", item.Type())
	}

	call, err := processCmdParts(parts, syntax.NewParser(), task.Base)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to process command #%d", idx)
	}

	var buffer strings.Builder
	err = syntax.NewPrinter(syntax.Minify(true)).Print(&buffer, call)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to process command #%d", idx)
	}

	return TaskCmdScript{TaskName: task.Short, Index: idx, Content: buffer.String()}, nil
}

// * Builtin functions

func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultValue starlark.String
	var help string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !ctx.initPhase {
		return nil, eris.New("can only be called during the init phase (in the global scope)")
	}

	ctx.options[name] = ScriptOption{
		DefaultValue: defaultValue,
		Help:         help,
	}

	value, ok := ctx.optionValues[name]
	if ok {
		return starlark.String(value), nil
	}

	return defaultValue, nil
}

func task(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps *starlark.List
	var skipIfExists *starlark.List
	var inputs *starlark.List
	var outputs *starlark.List
	var env *starlark.Dict
	var cmds *starlark.List

	task := new(Task)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "short??", &task.Short, "hidden?", &task.Hidden,
		"desc?", &task.Desc, "deps?", &deps, "base?", &task.Base, "skip_if_exists?", &skipIfExists, "inputs?",
		&inputs, "outputs?", &outputs, "env?", &env, "cmds?", &cmds)
	if err != nil {
		return nil, err
	}

	if task.Short == "" {
		task.Hidden = true
		task.Short = "auto#" + nanoid.New()
	}

	if task.Short == "configure" {
		return nil, eris.New(`the task name "configure" is reserved, please use a different name`)
	}

	if task.Base == "" {
		task.Base = "."
	}
	task.Base = normalizePath(getCtx(thread), task.Base)

	task.Deps, err = starlarkIterable2stringSlice(deps, "deps")
	if err != nil {
		return nil, err
	}

	task.SkipIfExists, err = starlarkIterable2stringSlice(skipIfExists, "skip_if_exists")
	if err != nil {
		return nil, err
	}

	task.Inputs, err = starlarkIterable2stringSlice(inputs, "inputs")
	if err != nil {
		return nil, err
	}

	task.Outputs, err = starlarkIterable2stringSlice(outputs, "outputs")
	if err != nil {
		return nil, err
	}

	task.Env, err = starlarkDict2stringMap(env, "env")
	if err != nil {
		return nil, err
	}

	if cmds == nil {
		cmds = starlark.NewList(nil)
	}
	task.Cmds = make([]TaskCmd, cmds.Len())
	for idx := range task.Cmds {
		task.Cmds[idx], err = toTaskCmd(cmds.Index(idx), task, idx)
		if err != nil {
			return nil, eris.Wrap(err, fn.Name())
		}
	}

	if inputs != nil && inputs.Len() > 0 && (outputs == nil || outputs.Len() == 0) {
		scriptLog(thread, zerolog.WarnLevel, "%s: found inputs but no outputs", fn.Name())
	}

	if !task.Hidden {
		ctx := getCtx(thread)
		for _, other := range ctx.tasks {
			if other.Short == task.Short {
				return nil, eris.Errorf("task %s was already declared", task.Short)
			}
		}
		ctx.tasks = append(ctx.tasks, task)
	}
	return task, nil
}

// DefaultScript is used when a project doesn't have its own tasks.star.
//go:embed defaults.star
var DefaultScript []byte

// ScriptName is the file name Parse looks for.
const ScriptName = "tasks.star"

// Parse runs the task script at filename, calls its configure function and validates the resulting task graph.
func Parse(ctx context.Context, filename, projectRoot string, options map[string]string) (TaskList, error) {
	script, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read file")
	}

	return ParseSource(ctx, filename, script, projectRoot, options)
}

// ParseSource works like Parse but reads the script from source. filename is only used to resolve relative paths
// and in error messages.
func ParseSource(ctx context.Context, filename string, source []byte, projectRoot string, options map[string]string) (TaskList, error) {
	tasks, _, err := runScript(ctx, filename, source, projectRoot, options, true)
	if err != nil {
		return nil, err
	}

	err = ValidateGraph(tasks)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// ParseDefault parses DefaultScript as if it was stored in projectRoot.
func ParseDefault(ctx context.Context, projectRoot string, options map[string]string) (TaskList, error) {
	return ParseSource(ctx, filepath.Join(projectRoot, ScriptName), DefaultScript, projectRoot, options)
}

// Inspect only runs the script's global scope and returns the options it declares.
func Inspect(ctx context.Context, filename string, source []byte, projectRoot string) (map[string]ScriptOption, error) {
	_, options, err := runScript(ctx, filename, source, projectRoot, nil, false)
	return options, err
}

// scriptError keeps Starlark backtraces intact since they already point at the failing line.
func scriptError(err error, msg string, args ...interface{}) error {
	var evalError *starlark.EvalError
	if errors.As(err, &evalError) {
		return eris.Errorf("%s:\n%s", fmt.Sprintf(msg, args...), evalError.Backtrace())
	}
	return eris.Wrapf(err, msg, args...)
}

func runScript(ctx context.Context, filename string, script []byte, projectRoot string, options map[string]string, doConfigure bool) (TaskList, map[string]ScriptOption, error) {
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, nil, err
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, nil, err
	}

	if options == nil {
		options = map[string]string{}
	}

	builtins := starlark.StringDict{
		"OS":      starlark.String(runtime.GOOS),
		"ARCH":    starlark.String(runtime.GOARCH),
		"VERSION": starlark.String(buildinfo.Version),
	}
	for name, fn := range scriptBuiltins {
		builtins[name] = starlark.NewBuiltin(name, fn)
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	threadCtx := parserCtx{
		ctx:          ctx,
		filepath:     filename,
		projectRoot:  projectRoot,
		options:      make(map[string]ScriptOption),
		optionValues: options,
		envOverrides: make(map[string]string),
		tasks:        make([]*Task, 0),
		dataCache:    make(map[string]interface{}),
		initPhase:    true,
	}
	thread.SetLocal("parserCtx", &threadCtx)

	scriptName := simplifyPath(&threadCtx, filename)
	globals, err := starlark.ExecFile(thread, scriptName, script, builtins)
	if err != nil {
		return nil, nil, scriptError(err, "failed to execute %s", scriptName)
	}

	tasks := TaskList{}
	if !doConfigure {
		return tasks, threadCtx.options, nil
	}

	configure, ok := globals["configure"].(starlark.Callable)
	if !ok {
		return nil, nil, eris.Errorf("%s has to declare a configure function", scriptName)
	}

	threadCtx.initPhase = false
	_, err = starlark.Call(thread, configure, nil, nil)
	if err != nil {
		return nil, nil, scriptError(err, "failed configure call in %s", scriptName)
	}

	// setenv() values apply to every task that doesn't set the variable itself
	for _, task := range threadCtx.tasks {
		tasks[task.Short] = task

		for name, value := range threadCtx.envOverrides {
			if _, present := task.Env[name]; !present {
				task.Env[name] = value
			}
		}
	}

	return tasks, threadCtx.options, nil
}
