package buildsys

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
	"mvdan.cc/sh/v3/syntax"
)

type TaskCmdScript struct {
	TaskName string
	Content  string
	Index    int
}

func (s TaskCmdScript) ToTask() (*Task, error) {
	return nil, nil
}

func (s TaskCmdScript) ToShellStmts(parser *syntax.Parser) ([]*syntax.Stmt, error) {
	reader := strings.NewReader(s.Content)
	result, err := parser.Parse(reader, fmt.Sprintf("%s:%d", s.TaskName, s.Index))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %s", s.Content)
	}

	return result.Stmts, nil
}

type TaskCmdTaskRef struct {
	Task *Task
}

func (t TaskCmdTaskRef) ToTask() (*Task, error) {
	return t.Task, nil
}

func (t TaskCmdTaskRef) ToShellStmts(*syntax.Parser) ([]*syntax.Stmt, error) {
	return nil, nil
}

// TaskCmdStep runs one of the built-in file steps (copy, bundle, inject, ...)
type TaskCmdStep struct {
	Step Step
}

func (s TaskCmdStep) ToTask() (*Task, error) {
	return nil, nil
}

func (s TaskCmdStep) ToShellStmts(*syntax.Parser) ([]*syntax.Stmt, error) {
	return nil, nil
}

type TaskCmd interface {
	ToTask() (*Task, error)
	ToShellStmts(*syntax.Parser) ([]*syntax.Stmt, error)
}

// Step is a built-in operation that can be listed in a task's cmds.
type Step interface {
	// Describe returns a one line summary which is logged before the step runs (or instead of running it
	// during a dry run).
	Describe() string
	Run(ctx context.Context, s *Session) error
}

// Task contains the processed values passed to task() by the task script
type Task struct {
	Env          map[string]string
	Short        string
	Desc         string
	Base         string
	Inputs       []string
	Deps         []string
	SkipIfExists []string
	Outputs      []string
	Cmds         []TaskCmd
	Hidden       bool
}

// TaskList maps short names to each relevant task
type TaskList map[string]*Task

type ScriptOption struct {
	DefaultValue starlark.String
	Help         string
}

func (o ScriptOption) Default() string {
	return o.DefaultValue.GoString()
}

var (
	_ starlark.HasAttrs  = (*Task)(nil)
	_ starlark.HasBinary = StarlarkPath("")
)

func (t *Task) String() string {
	return fmt.Sprintf("<Task %s: %s>", t.Short, t.Desc)
}

func (t *Task) Type() string {
	return "task"
}

// Freeze is a no-op; tasks can't be modified from scripts.
func (t *Task) Freeze() {}

func (t *Task) Truth() starlark.Bool {
	return starlark.True
}

func (t *Task) Hash() (uint32, error) {
	return 0, eris.New("task is not a hashable type")
}

// Attr exposes the task's name, description and dependencies to scripts.
func (t *Task) Attr(name string) (starlark.Value, error) {
	switch name {
	case "short":
		return starlark.String(t.Short), nil
	case "desc":
		return starlark.String(t.Desc), nil
	case "deps":
		deps := make(starlark.Tuple, len(t.Deps))
		for idx, dep := range t.Deps {
			deps[idx] = starlark.String(dep)
		}
		return deps, nil
	}
	return nil, nil
}

func (t *Task) AttrNames() []string {
	return []string{"deps", "desc", "short"}
}

// StarlarkStep wraps a Step so it can be passed around in task scripts.
type StarlarkStep struct {
	Step Step
}

func (s *StarlarkStep) String() string {
	return fmt.Sprintf("<Step %s>", s.Step.Describe())
}

func (s *StarlarkStep) Type() string {
	return "step"
}

func (s *StarlarkStep) Freeze() {}

func (s *StarlarkStep) Truth() starlark.Bool {
	return starlark.True
}

func (s *StarlarkStep) Hash() (uint32, error) {
	return 0, eris.New("step is not a hashable type")
}

type StarlarkPath string

func (p StarlarkPath) String() string {
	return starlark.String(p).String()
}

func (p StarlarkPath) Type() string {
	return "path"
}

func (p StarlarkPath) Freeze() {}

func (p StarlarkPath) Truth() starlark.Bool {
	return p != ""
}

func (p StarlarkPath) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}

func (p StarlarkPath) CompareSameType(op starsyntax.Token, y_ starlark.Value, depth int) (bool, error) {
	y := y_.(StarlarkPath)

	switch op {
	case starsyntax.EQL:
		return p == y, nil
	case starsyntax.NEQ:
		return p != y, nil
	case starsyntax.LT:
		return p < y, nil
	case starsyntax.LE:
		return p <= y, nil
	case starsyntax.GT:
		return p > y, nil
	case starsyntax.GE:
		return p >= y, nil
	}

	return false, eris.Errorf("unknown operator %v", op)
}

// Binary allows appending strings to paths: resolve_path("dist") + "/index.html" is still a path.
func (p StarlarkPath) Binary(op starsyntax.Token, y starlark.Value, side starlark.Side) (starlark.Value, error) {
	other, ok := y.(starlark.String)
	if op != starsyntax.PLUS || !ok {
		return nil, nil
	}

	if side == starlark.Left {
		return StarlarkPath(string(p) + other.GoString()), nil
	}
	return starlark.String(other.GoString() + string(p)), nil
}

func (p StarlarkPath) Index(i int) starlark.Value {
	return starlark.String(p[i])
}

func (p StarlarkPath) Len() int {
	return len(p)
}

func (p StarlarkPath) Slice(start, end, step int) starlark.Value {
	return starlark.String(p).Slice(start, end, step)
}
