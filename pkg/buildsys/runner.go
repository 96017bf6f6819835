package buildsys

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/yanula20/sitepipe/pkg/assets"
	"github.com/yanula20/sitepipe/pkg/devserver"
	"github.com/yanula20/sitepipe/pkg/fsutil"
)

type (
	runtimeCtxKey struct{}
	runtimeCtx    struct {
		projectRoot string
		// serviceCtx is the context Run was called with. Background services use it since the contexts
		// handed to tasks are cancelled as soon as their errgroup finishes.
		serviceCtx context.Context
		lock       sync.Mutex
		runTasks   map[string]*taskRun
	}
	taskRun struct {
		done chan struct{}
		err  error
	}
)

func getRuntimeCtx(ctx context.Context) *runtimeCtx {
	return ctx.Value(runtimeCtxKey{}).(*runtimeCtx)
}

// ServerOptions are the defaults for serve() steps that don't set these values themselves.
type ServerOptions struct {
	Host       string
	Port       int
	LiveReload bool
}

// SessionOptions controls how a Session executes tasks.
type SessionOptions struct {
	// DryRun only logs commands and steps instead of executing them.
	DryRun bool
	// Force disables skip_if_exists and the up-to-date checks.
	Force bool
	// Stamps stores input fingerprints. Without it, tasks are compared by modification times.
	Stamps   *Stamps
	Server   ServerOptions
	Lull     time.Duration
	Progress bool
	Stdout   io.Writer
	Stderr   io.Writer
}

// Session runs tasks from a TaskList and owns the background services (servers and watchers) they start.
type Session struct {
	root     string
	tasks    TaskList
	opts     SessionOptions
	minifier *assets.Minifier

	services  sync.WaitGroup
	svcLock   sync.Mutex
	svcErrs   []error
	servers   []*devserver.Server
	rerunLock sync.Mutex
}

// NewSession prepares a session for the tasks parsed from a script in projectRoot.
func NewSession(projectRoot string, tasks TaskList, opts SessionOptions) *Session {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	return &Session{
		root:     projectRoot,
		tasks:    tasks,
		opts:     opts,
		minifier: assets.NewMinifier(),
	}
}

// Tasks returns the session's task list.
func (s *Session) Tasks() TaskList {
	return s.tasks
}

// Servers returns the servers started so far.
func (s *Session) Servers() []*devserver.Server {
	s.svcLock.Lock()
	defer s.svcLock.Unlock()
	return append([]*devserver.Server{}, s.servers...)
}

func getTaskEnv(task *Task) expand.Environ {
	envVars := os.Environ()

	for name, value := range task.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", name, value))
	}

	return expand.ListEnviron(envVars...)
}

var defaultExecHandler = interp.DefaultExecHandler(2)

func execHandler(ctx context.Context, args []string) error {
	if len(args) > 0 && fsutil.Commands[args[0]] {
		// always use our cross-platform implementation for these operations to make sure
		// they behave consistently
		hc := interp.HandlerCtx(ctx)
		return fsutil.Exec(hc.Dir, args)
	}

	return defaultExecHandler(ctx, args)
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

// newShell prepares an interpreter which fails on the first error and handles the fsutil commands in-process.
func newShell(dir string, env expand.Environ, stdout, stderr io.Writer) (*interp.Runner, error) {
	runner, err := interp.New(
		interp.Dir(dir),
		interp.Env(env),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, stdout, stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "failed to initialize the shell")
	}
	return runner, nil
}

func (s *Session) resolvePatterns(base string, patterns []string) ([]assets.Match, error) {
	resolved := make([]string, len(patterns))
	for idx, item := range patterns {
		resolved[idx] = joinPath(base, s.root, item)
	}

	return assets.Resolve(resolved)
}

// allExist checks that every pattern matches at least one file.
func (s *Session) allExist(base string, patterns []string) (bool, error) {
	for _, item := range patterns {
		matches, err := s.resolvePatterns(base, []string{item})
		if err != nil {
			return false, err
		}

		if len(matches) == 0 {
			return false, nil
		}
	}

	return true, nil
}

// Run executes the named tasks one after another. Dependencies are run concurrently and every task is executed at
// most once. The first failure cancels all other running tasks.
func (s *Session) Run(ctx context.Context, names ...string) error {
	err := ValidateGraph(s.tasks)
	if err != nil {
		return err
	}

	targets := make([]*Task, len(names))
	for idx, name := range names {
		task, ok := s.tasks[name]
		if !ok {
			return eris.Errorf("Task %s not found", name)
		}
		targets[idx] = task
	}

	rctx := runtimeCtx{
		projectRoot: s.root,
		serviceCtx:  ctx,
		runTasks:    make(map[string]*taskRun),
	}
	ctx = context.WithValue(ctx, runtimeCtxKey{}, &rctx)

	for _, task := range targets {
		err = s.runTask(ctx, task)
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Session) runTask(ctx context.Context, task *Task) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	rctx := getRuntimeCtx(ctx)
	rctx.lock.Lock()
	run, ok := rctx.runTasks[task.Short]
	if ok {
		rctx.lock.Unlock()
		log(ctx).Debug().Msgf("Task %s already run", task.Short)

		select {
		case <-run.done:
			return run.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	run = &taskRun{done: make(chan struct{})}
	rctx.runTasks[task.Short] = run
	rctx.lock.Unlock()

	run.err = s.runTaskInternal(ctx, task)
	close(run.done)
	return run.err
}

func (s *Session) runTaskInternal(ctx context.Context, task *Task) error {
	if len(task.Deps) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, dep := range task.Deps {
			dep := dep
			depTask := s.tasks[dep]

			g.Go(func() error {
				err := s.runTask(gctx, depTask)
				if err != nil {
					return eris.Wrapf(err, "Task %s failed due to its dependency %s", task.Short, dep)
				}
				return nil
			})
		}

		err := g.Wait()
		if err != nil {
			return err
		}
	}

	if !s.opts.Force {
		skip, err := s.skipIfExists(ctx, task)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}
	}

	// forced runs still refresh the stored fingerprint
	skip, stamp, err := s.upToDate(ctx, task)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}

	err = s.runCmds(ctx, task)
	if err != nil {
		return err
	}

	if stamp != "" && !s.opts.DryRun {
		err = s.opts.Stamps.Put(task.Short, stamp)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) skipIfExists(ctx context.Context, task *Task) (bool, error) {
	if len(task.SkipIfExists) == 0 {
		return false, nil
	}

	found, err := s.allExist(task.Base, task.SkipIfExists)
	if err != nil {
		return false, eris.Wrapf(err, "failed to resolve skipIfExists list")
	}

	if found {
		taskLog(ctx, task).Info().Msg("skipped because all skip files exist")
	}
	return found, nil
}

// upToDate compares the task's inputs to its outputs. If a stamp store is configured, the returned stamp has
// to be stored once the task succeeded.
func (s *Session) upToDate(ctx context.Context, task *Task) (bool, string, error) {
	if len(task.Inputs) == 0 || len(task.Outputs) == 0 {
		return false, "", nil
	}

	inputMatches, err := s.resolvePatterns(task.Base, task.Inputs)
	if err != nil {
		return false, "", eris.Wrap(err, "failed to resolve inputs")
	}
	inputList := assets.Files(inputMatches)

	outputsExist, err := s.allExist(task.Base, task.Outputs)
	if err != nil {
		return false, "", eris.Wrap(err, "failed to resolve output list")
	}

	if s.opts.Stamps != nil {
		stamp, err := fingerprint(inputList)
		if err != nil {
			return false, "", err
		}

		stored, err := s.opts.Stamps.Get(task.Short)
		if err != nil {
			return false, "", err
		}

		if outputsExist && stored == stamp && !s.opts.Force {
			taskLog(ctx, task).Info().Msg("nothing to do (inputs unchanged)")
			return true, "", nil
		}
		return false, stamp, nil
	}

	if !outputsExist || s.opts.Force {
		return false, "", nil
	}

	var newestInput time.Time
	for _, item := range inputList {
		info, err := os.Stat(item)
		if err != nil {
			return false, "", eris.Wrapf(err, "Failed to check input %s", item)
		}

		if info.ModTime().After(newestInput) {
			newestInput = info.ModTime()
		}
	}

	if newestInput.IsZero() {
		return false, "", nil
	}

	outputMatches, err := s.resolvePatterns(task.Base, task.Outputs)
	if err != nil {
		return false, "", eris.Wrap(err, "failed to resolve output list")
	}

	// every output has to be newer than the newest input
	for _, item := range assets.Files(outputMatches) {
		info, err := os.Stat(item)
		if err != nil {
			return false, "", eris.Wrapf(err, "Failed to check output %s", item)
		}

		if !info.ModTime().After(newestInput) {
			return false, "", nil
		}
	}

	taskLog(ctx, task).Info().Msg("nothing to do (outputs are newer than inputs)")
	return true, "", nil
}

func (s *Session) runCmds(ctx context.Context, task *Task) error {
	runner, err := newShell(task.Base, getTaskEnv(task), s.opts.Stdout, s.opts.Stderr)
	if err != nil {
		return err
	}

	parser := syntax.NewParser()
	printer := syntax.NewPrinter(
		syntax.Minify(true),
	)
	strBuffer := strings.Builder{}

	for _, item := range task.Cmds {
		switch cmd := item.(type) {
		case TaskCmdStep:
			desc := cmd.Step.Describe()
			taskLog(ctx, task).Info().
				Bool("step", true).
				Msg(desc)

			if !s.opts.DryRun {
				err = cmd.Step.Run(ctx, s)
				if err != nil {
					return eris.Wrapf(err, "Task %s failed in step %s", task.Short, desc)
				}
			}
		case TaskCmdTaskRef:
			err = s.runTask(ctx, cmd.Task)
			if err != nil {
				return err
			}
		default:
			stmts, err := item.ToShellStmts(parser)
			if err != nil {
				return eris.Wrap(err, "failed to parser shell script")
			}

			for _, stm := range stmts {
				strBuffer.Reset()
				printer.Print(&strBuffer, stm)
				taskLog(ctx, task).Info().
					Bool("command", true).
					Msg(strBuffer.String())

				if !s.opts.DryRun {
					err = runner.Run(ctx, stm)
					if err != nil {
						return eris.Wrapf(err, "Task %s failed", task.Short)
					}

					if runner.Exited() {
						return nil
					}
				}
			}
		}

		if err = ctx.Err(); err != nil {
			return err
		}
	}

	return nil
}

// startService runs fn in the background until the context passed to Run is cancelled.
func (s *Session) startService(ctx context.Context, name string, fn func(context.Context) error) {
	svcCtx := getRuntimeCtx(ctx).serviceCtx

	s.services.Add(1)
	go func() {
		defer s.services.Done()

		err := fn(svcCtx)
		if err != nil {
			log(svcCtx).Error().Err(err).Msgf("%s stopped", name)

			s.svcLock.Lock()
			s.svcErrs = append(s.svcErrs, eris.Wrapf(err, "%s failed", name))
			s.svcLock.Unlock()
		}
	}()
}

// rerun is called by watchers. Only one rerun is active at a time and failures are only logged.
func (s *Session) rerun(ctx context.Context, names []string, changed []string) {
	s.rerunLock.Lock()
	defer s.rerunLock.Unlock()

	if ctx.Err() != nil {
		return
	}

	log(ctx).Info().
		Strs("files", changed).
		Msgf("Change detected, running %s", strings.Join(names, ", "))

	err := s.Run(ctx, names...)
	if err != nil {
		log(ctx).Error().Err(err).Msg("Rerun failed")
	}
}

// Wait blocks until all background services have stopped or ctx is cancelled. It returns the first error reported
// by a service.
func (s *Session) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.services.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// give services a moment to shut down cleanly
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			return eris.New("timed out waiting for services to stop")
		}
	}

	s.svcLock.Lock()
	defer s.svcLock.Unlock()
	if len(s.svcErrs) > 0 {
		return s.svcErrs[0]
	}
	return nil
}
