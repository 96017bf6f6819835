package cmd

import (
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yanula20/sitepipe/pkg/buildsys"
	"github.com/yanula20/sitepipe/pkg/config"
)

type project struct {
	root string
	// script is empty if the built-in tasks are used
	script string
	cfg    *config.Config
	logger *zerolog.Logger
	closer io.Closer
}

// findProjectRoot walks up from dir until it finds a directory containing a task script or a config file. dir
// itself is returned if there is none.
func findProjectRoot(dir string) (string, error) {
	path := dir
	for {
		for _, name := range []string{buildsys.ScriptName, config.FileName} {
			_, err := os.Stat(filepath.Join(path, name))
			if err == nil {
				return path, nil
			}
			if !eris.Is(err, os.ErrNotExist) {
				return "", eris.Wrapf(err, "failed to check %s", filepath.Join(path, name))
			}
		}

		parent := filepath.Dir(path)
		if parent == path {
			return dir, nil
		}
		path = parent
	}
}

func openProject(cmd *cobra.Command) (*project, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, eris.Wrap(err, "failed to retrieve the current working directory")
	}

	file, err := cmd.Flags().GetString("file")
	if err != nil {
		return nil, err
	}

	proj := &project{}
	if file != "" {
		proj.script, err = filepath.Abs(file)
		if err != nil {
			return nil, err
		}
		proj.root = filepath.Dir(proj.script)
	} else {
		proj.root, err = findProjectRoot(wd)
		if err != nil {
			return nil, err
		}
	}

	proj.cfg, err = config.Load(proj.root)
	if err != nil {
		return nil, err
	}

	if proj.script == "" {
		candidate := proj.resolve(proj.cfg.Tasks)
		_, err = os.Stat(candidate)
		if err == nil {
			proj.script = candidate
		} else if !eris.Is(err, os.ErrNotExist) {
			return nil, eris.Wrapf(err, "failed to check %s", candidate)
		}
	}

	proj.logger, proj.closer, err = newLogger(proj.cfg, os.Stderr)
	if err != nil {
		return nil, err
	}

	return proj, nil
}

func (p *project) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.root, path)
}

// StatePath returns the location of the fingerprint database.
func (p *project) StatePath() string {
	return p.resolve(p.cfg.State)
}

// ScriptLabel describes where the tasks come from.
func (p *project) ScriptLabel() string {
	if p.script == "" {
		return "the built-in defaults"
	}

	wd, err := os.Getwd()
	if err == nil {
		rel, err := filepath.Rel(wd, p.script)
		if err == nil {
			return rel
		}
	}
	return p.script
}

func (p *project) source() (string, []byte, error) {
	if p.script == "" {
		return filepath.Join(p.root, buildsys.ScriptName), buildsys.DefaultScript, nil
	}

	data, err := ioutil.ReadFile(p.script)
	if err != nil {
		return "", nil, eris.Wrapf(err, "failed to read %s", p.script)
	}
	return p.script, data, nil
}

// Parse loads the project's tasks. Options from the config file are overridden by options.
func (p *project) Parse(ctx context.Context, options map[string]string) (buildsys.TaskList, error) {
	filename, source, err := p.source()
	if err != nil {
		return nil, err
	}

	return buildsys.ParseSource(ctx, filename, source, p.root, p.cfg.ScriptOptions(options))
}

// Options returns the options declared by the project's script.
func (p *project) Options(ctx context.Context) (map[string]buildsys.ScriptOption, error) {
	filename, source, err := p.source()
	if err != nil {
		return nil, err
	}

	return buildsys.Inspect(ctx, filename, source, p.root)
}

func (p *project) Close() {
	if p.closer != nil {
		p.closer.Close()
	}
}
