package cmd

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/yanula20/sitepipe/pkg/buildsys"
	"github.com/yanula20/sitepipe/pkg/config"
)

const starterIndex = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>New site</title>
  <!-- inject:css -->
  <!-- endinject -->
</head>
<body>
  <!-- inject:js -->
  <!-- endinject -->
</body>
</html>
`

const starterConfig = `# [log]
# level = "info"

# [paths]
# src = "src"
# tmp = "tmp"
# dist = "dist"

# [server]
# host = "localhost"
# port = 3000
# live_reload = true
`

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Writes the built-in tasks to tasks.star and creates a starter page",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}

		dir, err = filepath.Abs(dir)
		if err != nil {
			return err
		}

		printTask("Initialising " + dir)
		written, err := initProject(dir, force)
		for _, name := range written {
			printSubtask("wrote " + name)
		}
		return err
	},
}

func init() {
	initCmd.Flags().BoolP("force", "f", false, "overwrite an existing tasks.star")
	rootCmd.AddCommand(initCmd)
}

// initProject writes the starter files into dir and returns the ones it wrote. Only tasks.star is overwritten when
// force is set; the other files are left alone if they exist.
func initProject(dir string, force bool) ([]string, error) {
	files := []struct {
		name      string
		content   []byte
		overwrite bool
	}{
		{buildsys.ScriptName, buildsys.DefaultScript, force},
		{config.FileName, []byte(starterConfig), false},
		{filepath.Join("src", "index.html"), []byte(starterIndex), false},
	}

	written := make([]string, 0, len(files))
	for _, file := range files {
		path := filepath.Join(dir, file.name)
		_, err := os.Stat(path)
		if err == nil {
			if file.name == buildsys.ScriptName && !file.overwrite {
				return written, eris.Errorf("%s already exists, pass --force to overwrite it", path)
			}
			if !file.overwrite {
				continue
			}
		} else if !eris.Is(err, os.ErrNotExist) {
			return written, eris.Wrapf(err, "failed to check %s", path)
		}

		err = os.MkdirAll(filepath.Dir(path), 0770)
		if err != nil {
			return written, eris.Wrapf(err, "failed to create %s", filepath.Dir(path))
		}

		err = ioutil.WriteFile(path, file.content, 0660)
		if err != nil {
			return written, eris.Wrapf(err, "failed to write %s", path)
		}
		written = append(written, file.name)
	}

	return written, nil
}
