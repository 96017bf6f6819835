// Package cmd implements the sitepipe command line interface.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/yanula20/sitepipe/pkg/buildsys"
)

var rootCmd = &cobra.Command{
	Use:   "sitepipe [task...] [option=value...]",
	Short: "Task runner for static front-end projects",
	Long: `This command parses the closest tasks.star file (or the built-in tasks if there is none) and executes the
given tasks. Without any task, the available tasks and options are listed.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runTasks,
}

func init() {
	rootCmd.Flags().BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	rootCmd.Flags().BoolP("force", "f", false, "force build; always execute the passed steps even if they don't have to run")
	rootCmd.PersistentFlags().String("file", "", "task script to use instead of searching for tasks.star")
}

// Execute runs the root command and exits with status 1 on failure.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		printError(eris.ToString(err, false))
		os.Exit(1)
	}
}

// splitArgs separates task names from key=value script options.
func splitArgs(args []string) ([]string, map[string]string) {
	taskArgs := make([]string, 0)
	options := make(map[string]string)

	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > -1 {
			options[part[:pos]] = part[pos+1:]
		} else {
			taskArgs = append(taskArgs, part)
		}
	}

	return taskArgs, options
}

func runTasks(cmd *cobra.Command, args []string) error {
	dryRun, err := cmd.Flags().GetBool("dry")
	if err != nil {
		return err
	}

	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	taskArgs, options := splitArgs(args)

	proj, err := openProject(cmd)
	if err != nil {
		return err
	}
	defer proj.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = buildsys.WithLogger(ctx, proj.logger)

	taskList, err := proj.Parse(ctx, options)
	if err != nil {
		proj.logger.Error().Err(err).Msg("Failed to parse tasks")
		return eris.New("failed to parse tasks")
	}

	if len(taskArgs) == 0 {
		scriptOptions, err := proj.Options(ctx)
		if err != nil {
			return err
		}

		printTasks(cmd.OutOrStdout(), proj.ScriptLabel(), taskList, scriptOptions)
		return nil
	}

	stamps, err := buildsys.OpenStamps(proj.StatePath())
	if err != nil {
		return eris.Wrap(err, "failed to open the state database")
	}
	defer stamps.Close()

	session := buildsys.NewSession(proj.root, taskList, buildsys.SessionOptions{
		DryRun: dryRun,
		Force:  force,
		Stamps: stamps,
		Server: buildsys.ServerOptions{
			Host:       proj.cfg.Server.Host,
			Port:       proj.cfg.Server.Port,
			LiveReload: proj.cfg.Server.LiveReload,
		},
		Lull:     proj.cfg.LullDuration(),
		Progress: proj.cfg.Progress && !proj.cfg.Log.JSON,
	})

	err = session.Run(ctx, taskArgs...)
	if err != nil {
		proj.logger.Error().Err(err).Msgf("Failed task %s:", strings.Join(taskArgs, ", "))
		cancel()
		_ = session.Wait(ctx)
		return eris.New("build failed")
	}

	if len(session.Servers()) > 0 {
		proj.logger.Info().Msg("Press Ctrl+C to stop")
	}

	return session.Wait(ctx)
}

func printTasks(out io.Writer, script string, taskList buildsys.TaskList, options map[string]buildsys.ScriptOption) {
	fmt.Fprintf(out, "Tasks from %s:\n", script)
	maxNameLen := 0
	sortedNames := make([]string, 0, len(taskList))
	for _, task := range taskList {
		nameLen := len(task.Short)
		if nameLen > maxNameLen {
			maxNameLen = nameLen
		}

		sortedNames = append(sortedNames, task.Short)
	}

	sort.Strings(sortedNames)

	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, name := range sortedNames {
		fmt.Fprintf(out, lineFmt, name+":", taskList[name].Desc)
	}

	if len(options) == 0 {
		return
	}

	fmt.Fprintln(out, "\nOptions:")
	optNames := make([]string, 0, len(options))
	maxNameLen = 0
	for name := range options {
		if len(name) > maxNameLen {
			maxNameLen = len(name)
		}
		optNames = append(optNames, name)
	}
	sort.Strings(optNames)

	lineFmt = fmt.Sprintf(" * %%-%ds %%s (default: %%q)\n", maxNameLen+3)
	for _, name := range optNames {
		fmt.Fprintf(out, lineFmt, name+"=", options[name].Help, options[name].Default())
	}
}
