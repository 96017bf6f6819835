package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/yanula20/sitepipe/pkg/fsutil"
)

var fsCmd = &cobra.Command{
	Use:   "fs",
	Short: "Portable file commands",
	Long: `These commands behave the same on every platform. Task scripts don't need them since mv, rm, mkdir and cp
are handled by the task shell directly.`,
}

func newFsCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:                name + " [flags] <paths...>",
		Short:              short,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}

			return fsutil.Exec(wd, append([]string{name}, args...))
		},
	}
}

func init() {
	fsCmd.AddCommand(
		newFsCmd("mv", "Moves files or directories; the last argument is the destination"),
		newFsCmd("rm", "Removes files (-r for directories, -f to ignore missing paths)"),
		newFsCmd("mkdir", "Creates directories (-p to create parents)"),
		newFsCmd("cp", "Copies files (-r for directories); the last argument is the destination"),
	)
	rootCmd.AddCommand(fsCmd)
}
