// Package fsutil provides portable implementations of the few POSIX file commands task scripts rely on.
// They're used by the fs CLI subcommands and intercepted in-process by the task shell.
package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rotisserie/eris"
	"github.com/spf13/pflag"
)

// Commands lists the command names handled by Exec.
var Commands = map[string]bool{
	"mv":    true,
	"rm":    true,
	"mkdir": true,
	"cp":    true,
}

// Exec runs one of the supported commands. args[0] is the command name, relative paths are resolved against dir.
func Exec(dir string, args []string) error {
	if len(args) == 0 {
		return eris.New("no command given")
	}

	flags := pflag.NewFlagSet(args[0], pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	recursive := flags.BoolP("recursive", "r", false, "recursively handle directories")
	force := flags.BoolP("force", "f", false, "suppresses errors caused by missing files/folders")
	parents := flags.BoolP("parents", "p", false, "create parent directories as needed")

	err := flags.Parse(args[1:])
	if err != nil {
		return eris.Wrapf(err, "invalid arguments for %s", args[0])
	}

	paths := make([]string, flags.NArg())
	for idx, item := range flags.Args() {
		if !filepath.IsAbs(item) {
			item = filepath.Join(dir, item)
		}
		paths[idx] = item
	}

	switch args[0] {
	case "mv":
		return Move(paths)
	case "rm":
		return Remove(paths, *recursive, *force)
	case "mkdir":
		return Mkdir(paths, *parents)
	case "cp":
		return CopyPaths(paths, *recursive)
	default:
		return eris.Errorf("unsupported command %s", args[0])
	}
}

func expandArgs(args []string, allowEmpty bool) ([]string, error) {
	if runtime.GOOS != "windows" {
		return args, nil
	}

	items := []string{}
	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "Failed to resolve pattern %s", arg)
		}

		if matches == nil {
			if allowEmpty {
				continue
			}
			return nil, eris.Errorf("Pattern %s produced no matches", arg)
		}

		items = append(items, matches...)
	}
	return items, nil
}

// Move moves all but the last path into the last one.
func Move(args []string) error {
	if len(args) < 2 {
		return eris.New("Not enough parameters")
	}

	dest := filepath.Clean(args[len(args)-1])
	destParent := filepath.Dir(dest)
	info, err := os.Stat(destParent)
	if err != nil {
		return eris.Wrapf(err, "Could not find destination directory %s", destParent)
	}

	if !info.IsDir() {
		return eris.Errorf("%s is not a directory!", destParent)
	}

	destIsDir := false
	info, err = os.Stat(dest)
	if err != nil && !eris.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "Failed to retrieve info about destination %s", dest)
	}
	if err == nil {
		destIsDir = info.IsDir()
	}

	items, err := expandArgs(args[:len(args)-1], false)
	if err != nil {
		return err
	}

	if len(items) > 1 && !destIsDir {
		return eris.Errorf("Can't move multiple items to %s because it is not a directory!", dest)
	}

	for _, item := range items {
		itemDest := dest
		if destIsDir {
			itemDest = filepath.Join(dest, filepath.Base(item))
		}

		err = os.Rename(item, itemDest)
		if err != nil {
			return eris.Wrapf(err, "Failed to move %s to %s", item, itemDest)
		}
	}

	return nil
}

// Remove deletes the passed paths. Directories require recursive, missing paths are ignored with force.
func Remove(args []string, recursive, force bool) error {
	items, err := expandArgs(args, force)
	if err != nil {
		return err
	}

	existing := make([]string, 0, len(items))
	for _, item := range items {
		info, err := os.Stat(item)
		if err != nil {
			if force && eris.Is(err, os.ErrNotExist) {
				continue
			}
			return eris.Wrapf(err, "Could not stat %s", item)
		}

		if info.IsDir() && !recursive {
			return eris.Errorf("%s is a directory but -r wasn't passed", item)
		}
		existing = append(existing, item)
	}

	for _, item := range existing {
		err := os.RemoveAll(item)
		if err != nil && (!force || !eris.Is(err, os.ErrNotExist)) {
			return eris.Wrapf(err, "Could not delete %s", item)
		}
	}

	return nil
}

// Mkdir creates the passed directories.
func Mkdir(args []string, parents bool) error {
	for _, item := range args {
		var err error
		if parents {
			err = os.MkdirAll(item, 0770)
		} else {
			err = os.Mkdir(item, 0770)
		}

		if err != nil {
			return eris.Wrapf(err, "Failed to create %s", item)
		}
	}

	return nil
}

// CopyPaths copies all but the last path to the last one. Directories are only copied if recursive is set.
func CopyPaths(args []string, recursive bool) error {
	if len(args) < 2 {
		return eris.New("Not enough parameters")
	}

	dest := filepath.Clean(args[len(args)-1])
	items, err := expandArgs(args[:len(args)-1], false)
	if err != nil {
		return err
	}

	info, err := os.Stat(dest)
	destIsDir := err == nil && info.IsDir()
	if len(items) > 1 && !destIsDir {
		return eris.Errorf("Can't copy multiple items to %s because it is not a directory!", dest)
	}

	for _, item := range items {
		itemDest := dest
		if destIsDir {
			itemDest = filepath.Join(dest, filepath.Base(item))
		}

		info, err := os.Stat(item)
		if err != nil {
			return eris.Wrapf(err, "Could not stat %s", item)
		}

		if info.IsDir() {
			if !recursive {
				return eris.Errorf("%s is a directory but -r wasn't passed", item)
			}
			err = copyTree(item, itemDest)
		} else {
			err = copyFile(item, itemDest, info.Mode())
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func copyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0770)
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "Failed to open %s", src)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return eris.Wrapf(err, "Failed to create %s", dest)
	}

	_, err = io.Copy(out, in)
	if err != nil {
		out.Close()
		return eris.Wrapf(err, "Failed to copy %s to %s", src, dest)
	}

	return out.Close()
}
