package assets

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// Transform rewrites a file's content on its way to the destination.
type Transform func(path string, data []byte) ([]byte, error)

// Copy writes every matched file below dest, keeping its path relative to the pattern's base. It returns the
// written paths.
func Copy(matches []Match, dest string, transform Transform) ([]string, error) {
	written := make([]string, 0, len(matches))

	for _, m := range matches {
		target := filepath.Join(dest, filepath.FromSlash(m.Rel))
		if m.IsDir {
			err := os.MkdirAll(target, 0755)
			if err != nil {
				return written, eris.Wrapf(err, "failed to create %s", target)
			}
			continue
		}

		info, err := os.Stat(m.Path)
		if err != nil {
			return written, eris.Wrapf(err, "failed to check %s", m.Path)
		}

		data, err := ioutil.ReadFile(m.Path)
		if err != nil {
			return written, eris.Wrapf(err, "failed to read %s", m.Path)
		}

		if transform != nil {
			data, err = transform(m.Path, data)
			if err != nil {
				return written, eris.Wrapf(err, "failed to process %s", m.Path)
			}
		}

		err = writeFile(target, data, info.Mode().Perm())
		if err != nil {
			return written, err
		}
		written = append(written, target)
	}

	return written, nil
}

// Bundle concatenates all matched files (in match order, separated by newlines) into dest. If min is not nil,
// the result is minified based on dest's extension.
func Bundle(matches []Match, dest string, min *Minifier) error {
	var buffer bytes.Buffer

	first := true
	for _, m := range matches {
		if m.IsDir {
			continue
		}

		data, err := ioutil.ReadFile(m.Path)
		if err != nil {
			return eris.Wrapf(err, "failed to read %s", m.Path)
		}

		if !first {
			buffer.WriteByte('\n')
		}
		first = false
		buffer.Write(data)
	}

	result := buffer.Bytes()
	if min != nil {
		var err error
		result, err = min.Minify(dest, result)
		if err != nil {
			return err
		}
	}

	return writeFile(dest, result, 0644)
}

// Delete removes every match. Directories are removed recursively and missing entries are ignored.
func Delete(matches []Match) error {
	for _, m := range matches {
		err := os.RemoveAll(m.Path)
		if err != nil && !eris.Is(err, os.ErrNotExist) {
			return eris.Wrapf(err, "could not delete %s", m.Path)
		}
	}

	return nil
}

func writeFile(path string, data []byte, mode os.FileMode) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}

	if mode == 0 {
		mode = 0644
	}

	err = ioutil.WriteFile(path, data, mode)
	if err != nil {
		return eris.Wrapf(err, "failed to write %s", path)
	}

	return nil
}
