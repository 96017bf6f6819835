package assets

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
)

// Archive packs the content of dir into an xz-compressed tarball at dest. Entry names are relative to dir.
// A progress bar is shown unless showProgress is false or CI=true.
func Archive(dir, dest string, showProgress bool) (int, error) {
	type entry struct {
		path string
		name string
		info os.FileInfo
	}

	entries := make([]entry, 0)
	var total int64
	absDest, _ := filepath.Abs(dest)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if absPath, _ := filepath.Abs(path); absPath == absDest {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		entries = append(entries, entry{path: path, name: filepath.ToSlash(rel), info: info})
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, eris.Wrapf(err, "failed to walk %s", dir)
	}

	err = os.MkdirAll(filepath.Dir(dest), 0755)
	if err != nil {
		return 0, eris.Wrapf(err, "failed to create %s", filepath.Dir(dest))
	}

	out, err := os.Create(dest)
	if err != nil {
		return 0, eris.Wrapf(err, "failed to create %s", dest)
	}
	defer out.Close()

	xzWriter, err := xz.NewWriter(out)
	if err != nil {
		return 0, eris.Wrap(err, "failed to initialize xz writer")
	}

	bar := newProgressBar(total, "packing "+filepath.Base(dest), showProgress)
	tw := tar.NewWriter(xzWriter)

	count := 0
	for _, e := range entries {
		hdr, err := tar.FileInfoHeader(e.info, "")
		if err != nil {
			return count, eris.Wrapf(err, "failed to build header for %s", e.path)
		}
		hdr.Name = e.name
		if e.info.IsDir() {
			hdr.Name += "/"
		}

		err = tw.WriteHeader(hdr)
		if err != nil {
			return count, eris.Wrapf(err, "failed to write header for %s", e.path)
		}

		if !e.info.Mode().IsRegular() {
			continue
		}

		f, err := os.Open(e.path)
		if err != nil {
			return count, eris.Wrapf(err, "failed to open file %s", e.path)
		}

		_, err = io.Copy(io.MultiWriter(tw, bar), f)
		f.Close()
		if err != nil {
			return count, eris.Wrapf(err, "failed to pack file %s", e.path)
		}
		count++
	}

	err = tw.Close()
	if err != nil {
		return count, eris.Wrap(err, "failed to finish tarball")
	}

	err = xzWriter.Close()
	if err != nil {
		return count, eris.Wrap(err, "failed to finish xz stream")
	}

	bar.Finish()
	return count, nil
}

func newProgressBar(length int64, desc string, visible bool) *progressbar.ProgressBar {
	if !visible || os.Getenv("CI") == "true" {
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.DefaultBytes(length, desc)
}
