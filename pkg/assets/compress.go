package assets

import (
	"io"
	"os"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
)

// CompressedSuffix is appended to the name of precompressed files.
const CompressedSuffix = ".br"

// Compress writes a brotli compressed copy next to every matched file and returns the written paths. Existing
// .br files are skipped.
func Compress(matches []Match) ([]string, error) {
	written := make([]string, 0, len(matches))

	for _, m := range matches {
		if m.IsDir || strings.HasSuffix(m.Path, CompressedSuffix) {
			continue
		}

		target := m.Path + CompressedSuffix
		err := compressFile(m.Path, target)
		if err != nil {
			return written, err
		}
		written = append(written, target)
	}

	return written, nil
}

func compressFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "failed to open %s", src)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", dest)
	}

	writer := brotli.NewWriterLevel(out, brotli.BestCompression)
	_, err = io.Copy(writer, in)
	if err != nil {
		writer.Close()
		out.Close()
		return eris.Wrapf(err, "failed to compress %s", src)
	}

	err = writer.Close()
	if err != nil {
		out.Close()
		return eris.Wrapf(err, "failed to compress %s", src)
	}

	return out.Close()
}
