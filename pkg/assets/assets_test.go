package assets

import (
	"archive/tar"
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0770))
		require.NoError(t, ioutil.WriteFile(path, []byte(content), 0660))
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func sampleTree(t *testing.T) string {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/index.html":  "<html><body></body></html>",
		"src/b.css":       "p {\n  margin: 0;\n}\n",
		"src/css/a.css":   "body {\n  color: red;\n}\n",
		"src/js/app.js":   "var answer = 42;\n",
		"src/js/lib/x.js": "function x() {\n  return 1;\n}\n",
	})
	return root
}

func rels(matches []Match) []string {
	result := make([]string, len(matches))
	for idx, m := range matches {
		result[idx] = m.Rel
	}
	return result
}

func TestGlobBase(t *testing.T) {
	assert.Equal(t, filepath.FromSlash("src"), GlobBase("src/**/*.js"))
	assert.Equal(t, filepath.FromSlash("/a/b"), GlobBase("/a/b/*.css"))
	assert.Equal(t, filepath.FromSlash("tmp"), GlobBase("tmp/index.html"))
	assert.Equal(t, ".", GlobBase("*.js"))
}

func TestResolve(t *testing.T) {
	root := sampleTree(t)

	t.Run("globstar keeps paths below the base", func(t *testing.T) {
		matches, err := Resolve([]string{filepath.Join(root, "src/**/*.css")})
		require.NoError(t, err)
		assert.Equal(t, []string{"b.css", "css/a.css"}, rels(matches))
		for _, m := range matches {
			assert.Equal(t, filepath.Join(root, "src"), m.Base)
		}
	})

	t.Run("literal paths resolve to their parent", func(t *testing.T) {
		matches, err := Resolve([]string{filepath.Join(root, "src/index.html")})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "index.html", matches[0].Rel)
		assert.False(t, matches[0].IsDir)
	})

	t.Run("no matches is not an error", func(t *testing.T) {
		matches, err := Resolve([]string{
			filepath.Join(root, "missing/**/*.js"),
			filepath.Join(root, "tmp/index.html"),
		})
		require.NoError(t, err)
		assert.Empty(t, matches)
	})

	t.Run("duplicates are dropped", func(t *testing.T) {
		matches, err := Resolve([]string{
			filepath.Join(root, "src/js/*.js"),
			filepath.Join(root, "src/**/*.js"),
		})
		require.NoError(t, err)
		assert.Len(t, Files(matches), 2)
	})
}

func TestCopy(t *testing.T) {
	root := sampleTree(t)
	dest := filepath.Join(root, "tmp")

	matches, err := Resolve([]string{filepath.Join(root, "src/**/*.js")})
	require.NoError(t, err)

	written, err := Copy(matches, dest, nil)
	require.NoError(t, err)
	assert.Len(t, written, 2)
	assert.Equal(t, "var answer = 42;\n", readFile(t, filepath.Join(dest, "js/app.js")))
	assert.FileExists(t, filepath.Join(dest, "js/lib/x.js"))

	upper := func(path string, data []byte) ([]byte, error) {
		return bytes.ToUpper(data), nil
	}
	_, err = Copy(matches, dest, upper)
	require.NoError(t, err)
	assert.Equal(t, "VAR ANSWER = 42;\n", readFile(t, filepath.Join(dest, "js/app.js")))
}

func TestBundle(t *testing.T) {
	root := sampleTree(t)

	matches, err := Resolve([]string{filepath.Join(root, "src/**/*.css")})
	require.NoError(t, err)

	t.Run("plain concatenation", func(t *testing.T) {
		dest := filepath.Join(root, "out/style.css")
		require.NoError(t, Bundle(matches, dest, nil))
		assert.Equal(t, "p {\n  margin: 0;\n}\n\nbody {\n  color: red;\n}\n", readFile(t, dest))
	})

	t.Run("minified", func(t *testing.T) {
		dest := filepath.Join(root, "dist/style.min.css")
		require.NoError(t, Bundle(matches, dest, NewMinifier()))
		result := readFile(t, dest)
		assert.Contains(t, result, "color:red")
		assert.Contains(t, result, "margin:0")
		assert.NotContains(t, result, "\n  ")
	})

	t.Run("world readable", func(t *testing.T) {
		dest := filepath.Join(root, "public/css/style.css")
		require.NoError(t, Bundle(matches, dest, nil))

		// a web server running as another user has to be able to read the output
		info, err := os.Stat(dest)
		require.NoError(t, err)
		assert.NotZero(t, info.Mode().Perm()&0004)

		info, err = os.Stat(filepath.Dir(dest))
		require.NoError(t, err)
		assert.NotZero(t, info.Mode().Perm()&0005)
	})
}

func TestDelete(t *testing.T) {
	root := sampleTree(t)

	matches, err := Resolve([]string{filepath.Join(root, "src/**/*.css")})
	require.NoError(t, err)
	require.NoError(t, Delete(matches))

	assert.NoFileExists(t, filepath.Join(root, "src/b.css"))
	assert.NoFileExists(t, filepath.Join(root, "src/css/a.css"))
	assert.FileExists(t, filepath.Join(root, "src/js/app.js"))

	dirs, err := Resolve([]string{filepath.Join(root, "src"), filepath.Join(root, "dist")})
	require.NoError(t, err)
	require.NoError(t, Delete(dirs))
	assert.NoDirExists(t, filepath.Join(root, "src"))
}

func TestMinify(t *testing.T) {
	m := NewMinifier()

	out, err := m.Minify("script.js", []byte("function add(first, second) {\n  return first + second;\n}\n"))
	require.NoError(t, err)
	assert.Less(t, len(out), 50)
	assert.Contains(t, string(out), "function add")

	out, err = m.Minify("data.json", []byte("{ \"a\": 1 }"))
	require.NoError(t, err)
	assert.Equal(t, "{ \"a\": 1 }", string(out))
}

func TestCleanHTML(t *testing.T) {
	m := NewMinifier()
	page := `<!DOCTYPE html>
<html>
  <head>
    <!-- a note for developers -->
    <!-- inject:css -->
    <!-- endinject -->
  </head>
  <body>
    <p>Hello    world</p>
  </body>
</html>
`

	out, err := m.CleanHTML("index.html", []byte(page))
	require.NoError(t, err)

	result := string(out)
	assert.NotContains(t, result, "a note for developers")
	assert.Contains(t, result, "<!-- inject:css -->")
	assert.Contains(t, result, "<!-- endinject -->")
	assert.Contains(t, result, "Hello world")
	assert.Less(t, len(result), len(page))
}

func TestCompress(t *testing.T) {
	root := sampleTree(t)

	matches, err := Resolve([]string{filepath.Join(root, "src/**/*.css")})
	require.NoError(t, err)

	written, err := Compress(matches)
	require.NoError(t, err)
	require.Len(t, written, 2)

	f, err := os.Open(filepath.Join(root, "src/b.css.br"))
	require.NoError(t, err)
	defer f.Close()

	data, err := ioutil.ReadAll(brotli.NewReader(f))
	require.NoError(t, err)
	assert.Equal(t, "p {\n  margin: 0;\n}\n", string(data))

	// a second run must not compress the .br files again
	matches, err = Resolve([]string{filepath.Join(root, "src/**/*")})
	require.NoError(t, err)
	written, err = Compress(matches)
	require.NoError(t, err)
	for _, path := range written {
		assert.False(t, strings.HasSuffix(path, ".br.br"), path)
	}
}

func TestArchive(t *testing.T) {
	root := sampleTree(t)
	dest := filepath.Join(root, "site.tar.xz")

	count, err := Archive(filepath.Join(root, "src"), dest, false)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	f, err := os.Open(dest)
	require.NoError(t, err)
	defer f.Close()

	xzReader, err := xz.NewReader(f)
	require.NoError(t, err)

	names := make([]string, 0)
	tr := tar.NewReader(xzReader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag == tar.TypeReg {
			names = append(names, hdr.Name)
		}
	}

	sort.Strings(names)
	assert.Equal(t, []string{"b.css", "css/a.css", "index.html", "js/app.js", "js/lib/x.js"}, names)
}
