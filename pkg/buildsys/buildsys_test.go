package buildsys

import (
	"bytes"
	"context"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCtx() context.Context {
	logger := zerolog.Nop()
	return WithLogger(context.Background(), &logger)
}

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

func parseScript(t *testing.T, root, script string) TaskList {
	t.Helper()
	tasks, err := ParseSource(testCtx(), filepath.Join(root, ScriptName), []byte(script), root, nil)
	require.NoError(t, err)
	return tasks
}

// filesWithExt lists the slash-separated paths below dir ending in ext.
func filesWithExt(t *testing.T, dir, ext string) []string {
	t.Helper()
	result := make([]string, 0)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ext) {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			result = append(result, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	sort.Strings(result)
	return result
}

const sampleIndex = `<!DOCTYPE html>
<html>
<head>
  <!-- page styles -->
  <!-- inject:css -->
  <!-- endinject -->
</head>
<body>
  <h1>Hello</h1>
  <!-- inject:js -->
  <!-- endinject -->
</body>
</html>
`

func sampleSite(t *testing.T) string {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/index.html":      sampleIndex,
		"src/about.html":      "<html><body><!-- note -->About</body></html>",
		"src/css/base.css":    "body {\n  margin: 0;\n}\n",
		"src/css/layout.css":  "main {\n  display: flex;\n}\n",
		"src/js/app.js":       "function greet(name) {\n  return 'hi ' + name;\n}\n",
		"src/js/lib/utils.js": "var answer = 40 + 2;\n",
	})
	return root
}

func TestDefaultScript(t *testing.T) {
	root := t.TempDir()
	tasks, err := ParseDefault(testCtx(), root, nil)
	require.NoError(t, err)

	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	assert.ElementsMatch(t, []string{
		"deleteHTML", "html", "deleteCSS", "css", "deleteJS", "js", "copy", "inject", "serve", "watch", "default",
		"html:dist", "css:dist", "js:dist", "copy:dist", "inject:dist", "build", "clean", "compress:dist",
		"package", "preview",
	}, names)

	assert.Equal(t, []string{"html", "css", "js"}, tasks["copy"].Deps)
	assert.Equal(t, []string{"copy"}, tasks["inject"].Deps)
	assert.Equal(t, []string{"watch"}, tasks["default"].Deps)
	assert.Equal(t, []string{"html:dist", "css:dist", "js:dist"}, tasks["copy:dist"].Deps)
	assert.Equal(t, []string{"inject:dist"}, tasks["build"].Deps)
	assert.Empty(t, tasks["clean"].Deps)
}

func TestDefaultScriptOptions(t *testing.T) {
	root := t.TempDir()
	tasks, err := ParseDefault(testCtx(), root, map[string]string{"dist": "public"})
	require.NoError(t, err)

	step := tasks["css:dist"].Cmds[1].(TaskCmdStep).Step.(*BundleStep)
	assert.Equal(t, filepath.Join(root, "public", "style.min.css"), step.Dest)
}

func TestProductionBuild(t *testing.T) {
	root := sampleSite(t)
	tasks, err := ParseDefault(testCtx(), root, nil)
	require.NoError(t, err)

	s := NewSession(root, tasks, SessionOptions{})
	require.NoError(t, s.Run(testCtx(), "build"))

	dist := filepath.Join(root, "dist")
	assert.Equal(t, []string{"style.min.css"}, filesWithExt(t, dist, ".css"))
	assert.Equal(t, []string{"script.min.js"}, filesWithExt(t, dist, ".js"))

	css := readFile(t, filepath.Join(dist, "style.min.css"))
	assert.Contains(t, css, "margin:0")
	assert.Contains(t, css, "display:flex")

	index := readFile(t, filepath.Join(dist, "index.html"))
	// relative links keep dist usable from disk and below a sub-path
	assert.Contains(t, index, `<link rel="stylesheet" href="style.min.css">`)
	assert.Contains(t, index, `<script src="script.min.js"></script>`)
	assert.NotContains(t, index, `"/style.min.css"`)
	assert.NotContains(t, index, "page styles")

	assert.NotContains(t, readFile(t, filepath.Join(dist, "about.html")), "note")

	// a second build must not produce additional bundles
	require.NoError(t, s.Run(testCtx(), "build"))
	assert.Equal(t, []string{"style.min.css"}, filesWithExt(t, dist, ".css"))
	assert.Equal(t, []string{"script.min.js"}, filesWithExt(t, dist, ".js"))
}

func TestDevelopmentInject(t *testing.T) {
	root := sampleSite(t)
	tasks, err := ParseDefault(testCtx(), root, nil)
	require.NoError(t, err)

	s := NewSession(root, tasks, SessionOptions{})
	require.NoError(t, s.Run(testCtx(), "inject"))

	tmp := filepath.Join(root, "tmp")
	index := readFile(t, filepath.Join(tmp, "index.html"))
	scripts := filesWithExt(t, tmp, ".js")
	assert.Equal(t, []string{"js/app.js", "js/lib/utils.js"}, scripts)

	for _, script := range scripts {
		assert.Contains(t, index, `<script src="`+script+`"></script>`)
	}
	assert.Contains(t, index, `<link rel="stylesheet" href="css/base.css">`)
	assert.Contains(t, index, "page styles", "development pages keep their comments")

	// rerunning replaces the references instead of duplicating them
	require.NoError(t, s.Run(testCtx(), "inject"))
	index = readFile(t, filepath.Join(tmp, "index.html"))
	assert.Equal(t, 1, strings.Count(index, "js/app.js"))
}

func TestCleanTask(t *testing.T) {
	root := sampleSite(t)
	tasks, err := ParseDefault(testCtx(), root, nil)
	require.NoError(t, err)

	s := NewSession(root, tasks, SessionOptions{})
	require.NoError(t, s.Run(testCtx(), "copy", "build"))
	assert.DirExists(t, filepath.Join(root, "tmp"))
	assert.DirExists(t, filepath.Join(root, "dist"))

	require.NoError(t, s.Run(testCtx(), "clean"))
	assert.NoDirExists(t, filepath.Join(root, "tmp"))
	assert.NoDirExists(t, filepath.Join(root, "dist"))
	assert.DirExists(t, filepath.Join(root, "src"))
}

func TestPackageAndCompress(t *testing.T) {
	root := sampleSite(t)
	tasks, err := ParseDefault(testCtx(), root, nil)
	require.NoError(t, err)

	s := NewSession(root, tasks, SessionOptions{})
	require.NoError(t, s.Run(testCtx(), "compress:dist", "package"))

	assert.FileExists(t, filepath.Join(root, "dist", "style.min.css.br"))
	assert.FileExists(t, filepath.Join(root, "dist", "index.html.br"))
	assert.FileExists(t, filepath.Join(root, "site.tar.xz"))
}

func TestDependencyOrder(t *testing.T) {
	root := t.TempDir()
	tasks := parseScript(t, root, `
def configure():
    task(short = "base", cmds = ["echo base >> order.txt"])
    task(short = "a", deps = ["base"], cmds = ["echo a >> order.txt"])
    task(short = "b", deps = ["base"], cmds = ["echo b >> order.txt"])
    task(short = "top", deps = ["a", "b"], cmds = ["echo top >> order.txt"])
`)

	s := NewSession(root, tasks, SessionOptions{})
	require.NoError(t, s.Run(testCtx(), "top"))

	lines := strings.Fields(readFile(t, filepath.Join(root, "order.txt")))
	require.Len(t, lines, 4)
	assert.Equal(t, "base", lines[0])
	assert.ElementsMatch(t, []string{"a", "b"}, lines[1:3])
	assert.Equal(t, "top", lines[3])
}

func TestTaskRefsRunOnce(t *testing.T) {
	root := t.TempDir()
	tasks := parseScript(t, root, `
def configure():
    shared = task(short = "shared", cmds = ["echo shared >> order.txt"])
    task(short = "a", deps = ["shared"], cmds = [shared, "echo a >> order.txt"])
    task(short = "b", cmds = [shared, "echo b >> order.txt"])
`)

	s := NewSession(root, tasks, SessionOptions{})
	require.NoError(t, s.Run(testCtx(), "a", "b"))

	assert.Equal(t, []string{"shared", "a", "b"}, strings.Fields(readFile(t, filepath.Join(root, "order.txt"))))
}

func TestFailureStopsRun(t *testing.T) {
	root := t.TempDir()
	tasks := parseScript(t, root, `
def configure():
    task(short = "broken", cmds = ["false"])
    task(short = "slow", cmds = ["echo slow > slow.txt"])
    task(short = "top", deps = ["broken", "slow"], cmds = ["echo top > top.txt"])
`)

	s := NewSession(root, tasks, SessionOptions{})
	err := s.Run(testCtx(), "top")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Task top failed due to its dependency broken")
	assert.NoFileExists(t, filepath.Join(root, "top.txt"))
}

func TestUnknownTask(t *testing.T) {
	root := t.TempDir()
	tasks := parseScript(t, root, `
def configure():
    task(short = "a")
`)

	err := NewSession(root, tasks, SessionOptions{}).Run(testCtx(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestDryRun(t *testing.T) {
	root := sampleSite(t)
	tasks, err := ParseDefault(testCtx(), root, nil)
	require.NoError(t, err)

	s := NewSession(root, tasks, SessionOptions{DryRun: true})
	require.NoError(t, s.Run(testCtx(), "build", "default"))

	assert.NoDirExists(t, filepath.Join(root, "dist"))
	assert.NoDirExists(t, filepath.Join(root, "tmp"))
	assert.Empty(t, s.Servers())
}

func TestSkipIfExists(t *testing.T) {
	root := t.TempDir()
	tasks := parseScript(t, root, `
def configure():
    task(short = "gen", skip_if_exists = ["out/*.txt"], cmds = ["mkdir -p out", "echo x >> out/gen.txt"])
`)

	s := NewSession(root, tasks, SessionOptions{})
	require.NoError(t, s.Run(testCtx(), "gen"))
	require.NoError(t, s.Run(testCtx(), "gen"))
	assert.Equal(t, "x\n", readFile(t, filepath.Join(root, "out", "gen.txt")))

	forced := NewSession(root, tasks, SessionOptions{Force: true})
	require.NoError(t, forced.Run(testCtx(), "gen"))
	assert.Equal(t, "x\nx\n", readFile(t, filepath.Join(root, "out", "gen.txt")))
}

func TestFingerprintSkip(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"src/a.css": "a {}"})
	tasks := parseScript(t, root, `
def configure():
    task(
        short = "bundle",
        inputs = ["src/*.css"],
        outputs = ["out/all.css"],
        cmds = [bundle("src/*.css", "out/all.css", minify = False), "echo run >> runs.txt"],
    )
`)

	stamps, err := OpenStamps(filepath.Join(root, StateFile))
	require.NoError(t, err)
	defer stamps.Close()

	runs := func() int {
		return strings.Count(readFile(t, filepath.Join(root, "runs.txt")), "run")
	}

	s := NewSession(root, tasks, SessionOptions{Stamps: stamps})
	require.NoError(t, s.Run(testCtx(), "bundle"))
	require.NoError(t, s.Run(testCtx(), "bundle"))
	assert.Equal(t, 1, runs())

	writeTree(t, root, map[string]string{"src/b.css": "b {}"})
	require.NoError(t, s.Run(testCtx(), "bundle"))
	assert.Equal(t, 2, runs())
	assert.Equal(t, "a {}\nb {}", readFile(t, filepath.Join(root, "out", "all.css")))

	// missing outputs force a rebuild
	require.NoError(t, os.Remove(filepath.Join(root, "out", "all.css")))
	require.NoError(t, s.Run(testCtx(), "bundle"))
	assert.Equal(t, 3, runs())

	forced := NewSession(root, tasks, SessionOptions{Stamps: stamps, Force: true})
	require.NoError(t, forced.Run(testCtx(), "bundle"))
	assert.Equal(t, 4, runs())
}

func TestModTimeSkip(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"src/a.js": "var a;"})
	tasks := parseScript(t, root, `
def configure():
    task(
        short = "js",
        inputs = ["src/*.js"],
        outputs = ["out/all.js"],
        cmds = [bundle("src/*.js", "out/all.js", minify = False), "echo run >> runs.txt"],
    )
`)

	s := NewSession(root, tasks, SessionOptions{})
	require.NoError(t, s.Run(testCtx(), "js"))

	// make sure the output is clearly newer than the input
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "src", "a.js"), past, past))

	require.NoError(t, s.Run(testCtx(), "js"))
	assert.Equal(t, "run\n", readFile(t, filepath.Join(root, "runs.txt")))
}

func TestShellFileCommands(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "hello"})
	tasks := parseScript(t, root, `
def configure():
    task(short = "files", cmds = [
        "mkdir -p out/nested",
        "cp a.txt out/nested/b.txt",
        "mv a.txt out/c.txt",
        ("rm", "-f", "missing.txt"),
    ])
`)

	require.NoError(t, NewSession(root, tasks, SessionOptions{}).Run(testCtx(), "files"))
	assert.Equal(t, "hello", readFile(t, filepath.Join(root, "out", "nested", "b.txt")))
	assert.Equal(t, "hello", readFile(t, filepath.Join(root, "out", "c.txt")))
	assert.NoFileExists(t, filepath.Join(root, "a.txt"))
}

func TestShellOutput(t *testing.T) {
	root := t.TempDir()
	tasks := parseScript(t, root, `
def configure():
    task(short = "greet", env = {"NAME": "World"}, cmds = [("echo", "Hello World!!"), "echo $NAME"])
`)

	var stdout bytes.Buffer
	s := NewSession(root, tasks, SessionOptions{Stdout: &stdout})
	require.NoError(t, s.Run(testCtx(), "greet"))
	assert.Equal(t, "Hello World!!\nWorld\n", stdout.String())
}

func TestScriptBuiltins(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"site.yml": "site:\n  title: Example\n  pages:\n    - index\n    - about\n",
	})

	tasks := parseScript(t, root, `
require_version(">= 0.1")

title = read_yaml("site.yml", "site.title")
second = read_yaml("site.yml", "site.pages.1")
missing = read_yaml("site.yml", "site.nope", "fallback")

def configure():
    task(short = "info", desc = "%s/%s/%s" % (title, second, missing))
`)

	assert.Equal(t, "Example/about/fallback", tasks["info"].Desc)

	writeTree(t, root, map[string]string{
		"package.json": `{"name": "demo", "version": "1.2.0", "files": ["dist"]}`,
	})
	tasks = parseScript(t, root, `
version = read_json("package.json", "version")
first = read_json("package.json", "files.0")
dist = resolve_path("dist") + "/index.html"
setenv("SITE_NAME", "demo")

def configure():
    base = task(short = "base", desc = "base task")
    task(
        short = "summary",
        deps = [base.short],
        desc = "%s %s %s %s %s %s" % (version, first, type(dist), isfile("package.json"), isdir("package.json"), getenv("SITE_NAME")),
    )
`)

	assert.Equal(t, "1.2.0 dist path True False demo", tasks["summary"].Desc)
	assert.Equal(t, []string{"base"}, tasks["summary"].Deps)
	assert.Equal(t, "demo", tasks["summary"].Env["SITE_NAME"])

	_, err := ParseSource(testCtx(), filepath.Join(root, ScriptName), []byte(`require_version(">= 99")`), root, nil)
	assert.Error(t, err)
}

func TestScriptErrors(t *testing.T) {
	root := t.TempDir()

	for name, script := range map[string]string{
		"no configure": `x = 1`,
		"duplicate":    "def configure():\n    task(short = \"a\")\n    task(short = \"a\")\n",
		"reserved":     "def configure():\n    task(short = \"configure\")\n",
		"bad cmd":      "def configure():\n    task(short = \"a\", cmds = [1])\n",
		"root clean":   "def configure():\n    task(short = \"a\", cmds = [clean(\"//\")])\n",
		"watch nobody": "def configure():\n    task(short = \"a\", cmds = [watch(\"src/**\", [])])\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSource(testCtx(), filepath.Join(root, ScriptName), []byte(script), root, nil)
			assert.Error(t, err)
		})
	}
}

func TestServeStep(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"site/index.html": "<html><body>served</body></html>"})
	tasks := parseScript(t, root, `
def configure():
    task(short = "serve", cmds = [serve("site", livereload = False)])
`)

	ctx, cancel := context.WithCancel(testCtx())
	defer cancel()

	s := NewSession(root, tasks, SessionOptions{Server: ServerOptions{Host: "127.0.0.1"}})
	require.NoError(t, s.Run(ctx, "serve"))

	servers := s.Servers()
	require.Len(t, servers, 1)

	resp, err := http.Get("http://" + servers[0].Addr() + "/")
	require.NoError(t, err)
	body, err := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "served")
	assert.NotContains(t, string(body), "livereload.js")

	cancel()
	assert.NoError(t, s.Wait(context.Background()))
}

func TestWatchReruns(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"src/a.txt": "1"})
	tasks := parseScript(t, root, `
def configure():
    task(short = "rebuild", cmds = ["echo run >> runs.txt"])
    task(short = "watch", cmds = [watch("src/**/*", ["rebuild"], lull_ms = 50)])
`)

	ctx, cancel := context.WithCancel(testCtx())
	defer cancel()

	s := NewSession(root, tasks, SessionOptions{})
	require.NoError(t, s.Run(ctx, "watch"))

	// the watcher starts asynchronously, keep touching the file until it notices
	runsFile := filepath.Join(root, "runs.txt")
	assert.Eventually(t, func() bool {
		_ = ioutil.WriteFile(filepath.Join(root, "src", "a.txt"), []byte(time.Now().String()), 0660)
		_, err := os.Stat(runsFile)
		return err == nil
	}, 10*time.Second, 200*time.Millisecond)

	cancel()
	assert.NoError(t, s.Wait(context.Background()))
}
