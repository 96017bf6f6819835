package assets

import (
	"fmt"
	"html"
	"io/ioutil"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

var markerBody = regexp.MustCompile(`^([A-Za-z0-9_-]+:[A-Za-z0-9]+|endinject)\s*(-->|$)`)

var tagTemplates = map[string]string{
	"css":  `<link rel="stylesheet" href="%s">`,
	"js":   `<script src="%s"></script>`,
	"mjs":  `<script type="module" src="%s"></script>`,
	"html": `<link rel="import" href="%s">`,
	"png":  `<img src="%s">`,
	"jpg":  `<img src="%s">`,
	"jpeg": `<img src="%s">`,
	"gif":  `<img src="%s">`,
	"svg":  `<img src="%s">`,
}

func isMarker(body string) bool {
	return markerBody.MatchString(body)
}

// InjectOptions controls how references are generated.
type InjectOptions struct {
	// Name is the marker prefix; <!-- {Name}:{ext} --> starts a region. Defaults to "inject".
	Name string
	// Relative makes references relative to the target's directory. Otherwise they're made relative to Root and
	// prefixed with a slash.
	Relative bool
	Root     string
}

// InjectResult reports what an injection did.
type InjectResult struct {
	// Injected maps each extension to the number of references written into its region.
	Injected map[string]int
	// MissingMarkers lists extensions that had files but no region in the target.
	MissingMarkers []string
	// EmptyRegions lists regions that were left untouched because there were no files for them.
	EmptyRegions []string
}

func (o InjectOptions) name() string {
	if o.Name == "" {
		return "inject"
	}
	return o.Name
}

func extOf(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

func (o InjectOptions) reference(targetDir, source string) (string, error) {
	if o.Relative {
		rel, err := filepath.Rel(targetDir, source)
		if err != nil {
			return "", eris.Wrapf(err, "failed to relate %s to %s", source, targetDir)
		}
		return filepath.ToSlash(rel), nil
	}

	root := o.Root
	if root == "" {
		root = "."
	}
	rel, err := filepath.Rel(root, source)
	if err != nil {
		return "", eris.Wrapf(err, "failed to relate %s to %s", source, root)
	}
	return "/" + filepath.ToSlash(rel), nil
}

// InjectContent replaces the marker regions in content with references to sources. targetDir is the directory
// of the file content was read from.
func InjectContent(content []byte, targetDir string, sources []string, opts InjectOptions) ([]byte, InjectResult, error) {
	result := InjectResult{Injected: make(map[string]int)}

	groups := make(map[string][]string)
	for _, src := range sources {
		ext := extOf(src)
		if _, ok := tagTemplates[ext]; !ok {
			continue
		}
		groups[ext] = append(groups[ext], src)
	}

	exts := make([]string, 0, len(tagTemplates))
	for ext := range tagTemplates {
		exts = append(exts, ext)
	}
	sort.Strings(exts)

	text := string(content)
	for _, ext := range exts {
		region := regexp.MustCompile(`([ \t]*)(<!--\s*` + regexp.QuoteMeta(opts.name()) + `:` + ext + `\s*-->)(?s:.*?)(<!--\s*endinject\s*-->)`)
		files := groups[ext]

		if !region.MatchString(text) {
			if len(files) > 0 {
				result.MissingMarkers = append(result.MissingMarkers, ext)
			}
			continue
		}

		if len(files) == 0 {
			result.EmptyRegions = append(result.EmptyRegions, ext)
			continue
		}

		tags := make([]string, len(files))
		for idx, src := range files {
			ref, err := opts.reference(targetDir, src)
			if err != nil {
				return nil, result, err
			}
			tags[idx] = fmt.Sprintf(tagTemplates[ext], html.EscapeString(ref))
		}

		text = region.ReplaceAllStringFunc(text, func(match string) string {
			parts := region.FindStringSubmatch(match)
			indent, start, end := parts[1], parts[2], parts[3]

			var sb strings.Builder
			sb.WriteString(indent + start + "\n")
			for _, tag := range tags {
				sb.WriteString(indent + tag + "\n")
			}
			sb.WriteString(indent + end)
			return sb.String()
		})
		result.Injected[ext] = len(tags)
	}

	return []byte(text), result, nil
}

// Inject rewrites target in place with references to sources.
func Inject(target string, sources []string, opts InjectOptions) (InjectResult, error) {
	content, err := ioutil.ReadFile(target)
	if err != nil {
		return InjectResult{}, eris.Wrapf(err, "failed to read %s", target)
	}

	updated, result, err := InjectContent(content, filepath.Dir(target), sources, opts)
	if err != nil {
		return result, eris.Wrapf(err, "failed to inject into %s", target)
	}

	if string(updated) != string(content) {
		err = writeFile(target, updated, 0644)
		if err != nil {
			return result, err
		}
	}

	return result, nil
}
