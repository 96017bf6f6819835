package assets

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"
)

var mediaTypes = map[string]string{
	".css":  "text/css",
	".js":   "application/javascript",
	".mjs":  "application/javascript",
	".html": "text/html",
	".htm":  "text/html",
}

var commentPattern = regexp.MustCompile(`(?s)<!--.*?-->`)

// Minifier wraps the minifiers for the supported asset types.
type Minifier struct {
	m *minify.M
}

// NewMinifier returns a Minifier that handles CSS, JavaScript and HTML.
func NewMinifier() *Minifier {
	m := minify.New()
	m.AddFunc("text/css", css.Minify)
	m.AddFunc("application/javascript", js.Minify)
	// comments are removed by CleanHTML beforehand; the ones that survive are needed
	m.Add("text/html", &html.Minifier{
		KeepComments:     true,
		KeepDocumentTags: true,
		KeepEndTags:      true,
	})

	return &Minifier{m: m}
}

// MediaType returns the media type used to minify path or an empty string if the type is not supported.
func MediaType(path string) string {
	return mediaTypes[strings.ToLower(filepath.Ext(path))]
}

// Minify minifies data according to the extension of path. Unsupported types are returned unchanged.
func (m *Minifier) Minify(path string, data []byte) ([]byte, error) {
	mediaType := MediaType(path)
	if mediaType == "" {
		return data, nil
	}

	if mediaType == "text/html" {
		return m.CleanHTML(path, data)
	}

	result, err := m.m.Bytes(mediaType, data)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to minify %s", path)
	}

	return result, nil
}

// CleanHTML removes comments and collapses whitespace. Inject markers and conditional comments are kept.
func (m *Minifier) CleanHTML(path string, data []byte) ([]byte, error) {
	stripped := commentPattern.ReplaceAllFunc(data, func(comment []byte) []byte {
		if keepComment(string(comment)) {
			return comment
		}
		return nil
	})

	result, err := m.m.Bytes("text/html", stripped)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to clean %s", path)
	}

	return result, nil
}

func keepComment(comment string) bool {
	body := strings.TrimSpace(strings.TrimPrefix(comment, "<!--"))
	return strings.HasPrefix(body, "[if") || isMarker(body)
}
