package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/yanula20/sitepipe/pkg/config"
)

// ConsoleWriter renders zerolog's JSON events as coloured, human readable lines.
type ConsoleWriter struct {
	out     io.Writer
	verbose bool
	buffer  strings.Builder
	lock    sync.Mutex
}

func NewConsoleWriter(out io.Writer, verbose bool) *ConsoleWriter {
	return &ConsoleWriter{out: out, verbose: verbose}
}

func (w *ConsoleWriter) Write(p []byte) (n int, err error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	var evt map[string]interface{}
	d := json.NewDecoder(bytes.NewReader(p))
	d.UseNumber()
	err = d.Decode(&evt)
	if err != nil {
		return n, eris.Wrapf(err, "cannot decode event: %s", p)
	}

	w.buffer.Reset()
	w.buffer.WriteString(levelColor(evt["level"]))

	task, ok := evt["task"].(string)
	if ok {
		w.buffer.WriteString(task + ": ")
	}

	if evt["level"] == "error" {
		w.buffer.WriteString("Error: ")
	}

	if evt["command"] == true {
		w.buffer.WriteString("$ ")
	}

	msg, _ := evt["message"].(string)

	path, ok := evt["path"].(string)
	if ok {
		// simplify the path
		relPath, err := filepath.Rel(".", path)
		if err == nil {
			msg = strings.ReplaceAll(msg, path, relPath)
		}
	}

	w.buffer.WriteString(msg)

	errorDetails, ok := evt["error"].(string)
	if ok {
		w.buffer.WriteString("\n")
		w.buffer.WriteString(errorDetails)
	}

	if w.verbose {
		names := make([]string, 0, len(evt))
		for name := range evt {
			names = append(names, name)
		}
		sort.Strings(names)

		w.buffer.WriteString("\n")
		for _, name := range names {
			w.buffer.WriteString(fmt.Sprintf("  %s: %+v\n", name, evt[name]))
		}
	}

	w.buffer.WriteString("[reset]\n")
	_, err = colorstring.Fprint(w.out, w.buffer.String())
	return len(p), err
}

func levelColor(level interface{}) string {
	switch level {
	case "fatal", "error":
		return "[red]"
	case "warn":
		return "[yellow]"
	case "debug", "trace":
		return "[blue]"
	default:
		return "[green]"
	}
}

// newLogger builds the logger described by cfg. Console output goes to out; cfg.Log.File additionally receives
// the raw JSON events.
func newLogger(cfg *config.Config, out io.Writer) (*zerolog.Logger, io.Closer, error) {
	verbose := cfg.LogLevel() <= zerolog.TraceLevel
	zerolog.ErrorMarshalFunc = func(err error) interface{} {
		return eris.ToString(err, verbose)
	}

	var console io.Writer
	if cfg.Log.JSON {
		console = out
	} else {
		console = NewConsoleWriter(out, verbose)
	}

	var closer io.Closer
	writers := []io.Writer{console}
	if cfg.Log.File != "" {
		err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0770)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "failed to create the directory for %s", cfg.Log.File)
		}

		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "failed to open log file %s", cfg.Log.File)
		}
		writers = append(writers, f)
		closer = f
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(cfg.LogLevel()).With().Timestamp().Logger()
	return &logger, closer, nil
}
