// Package devserver implements the static file server used during development. It pushes reload notifications
// to connected browsers whenever a file below the served directory changes.
package devserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/shaj13/libcache"
	"github.com/unrolled/secure"

	// Provides libcache.LRU
	_ "github.com/shaj13/libcache/lru"

	"github.com/yanula20/sitepipe/pkg/watcher"
)

const (
	snippet          = `<script src="/livereload.js"></script>`
	defaultCacheSize = 64
	shutdownTimeout  = 5 * time.Second
)

// Options configures a Server.
type Options struct {
	Root       string
	Host       string
	Port       int
	LiveReload bool
	Logger     *zerolog.Logger
	// CacheSize limits the number of rewritten HTML pages kept in memory.
	CacheSize int
	// Lull is the quiet period before a batch of changes triggers a reload.
	Lull time.Duration
}

// Server serves a directory over HTTP.
type Server struct {
	opts     Options
	logger   *zerolog.Logger
	hub      *reloadHub
	pages    libcache.Cache
	handler  http.Handler
	lock     sync.Mutex
	listener net.Listener
}

// New creates a server for opts.Root. Nothing is bound until Listen or Serve is called.
func New(opts Options) *Server {
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}

	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	s := &Server{
		opts:   opts,
		logger: logger,
		hub:    newReloadHub(),
		pages:  libcache.LRU.New(opts.CacheSize),
	}

	r := mux.NewRouter()
	if opts.LiveReload {
		r.Handle("/livereload", s.hub)
		r.HandleFunc("/livereload.js", s.handleClientScript).Methods(http.MethodGet, http.MethodHead)
	}
	r.PathPrefix("/").HandlerFunc(s.handleStatic).Methods(http.MethodGet, http.MethodHead)

	sm := secure.New(secure.Options{
		IsDevelopment:      true,
		BrowserXssFilter:   true,
		ContentTypeNosniff: true,
		FrameDeny:          true,
	})
	s.handler = sm.Handler(makeLogMiddleware(logger, r))

	return s
}

// Handler returns the complete HTTP handler including all middlewares.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Address returns the host:port pair the server is configured for.
func (s *Server) Address() string {
	return net.JoinHostPort(s.opts.Host, fmt.Sprint(s.opts.Port))
}

// Listen binds the configured address. The actual address is available through Addr afterwards.
func (s *Server) Listen() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.listener != nil {
		return nil
	}

	listener, err := net.Listen("tcp", s.Address())
	if err != nil {
		return eris.Wrapf(err, "failed to listen on %s", s.Address())
	}

	s.listener = listener
	return nil
}

// Addr returns the bound address or an empty string if Listen hasn't been called.
func (s *Server) Addr() string {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Clients returns the number of connected live reload clients.
func (s *Server) Clients() int {
	return s.hub.Count()
}

// Reload drops cached pages and tells all connected browsers to reload.
func (s *Server) Reload(changed string) {
	s.pages.Purge()
	s.hub.Broadcast(changed)
}

// Serve runs the server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	err := s.Listen()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(s.listener)
	}()

	s.logger.Info().Msgf("Serving %s on http://%s", s.opts.Root, s.Addr())

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	if s.opts.LiveReload {
		go func() {
			err := watcher.Watch(watchCtx, s.opts.Root, []string{"**"}, s.opts.Lull, func(paths []string) {
				s.logger.Debug().Strs("paths", paths).Msg("reloading clients")
				s.Reload(s.urlPath(paths[0]))
			})
			if err != nil {
				s.logger.Error().Err(err).Msg("live reload watcher failed")
			}
		}()
	}

	select {
	case err = <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server failed")
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err = srv.Shutdown(shutdownCtx)
	// hijacked websocket connections outlive Shutdown
	s.hub.Close()
	if err != nil {
		return eris.Wrap(err, "server shutdown failed")
	}
	return nil
}

// urlPath maps a changed file to the URL it's served under.
func (s *Server) urlPath(file string) string {
	if filepath.IsAbs(file) {
		rel, err := filepath.Rel(s.opts.Root, file)
		if err == nil {
			file = rel
		}
	}
	return path.Clean("/" + filepath.ToSlash(file))
}

func (s *Server) handleClientScript(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	rw.Header().Set("Cache-Control", "no-cache")
	_, _ = rw.Write(clientScript)
}

func acceptsBrotli(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		enc := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if enc == "br" {
			return true
		}
	}
	return false
}

func isHTML(file string) bool {
	ext := strings.ToLower(filepath.Ext(file))
	return ext == ".html" || ext == ".htm"
}

func (s *Server) handleStatic(rw http.ResponseWriter, r *http.Request) {
	urlPath := path.Clean("/" + r.URL.Path)
	file := filepath.Join(s.opts.Root, filepath.FromSlash(urlPath))

	info, err := os.Stat(file)
	if err == nil && info.IsDir() {
		if !strings.HasSuffix(r.URL.Path, "/") {
			http.Redirect(rw, r, r.URL.Path+"/", http.StatusMovedPermanently)
			return
		}

		file = filepath.Join(file, "index.html")
		info, err = os.Stat(file)
	}

	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			http.NotFound(rw, r)
			return
		}

		Log(r.Context()).Error().Err(err).Str("path", file).Msg("failed to stat file")
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}

	if s.opts.LiveReload && isHTML(file) {
		s.serveHTML(rw, r, file, info)
		return
	}

	if acceptsBrotli(r) && s.serveCompressed(rw, r, file, info) {
		return
	}

	f, err := os.Open(file)
	if err != nil {
		Log(r.Context()).Error().Err(err).Str("path", file).Msg("failed to open file")
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	http.ServeContent(rw, r, info.Name(), info.ModTime(), f)
}

func (s *Server) serveCompressed(rw http.ResponseWriter, r *http.Request, file string, info os.FileInfo) bool {
	// a .br older than its source is stale
	brInfo, err := os.Stat(file + ".br")
	if err != nil || brInfo.ModTime().Before(info.ModTime()) {
		return false
	}

	f, err := os.Open(file + ".br")
	if err != nil {
		return false
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(file))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	rw.Header().Set("Content-Type", contentType)
	rw.Header().Set("Content-Encoding", "br")
	rw.Header().Add("Vary", "Accept-Encoding")
	http.ServeContent(rw, r, "", info.ModTime(), f)
	return true
}

func (s *Server) serveHTML(rw http.ResponseWriter, r *http.Request, file string, info os.FileInfo) {
	key := fmt.Sprintf("%s|%d", file, info.ModTime().UnixNano())

	var page []byte
	if cached, ok := s.pages.Load(key); ok {
		page = cached.([]byte)
	} else {
		data, err := ioutil.ReadFile(file)
		if err != nil {
			Log(r.Context()).Error().Err(err).Str("path", file).Msg("failed to read page")
			http.Error(rw, "internal error", http.StatusInternalServerError)
			return
		}

		page = injectSnippet(data)
		s.pages.Store(key, page)
	}

	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	rw.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(rw, r, info.Name(), info.ModTime(), bytes.NewReader(page))
}

// injectSnippet adds the live reload client right before the closing body tag.
func injectSnippet(page []byte) []byte {
	idx := bytes.LastIndex(bytes.ToLower(page), []byte("</body>"))
	if idx < 0 {
		return append(append([]byte{}, page...), []byte(snippet)...)
	}

	result := make([]byte, 0, len(page)+len(snippet))
	result = append(result, page[:idx]...)
	result = append(result, snippet...)
	result = append(result, page[idx:]...)
	return result
}
