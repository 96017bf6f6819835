package devserver

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"time"

	"github.com/muyo/sno"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

type logPtr struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack is needed for the livereload websocket.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, eris.New("response writer can't be hijacked")
	}

	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// makeLogMiddleware tags every request with an ID and logs it once it's done.
func makeLogMiddleware(base *zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		reqID := sno.New(0)
		logger := base.With().Str("req", reqID.String()).Logger()

		ctx := context.WithValue(r.Context(), logPtr{}, &logger)
		r = r.WithContext(ctx)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// Log returns the request logger stored in ctx, or a disabled logger.
func Log(ctx context.Context) *zerolog.Logger {
	logger := ctx.Value(logPtr{})
	if logger == nil {
		nop := zerolog.Nop()
		return &nop
	}

	return logger.(*zerolog.Logger)
}
