package httpx

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request correlation id in both directions.
const RequestIDHeader = "X-Request-ID"

// Logging returns a middleware that logs one line per request. It reuses an inbound
// X-Request-ID (or mints one) and echoes it on the response.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
			if reqID == "" || len(reqID) > 128 {
				reqID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, reqID)

			ww := &respWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			if ww.status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "http",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.status),
				slog.Int64("bytes", ww.written),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", reqID),
			)
		})
	}
}

type respWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *respWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *respWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

func (w *respWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Recover returns a middleware that turns handler panics into a JSON 500.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler { //nolint:errorlint,err113 // sentinel compared by identity, as net/http does
					panic(rec)
				}
				logger.ErrorContext(r.Context(), "panic",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.String("stack", string(debug.Stack())))
				WriteError(w, ErrorParams{
					Code:    http.StatusInternalServerError,
					ErrCode: "internal",
					Err:     errors.New(http.StatusText(http.StatusInternalServerError)),
				})
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CompressionConfig holds configuration for the compression middleware.
type CompressionConfig struct {
	Level   int // gzip level (1-9)
	MinSize int // bodies shorter than this are sent uncompressed (0 = always compress)
	Logger  *slog.Logger
}

// compressibleTypes lists media types worth gzipping. Audio payloads are already
// compressed and are deliberately absent.
var compressibleTypes = map[string]bool{ //nolint:gochecknoglobals // read-only lookup table
	"application/json":         true,
	"application/problem+json": true,
	"text/plain":               true,
	"text/html":                true,
	"text/csv":                 true,
}

// Compression returns a middleware that gzips JSON and text responses when the
// client accepts gzip. It skips HEAD requests, 1xx/204/304 responses, bodies that
// already carry a Content-Encoding, and bodies shorter than MinSize.
func Compression(cfg CompressionConfig) func(http.Handler) http.Handler {
	if cfg.Level < gzip.BestSpeed || cfg.Level > gzip.BestCompression {
		cfg.Level = gzip.DefaultCompression
	}
	if cfg.MinSize < 0 {
		cfg.MinSize = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	level := cfg.Level
	pool := &sync.Pool{New: func() any {
		zw, err := gzip.NewWriterLevel(io.Discard, level)
		if err != nil {
			return gzip.NewWriter(io.Discard)
		}
		return zw
	}}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead || !acceptsGzip(r.Header.Get("Accept-Encoding")) {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Add("Vary", "Accept-Encoding")
			gzw := &gzipResponseWriter{ResponseWriter: w, pool: pool, minSize: cfg.MinSize}
			next.ServeHTTP(gzw, r)
			if err := gzw.finish(); err != nil {
				cfg.Logger.DebugContext(r.Context(), "finishing compressed response failed", "error", err)
			}
		})
	}
}

// acceptsGzip reports whether the Accept-Encoding header admits gzip (or *) with a
// non-zero q-value.
func acceptsGzip(acceptEncoding string) bool {
	for _, part := range strings.Split(acceptEncoding, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		coding = strings.ToLower(strings.TrimSpace(coding))
		if coding != "gzip" && coding != "*" {
			continue
		}
		return qValue(params) > 0
	}
	return false
}

func qValue(params string) float64 {
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || strings.ToLower(strings.TrimSpace(k)) != "q" {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		return q
	}
	return 1
}

func isCompressibleContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return compressibleTypes[mediaType]
}

type gzipMode int

const (
	gzipUndecided gzipMode = iota
	gzipPassthrough
	gzipBuffering
	gzipStreaming
)

// gzipResponseWriter buffers the first MinSize bytes before committing to either a
// compressed or a plain response.
type gzipResponseWriter struct {
	http.ResponseWriter
	pool    *sync.Pool
	zw      *gzip.Writer
	minSize int
	status  int
	mode    gzipMode
	buf     bytes.Buffer
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	if w.mode != gzipUndecided {
		return
	}
	w.status = status
	if !w.eligible(status) {
		w.mode = gzipPassthrough
		w.ResponseWriter.WriteHeader(status)
		return
	}
	w.mode = gzipBuffering
}

func (w *gzipResponseWriter) eligible(status int) bool {
	if status < http.StatusOK || status == http.StatusNoContent || status == http.StatusNotModified {
		return false
	}
	h := w.Header()
	if h.Get("Content-Encoding") != "" {
		return false
	}
	ct := h.Get("Content-Type")
	return ct == "" || isCompressibleContentType(ct)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if w.mode == gzipUndecided {
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", http.DetectContentType(b))
		}
		w.WriteHeader(http.StatusOK)
	}

	switch w.mode {
	case gzipBuffering:
		w.buf.Write(b)
		if w.buf.Len() < w.minSize {
			return len(b), nil
		}
		if err := w.startGzip(); err != nil {
			return 0, err
		}
		return len(b), nil
	case gzipStreaming:
		return w.zw.Write(b)
	default:
		return w.ResponseWriter.Write(b)
	}
}

func (w *gzipResponseWriter) startGzip() error {
	if ct := w.Header().Get("Content-Type"); ct != "" && !isCompressibleContentType(ct) {
		return w.flushPlain()
	}
	h := w.Header()
	h.Set("Content-Encoding", "gzip")
	h.Del("Content-Length")
	w.ResponseWriter.WriteHeader(w.status)

	zw, ok := w.pool.Get().(*gzip.Writer)
	if !ok {
		return errors.New("gzip writer pool returned unexpected type")
	}
	zw.Reset(w.ResponseWriter)
	w.zw = zw
	w.mode = gzipStreaming

	_, err := w.zw.Write(w.buf.Bytes())
	w.buf.Reset()
	return err
}

func (w *gzipResponseWriter) flushPlain() error {
	w.mode = gzipPassthrough
	w.ResponseWriter.WriteHeader(w.status)
	_, err := w.buf.WriteTo(w.ResponseWriter)
	return err
}

// Flush implements http.Flusher. Flushing commits a buffered response to gzip.
func (w *gzipResponseWriter) Flush() {
	if w.mode == gzipBuffering {
		_ = w.startGzip()
	}
	if w.zw != nil {
		_ = w.zw.Flush()
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *gzipResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// finish writes out anything still buffered and returns the gzip writer to the pool.
func (w *gzipResponseWriter) finish() error {
	switch w.mode {
	case gzipBuffering:
		return w.flushPlain()
	case gzipStreaming:
		err := w.zw.Close()
		w.zw.Reset(io.Discard)
		w.pool.Put(w.zw)
		w.zw = nil
		if err != nil {
			return fmt.Errorf("close gzip writer: %w", err)
		}
	}
	return nil
}
