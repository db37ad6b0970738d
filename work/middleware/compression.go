package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"mixreplace/work/logger"
)

// gzipWriterPool reuses gzip writers across responses. BestSpeed keeps the
// admin API responsive while it is polled.
var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// compressible reports whether a response of contentType benefits from gzip.
// Encoded frames are already compressed.
func compressible(contentType string) bool {
	return !strings.HasPrefix(contentType, "image/") &&
		!strings.HasPrefix(contentType, "multipart/")
}

// gzipResponseWriter decides on compression when the header is written, once
// the handler has set the Content-Type.
type gzipResponseWriter struct {
	http.ResponseWriter
	gz          *gzip.Writer
	wroteHeader bool
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true

	h := w.Header()
	if status != http.StatusNoContent && status != http.StatusNotModified && compressible(h.Get("Content-Type")) {
		h.Set("Content-Encoding", "gzip")
		h.Add("Vary", "Accept-Encoding")
		h.Del("Content-Length")

		w.gz = gzipWriterPool.Get().(*gzip.Writer)
		w.gz.Reset(w.ResponseWriter)
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", http.DetectContentType(b))
		}
		w.WriteHeader(http.StatusOK)
	}
	if w.gz != nil {
		return w.gz.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

// Flush pushes buffered compressed data and then the underlying response.
func (w *gzipResponseWriter) Flush() {
	if w.gz != nil {
		w.gz.Flush()
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// close finishes the gzip stream, if one was started, and returns the writer
// to the pool.
func (w *gzipResponseWriter) close(r *http.Request) {
	if w.gz == nil {
		return
	}
	if err := w.gz.Close(); err != nil {
		logger.Error("{middleware/compression - GzipMiddleware} failed to close gzip writer for: %s %s - %v", r.Method, r.URL.Path, err)
	}
	w.gz.Reset(io.Discard)
	gzipWriterPool.Put(w.gz)
	w.gz = nil
}

// GzipMiddleware compresses responses for clients that accept gzip. Image and
// multipart responses pass through untouched.
func GzipMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next(w, r)
			return
		}

		gzw := &gzipResponseWriter{ResponseWriter: w}
		defer gzw.close(r)

		next(gzw, r)
	}
}
