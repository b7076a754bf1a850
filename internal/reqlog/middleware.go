// wabridge - WhatsApp delivery bridge
// Copyright (C) 2026  wabridge contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.

package reqlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options controls what the middleware captures.
type Options struct {
	// CaptureBody stores up to MaxBodyBytes of the request body the handler read.
	CaptureBody  bool
	MaxBodyBytes int
	// OnComplete, when set, is called with every entry after it is appended.
	OnComplete func(Entry)
}

type noteKey struct{}

// note lets handlers attach an error description to the current entry.
type note struct {
	mu  sync.Mutex
	err string
}

// SetError records msg as the error of the request carried by ctx. It is a
// no-op outside the middleware.
func SetError(ctx context.Context, msg string) {
	if n, ok := ctx.Value(noteKey{}).(*note); ok {
		n.set(msg)
	}
}

func (n *note) set(msg string) {
	n.mu.Lock()
	n.err = msg
	n.mu.Unlock()
}

func (n *note) get() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// Middleware records every request that passes through it in log and emits
// one structured log line per request. Panics in downstream handlers are
// recovered here, recorded as the entry's error and answered with a 500.
func Middleware(log *Log, logger zerolog.Logger, opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			n := &note{}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			var captured *captureReader
			if opts.CaptureBody && r.Body != nil && r.Body != http.NoBody {
				captured = &captureReader{ReadCloser: r.Body, limit: opts.MaxBodyBytes}
				r.Body = captured
			}

			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					n.set(fmt.Sprintf("panic: %v", rec))
					logger.Error().
						Str("request_id", middleware.GetReqID(r.Context())).
						Interface("panic", rec).
						Msg("panic recovered in request handler")
					if ww.Status() == 0 {
						ww.Header().Set("Content-Type", "application/json")
						ww.WriteHeader(http.StatusInternalServerError)
						_ = json.NewEncoder(ww).Encode(map[string]string{"error": "internal server error"})
					}
				}

				entry := Entry{
					ID:         uuid.NewString(),
					Timestamp:  start.UTC(),
					Method:     r.Method,
					Path:       r.URL.Path,
					Query:      r.URL.RawQuery,
					ClientIP:   clientIP(r.RemoteAddr),
					StatusCode: statusOf(ww),
					DurationMs: float64(time.Since(start).Microseconds()) / 1000,
				}
				if captured != nil && captured.buf.Len() > 0 {
					body := captured.buf.String()
					entry.Body = &body
				}
				if msg := n.get(); msg != "" {
					entry.Error = &msg
				}
				log.Append(entry)
				if opts.OnComplete != nil {
					opts.OnComplete(entry)
				}

				ev := logger.Info()
				if entry.StatusCode >= http.StatusInternalServerError {
					ev = logger.Error()
				} else if entry.StatusCode >= http.StatusBadRequest {
					ev = logger.Warn()
				}
				ev.Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", entry.Method).
					Str("path", entry.Path).
					Str("client_ip", entry.ClientIP).
					Int("status", entry.StatusCode).
					Float64("duration_ms", entry.DurationMs).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), noteKey{}, n)))
		})
	}
}

func statusOf(ww middleware.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// captureReader keeps the first limit bytes the handler reads from the body.
// The handler still sees the full body.
type captureReader struct {
	io.ReadCloser
	buf   bytes.Buffer
	limit int
}

func (c *captureReader) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if n > 0 {
		if room := c.limit - c.buf.Len(); c.limit <= 0 || room > 0 {
			chunk := p[:n]
			if c.limit > 0 && len(chunk) > room {
				chunk = chunk[:room]
			}
			c.buf.Write(chunk)
		}
	}
	return n, err
}
