// Package http serves streaming archives over HTTP.
//
// The first chunk is produced before the response is committed, so errors
// found while opening and listing the root become ordinary status codes.
// Failures after that point abort the connection; a client never receives
// a truncated archive that looks complete.
package http

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	nethttp "net/http"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/dirstream"
	"github.com/meigma/dirstream/internal/metrics"
)

// ErrStreamAborted is returned by Serve when the archive failed after the
// response was committed. The caller must abort the connection.
var ErrStreamAborted = errors.New("archive stream aborted")

// Stream is an archive being produced. *dirstream.Archive implements it.
type Stream interface {
	ContentType() string
	Filename() string
	Next(ctx context.Context) ([]byte, error)
	Cancel()
	Close() error
	Digest() digest.Digest
}

// Streamer writes archive streams to HTTP responses.
type Streamer struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	opts    []dirstream.Option
}

// Option configures a Streamer.
type Option func(*Streamer)

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(l *slog.Logger) Option {
	return func(s *Streamer) {
		s.logger = l
	}
}

// WithMetrics records stream metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Streamer) {
		s.metrics = m
	}
}

// WithArchiveOptions sets the options Handler passes to dirstream.Generate.
func WithArchiveOptions(opts ...dirstream.Option) Option {
	return func(s *Streamer) {
		s.opts = append(s.opts, opts...)
	}
}

// NewStreamer creates a Streamer with the given options.
func NewStreamer(opts ...Option) *Streamer {
	s := &Streamer{}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// Handler returns a handler streaming the archive described by req.
// A stream that fails midway aborts the connection with
// http.ErrAbortHandler.
func (s *Streamer) Handler(req dirstream.Request) nethttp.Handler {
	return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if err := s.Generate(w, r, req); errors.Is(err, ErrStreamAborted) {
			panic(nethttp.ErrAbortHandler)
		}
	})
}

// Generate starts the archive for req and serves it. Errors from
// dirstream.Generate are written as status codes and returned.
func (s *Streamer) Generate(w nethttp.ResponseWriter, r *nethttp.Request, req dirstream.Request) error {
	opts := append([]dirstream.Option{dirstream.WithLogger(s.logger)}, s.opts...)
	a, err := dirstream.Generate(r.Context(), req, opts...)
	if err != nil {
		s.reject(w, r, req.Format.String(), err)
		return err
	}
	return s.Serve(w, r, a)
}

// Serve streams stream to w and closes it.
//
// Errors before the first byte are written as a status code from StatusFor
// and returned. A client that disconnects is not an error: the stream is
// canceled and Serve returns nil. Any other failure after the headers were
// sent is returned wrapped in ErrStreamAborted.
func (s *Streamer) Serve(w nethttp.ResponseWriter, r *nethttp.Request, stream Stream) error {
	defer stream.Close()

	ctx := r.Context()
	format := formatOf(stream)
	log := s.logger.With("path", r.URL.Path, "format", format)

	first, err := stream.Next(ctx)
	if err != nil && !errors.Is(err, io.EOF) {
		if s.disconnected(ctx, err) {
			stream.Cancel()
			log.Debug("client went away before archive started")
			return nil
		}
		s.reject(w, r, format, err)
		return err
	}

	h := w.Header()
	h.Set("Content-Type", stream.ContentType())
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": stream.Filename()}))
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "no-store")
	h.Set("Trailer", "Digest")
	w.WriteHeader(nethttp.StatusOK)

	m := s.metrics.StartStream(format)
	rc := nethttp.NewResponseController(w)
	var sent int64

	chunk := first
	for {
		if len(chunk) > 0 {
			n, werr := w.Write(chunk)
			sent += int64(n)
			if werr == nil {
				werr = rc.Flush()
				if errors.Is(werr, nethttp.ErrNotSupported) {
					werr = nil
				}
			}
			if werr != nil {
				stream.Cancel()
				log.Debug("client went away during archive", "bytes", sent, "error", werr)
				m.Done(metrics.OutcomeCanceled, sent, warningCount(stream), peakBytes(stream))
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}

		chunk, err = stream.Next(ctx)
		if err != nil && !errors.Is(err, io.EOF) {
			if s.disconnected(ctx, err) {
				stream.Cancel()
				log.Debug("archive canceled", "bytes", sent)
				m.Done(metrics.OutcomeCanceled, sent, warningCount(stream), peakBytes(stream))
				return nil
			}
			log.Error("archive failed after response started", "bytes", sent, "error", err)
			m.Done(metrics.OutcomeFailed, sent, warningCount(stream), peakBytes(stream))
			return fmt.Errorf("%w: %w", ErrStreamAborted, err)
		}
	}

	h.Set("Digest", digestHeader(stream.Digest()))
	log.Info("archive streamed", "bytes", sent, "warnings", warningCount(stream), "digest", stream.Digest().String())
	m.Done(metrics.OutcomeSuccess, sent, warningCount(stream), peakBytes(stream))
	return nil
}

func (s *Streamer) disconnected(ctx context.Context, err error) bool {
	return ctx.Err() != nil || dirstream.IsCancellation(err)
}

func (s *Streamer) reject(w nethttp.ResponseWriter, r *nethttp.Request, format string, err error) {
	status := StatusFor(err)
	level := slog.LevelWarn
	if status >= nethttp.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "archive rejected", "path", r.URL.Path, "status", status, "error", err)
	s.metrics.Rejected(format)
	nethttp.Error(w, nethttp.StatusText(status), status)
}

// digestHeader renders d in the RFC 3230 form, e.g. "sha-256=<base64>".
func digestHeader(d digest.Digest) string {
	raw, err := hex.DecodeString(d.Encoded())
	if err != nil || d.Algorithm() != digest.SHA256 {
		return d.String()
	}
	return "sha-256=" + base64.StdEncoding.EncodeToString(raw)
}

func formatOf(stream Stream) string {
	if f, ok := stream.(interface{ Format() dirstream.Format }); ok {
		return f.Format().String()
	}
	return "unknown"
}

func warningCount(stream Stream) int {
	if w, ok := stream.(interface{ WarningCount() int }); ok {
		return w.WarningCount()
	}
	return 0
}

func peakBytes(stream Stream) int64 {
	if p, ok := stream.(interface{ PipeState() dirstream.PipeState }); ok {
		return p.PipeState().PeakBytes
	}
	return 0
}
