package streamcapture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-live-detect/internal/libinit"
	"github.com/e7canasta/orion-live-detect/streamcapture/internal/media"
)

// SessionBackend wires the collaborators a Session drives.
type SessionBackend struct {
	// Name is used in logs
	Name string
	// Runtime is the process-wide library held while the session is open
	// (optional)
	Runtime *libinit.Library
	// OpenDemuxer connects and selects the first video stream. Errors that
	// are not already typed are reported as *ConnectionError.
	OpenDemuxer func(ctx context.Context, url string, cfg Config) (media.Demuxer, error)
	// NewDecoder creates a decoder for the selected stream. Errors wrapping
	// ErrUnsupportedCodec become *StreamFormatError, others *DecoderInitError.
	NewDecoder func(info media.StreamInfo) (media.Decoder, error)
	// NewConverter builds the BGR24 conversion context
	NewConverter media.ConverterFactory
}

type converterKey struct {
	width  int
	height int
	format media.PixelFormat
}

// Session is the demux -> decode -> convert state machine behind network
// sources.
//
// States: Closed -> Opening -> Streaming -> Closed | Error.
//
// Read, Open and Close must be called from one goroutine. Stats and State
// may be called from any goroutine.
type Session struct {
	backend SessionBackend
	cfg     Config

	state atomic.Int32

	// Session resources (owned by the reading goroutine)
	url      string
	ctx      context.Context
	cancel   context.CancelFunc
	demux    media.Demuxer
	decoder  media.Decoder
	conv     media.Converter
	convKey  converterKey
	buf      []byte
	info     media.StreamInfo
	draining bool
	held     bool
	err      error

	// Statistics (atomic for thread-safety)
	frameCount        atomic.Uint64
	unitsRead         atomic.Uint64
	bytesRead         atomic.Uint64
	converterRebuilds atomic.Uint64
	errorsNetwork     atomic.Uint64
	errorsCodec       atomic.Uint64
	errorsAuth        atomic.Uint64
	errorsUnknown     atomic.Uint64

	mu          sync.RWMutex // guards the fields below for Stats()
	opened      time.Time
	lastFrameAt time.Time
	width       int
	height      int
	codec       string
}

// NewSession creates a closed session with fail-fast validation of the
// backend wiring.
func NewSession(backend SessionBackend, cfg Config) (*Session, error) {
	if backend.OpenDemuxer == nil || backend.NewDecoder == nil || backend.NewConverter == nil {
		return nil, fmt.Errorf("stream-capture: session backend %q is incomplete", backend.Name)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	return &Session{backend: backend, cfg: cfg}, nil
}

// Open connects to url, selects its first video stream and creates a
// decoder for it.
//
// This method:
//  1. Acquires the process-wide runtime (reference counted)
//  2. Opens the demuxer within Config.ConnectTimeout
//  3. Creates the decoder for the selected stream's codec
//  4. Moves to StateStreaming
//
// On any failure every partial resource is released and the session is
// back in StateClosed, ready for another Open.
func (s *Session) Open(ctx context.Context, url string) error {
	if url == "" {
		return fmt.Errorf("stream-capture: stream URL is required")
	}
	if st := s.State(); st != StateClosed {
		return fmt.Errorf("stream-capture: open called in state %s", st)
	}

	s.state.Store(int32(StateOpening))
	s.url = url
	s.err = nil
	s.draining = false

	slog.Info("stream-capture: opening source",
		"backend", s.backend.Name,
		"url", RedactURL(url),
		"transport", s.cfg.Transport.String(),
		"connect_timeout", s.cfg.ConnectTimeout,
	)

	if err := s.open(ctx, url); err != nil {
		category := ClassifyError(err)
		s.countError(category)
		slog.Error("stream-capture: open failed",
			"backend", s.backend.Name,
			"url", RedactURL(url),
			"category", category.String(),
			"error", err,
		)
		s.release()
		return err
	}

	s.mu.Lock()
	s.opened = time.Now()
	s.lastFrameAt = time.Time{}
	s.codec = string(s.info.Codec)
	s.mu.Unlock()

	s.state.Store(int32(StateStreaming))

	slog.Info("stream-capture: source streaming",
		"backend", s.backend.Name,
		"url", RedactURL(url),
		"codec", s.info.Codec,
		"time_base", s.info.TimeBase.String(),
	)

	return nil
}

func (s *Session) open(ctx context.Context, url string) error {
	if s.backend.Runtime != nil {
		if err := s.backend.Runtime.Acquire(); err != nil {
			return &DecoderInitError{Codec: "runtime", Err: err}
		}
		s.held = true
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	connectCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	defer cancel()

	demux, err := s.backend.OpenDemuxer(connectCtx, url, s.cfg)
	if err != nil {
		return s.wrapOpenError(err)
	}
	s.demux = demux
	s.info = demux.Stream()

	decoder, err := s.backend.NewDecoder(s.info)
	if err != nil {
		if errors.Is(err, ErrUnsupportedCodec) {
			return &StreamFormatError{URL: url, Err: err}
		}
		return &DecoderInitError{Codec: string(s.info.Codec), Err: err}
	}
	s.decoder = decoder

	return nil
}

func (s *Session) wrapOpenError(err error) error {
	var connErr *ConnectionError
	var formatErr *StreamFormatError
	var initErr *DecoderInitError
	switch {
	case errors.As(err, &connErr), errors.As(err, &formatErr), errors.As(err, &initErr):
		return err
	case errors.Is(err, ErrNoVideoStream), errors.Is(err, ErrUnsupportedCodec):
		return &StreamFormatError{URL: s.url, Err: err}
	default:
		return &ConnectionError{URL: s.url, Op: "open", Category: ClassifyMessage(err.Error(), ""), Err: err}
	}
}

// Read decodes the next frame.
//
// The loop asks the decoder for a picture; when it needs more input exactly
// one compressed unit is read and sent before asking again. At end of input
// the decoder is flushed and drained, then Read returns false once with
// Err() == nil and the session closes itself.
func (s *Session) Read(frame *Frame) bool {
	if s.State() != StateStreaming {
		return false
	}

	for {
		if err := s.ctx.Err(); err != nil {
			return s.fail(&ConnectionError{URL: s.url, Op: "read", Category: ErrCategoryNetwork, Err: err})
		}

		pic, err := s.decoder.Receive()
		switch {
		case err == nil:
			if err := s.emit(pic, frame); err != nil {
				return s.fail(&DecodeError{Seq: s.frameCount.Load(), Category: ErrCategoryCodec, Err: err})
			}
			return true

		case errors.Is(err, media.ErrNeedMoreInput):
			if s.draining {
				// Drained decoder with nothing left to give
				return s.finish()
			}
			if !s.feed() {
				return false
			}

		case errors.Is(err, io.EOF):
			return s.finish()

		default:
			return s.fail(&DecodeError{Seq: s.frameCount.Load(), Category: ClassifyError(err), Err: err})
		}
	}
}

// feed reads exactly one unit and sends it to the decoder. At end of input
// it flushes the decoder instead. Returns false if the session failed.
func (s *Session) feed() bool {
	unit, err := s.demux.ReadUnit(s.ctx)
	if errors.Is(err, io.EOF) {
		slog.Debug("stream-capture: end of input, draining decoder", "backend", s.backend.Name)
		s.draining = true
		if err := s.decoder.Flush(); err != nil {
			return s.fail(&DecodeError{Seq: s.frameCount.Load(), Category: ErrCategoryCodec, Err: err})
		}
		return true
	}
	if err != nil {
		return s.fail(&ConnectionError{URL: s.url, Op: "read", Category: ClassifyMessage(err.Error(), ""), Err: err})
	}

	s.unitsRead.Add(1)
	s.bytesRead.Add(uint64(len(unit.Data)))

	if err := s.decoder.Send(unit); err != nil {
		return s.fail(&DecodeError{Seq: s.frameCount.Load(), Category: ClassifyError(err), Err: err})
	}
	return true
}

// emit converts a picture into the session's reused BGR24 buffer.
func (s *Session) emit(pic media.Picture, frame *Frame) error {
	if pic.Width <= 0 || pic.Height <= 0 {
		return fmt.Errorf("decoder produced %dx%d picture", pic.Width, pic.Height)
	}

	key := converterKey{width: pic.Width, height: pic.Height, format: pic.Format}
	if s.conv == nil || key != s.convKey {
		if err := s.rebuildConverter(key); err != nil {
			return err
		}
	}

	n := pic.Width * pic.Height * 3
	if len(s.buf) != n {
		s.buf = make([]byte, n)
	}

	if err := s.conv.Convert(pic, s.buf); err != nil {
		return fmt.Errorf("color conversion: %w", err)
	}

	var pts int64
	if pic.HasPTS {
		pts = s.info.TimeBase.Micros(pic.PTS)
	}

	now := time.Now()
	seq := s.frameCount.Add(1)

	*frame = Frame{
		Seq:          seq,
		Data:         s.buf,
		Width:        pic.Width,
		Height:       pic.Height,
		PTS:          pts,
		Valid:        true,
		Format:       PixelFormatBGR24,
		CapturedAt:   now,
		SourceStream: s.cfg.SourceStream,
	}

	s.mu.Lock()
	s.lastFrameAt = now
	s.mu.Unlock()

	return nil
}

func (s *Session) rebuildConverter(key converterKey) error {
	if s.conv != nil {
		if err := s.conv.Close(); err != nil {
			slog.Warn("stream-capture: failed to close conversion context", "error", err)
		}
		s.conv = nil
	}

	conv, err := s.backend.NewConverter(key.width, key.height, key.format)
	if err != nil {
		return fmt.Errorf("conversion context for %dx%d %s: %w", key.width, key.height, key.format, err)
	}
	s.conv = conv
	s.convKey = key
	s.converterRebuilds.Add(1)

	s.mu.Lock()
	s.width, s.height = key.width, key.height
	s.mu.Unlock()

	slog.Info("stream-capture: conversion context ready",
		"backend", s.backend.Name,
		"resolution", fmt.Sprintf("%dx%d", key.width, key.height),
		"native_format", key.format,
	)
	return nil
}

// finish handles a clean end of stream: resources are released and Read
// reports false with no error.
func (s *Session) finish() bool {
	slog.Info("stream-capture: end of stream",
		"backend", s.backend.Name,
		"url", RedactURL(s.url),
		"frames", s.frameCount.Load(),
	)
	s.err = nil
	s.release()
	return false
}

// fail records a fatal error. Resources stay allocated until Close.
func (s *Session) fail(err error) bool {
	s.err = err
	s.state.Store(int32(StateError))

	category := ClassifyError(err)
	var decodeErr *DecodeError
	var connErr *ConnectionError
	if errors.As(err, &decodeErr) {
		category = decodeErr.Category
	} else if errors.As(err, &connErr) {
		category = connErr.Category
	}
	s.countError(category)

	s.mu.RLock()
	uptime := time.Since(s.opened)
	s.mu.RUnlock()

	slog.Error("stream-capture: read failed",
		"backend", s.backend.Name,
		"url", RedactURL(s.url),
		"category", category.String(),
		"frames_processed", s.frameCount.Load(),
		"uptime", uptime,
		"error", err,
	)
	return false
}

func (s *Session) countError(c ErrorCategory) {
	switch c {
	case ErrCategoryNetwork:
		s.errorsNetwork.Add(1)
	case ErrCategoryCodec:
		s.errorsCodec.Add(1)
	case ErrCategoryAuth:
		s.errorsAuth.Add(1)
	default:
		s.errorsUnknown.Add(1)
	}
}

// Err returns the reason for the last false Read, or nil at end of stream
func (s *Session) Err() error {
	return s.err
}

// State returns the lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// Close releases the decoder, demuxer, conversion context and runtime
// reference.
//
// Idempotent - safe to call before Open, after a failed Read, or repeatedly.
func (s *Session) Close() error {
	if s.State() == StateClosed && !s.holdsResources() {
		slog.Debug("stream-capture: session not open, nothing to close")
		return nil
	}

	slog.Info("stream-capture: closing source",
		"backend", s.backend.Name,
		"url", RedactURL(s.url),
		"frames_captured", s.frameCount.Load(),
	)
	s.release()
	return nil
}

func (s *Session) holdsResources() bool {
	return s.demux != nil || s.decoder != nil || s.conv != nil || s.held || s.cancel != nil
}

// release tears everything down in reverse order of creation and returns
// the session to StateClosed.
func (s *Session) release() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conv != nil {
		if err := s.conv.Close(); err != nil {
			slog.Warn("stream-capture: failed to close conversion context", "error", err)
		}
		s.conv = nil
		s.convKey = converterKey{}
	}
	if s.decoder != nil {
		if err := s.decoder.Close(); err != nil {
			slog.Warn("stream-capture: failed to close decoder", "error", err)
		}
		s.decoder = nil
	}
	if s.demux != nil {
		if err := s.demux.Close(); err != nil {
			slog.Warn("stream-capture: failed to close demuxer", "error", err)
		}
		s.demux = nil
	}
	if s.held {
		if err := s.backend.Runtime.Release(); err != nil {
			slog.Warn("stream-capture: failed to release runtime", "error", err)
		}
		s.held = false
	}
	s.draining = false
	s.state.Store(int32(StateClosed))
}

// Stats returns current session statistics.
//
// Thread-safe - uses atomic operations for counters.
func (s *Session) Stats() StreamStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := s.State()
	frameCount := s.frameCount.Load()

	var fpsReal float64
	if !s.opened.IsZero() {
		if uptime := time.Since(s.opened).Seconds(); uptime > 0 {
			fpsReal = float64(frameCount) / uptime
		}
	}

	var latencyMS int64
	if !s.lastFrameAt.IsZero() {
		latencyMS = time.Since(s.lastFrameAt).Milliseconds()
	}

	var resolution string
	if s.width > 0 && s.height > 0 {
		resolution = fmt.Sprintf("%dx%d", s.width, s.height)
	}

	return StreamStats{
		State:             state,
		FrameCount:        frameCount,
		UnitsRead:         s.unitsRead.Load(),
		BytesRead:         s.bytesRead.Load(),
		ConverterRebuilds: s.converterRebuilds.Load(),
		FPSReal:           fpsReal,
		LatencyMS:         latencyMS,
		Resolution:        resolution,
		Codec:             s.codec,
		SourceStream:      s.cfg.SourceStream,
		IsConnected:       state == StateStreaming,
		ErrorsNetwork:     s.errorsNetwork.Load(),
		ErrorsCodec:       s.errorsCodec.Load(),
		ErrorsAuth:        s.errorsAuth.Load(),
		ErrorsUnknown:     s.errorsUnknown.Load(),
	}
}
