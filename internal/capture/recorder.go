// Package capture records short action clips from a camera device.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"example.com/greenpoints/internal/domain"
)

var (
	// ErrDeviceUnavailable is returned when camera permission is denied or no camera exists.
	ErrDeviceUnavailable = errors.New("failed to start camera, please allow camera permission")
	// ErrInvalidState is returned when a capture precondition does not hold.
	ErrInvalidState = errors.New("invalid capture state")
	// ErrCancelled is returned by Stop on a session that was cancelled.
	ErrCancelled = errors.New("capture cancelled")
)

// Constraints describe the requested camera stream.
type Constraints struct {
	FacingMode string
	Width      int
	Height     int
	Audio      bool
	MimeType   string
}

// DefaultConstraints prefers the rear camera at 720p without audio.
func DefaultConstraints() Constraints {
	return Constraints{
		FacingMode: "environment",
		Width:      1280,
		Height:     720,
		Audio:      false,
		MimeType:   "video/webm;codecs=vp8",
	}
}

// Stream is an acquired device track. Chunks is closed when the track ends, either
// after Stop or because the device went away.
type Stream interface {
	Chunks() <-chan []byte
	Stop() error
}

// Device opens exclusive camera streams.
type Device interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Clip is a finalized recording.
type Clip struct {
	Category  domain.ActionCategory
	Data      []byte
	MimeType  string
	StartedAt time.Time
	Duration  time.Duration
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithConstraints overrides DefaultConstraints.
func WithConstraints(c Constraints) Option {
	return func(r *Recorder) {
		r.constraints = c
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

// WithLogger overrides the recorder logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// Recorder owns at most one active Session at a time.
type Recorder struct {
	device      Device
	constraints Constraints
	now         func() time.Time
	logger      *log.Logger

	mu     sync.Mutex
	active *Session
}

// NewRecorder constructs a Recorder over device.
func NewRecorder(device Device, opts ...Option) *Recorder {
	r := &Recorder{
		device:      device,
		constraints: DefaultConstraints(),
		now:         time.Now,
		logger:      log.New(log.Writer(), "[capture] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start acquires the device and begins buffering chunks for category.
func (r *Recorder) Start(ctx context.Context, category domain.ActionCategory) (*Session, error) {
	if category == "" {
		return nil, fmt.Errorf("%w: select an action type first", ErrInvalidState)
	}
	if !category.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, domain.ErrUnknownCategory)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return nil, fmt.Errorf("%w: recording already in progress", ErrInvalidState)
	}

	stream, err := r.device.Open(ctx, r.constraints)
	if err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	session := &Session{
		category:  category,
		mimeType:  mimeBase(r.constraints.MimeType),
		startedAt: r.now(),
		now:       r.now,
		stream:    stream,
		done:      make(chan struct{}),
		logger:    r.logger,
	}
	session.onFinish = func() { r.release(session) }
	r.active = session

	go session.collect()
	r.logger.Printf("recording started category=%s", category)
	return session, nil
}

// Active returns the running session, if any.
func (r *Recorder) Active() (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.active != nil
}

// Stop finalizes the active session. Without an active session it is a no-op.
func (r *Recorder) Stop() (*Clip, error) {
	session, ok := r.Active()
	if !ok {
		return nil, nil
	}
	return session.Stop()
}

// Cancel discards the active session, if any.
func (r *Recorder) Cancel() {
	if session, ok := r.Active(); ok {
		session.Cancel()
	}
}

func (r *Recorder) release(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == s {
		r.active = nil
	}
}

// Session is one in-progress recording. It is never persisted.
type Session struct {
	category  domain.ActionCategory
	mimeType  string
	startedAt time.Time
	now       func() time.Time
	stream    Stream
	logger    *log.Logger
	onFinish  func()

	mu        sync.Mutex
	chunks    [][]byte
	size      int
	cancelled bool
	endedAt   time.Time
	clip      *Clip

	stopOnce sync.Once
	done     chan struct{}
}

// Category returns the action category being recorded.
func (s *Session) Category() domain.ActionCategory { return s.category }

// Elapsed reports the recording time so far, or the final duration once finalized.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.endedAt.IsZero() {
		return s.endedAt.Sub(s.startedAt)
	}
	return s.now().Sub(s.startedAt)
}

// Done is closed once the session is finalized or cancelled. A device that ends on
// its own finalizes the session without a Stop call.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop releases the device and returns the finalized clip. Calling it again returns
// the same clip.
func (s *Session) Stop() (*Clip, error) {
	s.releaseDevice()
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return nil, ErrCancelled
	}
	return s.clip, nil
}

// Cancel releases the device and discards everything recorded.
func (s *Session) Cancel() {
	s.mu.Lock()
	finalized := s.clip != nil
	if !finalized {
		s.cancelled = true
	}
	s.mu.Unlock()

	s.releaseDevice()
	<-s.done
}

func (s *Session) releaseDevice() {
	s.stopOnce.Do(func() {
		if err := s.stream.Stop(); err != nil {
			s.logger.Printf("device release failed category=%s: %v", s.category, err)
		}
	})
}

func (s *Session) collect() {
	for chunk := range s.stream.Chunks() {
		if len(chunk) == 0 {
			continue
		}
		s.mu.Lock()
		s.chunks = append(s.chunks, chunk)
		s.size += len(chunk)
		s.mu.Unlock()
	}
	// The track ended, whether through Stop or on its own.
	s.releaseDevice()
	s.finalize()
}

func (s *Session) finalize() {
	s.mu.Lock()
	s.endedAt = s.now()
	if s.cancelled {
		s.chunks = nil
		s.logger.Printf("recording cancelled category=%s", s.category)
	} else {
		data := make([]byte, 0, s.size)
		for _, chunk := range s.chunks {
			data = append(data, chunk...)
		}
		s.chunks = nil
		s.clip = &Clip{
			Category:  s.category,
			Data:      data,
			MimeType:  s.mimeType,
			StartedAt: s.startedAt,
			Duration:  s.endedAt.Sub(s.startedAt),
		}
		s.logger.Printf("recording finalized category=%s bytes=%d duration=%s", s.category, len(data), s.clip.Duration)
	}
	s.mu.Unlock()

	if s.onFinish != nil {
		s.onFinish()
	}
	close(s.done)
}

func mimeBase(mime string) string {
	base, _, _ := strings.Cut(mime, ";")
	if base = strings.TrimSpace(base); base == "" {
		return "video/webm"
	}
	return base
}
