// Package pipeline runs one action attempt end to end: capture, extract, submit, refresh.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"example.com/greenpoints/internal/capture"
	"example.com/greenpoints/internal/domain"
	"example.com/greenpoints/internal/frames"
	"example.com/greenpoints/internal/submission"
)

// ErrNoRecording is returned when a session finished without any recorded data.
var ErrNoRecording = errors.New("nothing was recorded")

// Submitter sends frames for verification.
type Submitter interface {
	Submit(ctx context.Context, category domain.ActionCategory, frames []string, video []byte) (*submission.Verification, error)
}

// Refresher is told to recompute the point total after a verified action.
type Refresher interface {
	Invalidate()
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRefresher registers the point total to invalidate on success.
func WithRefresher(r Refresher) Option {
	return func(p *Pipeline) {
		p.refresher = r
	}
}

// WithExtractTimeout bounds frame extraction.
func WithExtractTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.extractTimeout = d
		}
	}
}

// WithLogger overrides the pipeline logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// Pipeline wires the client-side stages together.
type Pipeline struct {
	recorder       *capture.Recorder
	extractor      *frames.Extractor
	submitter      Submitter
	refresher      Refresher
	extractTimeout time.Duration
	logger         *log.Logger
}

// New constructs a Pipeline. recorder may be nil when only clips from disk are processed.
func New(recorder *capture.Recorder, extractor *frames.Extractor, submitter Submitter, opts ...Option) *Pipeline {
	p := &Pipeline{
		recorder:       recorder,
		extractor:      extractor,
		submitter:      submitter,
		extractTimeout: time.Minute,
		logger:         log.New(log.Writer(), "[pipeline] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Record captures a clip for category and processes it. Recording ends when stop fires,
// maxDuration elapses, or the device ends on its own. Cancelling ctx discards the clip
// and nothing is submitted.
func (p *Pipeline) Record(ctx context.Context, category domain.ActionCategory, stop <-chan struct{}, maxDuration time.Duration) (*submission.Verification, error) {
	if p.recorder == nil {
		return nil, fmt.Errorf("%w: no capture device configured", capture.ErrDeviceUnavailable)
	}
	session, err := p.recorder.Start(ctx, category)
	if err != nil {
		return nil, err
	}

	var limit <-chan time.Time
	if maxDuration > 0 {
		timer := time.NewTimer(maxDuration)
		defer timer.Stop()
		limit = timer.C
	}

	select {
	case <-ctx.Done():
		session.Cancel()
		return nil, ctx.Err()
	case <-stop:
	case <-limit:
		p.logger.Printf("max duration reached category=%s", category)
	case <-session.Done():
		p.logger.Printf("device ended, finalizing category=%s", category)
	}

	clip, err := session.Stop()
	if err != nil {
		return nil, err
	}
	return p.Process(ctx, category, clip.Data)
}

// Process extracts frames from video and submits them. Extraction failures abort
// before any network call.
func (p *Pipeline) Process(ctx context.Context, category domain.ActionCategory, video []byte) (*submission.Verification, error) {
	if len(video) == 0 {
		return nil, fmt.Errorf("%w: %w", frames.ErrExtractionFailed, ErrNoRecording)
	}

	extractCtx, cancel := context.WithTimeout(ctx, p.extractTimeout)
	samples, err := p.extractor.Extract(extractCtx, video)
	cancel()
	if err != nil {
		p.logger.Printf("extraction failed category=%s: %v", category, err)
		return nil, err
	}
	p.logger.Printf("extracted frames category=%s count=%d", category, len(samples))

	verification, err := p.submitter.Submit(ctx, category, frames.DataURIs(samples), video)
	if err != nil {
		return nil, err
	}
	if verification.Verified && p.refresher != nil {
		p.refresher.Invalidate()
	}
	return verification, nil
}
