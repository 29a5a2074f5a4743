// Package frames samples still images from a recorded clip.
package frames

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log"
	"math"
	"time"
)

const (
	// MaxFrames bounds how many samples one clip yields.
	MaxFrames = 5
	// DefaultQuality is the JPEG quality used for every sample.
	DefaultQuality = 80
)

// ErrExtractionFailed is returned when no frame could be produced from a clip.
var ErrExtractionFailed = errors.New("failed to extract frames from video")

// Video is an opened, transient decoder over one clip.
type Video interface {
	Duration() time.Duration
	FrameAt(ctx context.Context, at time.Duration) (image.Image, error)
	Close() error
}

// Decoder opens clips for a single extraction pass.
type Decoder interface {
	Open(ctx context.Context, clip []byte) (Video, error)
}

// Sample is one extracted still, in playback order.
type Sample struct {
	Index   int
	At      time.Duration
	DataURI string
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithQuality overrides the JPEG quality.
func WithQuality(q int) Option {
	return func(e *Extractor) {
		if q > 0 && q <= 100 {
			e.quality = q
		}
	}
}

// WithLogger overrides the extractor logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Extractor) {
		e.logger = logger
	}
}

// Extractor turns clips into evenly spaced JPEG samples.
type Extractor struct {
	decoder Decoder
	quality int
	logger  *log.Logger
}

// NewExtractor constructs an Extractor.
func NewExtractor(decoder Decoder, opts ...Option) *Extractor {
	e := &Extractor{
		decoder: decoder,
		quality: DefaultQuality,
		logger:  log.New(log.Writer(), "[frames] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FrameCount returns min(MaxFrames, ceil(seconds)) for d, or 0 for an empty clip.
func FrameCount(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	n := int(math.Ceil(d.Seconds()))
	if n > MaxFrames {
		return MaxFrames
	}
	return n
}

// Timestamps returns the evenly spaced sample positions for d, starting at zero.
func Timestamps(d time.Duration) []time.Duration {
	count := FrameCount(d)
	out := make([]time.Duration, count)
	if count == 0 {
		return out
	}
	interval := d / time.Duration(count)
	for i := range out {
		out[i] = time.Duration(i) * interval
	}
	return out
}

// Extract decodes clip once and returns its samples. A frame that fails to decode is
// skipped; zero samples is ErrExtractionFailed.
func (e *Extractor) Extract(ctx context.Context, clip []byte) ([]Sample, error) {
	if len(clip) == 0 {
		return nil, fmt.Errorf("%w: empty clip", ErrExtractionFailed)
	}

	video, err := e.decoder.Open(ctx, clip)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	defer video.Close()

	positions := Timestamps(video.Duration())
	if len(positions) == 0 {
		return nil, fmt.Errorf("%w: zero duration", ErrExtractionFailed)
	}

	samples := make([]Sample, 0, len(positions))
	for _, at := range positions {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
		}
		img, err := video.FrameAt(ctx, at)
		if err != nil {
			e.logger.Printf("frame decode failed at=%s: %v", at, err)
			continue
		}
		uri, err := EncodeDataURI(img, e.quality)
		if err != nil {
			e.logger.Printf("frame encode failed at=%s: %v", at, err)
			continue
		}
		samples = append(samples, Sample{Index: len(samples), At: at, DataURI: uri})
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no decodable frames", ErrExtractionFailed)
	}
	return samples, nil
}

// EncodeDataURI encodes img as a base64 JPEG data URI.
func EncodeDataURI(img image.Image, quality int) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DataURIs returns the samples' data URIs in order.
func DataURIs(samples []Sample) []string {
	out := make([]string, len(samples))
	for i, s := range samples {
		out[i] = s.DataURI
	}
	return out
}
