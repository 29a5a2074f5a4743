package frames

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeVideo struct {
	duration time.Duration
	failAt   map[time.Duration]bool
	seeks    []time.Duration
	closed   bool
}

func (v *fakeVideo) Duration() time.Duration { return v.duration }

func (v *fakeVideo) FrameAt(_ context.Context, at time.Duration) (image.Image, error) {
	v.seeks = append(v.seeks, at)
	if v.failAt[at] {
		return nil, errors.New("seek past end")
	}
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	level := uint8(40 + len(v.seeks)*30)
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.SetGray(x, y, color.Gray{Y: level})
		}
	}
	return img, nil
}

func (v *fakeVideo) Close() error {
	v.closed = true
	return nil
}

type fakeDecoder struct {
	video *fakeVideo
	err   error
	opens int
}

func (d *fakeDecoder) Open(context.Context, []byte) (Video, error) {
	d.opens++
	if d.err != nil {
		return nil, d.err
	}
	return d.video, nil
}

func newTestExtractor(d Decoder) *Extractor {
	return NewExtractor(d, WithLogger(log.New(io.Discard, "", 0)))
}

func TestFrameCount(t *testing.T) {
	cases := map[time.Duration]int{
		0:                       0,
		-time.Second:            0,
		400 * time.Millisecond:  1,
		time.Second:             1,
		2300 * time.Millisecond: 3,
		5 * time.Second:         5,
		12 * time.Second:        5,
	}
	for d, want := range cases {
		require.Equal(t, want, FrameCount(d), d.String())
	}
}

func TestTimestampsEvenlySpacedFromZero(t *testing.T) {
	require.Equal(t, []time.Duration{0, 2 * time.Second, 4 * time.Second, 6 * time.Second, 8 * time.Second}, Timestamps(10*time.Second))
	require.Equal(t, []time.Duration{0, time.Second, 2 * time.Second}, Timestamps(3*time.Second))
	require.Empty(t, Timestamps(0))
}

func TestExtractProducesOrderedJPEGSamples(t *testing.T) {
	video := &fakeVideo{duration: 2500 * time.Millisecond}
	ex := newTestExtractor(&fakeDecoder{video: video})

	samples, err := ex.Extract(context.Background(), []byte("webm"))
	require.NoError(t, err)
	require.Len(t, samples, 3)
	require.True(t, video.closed)

	for i, s := range samples {
		require.Equal(t, i, s.Index)
		require.True(t, strings.HasPrefix(s.DataURI, "data:image/jpeg;base64,"))
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s.DataURI, "data:image/jpeg;base64,"))
		require.NoError(t, err)
		_, err = jpeg.Decode(bytes.NewReader(raw))
		require.NoError(t, err)
	}
	require.Less(t, samples[0].At, samples[1].At)
	require.Less(t, samples[1].At, samples[2].At)
	require.Len(t, DataURIs(samples), 3)
}

func TestExtractSkipsUndecodableFrame(t *testing.T) {
	video := &fakeVideo{duration: 3 * time.Second, failAt: map[time.Duration]bool{time.Second: true}}
	ex := newTestExtractor(&fakeDecoder{video: video})

	samples, err := ex.Extract(context.Background(), []byte("webm"))
	require.NoError(t, err)
	require.Len(t, samples, 2)
	require.Equal(t, 2*time.Second, samples[1].At)
	require.Equal(t, 1, samples[1].Index)
}

func TestExtractFailures(t *testing.T) {
	t.Run("empty clip", func(t *testing.T) {
		dec := &fakeDecoder{video: &fakeVideo{duration: time.Second}}
		_, err := newTestExtractor(dec).Extract(context.Background(), nil)
		require.ErrorIs(t, err, ErrExtractionFailed)
		require.Zero(t, dec.opens)
	})
	t.Run("zero duration", func(t *testing.T) {
		video := &fakeVideo{}
		_, err := newTestExtractor(&fakeDecoder{video: video}).Extract(context.Background(), []byte("x"))
		require.ErrorIs(t, err, ErrExtractionFailed)
		require.Empty(t, video.seeks)
		require.True(t, video.closed)
	})
	t.Run("corrupt", func(t *testing.T) {
		_, err := newTestExtractor(&fakeDecoder{err: errors.New("invalid data found")}).Extract(context.Background(), []byte("x"))
		require.ErrorIs(t, err, ErrExtractionFailed)
	})
	t.Run("every frame fails", func(t *testing.T) {
		video := &fakeVideo{duration: time.Second, failAt: map[time.Duration]bool{0: true}}
		_, err := newTestExtractor(&fakeDecoder{video: video}).Extract(context.Background(), []byte("x"))
		require.ErrorIs(t, err, ErrExtractionFailed)
	})
	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := newTestExtractor(&fakeDecoder{video: &fakeVideo{duration: time.Second}}).Extract(ctx, []byte("x"))
		require.ErrorIs(t, err, ErrExtractionFailed)
	})
}

func TestParseSeconds(t *testing.T) {
	d, ok := parseSeconds("3.480000\n")
	require.True(t, ok)
	require.Equal(t, 3480*time.Millisecond, d)

	_, ok = parseSeconds("N/A")
	require.False(t, ok)
	_, ok = parseSeconds("")
	require.False(t, ok)
}
