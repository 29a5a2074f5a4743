package frames

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// FFmpegDecoder decodes clips with the ffprobe and ffmpeg binaries.
type FFmpegDecoder struct {
	FFmpeg  string
	FFprobe string
}

// NewFFmpegDecoder returns a decoder using the binaries on PATH.
func NewFFmpegDecoder() *FFmpegDecoder {
	return &FFmpegDecoder{FFmpeg: "ffmpeg", FFprobe: "ffprobe"}
}

// Open spools clip to a temporary file so ffmpeg can seek in it.
func (d *FFmpegDecoder) Open(ctx context.Context, clip []byte) (Video, error) {
	f, err := os.CreateTemp("", "greenpoints-clip-*.webm")
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(clip); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, err
	}

	v := &ffmpegVideo{decoder: d, path: f.Name()}
	duration, err := v.probe(ctx)
	if err != nil {
		v.Close()
		return nil, err
	}
	v.duration = duration
	return v, nil
}

type ffmpegVideo struct {
	decoder  *FFmpegDecoder
	path     string
	duration time.Duration
}

func (v *ffmpegVideo) Duration() time.Duration { return v.duration }

func (v *ffmpegVideo) Close() error { return os.Remove(v.path) }

func (v *ffmpegVideo) FrameAt(ctx context.Context, at time.Duration) (image.Image, error) {
	out, err := run(ctx, v.decoder.FFmpeg,
		"-v", "error",
		"-ss", strconv.FormatFloat(at.Seconds(), 'f', 3, 64),
		"-i", v.path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"pipe:1",
	)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no frame at %s", at)
	}
	return png.Decode(bytes.NewReader(out))
}

// probe reads the container duration. Streamed webm often lacks one, in which case the
// last video packet timestamp is used.
func (v *ffmpegVideo) probe(ctx context.Context) (time.Duration, error) {
	out, err := run(ctx, v.decoder.FFprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		v.path,
	)
	if err != nil {
		return 0, err
	}
	if d, ok := parseSeconds(string(out)); ok {
		return d, nil
	}

	out, err = run(ctx, v.decoder.FFprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "packet=pts_time",
		"-of", "csv=p=0",
		v.path,
	)
	if err != nil {
		return 0, err
	}
	var last time.Duration
	for _, line := range strings.Split(string(out), "\n") {
		if d, ok := parseSeconds(line); ok && d > last {
			last = d
		}
	}
	return last, nil
}

func parseSeconds(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "N/A" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(math.Round(secs * float64(time.Second))), true
}

func run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", bin, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
