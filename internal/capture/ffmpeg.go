package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	chunkSize   = 32 << 10
	stopTimeout = 5 * time.Second
)

// FFmpegDevice records from a local camera by piping ffmpeg's webm output.
type FFmpegDevice struct {
	// Binary defaults to "ffmpeg" on PATH.
	Binary string
	// Format is the ffmpeg input device format, e.g. "v4l2" or "avfoundation".
	Format string
	// Input is the device name passed to -i, e.g. "/dev/video0".
	Input string
}

// NewFFmpegDevice returns a v4l2 device reading from input.
func NewFFmpegDevice(input string) *FFmpegDevice {
	return &FFmpegDevice{Binary: "ffmpeg", Format: "v4l2", Input: input}
}

// Open starts ffmpeg. A missing binary or device node maps to ErrDeviceUnavailable.
func (d *FFmpegDevice) Open(_ context.Context, c Constraints) (Stream, error) {
	bin := d.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if strings.HasPrefix(d.Input, "/dev/") {
		if _, err := os.Stat(d.Input); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
	}

	// The process outlives Open, so it is not bound to the caller's context.
	cmd := exec.Command(path, d.args(c)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stream := &ffmpegStream{
		cmd:    cmd,
		stdin:  stdin,
		chunks: make(chan []byte, 16),
		exited: make(chan struct{}),
	}
	cmd.Stderr = &stream.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	go stream.pump(stdout)
	return stream, nil
}

func (d *FFmpegDevice) args(c Constraints) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if d.Format != "" {
		args = append(args, "-f", d.Format)
	}
	if c.Width > 0 && c.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height))
	}
	args = append(args, "-i", d.Input)
	if !c.Audio {
		args = append(args, "-an")
	}
	return append(args, "-c:v", "libvpx", "-deadline", "realtime", "-b:v", "1M", "-f", "webm", "pipe:1")
}

type ffmpegStream struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer
	chunks chan []byte
	exited chan struct{}

	once    sync.Once
	waitErr error
}

func (s *ffmpegStream) Chunks() <-chan []byte { return s.chunks }

func (s *ffmpegStream) pump(stdout io.Reader) {
	defer close(s.exited)
	defer close(s.chunks)
	for {
		buf := make([]byte, chunkSize)
		n, err := stdout.Read(buf)
		if n > 0 {
			s.chunks <- buf[:n]
		}
		if err != nil {
			break
		}
	}
	s.waitErr = s.cmd.Wait()
}

// Stop asks ffmpeg to finish the container with "q" and kills it if it does not exit in time.
func (s *ffmpegStream) Stop() error {
	var err error
	s.once.Do(func() {
		_, _ = io.WriteString(s.stdin, "q")
		_ = s.stdin.Close()

		select {
		case <-s.exited:
		case <-time.After(stopTimeout):
			_ = s.cmd.Process.Kill()
			<-s.exited
		}

		var exitErr *exec.ExitError
		if s.waitErr != nil && !errors.As(s.waitErr, &exitErr) {
			err = s.waitErr
		}
	})
	return err
}
