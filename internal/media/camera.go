package media

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"
)

const maxFrameBytes = 8 << 20

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

type CameraConfig struct {
	Command           string
	InputFormat       string
	Device            string
	FPS               int
	FirstFrameTimeout time.Duration
}

// Camera captures MJPEG frames from an ffmpeg subprocess.
type Camera struct {
	cfg CameraConfig
}

func NewCamera(cfg CameraConfig) *Camera {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = defaultInputFormat()
	}
	if cfg.Device == "" {
		cfg.Device = defaultDevice()
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 2
	}
	if cfg.FirstFrameTimeout <= 0 {
		cfg.FirstFrameTimeout = 5 * time.Second
	}
	return &Camera{cfg: cfg}
}

func defaultInputFormat() string {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "dshow"
	default:
		return "v4l2"
	}
}

func defaultDevice() string {
	switch runtime.GOOS {
	case "darwin":
		return "0"
	case "windows":
		return "video=Integrated Camera"
	default:
		return "/dev/video0"
	}
}

func (c *Camera) args() []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.cfg.InputFormat,
		"-i", c.cfg.Device,
		"-r", strconv.Itoa(c.cfg.FPS),
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	}
}

// Open starts the capture process and waits for its first frame.
func (c *Camera) Open(ctx context.Context) (VideoSource, error) {
	if _, err := exec.LookPath(c.cfg.Command); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if c.cfg.InputFormat == "v4l2" {
		if _, err := os.Stat(c.cfg.Device); err != nil {
			if errors.Is(err, os.ErrPermission) {
				return nil, fmt.Errorf("%w: %v", ErrDeviceAccessDenied, err)
			}
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
	}

	cmd := exec.CommandContext(ctx, c.cfg.Command, c.args()...)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	feed := &cameraFeed{
		stdout:     stdout,
		stderr:     stderr,
		process:    cmd.Process,
		waitErr:    waitErr,
		firstFrame: make(chan struct{}),
		readDone:   make(chan struct{}),
	}
	go feed.readFrames()

	select {
	case <-feed.firstFrame:
		return feed, nil
	case <-feed.readDone:
		_ = feed.Close()
		return nil, fmt.Errorf("ffmpeg exited before first frame: %s", trimOutput(stderr.String()))
	case <-time.After(c.cfg.FirstFrameTimeout):
		_ = feed.Close()
		return nil, fmt.Errorf("%w: no frame within %s: %s", ErrDeviceUnavailable, c.cfg.FirstFrameTimeout, trimOutput(stderr.String()))
	case <-ctx.Done():
		_ = feed.Close()
		return nil, ctx.Err()
	}
}

type cameraFeed struct {
	stdout  io.ReadCloser
	stderr  *syncBuffer
	process *os.Process
	waitErr <-chan error

	mu         sync.Mutex
	latest     []byte
	frames     uint64
	firstFrame chan struct{}
	readDone   chan struct{}

	stopOnce sync.Once
	stopErr  error
}

func (f *cameraFeed) readFrames() {
	defer close(f.readDone)

	scanner := bufio.NewScanner(f.stdout)
	scanner.Buffer(make([]byte, 0, 256*1024), maxFrameBytes)
	scanner.Split(splitJPEG)

	for scanner.Scan() {
		frame := make([]byte, len(scanner.Bytes()))
		copy(frame, scanner.Bytes())

		f.mu.Lock()
		f.latest = frame
		f.frames++
		first := f.frames == 1
		f.mu.Unlock()

		if first {
			close(f.firstFrame)
		}
	}
}

func (f *cameraFeed) LatestFrame() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return nil, false
	}
	return f.latest, true
}

func (f *cameraFeed) Close() error {
	f.stopOnce.Do(func() {
		if f.process != nil {
			_ = f.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-f.waitErr:
			if ok {
				f.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if f.process != nil {
				_ = f.process.Kill()
			}
			if err, ok := <-f.waitErr; ok {
				f.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := f.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && f.stopErr == nil {
			f.stopErr = closeErr
		}
		if f.stopErr != nil && f.stderr.Len() > 0 {
			f.stopErr = fmt.Errorf("%w: %s", f.stopErr, trimOutput(f.stderr.String()))
		}
	})
	return f.stopErr
}

// splitJPEG is a bufio.SplitFunc yielding one complete JPEG image per token,
// delimited by the SOI and EOI markers. Bytes outside a frame are discarded.
func splitJPEG(data []byte, atEOF bool) (int, []byte, error) {
	if len(data) == 0 {
		return 0, nil, nil
	}

	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a trailing 0xFF that may begin the next marker.
		return len(data) - 1, nil, nil
	}

	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}

	stop := start + len(jpegSOI) + end + len(jpegEOI)
	return stop, data[start:stop], nil
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimOutput(s string) string {
	return string(bytes.TrimSpace([]byte(s)))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
