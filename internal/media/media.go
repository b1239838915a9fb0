package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

var (
	ErrDeviceAccessDenied = errors.New("device access denied")
	ErrDeviceUnavailable  = errors.New("device unavailable")
	ErrStreamReleased     = errors.New("media stream released")
)

// DeviceError reports which device failed to open. It matches
// ErrDeviceAccessDenied or ErrDeviceUnavailable with errors.Is.
type DeviceError struct {
	Kind  TrackKind
	Err   error
	Cause error
}

func (e *DeviceError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Kind, e.Err, e.Cause)
}

func (e *DeviceError) Unwrap() []error {
	return []error{e.Err, e.Cause}
}

// AudioSource produces PCM16-LE mono audio.
type AudioSource interface {
	Stream(w io.Writer) error
	SampleRate() int
}

// Stream is a live camera and microphone pair owned by one session.
type Stream interface {
	CaptureFrame(ctx context.Context) ([]byte, error)
	SetTrackEnabled(kind TrackKind, enabled bool)
	TrackEnabled(kind TrackKind) bool
	Audio() AudioSource
	Release() error
}

// VideoSource yields the most recent encoded camera frame.
type VideoSource interface {
	LatestFrame() ([]byte, bool)
	Close() error
}

// MicSource is an audio device that can be silenced without closing it.
type MicSource interface {
	AudioSource
	SetMuted(muted bool)
	Close() error
}

type AcquireOptions struct {
	Video bool
	Audio bool
}

// Devices opens capture hardware for a session.
type Devices struct {
	OpenCamera     func(ctx context.Context) (VideoSource, error)
	OpenMicrophone func(ctx context.Context) (MicSource, error)
	Encoder        *FrameEncoder
}

// Acquire opens the requested devices. If any device fails, everything opened
// so far is closed and a *DeviceError is returned.
func (d *Devices) Acquire(ctx context.Context, opts AcquireOptions) (Stream, error) {
	if !opts.Video && !opts.Audio {
		return nil, &DeviceError{Kind: TrackVideo, Err: ErrDeviceUnavailable, Cause: errors.New("no tracks requested")}
	}

	stream := &deviceStream{
		encoder:      d.Encoder,
		videoEnabled: opts.Video,
		audioEnabled: opts.Audio,
	}
	if stream.encoder == nil {
		stream.encoder = NewFrameEncoder(0, 0, 0)
	}

	if opts.Video {
		if d.OpenCamera == nil {
			return nil, &DeviceError{Kind: TrackVideo, Err: ErrDeviceUnavailable, Cause: errors.New("no camera configured")}
		}
		camera, err := d.OpenCamera(ctx)
		if err != nil {
			return nil, classify(TrackVideo, err)
		}
		stream.camera = camera
	}

	if opts.Audio {
		if d.OpenMicrophone == nil {
			_ = stream.Release()
			return nil, &DeviceError{Kind: TrackAudio, Err: ErrDeviceUnavailable, Cause: errors.New("no microphone configured")}
		}
		mic, err := d.OpenMicrophone(ctx)
		if err != nil {
			_ = stream.Release()
			return nil, classify(TrackAudio, err)
		}
		stream.mic = mic
	}

	return stream, nil
}

func classify(kind TrackKind, err error) error {
	var devErr *DeviceError
	if errors.As(err, &devErr) {
		return devErr
	}
	if errors.Is(err, ErrDeviceAccessDenied) || errors.Is(err, fs.ErrPermission) || isPermissionMessage(err.Error()) {
		return &DeviceError{Kind: kind, Err: ErrDeviceAccessDenied, Cause: err}
	}
	return &DeviceError{Kind: kind, Err: ErrDeviceUnavailable, Cause: err}
}

func isPermissionMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{"permission denied", "operation not permitted", "not authorized", "access denied"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
