package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type deviceStream struct {
	encoder *FrameEncoder
	camera  VideoSource
	mic     MicSource

	mu           sync.Mutex
	videoEnabled bool
	audioEnabled bool
	released     bool

	releaseOnce sync.Once
}

// CaptureFrame returns the latest camera frame scaled to the encoder size.
// A disabled video track or a camera with no frame yet yields a black frame.
func (s *deviceStream) CaptureFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	released := s.released
	camera := s.camera
	enabled := s.videoEnabled
	s.mu.Unlock()

	if released {
		return nil, ErrStreamReleased
	}
	if camera == nil || !enabled {
		return s.encoder.Black()
	}

	frame, ok := camera.LatestFrame()
	if !ok {
		return s.encoder.Black()
	}

	out, err := s.encoder.Encode(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return out, nil
}

func (s *deviceStream) SetTrackEnabled(kind TrackKind, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return
	}

	switch kind {
	case TrackVideo:
		s.videoEnabled = enabled
	case TrackAudio:
		s.audioEnabled = enabled
		if s.mic != nil {
			s.mic.SetMuted(!enabled)
		}
	}
}

func (s *deviceStream) TrackEnabled(kind TrackKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case TrackVideo:
		return s.videoEnabled
	case TrackAudio:
		return s.audioEnabled
	default:
		return false
	}
}

// Audio returns the microphone, or nil if no microphone was acquired.
func (s *deviceStream) Audio() AudioSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mic == nil {
		return nil
	}
	return s.mic
}

// Release closes every device exactly once. Later calls are no-ops.
func (s *deviceStream) Release() error {
	var err error
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		s.released = true
		camera := s.camera
		mic := s.mic
		s.mu.Unlock()

		var errs []error
		if mic != nil {
			if err := mic.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close microphone: %w", err))
			}
		}
		if camera != nil {
			if err := camera.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close camera: %w", err))
			}
		}
		err = errors.Join(errs...)
	})
	return err
}
