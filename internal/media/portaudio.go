package media

import (
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// Init prepares the audio host API. Call Terminate on shutdown.
func Init() error {
	return portaudio.Initialize()
}

func Terminate() error {
	return portaudio.Terminate()
}

// OpenMicrophone opens and starts the default input device at the first
// sample rate it accepts.
func OpenMicrophone(sampleRates []int, framesPerBuffer int) (*Microphone, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = 1024
	}
	if len(sampleRates) == 0 {
		sampleRates = []int{16000}
	}

	var errs []error
	for _, rate := range sampleRates {
		mic, err := openMic(rate, framesPerBuffer)
		if err != nil {
			errs = append(errs, fmt.Errorf("%d Hz: %w", rate, err))
			continue
		}
		return mic, nil
	}
	return nil, fmt.Errorf("open microphone: %w", errors.Join(errs...))
}

func openMic(sampleRate, framesPerBuffer int) (*Microphone, error) {
	buf := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), framesPerBuffer, buf)
	if err != nil {
		return nil, err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, err
	}
	return newMicrophone(stream, buf, sampleRate), nil
}
