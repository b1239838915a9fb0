package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// stopGrace bounds how long Close lets a pending read finish on a running
// stream before stopping the stream underneath it.
const stopGrace = time.Second

// captureStream is the part of a PortAudio input stream the microphone uses.
// Read fills the buffer handed to the stream when it was opened.
type captureStream interface {
	Read() error
	Stop() error
	Close() error
}

// Microphone wraps a PortAudio capture stream. Muting replaces samples with
// silence so downstream consumers keep receiving audio.
type Microphone struct {
	stream     captureStream
	buf        []int16
	sampleRate int
	muted      atomic.Bool
	grace      time.Duration

	mu      sync.Mutex
	closing bool
	stopCh  chan struct{}
	readers sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

func newMicrophone(stream captureStream, buf []int16, sampleRate int) *Microphone {
	return &Microphone{
		stream:     stream,
		buf:        buf,
		sampleRate: sampleRate,
		grace:      stopGrace,
		stopCh:     make(chan struct{}),
	}
}

func (m *Microphone) SampleRate() int { return m.sampleRate }

func (m *Microphone) SetMuted(muted bool) { m.muted.Store(muted) }

// Stream reads from the mic and writes PCM16-LE to w until an error or Close.
// It returns nil once Close has been called.
func (m *Microphone) Stream(w io.Writer) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil
	}
	m.readers.Add(1)
	m.mu.Unlock()
	defer m.readers.Done()

	var out bytes.Buffer
	out.Grow(len(m.buf) * 2)
	for {
		select {
		case <-m.stopCh:
			return nil
		default:
		}

		if err := m.stream.Read(); err != nil {
			select {
			case <-m.stopCh:
				return nil
			default:
			}
			return err
		}
		if m.muted.Load() {
			clear(m.buf)
		}
		out.Reset()
		if err := binary.Write(&out, binary.LittleEndian, m.buf); err != nil {
			return err
		}
		if _, err := w.Write(out.Bytes()); err != nil {
			return err
		}
	}
}

// Close stops the stream loop and releases the device. The stream is only
// closed after every Stream call has returned.
func (m *Microphone) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closing = true
		close(m.stopCh)
		m.mu.Unlock()

		exited := make(chan struct{})
		go func() {
			m.readers.Wait()
			close(exited)
		}()

		var stopErr error
		stopped := false
		select {
		case <-exited:
		case <-time.After(m.grace):
			// A read that never completes is unblocked by stopping the stream.
			stopErr = m.stream.Stop()
			stopped = true
			<-exited
		}
		if !stopped {
			stopErr = m.stream.Stop()
		}
		closeErr := m.stream.Close()
		m.closeErr = errors.Join(stopErr, closeErr)
	})
	return m.closeErr
}
