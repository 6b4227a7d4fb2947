// Package portaudio implements [audio.Source] on top of the PortAudio C
// library via github.com/gordonklaus/portaudio.
//
// The PortAudio shared library and headers must be available at build time
// (libportaudio2 / portaudio19-dev on Debian, portaudio on Homebrew).
//
// Usage:
//
//	src, err := portaudio.New()
//	if err != nil { … }
//	defer src.Close()
//
//	stream, err := src.Open(ctx, audio.StreamConfig{SampleRate: 16000, Channels: 1, FramesPerBuffer: 512})
//	if err != nil { … }
//	_ = stream.Start(func(samples []float32) { buf.Append(samples) }, nil)
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/earmark/pkg/audio"
)

const (
	// DefaultSampleRate is requested when the caller leaves SampleRate at zero
	// and the device reports no default of its own.
	DefaultSampleRate = 16000

	// DefaultFramesPerBuffer is the number of frames read per blocking call.
	DefaultFramesPerBuffer = 512
)

// Compile-time interface checks.
var (
	_ audio.Source = (*Source)(nil)
	_ audio.Stream = (*Stream)(nil)
)

// Source opens capture streams on local PortAudio input devices. The library
// is initialised in [New] and terminated in [Source.Close].
type Source struct {
	closeOnce sync.Once
}

// New initialises PortAudio. The caller must call Close when done.
func New() (*Source, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Source{}, nil
}

// Close terminates PortAudio. Streams opened from this Source must be stopped
// first. Calling Close more than once is safe.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if e := pa.Terminate(); e != nil {
			err = fmt.Errorf("portaudio: terminate: %w", e)
		}
	})
	return err
}

// Open negotiates cfg against the selected device. The requested rate is tried
// first and the device's default rate second; the channel count is capped at
// what the device supports. A zero SampleRate asks for the device default.
func (s *Source) Open(ctx context.Context, cfg audio.StreamConfig) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("portaudio: context already cancelled: %w", err)
	}

	dev, err := findDevice(cfg.Device)
	if err != nil {
		return nil, err
	}
	if dev.MaxInputChannels < 1 {
		return nil, fmt.Errorf("portaudio: device %q has no input channels", dev.Name)
	}

	channels := min(max(cfg.Channels, 1), dev.MaxInputChannels)
	frames := cfg.FramesPerBuffer
	if frames <= 0 {
		frames = DefaultFramesPerBuffer
	}

	var rates []float64
	if cfg.SampleRate > 0 {
		rates = append(rates, float64(cfg.SampleRate))
	}
	if dev.DefaultSampleRate > 0 {
		rates = append(rates, dev.DefaultSampleRate)
	}
	if len(rates) == 0 {
		rates = append(rates, DefaultSampleRate)
	}

	buf := make([]float32, frames*channels)
	var lastErr error
	for _, rate := range rates {
		params := pa.StreamParameters{
			Input: pa.StreamDeviceParameters{
				Device:   dev,
				Channels: channels,
				Latency:  dev.DefaultLowInputLatency,
			},
			SampleRate:      rate,
			FramesPerBuffer: frames,
		}
		if err := pa.IsFormatSupported(params, buf); err != nil {
			slog.Debug("portaudio: format rejected", "device", dev.Name, "rate", rate, "channels", channels, "err", err)
			lastErr = err
			continue
		}
		st, err := pa.OpenStream(params, buf)
		if err != nil {
			lastErr = err
			continue
		}
		format := audio.Format{SampleRate: int(rate), Channels: channels}
		if int(rate) != cfg.SampleRate || channels != cfg.Channels {
			slog.Info("portaudio: negotiated capture format",
				"device", dev.Name,
				"requested_rate", cfg.SampleRate,
				"requested_channels", cfg.Channels,
				"format", format.String(),
			)
		}
		return &Stream{pa: st, buf: buf, format: format, done: make(chan struct{})}, nil
	}
	return nil, fmt.Errorf("portaudio: open %q: no supported configuration: %w", dev.Name, lastErr)
}

// findDevice returns the named input device, or the default input device
// when name is empty or "default".
func findDevice(name string) (*pa.DeviceInfo, error) {
	if name == "" || name == "default" {
		dev, err := pa.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudio: default input device: %w", err)
		}
		return dev, nil
	}
	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == name && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("portaudio: input device %q not found", name)
}

// ---- Stream -----------------------------------------------------------------

// Stream is an open PortAudio input stream read by a dedicated goroutine.
type Stream struct {
	pa     *pa.Stream
	buf    []float32
	format audio.Format

	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

// Format implements [audio.Stream].
func (s *Stream) Format() audio.Format { return s.format }

// Start implements [audio.Stream]. Frames are read in a blocking loop on a
// separate goroutine and handed to onFrames as a fresh copy.
func (s *Stream) Start(onFrames audio.FrameHandler, onErr audio.ErrorHandler) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("portaudio: stream already started")
	}
	if err := s.pa.Start(); err != nil {
		close(s.done)
		return fmt.Errorf("portaudio: start stream: %w", err)
	}
	if onErr == nil {
		onErr = func(error) {}
	}
	go s.readLoop(onFrames, onErr)
	return nil
}

// readLoop runs until Stop is called or the device fails.
func (s *Stream) readLoop(onFrames audio.FrameHandler, onErr audio.ErrorHandler) {
	defer close(s.done)
	for {
		if s.stopping.Load() {
			return
		}
		err := s.pa.Read()
		if s.stopping.Load() {
			return
		}
		if err != nil {
			if errors.Is(err, pa.InputOverflowed) {
				onErr(fmt.Errorf("portaudio: %w", err))
			} else {
				onErr(fmt.Errorf("portaudio: read: %w", err))
				return
			}
		}
		frame := make([]float32, len(s.buf))
		copy(frame, s.buf)
		onFrames(frame)
	}
}

// Stop implements [audio.Stream]. It stops the device, waits for the read
// goroutine to exit and closes the stream.
func (s *Stream) Stop() error {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		var errs []error
		if s.started.Load() {
			if err := s.pa.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("portaudio: stop stream: %w", err))
			}
			<-s.done
		}
		if err := s.pa.Close(); err != nil {
			errs = append(errs, fmt.Errorf("portaudio: close stream: %w", err))
		}
		s.stopErr = errors.Join(errs...)
	})
	return s.stopErr
}

// ---- device listing ---------------------------------------------------------

// Device describes an input-capable device.
type Device struct {
	Name              string
	HostAPI           string
	MaxInputChannels  int
	DefaultSampleRate float64
	Default           bool
}

// ListDevices returns all devices with at least one input channel. PortAudio
// must be initialised (see [New]).
func ListDevices() ([]Device, error) {
	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	var defName string
	if def, err := pa.DefaultInputDevice(); err == nil && def != nil {
		defName = def.Name
	}

	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels < 1 {
			continue
		}
		host := ""
		if d.HostApi != nil {
			host = d.HostApi.Name
		}
		out = append(out, Device{
			Name:              d.Name,
			HostAPI:           host,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			Default:           d.Name == defName,
		})
	}
	return out, nil
}
