// Package audioio is the real sound-card-backed DSP collaborator: it
// satisfies stream.Producer/stream.Consumer against
// github.com/gordonklaus/portaudio instead of placing any audio I/O in
// the core sample-stream package. It is wired in only by
// cmd/synthmodule, behind --audio-device.
package audioio

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"

	"github.com/doismellburning/patchmesh/pkg/stream"
)

// fullScale is the int32 magnitude the 24-bit AUDIO encoding's sign
// range maps onto.
const fullScale = 1 << 23

const ringDepth = 4

// Device drives one default full-duplex PortAudio stream, decoupling
// its realtime audio callback from the sender/receiver goroutines'
// block cadence with small ring buffers.
type Device struct {
	stream    *portaudio.Stream
	blockSize int

	captured chan []int32
	playback chan []int32

	logger *log.Logger
}

// Open initializes PortAudio and starts a default full-duplex stream
// at blockSize frames per callback, DefaultSampleRateHz sample rate.
func Open(blockSize int, logger *log.Logger) (*Device, error) {
	if logger == nil {
		logger = log.New(os.Stderr)
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("audioio: initialize portaudio: %w", err)
	}

	var d = &Device{
		blockSize: blockSize,
		captured:  make(chan []int32, ringDepth),
		playback:  make(chan []int32, ringDepth),
		logger:    logger,
	}

	var strm, err = portaudio.OpenDefaultStream(1, 1, float64(stream.DefaultSampleRateHz), blockSize, d.callback)
	if err != nil {
		_ = portaudio.Terminate()

		return nil, fmt.Errorf("audioio: open default stream: %w", err)
	}

	if startErr := strm.Start(); startErr != nil {
		_ = strm.Close()
		_ = portaudio.Terminate()

		return nil, fmt.Errorf("audioio: start stream: %w", startErr)
	}

	d.stream = strm

	return d, nil
}

// callback runs on PortAudio's realtime thread: it must never block.
func (d *Device) callback(in, out []float32) {
	var samples = make([]int32, len(in))

	for i, v := range in {
		samples[i] = int32(v * fullScale)
	}

	select {
	case d.captured <- samples:
	default:
		d.logger.Debug("audioio: capture ring full, dropping block")
	}

	select {
	case playback := <-d.playback:
		for i := range out {
			if i < len(playback) {
				out[i] = float32(playback[i]) / fullScale
			} else {
				out[i] = 0
			}
		}
	default:
		for i := range out {
			out[i] = 0
		}
	}
}

// ProduceBlock implements stream.Producer: the oldest captured block
// of microphone input still waiting in the capture ring, encoded as
// packed 24-bit samples.
func (d *Device) ProduceBlock(ioID string) ([]byte, error) {
	select {
	case samples := <-d.captured:
		return stream.EncodeAudioBlock(samples), nil
	default:
		return nil, fmt.Errorf("audioio: no captured block ready for %s", ioID)
	}
}

// ConsumeBlock implements stream.Consumer: queues block for playback
// on the next audio callback, dropping it if the playback ring is full
// rather than blocking the receiver's drain loop.
func (d *Device) ConsumeBlock(ioID string, block []byte) {
	var samples = stream.DecodeAudioBlock(block)

	select {
	case d.playback <- samples:
	default:
		d.logger.Debug("audioio: playback ring full, dropping block", "io_id", ioID)
	}
}

// Close stops the stream and releases PortAudio.
func (d *Device) Close() error {
	if d.stream != nil {
		if err := d.stream.Stop(); err != nil {
			d.logger.Debug("audioio: stop stream failed", "err", err)
		}

		if err := d.stream.Close(); err != nil {
			d.logger.Debug("audioio: close stream failed", "err", err)
		}
	}

	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("audioio: terminate portaudio: %w", err)
	}

	return nil
}
