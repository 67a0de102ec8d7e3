// Package stream implements the sample stream plane: per-output sender
// loops and per-input bounded-buffer receivers, encoding AUDIO as
// packed 24-bit big-endian samples and CV as a running IEEE-754 32-bit
// little-endian value. Senders are time.Ticker-driven goroutines; a
// buffered channel stands in for the bounded consumer queue.
package stream

import (
	"context"
	"encoding/binary"
	"math"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/patchmesh/internal/logging"
	"github.com/doismellburning/patchmesh/pkg/wire"
)

// DefaultBlockSize is the default number of samples per AUDIO block.
const DefaultBlockSize = 96

// DefaultSampleRateHz anchors the default sender cadence; a module's
// native rate is its own affair.
const DefaultSampleRateHz = 48000

const bytesPerAudioSample = 3

// DefaultBufferBlocks is the consumer buffer depth a Receiver gets when
// its owner does not choose one; NewReceiver clamps it into the
// allowed 10-100 range.
const DefaultBufferBlocks = 32

const minBufferBlocks = 10
const maxBufferBlocks = 100

// DefaultInterval returns the send/consume cadence for a block of
// blockSize samples at DefaultSampleRateHz.
func DefaultInterval(blockSize int) time.Duration {
	return time.Duration(blockSize) * time.Second / time.Duration(DefaultSampleRateHz)
}

// EncodedLen returns the expected wire length of a block for ioType,
// or -1 for types whose body is transport-transparent.
func EncodedLen(ioType wire.IOType, blockSize int) int {
	switch ioType {
	case wire.Audio:
		return blockSize * bytesPerAudioSample
	case wire.CV:
		return 4
	default:
		return -1
	}
}

// EncodeAudioBlock packs signed 24-bit samples big-endian, three bytes
// each.
func EncodeAudioBlock(samples []int32) []byte {
	var buf = make([]byte, len(samples)*bytesPerAudioSample)

	for i, s := range samples {
		buf[i*3] = byte(s >> 16)  //nolint:gosec
		buf[i*3+1] = byte(s >> 8) //nolint:gosec
		buf[i*3+2] = byte(s)      //nolint:gosec
	}

	return buf
}

// DecodeAudioBlock unpacks a big-endian 24-bit sample block, sign
// extending each sample to int32.
func DecodeAudioBlock(data []byte) []int32 {
	var samples = make([]int32, len(data)/bytesPerAudioSample)

	for i := range samples {
		var b = data[i*3 : i*3+3]
		var v = int32(b[0])<<16 | int32(b[1])<<8 | int32(b[2])

		if v&0x800000 != 0 {
			v |= -0x1000000
		}

		samples[i] = v
	}

	return samples
}

// EncodeCV packs a single running CV value as IEEE-754 32-bit
// little-endian.
func EncodeCV(value float32) []byte {
	var buf = make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(value))

	return buf
}

// DecodeCV unpacks a little-endian 32-bit float CV value.
func DecodeCV(data []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(data))
}

// Producer is the DSP producer collaborator consumed by a Sender: it
// must return a validly encoded block for the declared type.
type Producer interface {
	ProduceBlock(ioID string) ([]byte, error)
}

// Consumer is the DSP consumer collaborator fed by a Receiver.
type Consumer interface {
	ConsumeBlock(ioID string, block []byte)
}

// Endpoint is the subset of the sample-plane transport a Sender needs.
type Endpoint interface {
	SendTo(group netip.Addr, data []byte) error
}

// Sender is the periodic encode-and-send loop owned by one output jack.
// It never blocks on the absence of a receiver; a send failure is
// logged and the loop continues.
type Sender struct {
	ioID     string
	group    netip.Addr
	interval time.Duration
	endpoint Endpoint
	producer Producer
	logger   *log.Logger
}

// NewSender builds a Sender for ioID, streaming to group at interval.
func NewSender(ioID string, group netip.Addr, interval time.Duration, endpoint Endpoint, producer Producer, logger *log.Logger) *Sender {
	return &Sender{
		ioID:     ioID,
		group:    group,
		interval: interval,
		endpoint: endpoint,
		producer: producer,
		logger:   logger,
	}
}

// Run drives the periodic produce-encode-send cycle until ctx is
// cancelled.
func (s *Sender) Run(ctx context.Context) {
	var ticker = time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Sender) tick() {
	var block, produceErr = s.producer.ProduceBlock(s.ioID)
	if produceErr != nil {
		s.logger.Debug("produce block failed", "io_id", s.ioID, "err", produceErr)

		return
	}

	if sendErr := s.endpoint.SendTo(s.group, block); sendErr != nil {
		s.logger.Debug("sample send failed", "io_id", s.ioID, "err", sendErr)
	}
}

// Receiver is the bounded-buffer consumer side of one input jack.
// Push is called by the façade's sample-plane demultiplexer; Run
// drains the buffer into the DSP consumer collaborator.
type Receiver struct {
	ioID      string
	ioType    wire.IOType
	blockSize int
	buf       chan []byte
	zeroBlock []byte
	queueFull atomic.Int64
	logger    *log.Logger
	limiter   *logging.RateLimiter
}

// NewReceiver builds a Receiver for ioID, clamping bufferBlocks to
// the 10-100 range.
func NewReceiver(ioID string, ioType wire.IOType, blockSize, bufferBlocks int, logger *log.Logger) *Receiver {
	if bufferBlocks < minBufferBlocks {
		bufferBlocks = minBufferBlocks
	}

	if bufferBlocks > maxBufferBlocks {
		bufferBlocks = maxBufferBlocks
	}

	var zero []byte

	if expected := EncodedLen(ioType, blockSize); expected > 0 {
		zero = make([]byte, expected)
	}

	return &Receiver{
		ioID:      ioID,
		ioType:    ioType,
		blockSize: blockSize,
		buf:       make(chan []byte, bufferBlocks),
		zeroBlock: zero,
		logger:    logger,
		limiter:   logging.NewRateLimiter(),
	}
}

// Push is invoked once per inbound datagram addressed to this input's
// group. A wrong-size packet is dropped with a log entry and a
// zero-filled block is substituted so downstream timing holds.
// A full buffer drops the newest packet and
// increments QueueFullCount.
func (r *Receiver) Push(data []byte) {
	var block = data

	if expected := EncodedLen(r.ioType, r.blockSize); expected > 0 && len(data) != expected {
		r.logger.Warn("wrong-size sample datagram", "io_id", r.ioID, "got", len(data), "want", expected)

		block = r.zeroBlock
	}

	select {
	case r.buf <- block:
	default:
		r.queueFull.Add(1)

		if r.limiter.Allow(r.ioID) {
			r.logger.Warn("consumer buffer full, dropping newest block", "io_id", r.ioID, "dropped_total", r.queueFull.Load())
		}
	}
}

// QueueFullCount reports how many inbound blocks have been dropped for
// buffer overflow.
func (r *Receiver) QueueFullCount() int64 {
	return r.queueFull.Load()
}

// Run drains the buffer into consumer until ctx is cancelled.
func (r *Receiver) Run(ctx context.Context, consumer Consumer) {
	for {
		select {
		case <-ctx.Done():
			return
		case block := <-r.buf:
			consumer.ConsumeBlock(r.ioID, block)
		}
	}
}
