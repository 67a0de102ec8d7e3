package stream

import (
	"context"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doismellburning/patchmesh/pkg/wire"
)

func testLogger() *log.Logger {
	var logger = log.New(io.Discard)
	logger.SetLevel(log.FatalLevel + 1)

	return logger
}

func TestEncodeDecodeAudioBlockRoundTrip(t *testing.T) {
	var samples = []int32{0, 1, -1, 8388607, -8388608, 12345, -12345}
	var encoded = EncodeAudioBlock(samples)

	require.Len(t, encoded, len(samples)*bytesPerAudioSample)

	var decoded = DecodeAudioBlock(encoded)
	assert.Equal(t, samples, decoded)
}

func TestEncodeDecodeCVRoundTrip(t *testing.T) {
	for _, v := range []float32{0, 1, -1, 3.25, -0.5, 1e6} {
		var encoded = EncodeCV(v)
		require.Len(t, encoded, 4)
		assert.Equal(t, v, DecodeCV(encoded))
	}
}

func TestEncodedLen(t *testing.T) {
	assert.Equal(t, 288, EncodedLen(wire.Audio, 96))
	assert.Equal(t, 4, EncodedLen(wire.CV, 96))
	assert.Equal(t, -1, EncodedLen(wire.Gate, 96))
}

type fakeEndpoint struct {
	mu    sync.Mutex
	sent  [][]byte
	group netip.Addr
}

func (f *fakeEndpoint) SendTo(group netip.Addr, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.group = group
	f.sent = append(f.sent, data)

	return nil
}

type fakeProducer struct {
	block []byte
}

func (p *fakeProducer) ProduceBlock(string) ([]byte, error) {
	return p.block, nil
}

func TestSenderSendsProducedBlocksToGroup(t *testing.T) {
	var group = netip.MustParseAddr("239.100.0.5")
	var endpoint = &fakeEndpoint{}
	var producer = &fakeProducer{block: EncodeAudioBlock(make([]int32, 96))}
	var sender = NewSender("out1", group, 2*time.Millisecond, endpoint, producer, testLogger())

	var ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	sender.Run(ctx)

	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()

	assert.NotEmpty(t, endpoint.sent)
	assert.Equal(t, group, endpoint.group)

	for _, data := range endpoint.sent {
		assert.Len(t, data, 288)
	}
}

func TestReceiverSubstitutesZeroBlockOnWrongSize(t *testing.T) {
	var r = NewReceiver("in1", wire.Audio, 96, 10, testLogger())

	r.Push(make([]byte, 10))

	var ctx, cancel = context.WithCancel(context.Background())
	var received = make(chan []byte, 1)

	go r.Run(ctx, consumeFunc(func(_ string, block []byte) {
		received <- block
	}))

	select {
	case block := <-received:
		assert.Equal(t, make([]byte, 288), block)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivered block")
	}

	cancel()
}

func TestReceiverDropsNewestOnOverflowAndCountsQueueFull(t *testing.T) {
	var r = NewReceiver("in1", wire.CV, 96, minBufferBlocks, testLogger())

	for i := 0; i < minBufferBlocks; i++ {
		r.Push(EncodeCV(float32(i)))
	}

	assert.Equal(t, int64(0), r.QueueFullCount())

	r.Push(EncodeCV(999))
	assert.Equal(t, int64(1), r.QueueFullCount())

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var first []byte
	var got = make(chan []byte, 1)

	go r.Run(ctx, consumeFunc(func(_ string, block []byte) {
		select {
		case got <- block:
		default:
		}
	}))

	select {
	case first = <-got:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first delivered block")
	}

	assert.InDelta(t, float32(0), DecodeCV(first), 0.0001, "overflow must drop the newest push, not the oldest")
}

func TestReceiverClampsBufferSize(t *testing.T) {
	var tooSmall = NewReceiver("in1", wire.CV, 96, 1, testLogger())
	assert.Equal(t, minBufferBlocks, cap(tooSmall.buf))

	var tooLarge = NewReceiver("in1", wire.CV, 96, 1000, testLogger())
	assert.Equal(t, maxBufferBlocks, cap(tooLarge.buf))
}

type consumeFunc func(ioID string, block []byte)

func (f consumeFunc) ConsumeBlock(ioID string, block []byte) {
	f(ioID, block)
}
