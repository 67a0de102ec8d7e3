package module

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

	"github.com/doismellburning/patchmesh/pkg/jack"
	"github.com/doismellburning/patchmesh/pkg/wire"
)

// fakeBus is an in-process stand-in for the control-plane multicast
// group: every Send reaches every subscriber, including the sender,
// mirroring real multicast loopback. Delivery is asynchronous (each
// subscriber is notified on its own goroutine) because that is what a
// real socket round-trip through the kernel gives us, and Module's
// serial worker assumes its own Send never re-enters itself
// synchronously.
type fakeBus struct {
	mu   sync.Mutex
	subs []func([]byte, netip.AddrPort)
}

func (b *fakeBus) subscribe(h func([]byte, netip.AddrPort)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs = append(b.subs, h)
}

func (b *fakeBus) publish(data []byte) {
	b.mu.Lock()
	var subs = append([]func([]byte, netip.AddrPort){}, b.subs...)
	b.mu.Unlock()

	for _, h := range subs {
		go h(append([]byte(nil), data...), netip.AddrPort{})
	}
}

type fakeControl struct {
	bus *fakeBus
}

func (f *fakeControl) Send(data []byte) error {
	f.bus.publish(data)

	return nil
}

func (f *fakeControl) SendUnicast(data []byte, _ netip.Addr) error {
	f.bus.publish(data)

	return nil
}

func (f *fakeControl) Run(ctx context.Context, handler func([]byte, netip.AddrPort)) error {
	f.bus.subscribe(handler)
	<-ctx.Done()

	return ctx.Err()
}

func (f *fakeControl) Close() error { return nil }

type fakeSample struct {
	mu     sync.Mutex
	joined map[string]int
}

func newFakeSample() *fakeSample { return &fakeSample{joined: map[string]int{}} }

func (f *fakeSample) JoinGroup(group netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.joined[group.String()]++

	return nil
}

func (f *fakeSample) LeaveGroup(group netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.joined[group.String()]--

	return nil
}

func (f *fakeSample) SendTo(_ netip.Addr, _ []byte) error { return nil }

func (f *fakeSample) Run(ctx context.Context, _ func(netip.Addr, []byte)) error {
	<-ctx.Done()

	return ctx.Err()
}

func (f *fakeSample) Close() error { return nil }

func (f *fakeSample) isJoined(group string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.joined[group] > 0
}

func testLogger() *log.Logger {
	var l = log.New(io.Discard)
	l.SetLevel(log.FatalLevel + 1)

	return l
}

func newTestModule(t *testing.T, bus *fakeBus, id string, unicast string) (*Module, *fakeSample) {
	t.Helper()

	var sample = newFakeSample()

	var mod, err = New(Config{
		ModuleID:   id,
		ModuleType: "test",
		Unicast:    netip.MustParseAddr(unicast),
		Control:    &fakeControl{bus: bus},
		Sample:     sample,
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	return mod, sample
}

// TestScenarioHappyPath: one output press plus one input press
// produce a connection and a sample-plane group join.
func TestScenarioHappyPath(t *testing.T) {
	var bus = &fakeBus{}

	var osc, _ = newTestModule(t, bus, "osc_0", "127.0.1.100")
	var sink, sinkSample = newTestModule(t, bus, "sink_0", "127.0.1.200")

	var oscOut = osc.AddOutput("audio", wire.Audio, 0, 96)
	var sinkIn = sink.AddInput("left", wire.Audio)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	go osc.Run(ctx)  //nolint:errcheck
	go sink.Run(ctx) //nolint:errcheck

	osc.Press("audio", jack.ShortPress)

	require.Eventually(t, func() bool {
		return oscOut.State() == jack.OSelfPending
	}, time.Second, time.Millisecond, "output should self-initiate")

	require.Eventually(t, func() bool {
		return sinkIn.State() == jack.IPending
	}, time.Second, time.Millisecond, "input should see the INITIATE and go pending")

	sink.Press("left", jack.ShortPress)

	require.Eventually(t, func() bool {
		return sinkIn.State() == jack.IIdleConnected
	}, time.Second, time.Millisecond, "input should commit")

	require.Eventually(t, func() bool {
		return oscOut.State() == jack.OIdle
	}, time.Second, time.Millisecond, "output should settle back to idle after CONNECT")

	var rec = sinkIn.Record()
	require.NotNil(t, rec)
	assert.Equal(t, "osc_0", rec.SrcModule)
	assert.Equal(t, "audio", rec.SrcIO)
	assert.Equal(t, osc.OutputGroup().String(), rec.Group)

	assert.Eventually(t, func() bool {
		return sinkSample.isJoined(osc.OutputGroup().String())
	}, time.Second, time.Millisecond, "sink's sample socket should have joined the source group")
}

// TestScenarioTypeMismatch: a CV INITIATE leaves an audio input dark
// and unconnected.
func TestScenarioTypeMismatch(t *testing.T) {
	var bus = &fakeBus{}

	var lfo, _ = newTestModule(t, bus, "lfo_0", "127.0.1.101")
	var sink, _ = newTestModule(t, bus, "sink_0", "127.0.1.201")

	lfo.AddOutput("cv", wire.CV, 0, 1)
	var sinkIn = sink.AddInput("left", wire.Audio)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	go lfo.Run(ctx)  //nolint:errcheck
	go sink.Run(ctx) //nolint:errcheck

	lfo.Press("cv", jack.ShortPress)

	require.Eventually(t, func() bool {
		return sinkIn.State() == jack.IOtherCompatible
	}, time.Second, time.Millisecond)

	assert.Nil(t, sinkIn.Record())
}

// TestScenarioRace: osc_0 (lexicographically lesser) initiates first;
// osc_1 sees that INITIATE and goes OOtherPending, so its own later
// press is ignored and it never initiates. osc_0 keeps OSelfPending,
// osc_1 stays yielded, and the sink's eventual connection record points
// at osc_0. The genuinely concurrent interleaving of two INITIATEs is
// exercised by the jack-level property test for the tie-break; this
// test pins the cross-module outcome.
func TestScenarioRace(t *testing.T) {
	var bus = &fakeBus{}

	var osc0, _ = newTestModule(t, bus, "osc_0", "127.0.1.100")
	var osc1, _ = newTestModule(t, bus, "osc_1", "127.0.1.101")
	var sink, _ = newTestModule(t, bus, "sink_0", "127.0.1.200")

	var out0 = osc0.AddOutput("audio", wire.Audio, 0, 96)
	var out1 = osc1.AddOutput("audio", wire.Audio, 0, 96)
	var sinkIn = sink.AddInput("left", wire.Audio)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	go osc0.Run(ctx) //nolint:errcheck
	go osc1.Run(ctx) //nolint:errcheck
	go sink.Run(ctx) //nolint:errcheck

	osc0.Press("audio", jack.ShortPress)

	require.Eventually(t, func() bool {
		return out1.State() == jack.OOtherPending
	}, time.Second, time.Millisecond, "osc_1 must see osc_0's INITIATE")

	osc1.Press("audio", jack.ShortPress)

	require.Eventually(t, func() bool {
		return out0.State() == jack.OSelfPending && out1.State() == jack.OOtherPending
	}, time.Second, time.Millisecond, "the lexicographically lesser id keeps the initiative")

	require.Eventually(t, func() bool {
		return sinkIn.State() == jack.IPending
	}, time.Second, time.Millisecond)

	sink.Press("left", jack.ShortPress)
	require.Eventually(t, func() bool {
		return sinkIn.State() == jack.IIdleConnected
	}, time.Second, time.Millisecond)

	require.NotNil(t, sinkIn.Record())
	assert.Equal(t, "osc_0", sinkIn.Record().SrcModule, "the connection must point at the race winner")
}

// TestScenarioReveal: a short press on a connected input puts a
// SHOW_CONNECTED addressed to its source on the wire, and the source
// output's LED overrides to BLINK_RAPID. The 3-second revert is pinned
// by the output jack's own reveal test.
func TestScenarioReveal(t *testing.T) {
	var bus = &fakeBus{}

	var osc, _ = newTestModule(t, bus, "osc_0", "127.0.1.100")
	var sink, _ = newTestModule(t, bus, "sink_0", "127.0.1.200")

	var oscOut = osc.AddOutput("audio", wire.Audio, 0, 96)
	var sinkIn = sink.AddInput("left", wire.Audio)

	var mu sync.Mutex
	var reveals []wire.ShowConnectedPayload

	bus.subscribe(func(data []byte, _ netip.AddrPort) {
		var msg = wire.Decode(data)
		if msg.Type != wire.ShowConnected {
			return
		}

		var payload wire.ShowConnectedPayload
		if err := wire.DecodePayload(msg, &payload); err != nil {
			return
		}

		mu.Lock()
		reveals = append(reveals, payload)
		mu.Unlock()
	})

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	go osc.Run(ctx)  //nolint:errcheck
	go sink.Run(ctx) //nolint:errcheck

	osc.Press("audio", jack.ShortPress)
	require.Eventually(t, func() bool {
		return sinkIn.State() == jack.IPending
	}, time.Second, time.Millisecond)

	sink.Press("left", jack.ShortPress)
	require.Eventually(t, func() bool {
		return sinkIn.State() == jack.IIdleConnected
	}, time.Second, time.Millisecond)

	sink.Press("left", jack.ShortPress)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(reveals) == 1
	}, time.Second, time.Millisecond, "a SHOW_CONNECTED must be observed on the wire")

	mu.Lock()
	assert.Equal(t, wire.ShowConnectedPayload{TargetMod: "osc_0", TargetIO: "audio"}, reveals[0])
	mu.Unlock()

	assert.Eventually(t, func() bool {
		return oscOut.LEDState() == jack.BlinkRapid
	}, time.Second, time.Millisecond, "the source output must run its reveal override")
}

// TestScenarioDisconnectAndRepatch: the long press drops the
// sample-plane group membership, and repeating the patch reproduces
// the original final state.
func TestScenarioDisconnectAndRepatch(t *testing.T) {
	var bus = &fakeBus{}

	var osc, _ = newTestModule(t, bus, "osc_0", "127.0.1.100")
	var sink, sinkSample = newTestModule(t, bus, "sink_0", "127.0.1.200")

	osc.AddOutput("audio", wire.Audio, 0, 96)
	var sinkIn = sink.AddInput("left", wire.Audio)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	go osc.Run(ctx)  //nolint:errcheck
	go sink.Run(ctx) //nolint:errcheck

	var patch = func() {
		osc.Press("audio", jack.ShortPress)
		require.Eventually(t, func() bool {
			return sinkIn.State() == jack.IPending
		}, time.Second, time.Millisecond)

		sink.Press("left", jack.ShortPress)
		require.Eventually(t, func() bool {
			return sinkIn.State() == jack.IIdleConnected
		}, time.Second, time.Millisecond)
	}

	patch()
	var group = osc.OutputGroup().String()
	require.True(t, sinkSample.isJoined(group))
	var firstRecord = *sinkIn.Record()

	sink.Press("left", jack.LongPress)

	require.Eventually(t, func() bool {
		return sinkIn.State() == jack.IIdleDisconnected
	}, time.Second, time.Millisecond)
	assert.Nil(t, sinkIn.Record())
	assert.False(t, sinkSample.isJoined(group), "group membership must be dropped on disconnect")

	patch()
	assert.Equal(t, firstRecord, *sinkIn.Record(), "re-patching must reproduce the original state")
	assert.True(t, sinkSample.isJoined(group))
}

type recordingController struct {
	mu     sync.Mutex
	states []ModuleState
}

func (c *recordingController) HandleStateResponse(msg wire.Message) {
	var state ModuleState
	if err := wire.DecodePayload(msg, &state); err != nil {
		return
	}

	c.mu.Lock()
	c.states = append(c.states, state)
	c.mu.Unlock()
}

func (c *recordingController) HandleCapabilitiesResponse(wire.Message) {}

// TestScenarioSaveRestoreRoundTrip: a STATE_INQUIRY harvests the
// sink's state, and feeding the same state back through PATCH_RESTORE
// leaves get_state() and the LEDs unchanged.
func TestScenarioSaveRestoreRoundTrip(t *testing.T) {
	var bus = &fakeBus{}

	var osc, _ = newTestModule(t, bus, "osc_0", "127.0.1.100")
	var sink, _ = newTestModule(t, bus, "sink_0", "127.0.1.200")
	var mcu, _ = newTestModule(t, bus, "mcu", "127.0.1.2")

	osc.AddOutput("audio", wire.Audio, 0, 96)
	var sinkIn = sink.AddInput("left", wire.Audio)

	var recorder = &recordingController{}
	mcu.SetController(recorder)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	go osc.Run(ctx)  //nolint:errcheck
	go sink.Run(ctx) //nolint:errcheck
	go mcu.Run(ctx)  //nolint:errcheck

	osc.Press("audio", jack.ShortPress)
	require.Eventually(t, func() bool {
		return sinkIn.State() == jack.IPending
	}, time.Second, time.Millisecond)

	sink.Press("left", jack.ShortPress)
	require.Eventually(t, func() bool {
		return sinkIn.State() == jack.IIdleConnected
	}, time.Second, time.Millisecond)

	var before = sink.GetState()
	var ledBefore = sinkIn.LEDState()

	mcu.SendStateInquiry()

	var saved ModuleState

	require.Eventually(t, func() bool {
		recorder.mu.Lock()
		defer recorder.mu.Unlock()

		for _, s := range recorder.states {
			if s.ModuleID == "sink_0" {
				saved = s

				return true
			}
		}

		return false
	}, time.Second, time.Millisecond, "the controller must collect the sink's STATE_RESPONSE")

	// A control tweak the saved state does not carry: once the restore
	// lands, GetState() drops it again, which is the observable signal
	// that the wipe-and-reinstall ran.
	sink.SetControl("tweak", true)

	mcu.SendPatchRestore("sink_0", saved, netip.MustParseAddr("127.0.1.200"))

	require.Eventually(t, func() bool {
		var s = sink.GetState()
		var _, tweaked = s.Controls["tweak"]

		return !tweaked
	}, time.Second, time.Millisecond, "the restore must replace the tweaked controls")

	assert.Equal(t, before, sink.GetState(), "get_state() before and after restore must be equal")
	assert.Equal(t, jack.IIdleConnected, sinkIn.State())
	assert.Equal(t, ledBefore, sinkIn.LEDState(), "LEDs before and after restore must be equal")
}

// TestStateRoundTrip: restore_state(get_state()) == get_state().
func TestStateRoundTrip(t *testing.T) {
	var sample = newFakeSample()

	var mod, err = New(Config{
		ModuleID:   "sink_0",
		ModuleType: "test",
		Unicast:    netip.MustParseAddr("127.0.1.1"),
		Control:    &fakeControl{bus: &fakeBus{}},
		Sample:     sample,
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	var in = mod.AddInput("left", wire.Audio)
	in.RestoreConnected(jack.ConnectionRecord{SrcModule: "osc_0", SrcIO: "audio", Group: "239.100.0.1", Offset: 0, BlockSize: 96})
	mod.SetControl("gain", 0.5)

	var before = mod.GetState()

	mod.RestoreState(before)

	var after = mod.GetState()

	assert.Equal(t, before, after)
	assert.Equal(t, jack.IIdleConnected, in.State())
}

func TestGetCapabilities(t *testing.T) {
	var mod, _ = newTestModule(t, &fakeBus{}, "sink_0", "127.0.1.1")
	mod.AddInput("left", wire.Audio)
	mod.AddInput("right", wire.Audio)

	var caps = mod.GetCapabilities()

	assert.Equal(t, "sink_0", caps.ModuleID)
	require.Len(t, caps.Jacks, 2)
	assert.Equal(t, "left", caps.Jacks[0].IOID)
	assert.Equal(t, "input", caps.Jacks[0].Direction)
}

func TestCapabilitiesInquiryRespondsOnlyForMCU(t *testing.T) {
	var bus = &fakeBus{}
	var mod, _ = newTestModule(t, bus, "sink_0", "127.0.1.1")
	mod.AddInput("left", wire.Audio)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	go mod.Run(ctx) //nolint:errcheck

	var received []wire.Message

	var mu sync.Mutex
	bus.subscribe(func(data []byte, _ netip.AddrPort) {
		var msg = wire.Decode(data)
		if msg.Type == wire.CapabilitiesResponse {
			mu.Lock()
			received = append(received, msg)
			mu.Unlock()
		}
	})

	bus.publish(wire.Encode(wire.Message{Type: wire.CapabilitiesInquiry, ModuleID: "mcu"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(received) == 1
	}, time.Second, time.Millisecond)

	bus.publish(wire.Encode(wire.Message{Type: wire.CapabilitiesInquiry, ModuleID: "not_mcu"}))

	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, received, 1, "inquiry not addressed to mcu must not trigger a response")
}
