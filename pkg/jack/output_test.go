package jack

import (
	"testing"
	"time"

	"github.com/doismellburning/patchmesh/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOutput(moduleID string) (*Output, *[]wire.Message) {
	var sent []wire.Message
	var o = NewOutput(moduleID, "audio", wire.Audio, "239.100.0.100", 0, 96,
		func(m wire.Message) { sent = append(sent, m) },
		nil)

	return o, &sent
}

func TestOutputShortPressSendsInitiateAndGoesSelfPending(t *testing.T) {
	var o, sent = newTestOutput("osc_0")

	o.ShortPress()

	assert.Equal(t, OSelfPending, o.State())
	assert.Equal(t, BlinkSlow, o.LEDState())
	require.Len(t, *sent, 1)
	assert.Equal(t, wire.Initiate, (*sent)[0].Type)

	var payload wire.InitiatePayload
	require.NoError(t, wire.DecodePayload((*sent)[0], &payload))
	assert.Equal(t, "239.100.0.100", payload.Group)
	assert.Equal(t, 96, payload.BlockSize)
}

func TestOutputShortPressAgainCancels(t *testing.T) {
	var o, sent = newTestOutput("osc_0")
	o.ShortPress()
	*sent = nil

	o.ShortPress()

	assert.Equal(t, OIdle, o.State())
	require.Len(t, *sent, 1)
	assert.Equal(t, wire.Cancel, (*sent)[0].Type)
}

func TestOutputIgnoresOwnEcho(t *testing.T) {
	var o, _ = newTestOutput("osc_0")
	o.ShortPress()

	o.OnInitiate(wire.Message{Type: wire.Initiate, ModuleID: "osc_0", IOID: "audio"})

	assert.Equal(t, OSelfPending, o.State())
}

// TestOutputRaceLexicographicTieBreak: when two outputs initiate
// concurrently, the lexicographically lesser module id wins.
func TestOutputRaceLexicographicTieBreak(t *testing.T) {
	var winner, _ = newTestOutput("osc_0")
	var loser, _ = newTestOutput("osc_1")

	winner.ShortPress()
	loser.ShortPress()

	winner.OnInitiate(wire.Message{Type: wire.Initiate, ModuleID: "osc_1", IOID: "audio"})
	loser.OnInitiate(wire.Message{Type: wire.Initiate, ModuleID: "osc_0", IOID: "audio"})

	assert.Equal(t, OSelfPending, winner.State(), "osc_0 has the lower id and must win")
	assert.Equal(t, OOtherPending, loser.State(), "osc_1 has the higher id and must yield")
}

func TestOutputOtherPendingFromAnyState(t *testing.T) {
	var o, _ = newTestOutput("osc_9")

	o.OnInitiate(wire.Message{Type: wire.Initiate, ModuleID: "osc_1", IOID: "audio"})
	assert.Equal(t, OOtherPending, o.State())
}

func TestOutputCancelFromAnyNonIdleState(t *testing.T) {
	for _, start := range []OutputState{OSelfPending, OOtherPending, OCompatible, ONotCompatible} {
		var o, _ = newTestOutput("osc_0")
		o.state = start

		o.OnCancel(wire.Message{Type: wire.Cancel})

		assert.Equal(t, OIdle, o.State(), "from %s", start)
	}
}

func TestOutputCompatibleMatchAndMismatch(t *testing.T) {
	var o, _ = newTestOutput("osc_0")

	o.OnCompatible(wire.Message{ModuleID: "sink_0", Payload: wire.MustEncodePayload(wire.CompatiblePayload{Type: wire.Audio})})
	assert.Equal(t, OCompatible, o.State())

	o.OnCompatible(wire.Message{ModuleID: "sink_0", Payload: wire.MustEncodePayload(wire.CompatiblePayload{Type: wire.CV})})
	assert.Equal(t, ONotCompatible, o.State())
}

func TestOutputCompatibleIgnoredFromSelf(t *testing.T) {
	var o, _ = newTestOutput("osc_0")

	o.OnCompatible(wire.Message{ModuleID: "osc_0", Payload: wire.MustEncodePayload(wire.CompatiblePayload{Type: wire.Audio})})

	assert.Equal(t, OIdle, o.State())
}

func TestOutputRevealOverridesLEDThenReverts(t *testing.T) {
	var o, _ = newTestOutput("osc_0")
	var clock = time.Now()
	o.now = func() time.Time { return clock }

	o.OnShowConnected(wire.Message{Payload: wire.MustEncodePayload(wire.ShowConnectedPayload{TargetMod: "osc_0", TargetIO: "audio"})})
	assert.Equal(t, BlinkRapid, o.LEDState())

	clock = clock.Add(4 * time.Second)
	o.Tick(clock)
	assert.Equal(t, OIdle.LED(), o.LEDState())
}

func TestOutputRevealIgnoredWhenTargetMismatched(t *testing.T) {
	var o, _ = newTestOutput("osc_0")

	o.OnShowConnected(wire.Message{Payload: wire.MustEncodePayload(wire.ShowConnectedPayload{TargetMod: "osc_9", TargetIO: "audio"})})

	assert.Equal(t, Solid, o.LEDState())
}

// TestOutputConnectSettlesPendingBackToIdle: once the input we
// negotiated with commits and sends CONNECT back to us, we return to
// OIdle rather than staying OSelfPending forever.
func TestOutputConnectSettlesPendingBackToIdle(t *testing.T) {
	var o, _ = newTestOutput("osc_0")
	o.ShortPress()
	require.Equal(t, OSelfPending, o.State())

	o.OnConnect(wire.Message{ModuleID: "osc_0", IOID: "audio"})

	assert.Equal(t, OIdle, o.State())
}

func TestOutputConnectIgnoredWhenNotAddressedToThisJack(t *testing.T) {
	var o, _ = newTestOutput("osc_0")
	o.ShortPress()

	o.OnConnect(wire.Message{ModuleID: "osc_0", IOID: "other"})

	assert.Equal(t, OSelfPending, o.State())
}
