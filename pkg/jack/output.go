package jack

import (
	"time"

	"github.com/doismellburning/patchmesh/pkg/wire"
)

// OutputState is one of the five states an output jack's FSM can be in.
// Initial state is OIdle.
type OutputState int

const (
	OIdle OutputState = iota
	OSelfPending
	OOtherPending
	OCompatible
	ONotCompatible
)

func (s OutputState) String() string {
	switch s {
	case OSelfPending:
		return "OSelfPending"
	case OOtherPending:
		return "OOtherPending"
	case OCompatible:
		return "OCompatible"
	case ONotCompatible:
		return "ONotCompatible"
	default:
		return "OIdle"
	}
}

// LED maps the state to its visible indication.
func (s OutputState) LED() LedState {
	switch s {
	case OIdle, OCompatible:
		return Solid
	case OSelfPending:
		return BlinkSlow
	default: // OOtherPending, ONotCompatible
		return Off
	}
}

// Output is one output jack's state machine. Group,
// Offset, and BlockSize are fixed at construction.
type Output struct {
	moduleID  string
	ioID      string
	ioType    wire.IOType
	group     string
	offset    int
	blockSize int

	state       OutputState
	revealUntil time.Time

	now  func() time.Time
	send func(wire.Message)
	led  func(ioID string, state LedState)
}

// NewOutput constructs an output jack owned by module moduleID. send
// is invoked to place a message on the control-plane socket;
// led is invoked on every LED transition the façade should relay to the
// UI collaborator.
func NewOutput(moduleID, ioID string, ioType wire.IOType, group string, offset, blockSize int, send func(wire.Message), led func(string, LedState)) *Output {
	return &Output{
		moduleID:  moduleID,
		ioID:      ioID,
		ioType:    ioType,
		group:     group,
		offset:    offset,
		blockSize: blockSize,
		state:     OIdle,
		now:       time.Now,
		send:      send,
		led:       led,
	}
}

// IOID implements Handler.
func (o *Output) IOID() string { return o.ioID }

// State returns the jack's current FSM state.
func (o *Output) State() OutputState { return o.state }

// Group is the fixed multicast group this output streams on.
func (o *Output) Group() string { return o.group }

// LEDState is the current LED indication: the reveal override if one
// is active, otherwise the pure function of State().
func (o *Output) LEDState() LedState {
	if o.now().Before(o.revealUntil) {
		return BlinkRapid
	}

	return o.state.LED()
}

// ResetIdle forces the jack back to OIdle without sending CANCEL and
// clears any active reveal override, used by restore_state.
func (o *Output) ResetIdle() {
	o.revealUntil = time.Time{}
	o.setState(OIdle)
}

func (o *Output) setState(s OutputState) {
	o.state = s
	o.pushLED()
}

func (o *Output) pushLED() {
	if o.led != nil {
		o.led(o.ioID, o.LEDState())
	}
}

// Tick lets the façade's periodic housekeeping expire an active reveal
// override and push the reverted LED state, since no inbound message
// is guaranteed to arrive to trigger that revert on its own.
func (o *Output) Tick(now time.Time) {
	if !o.revealUntil.IsZero() && !now.Before(o.revealUntil) {
		o.revealUntil = time.Time{}
		o.pushLED()
	}
}

// ShortPress announces a connection attempt from an idle-like state,
// or retracts an own announcement.
func (o *Output) ShortPress() {
	switch o.state {
	case OIdle, OCompatible:
		o.send(wire.Message{
			Type:     wire.Initiate,
			ModuleID: o.moduleID,
			IOType:   o.ioType,
			IOID:     o.ioID,
			Payload: wire.MustEncodePayload(wire.InitiatePayload{
				Group:     o.group,
				Type:      o.ioType,
				Offset:    o.offset,
				BlockSize: o.blockSize,
			}),
		})
		o.setState(OSelfPending)
	case OSelfPending:
		o.send(cancelMessage(o.moduleID, o.ioID))
		o.setState(OIdle)
	default:
		// ignored
	}
}

// LongPress reverts any non-idle state to OIdle, broadcasting
// CANCEL.
func (o *Output) LongPress() {
	if o.state != OIdle {
		o.send(cancelMessage(o.moduleID, o.ioID))
		o.setState(OIdle)
	}
}

// OnInitiate reacts to a competing output's connection attempt.
func (o *Output) OnInitiate(msg wire.Message) {
	if msg.ModuleID == o.moduleID {
		return // echo of our own broadcast
	}

	if o.state == OSelfPending {
		if msg.ModuleID < o.moduleID {
			o.setState(OOtherPending) // lost the race
		}
		// else: we win, stay OSelfPending

		return
	}

	o.setState(OOtherPending) // no type checking on the output side
}

// OnCancel reverts any non-idle state to OIdle, whatever the CANCEL's
// origin.
func (o *Output) OnCancel(_ wire.Message) {
	if o.state != OIdle {
		o.setState(OIdle)
	}
}

// OnCompatible reacts to an input's announcement that it is looking
// for a source: the LED shows whether this output's type matches.
func (o *Output) OnCompatible(msg wire.Message) {
	if msg.ModuleID == o.moduleID {
		return // ignored when from self
	}

	var payload wire.CompatiblePayload
	if err := wire.DecodePayload(msg, &payload); err != nil {
		return // decode failure: silently drop, no state change
	}

	if payload.Type == o.ioType {
		o.setState(OCompatible)
	} else {
		o.setState(ONotCompatible)
	}
}

// OnShowConnected runs the reveal: a SHOW_CONNECTED whose target
// matches this jack starts a 3-second LED override.
func (o *Output) OnShowConnected(msg wire.Message) {
	var payload wire.ShowConnectedPayload
	if err := wire.DecodePayload(msg, &payload); err != nil {
		return
	}

	if payload.TargetMod == o.moduleID && payload.TargetIO == o.ioID {
		o.revealUntil = o.now().Add(revealDuration)
		o.pushLED()
	}
}

// OnConnect handles an inbound CONNECT addressed to this jack: a
// committing input sets module_id/io_id to the source it chose, so a
// CONNECT whose module_id/io_id match this output means the
// negotiation it started is now settled. The output returns to OIdle.
// Fan-out is permitted, so it stays available for further INITIATE
// attempts. This is not part of Handler: CONNECT is addressed to one
// specific output, never broadcast to every jack, so the façade
// dispatches it directly rather than through the shared
// on_initiate/on_cancel/on_compatible/on_show_connected set.
func (o *Output) OnConnect(msg wire.Message) {
	if msg.ModuleID != o.moduleID || msg.IOID != o.ioID {
		return
	}

	if o.state != OIdle {
		o.setState(OIdle)
	}
}
