package jack

import (
	"github.com/doismellburning/patchmesh/pkg/wire"
)

// InputState is one of the seven states an input jack's FSM can be in.
// Initial state is IIdleDisconnected.
type InputState int

const (
	IIdleDisconnected InputState = iota
	ISelfCompatible
	IPending
	IPendingSame
	IIdleConnected
	IOtherPending
	IOtherCompatible
)

func (s InputState) String() string {
	switch s {
	case ISelfCompatible:
		return "ISelfCompatible"
	case IPending:
		return "IPending"
	case IPendingSame:
		return "IPendingSame"
	case IIdleConnected:
		return "IIdleConnected"
	case IOtherPending:
		return "IOtherPending"
	case IOtherCompatible:
		return "IOtherCompatible"
	default:
		return "IIdleDisconnected"
	}
}

// LED maps the state to its visible indication.
func (s InputState) LED() LedState {
	switch s {
	case IPending:
		return Solid
	case ISelfCompatible, IPendingSame:
		return BlinkSlow
	case IIdleConnected:
		return BlinkRapid
	default: // IIdleDisconnected, IOtherPending, IOtherCompatible
		return Off
	}
}

// PendingInitiator is the initiator data an input jack remembers while
// it sits in a pending-like state; it is never part of
// persisted state.
type PendingInitiator struct {
	SrcModule string
	SrcIO     string
	Group     string
	Offset    int
	BlockSize int
}

// ConnectionRecord is the durable fact that an input is receiving from
// a specific output's stream. Exactly zero or one exists
// per input jack, created on commit, never mutated.
type ConnectionRecord struct {
	SrcModule string
	SrcIO     string
	Group     string
	Offset    int
	BlockSize int
}

// Input is one input jack's state machine.
type Input struct {
	moduleID string
	ioID     string
	ioType   wire.IOType

	state   InputState
	pending *PendingInitiator
	record  *ConnectionRecord

	send   func(wire.Message)
	led    func(ioID string, state LedState)
	commit func(ConnectionRecord) // join group, register routing
	drop   func(ConnectionRecord) // leave group, stop routing
}

// NewInput constructs an input jack owned by module moduleID. commit is
// called exactly once, atomically with the FSM's transition into
// IIdleConnected, to let the sample stream plane join the source's
// group and register the routing entry.
// drop is called on long_press disconnect to tear the same membership
// down.
func NewInput(moduleID, ioID string, ioType wire.IOType, send func(wire.Message), led func(string, LedState), commit func(ConnectionRecord), drop func(ConnectionRecord)) *Input {
	return &Input{
		moduleID: moduleID,
		ioID:     ioID,
		ioType:   ioType,
		state:    IIdleDisconnected,
		send:     send,
		led:      led,
		commit:   commit,
		drop:     drop,
	}
}

// IOID implements Handler.
func (in *Input) IOID() string { return in.ioID }

// State returns the jack's current FSM state.
func (in *Input) State() InputState { return in.state }

// Record returns the jack's connection record, or nil if disconnected.
// It is non-nil iff State() is IIdleConnected or one of the transient
// states entered from it (IPendingSame, IOtherPending), during which
// the pre-existing record is unchanged.
func (in *Input) Record() *ConnectionRecord { return in.record }

// LEDState is the pure function of State().
func (in *Input) LEDState() LedState { return in.state.LED() }

func (in *Input) setState(s InputState) {
	in.state = s

	if in.led != nil {
		in.led(in.ioID, in.LEDState())
	}
}

// ShortPress advances the input jack: announce compatibility from
// idle, commit from pending, reveal the source when connected, cancel
// an own announcement.
func (in *Input) ShortPress() {
	switch in.state {
	case IIdleDisconnected:
		in.send(wire.Message{
			Type:     wire.Compatible,
			ModuleID: in.moduleID,
			IOType:   in.ioType,
			IOID:     in.ioID,
			Payload:  wire.MustEncodePayload(wire.CompatiblePayload{Type: in.ioType}),
		})
		in.setState(ISelfCompatible)
	case IPending:
		in.commitConnection()
	case IIdleConnected:
		in.send(wire.Message{
			Type:     wire.ShowConnected,
			ModuleID: in.moduleID,
			IOID:     in.ioID,
			Payload: wire.MustEncodePayload(wire.ShowConnectedPayload{
				TargetMod: in.record.SrcModule,
				TargetIO:  in.record.SrcIO,
			}),
		})
		// remains connected
	case ISelfCompatible:
		in.send(cancelMessage(in.moduleID, in.ioID))
		in.setState(IIdleDisconnected)
	default:
		// ignored
	}
}

// LongPress disconnects a connected input or aborts an own
// compatibility announcement.
func (in *Input) LongPress() {
	switch in.state {
	case IIdleConnected:
		var rec = *in.record
		in.record = nil
		in.drop(rec)
		in.setState(IIdleDisconnected)
	case ISelfCompatible:
		in.send(cancelMessage(in.moduleID, in.ioID))
		in.setState(IIdleDisconnected)
	default:
		// ignored
	}
}

// OnInitiate reacts to a remote output's connection attempt.
func (in *Input) OnInitiate(msg wire.Message) {
	if msg.ModuleID == in.moduleID {
		return // not from self
	}

	var payload wire.InitiatePayload
	if err := wire.DecodePayload(msg, &payload); err != nil {
		return // decode failure: silently drop, no state change
	}

	var typeMatch = payload.Type == in.ioType
	var connected = in.record != nil
	var exactMatch = connected && in.record.Group == payload.Group && in.record.Offset == payload.Offset

	switch {
	case !typeMatch && !connected:
		in.setState(IOtherCompatible)
	case !typeMatch && connected:
		in.setState(IOtherPending)
	case typeMatch && exactMatch:
		in.setState(IPendingSame)
	case typeMatch && connected:
		// connected to a different source of the same type: don't
		// steal — no state change.
	case typeMatch && !connected:
		in.pending = &PendingInitiator{
			SrcModule: msg.ModuleID,
			SrcIO:     msg.IOID,
			Group:     payload.Group,
			Offset:    payload.Offset,
			BlockSize: payload.BlockSize,
		}
		in.setState(IPending)
	}
}

// OnCancel reverts any transient state: pending-like states fall back
// to the idle state consistent with the connection record.
func (in *Input) OnCancel(_ wire.Message) {
	switch in.state {
	case IPending, ISelfCompatible, IOtherCompatible:
		in.setState(IIdleDisconnected)
	case IPendingSame, IOtherPending:
		in.setState(IIdleConnected)
	default: // IIdleConnected, IIdleDisconnected: unchanged
	}

	in.pending = nil
}

// OnCompatible is a no-op on input jacks: only outputs react to a
// COMPATIBLE announcement. It exists to satisfy Handler.
func (in *Input) OnCompatible(_ wire.Message) {}

// OnShowConnected is a no-op on input jacks: the reveal override
// applies to the connected output, not the requesting input. It exists
// to satisfy Handler.
func (in *Input) OnShowConnected(_ wire.Message) {}

// commitConnection settles a pending handshake atomically: create the
// ConnectionRecord, join the group and register routing, send CONNECT
// addressed to the source, clear the pending initiator, and transition
// to IIdleConnected.
func (in *Input) commitConnection() {
	if in.pending == nil {
		return
	}

	var rec = ConnectionRecord{
		SrcModule: in.pending.SrcModule,
		SrcIO:     in.pending.SrcIO,
		Group:     in.pending.Group,
		Offset:    in.pending.Offset,
		BlockSize: in.pending.BlockSize,
	}

	in.commit(rec)

	in.send(wire.Message{
		Type:     wire.Connect,
		ModuleID: rec.SrcModule,
		IOID:     rec.SrcIO,
	})

	in.record = &rec
	in.pending = nil
	in.setState(IIdleConnected)
}

// RestoreConnected installs a connection record directly, bypassing
// the commit handshake, for state restore. It is the caller's
// responsibility to have already wiped any prior receiver/record, so
// that a restore is safe on a live module.
func (in *Input) RestoreConnected(rec ConnectionRecord) {
	in.pending = nil
	in.record = &rec
	in.setState(IIdleConnected)
}

// ResetDisconnected clears any connection record and pending state
// without notifying a remote source — used by restore_state's wipe
// phase and by tests.
func (in *Input) ResetDisconnected() {
	in.pending = nil
	in.record = nil
	in.setState(IIdleDisconnected)
}
