// Package jack implements the per-jack finite state machines that are
// the heart of the connection protocol: one independent FSM per input
// jack and per output jack. Jacks are driven exclusively by the module
// façade's single control-plane worker — the Input and Output FSMs take
// no lock, because they are never touched from two goroutines at once.
// LedSink, which sits between the jacks and the UI collaborator, is the
// one type here that guards its state with a mutex.
package jack

import (
	"time"

	"github.com/doismellburning/patchmesh/pkg/wire"
)

// LedState is the visible indication an FSM state maps to.
type LedState int

const (
	Off LedState = iota
	Solid
	BlinkSlow
	BlinkRapid
)

func (s LedState) String() string {
	switch s {
	case Solid:
		return "SOLID"
	case BlinkSlow:
		return "BLINK_SLOW"
	case BlinkRapid:
		return "BLINK_RAPID"
	default:
		return "OFF"
	}
}

// revealDuration is the length of the SHOW_CONNECTED LED override.
const revealDuration = 3 * time.Second

// PressKind distinguishes a short button press (state advance) from a
// long press (abort/disconnect).
type PressKind int

const (
	ShortPress PressKind = iota
	LongPress
)

// Handler is the small shared capability set every jack exposes to the
// façade. Input and Output
// are two concrete types behind this interface, not a shared base
// class — CONNECT, STATE_INQUIRY/RESPONSE, CAPABILITIES_*, and
// PATCH_RESTORE are handled by the façade/controller directly and are
// never dispatched through Handler.
type Handler interface {
	IOID() string
	OnInitiate(msg wire.Message)
	OnCancel(msg wire.Message)
	OnCompatible(msg wire.Message)
	OnShowConnected(msg wire.Message)
}

// cancelMessage builds the broadcast CANCEL a jack sends on its own
// behalf. io_id is carried for logging only: every
// receiver treats CANCEL as a global revert regardless of payload.
func cancelMessage(moduleID, ioID string) wire.Message {
	return wire.Message{
		Type:     wire.Cancel,
		ModuleID: moduleID,
		IOID:     ioID,
	}
}
