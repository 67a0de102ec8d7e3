package module

import (
	"fmt"
	"net/netip"

	"github.com/doismellburning/patchmesh/pkg/wire"
)

// SendInitiate applies the named output jack's short press, which
// announces a connection attempt from OIdle or OCompatible. Matching
// the FSM's own short_press table, in OSelfPending it instead retracts
// the announcement with a CANCEL, and in any other state it does
// nothing.
func (m *Module) SendInitiate(ioID string) error {
	var out, ok = m.outputs[ioID]
	if !ok {
		return fmt.Errorf("module: SendInitiate: no output jack %q", ioID)
	}

	out.ShortPress()

	return nil
}

// SendCancel broadcasts a CANCEL. CANCEL is always a global revert
// regardless of io_id, so this sends the broadcast directly rather
// than routing through one jack's short_press/long_press.
func (m *Module) SendCancel(ioID string) {
	m.sendRaw(wire.Message{Type: wire.Cancel, ModuleID: m.id, IOID: ioID})
}

// SendCompatible applies the named input jack's short press, which
// announces it is looking for a source of its type when the jack is
// IIdleDisconnected. In any other state the jack takes its own
// short_press transition instead (commit, reveal, or cancel).
func (m *Module) SendCompatible(ioID string) error {
	var in, ok = m.inputs[ioID]
	if !ok {
		return fmt.Errorf("module: SendCompatible: no input jack %q", ioID)
	}

	in.ShortPress()

	return nil
}

// SendShowConnected makes ioID ask target_mod:target_io to run its
// reveal override.
func (m *Module) SendShowConnected(ioID, targetMod, targetIO string) {
	m.sendRaw(wire.Message{
		Type:     wire.ShowConnected,
		ModuleID: m.id,
		IOID:     ioID,
		Payload: wire.MustEncodePayload(wire.ShowConnectedPayload{
			TargetMod: targetMod,
			TargetIO:  targetIO,
		}),
	})
}

// SendStateInquiry broadcasts a STATE_INQUIRY so the controller role
// can collect STATE_RESPONSE from every module on the control group.
func (m *Module) SendStateInquiry() {
	m.sendRaw(wire.Message{Type: wire.StateInquiry, ModuleID: m.id})
}

// SendCapabilitiesInquiry broadcasts a CAPABILITIES_INQUIRY addressed
// to the reserved controller module_id, so every module on the
// control group answers with CAPABILITIES_RESPONSE.
func (m *Module) SendCapabilitiesInquiry() {
	m.sendRaw(wire.Message{Type: wire.CapabilitiesInquiry, ModuleID: controllerModuleID})
}

// SendPatchRestore is the controller-role operation that unicasts a
// PATCH_RESTORE to a specific module.
func (m *Module) SendPatchRestore(targetMod string, state ModuleState, addr netip.Addr) {
	m.sendUnicast(wire.Message{
		Type:     wire.PatchRestore,
		ModuleID: m.id,
		Payload: wire.MustEncodePayload(wire.PatchRestorePayload{
			TargetMod: targetMod,
			State:     wire.MustEncodePayload(state),
		}),
	}, addr)
}
