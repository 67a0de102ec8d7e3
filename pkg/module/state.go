package module

import (
	"net/netip"

	"github.com/doismellburning/patchmesh/pkg/jack"
	"github.com/doismellburning/patchmesh/pkg/wire"
)

// ConnectionState is the wire/persistence shape of a
// jack.ConnectionRecord. It is a plain value type so it can be
// round-tripped through both JSON (STATE_RESPONSE/PATCH_RESTORE
// payloads) and YAML (the controller's saved-patch file) without any
// core package depending on either format.
type ConnectionState struct {
	SrcModule string `json:"src_module" yaml:"src_module"`
	SrcIO     string `json:"src_io"     yaml:"src_io"`
	Group     string `json:"group"      yaml:"group"`
	Offset    int    `json:"offset"     yaml:"offset"`
	BlockSize int    `json:"block_size" yaml:"block_size"`
}

func fromRecord(rec jack.ConnectionRecord) ConnectionState {
	return ConnectionState{
		SrcModule: rec.SrcModule,
		SrcIO:     rec.SrcIO,
		Group:     rec.Group,
		Offset:    rec.Offset,
		BlockSize: rec.BlockSize,
	}
}

func (c ConnectionState) toRecord() jack.ConnectionRecord {
	return jack.ConnectionRecord{
		SrcModule: c.SrcModule,
		SrcIO:     c.SrcIO,
		Group:     c.Group,
		Offset:    c.Offset,
		BlockSize: c.BlockSize,
	}
}

// ModuleState is the result of GetState / input to RestoreState:
// controls plus, per input, its connection record or nil. Only
// committed records belong here.
type ModuleState struct {
	ModuleID    string                      `json:"module_id"   yaml:"module_id"`
	ModuleType  string                      `json:"module_type" yaml:"module_type"`
	Unicast     string                      `json:"unicast"     yaml:"unicast"`
	Controls    map[string]any              `json:"controls"    yaml:"controls"`
	Connections map[string]*ConnectionState `json:"connections" yaml:"connections"`
}

// GetState returns {controls, connections} for every input jack.
// A disconnected input's entry is nil.
func (m *Module) GetState() ModuleState {
	m.controlsMu.Lock()
	var controls = make(map[string]any, len(m.controls))

	for k, v := range m.controls {
		controls[k] = v
	}

	m.controlsMu.Unlock()

	var connections = make(map[string]*ConnectionState, len(m.inputOrder))

	for _, ioID := range m.inputOrder {
		if rec := m.inputs[ioID].Record(); rec != nil {
			var cs = fromRecord(*rec)
			connections[ioID] = &cs
		} else {
			connections[ioID] = nil
		}
	}

	return ModuleState{
		ModuleID:    m.id,
		ModuleType:  m.moduleType,
		Unicast:     m.unicast.String(),
		Controls:    controls,
		Connections: connections,
	}
}

// RestoreState is the inverse of GetState: it updates
// controls, wipes every input's receiver and record, re-installs each
// saved record (joining its group), marks restored inputs
// IIdleConnected, and resets every output to OIdle. It is safe to call
// on a live module because the wipe always precedes re-installation.
func (m *Module) RestoreState(state ModuleState) {
	m.controlsMu.Lock()
	m.controls = make(map[string]any, len(state.Controls))

	for k, v := range state.Controls {
		m.controls[k] = v
	}

	m.controlsMu.Unlock()

	for _, ioID := range m.inputOrder {
		var in = m.inputs[ioID]

		if rec := in.Record(); rec != nil {
			if group, err := netip.ParseAddr(rec.Group); err == nil {
				if leaveErr := m.sample.LeaveGroup(group); leaveErr != nil {
					m.logger.Debug("restore: leave group failed", "io_id", ioID, "err", leaveErr)
				}

				m.groupMu.Lock()
				delete(m.groupMembers[group], ioID)
				m.groupMu.Unlock()
			}
		}

		in.ResetDisconnected()
	}

	for ioID, cs := range state.Connections {
		if cs == nil {
			continue
		}

		var in, ok = m.inputs[ioID]
		if !ok {
			m.logger.Warn("restore: unknown input in saved state", "io_id", ioID)

			continue
		}

		var group, err = netip.ParseAddr(cs.Group)
		if err != nil {
			m.logger.Warn("restore: bad group in saved state", "io_id", ioID, "group", cs.Group)

			continue
		}

		if joinErr := m.sample.JoinGroup(group); joinErr != nil {
			m.logger.Warn("restore: join group failed", "io_id", ioID, "group", group, "err", joinErr)

			continue
		}

		m.groupMu.Lock()
		if m.groupMembers[group] == nil {
			m.groupMembers[group] = map[string]bool{}
		}

		m.groupMembers[group][ioID] = true
		m.groupMu.Unlock()

		in.RestoreConnected(cs.toRecord())
	}

	for _, ioID := range m.outputOrder {
		m.outputs[ioID].ResetIdle()
	}
}

// SetControl records one DSP control value verbatim, for later
// round-tripping through GetState/RestoreState.
func (m *Module) SetControl(key string, value any) {
	m.controlsMu.Lock()
	m.controls[key] = value
	m.controlsMu.Unlock()
}

func (m *Module) handleStateInquiry() {
	var state = m.GetState()

	m.sendRaw(wire.Message{
		Type:     wire.StateResponse,
		ModuleID: m.id,
		Payload:  wire.MustEncodePayload(state),
	})
}

func (m *Module) handlePatchRestore(msg wire.Message) {
	var payload wire.PatchRestorePayload
	if err := wire.DecodePayload(msg, &payload); err != nil {
		return
	}

	if payload.TargetMod != m.id {
		return
	}

	var state ModuleState
	if err := wire.DecodePayload(wire.Message{Payload: payload.State}, &state); err != nil {
		m.logger.Warn("patch restore: bad state payload", "err", err)

		return
	}

	m.RestoreState(state)
}
