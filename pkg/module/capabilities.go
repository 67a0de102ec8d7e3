package module

import "github.com/doismellburning/patchmesh/pkg/wire"

// JackCapability is one local jack's advertised shape, used to build a
// live capability map for a GUI/controller.
type JackCapability struct {
	IOID      string      `json:"io_id"`
	Direction string      `json:"direction"` // "input" or "output"
	Type      wire.IOType `json:"type"`
}

// Capabilities is this module's advertised jack set, returned by
// GetCapabilities and carried in a CAPABILITIES_RESPONSE payload.
type Capabilities struct {
	ModuleID   string           `json:"module_id"`
	ModuleType string           `json:"module_type"`
	Jacks      []JackCapability `json:"jacks"`
}

// GetCapabilities reports this module's advertised jack set.
func (m *Module) GetCapabilities() Capabilities {
	var caps = Capabilities{ModuleID: m.id, ModuleType: m.moduleType}

	for _, ioID := range m.inputOrder {
		caps.Jacks = append(caps.Jacks, JackCapability{IOID: ioID, Direction: "input", Type: m.ioTypes[ioID]})
	}

	for _, ioID := range m.outputOrder {
		caps.Jacks = append(caps.Jacks, JackCapability{IOID: ioID, Direction: "output", Type: m.ioTypes[ioID]})
	}

	return caps
}

// controllerModuleID is the reserved module_id a CAPABILITIES_INQUIRY
// carries when it is a network-wide fan-out request rather than one
// addressed to a specific module.
const controllerModuleID = "mcu"

func (m *Module) handleCapabilitiesInquiry(msg wire.Message) {
	if msg.ModuleID != controllerModuleID {
		return
	}

	m.sendRaw(wire.Message{
		Type:     wire.CapabilitiesResponse,
		ModuleID: m.id,
		Payload:  wire.MustEncodePayload(m.GetCapabilities()),
	})
}
