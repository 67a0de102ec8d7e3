// Package module implements the per-node registry and dispatch layer:
// the set of local input/output jacks, the module's stable identity
// and derived multicast group, and the serialized control-plane
// dispatch that drives every jack FSM from a single worker.
package module

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/patchmesh/internal/logging"
	"github.com/doismellburning/patchmesh/pkg/jack"
	"github.com/doismellburning/patchmesh/pkg/netaddr"
	"github.com/doismellburning/patchmesh/pkg/stream"
	"github.com/doismellburning/patchmesh/pkg/wire"
)

// revealTickInterval is how often the façade's housekeeping loop lets
// an active reveal override expire.
const revealTickInterval = 250 * time.Millisecond

// pressQueueDepth bounds the non-blocking press-event queue.
const pressQueueDepth = 32

// ControlTransport is the subset of *transport.ControlEndpoint a
// Module needs; satisfied structurally, so tests can substitute a fake
// without binding real sockets.
type ControlTransport interface {
	Send(data []byte) error
	SendUnicast(data []byte, addr netip.Addr) error
	Run(ctx context.Context, handler func(data []byte, from netip.AddrPort)) error
	Close() error
}

// SampleTransport is the subset of *transport.SampleEndpoint a Module
// needs.
type SampleTransport interface {
	JoinGroup(group netip.Addr) error
	LeaveGroup(group netip.Addr) error
	SendTo(group netip.Addr, data []byte) error
	Run(ctx context.Context, handler func(group netip.Addr, data []byte)) error
	Close() error
}

// ControllerHandler is implemented by pkg/controller so the façade can
// forward STATE_RESPONSE / CAPABILITIES_RESPONSE without importing the
// controller package.
type ControllerHandler interface {
	HandleStateResponse(msg wire.Message)
	HandleCapabilitiesResponse(msg wire.Message)
}

type pressEvent struct {
	ioID string
	kind jack.PressKind
}

type rawDatagram struct {
	data []byte
	from netip.AddrPort
}

// Module is the per-node façade: jack registry, identity, and
// serialized control-plane dispatch.
type Module struct {
	id          string
	moduleType  string
	unicast     netip.Addr
	outputGroup netip.Addr

	control ControlTransport
	sample  SampleTransport

	producer stream.Producer
	consumer stream.Consumer

	inputs      map[string]*jack.Input
	inputOrder  []string
	outputs     map[string]*jack.Output
	outputOrder []string
	ioTypes     map[string]wire.IOType

	receivers map[string]*stream.Receiver

	groupMu      sync.Mutex
	groupMembers map[netip.Addr]map[string]bool

	controlsMu sync.Mutex
	controls   map[string]any

	ledSink    *jack.LedSink
	controller ControllerHandler

	presses chan pressEvent
	raw     chan rawDatagram

	bufferBlocks int

	logger *log.Logger
}

// Config carries the construction-time dependencies of a Module: the
// two transports, the DSP collaborators, and the optional UI LED sink.
type Config struct {
	ModuleID   string
	ModuleType string
	Unicast    netip.Addr

	Control ControlTransport
	Sample  SampleTransport

	Producer stream.Producer
	Consumer stream.Consumer

	OnLED func(ioID string, state jack.LedState)

	BufferBlocks int

	Logger *log.Logger
}

// New constructs a Module. The derived output multicast group is fixed
// for the process lifetime.
func New(cfg Config) (*Module, error) {
	var group, err = netaddr.DeriveGroup(cfg.Unicast)
	if err != nil {
		return nil, fmt.Errorf("module: derive output group: %w", err)
	}

	var logger = cfg.Logger
	if logger == nil {
		logger = logging.New(cfg.ModuleID)
	}

	var producer = cfg.Producer
	if producer == nil {
		producer = noopProducer{}
	}

	var consumer = cfg.Consumer
	if consumer == nil {
		consumer = noopConsumer{}
	}

	var bufferBlocks = cfg.BufferBlocks
	if bufferBlocks == 0 {
		bufferBlocks = stream.DefaultBufferBlocks
	}

	return &Module{
		id:           cfg.ModuleID,
		moduleType:   cfg.ModuleType,
		unicast:      cfg.Unicast,
		outputGroup:  group,
		control:      cfg.Control,
		sample:       cfg.Sample,
		producer:     producer,
		consumer:     consumer,
		inputs:       map[string]*jack.Input{},
		outputs:      map[string]*jack.Output{},
		ioTypes:      map[string]wire.IOType{},
		receivers:    map[string]*stream.Receiver{},
		groupMembers: map[netip.Addr]map[string]bool{},
		controls:     map[string]any{},
		ledSink:      jack.NewLedSink(cfg.OnLED),
		presses:      make(chan pressEvent, pressQueueDepth),
		raw:          make(chan rawDatagram),
		bufferBlocks: bufferBlocks,
		logger:       logger,
	}, nil
}

// ID is this module's stable identifier.
func (m *Module) ID() string { return m.id }

// Type is this module's module_type tag.
func (m *Module) Type() string { return m.moduleType }

// Unicast is this module's own address.
func (m *Module) Unicast() netip.Addr { return m.unicast }

// OutputGroup is this module's derived output multicast group.
func (m *Module) OutputGroup() netip.Addr { return m.outputGroup }

// SetController attaches the controller-role handler for
// STATE_RESPONSE/CAPABILITIES_RESPONSE. Only the
// controller-role node needs to call this.
func (m *Module) SetController(h ControllerHandler) {
	m.controller = h
}

// AddInput registers a new input jack.
func (m *Module) AddInput(ioID string, ioType wire.IOType) *jack.Input {
	var in = jack.NewInput(m.id, ioID, ioType,
		m.sendRaw,
		m.ledSink.Push,
		m.inputCommitted(ioID),
		m.inputDropped(ioID),
	)

	m.inputs[ioID] = in
	m.inputOrder = append(m.inputOrder, ioID)
	m.ioTypes[ioID] = ioType
	m.receivers[ioID] = stream.NewReceiver(ioID, ioType, stream.DefaultBlockSize, m.bufferBlocks, m.logger)

	return in
}

// AddOutput registers a new output jack, defaulting to this module's
// derived group and the given offset/block size.
func (m *Module) AddOutput(ioID string, ioType wire.IOType, offset, blockSize int) *jack.Output {
	var out = jack.NewOutput(m.id, ioID, ioType, m.outputGroup.String(), offset, blockSize,
		m.sendRaw,
		m.ledSink.Push,
	)

	m.outputs[ioID] = out
	m.outputOrder = append(m.outputOrder, ioID)
	m.ioTypes[ioID] = ioType

	return out
}

// Press delivers a user button event onto the control worker's queue
// without blocking the UI collaborator. A full queue
// drops the event, which is safe: the user can press again.
func (m *Module) Press(ioID string, kind jack.PressKind) {
	select {
	case m.presses <- pressEvent{ioID: ioID, kind: kind}:
	default:
		m.logger.Warn("press queue full, dropping event", "io_id", ioID)
	}
}

func (m *Module) applyPress(ev pressEvent) {
	if in, ok := m.inputs[ev.ioID]; ok {
		switch ev.kind {
		case jack.ShortPress:
			in.ShortPress()
		case jack.LongPress:
			in.LongPress()
		}

		return
	}

	if out, ok := m.outputs[ev.ioID]; ok {
		switch ev.kind {
		case jack.ShortPress:
			out.ShortPress()
		case jack.LongPress:
			out.LongPress()
		}

		return
	}

	m.logger.Warn("press for unknown jack", "io_id", ev.ioID)
}

func (m *Module) sendRaw(msg wire.Message) {
	if err := m.control.Send(wire.Encode(msg)); err != nil {
		m.logger.Debug("control send failed", "type", msg.Type, "err", err)
	}
}

// sendUnicast is used only for controller-issued PATCH_RESTORE.
func (m *Module) sendUnicast(msg wire.Message, addr netip.Addr) {
	if err := m.control.SendUnicast(wire.Encode(msg), addr); err != nil {
		m.logger.Debug("control unicast send failed", "type", msg.Type, "err", err)
	}
}

func (m *Module) inputCommitted(ioID string) func(jack.ConnectionRecord) {
	return func(rec jack.ConnectionRecord) {
		var group, err = netip.ParseAddr(rec.Group)
		if err != nil {
			m.logger.Warn("commit: bad group address", "io_id", ioID, "group", rec.Group, "err", err)

			return
		}

		if joinErr := m.sample.JoinGroup(group); joinErr != nil {
			m.logger.Warn("commit: join group failed", "io_id", ioID, "group", group, "err", joinErr)

			return
		}

		m.groupMu.Lock()
		if m.groupMembers[group] == nil {
			m.groupMembers[group] = map[string]bool{}
		}

		m.groupMembers[group][ioID] = true
		m.groupMu.Unlock()
	}
}

func (m *Module) inputDropped(ioID string) func(jack.ConnectionRecord) {
	return func(rec jack.ConnectionRecord) {
		var group, err = netip.ParseAddr(rec.Group)
		if err != nil {
			return
		}

		if leaveErr := m.sample.LeaveGroup(group); leaveErr != nil {
			m.logger.Debug("drop: leave group failed", "io_id", ioID, "group", group, "err", leaveErr)
		}

		m.groupMu.Lock()

		if members := m.groupMembers[group]; members != nil {
			delete(members, ioID)

			if len(members) == 0 {
				delete(m.groupMembers, group)
			}
		}

		m.groupMu.Unlock()
	}
}

// routeSample demultiplexes one inbound sample datagram by its
// destination group to every local input currently subscribed to it.
func (m *Module) routeSample(group netip.Addr, data []byte) {
	m.groupMu.Lock()
	var members = m.groupMembers[group]

	var ioIDs = make([]string, 0, len(members))
	for ioID := range members {
		ioIDs = append(ioIDs, ioID)
	}

	m.groupMu.Unlock()

	for _, ioID := range ioIDs {
		if r, ok := m.receivers[ioID]; ok {
			r.Push(data)
		}
	}
}

// enqueueDatagram is the handler control.Run invokes on its own
// receive goroutine: it only copies the datagram onto the serial
// worker's channel (or drops it if ctx is already cancelled), so the
// actual decode-and-dispatch in Dispatch always happens on the single
// goroutine serialLoop also uses for button events.
func (m *Module) enqueueDatagram(ctx context.Context, data []byte, from netip.AddrPort) {
	select {
	case m.raw <- rawDatagram{data: data, from: from}:
	case <-ctx.Done():
	}
}

// Dispatch decodes one inbound control-plane datagram and drives every
// local jack FSM, plus the controller-role handler where applicable.
// It is only ever called from the single serial
// worker goroutine started by Run.
func (m *Module) Dispatch(data []byte, _ netip.AddrPort) {
	var msg = wire.Decode(data)
	if msg.IsBad() {
		return // decode failure: silently dropped
	}

	switch msg.Type {
	case wire.Initiate:
		m.broadcast(func(h jack.Handler) { h.OnInitiate(msg) })
	case wire.Cancel:
		m.broadcast(func(h jack.Handler) { h.OnCancel(msg) })
	case wire.Compatible:
		m.broadcast(func(h jack.Handler) { h.OnCompatible(msg) })
	case wire.ShowConnected:
		m.broadcast(func(h jack.Handler) { h.OnShowConnected(msg) })
	case wire.Connect:
		// CONNECT targets exactly one output; it is
		// never broadcast through Handler.
		if out, ok := m.outputs[msg.IOID]; ok {
			out.OnConnect(msg)
		}
	case wire.StateInquiry:
		m.handleStateInquiry()
	case wire.StateResponse:
		if m.controller != nil {
			m.controller.HandleStateResponse(msg)
		}
	case wire.CapabilitiesInquiry:
		m.handleCapabilitiesInquiry(msg)
	case wire.CapabilitiesResponse:
		if m.controller != nil {
			m.controller.HandleCapabilitiesResponse(msg)
		}
	case wire.PatchRestore:
		m.handlePatchRestore(msg)
	default:
		m.logger.Warn("unknown message type", "type", msg.Type)
	}
}

// broadcast calls fn for every local input then every local output, in
// a stable order: every received control message reaches every local
// input jack, then every local output jack, in turn.
func (m *Module) broadcast(fn func(jack.Handler)) {
	for _, ioID := range m.inputOrder {
		fn(m.inputs[ioID])
	}

	for _, ioID := range m.outputOrder {
		fn(m.outputs[ioID])
	}
}

// Run starts the control-plane receive worker, the sample-plane
// receive worker, a sender goroutine per output jack, and the reveal
// housekeeping ticker, and blocks until ctx is cancelled.
func (m *Module) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		m.serialLoop(ctx)
	}()

	wg.Add(1)

	go func() {
		defer wg.Done()

		var handler = func(data []byte, from netip.AddrPort) { m.enqueueDatagram(ctx, data, from) }

		if err := m.control.Run(ctx, handler); err != nil && ctx.Err() == nil {
			m.logger.Warn("control endpoint stopped", "err", err)
		}
	}()

	wg.Add(1)

	go func() {
		defer wg.Done()

		if err := m.sample.Run(ctx, m.routeSample); err != nil && ctx.Err() == nil {
			m.logger.Warn("sample endpoint stopped", "err", err)
		}
	}()

	for _, ioID := range m.inputOrder {
		wg.Add(1)

		go func(ioID string) {
			defer wg.Done()

			m.receivers[ioID].Run(ctx, m.consumer)
		}(ioID)
	}

	for _, ioID := range m.outputOrder {
		var out = m.outputs[ioID]

		wg.Add(1)

		go func(ioID string, out *jack.Output) {
			defer wg.Done()

			var group, err = netip.ParseAddr(out.Group())
			if err != nil {
				m.logger.Warn("output has invalid group, sender not started", "io_id", ioID, "group", out.Group())

				return
			}

			var sender = stream.NewSender(ioID, group, stream.DefaultInterval(stream.DefaultBlockSize), m.sample, m.producer, m.logger)
			sender.Run(ctx)
		}(ioID, out)
	}

	wg.Wait()

	return ctx.Err()
}

// serialLoop is the single worker every jack FSM is driven from: it
// is the only goroutine that calls Dispatch, applies queued button
// presses, or ticks the reveal-override housekeeping, so no jack is
// ever observed from two goroutines at once.
func (m *Module) serialLoop(ctx context.Context) {
	var ticker = time.NewTicker(revealTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case dg := <-m.raw:
			m.Dispatch(dg.data, dg.from)
		case ev := <-m.presses:
			m.applyPress(ev)
		case now := <-ticker.C:
			for _, ioID := range m.outputOrder {
				m.outputs[ioID].Tick(now)
			}
		}
	}
}

type noopProducer struct{}

func (noopProducer) ProduceBlock(_ string) ([]byte, error) {
	return nil, fmt.Errorf("module: no DSP producer configured")
}

type noopConsumer struct{}

func (noopConsumer) ConsumeBlock(_ string, _ []byte) {}
