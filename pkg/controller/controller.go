// Package controller implements the optional controller role: a single
// module on the control group that can fan out CAPABILITIES_INQUIRY /
// STATE_INQUIRY, collect the responses, and persist or restore the
// resulting patch. Collection uses a bounded time window rather than a
// wait-for-N-peers loop, since there is no static peer count to wait
// for: peers may join or leave at any time.
package controller

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
	"gopkg.in/yaml.v3"

	"github.com/doismellburning/patchmesh/pkg/module"
	"github.com/doismellburning/patchmesh/pkg/wire"
)

// patchFilePattern is the strftime pattern patch snapshots are named
// with.
const patchFilePattern = "patch-%Y%m%dT%H%M%S.yaml"

// Host is the subset of *module.Module the controller role needs to
// send fan-out requests. It is satisfied by *module.Module directly;
// the interface exists so controller tests can substitute a fake.
type Host interface {
	SendStateInquiry()
	SendCapabilitiesInquiry()
}

// ModuleSnapshot is one module's persisted row in a patch file:
// identity plus the same {controls, connections} shape
// module.ModuleState carries over the wire.
type ModuleSnapshot struct {
	ModuleID    string                             `yaml:"module_id"`
	ModuleType  string                             `yaml:"module_type"`
	Unicast     string                             `yaml:"unicast"`
	Controls    map[string]any                     `yaml:"controls"`
	Connections map[string]*module.ConnectionState `yaml:"connections"`
}

func snapshotFromState(s module.ModuleState) ModuleSnapshot {
	return ModuleSnapshot{
		ModuleID:    s.ModuleID,
		ModuleType:  s.ModuleType,
		Unicast:     s.Unicast,
		Controls:    s.Controls,
		Connections: s.Connections,
	}
}

func (s ModuleSnapshot) toState() module.ModuleState {
	return module.ModuleState{
		ModuleID:    s.ModuleID,
		ModuleType:  s.ModuleType,
		Unicast:     s.Unicast,
		Controls:    s.Controls,
		Connections: s.Connections,
	}
}

// Controller implements module.ControllerHandler, collecting
// STATE_RESPONSE and CAPABILITIES_RESPONSE messages forwarded to it by
// the façade it is attached to.
type Controller struct {
	host Host

	mu           sync.Mutex
	states       map[string]module.ModuleState
	capabilities map[string]module.Capabilities

	logger *log.Logger
}

// New builds a Controller attached to host. Callers must still call
// host.(*module.Module).SetController(c) for responses to be forwarded.
func New(host Host, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(os.Stderr)
	}

	return &Controller{
		host:         host,
		states:       map[string]module.ModuleState{},
		capabilities: map[string]module.Capabilities{},
		logger:       logger,
	}
}

// HandleStateResponse implements module.ControllerHandler.
func (c *Controller) HandleStateResponse(msg wire.Message) {
	var state module.ModuleState
	if err := wire.DecodePayload(msg, &state); err != nil {
		c.logger.Warn("controller: bad STATE_RESPONSE payload", "module_id", msg.ModuleID, "err", err)

		return
	}

	c.mu.Lock()
	c.states[msg.ModuleID] = state
	c.mu.Unlock()
}

// HandleCapabilitiesResponse implements module.ControllerHandler.
func (c *Controller) HandleCapabilitiesResponse(msg wire.Message) {
	var caps module.Capabilities
	if err := wire.DecodePayload(msg, &caps); err != nil {
		c.logger.Warn("controller: bad CAPABILITIES_RESPONSE payload", "module_id", msg.ModuleID, "err", err)

		return
	}

	c.mu.Lock()
	c.capabilities[msg.ModuleID] = caps
	c.mu.Unlock()
}

// Discover broadcasts CAPABILITIES_INQUIRY and returns every
// capability map received within window, keyed by module_id — enough
// for a browsing GUI to draw the network without a static roster.
func (c *Controller) Discover(ctx context.Context, window time.Duration) (map[string]module.Capabilities, error) {
	c.mu.Lock()
	c.capabilities = map[string]module.Capabilities{}
	c.mu.Unlock()

	c.host.SendCapabilitiesInquiry()

	select {
	case <-time.After(window):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out = make(map[string]module.Capabilities, len(c.capabilities))
	for k, v := range c.capabilities {
		out[k] = v
	}

	return out, nil
}

// CollectState broadcasts STATE_INQUIRY and returns every module's
// reported state received within window, keyed by module_id.
func (c *Controller) CollectState(ctx context.Context, window time.Duration) (map[string]module.ModuleState, error) {
	c.mu.Lock()
	c.states = map[string]module.ModuleState{}
	c.mu.Unlock()

	c.host.SendStateInquiry()

	select {
	case <-time.After(window):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out = make(map[string]module.ModuleState, len(c.states))
	for k, v := range c.states {
		out[k] = v
	}

	return out, nil
}

// SavePatch writes the given states as a YAML patch snapshot under
// dir, named by patchFilePattern, and returns the path written.
func (c *Controller) SavePatch(dir string, states map[string]module.ModuleState) (string, error) {
	var snapshots = make([]ModuleSnapshot, 0, len(states))

	for _, state := range states {
		snapshots = append(snapshots, snapshotFromState(state))
	}

	var name, err = strftime.Format(patchFilePattern, time.Now())
	if err != nil {
		return "", fmt.Errorf("controller: format patch file name: %w", err)
	}

	var path = filepath.Join(dir, name)

	var data, marshalErr = yaml.Marshal(snapshots)
	if marshalErr != nil {
		return "", fmt.Errorf("controller: marshal patch: %w", marshalErr)
	}

	if writeErr := os.WriteFile(path, data, 0o644); writeErr != nil { //nolint:gosec
		return "", fmt.Errorf("controller: write patch file %s: %w", path, writeErr)
	}

	return path, nil
}

// LatestPatch returns the newest patch snapshot under dir, relying on
// patchFilePattern's timestamp stamping to make lexicographic order and
// chronological order agree. It returns os.ErrNotExist when dir holds
// no patch files.
func LatestPatch(dir string) (string, error) {
	var entries, err = os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("controller: read patch dir %s: %w", dir, err)
	}

	var latest string

	for _, entry := range entries {
		var name = entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "patch-") || !strings.HasSuffix(name, ".yaml") {
			continue
		}

		if name > latest {
			latest = name
		}
	}

	if latest == "" {
		return "", fmt.Errorf("controller: no patch files in %s: %w", dir, os.ErrNotExist)
	}

	return filepath.Join(dir, latest), nil
}

// LoadPatch reads a YAML patch snapshot previously written by SavePatch.
func LoadPatch(path string) ([]ModuleSnapshot, error) {
	var data, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("controller: read patch file %s: %w", path, err)
	}

	var snapshots []ModuleSnapshot
	if unmarshalErr := yaml.Unmarshal(data, &snapshots); unmarshalErr != nil {
		return nil, fmt.Errorf("controller: parse patch file %s: %w", path, unmarshalErr)
	}

	return snapshots, nil
}

// Restorer is the subset of *module.Module needed to unicast a single
// module's restored state.
type Restorer interface {
	SendPatchRestore(targetMod string, state module.ModuleState, addr netip.Addr)
}

// RestorePatch unicasts PATCH_RESTORE to every snapshot whose
// module_id has a known address in addrs, skipping (and logging) any
// that do not — a module that is offline or has changed address simply
// does not get restored.
func (c *Controller) RestorePatch(host Restorer, snapshots []ModuleSnapshot, addrs map[string]netip.Addr) {
	for _, snap := range snapshots {
		var addr, ok = addrs[snap.ModuleID]
		if !ok {
			c.logger.Warn("controller: no known address for patch target, skipping", "module_id", snap.ModuleID)

			continue
		}

		host.SendPatchRestore(snap.ModuleID, snap.toState(), addr)
	}
}
