// Package discovery announces a module's control-plane endpoint over
// mDNS/DNS-SD using github.com/brutella/dnssd, without any system
// daemon or C library dependency. It is strictly additive: a module
// that never calls this package still interoperates purely over the
// control multicast group.
package discovery

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/brutella/dnssd"
	"github.com/charmbracelet/log"
)

// ServiceType is the DNS-SD service type this module's control plane
// is announced under.
const ServiceType = "_patchmesh-ctl._udp"

// Announcer runs the DNS-SD responder for one module's control
// endpoint until its context is cancelled.
type Announcer struct {
	name       string
	moduleType string
	port       int
	logger     *log.Logger
}

// New builds an Announcer. If name is empty, a default of
// "<module_id> on <hostname>" is used.
func New(moduleID, moduleType, name string, port int, logger *log.Logger) *Announcer {
	if name == "" {
		name = defaultServiceName(moduleID)
	}

	if logger == nil {
		logger = log.New(os.Stderr)
	}

	return &Announcer{name: name, moduleType: moduleType, port: port, logger: logger}
}

func defaultServiceName(moduleID string) string {
	var hostname, err = os.Hostname()
	if err != nil {
		return moduleID
	}

	hostname, _, _ = strings.Cut(hostname, ".")

	return moduleID + " on " + hostname
}

// Run announces the service and responds to mDNS queries until ctx is
// cancelled. The module_type is carried as a TXT record so a browsing
// controller can filter by it without a capabilities round-trip.
func (a *Announcer) Run(ctx context.Context) error {
	var cfg = dnssd.Config{ //nolint:exhaustruct
		Name: a.name,
		Type: ServiceType,
		Port: a.port,
		Text: map[string]string{"module_type": a.moduleType},
	}

	var service, svcErr = dnssd.NewService(cfg)
	if svcErr != nil {
		return fmt.Errorf("discovery: create service: %w", svcErr)
	}

	var responder, respErr = dnssd.NewResponder()
	if respErr != nil {
		return fmt.Errorf("discovery: create responder: %w", respErr)
	}

	var _, addErr = responder.Add(service)
	if addErr != nil {
		return fmt.Errorf("discovery: add service: %w", addErr)
	}

	a.logger.Info("DNS-SD: announcing control endpoint", "name", a.name, "port", a.port)

	if err := responder.Respond(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("discovery: responder: %w", err)
	}

	return ctx.Err()
}
