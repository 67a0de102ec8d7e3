// Command synthmodule runs one module node on the patch bay network:
// it wires internal/config, internal/logging, pkg/transport,
// pkg/module, and the optional pkg/controller, pkg/discovery,
// pkg/gpioui, pkg/audioio collaborators into a single running process
// that parses flags, builds its collaborators, and blocks until
// signalled to stop.
package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/patchmesh/internal/config"
	"github.com/doismellburning/patchmesh/internal/logging"
	"github.com/doismellburning/patchmesh/pkg/audioio"
	"github.com/doismellburning/patchmesh/pkg/controller"
	"github.com/doismellburning/patchmesh/pkg/discovery"
	"github.com/doismellburning/patchmesh/pkg/gpioui"
	"github.com/doismellburning/patchmesh/pkg/jack"
	"github.com/doismellburning/patchmesh/pkg/module"
	"github.com/doismellburning/patchmesh/pkg/netaddr"
	"github.com/doismellburning/patchmesh/pkg/stream"
	"github.com/doismellburning/patchmesh/pkg/transport"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var cfg, err = config.Parse(args)
	if err != nil {
		return err
	}

	var logger = logging.New(cfg.ModuleID)

	var ctx, cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var unicast, unicastErr = cfg.UnicastAddr()
	if unicastErr != nil {
		return unicastErr
	}

	var control, controlErr = transport.NewControlEndpoint(ctx, unicast)
	if controlErr != nil {
		return fmt.Errorf("synthmodule: open control endpoint: %w", controlErr)
	}
	defer control.Close()

	var sample, sampleErr = transport.NewSampleEndpoint(ctx)
	if sampleErr != nil {
		return fmt.Errorf("synthmodule: open sample endpoint: %w", sampleErr)
	}
	defer sample.Close()

	var modCfg = module.Config{
		ModuleID:   cfg.ModuleID,
		ModuleType: cfg.ModuleType,
		Unicast:    unicast,
		Control:    control,
		Sample:     sample,
		Logger:     logger,
	}

	if cfg.AudioDevice != "" {
		var device, deviceErr = audioio.Open(stream.DefaultBlockSize, logger)
		if deviceErr != nil {
			return fmt.Errorf("synthmodule: open audio device %q: %w", cfg.AudioDevice, deviceErr)
		}
		defer device.Close()

		modCfg.Producer = device
		modCfg.Consumer = device
	}

	// mod is declared before any collaborator that needs to call back
	// into it (gpioui's button handler calls mod.Press); the closure
	// below captures the variable, not its value, so it is safe to
	// reference before module.New assigns it.
	var mod *module.Module

	if cfg.GPIO {
		var gpioLines = make([]gpioui.JackLines, 0, len(cfg.Jacks))

		for i, j := range cfg.Jacks {
			// Default pin assignment: two GPIO offsets per jack
			// (button, LED), in config-file order. A real panel would
			// carry its own offsets in the config file; this repo's
			// config.JackSpec doesn't yet need that level of detail to
			// exercise the gpiocdev wiring.
			gpioLines = append(gpioLines, gpioui.JackLines{
				IOID:         j.IOID,
				Chip:         "gpiochip0",
				ButtonOffset: 2 * i,
				LEDOffset:    2*i + 1,
			})
		}

		var hw, hwErr = gpioui.New(gpioLines, func(ioID string, kind jack.PressKind) { mod.Press(ioID, kind) }, logger)
		if hwErr != nil {
			return fmt.Errorf("synthmodule: init GPIO UI: %w", hwErr)
		}
		defer hw.Close()

		modCfg.OnLED = hw.OnLED
	}

	var modErr error
	mod, modErr = module.New(modCfg)

	if modErr != nil {
		return fmt.Errorf("synthmodule: construct module: %w", modErr)
	}

	for _, j := range cfg.Jacks {
		switch j.Direction {
		case "input":
			mod.AddInput(j.IOID, j.Type)
		case "output":
			mod.AddOutput(j.IOID, j.Type, j.Offset, j.BlockSize)
		default:
			return fmt.Errorf("synthmodule: jack %q has unknown direction %q", j.IOID, j.Direction)
		}
	}

	if cfg.Controller {
		var ctl = controller.New(mod, logger)
		mod.SetController(ctl)

		go controllerSignalLoop(ctx, ctl, mod, cfg.PatchDir, logger)
	}

	if cfg.DNSSD {
		var announcer = discovery.New(cfg.ModuleID, cfg.ModuleType, "", netaddr.ControlPort, logger)

		go func() {
			if announceErr := announcer.Run(ctx); announceErr != nil && ctx.Err() == nil {
				logger.Warn("DNS-SD announcer stopped", "err", announceErr)
			}
		}()
	}

	logger.Info("synthmodule starting", "module_id", cfg.ModuleID, "unicast", cfg.Unicast, "output_group", mod.OutputGroup())

	if runErr := mod.Run(ctx); runErr != nil && ctx.Err() == nil {
		return fmt.Errorf("synthmodule: module run: %w", runErr)
	}

	return nil
}

// collectWindow bounds how long the controller waits for
// STATE_RESPONSE fan-in after a save request; peers that answer later
// simply miss that snapshot.
const collectWindow = 2 * time.Second

// controllerSignalLoop drives patch save/recall on the controller
// node: SIGUSR1 collects every module's state and writes a snapshot
// under patchDir, SIGUSR2 restores the newest snapshot by unicasting
// PATCH_RESTORE to each module at the address its snapshot recorded.
func controllerSignalLoop(ctx context.Context, ctl *controller.Controller, mod *module.Module, patchDir string, logger *log.Logger) {
	var sigs = make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGUSR1:
				savePatch(ctx, ctl, patchDir, logger)
			case syscall.SIGUSR2:
				restorePatch(ctl, mod, patchDir, logger)
			}
		}
	}
}

func savePatch(ctx context.Context, ctl *controller.Controller, patchDir string, logger *log.Logger) {
	var states, err = ctl.CollectState(ctx, collectWindow)
	if err != nil {
		logger.Warn("patch save: state collection aborted", "err", err)

		return
	}

	if mkdirErr := os.MkdirAll(patchDir, 0o755); mkdirErr != nil {
		logger.Error("patch save: create patch dir", "dir", patchDir, "err", mkdirErr)

		return
	}

	var path, saveErr = ctl.SavePatch(patchDir, states)
	if saveErr != nil {
		logger.Error("patch save failed", "err", saveErr)

		return
	}

	logger.Info("patch saved", "path", path, "modules", len(states))
}

func restorePatch(ctl *controller.Controller, mod *module.Module, patchDir string, logger *log.Logger) {
	var path, err = controller.LatestPatch(patchDir)
	if err != nil {
		logger.Warn("patch restore: no snapshot to restore", "dir", patchDir, "err", err)

		return
	}

	var snapshots, loadErr = controller.LoadPatch(path)
	if loadErr != nil {
		logger.Error("patch restore: load failed", "path", path, "err", loadErr)

		return
	}

	var addrs = make(map[string]netip.Addr, len(snapshots))

	for _, snap := range snapshots {
		var addr, parseErr = netip.ParseAddr(snap.Unicast)
		if parseErr != nil {
			logger.Warn("patch restore: snapshot has bad unicast address", "module_id", snap.ModuleID, "unicast", snap.Unicast)

			continue
		}

		addrs[snap.ModuleID] = addr
	}

	ctl.RestorePatch(mod, snapshots, addrs)
	logger.Info("patch restore issued", "path", path, "modules", len(snapshots))
}
