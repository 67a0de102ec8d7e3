// Package config parses the command-line flags (github.com/spf13/pflag)
// and optional YAML config file (gopkg.in/yaml.v3) every synthmodule
// binary starts from.
package config

import (
	"fmt"
	"net/netip"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/doismellburning/patchmesh/internal/buildinfo"
	"github.com/doismellburning/patchmesh/pkg/wire"
)

// JackSpec describes one local jack from the config file.
type JackSpec struct {
	IOID      string      `yaml:"io_id"`
	Direction string      `yaml:"direction"` // "input" or "output"
	Type      wire.IOType `yaml:"type"`
	Offset    int         `yaml:"offset"`
	BlockSize int         `yaml:"block_size"`
}

// Config is the full set of startup parameters for one module node.
// Unicast is kept as a string on the wire (both YAML and flags) and
// parsed on demand via UnicastAddr, since gopkg.in/yaml.v3 does not
// call netip.Addr's encoding.TextUnmarshaler automatically.
type Config struct {
	ModuleID    string     `yaml:"module_id"`
	ModuleType  string     `yaml:"module_type"`
	Unicast     string     `yaml:"unicast"`
	Jacks       []JackSpec `yaml:"jacks"`
	Controller  bool       `yaml:"controller"`
	GPIO        bool       `yaml:"gpio"`
	AudioDevice string     `yaml:"audio_device"`
	DNSSD       bool       `yaml:"dns_sd"`
	PatchDir    string     `yaml:"patch_dir"`
}

// UnicastAddr parses Unicast as an IPv4 address.
func (c Config) UnicastAddr() (netip.Addr, error) {
	var addr, err = netip.ParseAddr(c.Unicast)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("config: parse unicast %q: %w", c.Unicast, err)
	}

	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("config: unicast %q is not an IPv4 address", c.Unicast)
	}

	return addr, nil
}

// Parse builds a Config from the given args (ordinarily os.Args[1:]),
// loading --config-file first and letting explicit flags override its
// fields.
func Parse(args []string) (Config, error) {
	var fs = pflag.NewFlagSet("synthmodule", pflag.ContinueOnError)

	var configFile = fs.StringP("config-file", "c", "", "YAML configuration file describing this module's jacks.")
	var moduleID = fs.StringP("module-id", "m", "", "Stable module identifier, unique on the network.")
	var moduleType = fs.StringP("module-type", "T", "", "Module type tag (e.g. \"osc\", \"lfo\", \"sink\").")
	var unicastStr = fs.StringP("unicast", "u", "", "This module's unicast IPv4 address.")
	var controller = fs.BoolP("controller", "x", false, "Act as the patch save/recall controller for this network.")
	var gpio = fs.BoolP("gpio", "g", false, "Drive jack buttons/LEDs over real GPIO lines.")
	var audioDevice = fs.StringP("audio-device", "a", "", "Enable the default sound-card device for audio/CV jacks (any non-empty value; the name does not select a device).")
	var dnsSD = fs.BoolP("dns-sd", "d", false, "Announce this module's control endpoint over mDNS/DNS-SD.")
	var patchDir = fs.StringP("patch-dir", "p", "patches", "Directory the controller reads/writes patch snapshots from.")
	var help = fs.BoolP("help", "h", false, "Display help text.")
	var version = fs.BoolP("version", "v", false, "Display version information and exit.")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("config: parse flags: %w", err)
	}

	if *help {
		fs.Usage()
		os.Exit(0)
	}

	if *version {
		buildinfo.Print(false)
		os.Exit(0)
	}

	var cfg Config

	if *configFile != "" {
		var loaded, loadErr = Load(*configFile)
		if loadErr != nil {
			return Config{}, loadErr
		}

		cfg = loaded
	}

	if *moduleID != "" {
		cfg.ModuleID = *moduleID
	}

	if *moduleType != "" {
		cfg.ModuleType = *moduleType
	}

	if *unicastStr != "" {
		cfg.Unicast = *unicastStr
	}

	if fs.Changed("controller") {
		cfg.Controller = *controller
	}

	if fs.Changed("gpio") {
		cfg.GPIO = *gpio
	}

	if fs.Changed("dns-sd") {
		cfg.DNSSD = *dnsSD
	}

	if *audioDevice != "" {
		cfg.AudioDevice = *audioDevice
	}

	if fs.Changed("patch-dir") || cfg.PatchDir == "" {
		cfg.PatchDir = *patchDir
	}

	if validateErr := cfg.Validate(); validateErr != nil {
		return Config{}, validateErr
	}

	return cfg, nil
}

// Validate reports whether cfg has the minimum information to start a
// module: an id, type, and unicast address.
func (c Config) Validate() error {
	if c.ModuleID == "" {
		return fmt.Errorf("config: module_id is required")
	}

	if c.ModuleType == "" {
		return fmt.Errorf("config: module_type is required")
	}

	if c.Unicast == "" {
		return fmt.Errorf("config: unicast address is required")
	}

	if _, err := c.UnicastAddr(); err != nil {
		return err
	}

	return nil
}

// Load reads a YAML config file from disk.
func Load(path string) (Config, error) {
	var data, readErr = os.ReadFile(path)
	if readErr != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, readErr)
	}

	var cfg Config
	if unmarshalErr := yaml.Unmarshal(data, &cfg); unmarshalErr != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, unmarshalErr)
	}

	return cfg, nil
}
