package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vhm/internal/hv"
)

// Scenario describes one simulated VM, the clients serving it and the I/O
// workload its vCPUs generate.
type Scenario struct {
	Name     string         `yaml:"name"`
	VM       VMConfig       `yaml:"vm"`
	Devices  DeviceConfig   `yaml:"devices"`
	Clients  []ClientConfig `yaml:"clients"`
	Fallback bool           `yaml:"fallback"`
	Workload WorkloadConfig `yaml:"workload"`
	Broker   BrokerConfig   `yaml:"broker"`
}

type VMConfig struct {
	ID    uint16 `yaml:"id"`
	VCPUs int    `yaml:"vcpus"`
}

// DeviceConfig selects the emulated chipset devices.
type DeviceConfig struct {
	Serial     bool `yaml:"serial"`
	RTC        bool `yaml:"rtc"`
	HostBridge bool `yaml:"host_bridge"`
}

// ClientConfig declares a scratch-register client claiming one range.
type ClientConfig struct {
	Name string `yaml:"name"`
	// Kind is "mmio" or "pio".
	Kind  string `yaml:"kind"`
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
	// Mode is "worker" (default) or "rendezvous".
	Mode string `yaml:"mode"`
}

type WorkloadConfig struct {
	// Iterations is the number of accesses issued by each vCPU.
	Iterations int      `yaml:"iterations"`
	Rate       float64  `yaml:"rate"`
	Timeout    Duration `yaml:"timeout"`
	Accesses   []Access `yaml:"accesses"`
}

// Access is one entry of the access mix. vCPUs walk the mix round robin.
type Access struct {
	// Kind is "mmio", "pio" or "pci".
	Kind     string  `yaml:"kind"`
	Write    bool    `yaml:"write"`
	Addr     uint64  `yaml:"addr"`
	Size     uint64  `yaml:"size"`
	Value    uint64  `yaml:"value"`
	BDF      string  `yaml:"bdf"`
	Register uint16  `yaml:"register"`
	Expect   *uint64 `yaml:"expect"`

	bdf hv.BDF
}

type BrokerConfig struct {
	DestroyPollInterval Duration `yaml:"destroy_poll_interval"`
	DestroyWarnAfter    Duration `yaml:"destroy_warn_after"`
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := sc.validate(); err != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	return &sc, nil
}

func (sc *Scenario) validate() error {
	if sc.VM.VCPUs <= 0 {
		sc.VM.VCPUs = 1
	}
	if sc.VM.VCPUs > hv.MaxRequests {
		return fmt.Errorf("vm.vcpus %d exceeds %d", sc.VM.VCPUs, hv.MaxRequests)
	}
	if sc.Workload.Iterations <= 0 {
		sc.Workload.Iterations = 1
	}
	if sc.Workload.Rate < 0 {
		return fmt.Errorf("workload.rate must not be negative")
	}

	for i := range sc.Clients {
		c := &sc.Clients[i]
		if c.Name == "" {
			c.Name = fmt.Sprintf("client%d", i)
		}
		switch c.Kind {
		case "mmio", "pio":
		default:
			return fmt.Errorf("client %q: unknown kind %q", c.Name, c.Kind)
		}
		switch c.Mode {
		case "":
			c.Mode = "worker"
		case "worker", "rendezvous":
		default:
			return fmt.Errorf("client %q: unknown mode %q", c.Name, c.Mode)
		}
		if c.End < c.Start {
			return fmt.Errorf("client %q: end 0x%x precedes start 0x%x", c.Name, c.End, c.Start)
		}
	}

	if len(sc.Workload.Accesses) == 0 {
		return fmt.Errorf("workload has no accesses")
	}
	for i := range sc.Workload.Accesses {
		a := &sc.Workload.Accesses[i]
		if a.Size == 0 {
			a.Size = 4
		}
		switch a.Kind {
		case "mmio":
			if a.Size > 8 {
				return fmt.Errorf("access %d: mmio size %d", i, a.Size)
			}
		case "pio":
			if a.Size > 4 || a.Addr > 0xffff {
				return fmt.Errorf("access %d: bad port access 0x%x size %d", i, a.Addr, a.Size)
			}
		case "pci":
			bdf, err := hv.ParseBDF(a.BDF)
			if err != nil {
				return fmt.Errorf("access %d: %w", i, err)
			}
			if a.Size > 4 || int(a.Register)+int(a.Size) > 256 {
				return fmt.Errorf("access %d: bad config access 0x%x size %d", i, a.Register, a.Size)
			}
			a.bdf = bdf
		default:
			return fmt.Errorf("access %d: unknown kind %q", i, a.Kind)
		}
	}
	return nil
}
