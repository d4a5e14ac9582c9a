package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/vhm/internal/chipset"
	"github.com/tinyrange/vhm/internal/devices/pci"
	"github.com/tinyrange/vhm/internal/devices/pl031"
	"github.com/tinyrange/vhm/internal/devices/serial"
	"github.com/tinyrange/vhm/internal/hv"
	"github.com/tinyrange/vhm/internal/hv/loopback"
	"github.com/tinyrange/vhm/internal/ioreq"
)

// Options are the command-line overrides of a run.
type Options struct {
	Console io.Writer
	// Rate overrides the workload rate when positive.
	Rate float64
	// Progress is called once per completed vCPU exit.
	Progress func()
}

type simulation struct {
	sc   *Scenario
	opts Options

	hyp     *loopback.Hypervisor
	broker  *ioreq.Broker
	vm      *ioreq.VM
	page    []byte
	chipset *chipset.Chipset

	scratch  []*scratchClient
	fallback *fallbackLoop

	// pciMu keeps an address/data port pair atomic across vCPUs.
	pciMu sync.Mutex

	mismatches atomicbitops.Uint64
}

// Run executes the scenario and reports what every client served.
func Run(ctx context.Context, sc *Scenario, opts Options) (*Report, error) {
	if opts.Console == nil {
		opts.Console = io.Discard
	}
	s := &simulation{sc: sc, opts: opts}

	if err := s.setup(); err != nil {
		return nil, err
	}
	defer s.teardown()

	serviceCtx, stopServices := context.WithCancel(ctx)
	services, serviceCtx := errgroup.WithContext(serviceCtx)
	if s.fallback != nil {
		services.Go(func() error { return s.fallback.run(serviceCtx) })
	}
	for _, c := range s.scratch {
		if c.cfg.Mode == "rendezvous" {
			services.Go(func() error { return c.run(serviceCtx) })
		}
	}

	start := time.Now()
	runErr := s.runWorkload(ctx)
	elapsed := time.Since(start)

	stopServices()
	if err := services.Wait(); err != nil && runErr == nil {
		runErr = err
	}

	report := s.report(elapsed)
	return report, runErr
}

func (s *simulation) setup() (err error) {
	sc := s.sc
	cu := cleanup.Make(s.teardown)
	defer cu.Clean()

	s.hyp = loopback.New()
	s.broker = ioreq.New(s.hyp, ioreq.Config{
		DestroyPollInterval: sc.Broker.DestroyPollInterval.Duration(),
		DestroyWarnAfter:    sc.Broker.DestroyWarnAfter.Duration(),
	})

	s.vm, err = s.broker.NewVM(sc.VM.ID, sc.VM.VCPUs)
	if err != nil {
		return err
	}
	vm := s.vm
	if err := s.hyp.CreateVM(sc.VM.ID, func() error { return s.broker.Distribute(vm) }); err != nil {
		return err
	}

	s.page, err = hv.AllocateRequestPage()
	if err != nil {
		return err
	}
	if err := s.vm.InitRequestBuffer(s.page); err != nil {
		return err
	}

	if s.chipset, err = buildChipset(sc.Devices, s.opts.Console); err != nil {
		return err
	}
	if s.chipset != nil {
		if err := s.chipset.Start(); err != nil {
			return err
		}
		if err := s.chipset.Attach(s.broker, s.vm); err != nil {
			return err
		}
	}

	for _, cfg := range sc.Clients {
		c, err := newScratchClient(s.broker, s.vm, cfg)
		if err != nil {
			return fmt.Errorf("client %q: %w", cfg.Name, err)
		}
		s.scratch = append(s.scratch, c)
	}

	if sc.Fallback {
		if s.fallback, err = newFallbackLoop(s.broker, s.vm); err != nil {
			return err
		}
	}

	cu.Release()
	slog.Info("vhmsim: machine ready",
		"scenario", sc.Name,
		"vm", sc.VM.ID,
		"vcpus", sc.VM.VCPUs,
		"clients", s.broker.ClientCount())
	return nil
}

func buildChipset(cfg DeviceConfig, console io.Writer) (*chipset.Chipset, error) {
	if !cfg.Serial && !cfg.RTC && !cfg.HostBridge {
		return nil, nil
	}
	b := chipset.NewBuilder()
	if cfg.Serial {
		if err := b.RegisterDevice("com1", serial.NewUART8250(serial.COM1, console)); err != nil {
			return nil, err
		}
	}
	if cfg.RTC {
		if err := b.RegisterDevice("rtc", pl031.New(pl031.DefaultBase, nil)); err != nil {
			return nil, err
		}
	}
	if cfg.HostBridge {
		if err := b.WithPCIFunction(hv.BDF{}, pci.NewHostBridgeConfig()); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

func (s *simulation) teardown() {
	if s.chipset != nil {
		if err := s.chipset.Detach(); err != nil {
			slog.Warn("vhmsim: detach chipset", "error", err)
		}
		if err := s.chipset.Stop(); err != nil {
			slog.Warn("vhmsim: stop chipset", "error", err)
		}
	}
	if s.fallback != nil {
		s.fallback.poller.Close()
	}
	if s.vm != nil {
		if err := s.vm.Free(); err != nil && !errors.Is(err, ioreq.ErrInvalidVM) {
			slog.Warn("vhmsim: free vm", "error", err)
		}
	}
	if s.hyp != nil {
		s.hyp.DestroyVM(s.sc.VM.ID)
	}
	if s.page != nil {
		if err := hv.FreeRequestPage(s.page); err != nil {
			slog.Warn("vhmsim: free request page", "error", err)
		}
		s.page = nil
	}
}

func (s *simulation) runWorkload(ctx context.Context) error {
	w := s.sc.Workload
	if d := w.Timeout.Duration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	limit := rate.Inf
	r := w.Rate
	if s.opts.Rate > 0 {
		r = s.opts.Rate
	}
	if r > 0 {
		limit = rate.Limit(r)
	}
	limiter := rate.NewLimiter(limit, 1)

	g, ctx := errgroup.WithContext(ctx)
	for vcpu := 0; vcpu < s.sc.VM.VCPUs; vcpu++ {
		g.Go(func() error {
			for i := 0; i < w.Iterations; i++ {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
				a := &w.Accesses[i%len(w.Accesses)]
				if err := s.issue(ctx, vcpu, a); err != nil {
					return fmt.Errorf("vcpu %d access %d: %w", vcpu, i, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// issue performs one access from the workload. Configuration accesses take
// two exits: the address port write and the data port access.
func (s *simulation) issue(ctx context.Context, vcpu int, a *Access) error {
	var req hv.Request
	switch a.Kind {
	case "mmio":
		req.Type = hv.RequestMMIO
		mmio := req.MMIO()
		mmio.Direction = direction(a.Write)
		mmio.Address = a.Addr
		mmio.Size = a.Size
		mmio.Value = a.Value
	case "pio":
		pioRequest(&req, a.Write, a.Addr, a.Size, uint32(a.Value))
	case "pci":
		s.pciMu.Lock()
		defer s.pciMu.Unlock()

		var addr hv.Request
		pioRequest(&addr, true, pci.ConfigAddressPort, 4, configAddress(a.bdf, a.Register))
		if err := s.exit(ctx, vcpu, &addr); err != nil {
			return err
		}
		port := uint64(pci.ConfigDataPort) + uint64(a.Register&3)
		pioRequest(&req, a.Write, port, a.Size, uint32(a.Value))
	}

	if err := s.exit(ctx, vcpu, &req); err != nil {
		return err
	}

	if a.Expect != nil && !a.Write {
		var got uint64
		switch req.Type {
		case hv.RequestMMIO:
			got = req.MMIO().Value
		default:
			// Port and config requests keep the value at the same offset.
			got = uint64(req.PIO().Value)
		}
		if want := *a.Expect & sizeMask(a.Size); got != want {
			s.mismatches.Add(1)
			slog.Warn("vhmsim: unexpected read",
				"vcpu", vcpu,
				"kind", a.Kind,
				"addr", fmt.Sprintf("0x%x", a.Addr),
				"got", fmt.Sprintf("0x%x", got),
				"want", fmt.Sprintf("0x%x", want))
		}
	}
	return nil
}

func (s *simulation) exit(ctx context.Context, vcpu int, req *hv.Request) error {
	err := s.hyp.Exit(ctx, s.sc.VM.ID, vcpu, req)
	if errors.Is(err, loopback.ErrRequestFailed) {
		slog.Debug("vhmsim: request failed", "vcpu", vcpu, "type", req.Type)
		err = nil
	}
	if err == nil && s.opts.Progress != nil {
		s.opts.Progress()
	}
	return err
}

func direction(write bool) hv.Direction {
	if write {
		return hv.DirectionWrite
	}
	return hv.DirectionRead
}

func pioRequest(req *hv.Request, write bool, port, size uint64, value uint32) {
	req.Type = hv.RequestPortIO
	pio := req.PIO()
	pio.Direction = direction(write)
	pio.Address = port
	pio.Size = size
	pio.Value = value
}

func configAddress(bdf hv.BDF, register uint16) uint32 {
	return 1<<31 |
		uint32(bdf.Bus)<<16 |
		uint32(bdf.Device)<<11 |
		uint32(bdf.Function)<<8 |
		uint32(register)&0xfc
}

// exitsPerRun is the number of vCPU exits a scenario performs.
func exitsPerRun(sc *Scenario) int {
	total := 0
	for vcpu := 0; vcpu < sc.VM.VCPUs; vcpu++ {
		for i := 0; i < sc.Workload.Iterations; i++ {
			total++
			if sc.Workload.Accesses[i%len(sc.Workload.Accesses)].Kind == "pci" {
				total++
			}
		}
	}
	return total
}
