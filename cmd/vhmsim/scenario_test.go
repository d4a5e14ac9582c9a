package main

import (
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/vhm/internal/hv"
)

func TestLoadBasicScenario(t *testing.T) {
	sc, err := LoadScenario("testdata/basic.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if sc.Name != "basic" || sc.VM.VCPUs != 4 || !sc.Fallback {
		t.Fatalf("unexpected scenario header: %+v", sc)
	}
	if got := sc.Workload.Timeout.Duration(); got != 30*time.Second {
		t.Fatalf("timeout = %s", got)
	}
	if got := sc.Broker.DestroyPollInterval.Duration(); got != 5*time.Millisecond {
		t.Fatalf("destroy poll interval = %s", got)
	}
	if sc.Clients[0].Mode != "worker" || sc.Clients[1].Mode != "rendezvous" {
		t.Fatalf("client modes = %q, %q", sc.Clients[0].Mode, sc.Clients[1].Mode)
	}
	if sc.Clients[0].Start != 0xd0000000 {
		t.Fatalf("hex start parsed as %#x", sc.Clients[0].Start)
	}
	pciAccess := sc.Workload.Accesses[1]
	if pciAccess.bdf != (hv.BDF{}) || pciAccess.Expect == nil || *pciAccess.Expect != 0x12378086 {
		t.Fatalf("pci access = %+v", pciAccess)
	}
	if sc.Workload.Accesses[6].bdf != (hv.BDF{Device: 5}) {
		t.Fatalf("second pci access bdf = %v", sc.Workload.Accesses[6].bdf)
	}
}

func TestParseScenarioErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		yaml string
		want string
	}{
		{"no accesses", "name: x\n", "no accesses"},
		{"too many vcpus", "vm: {vcpus: 17}\nworkload: {accesses: [{kind: mmio}]}\n", "exceeds"},
		{"bad kind", "workload: {accesses: [{kind: dma}]}\n", "unknown kind"},
		{"bad bdf", "workload: {accesses: [{kind: pci, bdf: nope}]}\n", "invalid pci address"},
		{"wide port", "workload: {accesses: [{kind: pio, addr: 0x60, size: 8}]}\n", "bad port access"},
		{"inverted client", "clients: [{kind: mmio, start: 2, end: 1}]\nworkload: {accesses: [{kind: mmio}]}\n", "precedes"},
		{"bad mode", "clients: [{kind: pio, mode: polling}]\nworkload: {accesses: [{kind: mmio}]}\n", "unknown mode"},
		{"bad duration", "workload: {timeout: soon, accesses: [{kind: mmio}]}\n", "invalid duration"},
	} {
		_, err := ParseScenario([]byte(tc.yaml))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: err = %v, want it to mention %q", tc.name, err, tc.want)
		}
	}
}

func TestScenarioDefaults(t *testing.T) {
	sc, err := ParseScenario([]byte("workload: {accesses: [{kind: mmio, addr: 0x10}]}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if sc.VM.VCPUs != 1 || sc.Workload.Iterations != 1 || sc.Workload.Accesses[0].Size != 4 {
		t.Fatalf("defaults not applied: %+v", sc)
	}
	if got := exitsPerRun(sc); got != 1 {
		t.Fatalf("exitsPerRun = %d", got)
	}
}
