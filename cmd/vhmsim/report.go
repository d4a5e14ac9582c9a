package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
)

// Report summarizes a run.
type Report struct {
	Scenario   string
	Elapsed    time.Duration
	Exits      uint64
	Completed  uint64
	Failed     uint64
	Mismatches uint64
	Clients    []ClientReport
}

type ClientReport struct {
	ID     int
	Name   string
	Mode   string
	Served uint64
}

const maxNameWidth = 24

func (s *simulation) report(elapsed time.Duration) *Report {
	r := &Report{
		Scenario:   s.sc.Name,
		Elapsed:    elapsed,
		Mismatches: s.mismatches.Load(),
	}
	if stats, err := s.hyp.Stats(s.sc.VM.ID); err == nil {
		r.Exits = stats.Exits
		r.Completed = stats.Completed
		r.Failed = stats.Failed
	}

	scratch := make(map[int]*scratchClient, len(s.scratch))
	for _, c := range s.scratch {
		scratch[c.id] = c
	}

	for _, c := range s.vm.Clients() {
		row := ClientReport{ID: c.ID(), Name: c.Name(), Mode: "rendezvous"}
		if c.RunsWorker() {
			row.Mode = "worker"
		}
		switch {
		case c.IsFallback():
			row.Mode = "fallback"
			if s.fallback != nil {
				row.Served = s.fallback.served.Load()
			}
		case scratch[c.ID()] != nil:
			row.Served = scratch[c.ID()].served.Load()
		case s.chipset != nil:
			row.Served = s.chipset.Served(c.ID())
		}
		r.Clients = append(r.Clients, row)
	}
	return r
}

// Write prints the report as an aligned table.
func (r *Report) Write(w io.Writer) error {
	var b strings.Builder

	fmt.Fprintf(&b, "scenario %s: %d exits in %s (%d completed, %d failed",
		r.Scenario, r.Exits, r.Elapsed.Round(time.Millisecond), r.Completed, r.Failed)
	if r.Mismatches > 0 {
		fmt.Fprintf(&b, ", %d unexpected reads", r.Mismatches)
	}
	b.WriteString(")\n")

	header := []string{"ID", "CLIENT", "MODE", "SERVED"}
	rows := [][]string{header}
	for _, c := range r.Clients {
		rows = append(rows, []string{
			fmt.Sprint(c.ID),
			ansi.Truncate(c.Name, maxNameWidth, "…"),
			c.Mode,
			fmt.Sprint(c.Served),
		})
	}

	widths := make([]int, len(header))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], ansi.StringWidth(cell))
		}
	}
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(cell)
			if i < len(row)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-ansi.StringWidth(cell)))
			}
		}
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}
