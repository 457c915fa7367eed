package main

import (
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"nimbusos/kernel/proc"
)

// renderTable writes snaps as a bordered table to w, the hosted analogue of
// the kernel's print_process_list (spec.md §4.5's process-table dump),
// grounded on arctir-proctor's cmd package rendering its own process table
// through the same library.
func renderTable(w io.Writer, snaps []proc.Snapshot) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"PID", "PARENT", "NAME", "STATUS", "TICKS", "EXIT"})

	for _, s := range snaps {
		exit := ""
		if s.Status == proc.Dead {
			exit = strconv.Itoa(s.ExitCode)
		}
		table.Append([]string{
			strconv.Itoa(int(s.PID)),
			strconv.Itoa(int(s.Parent)),
			s.Name,
			s.Status.String(),
			strconv.FormatUint(s.Ticks, 10),
			exit,
		})
	}
	table.Render()
}
