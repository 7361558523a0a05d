// Package render formats fleet state for terminals.
package render

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/core-tools/hsu-powerguard/pkg/domain"
)

const EmptyFleetMessage = "No servers added yet."

var (
	listHeader   = []string{"ID", "Status", "PDU-Index", "PDU-Outlet"}
	statusHeader = []string{"ID", "Status", "PDU-Index", "PDU-Outlet", "Power Usage"}
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorders(tablewriter.Border{Left: true, Top: true, Right: true, Bottom: true})
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("+")
	return table
}

func summaryRow(unit domain.UnitSummary) []string {
	return []string{
		unit.ID,
		strings.ToUpper(unit.Status),
		strconv.Itoa(unit.PDUIndex),
		strconv.Itoa(unit.PDUOutlet),
	}
}

// List writes the fleet table, or EmptyFleetMessage when there is nothing to show
func List(w io.Writer, units []domain.UnitSummary) error {
	if len(units) == 0 {
		_, err := fmt.Fprintln(w, EmptyFleetMessage)
		return err
	}

	table := newTable(w, listHeader)
	for _, unit := range units {
		table.Append(summaryRow(unit))
	}
	table.Render()
	return nil
}

// Status writes one server with its power usage
func Status(w io.Writer, detail domain.UnitDetail) error {
	table := newTable(w, statusHeader)
	table.Append(append(summaryRow(detail.UnitSummary), detail.Power.String()))
	table.Render()
	return nil
}

// Restart writes the outcome of an operator restart
func Restart(w io.Writer, outcome domain.RestartOutcome) error {
	var err error
	switch {
	case !outcome.Dispatched:
		_, err = fmt.Fprintf(w, "%s restart of %s not delivered. %s\n", capitalize(outcome.Kind), outcome.ID, outcome.Message)
	default:
		_, err = fmt.Fprintf(w, "%s restart of %s issued.\n", capitalize(outcome.Kind), outcome.ID)
	}
	return err
}

// Checks writes whether the periodic checks run
func Checks(w io.Writer, state domain.CheckState) error {
	running := "stopped"
	if state.Running {
		running = "running"
	}
	_, err := fmt.Fprintf(w, "Check cycle %s, interval: %v, servers: %d\n", running, state.Interval, state.Servers)
	return err
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
