package commands

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/FastLED/FastLED-sub016/internal/engine/router"
	"github.com/FastLED/FastLED-sub016/internal/spibus"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

func printDrivers(w io.Writer, infos []router.DriverInfo) {
	if len(infos) == 0 {
		yellow.Fprintln(w, "no engines registered")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tNAME\tCAPABILITIES\tSTATE")
	for _, d := range infos {
		state := green.Sprint("enabled")
		if !d.Enabled {
			state = red.Sprint("disabled")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", d.Priority, cyan.Sprint(d.Name), d.Capabilities, state)
	}
	tw.Flush()
}

func printBuses(w io.Writer, buses []spibus.BusInfo) {
	if len(buses) == 0 {
		yellow.Fprintln(w, "no clocked buses in use")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLOCK\tTYPE\tSPEED\tCONTROLLER\tDEVICES\tSTATUS")
	for _, b := range buses {
		status := green.Sprint("ok")
		switch {
		case !b.Initialized:
			status = yellow.Sprint("idle")
		case b.Err != "":
			status = yellow.Sprint(b.Err)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d/%d\t%s\n",
			b.ClockPin, cyan.Sprint(b.Type), b.Speed, b.Controller, b.Enabled(), b.Allocated(), status)
	}
	tw.Flush()
	for _, b := range buses {
		for _, d := range b.Devices {
			if !d.Allocated {
				continue
			}
			lane := fmt.Sprintf("lane %d", d.Lane)
			if !d.Enabled {
				lane = red.Sprint("disabled")
			}
			fmt.Fprintf(w, "  clock %d  data %d  %s  %s\n", b.ClockPin, d.DataPin, d.Speed, lane)
		}
	}
}
