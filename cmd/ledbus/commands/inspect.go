package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/FastLED/FastLED-sub016/internal/app"
)

func newDriversCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "drivers",
		Short: "List the configured engines in priority order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			sys, err := app.Build(cfg, app.Options{})
			if err != nil {
				return err
			}
			defer sys.Close()
			printDrivers(cmd.OutOrStdout(), sys.Router.DriverInfos())
			return nil
		},
	}
}

func newBusesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "buses",
		Short: "Show one frame's bus promotion for the configured strips",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			sys, err := app.Build(cfg, app.Options{})
			if err != nil {
				return err
			}
			defer sys.Close()
			_ = sys.Driver.Frame()
			sys.Router.WaitIdle(time.Second)
			printBuses(cmd.OutOrStdout(), sys.Buses.Buses())
			return nil
		},
	}
}
