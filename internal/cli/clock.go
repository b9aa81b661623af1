package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewClockCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clock",
		Short: "Query the configured time source once and print the offset",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			closer, err := setupLogging(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closer.Close()

			off, err := newSynchronizer(cfg.Clock, nil).Sync(cmd.Context())
			if err != nil {
				return fail("clock", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "server:  %s\n", cfg.Clock.Server)
			fmt.Fprintf(out, "offset:  %s\n", off.Value)
			fmt.Fprintf(out, "rtt:     %s\n", off.RTT)
			fmt.Fprintf(out, "queried: %s\n", off.At.Format("2006-01-02 15:04:05.000 MST"))
			return nil
		},
	}
}
