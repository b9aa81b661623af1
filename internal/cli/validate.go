package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func NewValidateCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and print the resolved schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			fireAt, err := cfg.FireInstant(time.Now())
			if err != nil {
				return fail("config", err)
			}
			p := cfg.Policy(fireAt)

			out := cmd.OutOrStdout()
			if fireAt.IsZero() {
				fmt.Fprintln(out, "fire at:   immediately")
			} else {
				fmt.Fprintf(out, "fire at:   %s\n", fireAt.Format(time.RFC3339Nano))
				fmt.Fprintf(out, "start at:  %s (lead %s)\n", p.StartAt().Format(time.RFC3339Nano), p.LeadTime)
			}
			fmt.Fprintf(out, "goal:      %s\n", p.Goal)
			fmt.Fprintf(out, "batch:     %d attempts, %s apart\n", p.MaxConcurrent, p.InterBatchDelay)
			fmt.Fprintf(out, "endpoint:  %s %s\n", cfg.Request.Method, cfg.RequestURL())
			if p.MaxAttempts > 0 {
				fmt.Fprintf(out, "budget:    %d attempts\n", p.MaxAttempts)
			}
			if p.MaxDuration > 0 {
				fmt.Fprintf(out, "budget:    %s\n", p.MaxDuration)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tLABEL")
			for _, it := range cfg.Items() {
				fmt.Fprintf(tw, "%s\t%s\n", it.ID, it.Label)
			}
			return tw.Flush()
		},
	}
}
