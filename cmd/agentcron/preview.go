package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"agentcron/internal/task/schedule"
)

func newPreviewCmd() *cobra.Command {
	var (
		tz    string
		count int
		from  string
	)
	cmd := &cobra.Command{
		Use:   "preview <schedule>",
		Short: "Show the next fire instants of a schedule",
		Long: `Parse a schedule the way "jobs add" does and print its next fires.

An interval without an anchor is anchored at --from.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, err := schedule.Parse(args[0], tz)
			if err != nil {
				return err
			}
			now := time.Now()
			ref := now
			if from != "" {
				ref, err = time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
			}
			if sched.Kind() == schedule.KindEvery && sched.Anchor == nil {
				sched = sched.WithAnchor(ref)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s\n", sched.String())
			runs := sched.Preview(ref, count)
			if len(runs) == 0 {
				fmt.Fprintln(w, "no upcoming fires")
				return nil
			}
			for _, t := range runs {
				fmt.Fprintf(w, "  %s  %s\n", t.Format(time.RFC3339), humanize.RelTime(t, now, "ago", "from now"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone for cron schedules (default UTC)")
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of fires to list")
	cmd.Flags().StringVar(&from, "from", "", "reference instant, RFC 3339 (default now)")
	return cmd
}
