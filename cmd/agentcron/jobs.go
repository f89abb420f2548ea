package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"agentcron/internal/app"
	"agentcron/internal/task/engine"
	"agentcron/internal/task/job"
	"agentcron/internal/task/schedule"
	"agentcron/internal/task/scheduler"
)

const closeTimeout = 10 * time.Second

func newJobsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and edit the job store",
		Long: `Inspect and edit the job store named by the config file.

These commands open the store directly. Stop the daemon first: a running
daemon keeps its own copy of the store and overwrites edits on its next save.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		newJobsListCmd(opts),
		newJobsShowCmd(opts),
		newJobsAddCmd(opts),
		newJobsEditCmd(opts),
		newJobsRemoveCmd(opts),
		newJobsEnableCmd(opts, true),
		newJobsEnableCmd(opts, false),
		newJobsRunCmd(opts),
	)
	return cmd
}

// withEngine opens the store offline, runs fn and saves on the way out.
func withEngine(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, eng *engine.Service) error) error {
	ctx := cmd.Context()
	off, err := app.OpenOffline(ctx, opts.configPath, opts.cliLogger())
	if err != nil {
		return err
	}
	runErr := fn(ctx, off.Engine)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	return errors.Join(runErr, off.Close(closeCtx))
}

func loadDisplayLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid --tz %q: %w", tz, err)
	}
	return loc, nil
}

func newJobsListCmd(opts *rootOptions) *cobra.Command {
	var tz string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List jobs with their next fire",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loc, err := loadDisplayLocation(tz)
			if err != nil {
				return err
			}
			return withEngine(cmd, opts, func(_ context.Context, eng *engine.Service) error {
				return printJobTable(cmd.OutOrStdout(), eng.Jobs(), time.Now(), loc)
			})
		},
	}
	cmd.Flags().StringVar(&tz, "tz", "", "render times in this IANA timezone (default local)")
	return cmd
}

func printJobTable(w io.Writer, jobs []job.Job, now time.Time, loc *time.Location) error {
	if len(jobs) == 0 {
		_, err := fmt.Fprintln(w, "no jobs")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tENABLED\tSCHEDULE\tLAST\tNEXT")
	for _, j := range jobs {
		last := "-"
		if j.State.LastRunAt != nil {
			last = fmt.Sprintf("%s (%s)", j.State.LastStatus, humanize.Time(*j.State.LastRunAt))
		}
		next := "-"
		if j.Enabled {
			if runs := scheduler.NextRuns(j, now, 1, loc); len(runs) > 0 {
				next = fmt.Sprintf("%s (%s)", runs[0].Format(time.DateTime), humanize.RelTime(runs[0], now, "ago", "from now"))
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n", j.ID, j.Name, j.Enabled, j.Schedule.String(), last, next)
	}
	return tw.Flush()
}

func newJobsShowCmd(opts *rootOptions) *cobra.Command {
	var (
		tz     string
		count  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one job and its upcoming fires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := loadDisplayLocation(tz)
			if err != nil {
				return err
			}
			return withEngine(cmd, opts, func(_ context.Context, eng *engine.Service) error {
				j, ok := eng.Job(args[0])
				if !ok {
					return fmt.Errorf("%w: %s", job.ErrNotFound, args[0])
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(j)
				}
				return printJob(cmd.OutOrStdout(), j, time.Now(), count, loc)
			})
		},
	}
	cmd.Flags().StringVar(&tz, "tz", "", "render times in this IANA timezone (default local)")
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of upcoming fires to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the stored record as JSON")
	return cmd
}

func printJob(w io.Writer, j job.Job, now time.Time, count int, loc *time.Location) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id:\t%s\n", j.ID)
	fmt.Fprintf(tw, "name:\t%s\n", j.Name)
	fmt.Fprintf(tw, "enabled:\t%t\n", j.Enabled)
	fmt.Fprintf(tw, "schedule:\t%s\n", j.Schedule.String())
	fmt.Fprintf(tw, "payload:\t%s\n", j.Payload.Kind())
	if j.Payload.Known() {
		fmt.Fprintf(tw, "message:\t%s\n", j.Payload.Message)
		fmt.Fprintf(tw, "deliver:\t%t\n", j.Payload.Deliver)
	}
	fmt.Fprintf(tw, "delete after run:\t%t\n", j.DeleteAfterRun)
	fmt.Fprintf(tw, "created:\t%s\n", j.CreatedAt.In(loc).Format(time.RFC3339))
	fmt.Fprintf(tw, "runs:\t%s\n", humanize.Comma(int64(j.State.RunCount)))
	if j.State.LastRunAt != nil {
		fmt.Fprintf(tw, "last run:\t%s (%s)\n", j.State.LastRunAt.In(loc).Format(time.RFC3339), j.State.LastStatus)
	}
	if j.State.LastError != "" {
		fmt.Fprintf(tw, "last error:\t%s\n", j.State.LastError)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	runs := scheduler.NextRuns(j, now, count, loc)
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "no upcoming fires")
		return err
	}
	fmt.Fprintln(w, "upcoming:")
	for _, t := range runs {
		fmt.Fprintf(w, "  %s  %s\n", t.Format(time.RFC3339), humanize.RelTime(t, now, "ago", "from now"))
	}
	return nil
}

type jobFlags struct {
	id             string
	name           string
	schedule       string
	tz             string
	message        string
	deliver        bool
	channel        string
	to             string
	disabled       bool
	deleteAfterRun bool
}

func newJobsAddCmd(opts *rootOptions) *cobra.Command {
	f := &jobFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a job",
		Long: `Add a job to the store.

Schedules accept a cron expression ("0 9 * * 1-5", "@hourly"), an interval
("55m", "02:30") or an RFC 3339 instant for a one-shot job. Prefix with
"cron:", "every:" or "at:" to force the kind.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sched, err := schedule.Parse(f.schedule, f.tz)
			if err != nil {
				return err
			}
			id := strings.TrimSpace(f.id)
			if id == "" {
				id = uuid.NewString()
			}
			j := job.New(id, f.name)
			j.Enabled = !f.disabled
			j.Schedule = sched
			j.Payload = job.AgentTurn(f.message, f.deliver)
			j.Payload.Channel = f.channel
			j.Payload.To = f.to
			j.DeleteAfterRun = f.deleteAfterRun
			if err := j.Validate(); err != nil {
				return err
			}

			return withEngine(cmd, opts, func(ctx context.Context, eng *engine.Service) error {
				added, err := eng.AddJob(ctx, j)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", added.ID, added.Schedule.String())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.id, "id", "", "job id (default: random UUID)")
	cmd.Flags().StringVar(&f.name, "name", "", "job name")
	cmd.Flags().StringVarP(&f.schedule, "schedule", "s", "", "schedule (cron, interval or RFC 3339 instant)")
	cmd.Flags().StringVar(&f.tz, "tz", "", "IANA timezone for cron schedules (default UTC)")
	cmd.Flags().StringVarP(&f.message, "message", "m", "", "message for the agent turn")
	cmd.Flags().BoolVar(&f.deliver, "deliver", false, "deliver the agent reply through the notifier")
	cmd.Flags().StringVar(&f.channel, "channel", "", "delivery channel hint")
	cmd.Flags().StringVar(&f.to, "to", "", "delivery recipient hint")
	cmd.Flags().BoolVar(&f.disabled, "disabled", false, "add the job disabled")
	cmd.Flags().BoolVar(&f.deleteAfterRun, "delete-after-run", false, "remove the job after its first successful fire")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("schedule")
	return cmd
}

func newJobsEditCmd(opts *rootOptions) *cobra.Command {
	f := &jobFlags{}
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change fields of a job",
		Long: `Change fields of a job. Only the flags given are applied.

Changing the schedule keeps the run history; the next fire is computed from
the last run (or creation time when the job never ran).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			var sched schedule.Schedule
			if flags.Changed("schedule") {
				s, err := schedule.Parse(f.schedule, f.tz)
				if err != nil {
					return err
				}
				sched = s
			}

			return withEngine(cmd, opts, func(ctx context.Context, eng *engine.Service) error {
				updated, err := eng.UpdateJob(ctx, args[0], func(j *job.Job) error {
					if flags.Changed("name") {
						if strings.TrimSpace(f.name) == "" {
							return fmt.Errorf("%w: name required", job.ErrInvalidJob)
						}
						j.Name = strings.TrimSpace(f.name)
					}
					if flags.Changed("schedule") {
						j.Schedule = sched
					}
					if flags.Changed("message") || flags.Changed("deliver") || flags.Changed("channel") || flags.Changed("to") {
						if !j.Payload.Known() {
							return fmt.Errorf("payload kind %q cannot be edited", j.Payload.Kind())
						}
						if flags.Changed("message") {
							j.Payload.Message = f.message
						}
						if flags.Changed("deliver") {
							j.Payload.Deliver = f.deliver
						}
						if flags.Changed("channel") {
							j.Payload.Channel = f.channel
						}
						if flags.Changed("to") {
							j.Payload.To = f.to
						}
					}
					if flags.Changed("delete-after-run") {
						j.DeleteAfterRun = f.deleteAfterRun
					}
					return nil
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "updated %s (%s)\n", updated.ID, updated.Schedule.String())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.name, "name", "", "job name")
	cmd.Flags().StringVarP(&f.schedule, "schedule", "s", "", "schedule (cron, interval or RFC 3339 instant)")
	cmd.Flags().StringVar(&f.tz, "tz", "", "IANA timezone for cron schedules (default UTC)")
	cmd.Flags().StringVarP(&f.message, "message", "m", "", "message for the agent turn")
	cmd.Flags().BoolVar(&f.deliver, "deliver", false, "deliver the agent reply through the notifier")
	cmd.Flags().StringVar(&f.channel, "channel", "", "delivery channel hint")
	cmd.Flags().StringVar(&f.to, "to", "", "delivery recipient hint")
	cmd.Flags().BoolVar(&f.deleteAfterRun, "delete-after-run", false, "remove the job after its first successful fire")
	return cmd
}

func newJobsRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>...",
		Aliases: []string{"remove"},
		Short:   "Remove jobs",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, eng *engine.Service) error {
				var errs []error
				for _, id := range args {
					removed, err := eng.RemoveJob(ctx, id)
					switch {
					case err != nil:
						errs = append(errs, err)
					case removed:
						fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", id)
					default:
						fmt.Fprintf(cmd.OutOrStdout(), "%s not found\n", id)
					}
				}
				return errors.Join(errs...)
			})
		},
	}
}

func newJobsEnableCmd(opts *rootOptions, enabled bool) *cobra.Command {
	use, short := "enable <id>", "Enable a job"
	if !enabled {
		use, short = "disable <id>", "Disable a job"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, eng *engine.Service) error {
				j, err := eng.EnableJob(ctx, args[0], enabled)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s enabled=%t\n", j.ID, j.Enabled)
				return nil
			})
		},
	}
}

func newJobsRunCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Fire a job now and print the outcome",
		Long: `Fire a job now through the configured agent and wait for the outcome.

The run counts like a scheduled fire: it updates the job state and a
successful one-shot job with delete-after-run is removed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(ctx context.Context, eng *engine.Service) error {
				out, err := eng.RunNow(ctx, args[0], force)
				if errors.Is(err, engine.ErrJobDisabled) {
					return fmt.Errorf("%s is disabled (use --force)", args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", out.Status, out.Detail)
				if out.Status == job.StatusFailure {
					return fmt.Errorf("job %s failed", args[0])
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "run even when the job is disabled")
	return cmd
}
