package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"choreline/internal/app"
	"choreline/internal/domain"
	"choreline/internal/engine"
	"choreline/internal/repo"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage chores",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskCriteriaCmd())
	task.AddCommand(taskRemoveAssigneeCmd())
	task.AddCommand(taskHistoryCmd())
	return task
}

// scheduleFlags are shared by create and update.
type scheduleFlags struct {
	name             string
	assignees        []string
	mode             string
	overdue          string
	reset            string
	pending          string
	autoApprove      bool
	frequency        string
	interval         int
	unit             string
	days             []string
	due              string
	claimRestriction bool
	windowOffset     time.Duration
}

func (f *scheduleFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "chore name")
	cmd.Flags().StringSliceVarP(&f.assignees, "assignee", "a", nil, "assignee id (repeatable, order sets the rotation)")
	cmd.Flags().StringVar(&f.mode, "mode", "", "completion mode")
	cmd.Flags().StringVar(&f.overdue, "overdue", "", "overdue policy")
	cmd.Flags().StringVar(&f.reset, "reset", "", "approval reset type")
	cmd.Flags().StringVar(&f.pending, "pending", "", "pending claim action at reset (hold, clear, auto_approve)")
	cmd.Flags().BoolVar(&f.autoApprove, "auto-approve", false, "approve claims immediately")
	cmd.Flags().StringVar(&f.frequency, "frequency", "", "none, daily, weekly, biweekly, monthly or custom")
	cmd.Flags().IntVar(&f.interval, "interval", 0, "custom interval")
	cmd.Flags().StringVar(&f.unit, "unit", "", "custom interval unit (hours, days, weeks, months)")
	cmd.Flags().StringSliceVar(&f.days, "days", nil, "applicable weekdays, e.g. mon,wed,fri")
	cmd.Flags().StringVar(&f.due, "due", "", "due date (RFC3339 or 2006-01-02 15:04)")
	cmd.Flags().BoolVar(&f.claimRestriction, "claim-restriction", false, "only allow claims inside the due window")
	cmd.Flags().DurationVar(&f.windowOffset, "window-offset", 0, "length of the due window before the due date")
}

func (f *scheduleFlags) recurrence() (domain.Recurrence, error) {
	days, err := parseWeekdays(f.days)
	if err != nil {
		return domain.Recurrence{}, err
	}
	return domain.Recurrence{
		Frequency:      domain.Frequency(f.frequency),
		Interval:       f.interval,
		Unit:           domain.IntervalUnit(f.unit),
		ApplicableDays: days,
	}, nil
}

func taskCreateCmd() *cobra.Command {
	var (
		f  scheduleFlags
		id string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a chore",
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := f.recurrence()
			if err != nil {
				return err
			}
			due, err := parseDue(f.due)
			if err != nil {
				return err
			}
			opts := engine.TaskCreateOptions{
				ID:               id,
				Name:             f.name,
				Assignees:        f.assignees,
				CompletionMode:   domain.CompletionMode(f.mode),
				OverduePolicy:    domain.OverduePolicy(f.overdue),
				ApprovalReset:    domain.ApprovalReset(f.reset),
				PendingClaims:    domain.PendingClaimAction(f.pending),
				AutoApprove:      f.autoApprove,
				Recurrence:       rec,
				DueDate:          due,
				ClaimRestriction: f.claimRestriction,
				WindowOffset:     f.windowOffset,
				ActorID:          actor(),
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("created %s (%s)\n", t.ID, t.CompletionMode)
				return nil
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&id, "id", "", "chore id (default generated)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("assignee")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List chores",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				renderTasks(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&f.Mode, "mode", "", "completion mode filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a chore and every assignee's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, slots, err := a.Engine.Overview(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task": t, "slots": slots})
				}
				renderOverview(t, slots)
				return nil
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var (
		f        scheduleFlags
		clearDue bool
	)
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Edit a chore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TaskUpdateOptions{ActorID: actor(), ClearDueDate: clearDue}
			changed := cmd.Flags().Changed
			if changed("name") {
				opts.Name = &f.name
			}
			if changed("assignee") {
				opts.Assignees = f.assignees
			}
			if changed("mode") {
				m := domain.CompletionMode(f.mode)
				opts.CompletionMode = &m
			}
			if changed("overdue") {
				p := domain.OverduePolicy(f.overdue)
				opts.OverduePolicy = &p
			}
			if changed("reset") {
				r := domain.ApprovalReset(f.reset)
				opts.ApprovalReset = &r
			}
			if changed("pending") {
				p := domain.PendingClaimAction(f.pending)
				opts.PendingClaims = &p
			}
			if changed("auto-approve") {
				opts.AutoApprove = &f.autoApprove
			}
			if changed("frequency") || changed("interval") || changed("unit") || changed("days") {
				rec, err := f.recurrence()
				if err != nil {
					return err
				}
				opts.Recurrence = &rec
			}
			if changed("due") {
				due, err := parseDue(f.due)
				if err != nil {
					return err
				}
				opts.DueDate = due
			}
			if changed("claim-restriction") {
				opts.ClaimRestriction = &f.claimRestriction
			}
			if changed("window-offset") {
				opts.WindowOffset = &f.windowOffset
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.UpdateTask(ctx, args[0], opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("updated %s\n", t.ID)
				return nil
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().BoolVar(&clearDue, "clear-due", false, "remove the due date")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a chore with its records and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteTask(ctx, args[0], actor()); err != nil {
					return err
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func taskCriteriaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "criteria <task-id> <mode>",
		Short: "Switch a chore's completion mode",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.ApplyCriteriaTransition(ctx, args[0], domain.CompletionMode(args[1]), actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("%s now %s, turn: %s\n", t.ID, t.CompletionMode, holderLabel(t))
				return nil
			})
		},
	}
}

func taskRemoveAssigneeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-assignee <task-id> <assignee>",
		Short: "Remove an assignee and their record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.RemoveAssignee(ctx, args[0], args[1], actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("%s assignees: %s\n", t.ID, strings.Join(t.Assignees, ", "))
				return nil
			})
		},
	}
}

func taskHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <task-id>",
		Short: "Show completions and misses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListHistory(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderHistory(items)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseWeekdays(in []string) ([]time.Weekday, error) {
	var out []time.Weekday
	for _, raw := range in {
		key := strings.ToLower(strings.TrimSpace(raw))
		if len(key) > 3 {
			key = key[:3]
		}
		d, ok := weekdays[key]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", raw)
		}
		out = append(out, d)
	}
	return out, nil
}

func parseDue(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, v, time.Local); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid due date %q", v)
}
