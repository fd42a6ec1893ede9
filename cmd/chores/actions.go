package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"choreline/internal/app"
	"choreline/internal/domain"
	"choreline/internal/engine"
)

func stateCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "state <task-id>",
		Short: "Resolve the current state of a chore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if assignee == "" {
					t, slots, err := a.Engine.Overview(ctx, args[0])
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(slots)
					}
					renderOverview(t, slots)
					return nil
				}
				res, err := a.Engine.ResolveState(ctx, args[0], assignee)
				if err != nil {
					return err
				}
				claim, err := a.Engine.CanClaim(ctx, args[0], assignee)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"state": res.State, "lock_reason": res.LockReason, "claim": claim})
				}
				fmt.Printf("%s %s\n", assignee, badge(res.State))
				if res.LockReason != "" {
					fmt.Printf("locked: %s\n", res.LockReason)
				}
				if !claim.Allowed {
					fmt.Printf("cannot claim: %s\n", claim.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&assignee, "assignee", "a", "", "resolve one assignee")
	return cmd
}

type slotAction func(e engine.Engine) func(ctx context.Context, taskID, assigneeID, actorID string) (domain.Snapshot, error)

func slotCmd(use, short, verb string, pick slotAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id> <assignee>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap, err := pick(a.Engine)(ctx, args[0], args[1], actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task": snap.Task, "slots": a.Engine.Views(snap)})
				}
				fmt.Printf("%s %s\n", args[1], verb)
				renderOverview(snap.Task, a.Engine.Views(snap))
				return nil
			})
		},
	}
}

func claimCmd() *cobra.Command {
	return slotCmd("claim", "Mark a chore done, pending approval", "claimed", func(e engine.Engine) func(context.Context, string, string, string) (domain.Snapshot, error) {
		return e.Claim
	})
}

func approveCmd() *cobra.Command {
	return slotCmd("approve", "Approve a pending claim", "approved", func(e engine.Engine) func(context.Context, string, string, string) (domain.Snapshot, error) {
		return e.Approve
	})
}

func disapproveCmd() *cobra.Command {
	return slotCmd("disapprove", "Reject a pending claim", "disapproved", func(e engine.Engine) func(context.Context, string, string, string) (domain.Snapshot, error) {
		return e.Disapprove
	})
}

func rotationCmd() *cobra.Command {
	rot := &cobra.Command{
		Use:   "rotation",
		Short: "Manage the turn of rotation chores",
	}
	rot.AddCommand(&cobra.Command{
		Use:   "turn <task-id> <assignee>",
		Short: "Hand the turn to an assignee",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rotationRun(cmd, func(ctx context.Context, e engine.Engine) (domain.Task, error) {
				return e.SetTurn(ctx, args[0], args[1], actor())
			})
		},
	})
	rot.AddCommand(&cobra.Command{
		Use:   "reset <task-id>",
		Short: "Return the turn to the first assignee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rotationRun(cmd, func(ctx context.Context, e engine.Engine) (domain.Task, error) {
				return e.ResetRotation(ctx, args[0], actor())
			})
		},
	})
	rot.AddCommand(&cobra.Command{
		Use:   "open-cycle <task-id>",
		Short: "Let every assignee act until the next approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rotationRun(cmd, func(ctx context.Context, e engine.Engine) (domain.Task, error) {
				return e.OpenCycle(ctx, args[0], actor())
			})
		},
	})
	return rot
}

func rotationRun(cmd *cobra.Command, fn func(context.Context, engine.Engine) (domain.Task, error)) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		t, err := fn(ctx, a.Engine)
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(t)
		}
		fmt.Printf("%s turn: %s\n", t.ID, holderLabel(t))
		return nil
	})
}
