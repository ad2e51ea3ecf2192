package ctl

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/asnowfix/myfitbark/internal/myfitbark"
	"github.com/asnowfix/myfitbark/myfitbark/options"
	"github.com/asnowfix/myfitbark/pkg/fitbark"
)

type entityView struct {
	Entity   myfitbark.LinkedEntity `json:"entity" yaml:"entity"`
	Snapshot myfitbark.Snapshot     `json:"snapshot" yaml:"snapshot"`
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Register the dogs linked to the FitBark account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := TheApp.Discovery.Discover(cmd.Context())
		if perr := options.PrintResult(state); perr != nil {
			return perr
		}
		return err
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the registered dogs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		all, err := TheApp.Devices.List(ctx)
		if err != nil {
			return err
		}
		views := make([]entityView, 0, len(all))
		for _, e := range all {
			snap, err := TheApp.Devices.Snapshot(ctx, e.ExternalId)
			if err != nil {
				return err
			}
			views = append(views, entityView{Entity: e, Snapshot: snap})
		}
		return options.PrintResult(views)
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one registered dog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := TheApp.Devices.Get(ctx, args[0])
		if err != nil {
			return err
		}
		snap, err := TheApp.Devices.Snapshot(ctx, e.ExternalId)
		if err != nil {
			return err
		}
		return options.PrintResult(entityView{Entity: *e, Snapshot: snap})
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh [<id>]",
	Short: "Fetch profile, goals and peer statistics now, for one or every dog",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if len(args) == 0 {
			return TheApp.Sync.SyncAll(ctx)
		}
		return TheApp.Sync.SyncEntity(ctx, args[0])
	},
}

var goalCmd = &cobra.Command{
	Use:   "goal <id> <value> <YYYY-MM-DD>",
	Short: "Schedule a new daily goal, starting at a future date",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		goal, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("%w: goal %q is not a number", myfitbark.ErrUserInput, args[1])
		}
		date, err := time.ParseInLocation(fitbark.DateLayout, args[2], time.Local)
		if err != nil {
			return fmt.Errorf("%w: date %q is not YYYY-MM-DD", myfitbark.ErrUserInput, args[2])
		}
		ctx := cmd.Context()
		if err := TheApp.Sync.SetDailyGoal(ctx, args[0], goal, date); err != nil {
			return err
		}
		snap, err := TheApp.Devices.Snapshot(ctx, args[0])
		if err != nil {
			return err
		}
		return options.PrintResult(snap.ScheduledGoalChanges)
	},
}

var deleteAllCmd = &cobra.Command{
	Use:   "delete-all",
	Short: "Unregister every dog, keeping the authorization",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := TheApp.Devices.DeleteAll(cmd.Context())
		if err != nil {
			return err
		}
		return options.PrintResult(map[string]int{"removed": n})
	},
}
