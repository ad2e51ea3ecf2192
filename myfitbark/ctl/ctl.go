// Package ctl holds the host commands: authorization, discovery, synchronization and the
// entity registry.
package ctl

import (
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/asnowfix/myfitbark/myfitbark/app"
	"github.com/asnowfix/myfitbark/myfitbark/options"
)

// TheApp is opened before any ctl command runs and closed after it.
var TheApp *app.App

var Cmd = &cobra.Command{
	Use:   "ctl",
	Short: "Manage the FitBark account and the linked dogs",
	Args:  cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := logr.FromContextOrDiscard(ctx).WithName("ctl")

		cfg, err := options.Load(options.ViperConfig)
		if err != nil {
			return err
		}
		TheApp, err = app.New(ctx, log, cfg, options.Flags.MqttTimeout)
		if err != nil {
			log.Error(err, "Failed to initialize")
			return err
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if TheApp != nil {
			TheApp.Close()
			TheApp = nil
		}
		return nil
	},
}

func init() {
	Cmd.AddCommand(authCmd)
	Cmd.AddCommand(signoutCmd)
	Cmd.AddCommand(discoverCmd)
	Cmd.AddCommand(listCmd)
	Cmd.AddCommand(showCmd)
	Cmd.AddCommand(refreshCmd)
	Cmd.AddCommand(goalCmd)
	Cmd.AddCommand(deleteAllCmd)
}
