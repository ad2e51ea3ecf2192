package daemon

import (
	"github.com/go-logr/logr"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/asnowfix/myfitbark/hlog"
	"github.com/asnowfix/myfitbark/myfitbark/options"
)

func init() {
	Cmd.AddCommand(runCmd)
	Cmd.AddCommand(installCmd)
	Cmd.AddCommand(uninstallCmd)
}

var Cmd = &cobra.Command{
	Use:   "daemon",
	Short: "MyFitBark Daemon",
	Long:  "MyFitBark Daemon: polls the linked dogs, refreshes goals and peer statistics daily and serves the authorization callback",
	Args:  cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		hlog.InitForDaemon(options.Flags.Verbose, options.Flags.Debug)
		cmd.SetContext(logr.NewContext(cmd.Context(), hlog.Logger))
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run MyFitBark in the foreground, or as the installed service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if service.Interactive() {
			// Signals are handled by the command line context
			return NewDaemon(cmd.Context()).Run()
		}
		s, _, err := load(cmd.Context())
		if err != nil {
			return err
		}
		return s.Run()
	},
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install MyFitBark as a " + service.Platform() + " service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, l, err := load(cmd.Context())
		if err != nil {
			return err
		}
		l.Info("Installing service")
		return s.Install()
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall MyFitBark as a " + service.Platform() + " service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, l, err := load(cmd.Context())
		if err != nil {
			return err
		}
		l.Info("Uninstalling service")
		return s.Uninstall()
	},
}
