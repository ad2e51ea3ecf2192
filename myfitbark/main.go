package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/asnowfix/myfitbark/hlog"
	"github.com/asnowfix/myfitbark/internal/debug"
	"github.com/asnowfix/myfitbark/internal/global"
	"github.com/asnowfix/myfitbark/myfitbark/ctl"
	"github.com/asnowfix/myfitbark/myfitbark/daemon"
	"github.com/asnowfix/myfitbark/myfitbark/options"
)

var Cmd = &cobra.Command{
	Use:          "myfitbark",
	Short:        "Mirror FitBark dogs activity into the home automation hub",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		hlog.Init(options.Flags.Verbose, options.Flags.Debug, options.Flags.Quiet)
		log := hlog.Logger

		if debug.IsDebuggerAttached() {
			log.Info("Running under debugger (will wait forever)")
			options.Flags.Wait = 0
		}

		if err := options.ReadConfig(options.ViperConfig, options.Flags.Config); err != nil {
			log.Error(err, "Failed to read configuration")
			return err
		}
		if used := options.ViperConfig.ConfigFileUsed(); used != "" {
			log.Info("Using configuration", "file", used)
		}

		ctx := logr.NewContext(cmd.Context(), log)
		ctx = options.CommandLineContext(ctx, getVersion())
		cmd.SetContext(ctx)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if cancel, ok := ctx.Value(global.CancelKey).(context.CancelFunc); ok {
			cancel()
		}
		return nil
	},
}

func init() {
	flags := Cmd.PersistentFlags()
	flags.StringVarP(&options.Flags.Config, "config", "c", "", "configuration `file` (default is myfitbark.yaml in ., $HOME/.config/myfitbark or /etc/myfitbark)")
	flags.BoolVarP(&options.Flags.Verbose, "verbose", "v", false, "verbose output (info level, mutually exclusive with --debug and --quiet)")
	flags.BoolVarP(&options.Flags.Debug, "debug", "d", false, "debug output (debug level, shows V(1) logs, mutually exclusive with --verbose and --quiet)")
	flags.BoolVarP(&options.Flags.Quiet, "quiet", "q", false, "quiet output (error level only, mutually exclusive with --verbose and --debug)")
	flags.BoolVarP(&options.Flags.Json, "json", "j", false, "output in json format")
	flags.DurationVarP(&options.Flags.Wait, "wait", "w", options.COMMAND_DEFAULT_TIMEOUT, "Maximum time to wait for command to finish (0 = wait indefinitely)")
	flags.DurationVarP(&options.Flags.MqttTimeout, "mqtt-timeout", "T", options.MQTT_DEFAULT_TIMEOUT, "Timeout for connecting the MQTT broker")
	flags.String("db", "", "SQLite database `file` (default myfitbark.db)")
	flags.StringP("mqtt-broker", "B", "", "MQTT broker URL to publish attribute events to (default is not to publish)")
	flags.Int("port", options.DefaultHttpPort, "HTTP port of the authorization callback server")

	Cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	if err := options.BindFlags(options.ViperConfig, flags, map[string]string{
		"db":          options.KeyStoragePath,
		"mqtt-broker": options.KeyMqttBroker,
		"port":        options.KeyHttpPort,
	}); err != nil {
		panic(err)
	}

	Cmd.AddCommand(ctl.Cmd)
	Cmd.AddCommand(daemon.Cmd)
}

func main() {
	cobra.EnableTraverseRunHooks = true
	err := Cmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
