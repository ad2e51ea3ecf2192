package ctl

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asnowfix/myfitbark/myfitbark/options"
	"github.com/asnowfix/myfitbark/pkg/fitbark"
)

func init() {
	authCmd.AddCommand(authCredentialsCmd)
	authCmd.AddCommand(authResetCmd)
	authCmd.AddCommand(authValidateRedirectCmd)
	authCmd.AddCommand(authUrlCmd)
	authCmd.AddCommand(authRefreshCmd)
	authCmd.AddCommand(authStatusCmd)
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authorize the hub against the FitBark account",
	Args:  cobra.NoArgs,
}

var authCredentialsCmd = &cobra.Command{
	Use:   "credentials <client-id> <client-secret>",
	Short: "Set the FitBark developer application credentials",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := TheApp.Flow.SetCredentials(ctx, fitbark.Credentials{ClientId: args[0], ClientSecret: args[1]}); err != nil {
			return err
		}
		return printStatus(cmd)
	},
}

var authResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget the application credentials and every token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := TheApp.Flow.ResetCredentials(cmd.Context()); err != nil {
			return err
		}
		return printStatus(cmd)
	},
}

var authValidateRedirectCmd = &cobra.Command{
	Use:   "validate-redirect",
	Short: "Make sure the hub callback URL is registered with the FitBark application",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := TheApp.Flow.ValidateRedirectConfiguration(cmd.Context()); err != nil {
			return err
		}
		return printStatus(cmd)
	},
}

var authUrlCmd = &cobra.Command{
	Use:   "url",
	Short: "Print the URL to open in a browser to authorize the hub",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := TheApp.Flow.AuthorizeURL(cmd.Context())
		if err != nil {
			return err
		}
		if options.Flags.Json {
			return options.PrintResult(map[string]string{"url": u})
		}
		fmt.Println(u)
		return nil
	},
}

var authRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Renew the access token using the refresh token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := TheApp.Flow.Refresh(cmd.Context()); err != nil {
			return err
		}
		return printStatus(cmd)
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the authorization state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printStatus(cmd)
	},
}

var signoutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Drop the user token and every registered dog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := TheApp.Flow.SignOut(cmd.Context())
		if err != nil {
			return err
		}
		return options.PrintResult(map[string]int{"removed": n})
	},
}

func printStatus(cmd *cobra.Command) error {
	st, err := TheApp.Flow.Status(cmd.Context())
	if err != nil {
		return err
	}
	return options.PrintResult(st)
}
