package dwdcheck

import (
	"fmt"
	"strings"

	"github.com/dwdcheck/dwdcheck/internal/scopes"
	"github.com/dwdcheck/dwdcheck/internal/services/admin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newAdminCommand(cfg *Config, log logrus.FieldLogger) *cobra.Command {
	var (
		keyFile     string
		impersonate string
		elevate     string
		create      string
		givenName   string
		familyName  string
	)

	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage directory users as an impersonated admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ops := make([]scopes.Operation, 0)
			if elevate != "" {
				ops = append(ops, scopes.AdminElevate)
			}
			if create != "" {
				ops = append(ops, scopes.AdminCreate)
			}
			if len(ops) == 0 {
				return fmt.Errorf("nothing to do, use --elevate or --create")
			}

			token, err := mintToken(ctx, cfg, log, keyFile, impersonate, ops)
			if err != nil {
				return err
			}

			client, err := admin.New(ctx, token, log)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if elevate != "" {
				if err := client.Elevate(ctx, elevate); err != nil {
					return err
				}
				fmt.Fprintf(out, "elevated %s to super admin\n", elevate)
			}

			if create != "" {
				if givenName == "" {
					givenName = strings.Split(create, "@")[0]
				}
				if familyName == "" {
					familyName = "User"
				}

				password, err := client.CreateAdmin(ctx, create, givenName, familyName)
				if err != nil {
					return err
				}

				fmt.Fprintf(out, "created super admin %s\n", create)
				fmt.Fprintf(out, "password (shown once): %s\n", password)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&keyFile, "key-file", "", "service account key file to sign with")
	cmd.Flags().StringVar(&impersonate, "impersonate", "", "admin user to impersonate")
	cmd.Flags().StringVar(&elevate, "elevate", "", "existing user to promote to super admin")
	cmd.Flags().StringVar(&create, "create", "", "address of a new super admin user to create")
	cmd.Flags().StringVar(&givenName, "given-name", "", "given name for the new user")
	cmd.Flags().StringVar(&familyName, "family-name", "", "family name for the new user")

	return cmd
}
