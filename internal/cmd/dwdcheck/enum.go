package dwdcheck

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dwdcheck/dwdcheck/internal/credentials"
	"github.com/dwdcheck/dwdcheck/internal/delegation"
	"github.com/dwdcheck/dwdcheck/internal/enumerate"
	"github.com/dwdcheck/dwdcheck/internal/iamscan"
	"github.com/dwdcheck/dwdcheck/internal/keymint"
	"github.com/dwdcheck/dwdcheck/internal/metrics"
	"github.com/dwdcheck/dwdcheck/internal/report"
	"github.com/dwdcheck/dwdcheck/internal/scopes"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newEnumCommand(cfg *Config, log logrus.FieldLogger) *cobra.Command {
	var (
		project      string
		emails       []string
		currentEmail string
		keyFile      string
		verbose      bool
		output       bool
		saveKeys     bool
		listProjects bool
	)

	cmd := &cobra.Command{
		Use:   "enum",
		Short: "Scan projects for service accounts with effective domain-wide delegation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			m, err := metrics.New()
			if err != nil {
				return err
			}

			exchangerOpts := []delegation.OptFunc{}
			if cfg.TokenURL != "" {
				exchangerOpts = append(exchangerOpts, delegation.WithTokenURL(cfg.TokenURL))
			}
			exchanger := delegation.New(log, exchangerOpts...)

			probes := scopes.DefaultProbes()
			if cfg.ScopesFile != "" {
				probes, err = scopes.LoadProbes(cfg.ScopesFile)
				if err != nil {
					return err
				}
			}

			enumeratorOpts := []enumerate.OptFunc{
				enumerate.WithProbes(probes),
				enumerate.WithWorkers(cfg.Workers),
			}
			if saveKeys {
				enumeratorOpts = append(enumeratorOpts, enumerate.WithKeyExport(cfg.KeysDir))
			}

			if keyFile != "" {
				if len(emails) != 1 {
					return fmt.Errorf("probing a key file requires exactly one --email target, a key signs for a single user per run")
				}

				key, err := credentials.LoadKeyFile(keyFile)
				if err != nil {
					return err
				}

				enumerator := enumerate.New(nil, nil, exchanger, m, log, enumeratorOpts...)
				run, runErr := enumerator.RunKey(ctx, key, emails[0])
				if run == nil {
					return runErr
				}

				run.Operator = key.Email
				if err := finishRun(ctx, cmd.OutOrStdout(), cfg, log, m, run, verbose, output); err != nil {
					return err
				}

				return runErr
			}

			operator, err := cfg.operator()
			if err != nil {
				return err
			}

			operator.SetEmail(currentEmail)
			if err := operator.Resolve(ctx); err != nil {
				return err
			}

			scanner, err := iamscan.New(ctx, operator, log)
			if err != nil {
				return err
			}

			if listProjects {
				return renderProjects(ctx, cmd, scanner)
			}

			minter, err := keymint.New(ctx, operator, log)
			if err != nil {
				return err
			}

			enumerator := enumerate.New(scanner, minter, exchanger, m, log, enumeratorOpts...)

			run, runErr := enumerator.Run(ctx, project, emails)
			if run == nil {
				return runErr
			}

			run.Operator = operator.Email()
			if err := finishRun(ctx, cmd.OutOrStdout(), cfg, log, m, run, verbose, output); err != nil {
				return err
			}

			return runErr
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "limit the scan to one project id")
	cmd.Flags().StringSliceVar(&emails, "email", nil, "domain user(s) to probe delegation against")
	cmd.Flags().StringVar(&currentEmail, "current-email", "", "identity behind the bearer token, skips tokeninfo resolution")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "probe this service account key directly, skipping the scan")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "include denied scopes and ineligible accounts")
	cmd.Flags().BoolVar(&output, "output", false, "write a results file to the results directory")
	cmd.Flags().BoolVar(&saveKeys, "save-keys", false, "export minted keys instead of deleting them")
	cmd.Flags().BoolVar(&listProjects, "list-projects", false, "only report the operator's access per project")

	return cmd
}

// finishRun renders the console summary, persists the results file when the
// operator asked for one, and drains the run counters.
func finishRun(ctx context.Context, out io.Writer, cfg *Config, log logrus.FieldLogger, m *metrics.Metrics, run *report.Run, verbose, output bool) error {
	run.Render(out, verbose)

	if output {
		path, err := run.Write(cfg.ResultsDir)
		if err != nil {
			return err
		}
		log.WithField("path", path).Infof("wrote results file")
	}

	if summary, err := m.Summary(ctx); err == nil {
		log.WithField("counters", summary).Debugf("run counters")
	}

	return nil
}

func renderProjects(ctx context.Context, cmd *cobra.Command, scanner *iamscan.Scanner) error {
	projects, err := scanner.ListProjects(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, project := range projects {
		marker := " "
		if project.KeyCreateRole {
			marker = "*"
		}

		roles := "none visible"
		if len(project.Roles) > 0 {
			roles = strings.Join(project.Roles, ", ")
		}

		fmt.Fprintf(out, "%s %s (%s): %s\n", marker, project.ProjectID, project.DisplayName, roles)
	}

	fmt.Fprintf(out, "\n%d project(s) visible, * marks key creation access\n", len(projects))
	return nil
}
