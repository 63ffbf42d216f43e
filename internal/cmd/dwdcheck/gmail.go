package dwdcheck

import (
	"fmt"
	"time"

	"github.com/dwdcheck/dwdcheck/internal/scopes"
	"github.com/dwdcheck/dwdcheck/internal/services/gmail"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const flagDateFormat = "2006-01-02"

func newGmailCommand(cfg *Config, log logrus.FieldLogger) *cobra.Command {
	var (
		keyFile     string
		impersonate string
		start       string
		end         string
		keyword     string
		maxResults  int64
		csvPath     string
	)

	cmd := &cobra.Command{
		Use:   "gmail",
		Short: "Search a mailbox as an impersonated user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			query := gmail.Query{
				Keyword:    keyword,
				MaxResults: maxResults,
			}

			if start != "" {
				parsed, err := time.Parse(flagDateFormat, start)
				if err != nil {
					return fmt.Errorf("parse --start: %w", err)
				}
				query.Start = parsed
			}

			if end != "" {
				parsed, err := time.Parse(flagDateFormat, end)
				if err != nil {
					return fmt.Errorf("parse --end: %w", err)
				}
				query.End = parsed
			}

			token, err := mintToken(ctx, cfg, log, keyFile, impersonate, []scopes.Operation{scopes.GmailSearch})
			if err != nil {
				return err
			}

			client, err := gmail.New(ctx, token, log)
			if err != nil {
				return err
			}

			messages, err := client.Search(ctx, query, csvPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, message := range messages {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", message.ID, message.Date, message.From, message.Subject)
			}
			fmt.Fprintf(out, "\n%d message(s) matched for %s\n", len(messages), impersonate)

			return nil
		},
	}

	cmd.Flags().StringVar(&keyFile, "key-file", "", "service account key file to sign with")
	cmd.Flags().StringVar(&impersonate, "impersonate", "", "domain user to impersonate")
	cmd.Flags().StringVar(&start, "start", "", "only messages received on or after this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "only messages received on or before this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&keyword, "keyword", "", "keep messages mentioning this keyword")
	cmd.Flags().Int64Var(&maxResults, "max-results", 100, "cap on listed messages")
	cmd.Flags().StringVar(&csvPath, "csv", "", "append matches to this csv file")

	return cmd
}
